// Package dht 实现基于 Kademlia 的 blob 提供者发现网络。
//
// 节点在 384 位 XOR 度量空间中组织路由表，通过 UDP 上的
// bencode 消息完成 PING、FIND_NODE、FIND_VALUE 和 STORE 四种
// 操作。内容持有者用 Announce 把"blob 哈希 → 自身地址"的映射
// 发布到距哈希最近的 k 个节点，下载者用 FindPeersForBlob 沿
// 同一路径找回提供者列表。公告有 TTL，持有者周期性重新发布。
//
// STORE 受令牌保护：节点必须先向目标发起 FIND_VALUE 拿到
// 对自身 IP 签发的令牌，才能在该节点上写入公告。
package dht
