package dht

import (
	"fmt"
	"net"
	"time"

	"github.com/dep2p/go-blobdht/pkg/types"
)

// Contact 路由表中的远端节点
//
// 记录节点身份、网络地址和活性统计。Contact 由持有它的 K 桶独占，
// 引擎在一次查询期间只持有临时副本。
type Contact struct {
	// ID 节点 ID
	ID types.NodeID

	// IP 节点 IP 地址
	IP net.IP

	// UDPPort DHT 消息端口
	UDPPort int

	// TCPPort blob 传输端口（可选，0 表示未知）
	TCPPort int

	// LastReplied 最后一次成功应答本地请求的时间
	LastReplied time.Time

	// LastRequested 最后一次向本地发起请求的时间
	LastRequested time.Time

	// FailedRPCs 连续 RPC 失败次数（成功后清零）
	FailedRPCs int
}

// Addr 返回 UDP 地址
func (c *Contact) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: c.IP, Port: c.UDPPort}
}

// Touch 记录一次成功应答并清零失败计数
func (c *Contact) Touch(now time.Time) {
	c.LastReplied = now
	c.FailedRPCs = 0
}

// MarkRequested 记录一次来自该节点的请求
func (c *Contact) MarkRequested(now time.Time) {
	c.LastRequested = now
}

// MarkFailure 记录一次 RPC 失败
func (c *Contact) MarkFailure() {
	c.FailedRPCs++
}

// IsBad 检查失败计数是否超过淘汰阈值
func (c *Contact) IsBad(maxFailures int) bool {
	return c.FailedRPCs > maxFailures
}

// LastSeen 返回最后一次交互时间（应答或请求中较晚者）
func (c *Contact) LastSeen() time.Time {
	if c.LastReplied.After(c.LastRequested) {
		return c.LastReplied
	}
	return c.LastRequested
}

// String 返回 Contact 的可读表示
func (c *Contact) String() string {
	return fmt.Sprintf("%s@%s:%d", c.ID.ShortString(), c.IP, c.UDPPort)
}

// clone 返回 Contact 的副本，供引擎在查询期间使用
func (c *Contact) clone() *Contact {
	dup := *c
	return &dup
}

// ============================================================================
//                              BlobPeer
// ============================================================================

// BlobPeer 某个 blob 的提供者
//
// FindPeersForBlob 的结果类型，供 blob 下载层消费。
type BlobPeer struct {
	// ID 提供者节点 ID
	ID types.NodeID

	// IP 提供者 IP 地址
	IP net.IP

	// TCPPort blob 传输端口
	TCPPort int
}

// String 返回 BlobPeer 的可读表示
func (p BlobPeer) String() string {
	return fmt.Sprintf("%s@%s:%d", p.ID.ShortString(), p.IP, p.TCPPort)
}
