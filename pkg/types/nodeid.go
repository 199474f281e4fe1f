// Package types 定义 go-blobdht 的基础类型
//
// 这是整个模块的最底层包，不依赖任何其他内部包。
// 所有类型都是纯值类型，用于在各模块间传递数据。
package types

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
)

// ============================================================================
//                              NodeID - 节点标识
// ============================================================================

// IDLength NodeID 字节长度（384 位）
//
// 节点标识与查询键（blob 哈希）共用同一个 384 位空间，
// blob 哈希即 SHA-384 摘要。
const IDLength = 48

// NodeID 节点唯一标识符 / 查询键
//
// 外部表示格式：
//   - String(): 十六进制编码（规范外部表示）
//   - ShortString(): 前 12 个十六进制字符（日志简短标识）
type NodeID [IDLength]byte

// EmptyNodeID 空节点ID
var EmptyNodeID NodeID

// ErrInvalidNodeID 无效的节点ID错误
var ErrInvalidNodeID = errors.New("invalid node ID: must be 48 bytes")

// String 返回 NodeID 的十六进制字符串表示
//
// 这是 NodeID 的规范外部表示，用于：
//   - 引导节点配置
//   - 日志与运维工具
func (id NodeID) String() string {
	if id.IsEmpty() {
		return ""
	}
	return hex.EncodeToString(id[:])
}

// ShortString 返回 NodeID 的短字符串表示
//
// 格式：十六进制前 12 个字符，用于日志中的简短标识。
func (id NodeID) ShortString() string {
	s := id.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// Bytes 返回 NodeID 的字节切片
func (id NodeID) Bytes() []byte {
	return id[:]
}

// Equal 比较两个 NodeID 是否相等
func (id NodeID) Equal(other NodeID) bool {
	return id == other
}

// IsEmpty 检查 NodeID 是否为空
func (id NodeID) IsEmpty() bool {
	return id == EmptyNodeID
}

// NodeIDFromBytes 从字节切片创建 NodeID
func NodeIDFromBytes(b []byte) (NodeID, error) {
	if len(b) != IDLength {
		return EmptyNodeID, ErrInvalidNodeID
	}
	var id NodeID
	copy(id[:], b)
	return id, nil
}

// NodeIDFromHex 从十六进制字符串创建 NodeID
func NodeIDFromHex(s string) (NodeID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return EmptyNodeID, ErrInvalidNodeID
	}
	return NodeIDFromBytes(b)
}

// GenerateNodeID 生成随机 NodeID
//
// 对 32 字节随机数据做 SHA-384 摘要，保证 ID 在键空间内均匀分布。
func GenerateNodeID() NodeID {
	var seed [32]byte
	_, _ = rand.Read(seed[:])
	return NodeID(sha512.Sum384(seed[:]))
}

// HashKey 计算任意数据的 384 位键（SHA-384）
//
// blob 哈希即对 blob 内容做 HashKey 的结果。
func HashKey(data []byte) NodeID {
	return NodeID(sha512.Sum384(data))
}
