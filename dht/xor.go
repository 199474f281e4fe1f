package dht

import (
	"github.com/dep2p/go-blobdht/pkg/types"
)

// XORDistance 计算两个 NodeID 的 XOR 距离
// 返回距离的字节表示（大端序）
func XORDistance(a, b types.NodeID) []byte {
	distance := make([]byte, types.IDLength)
	for i := 0; i < types.IDLength; i++ {
		distance[i] = a[i] ^ b[i]
	}
	return distance
}

// CompareDistance 比较 a 和 b 到 target 的距离
// 返回：
//   -1 如果 dist(a, target) < dist(b, target)
//    0 如果 dist(a, target) == dist(b, target)
//    1 如果 dist(a, target) > dist(b, target)
func CompareDistance(a, b, target types.NodeID) int {
	for i := 0; i < types.IDLength; i++ {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da < db {
			return -1
		}
		if da > db {
			return 1
		}
	}
	return 0
}

// CompareID 按无符号整数序比较两个 NodeID
//
// 用于 FindClosest 的确定性并列裁决（距离相等时 ID 小者在前）。
func CompareID(a, b types.NodeID) int {
	for i := 0; i < types.IDLength; i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}

// CommonPrefixLen 计算两个 NodeID 的共同前缀长度（按位计数）
func CommonPrefixLen(a, b types.NodeID) int {
	zeroBits := 0
	for i := 0; i < types.IDLength; i++ {
		d := a[i] ^ b[i]
		if d == 0 {
			zeroBits += 8
			continue
		}
		for mask := byte(0x80); mask > 0; mask >>= 1 {
			if d&mask != 0 {
				return zeroBits
			}
			zeroBits++
		}
	}
	return zeroBits
}

// BucketIndex 计算 NodeID 应该放入哪个 K-Bucket
// 返回 K-Bucket 索引（0-383）
func BucketIndex(local, remote types.NodeID) int {
	cpl := CommonPrefixLen(local, remote)
	if cpl >= KeyBits {
		return KeyBits - 1
	}
	return cpl
}
