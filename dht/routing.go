package dht

import (
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-blobdht/pkg/types"
)

// ============================================================================
//                              K-Bucket
// ============================================================================

// KBucket K 桶
// 按最后活跃时间排序存储节点：队首最旧，队尾最新
type KBucket struct {
	// nodes 桶内节点（有序）
	nodes []*Contact

	// replacementCache 替换缓存：桶满时的候补节点
	replacementCache []*Contact

	// lastRefresh 最后一次活动时间（插入、更新或刷新）
	lastRefresh time.Time
}

// newKBucket 创建 K 桶
func newKBucket(now time.Time) *KBucket {
	return &KBucket{
		nodes:            make([]*Contact, 0, BucketSize),
		replacementCache: make([]*Contact, 0, BucketSize),
		lastRefresh:      now,
	}
}

// contains 检查桶中是否存在指定 ID 的节点
func (b *KBucket) contains(id types.NodeID) bool {
	return b.indexOf(id) >= 0
}

// indexOf 返回指定 ID 在桶中的下标，不存在返回 -1
func (b *KBucket) indexOf(id types.NodeID) int {
	for i, c := range b.nodes {
		if c.ID.Equal(id) {
			return i
		}
	}
	return -1
}

// moveToBack 将下标 i 处的节点移到队尾（最新位置）
func (b *KBucket) moveToBack(i int) {
	c := b.nodes[i]
	b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
	b.nodes = append(b.nodes, c)
}

// addReplacement 将节点加入替换缓存，超出容量时淘汰最旧的
func (b *KBucket) addReplacement(c *Contact) {
	for i, r := range b.replacementCache {
		if r.ID.Equal(c.ID) {
			b.replacementCache = append(b.replacementCache[:i], b.replacementCache[i+1:]...)
			break
		}
	}
	b.replacementCache = append(b.replacementCache, c)
	if len(b.replacementCache) > BucketSize {
		b.replacementCache = b.replacementCache[1:]
	}
}

// takeReplacement 取出替换缓存中最新的节点，缓存为空返回 nil
func (b *KBucket) takeReplacement() *Contact {
	n := len(b.replacementCache)
	if n == 0 {
		return nil
	}
	c := b.replacementCache[n-1]
	b.replacementCache = b.replacementCache[:n-1]
	return c
}

// ============================================================================
//                              路由表
// ============================================================================

// RoutingTable 路由表
// 按与本地 ID 的共同前缀长度将节点分入 384 个 K 桶
type RoutingTable struct {
	mu sync.RWMutex

	// localID 本地节点 ID
	localID types.NodeID

	// buckets K 桶数组（按共同前缀长度索引）
	buckets [KeyBits]*KBucket

	// bucketSize 桶容量
	bucketSize int

	// clock 时间源
	clock clock.Clock
}

// NewRoutingTable 创建路由表
func NewRoutingTable(localID types.NodeID, bucketSize int, clk clock.Clock) *RoutingTable {
	rt := &RoutingTable{
		localID:    localID,
		bucketSize: bucketSize,
		clock:      clk,
	}

	now := clk.Now()
	for i := range rt.buckets {
		rt.buckets[i] = newKBucket(now)
	}

	return rt
}

// LocalID 返回本地节点 ID
func (rt *RoutingTable) LocalID() types.NodeID {
	return rt.localID
}

// Add 添加或更新节点
//
// 已存在则更新地址并移到队尾；桶未满则插入队尾；桶满则进入替换缓存
// 并返回队首最旧的节点作为待探测的淘汰候选。本地 ID 永不入表。
// 返回值 added 表示节点现在是否在桶中。
func (rt *RoutingTable) Add(c *Contact) (added bool, evictCandidate *Contact) {
	if c.ID.Equal(rt.localID) || c.ID.IsEmpty() {
		return false, nil
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.clock.Now()
	bucket := rt.buckets[BucketIndex(rt.localID, c.ID)]
	bucket.lastRefresh = now

	if i := bucket.indexOf(c.ID); i >= 0 {
		// 已存在：更新地址信息并移到最新位置
		existing := bucket.nodes[i]
		existing.IP = c.IP
		existing.UDPPort = c.UDPPort
		if c.TCPPort != 0 {
			existing.TCPPort = c.TCPPort
		}
		existing.Touch(now)
		bucket.moveToBack(i)
		return true, nil
	}

	dup := c.clone()
	dup.Touch(now)

	if len(bucket.nodes) < rt.bucketSize {
		bucket.nodes = append(bucket.nodes, dup)
		return true, nil
	}

	// 桶满：新节点进入替换缓存，最旧节点成为淘汰候选
	bucket.addReplacement(dup)
	return false, bucket.nodes[0].clone()
}

// Remove 移除节点并从替换缓存提升候补
func (rt *RoutingTable) Remove(id types.NodeID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	bucket := rt.buckets[BucketIndex(rt.localID, id)]
	i := bucket.indexOf(id)
	if i < 0 {
		return
	}

	bucket.nodes = append(bucket.nodes[:i], bucket.nodes[i+1:]...)

	if r := bucket.takeReplacement(); r != nil {
		r.Touch(rt.clock.Now())
		bucket.nodes = append(bucket.nodes, r)
	}
}

// Get 按 ID 查找节点，返回副本
func (rt *RoutingTable) Get(id types.NodeID) (*Contact, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	bucket := rt.buckets[BucketIndex(rt.localID, id)]
	if i := bucket.indexOf(id); i >= 0 {
		return bucket.nodes[i].clone(), true
	}
	return nil, false
}

// Touch 记录节点的一次成功应答
func (rt *RoutingTable) Touch(id types.NodeID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	bucket := rt.buckets[BucketIndex(rt.localID, id)]
	if i := bucket.indexOf(id); i >= 0 {
		bucket.nodes[i].Touch(rt.clock.Now())
		bucket.moveToBack(i)
		bucket.lastRefresh = rt.clock.Now()
	}
}

// MarkFailure 记录节点的一次 RPC 失败
// 失败计数超过阈值时移除该节点，返回是否已移除
func (rt *RoutingTable) MarkFailure(id types.NodeID, maxFailures int) bool {
	rt.mu.Lock()

	bucket := rt.buckets[BucketIndex(rt.localID, id)]
	i := bucket.indexOf(id)
	if i < 0 {
		rt.mu.Unlock()
		return false
	}

	bucket.nodes[i].MarkFailure()
	bad := bucket.nodes[i].IsBad(maxFailures)
	rt.mu.Unlock()

	if bad {
		rt.Remove(id)
	}
	return bad
}

// FindClosest 返回距 target 最近的至多 count 个节点
//
// 结果按（XOR 距离升序，ID 数值升序）排序，保证确定性。
func (rt *RoutingTable) FindClosest(target types.NodeID, count int) []*Contact {
	rt.mu.RLock()

	candidates := make([]*Contact, 0, count*2)
	for _, bucket := range rt.buckets {
		for _, c := range bucket.nodes {
			candidates = append(candidates, c.clone())
		}
	}

	rt.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		cmp := CompareDistance(candidates[i].ID, candidates[j].ID, target)
		if cmp != 0 {
			return cmp < 0
		}
		return CompareID(candidates[i].ID, candidates[j].ID) < 0
	})

	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// BucketCount 返回非空桶数量
func (rt *RoutingTable) BucketCount() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	count := 0
	for _, bucket := range rt.buckets {
		if len(bucket.nodes) > 0 {
			count++
		}
	}
	return count
}

// Size 返回路由表中节点总数
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	total := 0
	for _, bucket := range rt.buckets {
		total += len(bucket.nodes)
	}
	return total
}

// Contacts 返回路由表中所有节点的副本
func (rt *RoutingTable) Contacts() []*Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	all := make([]*Contact, 0, 64)
	for _, bucket := range rt.buckets {
		for _, c := range bucket.nodes {
			all = append(all, c.clone())
		}
	}
	return all
}

// StaleBuckets 返回超过 maxAge 未活动的非空桶下标
// 下标用于 RandomIDInBucket 生成刷新目标
func (rt *RoutingTable) StaleBuckets(maxAge time.Duration) []int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	now := rt.clock.Now()
	stale := make([]int, 0)
	for i, bucket := range rt.buckets {
		if len(bucket.nodes) == 0 {
			continue
		}
		if now.Sub(bucket.lastRefresh) >= maxAge {
			stale = append(stale, i)
		}
	}
	return stale
}

// MarkBucketRefreshed 更新桶的最后活动时间
func (rt *RoutingTable) MarkBucketRefreshed(index int) {
	if index < 0 || index >= KeyBits {
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.buckets[index].lastRefresh = rt.clock.Now()
}

// RandomIDInBucket 生成落在指定桶内的随机 ID
// 即与本地 ID 恰好有 index 位共同前缀的 ID
func (rt *RoutingTable) RandomIDInBucket(index int) types.NodeID {
	var id types.NodeID
	copy(id[:], rt.localID[:])

	// 翻转第 index 位，保证共同前缀长度恰为 index
	id[index/8] ^= 0x80 >> (index % 8)

	// 其余低位随机化
	suffix := make([]byte, types.IDLength)
	_, _ = rand.Read(suffix)
	for bit := index + 1; bit < KeyBits; bit++ {
		byteIdx := bit / 8
		mask := byte(0x80) >> (bit % 8)
		if suffix[byteIdx]&mask != 0 {
			id[byteIdx] |= mask
		} else {
			id[byteIdx] &^= mask
		}
	}
	return id
}

// BucketStats 单个 K 桶的快照
type BucketStats struct {
	// Index 桶下标（共同前缀长度）
	Index int

	// Contacts 桶内节点
	Contacts []*Contact

	// ReplacementCount 替换缓存中的候补数
	ReplacementCount int

	// LastRefresh 最后活动时间
	LastRefresh time.Time
}

// Snapshot 返回所有非空桶的快照，供调试接口使用
func (rt *RoutingTable) Snapshot() []BucketStats {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	stats := make([]BucketStats, 0)
	for i, bucket := range rt.buckets {
		if len(bucket.nodes) == 0 && len(bucket.replacementCache) == 0 {
			continue
		}
		contacts := make([]*Contact, 0, len(bucket.nodes))
		for _, c := range bucket.nodes {
			contacts = append(contacts, c.clone())
		}
		stats = append(stats, BucketStats{
			Index:            i,
			Contacts:         contacts,
			ReplacementCount: len(bucket.replacementCache),
			LastRefresh:      bucket.lastRefresh,
		})
	}
	return stats
}
