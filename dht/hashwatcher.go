package dht

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-blobdht/pkg/types"
)

// hashObservation 单次哈希观察记录
type hashObservation struct {
	hash types.NodeID
	from string
	at   time.Time
}

// HashWatcher 热门哈希观察器
//
// 记录收到的查询和公告所涉及的 blob 哈希，在滑动窗口内统计
// 每个哈希被多少个不同来源 IP 提及，供外层发现热门内容。
// 按 IP 而不是节点 ID 计数，避免同一主机换 ID 刷热度。
type HashWatcher struct {
	mu sync.Mutex

	// observations 窗口内的观察记录
	observations []hashObservation

	// ttl 观察记录生存期（滑动窗口宽度）
	ttl time.Duration

	// clock 时间源
	clock clock.Clock
}

// NewHashWatcher 创建哈希观察器
func NewHashWatcher(ttl time.Duration, clk clock.Clock) *HashWatcher {
	return &HashWatcher{
		observations: make([]hashObservation, 0, 128),
		ttl:          ttl,
		clock:        clk,
	}
}

// Record 记录一次哈希观察
//
// 同一 (hash, 来源 IP) 组合在窗口内只计一次。
func (w *HashWatcher) Record(hash types.NodeID, from net.IP) {
	w.mu.Lock()
	defer w.mu.Unlock()

	src := from.String()
	now := w.clock.Now()
	for _, o := range w.observations {
		if o.hash.Equal(hash) && o.from == src && now.Sub(o.at) < w.ttl {
			return
		}
	}

	w.observations = append(w.observations, hashObservation{
		hash: hash,
		from: src,
		at:   now,
	})
}

// HashCount 热门哈希统计结果
type HashCount struct {
	// Hash blob 哈希
	Hash types.NodeID

	// Count 窗口内提及该哈希的不同来源 IP 数
	Count int
}

// MostPopular 返回窗口内提及次数最多的至多 n 个哈希
// 结果按（次数降序，哈希数值升序）排序
func (w *HashWatcher) MostPopular(n int) []HashCount {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	counts := make(map[types.NodeID]int)
	for _, o := range w.observations {
		if now.Sub(o.at) < w.ttl {
			counts[o.hash]++
		}
	}

	result := make([]HashCount, 0, len(counts))
	for h, c := range counts {
		result = append(result, HashCount{Hash: h, Count: c})
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return CompareID(result[i].Hash, result[j].Hash) < 0
	})

	if len(result) > n {
		result = result[:n]
	}
	return result
}

// Purge 删除窗口外的观察记录，返回删除数
func (w *HashWatcher) Purge() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	kept := w.observations[:0]
	removed := 0
	for _, o := range w.observations {
		if now.Sub(o.at) < w.ttl {
			kept = append(kept, o)
		} else {
			removed++
		}
	}
	w.observations = kept
	return removed
}

// Len 返回当前观察记录总数（含未清理的过期记录）
func (w *HashWatcher) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.observations)
}
