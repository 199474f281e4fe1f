package dht

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-blobdht/pkg/types"
)

// blobEntry 单条 blob 公告
type blobEntry struct {
	// peer 公告的提供者
	peer BlobPeer

	// storedAt 最近一次写入时间（重复公告刷新该时间）
	storedAt time.Time

	// originallyPublished 发布方声明的原始发布时间
	originallyPublished time.Time

	// original 是否由提供者本人公告（用于重新发布判定）
	original bool
}

// DataStore blob 公告存储
//
// 记录"哪些节点宣称持有哪些 blob"。键为 blob 哈希，值为提供者集合。
// 条目超过 TTL 未被重新写入则由清理循环删除。
type DataStore struct {
	mu sync.RWMutex

	// entries 键 → 提供者 ID → 公告
	entries map[types.NodeID]map[types.NodeID]*blobEntry

	// ttl 条目生存期
	ttl time.Duration

	// clock 时间源
	clock clock.Clock
}

// NewDataStore 创建公告存储
func NewDataStore(ttl time.Duration, clk clock.Clock) *DataStore {
	return &DataStore{
		entries: make(map[types.NodeID]map[types.NodeID]*blobEntry),
		ttl:     ttl,
		clock:   clk,
	}
}

// Put 写入一条公告
//
// 同一 (key, peer) 重复写入只刷新时间戳，幂等。
// original 表示公告来自提供者本人而非第三方转存。
func (ds *DataStore) Put(key types.NodeID, peer BlobPeer, originallyPublished time.Time, original bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	peers, ok := ds.entries[key]
	if !ok {
		peers = make(map[types.NodeID]*blobEntry)
		ds.entries[key] = peers
	}

	now := ds.clock.Now()
	if e, ok := peers[peer.ID]; ok {
		e.peer = peer
		e.storedAt = now
		e.originallyPublished = originallyPublished
		e.original = e.original || original
		return
	}

	peers[peer.ID] = &blobEntry{
		peer:                peer,
		storedAt:            now,
		originallyPublished: originallyPublished,
		original:            original,
	}
}

// Get 返回某个键的未过期提供者列表
func (ds *DataStore) Get(key types.NodeID) []BlobPeer {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	peers, ok := ds.entries[key]
	if !ok {
		return nil
	}

	now := ds.clock.Now()
	result := make([]BlobPeer, 0, len(peers))
	for _, e := range peers {
		if now.Sub(e.storedAt) < ds.ttl {
			result = append(result, e.peer)
		}
	}
	return result
}

// Has 检查某个键是否有未过期的提供者
func (ds *DataStore) Has(key types.NodeID) bool {
	return len(ds.Get(key)) > 0
}

// Keys 返回所有存在公告的键
func (ds *DataStore) Keys() []types.NodeID {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	keys := make([]types.NodeID, 0, len(ds.entries))
	for k := range ds.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len 返回公告条目总数
func (ds *DataStore) Len() int {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	total := 0
	for _, peers := range ds.entries {
		total += len(peers)
	}
	return total
}

// SweepExpired 删除所有过期条目，返回删除数
func (ds *DataStore) SweepExpired() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	now := ds.clock.Now()
	removed := 0
	for key, peers := range ds.entries {
		for id, e := range peers {
			if now.Sub(e.storedAt) >= ds.ttl {
				delete(peers, id)
				removed++
			}
		}
		if len(peers) == 0 {
			delete(ds.entries, key)
		}
	}
	return removed
}

// EntriesNeedingRepublish 返回本地发布且原始发布时间早于 cutoff 的键
//
// 重新发布循环据此决定哪些公告需要向网络重新 STORE。
func (ds *DataStore) EntriesNeedingRepublish(owner types.NodeID, cutoff time.Time) []types.NodeID {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	keys := make([]types.NodeID, 0)
	for key, peers := range ds.entries {
		e, ok := peers[owner]
		if !ok || !e.original {
			continue
		}
		if e.originallyPublished.Before(cutoff) {
			keys = append(keys, key)
		}
	}
	return keys
}
