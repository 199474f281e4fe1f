package dht

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-blobdht/pkg/types"
)

// testIP 第 n 个测试用来源 IP
func testIP(n int) net.IP {
	return net.ParseIP(fmt.Sprintf("10.0.0.%d", n))
}

// TestHashWatcher_RecordAndCount 测试观察记录和热度统计
func TestHashWatcher_RecordAndCount(t *testing.T) {
	clk := clock.NewMock()
	w := NewHashWatcher(10*time.Minute, clk)

	hot := types.HashKey([]byte("hot"))
	cold := types.HashKey([]byte("cold"))

	for i := 0; i < 3; i++ {
		w.Record(hot, testIP(i+1))
	}
	w.Record(cold, testIP(1))

	top := w.MostPopular(10)
	require.Len(t, top, 2)
	assert.True(t, top[0].Hash.Equal(hot))
	assert.Equal(t, 3, top[0].Count)
	assert.Equal(t, 1, top[1].Count)

	// n 截断
	assert.Len(t, w.MostPopular(1), 1)

	t.Log("✅ 热度统计正确")
}

// TestHashWatcher_DedupByIP 测试同一来源 IP 窗口内去重
//
// 同一主机换节点 ID 重复查询不应抬高热度。
func TestHashWatcher_DedupByIP(t *testing.T) {
	clk := clock.NewMock()
	w := NewHashWatcher(10*time.Minute, clk)

	hash := types.HashKey([]byte("blob"))
	from := testIP(1)

	w.Record(hash, from)
	w.Record(hash, from)
	w.Record(hash, from)

	top := w.MostPopular(10)
	require.Len(t, top, 1)
	assert.Equal(t, 1, top[0].Count, "同一 (hash, 来源 IP) 只计一次")
}

// TestHashWatcher_Expiry 测试窗口滑动
func TestHashWatcher_Expiry(t *testing.T) {
	clk := clock.NewMock()
	w := NewHashWatcher(10*time.Minute, clk)

	hash := types.HashKey([]byte("blob"))
	w.Record(hash, testIP(1))

	clk.Add(5 * time.Minute)
	w.Record(hash, testIP(2))

	// 第一条滑出窗口
	clk.Add(6 * time.Minute)
	top := w.MostPopular(10)
	require.Len(t, top, 1)
	assert.Equal(t, 1, top[0].Count)

	// 清理只删过期记录
	assert.Equal(t, 1, w.Purge())
	assert.Equal(t, 1, w.Len())

	// 全部过期后统计为空
	clk.Add(10 * time.Minute)
	assert.Empty(t, w.MostPopular(10))
	assert.Equal(t, 1, w.Purge())
	assert.Equal(t, 0, w.Len())

	t.Log("✅ 滑动窗口过期正确")
}

// TestHashWatcher_SameSourceAfterExpiry 测试过期后同一来源可再计数
func TestHashWatcher_SameSourceAfterExpiry(t *testing.T) {
	clk := clock.NewMock()
	w := NewHashWatcher(10*time.Minute, clk)

	hash := types.HashKey([]byte("blob"))
	from := testIP(1)

	w.Record(hash, from)
	clk.Add(11 * time.Minute)
	w.Record(hash, from)

	top := w.MostPopular(10)
	require.Len(t, top, 1)
	assert.Equal(t, 1, top[0].Count)
}
