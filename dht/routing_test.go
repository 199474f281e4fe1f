package dht

import (
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-blobdht/pkg/types"
)

// ============================================================================
//                              测试辅助
// ============================================================================

// testContact 创建测试用 Contact
func testContact(id types.NodeID, port int) *Contact {
	return &Contact{
		ID:      id,
		IP:      net.ParseIP("127.0.0.1"),
		UDPPort: port,
	}
}

// idWithPrefix 构造与 base 有恰好 cpl 位共同前缀的 ID
func idWithPrefix(base types.NodeID, cpl int, suffix byte) types.NodeID {
	var id types.NodeID
	copy(id[:], base[:])
	id[cpl/8] ^= 0x80 >> (cpl % 8)
	id[types.IDLength-1] ^= suffix
	if BucketIndex(base, id) != cpl {
		// suffix 翻转了更高位时回退
		id[types.IDLength-1] = base[types.IDLength-1]
		id[cpl/8] = base[cpl/8] ^ (0x80 >> (cpl % 8))
	}
	return id
}

// ============================================================================
//                              XOR 距离测试
// ============================================================================

// TestXORDistance 测试 XOR 距离计算
func TestXORDistance(t *testing.T) {
	a := types.GenerateNodeID()

	// 与自身的距离为零
	d := XORDistance(a, a)
	for _, b := range d {
		assert.Equal(t, byte(0), b)
	}

	// 对称性
	b := types.GenerateNodeID()
	assert.Equal(t, XORDistance(a, b), XORDistance(b, a))

	t.Log("✅ XOR 距离计算正确")
}

// TestCompareDistance 测试距离比较
func TestCompareDistance(t *testing.T) {
	var target, near, far types.NodeID
	near[0] = 0x01
	far[0] = 0x80

	assert.Equal(t, -1, CompareDistance(near, far, target))
	assert.Equal(t, 1, CompareDistance(far, near, target))
	assert.Equal(t, 0, CompareDistance(near, near, target))
}

// TestCommonPrefixLen 测试共同前缀长度
func TestCommonPrefixLen(t *testing.T) {
	var a, b types.NodeID
	assert.Equal(t, KeyBits, CommonPrefixLen(a, b))

	b[0] = 0x80
	assert.Equal(t, 0, CommonPrefixLen(a, b))

	b[0] = 0x01
	assert.Equal(t, 7, CommonPrefixLen(a, b))

	b[0] = 0x00
	b[5] = 0x10
	assert.Equal(t, 5*8+3, CommonPrefixLen(a, b))
}

// TestBucketIndex 测试桶下标计算
func TestBucketIndex(t *testing.T) {
	local := types.GenerateNodeID()

	for _, cpl := range []int{0, 7, 100, 383} {
		remote := idWithPrefix(local, cpl, 0)
		assert.Equal(t, cpl, BucketIndex(local, remote))
	}
}

// ============================================================================
//                              路由表测试
// ============================================================================

// TestRoutingTable_AddAndGet 测试添加和查询节点
func TestRoutingTable_AddAndGet(t *testing.T) {
	clk := clock.NewMock()
	local := types.GenerateNodeID()
	rt := NewRoutingTable(local, BucketSize, clk)

	c := testContact(types.GenerateNodeID(), 4444)
	added, evict := rt.Add(c)
	assert.True(t, added)
	assert.Nil(t, evict)
	assert.Equal(t, 1, rt.Size())

	got, ok := rt.Get(c.ID)
	require.True(t, ok)
	assert.True(t, got.ID.Equal(c.ID))
	assert.Equal(t, 4444, got.UDPPort)

	// 本地 ID 永不入表
	added, _ = rt.Add(testContact(local, 5555))
	assert.False(t, added)
	assert.Equal(t, 1, rt.Size())

	t.Log("✅ 节点添加和查询正确")
}

// TestRoutingTable_UpdateExisting 测试重复添加更新地址
func TestRoutingTable_UpdateExisting(t *testing.T) {
	clk := clock.NewMock()
	local := types.GenerateNodeID()
	rt := NewRoutingTable(local, BucketSize, clk)

	id := types.GenerateNodeID()
	rt.Add(testContact(id, 4444))

	// 同一 ID 换了端口：更新而不是新增
	updated := testContact(id, 9999)
	added, evict := rt.Add(updated)
	assert.True(t, added)
	assert.Nil(t, evict)
	assert.Equal(t, 1, rt.Size())

	got, ok := rt.Get(id)
	require.True(t, ok)
	assert.Equal(t, 9999, got.UDPPort)
}

// TestRoutingTable_FullBucket 测试桶满时的淘汰候选
func TestRoutingTable_FullBucket(t *testing.T) {
	clk := clock.NewMock()
	local := types.GenerateNodeID()
	rt := NewRoutingTable(local, BucketSize, clk)

	// 填满 0 号桶
	var oldest types.NodeID
	for i := 0; i < BucketSize; i++ {
		id := idWithPrefix(local, 0, byte(i+1))
		if i == 0 {
			oldest = id
		}
		added, evict := rt.Add(testContact(id, 4000+i))
		require.True(t, added)
		require.Nil(t, evict)
		clk.Add(time.Second)
	}

	// 第 9 个节点：不入桶，返回最旧节点作为探测候选
	extra := idWithPrefix(local, 0, 0x55)
	added, evict := rt.Add(testContact(extra, 5000))
	assert.False(t, added)
	require.NotNil(t, evict)
	assert.True(t, evict.ID.Equal(oldest), "淘汰候选应是最旧节点")

	// 最旧节点探测失败被移除后，候补顶替入桶
	rt.Remove(oldest)
	assert.Equal(t, BucketSize, rt.Size())
	_, ok := rt.Get(extra)
	assert.True(t, ok, "替换缓存中的节点应被提升")

	t.Log("✅ 桶满淘汰逻辑正确")
}

// TestRoutingTable_EvictCandidateSurvives 测试候选应答后保留原节点
func TestRoutingTable_EvictCandidateSurvives(t *testing.T) {
	clk := clock.NewMock()
	local := types.GenerateNodeID()
	rt := NewRoutingTable(local, BucketSize, clk)

	var oldest types.NodeID
	for i := 0; i < BucketSize; i++ {
		id := idWithPrefix(local, 0, byte(i+1))
		if i == 0 {
			oldest = id
		}
		rt.Add(testContact(id, 4000+i))
		clk.Add(time.Second)
	}

	extra := idWithPrefix(local, 0, 0x55)
	rt.Add(testContact(extra, 5000))

	// 最旧节点应答了探测：Touch 把它移到队尾，新节点留在缓存中
	rt.Touch(oldest)
	_, ok := rt.Get(oldest)
	assert.True(t, ok)
	_, ok = rt.Get(extra)
	assert.False(t, ok)
	assert.Equal(t, BucketSize, rt.Size())
}

// TestRoutingTable_FindClosest 测试最近节点查询
func TestRoutingTable_FindClosest(t *testing.T) {
	clk := clock.NewMock()
	local := types.GenerateNodeID()
	rt := NewRoutingTable(local, BucketSize, clk)

	for i := 0; i < 30; i++ {
		rt.Add(testContact(types.GenerateNodeID(), 4000+i))
	}

	target := types.GenerateNodeID()
	closest := rt.FindClosest(target, BucketSize)
	require.Len(t, closest, BucketSize)

	// 距离单调不减
	for i := 1; i < len(closest); i++ {
		cmp := CompareDistance(closest[i-1].ID, closest[i].ID, target)
		assert.LessOrEqual(t, cmp, 0, "结果应按距离升序")
	}

	// 两次查询结果一致（确定性）
	again := rt.FindClosest(target, BucketSize)
	for i := range closest {
		assert.True(t, closest[i].ID.Equal(again[i].ID))
	}

	t.Log("✅ 最近节点查询正确")
}

// TestRoutingTable_MarkFailure 测试失败计数淘汰
func TestRoutingTable_MarkFailure(t *testing.T) {
	clk := clock.NewMock()
	local := types.GenerateNodeID()
	rt := NewRoutingTable(local, BucketSize, clk)

	id := types.GenerateNodeID()
	rt.Add(testContact(id, 4444))

	maxFailures := 3
	for i := 0; i < maxFailures; i++ {
		removed := rt.MarkFailure(id, maxFailures)
		assert.False(t, removed)
	}

	// 第 maxFailures+1 次失败触发移除
	removed := rt.MarkFailure(id, maxFailures)
	assert.True(t, removed)
	_, ok := rt.Get(id)
	assert.False(t, ok)

	// 成功应答清零计数
	id2 := types.GenerateNodeID()
	rt.Add(testContact(id2, 4445))
	rt.MarkFailure(id2, maxFailures)
	rt.MarkFailure(id2, maxFailures)
	rt.Touch(id2)
	got, ok := rt.Get(id2)
	require.True(t, ok)
	assert.Equal(t, 0, got.FailedRPCs)
}

// TestRoutingTable_BucketCount 测试非空桶计数
func TestRoutingTable_BucketCount(t *testing.T) {
	clk := clock.NewMock()
	local := types.GenerateNodeID()
	rt := NewRoutingTable(local, BucketSize, clk)

	assert.Equal(t, 0, rt.BucketCount())

	// 两个节点落入同一个桶，只计一个桶
	rt.Add(testContact(idWithPrefix(local, 3, 1), 4000))
	rt.Add(testContact(idWithPrefix(local, 3, 2), 4001))
	assert.Equal(t, 1, rt.BucketCount())

	rt.Add(testContact(idWithPrefix(local, 7, 1), 4002))
	assert.Equal(t, 2, rt.BucketCount())

	// 桶清空后不再计数
	rt.Remove(idWithPrefix(local, 7, 1))
	assert.Equal(t, 1, rt.BucketCount())
}

// TestRoutingTable_StaleBuckets 测试陈旧桶检测
func TestRoutingTable_StaleBuckets(t *testing.T) {
	clk := clock.NewMock()
	local := types.GenerateNodeID()
	rt := NewRoutingTable(local, BucketSize, clk)

	rt.Add(testContact(idWithPrefix(local, 0, 1), 4000))
	rt.Add(testContact(idWithPrefix(local, 1, 1), 4001))

	assert.Empty(t, rt.StaleBuckets(time.Hour))

	clk.Add(2 * time.Hour)
	stale := rt.StaleBuckets(time.Hour)
	assert.Len(t, stale, 2, "空桶不计入陈旧桶")

	// 刷新后不再陈旧
	rt.MarkBucketRefreshed(stale[0])
	assert.Len(t, rt.StaleBuckets(time.Hour), 1)
}

// TestRoutingTable_RandomIDInBucket 测试刷新目标生成
func TestRoutingTable_RandomIDInBucket(t *testing.T) {
	clk := clock.NewMock()
	local := types.GenerateNodeID()
	rt := NewRoutingTable(local, BucketSize, clk)

	for _, idx := range []int{0, 5, 42, 200, 383} {
		id := rt.RandomIDInBucket(idx)
		assert.Equal(t, idx, BucketIndex(local, id), "随机 ID 应落在目标桶")
	}

	t.Log("✅ 桶内随机 ID 生成正确")
}
