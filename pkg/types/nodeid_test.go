package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// NodeID 基础测试
// ============================================================================

// TestNodeID_Generate 测试随机生成的 NodeID
func TestNodeID_Generate(t *testing.T) {
	a := GenerateNodeID()
	b := GenerateNodeID()

	assert.False(t, a.IsEmpty())
	assert.False(t, b.IsEmpty())
	assert.False(t, a.Equal(b), "两次生成的 ID 不应相同")
	assert.Len(t, a.Bytes(), IDLength)

	t.Log("✅ 随机 NodeID 生成正确")
}

// TestNodeID_HexRoundTrip 测试十六进制编解码往返
func TestNodeID_HexRoundTrip(t *testing.T) {
	id := GenerateNodeID()

	s := id.String()
	assert.Len(t, s, IDLength*2)

	parsed, err := NodeIDFromHex(s)
	require.NoError(t, err)
	assert.True(t, id.Equal(parsed))

	t.Log("✅ 十六进制往返一致")
}

// TestNodeID_ShortString 测试短标识
func TestNodeID_ShortString(t *testing.T) {
	id := GenerateNodeID()

	short := id.ShortString()
	assert.Len(t, short, 12)
	assert.True(t, strings.HasPrefix(id.String(), short))

	// 空 ID 的短标识为空串
	assert.Equal(t, "", EmptyNodeID.ShortString())
}

// TestNodeID_FromBytes 测试字节切片创建
func TestNodeID_FromBytes(t *testing.T) {
	b := make([]byte, IDLength)
	for i := range b {
		b[i] = byte(i)
	}

	id, err := NodeIDFromBytes(b)
	require.NoError(t, err)
	assert.Equal(t, b, id.Bytes())

	// 长度错误
	_, err = NodeIDFromBytes(b[:20])
	assert.ErrorIs(t, err, ErrInvalidNodeID)

	_, err = NodeIDFromHex("zzzz")
	assert.ErrorIs(t, err, ErrInvalidNodeID)
}

// TestHashKey 测试键派生
func TestHashKey(t *testing.T) {
	k1 := HashKey([]byte("blob-content"))
	k2 := HashKey([]byte("blob-content"))
	k3 := HashKey([]byte("other-content"))

	assert.True(t, k1.Equal(k2), "相同内容应得到相同键")
	assert.False(t, k1.Equal(k3))
	assert.Len(t, k1.Bytes(), IDLength)
}
