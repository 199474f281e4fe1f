package dht

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-blobdht/pkg/types"
)

// TestMessage_FindNodeRoundTrip 测试 FIND_NODE 消息编解码
func TestMessage_FindNodeRoundTrip(t *testing.T) {
	sender := types.GenerateNodeID()
	target := types.GenerateNodeID()
	rid := uuid.New().String()

	msg := NewFindNodeRequest(rid, sender, target)
	data, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeFindNode, decoded.Type)
	assert.Equal(t, rid, decoded.RequestID)
	assert.True(t, decoded.Sender().Equal(sender))
	assert.True(t, decoded.TargetKey().Equal(target))

	t.Log("✅ FIND_NODE 消息编解码正确")
}

// TestMessage_FindValueResponse 测试带提供者和令牌的响应
func TestMessage_FindValueResponse(t *testing.T) {
	sender := types.GenerateNodeID()
	rid := uuid.New().String()

	peers := []PeerRecord{
		{ID: string(types.GenerateNodeID().Bytes()), IP: "10.0.0.1", TCP: 3333},
	}
	contacts := []ContactRecord{
		{ID: string(types.GenerateNodeID().Bytes()), IP: "10.0.0.2", Port: 4444},
	}

	msg := NewFindValueResponse(rid, sender, "secret-token", peers, contacts)
	data, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", decoded.Token)
	require.Len(t, decoded.Peers, 1)
	require.Len(t, decoded.Contacts, 1)

	p, err := peerFromRecord(decoded.Peers[0])
	require.NoError(t, err)
	assert.Equal(t, 3333, p.TCPPort)
	assert.Equal(t, "10.0.0.1", p.IP.String())

	c, err := contactFromRecord(decoded.Contacts[0])
	require.NoError(t, err)
	assert.Equal(t, 4444, c.UDPPort)
}

// TestMessage_StoreRoundTrip 测试 STORE 消息编解码
func TestMessage_StoreRoundTrip(t *testing.T) {
	sender := types.GenerateNodeID()
	key := types.HashKey([]byte("blob"))
	rid := uuid.New().String()

	msg := NewStoreRequest(rid, sender, key, "tok", 3333, true, 1700000000)
	data, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeStore, decoded.Type)
	assert.Equal(t, "tok", decoded.Token)
	assert.Equal(t, 3333, decoded.TCPPort)
	assert.True(t, decoded.IsOriginal)
	assert.Equal(t, int64(1700000000), decoded.PublishedAt)

	// 第三方转存不携带原始发布者声明
	relay := NewStoreRequest(rid, sender, key, "tok", 3333, false, 0)
	data, err = relay.Encode()
	require.NoError(t, err)
	decoded, err = DecodeMessage(data)
	require.NoError(t, err)
	assert.False(t, decoded.IsOriginal)
}

// TestDecodeMessage_Invalid 测试畸形消息校验
func TestDecodeMessage_Invalid(t *testing.T) {
	sender := types.GenerateNodeID()

	// 非 bencode 数据
	_, err := DecodeMessage([]byte("not bencode at all"))
	assert.Error(t, err)

	// 空报文
	_, err = DecodeMessage(nil)
	assert.Error(t, err)

	// 发送者 ID 长度错误
	bad := &Message{Type: MessageTypePing, RequestID: "x", SenderID: "short"}
	data, err := bad.Encode()
	require.NoError(t, err)
	_, err = DecodeMessage(data)
	assert.Error(t, err)

	// FIND_NODE 缺少键
	bad = &Message{Type: MessageTypeFindNode, RequestID: "x", SenderID: string(sender.Bytes())}
	data, err = bad.Encode()
	require.NoError(t, err)
	_, err = DecodeMessage(data)
	assert.ErrorIs(t, err, ErrInvalidKey)

	// 未知消息类型
	bad = &Message{Type: 99, RequestID: "x", SenderID: string(sender.Bytes())}
	data, err = bad.Encode()
	require.NoError(t, err)
	_, err = DecodeMessage(data)
	assert.Error(t, err)

	// 联系人端口越界
	bad = NewFindNodeResponse("x", sender, []ContactRecord{
		{ID: string(types.GenerateNodeID().Bytes()), IP: "10.0.0.1", Port: 70000},
	})
	data, err = bad.Encode()
	require.NoError(t, err)
	_, err = DecodeMessage(data)
	assert.ErrorIs(t, err, ErrInvalidPort)

	t.Log("✅ 畸形消息被拒绝")
}

// TestMessageType_IsResponse 测试请求/响应分类
func TestMessageType_IsResponse(t *testing.T) {
	assert.False(t, MessageTypePing.isResponse())
	assert.False(t, MessageTypeFindNode.isResponse())
	assert.False(t, MessageTypeFindValue.isResponse())
	assert.False(t, MessageTypeStore.isResponse())

	assert.True(t, MessageTypePong.isResponse())
	assert.True(t, MessageTypeFindNodeResponse.isResponse())
	assert.True(t, MessageTypeFindValueResponse.isResponse())
	assert.True(t, MessageTypeStoreResponse.isResponse())
	assert.True(t, MessageTypeError.isResponse())
}
