package dht

import (
	"fmt"
	"net"

	"github.com/zeebo/bencode"

	"github.com/dep2p/go-blobdht/pkg/types"
)

// ============================================================================
//                              消息类型
// ============================================================================

// MessageType 消息类型
type MessageType int

const (
	// MessageTypePing PING 请求
	MessageTypePing MessageType = iota + 1

	// MessageTypePong PING 响应
	MessageTypePong

	// MessageTypeFindNode FIND_NODE 请求
	MessageTypeFindNode

	// MessageTypeFindNodeResponse FIND_NODE 响应
	MessageTypeFindNodeResponse

	// MessageTypeFindValue FIND_VALUE 请求
	MessageTypeFindValue

	// MessageTypeFindValueResponse FIND_VALUE 响应
	MessageTypeFindValueResponse

	// MessageTypeStore STORE 请求
	MessageTypeStore

	// MessageTypeStoreResponse STORE 响应
	MessageTypeStoreResponse

	// MessageTypeError 错误响应
	MessageTypeError
)

// String 返回消息类型的可读表示
func (t MessageType) String() string {
	switch t {
	case MessageTypePing:
		return "PING"
	case MessageTypePong:
		return "PONG"
	case MessageTypeFindNode:
		return "FIND_NODE"
	case MessageTypeFindNodeResponse:
		return "FIND_NODE_RESPONSE"
	case MessageTypeFindValue:
		return "FIND_VALUE"
	case MessageTypeFindValueResponse:
		return "FIND_VALUE_RESPONSE"
	case MessageTypeStore:
		return "STORE"
	case MessageTypeStoreResponse:
		return "STORE_RESPONSE"
	case MessageTypeError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

// isResponse 判断是否为响应类型
func (t MessageType) isResponse() bool {
	switch t {
	case MessageTypePong, MessageTypeFindNodeResponse,
		MessageTypeFindValueResponse, MessageTypeStoreResponse, MessageTypeError:
		return true
	default:
		return false
	}
}

// ============================================================================
//                              线上记录
// ============================================================================

// ContactRecord 消息中携带的节点记录
// ID 为 48 字节原始串
type ContactRecord struct {
	ID   string `bencode:"id"`
	IP   string `bencode:"ip"`
	Port int    `bencode:"port"`
	TCP  int    `bencode:"tcp,omitempty"`
}

// PeerRecord 消息中携带的 blob 提供者记录
type PeerRecord struct {
	ID  string `bencode:"id"`
	IP  string `bencode:"ip"`
	TCP int    `bencode:"tcp"`
}

// Message DHT 消息
//
// 所有请求和响应共用同一结构，按 Type 区分；bencode 编码，
// 节点 ID 和键以 48 字节原始串传输。
type Message struct {
	// Type 消息类型
	Type MessageType `bencode:"t"`

	// RequestID 请求标识，响应原样回传
	RequestID string `bencode:"rid"`

	// SenderID 发送者节点 ID（48 字节原始串）
	SenderID string `bencode:"from"`

	// Key 目标 ID 或 blob 哈希（FIND_NODE/FIND_VALUE/STORE）
	Key string `bencode:"key,omitempty"`

	// Token STORE 许可令牌（FIND_VALUE 响应下发，STORE 请求回传）
	Token string `bencode:"tok,omitempty"`

	// Contacts 节点列表（FIND_NODE/FIND_VALUE 响应）
	Contacts []ContactRecord `bencode:"nodes,omitempty"`

	// Peers 提供者列表（FIND_VALUE 响应，命中时）
	Peers []PeerRecord `bencode:"peers,omitempty"`

	// TCPPort 公告者的 blob 传输端口（STORE 请求）
	TCPPort int `bencode:"tcp,omitempty"`

	// IsOriginal 公告是否来自提供者本人而非第三方转存（STORE 请求）
	// 为真时接收方把发送者记为该条目的原始发布者
	IsOriginal bool `bencode:"orig,omitempty"`

	// PublishedAt 原始发布时间的 Unix 秒（STORE 请求，重新发布时保留）
	PublishedAt int64 `bencode:"pub,omitempty"`

	// Error 错误描述（错误响应）
	Error string `bencode:"err,omitempty"`
}

// ============================================================================
//                              消息构造
// ============================================================================

// NewPingRequest 创建 PING 请求
func NewPingRequest(rid string, sender types.NodeID) *Message {
	return &Message{
		Type:      MessageTypePing,
		RequestID: rid,
		SenderID:  string(sender.Bytes()),
	}
}

// NewPongResponse 创建 PING 响应
func NewPongResponse(rid string, sender types.NodeID) *Message {
	return &Message{
		Type:      MessageTypePong,
		RequestID: rid,
		SenderID:  string(sender.Bytes()),
	}
}

// NewFindNodeRequest 创建 FIND_NODE 请求
func NewFindNodeRequest(rid string, sender, target types.NodeID) *Message {
	return &Message{
		Type:      MessageTypeFindNode,
		RequestID: rid,
		SenderID:  string(sender.Bytes()),
		Key:       string(target.Bytes()),
	}
}

// NewFindNodeResponse 创建 FIND_NODE 响应
func NewFindNodeResponse(rid string, sender types.NodeID, contacts []ContactRecord) *Message {
	return &Message{
		Type:      MessageTypeFindNodeResponse,
		RequestID: rid,
		SenderID:  string(sender.Bytes()),
		Contacts:  contacts,
	}
}

// NewFindValueRequest 创建 FIND_VALUE 请求
func NewFindValueRequest(rid string, sender, key types.NodeID) *Message {
	return &Message{
		Type:      MessageTypeFindValue,
		RequestID: rid,
		SenderID:  string(sender.Bytes()),
		Key:       string(key.Bytes()),
	}
}

// NewFindValueResponse 创建 FIND_VALUE 响应
// 命中时携带 peers，未命中时携带最近节点；两种情况都下发令牌
func NewFindValueResponse(rid string, sender types.NodeID, token string, peers []PeerRecord, contacts []ContactRecord) *Message {
	return &Message{
		Type:      MessageTypeFindValueResponse,
		RequestID: rid,
		SenderID:  string(sender.Bytes()),
		Token:     token,
		Peers:     peers,
		Contacts:  contacts,
	}
}

// NewStoreRequest 创建 STORE 请求
func NewStoreRequest(rid string, sender, key types.NodeID, token string, tcpPort int, isOriginal bool, publishedAt int64) *Message {
	return &Message{
		Type:        MessageTypeStore,
		RequestID:   rid,
		SenderID:    string(sender.Bytes()),
		Key:         string(key.Bytes()),
		Token:       token,
		TCPPort:     tcpPort,
		IsOriginal:  isOriginal,
		PublishedAt: publishedAt,
	}
}

// NewStoreResponse 创建 STORE 响应
func NewStoreResponse(rid string, sender types.NodeID) *Message {
	return &Message{
		Type:      MessageTypeStoreResponse,
		RequestID: rid,
		SenderID:  string(sender.Bytes()),
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(rid string, sender types.NodeID, errMsg string) *Message {
	return &Message{
		Type:      MessageTypeError,
		RequestID: rid,
		SenderID:  string(sender.Bytes()),
		Error:     errMsg,
	}
}

// ============================================================================
//                              编解码
// ============================================================================

// maxMessageSize 单条消息的编码上限，防御超大报文
const maxMessageSize = 8192

// Encode 编码消息
func (m *Message) Encode() ([]byte, error) {
	data, err := bencode.EncodeBytes(m)
	if err != nil {
		return nil, NewDHTError("encode", err, m.Type.String())
	}
	if len(data) > maxMessageSize {
		return nil, NewDHTError("encode", ErrInvalidResponse, "message too large")
	}
	return data, nil
}

// DecodeMessage 解码并校验消息
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) == 0 || len(data) > maxMessageSize {
		return nil, NewDHTError("decode", ErrInvalidResponse, "bad message size")
	}

	var m Message
	if err := bencode.DecodeBytes(data, &m); err != nil {
		return nil, NewDHTError("decode", err, "malformed bencode")
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// validate 校验消息字段
func (m *Message) validate() error {
	if m.Type < MessageTypePing || m.Type > MessageTypeError {
		return NewDHTError("decode", ErrInvalidResponse, "unknown message type")
	}

	if m.RequestID == "" {
		return NewDHTError("decode", ErrInvalidResponse, "missing request id")
	}

	if len(m.SenderID) != types.IDLength {
		return NewDHTError("decode", ErrInvalidResponse, "bad sender id length")
	}

	switch m.Type {
	case MessageTypeFindNode, MessageTypeFindValue, MessageTypeStore:
		if len(m.Key) != types.IDLength {
			return NewDHTError("decode", ErrInvalidKey, "bad key length")
		}
	}

	for _, c := range m.Contacts {
		if len(c.ID) != types.IDLength {
			return NewDHTError("decode", ErrInvalidResponse, "bad contact id length")
		}
		if net.ParseIP(c.IP) == nil {
			return NewDHTError("decode", ErrInvalidResponse, "bad contact ip")
		}
		if c.Port <= 0 || c.Port > 65535 {
			return NewDHTError("decode", ErrInvalidPort, "bad contact port")
		}
	}

	for _, p := range m.Peers {
		if len(p.ID) != types.IDLength {
			return NewDHTError("decode", ErrInvalidResponse, "bad peer id length")
		}
		if net.ParseIP(p.IP) == nil {
			return NewDHTError("decode", ErrInvalidResponse, "bad peer ip")
		}
		if p.TCP <= 0 || p.TCP > 65535 {
			return NewDHTError("decode", ErrInvalidPort, "bad peer port")
		}
	}

	if m.Type == MessageTypeStore && (m.TCPPort <= 0 || m.TCPPort > 65535) {
		return NewDHTError("decode", ErrInvalidPort, "bad store port")
	}

	return nil
}

// Sender 返回发送者 NodeID
func (m *Message) Sender() types.NodeID {
	id, _ := types.NodeIDFromBytes([]byte(m.SenderID))
	return id
}

// TargetKey 返回消息携带的键
func (m *Message) TargetKey() types.NodeID {
	id, _ := types.NodeIDFromBytes([]byte(m.Key))
	return id
}

// ============================================================================
//                              记录转换
// ============================================================================

// recordFromContact 将 Contact 转为线上记录
func recordFromContact(c *Contact) ContactRecord {
	return ContactRecord{
		ID:   string(c.ID.Bytes()),
		IP:   c.IP.String(),
		Port: c.UDPPort,
		TCP:  c.TCPPort,
	}
}

// contactFromRecord 将线上记录转为 Contact
func contactFromRecord(rec ContactRecord) (*Contact, error) {
	id, err := types.NodeIDFromBytes([]byte(rec.ID))
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(rec.IP)
	if ip == nil {
		return nil, NewDHTError("decode", ErrInvalidResponse, "bad contact ip")
	}
	return &Contact{
		ID:      id,
		IP:      ip,
		UDPPort: rec.Port,
		TCPPort: rec.TCP,
	}, nil
}

// recordFromPeer 将 BlobPeer 转为线上记录
func recordFromPeer(p BlobPeer) PeerRecord {
	return PeerRecord{
		ID:  string(p.ID.Bytes()),
		IP:  p.IP.String(),
		TCP: p.TCPPort,
	}
}

// peerFromRecord 将线上记录转为 BlobPeer
func peerFromRecord(rec PeerRecord) (BlobPeer, error) {
	id, err := types.NodeIDFromBytes([]byte(rec.ID))
	if err != nil {
		return BlobPeer{}, err
	}
	ip := net.ParseIP(rec.IP)
	if ip == nil {
		return BlobPeer{}, NewDHTError("decode", ErrInvalidResponse, "bad peer ip")
	}
	return BlobPeer{ID: id, IP: ip, TCPPort: rec.TCP}, nil
}
