package dht

import (
	"errors"
	"fmt"
)

// 预定义错误
var (
	// ErrInvalidKey 无效键（长度不等于 48 字节）
	ErrInvalidKey = errors.New("dht: invalid key")

	// ErrInvalidConfig 无效配置
	ErrInvalidConfig = errors.New("dht: invalid config")

	// ErrAlreadyStarted 节点已启动
	ErrAlreadyStarted = errors.New("dht: node already started")

	// ErrNotStarted 节点未启动
	ErrNotStarted = errors.New("dht: node not started")

	// ErrTransportClosed 传输层已关闭
	ErrTransportClosed = errors.New("dht: transport is closed")

	// ErrTimeout RPC 超时
	ErrTimeout = errors.New("dht: request timeout")

	// ErrInvalidResponse 无效响应（请求 ID 或发送者不匹配）
	ErrInvalidResponse = errors.New("dht: invalid response")

	// ErrNoContacts 路由表中没有可用节点
	ErrNoContacts = errors.New("dht: no contacts available")

	// ErrNotFound 查询完成但未找到值
	ErrNotFound = errors.New("dht: value not found")

	// ErrInvalidToken STORE 令牌无效或缺失
	ErrInvalidToken = errors.New("dht: invalid or missing token")

	// ErrInvalidPort 无效端口
	ErrInvalidPort = errors.New("dht: invalid port number")

	// ErrRemote 对端返回错误响应
	ErrRemote = errors.New("dht: remote error")
)

// DHTError DHT 错误类型
type DHTError struct {
	Op      string // 操作名称
	Err     error  // 底层错误
	Message string // 错误消息
}

// Error 实现 error 接口
func (e *DHTError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("dht %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("dht %s: %v", e.Op, e.Err)
}

// Unwrap 实现错误解包
func (e *DHTError) Unwrap() error {
	return e.Err
}

// NewDHTError 创建 DHT 错误
func NewDHTError(op string, err error, message string) *DHTError {
	return &DHTError{
		Op:      op,
		Err:     err,
		Message: message,
	}
}
