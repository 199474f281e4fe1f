package dht

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/juju/ratelimit"

	"github.com/dep2p/go-blobdht/pkg/types"
)

// ============================================================================
//                              UDP 传输层
// ============================================================================

// requestHandler 入站请求回调，返回要回发的响应（nil 表示不响应）
type requestHandler func(msg *Message, from *net.UDPAddr) *Message

// pendingCall 等待响应的出站 RPC
type pendingCall struct {
	// expect 预期的响应者 ID
	expect types.NodeID

	// ch 响应投递通道（容量 1）
	ch chan *Message
}

// Transport UDP 消息传输
//
// 单套接字收发所有 DHT 消息。出站请求按 RequestID 登记等待响应，
// 入站请求交给上层处理器；发送经 Delay 节流，接收经令牌桶限速。
type Transport struct {
	// conn UDP 套接字
	conn *net.UDPConn

	// localID 本地节点 ID
	localID types.NodeID

	// delay 出站节流器
	delay *Delay

	// inbound 入站限速令牌桶
	inbound *ratelimit.Bucket

	// rpcTimeout 单次 RPC 超时
	rpcTimeout time.Duration

	// clock 时间源
	clock clock.Clock

	// handler 入站请求处理器
	handler requestHandler

	// mu 保护 pending
	mu sync.Mutex

	// pending 等待响应的出站请求（RequestID → 调用）
	pending map[string]*pendingCall

	// closed 关闭标志
	closed atomic.Bool

	// wg 后台协程
	wg sync.WaitGroup
}

// NewTransport 创建并绑定 UDP 传输
func NewTransport(listenAddr string, localID types.NodeID, cfg *Config) (*Transport, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, NewDHTError("listen", err, listenAddr)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, NewDHTError("listen", err, listenAddr)
	}

	return &Transport{
		conn:       conn,
		localID:    localID,
		delay:      NewDelay(cfg.Clock),
		inbound:    ratelimit.NewBucketWithRate(float64(cfg.InboundRateLimit), cfg.InboundRateLimit),
		rpcTimeout: cfg.RPCTimeout,
		clock:      cfg.Clock,
		pending:    make(map[string]*pendingCall),
	}, nil
}

// Start 启动接收循环
func (t *Transport) Start(handler requestHandler) {
	t.handler = handler
	t.wg.Add(1)
	go t.readLoop()
}

// LocalAddr 返回实际绑定的 UDP 地址
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Close 关闭传输并等待后台协程退出
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := t.conn.Close()
	t.wg.Wait()

	// 唤醒所有等待中的调用
	t.mu.Lock()
	for rid, call := range t.pending {
		close(call.ch)
		delete(t.pending, rid)
	}
	t.mu.Unlock()

	return err
}

// send 编码并发送一条消息，发送前经节流器等待
func (t *Transport) send(addr *net.UDPAddr, msg *Message) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}

	time.Sleep(t.delay.Next())

	if _, err := t.conn.WriteToUDP(data, addr); err != nil {
		return NewDHTError("send", err, addr.String())
	}

	messagesSent.WithLabelValues(msg.Type.String()).Inc()
	return nil
}

// Call 发送请求并等待响应
//
// 响应按 RequestID 匹配；若 expect 非空，还要求响应者 ID 一致，
// 防止响应伪造。超时或传输关闭时返回错误。
func (t *Transport) Call(ctx context.Context, addr *net.UDPAddr, msg *Message, expect types.NodeID) (*Message, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}

	call := &pendingCall{
		expect: expect,
		ch:     make(chan *Message, 1),
	}

	t.mu.Lock()
	t.pending[msg.RequestID] = call
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, msg.RequestID)
		t.mu.Unlock()
	}()

	if err := t.send(addr, msg); err != nil {
		return nil, err
	}

	timer := t.clock.Timer(t.rpcTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-call.ch:
		if !ok {
			return nil, ErrTransportClosed
		}
		if resp.Type == MessageTypeError {
			return nil, NewDHTError("call", ErrRemote, resp.Error)
		}
		return resp, nil
	case <-timer.C:
		rpcTimeouts.Inc()
		return nil, NewDHTError("call", ErrTimeout, msg.Type.String())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop 接收循环
// 解码入站报文，响应投递给等待者，请求派发给处理器
func (t *Transport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, maxMessageSize)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.closed.Load() {
				return
			}
			logger.Debug("读取 UDP 报文失败", "error", err)
			continue
		}

		// 入站限速：超额报文延后处理而不是丢弃
		time.Sleep(t.inbound.Take(1))

		data := make([]byte, n)
		copy(data, buf[:n])

		msg, err := DecodeMessage(data)
		if err != nil {
			decodeErrors.Inc()
			logger.Debug("丢弃畸形报文", "from", from, "error", err)
			continue
		}

		messagesReceived.WithLabelValues(msg.Type.String()).Inc()

		if msg.Type.isResponse() {
			t.dispatchResponse(msg, from)
			continue
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if resp := t.handler(msg, from); resp != nil {
				if err := t.send(from, resp); err != nil {
					logger.Debug("发送响应失败", "to", from, "error", err)
				}
			}
		}()
	}
}

// dispatchResponse 将响应投递给等待中的调用
func (t *Transport) dispatchResponse(msg *Message, from *net.UDPAddr) {
	t.mu.Lock()
	call, ok := t.pending[msg.RequestID]
	t.mu.Unlock()

	if !ok {
		logger.Debug("收到无主响应", "rid", msg.RequestID, "from", from)
		return
	}

	if !call.expect.IsEmpty() && !call.expect.Equal(msg.Sender()) {
		logger.Warn("响应者 ID 不匹配，丢弃", "from", from,
			"expect", call.expect.ShortString(), "got", msg.Sender().ShortString())
		return
	}

	select {
	case call.ch <- msg:
	default:
		// 重复响应，忽略
	}
}
