package dht

import (
	"net"
	"time"
)

// ============================================================================
//                              请求处理
// ============================================================================

// handleRequest 入站请求总入口
// 先把发送者写入路由表，再按类型分发
func (d *DHT) handleRequest(msg *Message, from *net.UDPAddr) *Message {
	sender := &Contact{
		ID:      msg.Sender(),
		IP:      from.IP,
		UDPPort: from.Port,
	}
	sender.MarkRequested(d.clock.Now())
	d.addToTable(sender)

	switch msg.Type {
	case MessageTypePing:
		return d.handlePing(msg)
	case MessageTypeFindNode:
		return d.handleFindNode(msg)
	case MessageTypeFindValue:
		return d.handleFindValue(msg, from)
	case MessageTypeStore:
		return d.handleStore(msg, from)
	default:
		return NewErrorResponse(msg.RequestID, d.localID, "unsupported request type")
	}
}

// handlePing 处理 PING
func (d *DHT) handlePing(msg *Message) *Message {
	return NewPongResponse(msg.RequestID, d.localID)
}

// handleFindNode 处理 FIND_NODE
// 返回距目标最近的 k 个节点，不含请求者自己
func (d *DHT) handleFindNode(msg *Message) *Message {
	sender := msg.Sender()
	target := msg.TargetKey()

	closest := d.rt.FindClosest(target, d.cfg.BucketSize+1)
	records := make([]ContactRecord, 0, d.cfg.BucketSize)
	for _, c := range closest {
		if c.ID.Equal(sender) {
			continue
		}
		records = append(records, recordFromContact(c))
		if len(records) == d.cfg.BucketSize {
			break
		}
	}

	return NewFindNodeResponse(msg.RequestID, d.localID, records)
}

// handleFindValue 处理 FIND_VALUE
//
// 本地有该键的提供者则返回提供者列表，否则返回最近节点；
// 两种情况都下发 STORE 令牌，并把这次关注记入观察器。
func (d *DHT) handleFindValue(msg *Message, from *net.UDPAddr) *Message {
	sender := msg.Sender()
	key := msg.TargetKey()

	d.watcher.Record(key, from.IP)
	token := d.tokens.generate(from.IP)

	if peers := d.store.Get(key); len(peers) > 0 {
		records := make([]PeerRecord, 0, len(peers))
		for _, p := range peers {
			records = append(records, recordFromPeer(p))
		}
		return NewFindValueResponse(msg.RequestID, d.localID, token, records, nil)
	}

	closest := d.rt.FindClosest(key, d.cfg.BucketSize+1)
	records := make([]ContactRecord, 0, d.cfg.BucketSize)
	for _, c := range closest {
		if c.ID.Equal(sender) {
			continue
		}
		records = append(records, recordFromContact(c))
		if len(records) == d.cfg.BucketSize {
			break
		}
	}

	return NewFindValueResponse(msg.RequestID, d.localID, token, nil, records)
}

// handleStore 处理 STORE
//
// 令牌必须是本节点先前对同一来源 IP 签发的；提供者地址取
// 数据报来源 IP 加消息声明的 TCP 端口，不信任消息中的 IP。
func (d *DHT) handleStore(msg *Message, from *net.UDPAddr) *Message {
	if !d.tokens.verify(msg.Token, from.IP) {
		storesRejected.Inc()
		logger.Debug("拒绝无效令牌的 STORE", "from", from,
			"sender", msg.Sender().ShortString())
		return NewErrorResponse(msg.RequestID, d.localID, ErrInvalidToken.Error())
	}

	sender := msg.Sender()
	key := msg.TargetKey()

	peer := BlobPeer{
		ID:      sender,
		IP:      from.IP,
		TCPPort: msg.TCPPort,
	}

	published := d.clock.Now()
	if msg.PublishedAt > 0 {
		published = time.Unix(msg.PublishedAt, 0)
	}

	// 发送者声明自己是原始发布者时才记为其名下的原始条目
	d.store.Put(key, peer, published, msg.IsOriginal)
	d.watcher.Record(key, from.IP)
	storesAccepted.Inc()

	logger.Debug("接受 STORE 公告", "key", key.ShortString(),
		"peer", peer.String())

	return NewStoreResponse(msg.RequestID, d.localID)
}

// addToTable 将节点写入路由表
//
// 桶满时返回最旧节点作为淘汰候选：异步 PING 探测它，
// 无应答则移除（替换缓存随之顶替）。
func (d *DHT) addToTable(c *Contact) {
	if c.ID.Equal(d.localID) || c.ID.IsEmpty() {
		return
	}

	added, evict := d.rt.Add(c)
	if added || evict == nil {
		return
	}

	// 探测需要网络：节点未运行时只依赖失败计数淘汰
	if !d.started.Load() {
		return
	}

	// 同一候选只保留一个在途探测
	d.probeMu.Lock()
	if d.probing[evict.ID] {
		d.probeMu.Unlock()
		return
	}
	d.probing[evict.ID] = true
	d.probeMu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.probeMu.Lock()
			delete(d.probing, evict.ID)
			d.probeMu.Unlock()
		}()

		if err := d.Ping(d.ctx, evict); err != nil {
			// 旧节点失联：移除后替换缓存中最新的候补顶上
			d.rt.Remove(evict.ID)
			logger.Debug("淘汰失联节点", "contact", evict.String())
		}
	}()
}
