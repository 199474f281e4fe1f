package dht

import (
	"context"
	"sort"
	"sync"

	"github.com/dep2p/go-blobdht/pkg/types"
)

// ============================================================================
//                              迭代查询
// ============================================================================

// sendFn 向单个节点发送一次查询 RPC
type sendFn func(ctx context.Context, c *Contact) (*Message, error)

// queryResult 迭代查询结果
type queryResult struct {
	// Peers FIND_VALUE 命中时收集到的提供者
	Peers []BlobPeer

	// Closest 距目标最近的至多 k 个已应答节点（距离升序）
	Closest []*Contact

	// Tokens 各应答节点下发的 STORE 令牌
	Tokens map[types.NodeID]string
}

// iterativeQuery 一次迭代查询的执行状态
//
// 维护按距离排序的候选集，保持至多 alpha 个并发 RPC；
// 当没有比第 k 近应答者更近的候选且无在途请求时收敛。
type iterativeQuery struct {
	// target 查询目标
	target types.NodeID

	// k 结果集大小
	k int

	// alpha 并发度
	alpha int

	// findValue 是否为取值查询（命中提供者即提前返回）
	findValue bool

	// send RPC 发送函数
	send sendFn

	// queried 已发起过查询的节点
	queried map[types.NodeID]bool

	// candidates 未查询候选（距离升序）
	candidates []*Contact

	// responded 已应答节点（距离升序）
	responded []*Contact

	// tokens 应答节点下发的令牌
	tokens map[types.NodeID]string

	// peers 收集到的提供者（按 ID 去重）
	peers map[types.NodeID]BlobPeer

	// inFlight 在途请求数
	inFlight int
}

// newIterativeQuery 创建迭代查询
func newIterativeQuery(target types.NodeID, k, alpha int, findValue bool, send sendFn) *iterativeQuery {
	return &iterativeQuery{
		target:    target,
		k:         k,
		alpha:     alpha,
		findValue: findValue,
		send:      send,
		queried:   make(map[types.NodeID]bool),
		tokens:    make(map[types.NodeID]string),
		peers:     make(map[types.NodeID]BlobPeer),
	}
}

// queryOutcome 单次 RPC 的结果
type queryOutcome struct {
	contact *Contact
	msg     *Message
	err     error
}

// Run 执行迭代查询直至收敛
//
// seeds 为起始候选集（通常取自路由表）。超时或取消时返回
// 已收敛的部分结果而不是错误，调用方自行判断结果是否足够。
func (q *iterativeQuery) Run(ctx context.Context, seeds []*Contact) *queryResult {
	for _, c := range seeds {
		q.addCandidate(c)
	}

	// 提前返回时取消在途 RPC
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomeCh := make(chan queryOutcome, q.alpha)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		q.launch(ctx, outcomeCh, &wg)

		if q.inFlight == 0 {
			// 没有可派发的候选：收敛
			return q.result()
		}

		select {
		case out := <-outcomeCh:
			q.inFlight--
			if out.err == nil {
				q.processResponse(out.contact, out.msg)
			}
			if q.findValue && len(q.peers) > 0 {
				return q.result()
			}
		case <-ctx.Done():
			return q.result()
		}
	}
}

// launch 从最近候选中派发请求，保持并发度不超过 alpha
func (q *iterativeQuery) launch(ctx context.Context, outcomeCh chan<- queryOutcome, wg *sync.WaitGroup) {
	for q.inFlight < q.alpha {
		next := q.nextCandidate()
		if next == nil {
			return
		}

		q.queried[next.ID] = true
		q.inFlight++

		wg.Add(1)
		go func(c *Contact) {
			defer wg.Done()
			msg, err := q.send(ctx, c)
			select {
			case outcomeCh <- queryOutcome{contact: c, msg: msg, err: err}:
			case <-ctx.Done():
			}
		}(next)
	}
}

// nextCandidate 取出值得查询的最近候选
//
// 已有 k 个应答者时，比第 k 近应答者更远的候选不再查询。
func (q *iterativeQuery) nextCandidate() *Contact {
	for len(q.candidates) > 0 {
		c := q.candidates[0]
		q.candidates = q.candidates[1:]

		if q.queried[c.ID] {
			continue
		}

		if len(q.responded) >= q.k {
			kth := q.responded[q.k-1]
			if CompareDistance(c.ID, kth.ID, q.target) >= 0 {
				continue
			}
		}
		return c
	}
	return nil
}

// addCandidate 将节点插入候选集（按距离有序，去重）
func (q *iterativeQuery) addCandidate(c *Contact) {
	if q.queried[c.ID] {
		return
	}
	for _, existing := range q.candidates {
		if existing.ID.Equal(c.ID) {
			return
		}
	}

	i := sort.Search(len(q.candidates), func(i int) bool {
		return CompareDistance(q.candidates[i].ID, c.ID, q.target) > 0
	})
	q.candidates = append(q.candidates, nil)
	copy(q.candidates[i+1:], q.candidates[i:])
	q.candidates[i] = c
}

// processResponse 处理一次成功应答
func (q *iterativeQuery) processResponse(c *Contact, msg *Message) {
	// 记录应答者（按距离有序）
	i := sort.Search(len(q.responded), func(i int) bool {
		return CompareDistance(q.responded[i].ID, c.ID, q.target) > 0
	})
	q.responded = append(q.responded, nil)
	copy(q.responded[i+1:], q.responded[i:])
	q.responded[i] = c

	if msg.Token != "" {
		q.tokens[c.ID] = msg.Token
	}

	if q.findValue && len(msg.Peers) > 0 {
		for _, rec := range msg.Peers {
			p, err := peerFromRecord(rec)
			if err != nil {
				continue
			}
			q.peers[p.ID] = p
		}
	}

	for _, rec := range msg.Contacts {
		contact, err := contactFromRecord(rec)
		if err != nil {
			continue
		}
		q.addCandidate(contact)
	}
}

// result 汇总查询结果
func (q *iterativeQuery) result() *queryResult {
	closest := q.responded
	if len(closest) > q.k {
		closest = closest[:q.k]
	}

	peers := make([]BlobPeer, 0, len(q.peers))
	for _, p := range q.peers {
		peers = append(peers, p)
	}

	return &queryResult{
		Peers:   peers,
		Closest: closest,
		Tokens:  q.tokens,
	}
}
