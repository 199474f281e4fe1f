package dht

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/go-blobdht/pkg/lib/log"
	"github.com/dep2p/go-blobdht/pkg/types"
)

var logger = log.Logger("dht")

// dataSweepInterval 公告存储的过期清理周期
const dataSweepInterval = 10 * time.Minute

// ============================================================================
//                              DHT 节点
// ============================================================================

// DHT blob 发现节点
//
// 组合路由表、公告存储、观察器和 UDP 传输，对外提供
// 公告（Announce）和查找提供者（FindPeersForBlob）两个核心操作。
type DHT struct {
	// cfg 节点配置
	cfg *Config

	// localID 本地节点 ID
	localID types.NodeID

	// rt 路由表
	rt *RoutingTable

	// store 公告存储
	store *DataStore

	// watcher 热门哈希观察器
	watcher *HashWatcher

	// tokens STORE 令牌管理器
	tokens *tokenManager

	// transport UDP 传输（Start 时创建）
	transport *Transport

	// resultCache 查找结果短期缓存
	resultCache *expirable.LRU[types.NodeID, []BlobPeer]

	// clock 时间源
	clock clock.Clock

	// probing 淘汰探测在途集合
	probeMu sync.Mutex
	probing map[types.NodeID]bool

	// ctx 生命周期上下文
	ctx    context.Context
	cancel context.CancelFunc

	// started 启动标志
	started atomic.Bool

	// startedAt 启动时间
	startedAt time.Time

	// wg 后台协程
	wg sync.WaitGroup
}

// New 创建 DHT 节点
func New(opts ...Option) (*DHT, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, NewDHTError("new", ErrInvalidConfig, err.Error())
	}

	localID := cfg.NodeID
	if localID.IsEmpty() {
		localID = types.GenerateNodeID()
	}

	d := &DHT{
		cfg:     cfg,
		localID: localID,
		rt:      NewRoutingTable(localID, cfg.BucketSize, cfg.Clock),
		store:   NewDataStore(cfg.DataExpiration, cfg.Clock),
		watcher: NewHashWatcher(cfg.WatcherTTL, cfg.Clock),
		tokens:  newTokenManager(cfg.Clock),
		clock:   cfg.Clock,
		probing: make(map[types.NodeID]bool),
		resultCache: expirable.NewLRU[types.NodeID, []BlobPeer](
			cfg.ResultCacheSize, nil, cfg.ResultCacheTTL),
	}
	return d, nil
}

// LocalID 返回本地节点 ID
func (d *DHT) LocalID() types.NodeID {
	return d.localID
}

// Addr 返回实际监听的 UDP 地址，未启动时返回 nil
func (d *DHT) Addr() *net.UDPAddr {
	if d.transport == nil {
		return nil
	}
	return d.transport.LocalAddr()
}

// ============================================================================
//                              生命周期
// ============================================================================

// Start 启动节点
//
// 绑定 UDP 套接字、启动维护循环；配置了引导节点时
// 同步完成引导，所有引导节点都不可达则启动失败。
func (d *DHT) Start() error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	transport, err := NewTransport(d.cfg.ListenAddr, d.localID, d.cfg)
	if err != nil {
		d.started.Store(false)
		return err
	}
	d.transport = transport

	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.startedAt = d.cfg.Clock.Now()

	d.transport.Start(d.handleRequest)

	logger.Info("节点已启动",
		"id", d.localID.ShortString(),
		"addr", d.transport.LocalAddr().String())

	if len(d.cfg.SeedNodes) > 0 {
		if err := d.Bootstrap(d.ctx); err != nil {
			stopErr := d.Stop()
			return multierr.Append(err, stopErr)
		}
	}

	d.wg.Add(4)
	go d.refreshLoop()
	go d.cleanupLoop()
	go d.republishLoop()
	go d.tokenLoop()

	return nil
}

// Stop 停止节点并等待后台协程退出
func (d *DHT) Stop() error {
	if !d.started.CompareAndSwap(true, false) {
		return ErrNotStarted
	}

	d.cancel()

	var errs error
	if err := d.transport.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	d.wg.Wait()

	logger.Info("节点已停止", "id", d.localID.ShortString())
	return errs
}

// Bootstrap 引导入网
//
// 先 PING 各引导节点获知其 ID 并写入路由表，
// 再对自身 ID 做一次迭代查找以填充邻近桶。
func (d *DHT) Bootstrap(ctx context.Context) error {
	if d.transport == nil {
		return ErrNotStarted
	}

	joined := 0
	for _, seed := range d.cfg.SeedNodes {
		addr, err := net.ResolveUDPAddr("udp", seed)
		if err != nil {
			logger.Warn("引导节点地址无效", "addr", seed, "error", err)
			continue
		}

		msg := NewPingRequest(uuid.New().String(), d.localID)
		resp, err := d.transport.Call(ctx, addr, msg, types.EmptyNodeID)
		if err != nil {
			logger.Warn("引导节点无应答", "addr", seed, "error", err)
			continue
		}

		contact := &Contact{
			ID:      resp.Sender(),
			IP:      addr.IP,
			UDPPort: addr.Port,
		}
		d.addToTable(contact)
		d.rt.Touch(contact.ID)
		joined++
	}

	if joined == 0 {
		return NewDHTError("bootstrap", ErrNoContacts, "no seed node responded")
	}

	// 自查找：发现邻近节点并让它们认识本节点
	d.IterativeFindNode(ctx, d.localID)

	logger.Info("引导完成", "seeds", joined, "contacts", d.rt.Size())
	return nil
}

// ============================================================================
//                              RPC 封装
// ============================================================================

// call 向单个节点发送请求并维护其路由表状态
// 成功则刷新活性，失败则累计失败计数直至淘汰
func (d *DHT) call(ctx context.Context, c *Contact, msg *Message) (*Message, error) {
	resp, err := d.transport.Call(ctx, c.Addr(), msg, c.ID)
	if err != nil {
		d.rt.MarkFailure(c.ID, d.cfg.MaxFailedRPCs)
		return nil, err
	}

	d.addToTable(c)
	d.rt.Touch(c.ID)
	return resp, nil
}

// Ping 探测单个节点
func (d *DHT) Ping(ctx context.Context, c *Contact) error {
	_, err := d.call(ctx, c, NewPingRequest(uuid.New().String(), d.localID))
	return err
}

// ============================================================================
//                              迭代操作
// ============================================================================

// IterativeFindNode 迭代查找距 target 最近的节点
func (d *DHT) IterativeFindNode(ctx context.Context, target types.NodeID) []*Contact {
	queriesStarted.WithLabelValues("find_node").Inc()

	seeds := d.rt.FindClosest(target, d.cfg.BucketSize)
	if len(seeds) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
	defer cancel()

	q := newIterativeQuery(target, d.cfg.BucketSize, d.cfg.Alpha, false,
		func(ctx context.Context, c *Contact) (*Message, error) {
			return d.call(ctx, c, NewFindNodeRequest(uuid.New().String(), d.localID, target))
		})

	return q.Run(ctx, seeds).Closest
}

// iterativeFindValue 迭代查找某个键的提供者
//
// earlyExit 为真时命中提供者即返回；为假时查询收敛到
// k 个最近节点为止，用于 Announce 收集各节点的 STORE 令牌。
func (d *DHT) iterativeFindValue(ctx context.Context, key types.NodeID, earlyExit bool) *queryResult {
	seeds := d.rt.FindClosest(key, d.cfg.BucketSize)

	ctx, cancel := context.WithTimeout(ctx, d.cfg.QueryTimeout)
	defer cancel()

	q := newIterativeQuery(key, d.cfg.BucketSize, d.cfg.Alpha, earlyExit,
		func(ctx context.Context, c *Contact) (*Message, error) {
			return d.call(ctx, c, NewFindValueRequest(uuid.New().String(), d.localID, key))
		})

	return q.Run(ctx, seeds)
}

// FindPeersForBlob 查找某个 blob 的提供者
//
// 先查短期缓存和本地公告存储，再向网络发起迭代取值查询。
// 未找到任何提供者时返回 ErrNotFound。
func (d *DHT) FindPeersForBlob(ctx context.Context, key types.NodeID) ([]BlobPeer, error) {
	if !d.started.Load() {
		return nil, ErrNotStarted
	}

	if cached, ok := d.resultCache.Get(key); ok {
		return cached, nil
	}

	queriesStarted.WithLabelValues("find_value").Inc()
	result := d.iterativeFindValue(ctx, key, true)

	// 合并网络结果与本地公告，按提供者 ID 去重
	merged := make(map[types.NodeID]BlobPeer, len(result.Peers))
	for _, p := range result.Peers {
		merged[p.ID] = p
	}
	for _, p := range d.store.Get(key) {
		if _, ok := merged[p.ID]; !ok {
			merged[p.ID] = p
		}
	}

	if len(merged) == 0 {
		return nil, NewDHTError("find_peers", ErrNotFound, key.ShortString())
	}

	peers := make([]BlobPeer, 0, len(merged))
	for _, p := range merged {
		peers = append(peers, p)
	}

	d.resultCache.Add(key, peers)
	return peers, nil
}

// Announce 向网络公告本节点持有某个 blob
//
// 迭代查询收敛到距键最近的 k 个节点并收集各自的令牌，
// 然后并发向它们 STORE；同时在本地记录一份用于重新发布。
// 返回接受公告的节点数。
func (d *DHT) Announce(ctx context.Context, key types.NodeID) (int, error) {
	if !d.started.Load() {
		return 0, ErrNotStarted
	}

	if d.cfg.PeerPort <= 0 || d.cfg.PeerPort > 65535 {
		return 0, NewDHTError("announce", ErrInvalidPort, "peer port not configured")
	}

	queriesStarted.WithLabelValues("announce").Inc()

	result := d.iterativeFindValue(ctx, key, false)

	// 本地记录：既是重新发布的依据，也让本节点直接应答该键
	d.store.Put(key, BlobPeer{
		ID:      d.localID,
		IP:      d.externalIP(),
		TCPPort: d.cfg.PeerPort,
	}, d.clockNow(), true)

	if len(result.Closest) == 0 {
		return 0, NewDHTError("announce", ErrNoContacts, key.ShortString())
	}

	publishedAt := d.clockNow().Unix()

	var stored atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range result.Closest {
		contact := c
		g.Go(func() error {
			token, ok := result.Tokens[contact.ID]
			if !ok {
				// 查询期间没拿到令牌：单独请求一次
				resp, err := d.call(gctx, contact,
					NewFindValueRequest(uuid.New().String(), d.localID, key))
				if err != nil {
					return nil
				}
				token = resp.Token
			}
			if token == "" {
				return nil
			}

			msg := NewStoreRequest(uuid.New().String(), d.localID, key,
				token, d.cfg.PeerPort, true, publishedAt)
			if _, err := d.call(gctx, contact, msg); err != nil {
				logger.Debug("STORE 被拒或超时", "contact", contact.String(), "error", err)
				return nil
			}
			stored.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if stored.Load() == 0 {
		return 0, NewDHTError("announce", ErrNoContacts, "no node accepted the announcement")
	}

	logger.Debug("公告完成", "key", key.ShortString(), "stored", stored.Load())
	return int(stored.Load()), nil
}

// MostPopularHashes 返回观察窗口内最热门的 n 个哈希
func (d *DHT) MostPopularHashes(n int) []HashCount {
	return d.watcher.MostPopular(n)
}

// ============================================================================
//                              状态查询
// ============================================================================

// Status 节点状态快照
type Status struct {
	// NodeID 本地节点 ID（十六进制）
	NodeID string

	// Address 监听地址
	Address string

	// Running 是否在运行
	Running bool

	// Uptime 运行时长
	Uptime time.Duration

	// ContactCount 路由表节点总数
	ContactCount int

	// BucketCount 路由表非空桶数
	BucketCount int

	// Isolated 是否与网络隔离（运行中但路由表为空）
	Isolated bool

	// StoredKeys 本地公告键数
	StoredKeys int

	// Announcements 本地公告条目数
	Announcements int

	// WatchedObservations 观察器记录数
	WatchedObservations int
}

// NodeStatus 返回节点状态快照
func (d *DHT) NodeStatus() Status {
	s := Status{
		NodeID:              d.localID.String(),
		Running:             d.started.Load(),
		ContactCount:        d.rt.Size(),
		BucketCount:         d.rt.BucketCount(),
		StoredKeys:          len(d.store.Keys()),
		Announcements:       d.store.Len(),
		WatchedObservations: d.watcher.Len(),
	}
	s.Isolated = s.Running && s.ContactCount == 0
	if d.transport != nil {
		s.Address = d.transport.LocalAddr().String()
	}
	if s.Running {
		s.Uptime = d.clockNow().Sub(d.startedAt)
	}
	return s
}

// RoutingTableSnapshot 返回路由表快照，供调试接口使用
func (d *DHT) RoutingTableSnapshot() []BucketStats {
	return d.rt.Snapshot()
}

// externalIP 返回对外公布的 IP
func (d *DHT) externalIP() net.IP {
	if d.cfg.ExternalIP != "" {
		if ip := net.ParseIP(d.cfg.ExternalIP); ip != nil {
			return ip
		}
	}
	return d.transport.LocalAddr().IP
}

// clockNow 返回当前时间
func (d *DHT) clockNow() time.Time {
	return d.cfg.Clock.Now()
}

// ============================================================================
//                              维护循环
// ============================================================================

// refreshLoop 桶刷新循环
// 周期检查陈旧桶，对桶内随机 ID 做迭代查找以补充节点
func (d *DHT) refreshLoop() {
	defer d.wg.Done()

	ticker := d.cfg.Clock.Ticker(d.cfg.RefreshCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, idx := range d.rt.StaleBuckets(d.cfg.RefreshInterval) {
				target := d.rt.RandomIDInBucket(idx)
				d.IterativeFindNode(d.ctx, target)
				d.rt.MarkBucketRefreshed(idx)
			}
		case <-d.ctx.Done():
			return
		}
	}
}

// cleanupLoop 清理循环
// 周期清理观察器的过期记录和公告存储的过期条目
func (d *DHT) cleanupLoop() {
	defer d.wg.Done()

	watcherTicker := d.cfg.Clock.Ticker(d.cfg.WatcherPurgeInterval)
	defer watcherTicker.Stop()

	sweepTicker := d.cfg.Clock.Ticker(dataSweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-watcherTicker.C:
			d.watcher.Purge()
		case <-sweepTicker.C:
			if removed := d.store.SweepExpired(); removed > 0 {
				logger.Debug("清理过期公告", "removed", removed)
			}
		case <-d.ctx.Done():
			return
		}
	}
}

// republishLoop 重新发布循环
// 对本地发布且超过重新发布周期的键再次 Announce
func (d *DHT) republishLoop() {
	defer d.wg.Done()

	ticker := d.cfg.Clock.Ticker(d.cfg.RepublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := d.clockNow().Add(-d.cfg.RepublishInterval)
			for _, key := range d.store.EntriesNeedingRepublish(d.localID, cutoff) {
				if _, err := d.Announce(d.ctx, key); err != nil {
					logger.Debug("重新发布失败", "key", key.ShortString(), "error", err)
				}
			}
		case <-d.ctx.Done():
			return
		}
	}
}

// tokenLoop 令牌密钥轮换循环
func (d *DHT) tokenLoop() {
	defer d.wg.Done()

	ticker := d.cfg.Clock.Ticker(d.cfg.TokenRotateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.tokens.rotate()
		case <-d.ctx.Done():
			return
		}
	}
}
