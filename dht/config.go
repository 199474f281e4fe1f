package dht

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/go-blobdht/pkg/types"
)

// ============================================================================
//                              常量定义
// ============================================================================

const (
	// KeyBits 键空间位数（384 位，即 48 字节 SHA-384）
	KeyBits = types.IDLength * 8

	// BucketSize K 桶大小
	BucketSize = 8

	// Alpha 并发查询参数
	Alpha = 3
)

// Config 节点配置
type Config struct {
	// NodeID 本地节点 ID（为空则随机生成）
	NodeID types.NodeID

	// ListenAddr UDP 监听地址
	ListenAddr string

	// ExternalIP 对外公布的 IP（为空则本地自存储记录使用监听地址的 IP）
	ExternalIP string

	// PeerPort blob 传输 TCP 端口（随 STORE 一起公布）
	PeerPort int

	// SeedNodes 引导节点地址列表（host:port）
	SeedNodes []string

	// BucketSize K 桶大小
	BucketSize int

	// Alpha 并发查询参数
	Alpha int

	// RPCTimeout 单次 RPC 超时
	RPCTimeout time.Duration

	// QueryTimeout 一次迭代查询的总超时
	QueryTimeout time.Duration

	// RefreshInterval 桶刷新阈值：超过该时长未活动的桶视为陈旧
	RefreshInterval time.Duration

	// RefreshCheckInterval 刷新循环的检查周期
	RefreshCheckInterval time.Duration

	// DataExpiration 数据条目 TTL（未被重新发布则过期）
	DataExpiration time.Duration

	// RepublishInterval 本地发布条目的重新发布周期
	RepublishInterval time.Duration

	// WatcherTTL HashWatcher 观察记录 TTL
	WatcherTTL time.Duration

	// WatcherPurgeInterval HashWatcher 清理周期
	WatcherPurgeInterval time.Duration

	// TokenRotateInterval STORE 令牌密钥轮换周期
	TokenRotateInterval time.Duration

	// MaxFailedRPCs 连续失败淘汰阈值
	MaxFailedRPCs int

	// InboundRateLimit 入站报文处理速率上限（个/秒）
	InboundRateLimit int64

	// ResultCacheSize FIND_VALUE 结果缓存条目数
	ResultCacheSize int

	// ResultCacheTTL FIND_VALUE 结果缓存 TTL
	ResultCacheTTL time.Duration

	// Clock 时间源（测试注入 mock）
	Clock clock.Clock
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:           "0.0.0.0:4444",
		BucketSize:           BucketSize,
		Alpha:                Alpha,
		RPCTimeout:           5 * time.Second,
		QueryTimeout:         30 * time.Second,
		RefreshInterval:      1 * time.Hour,
		RefreshCheckInterval: 1 * time.Minute,
		DataExpiration:       24 * time.Hour,
		RepublishInterval:    1 * time.Hour,
		WatcherTTL:           10 * time.Minute,
		WatcherPurgeInterval: 10 * time.Second,
		TokenRotateInterval:  5 * time.Minute,
		MaxFailedRPCs:        5,
		InboundRateLimit:     100,
		ResultCacheSize:      256,
		ResultCacheTTL:       1 * time.Minute,
		Clock:                clock.New(),
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.BucketSize <= 0 {
		return errors.New("bucket size must be positive")
	}

	if c.Alpha <= 0 {
		return errors.New("alpha must be positive")
	}

	if c.RPCTimeout <= 0 {
		return errors.New("rpc timeout must be positive")
	}

	if c.QueryTimeout <= 0 {
		return errors.New("query timeout must be positive")
	}

	if c.RefreshInterval <= 0 {
		return errors.New("refresh interval must be positive")
	}

	if c.DataExpiration <= 0 {
		return errors.New("data expiration must be positive")
	}

	if c.WatcherTTL <= 0 {
		return errors.New("watcher TTL must be positive")
	}

	if c.MaxFailedRPCs <= 0 {
		return errors.New("max failed RPCs must be positive")
	}

	if c.InboundRateLimit <= 0 {
		return errors.New("inbound rate limit must be positive")
	}

	if c.Clock == nil {
		return errors.New("clock must not be nil")
	}

	return nil
}

// Option 配置选项函数
type Option func(*Config)

// WithNodeID 设置本地节点 ID
func WithNodeID(id types.NodeID) Option {
	return func(c *Config) {
		c.NodeID = id
	}
}

// WithListenAddr 设置 UDP 监听地址
func WithListenAddr(addr string) Option {
	return func(c *Config) {
		c.ListenAddr = addr
	}
}

// WithExternalIP 设置对外公布的 IP
func WithExternalIP(ip string) Option {
	return func(c *Config) {
		c.ExternalIP = ip
	}
}

// WithPeerPort 设置 blob 传输端口
func WithPeerPort(port int) Option {
	return func(c *Config) {
		c.PeerPort = port
	}
}

// WithSeedNodes 设置引导节点
func WithSeedNodes(addrs ...string) Option {
	return func(c *Config) {
		c.SeedNodes = addrs
	}
}

// WithBucketSize 设置K-桶大小
func WithBucketSize(size int) Option {
	return func(c *Config) {
		c.BucketSize = size
	}
}

// WithAlpha 设置并发查询参数
func WithAlpha(alpha int) Option {
	return func(c *Config) {
		c.Alpha = alpha
	}
}

// WithRPCTimeout 设置单次 RPC 超时
func WithRPCTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.RPCTimeout = timeout
	}
}

// WithQueryTimeout 设置迭代查询总超时
func WithQueryTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.QueryTimeout = timeout
	}
}

// WithRefreshInterval 设置桶刷新阈值
func WithRefreshInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.RefreshInterval = interval
	}
}

// WithDataExpiration 设置数据条目 TTL
func WithDataExpiration(ttl time.Duration) Option {
	return func(c *Config) {
		c.DataExpiration = ttl
	}
}

// WithClock 设置时间源
func WithClock(clk clock.Clock) Option {
	return func(c *Config) {
		c.Clock = clk
	}
}
