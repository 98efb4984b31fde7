// Package peercdn 让客户端把已获取的静态资源直接服务给彼此，
// 由一个对内容不透明的信令中继协调直连的建立。
//
// 对外入口有两个：Initialize 接入中继并注册，Fetch 作为内容
// 请求钩子按 缓存 → 对等节点 → 源站 的顺序解析。
package peercdn

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peercdn/cache"
	"peercdn/config"
	"peercdn/registry"
	"peercdn/resolver"
	"peercdn/session"
	"peercdn/signal"
	"peercdn/signaling"
)

// ErrRelayClosed 中继连接已断开，节点需要重新 Initialize
var ErrRelayClosed = signaling.ErrRelayClosed

// SignalBus 信令通道抽象，生产实现是 signaling.Client
type SignalBus interface {
	Send(signal.Message)
	Recv() <-chan signal.Message
	Close() error
}

// Option 节点可选项
type Option func(*Node)

// WithLogger 注入日志器
func WithLogger(log *zap.SugaredLogger) Option {
	return func(n *Node) { n.log = log }
}

// WithTransportFactory 替换传输工厂，测试时注入假件
func WithTransportFactory(factory session.TransportFactory) Option {
	return func(n *Node) { n.factory = factory }
}

// WithSignalBus 注入已建立的信令通道，Initialize 将不再拨号
func WithSignalBus(bus SignalBus) Option {
	return func(n *Node) { n.bus = bus }
}

// WithOrigin 替换源站拉取原语
func WithOrigin(fetcher resolver.OriginFetcher) Option {
	return func(n *Node) { n.origin = fetcher }
}

// WithStrategy 替换候选选择策略
func WithStrategy(strategy registry.SelectionStrategy) Option {
	return func(n *Node) { n.strategy = strategy }
}

// Node 一个 peercdn 节点
type Node struct {
	cfg *config.Config
	log *zap.SugaredLogger

	cache    *cache.Cache
	registry *registry.Registry
	sessions *session.Manager
	resolver *resolver.Resolver

	factory  session.TransportFactory
	origin   resolver.OriginFetcher
	strategy registry.SelectionStrategy

	mu      sync.Mutex
	bus     SignalBus
	done    chan struct{}
	started bool
	err     error
}

// New 创建节点
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置无效: %w", err)
	}

	n := &Node{
		cfg:      cfg,
		cache:    cache.New(cfg.CacheCapacity),
		registry: registry.New(),
		origin:   resolver.HTTPOrigin(nil),
		strategy: registry.FirstK{},
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.log == nil {
		n.log = zap.NewNop().Sugar()
	}
	if n.factory == nil {
		iceServers := session.ICEServersFromConfig(cfg.STUNServer, cfg.TURNServer, cfg.TURNUsername, cfg.TURNCredential)
		n.factory = session.PionFactory(iceServers)
	}

	n.sessions = session.NewManager(
		session.Config{
			LocalID:  cfg.ClientID,
			RoomID:   cfg.RoomID,
			MaxPeers: cfg.MaxPeers,
			Capabilities: signal.Capabilities{
				UploadBandwidth: cfg.UploadBandwidth,
				StorageBudget:   cfg.StorageBudget,
			},
		},
		n.factory,
		n.sendSignal,
		n.registry,
		n.cache.Get, // 对端请求只从本地缓存响应，读取计入 LRU 使用
		n.log,
	)

	n.resolver = resolver.New(n.cache, n.registry, n.sessions, n.origin, resolver.Options{
		Candidates:    cfg.PeerCandidates,
		Timeout:       cfg.RequestTimeout,
		RetryAttempts: cfg.RetryAttempts,
		Strategy:      n.strategy,
	}, n.log)

	return n, nil
}

// Initialize 接入中继、注册并广播自己的存在，随后开始分发
// 入站信令。中继断开后 Err 返回 ErrRelayClosed，由嵌入方决定
// 何时重新 Initialize。
func (n *Node) Initialize(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return fmt.Errorf("节点已初始化")
	}

	bus := n.bus
	n.mu.Unlock()

	if bus == nil {
		client, err := signaling.Dial(ctx, n.cfg.RelayURL, signaling.Options{
			ClientID: n.cfg.ClientID,
			RoomID:   n.cfg.RoomID,
			Secure:   n.cfg.Encryption,
		}, n.log)
		if err != nil {
			return err
		}
		bus = client
	}

	n.mu.Lock()
	n.bus = bus
	n.started = true
	n.err = nil
	n.done = make(chan struct{})
	n.mu.Unlock()

	// 注册并广播存在，房间里的节点会据此回应与发起连接
	n.sessions.Announce(signal.Register)
	n.sessions.Announce(signal.PeerDiscovery)

	go n.dispatchLoop()

	n.log.Infow("节点已接入中继", "id", n.cfg.ClientID, "room", n.cfg.RoomID)
	return nil
}

// Fetch 内容请求钩子：按 缓存 → 对等节点 → 源站 解析
func (n *Node) Fetch(ctx context.Context, url string) (*resolver.Result, error) {
	return n.resolver.Resolve(ctx, url)
}

// Store 把内容直接写入本地缓存，之后可服务对端请求
func (n *Node) Store(url string, content []byte) error {
	return n.cache.Store(url, content)
}

// Cache 返回内容缓存
func (n *Node) Cache() *cache.Cache {
	return n.cache
}

// Registry 返回节点注册表
func (n *Node) Registry() *registry.Registry {
	return n.registry
}

// Sessions 返回会话管理器
func (n *Node) Sessions() *session.Manager {
	return n.sessions
}

// Err 返回节点级错误，中继断开后为 ErrRelayClosed
func (n *Node) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// Done 在分发循环退出后关闭
func (n *Node) Done() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.done
}

// Close 拆除全部会话并断开中继
func (n *Node) Close() error {
	n.sessions.Close()

	n.mu.Lock()
	bus := n.bus
	n.bus = nil
	n.started = false
	n.mu.Unlock()

	if bus != nil {
		return bus.Close()
	}
	return nil
}

// dispatchLoop 把中继下发的信令交给会话管理器，通道关闭即视为
// 中继丢失
func (n *Node) dispatchLoop() {
	n.mu.Lock()
	bus := n.bus
	done := n.done
	n.mu.Unlock()
	if bus == nil {
		return
	}
	defer close(done)

	for msg := range bus.Recv() {
		n.sessions.HandleSignal(msg)
	}

	n.mu.Lock()
	if n.started {
		n.err = ErrRelayClosed
		n.started = false
	}
	n.mu.Unlock()
	n.log.Warnw("中继连接已断开，需要重新注册", "id", n.cfg.ClientID)
}

// sendSignal 把会话管理器的出站消息交给信令通道
func (n *Node) sendSignal(msg signal.Message) {
	n.mu.Lock()
	bus := n.bus
	n.mu.Unlock()
	if bus == nil {
		n.log.Warnw("信令通道未就绪，丢弃消息", "type", msg.Type.String())
		return
	}
	bus.Send(msg)
}

// 编译期检查
var _ SignalBus = (*signaling.Client)(nil)
