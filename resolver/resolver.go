// Package resolver 实现内容请求的分层解析：缓存 → 对等节点 → 源站。
// 前两层的失败从不向调用方暴露，只有全部层（含源站）耗尽才算失败。
package resolver

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/minio/sha256-simd"
	"go.uber.org/zap"

	"peercdn/cache"
	"peercdn/registry"
)

// Source 标记一次解析结果的来源层
type Source string

const (
	SourceCache  Source = "cache"
	SourcePeer   Source = "peer"
	SourceOrigin Source = "origin"
)

// Result 一次成功的解析结果
type Result struct {
	URL     string
	Content []byte
	Source  Source
}

// ResolutionError 全部层耗尽后的唯一对外错误，携带请求的 URL
// 与源站层的错误
type ResolutionError struct {
	URL string
	Err error
}

// Error 实现 error
func (e *ResolutionError) Error() string {
	return fmt.Sprintf("解析 %s 失败: %v", e.URL, e.Err)
}

// Unwrap 支持 errors.Is/As
func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// OriginFetcher 源站拉取原语：URL 进、内容出，可能失败
type OriginFetcher func(ctx context.Context, url string) ([]byte, error)

// Requester 对等节点内容请求原语，由会话管理器实现
type Requester interface {
	Request(ctx context.Context, peerID, url string) ([]byte, error)
	IsOpen(peerID string) bool
}

// Options 解析器参数
type Options struct {
	// Candidates 第二层最多尝试的候选数，默认 3
	Candidates int
	// Timeout 单个候选的响应等待上限，默认 10s
	Timeout time.Duration
	// RetryAttempts 源站层的重试次数，默认 3
	RetryAttempts int
	// Strategy 候选选择策略，默认 FirstK
	Strategy registry.SelectionStrategy
}

// Resolver 分层解析器。缓存由解析器逻辑持有：对等层与源站层
// 的成功结果都会写入缓存，缓存命中则绝不重复写入。
type Resolver struct {
	cache    *cache.Cache
	registry *registry.Registry
	peers    Requester
	origin   OriginFetcher
	opts     Options
	log      *zap.SugaredLogger

	// 已知内容摘要（hex SHA-256），存在时用于校验对等响应
	digestMu sync.RWMutex
	digests  map[string]string
}

// New 创建解析器
func New(c *cache.Cache, reg *registry.Registry, peers Requester, origin OriginFetcher, opts Options, log *zap.SugaredLogger) *Resolver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.Candidates <= 0 {
		opts.Candidates = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.Strategy == nil {
		opts.Strategy = registry.FirstK{}
	}
	return &Resolver{
		cache:    c,
		registry: reg,
		peers:    peers,
		origin:   origin,
		opts:     opts,
		log:      log,
		digests:  make(map[string]string),
	}
}

// SetDigest 登记某 URL 的已知摘要（hex SHA-256），
// 之后对等响应会与之比对
func (r *Resolver) SetDigest(url, hexDigest string) {
	r.digestMu.Lock()
	defer r.digestMu.Unlock()
	r.digests[url] = hexDigest
}

// Resolve 解析一次内容请求
func (r *Resolver) Resolve(ctx context.Context, url string) (*Result, error) {
	// 第一层：缓存。命中立即返回，不重复写入。
	if content, ok := r.cache.Get(url); ok {
		r.log.Debugw("缓存命中", "url", url)
		return &Result{URL: url, Content: content, Source: SourceCache}, nil
	}

	// 第二层：对等节点
	if content, ok := r.resolvePeers(ctx, url); ok {
		if err := r.cache.Store(url, content); err != nil {
			r.log.Warnw("写入缓存失败", "url", url, "err", err)
		}
		return &Result{URL: url, Content: content, Source: SourcePeer}, nil
	}

	// 第三层：源站，带有界指数退避重试
	content, err := r.resolveOrigin(ctx, url)
	if err != nil {
		return nil, &ResolutionError{URL: url, Err: err}
	}
	if err := r.cache.Store(url, content); err != nil {
		r.log.Warnw("写入缓存失败", "url", url, "err", err)
	}
	return &Result{URL: url, Content: content, Source: SourceOrigin}, nil
}

// resolvePeers 依次询问至多 K 个可达候选，第一个通过校验的响应
// 即被采纳，其余候选被放弃。超时与校验失败都推进到下一个候选。
func (r *Resolver) resolvePeers(ctx context.Context, url string) ([]byte, bool) {
	// 可达性过滤：只有存在已打开会话的节点才是候选
	var reachable []registry.PeerInfo
	for _, p := range r.registry.Peers() {
		if r.peers.IsOpen(p.ID) {
			reachable = append(reachable, p)
		}
	}
	if len(reachable) == 0 {
		return nil, false
	}

	candidates := r.opts.Strategy.Select(url, reachable, r.opts.Candidates)
	for _, id := range candidates {
		if ctx.Err() != nil {
			return nil, false
		}

		r.registry.AddLoad(id, 1)
		rctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		content, err := r.peers.Request(rctx, id, url)
		cancel()
		r.registry.AddLoad(id, -1)

		if err != nil {
			r.log.Debugw("对等请求失败，推进下一候选", "peer", id, "url", url, "err", err)
			r.registry.MarkFailure(id)
			continue
		}
		if !r.validate(url, content) {
			r.log.Warnw("对等响应未通过校验，推进下一候选", "peer", id, "url", url)
			r.registry.MarkFailure(id)
			continue
		}

		r.registry.MarkSuccess(id)
		r.log.Infow("对等解析成功", "peer", id, "url", url, "size", len(content))
		return content, true
	}
	return nil, false
}

// resolveOrigin 拉取源站，失败时指数退避后重试
func (r *Resolver) resolveOrigin(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	backoff := 200 * time.Millisecond

	for attempt := 0; attempt < r.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}

		content, err := r.origin(ctx, url)
		if err != nil {
			lastErr = err
			r.log.Debugw("源站拉取失败", "url", url, "attempt", attempt+1, "err", err)
			continue
		}
		return content, nil
	}
	return nil, fmt.Errorf("源站拉取失败: %w", lastErr)
}

// validate 校验对等响应：非空，且与已知摘要（若有）一致
func (r *Resolver) validate(url string, content []byte) bool {
	if len(content) == 0 {
		return false
	}

	r.digestMu.RLock()
	want, ok := r.digests[url]
	r.digestMu.RUnlock()
	if !ok {
		return true
	}

	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:]) == want
}
