package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercdn/cache"
	"peercdn/registry"
	"peercdn/signal"
)

// fakeRequester 可编程的对等请求假件
type fakeRequester struct {
	mu      sync.Mutex
	open    map[string]bool
	replies map[string][]byte // peerID → 返回内容
	errs    map[string]error  // peerID → 返回错误
	block   map[string]bool   // peerID → 阻塞到 ctx 超时
	asked   []string          // 被询问的节点顺序
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{
		open:    make(map[string]bool),
		replies: make(map[string][]byte),
		errs:    make(map[string]error),
		block:   make(map[string]bool),
	}
}

func (f *fakeRequester) Request(ctx context.Context, peerID, url string) ([]byte, error) {
	f.mu.Lock()
	f.asked = append(f.asked, peerID)
	blocked := f.block[peerID]
	reply := f.replies[peerID]
	err := f.errs[peerID]
	f.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func (f *fakeRequester) IsOpen(peerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[peerID]
}

func (f *fakeRequester) askedPeers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.asked))
	copy(out, f.asked)
	return out
}

// countingOrigin 记录调用次数的源站假件
type countingOrigin struct {
	mu      sync.Mutex
	calls   int
	content []byte
	err     error
}

func (o *countingOrigin) fetch(ctx context.Context, url string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.err != nil {
		return nil, o.err
	}
	return o.content, nil
}

func (o *countingOrigin) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func newTestResolver(req *fakeRequester, origin *countingOrigin, opts Options) (*Resolver, *cache.Cache, *registry.Registry) {
	c := cache.New(1 << 20)
	reg := registry.New()
	r := New(c, reg, req, origin.fetch, opts, nil)
	return r, c, reg
}

// TestResolveCacheHit 缓存命中立即返回，对等层与源站不被触碰
func TestResolveCacheHit(t *testing.T) {
	req := newFakeRequester()
	origin := &countingOrigin{content: []byte("from-origin")}
	r, c, reg := newTestResolver(req, origin, Options{})

	reg.Add("p1", signal.Capabilities{})
	req.open["p1"] = true
	require.NoError(t, c.Store("/a.js", []byte("cached")))

	res, err := r.Resolve(context.Background(), "/a.js")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, []byte("cached"), res.Content)
	assert.Empty(t, req.askedPeers(), "缓存命中不应询问对等节点")
	assert.Equal(t, 0, origin.count(), "缓存命中不应访问源站")
}

// TestResolvePeerSuccess 对等解析成功，结果写入缓存
func TestResolvePeerSuccess(t *testing.T) {
	req := newFakeRequester()
	origin := &countingOrigin{content: []byte("from-origin")}
	r, c, reg := newTestResolver(req, origin, Options{})

	reg.Add("p1", signal.Capabilities{})
	req.open["p1"] = true
	req.replies["p1"] = []byte("from-peer")

	res, err := r.Resolve(context.Background(), "/a.js")
	require.NoError(t, err)
	assert.Equal(t, SourcePeer, res.Source)
	assert.Equal(t, []byte("from-peer"), res.Content)
	assert.Equal(t, 0, origin.count(), "对等成功后不应访问源站")

	got, ok := c.Get("/a.js")
	require.True(t, ok, "对等结果应写入缓存")
	assert.Equal(t, []byte("from-peer"), got)

	info, _ := reg.Get("p1")
	assert.Greater(t, info.Reliability, 0.5, "成功应提升可靠度")
	assert.Equal(t, 0, info.InFlight, "在途计数应归零")
}

// TestResolveUnreachablePeersSkipped 没有打开会话的节点不是候选
func TestResolveUnreachablePeersSkipped(t *testing.T) {
	req := newFakeRequester()
	origin := &countingOrigin{content: []byte("from-origin")}
	r, _, reg := newTestResolver(req, origin, Options{})

	reg.Add("closed-peer", signal.Capabilities{})
	// 不设置 open，节点不可达

	res, err := r.Resolve(context.Background(), "/a.js")
	require.NoError(t, err)
	assert.Equal(t, SourceOrigin, res.Source)
	assert.Empty(t, req.askedPeers(), "不可达节点不应被询问")
}

// TestResolvePeerFailuresAdvance 超时、空响应与摘要不匹配都推进
// 到下一候选，最终由好节点给出结果
func TestResolvePeerFailuresAdvance(t *testing.T) {
	req := newFakeRequester()
	origin := &countingOrigin{content: []byte("from-origin")}
	r, _, reg := newTestResolver(req, origin, Options{Timeout: 100 * time.Millisecond})

	content := []byte("real-content")
	sum := sha256.Sum256(content)
	r.SetDigest("/a.js", hex.EncodeToString(sum[:]))

	reg.Add("slow", signal.Capabilities{})
	reg.Add("empty", signal.Capabilities{})
	reg.Add("good", signal.Capabilities{})
	for _, id := range []string{"slow", "empty", "good"} {
		req.open[id] = true
	}
	req.block["slow"] = true
	req.replies["empty"] = nil
	req.replies["good"] = content

	res, err := r.Resolve(context.Background(), "/a.js")
	require.NoError(t, err)
	assert.Equal(t, SourcePeer, res.Source)
	assert.Equal(t, content, res.Content)
	assert.Equal(t, []string{"slow", "empty", "good"}, req.askedPeers())

	slow, _ := reg.Get("slow")
	good, _ := reg.Get("good")
	assert.Less(t, slow.Reliability, 0.5, "失败应降低可靠度")
	assert.Greater(t, good.Reliability, 0.5)
}

// TestResolveDigestMismatchRejected 摘要不匹配的响应被拒绝
func TestResolveDigestMismatchRejected(t *testing.T) {
	req := newFakeRequester()
	origin := &countingOrigin{content: []byte("real-content")}
	r, _, reg := newTestResolver(req, origin, Options{})

	sum := sha256.Sum256([]byte("real-content"))
	r.SetDigest("/a.js", hex.EncodeToString(sum[:]))

	reg.Add("liar", signal.Capabilities{})
	req.open["liar"] = true
	req.replies["liar"] = []byte("tampered")

	res, err := r.Resolve(context.Background(), "/a.js")
	require.NoError(t, err)
	assert.Equal(t, SourceOrigin, res.Source, "篡改的响应应被拒绝并回落到源站")
}

// TestResolveCandidateLimit 最多询问 K 个候选
func TestResolveCandidateLimit(t *testing.T) {
	req := newFakeRequester()
	origin := &countingOrigin{content: []byte("from-origin")}
	r, _, reg := newTestResolver(req, origin, Options{Candidates: 2})

	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		reg.Add(id, signal.Capabilities{})
		req.open[id] = true
		req.errs[id] = errors.New("拒绝")
	}

	res, err := r.Resolve(context.Background(), "/a.js")
	require.NoError(t, err)
	assert.Equal(t, SourceOrigin, res.Source)
	assert.Len(t, req.askedPeers(), 2, "候选数不应超过上限")
}

// TestResolveOriginFallbackCaches 源站结果写入缓存，
// 第二次解析直接命中
func TestResolveOriginFallbackCaches(t *testing.T) {
	req := newFakeRequester()
	origin := &countingOrigin{content: []byte("from-origin")}
	r, _, _ := newTestResolver(req, origin, Options{})

	res, err := r.Resolve(context.Background(), "/a.js")
	require.NoError(t, err)
	assert.Equal(t, SourceOrigin, res.Source)
	assert.Equal(t, 1, origin.count())

	res2, err := r.Resolve(context.Background(), "/a.js")
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res2.Source)
	assert.Equal(t, 1, origin.count(), "缓存命中后不应再访问源站")
}

// TestResolveAllTiersExhausted 全部层耗尽时返回唯一的解析错误，
// 携带请求的 URL，源站按配置重试
func TestResolveAllTiersExhausted(t *testing.T) {
	req := newFakeRequester()
	originErr := errors.New("源站不可用")
	origin := &countingOrigin{err: originErr}
	r, _, _ := newTestResolver(req, origin, Options{RetryAttempts: 2})

	_, err := r.Resolve(context.Background(), "/a.js")
	require.Error(t, err)

	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "/a.js", resErr.URL)
	assert.ErrorIs(t, err, originErr)
	assert.Equal(t, 2, origin.count(), "源站应按配置重试")
}
