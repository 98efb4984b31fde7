// Package registry 维护已知节点的元数据，与连接状态无关。
// 条目在收到 PeerDiscovery/Register 消息时加入，只在对应会话被拆除时移除。
package registry

import (
	"sync"

	"peercdn/signal"
)

// PeerInfo 已知节点的元数据快照
type PeerInfo struct {
	ID           string
	Capabilities signal.Capabilities
	Reliability  float64 // 0~1，指数滑动更新
	InFlight     int     // 当前在途请求数
}

// peerRecord 内部记录
type peerRecord struct {
	info PeerInfo
	seq  int // 插入序号，保证 FirstK 的确定性
}

// Registry 节点注册表，候选选择策略的唯一数据来源
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*peerRecord
	next  int
}

// New 创建空注册表
func New() *Registry {
	return &Registry{peers: make(map[string]*peerRecord)}
}

// Add 加入或更新节点。已存在时只更新能力声明，保持原插入位置。
func (r *Registry) Add(id string, caps signal.Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.peers[id]; ok {
		rec.info.Capabilities = caps
		return
	}
	r.peers[id] = &peerRecord{
		info: PeerInfo{ID: id, Capabilities: caps, Reliability: 0.5},
		seq:  r.next,
	}
	r.next++
}

// Remove 移除节点，会话拆除时的唯一清理入口
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// Get 查询单个节点
func (r *Registry) Get(id string) (PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	return rec.info, true
}

// Peers 返回按插入顺序排列的节点快照
func (r *Registry) Peers() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PeerInfo, 0, len(r.peers))
	records := make([]*peerRecord, 0, len(r.peers))
	for _, rec := range r.peers {
		records = append(records, rec)
	}
	// 插入排序足够，注册表规模很小
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && records[j-1].seq > records[j].seq; j-- {
			records[j-1], records[j] = records[j], records[j-1]
		}
	}
	for _, rec := range records {
		out = append(out, rec.info)
	}
	return out
}

// Len 返回节点数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// MarkSuccess 记录一次成功的内容请求，提升可靠度
func (r *Registry) MarkSuccess(id string) {
	r.adjust(id, 1.0)
}

// MarkFailure 记录一次超时或校验失败，降低可靠度
func (r *Registry) MarkFailure(id string) {
	r.adjust(id, 0.0)
}

// adjust 指数滑动更新可靠度，系数 0.3
func (r *Registry) adjust(id string, outcome float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.peers[id]; ok {
		rec.info.Reliability = rec.info.Reliability*0.7 + outcome*0.3
	}
}

// AddLoad 调整在途请求数，delta 可为负
func (r *Registry) AddLoad(id string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.peers[id]; ok {
		rec.info.InFlight += delta
		if rec.info.InFlight < 0 {
			rec.info.InFlight = 0
		}
	}
}
