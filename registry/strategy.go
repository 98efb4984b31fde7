package registry

// SelectionStrategy 候选选择策略，从注册表快照中挑出至多 k 个候选
type SelectionStrategy interface {
	Select(url string, peers []PeerInfo, k int) []string
}

// FirstK 基线策略：按注册表插入顺序取前 k 个
type FirstK struct{}

// Select 实现 SelectionStrategy
func (FirstK) Select(url string, peers []PeerInfo, k int) []string {
	if k > len(peers) {
		k = len(peers)
	}
	out := make([]string, 0, k)
	for _, p := range peers[:k] {
		out = append(out, p.ID)
	}
	return out
}

// Scored 加权打分策略：带宽、可靠度、内容持有与负载惩罚的加权和，分高者先
type Scored struct {
	// Possession 判断候选是否已持有该 URL 的内容，未知时可为 nil
	Possession func(peerID, url string) bool

	// BandwidthScale 带宽归一化基准（字节/秒），0 表示使用默认值
	BandwidthScale int64
}

// 打分权重
const (
	weightBandwidth   = 0.4
	weightReliability = 0.3
	weightPossession  = 0.2
	weightLoad        = 0.1 // 每个在途请求的惩罚

	defaultBandwidthScale = 10 << 20 // 10 MB/s 记为满分
)

// Select 实现 SelectionStrategy
func (s Scored) Select(url string, peers []PeerInfo, k int) []string {
	if k > len(peers) {
		k = len(peers)
	}

	scale := s.BandwidthScale
	if scale <= 0 {
		scale = defaultBandwidthScale
	}

	type scored struct {
		id    string
		score float64
	}
	ranked := make([]scored, 0, len(peers))
	for _, p := range peers {
		bw := float64(p.Capabilities.UploadBandwidth) / float64(scale)
		if bw > 1 {
			bw = 1
		}
		score := weightBandwidth*bw + weightReliability*p.Reliability
		if s.Possession != nil && s.Possession(p.ID, url) {
			score += weightPossession
		}
		score -= weightLoad * float64(p.InFlight)
		ranked = append(ranked, scored{id: p.ID, score: score})
	}

	// 稳定插入排序，同分保持注册表顺序
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j-1].score < ranked[j].score; j-- {
			ranked[j-1], ranked[j] = ranked[j], ranked[j-1]
		}
	}

	out := make([]string, 0, k)
	for _, r := range ranked[:k] {
		out = append(out, r.id)
	}
	return out
}
