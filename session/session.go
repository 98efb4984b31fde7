package session

import (
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// channelLabel 每个会话唯一的数据通道标签
const channelLabel = "peercdn"

// Session 与单个远端节点的直连会话，持有一条数据通道。
// 每个远端 id 至多存在一个活跃会话。
type Session struct {
	remoteID  string
	initiator bool

	mu        sync.Mutex
	state     State
	transport Transport
	channel   DataChannel
	// 远端描述就绪前到达的 ICE 候选，就绪后按到达顺序应用
	pending []webrtc.ICECandidateInit

	log *zap.SugaredLogger
}

// newSession 创建处于 new 状态的会话
func newSession(remoteID string, transport Transport, initiator bool, log *zap.SugaredLogger) *Session {
	return &Session{
		remoteID:  remoteID,
		initiator: initiator,
		state:     StateNew,
		transport: transport,
		log:       log,
	}
}

// RemoteID 返回远端节点 id
func (s *Session) RemoteID() string {
	return s.remoteID
}

// State 返回当前状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// advance 推进状态。状态只向前，不允许回退；
// 返回是否发生了变更。
func (s *Session) advance(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to <= s.state {
		return false
	}
	s.log.Debugw("会话状态变更", "peer", s.remoteID, "from", s.state.String(), "to", to.String())
	s.state = to
	return true
}

// setChannel 绑定数据通道
func (s *Session) setChannel(dc DataChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = dc
}

// addCandidate 应用或排队一个远端 ICE 候选。候选可能先于
// Offer/Answer 到达，远端描述未就绪时必须排队。
func (s *Session) addCandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if !s.transport.RemoteDescriptionSet() {
		s.pending = append(s.pending, candidate)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.transport.AddICECandidate(candidate)
}

// flushCandidates 远端描述就绪后应用全部排队候选
func (s *Session) flushCandidates() {
	s.mu.Lock()
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, candidate := range queued {
		if err := s.transport.AddICECandidate(candidate); err != nil {
			s.log.Warnw("应用排队ICE候选失败", "peer", s.remoteID, "err", err)
		}
	}
}

// send 在数据通道上发送。通道未打开时丢弃并告警，从不排队。
func (s *Session) send(data []byte) error {
	s.mu.Lock()
	dc := s.channel
	state := s.state
	s.mu.Unlock()

	if dc == nil || state != StateOpen || dc.ReadyState() != webrtc.DataChannelStateOpen {
		s.log.Warnw("通道未打开，丢弃消息", "peer", s.remoteID, "state", state.String())
		return ErrChannelNotOpen
	}
	return dc.Send(data)
}

// destroy 关闭通道与传输
func (s *Session) destroy() {
	s.mu.Lock()
	dc := s.channel
	transport := s.transport
	s.mu.Unlock()

	if dc != nil {
		dc.Close()
	}
	transport.Close()
}
