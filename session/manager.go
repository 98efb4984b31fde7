// Package session 管理与远端节点的直连会话和数据通道。
// 信令经中继服务器交换，内容经数据通道点对点传输。
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peercdn/registry"
	"peercdn/signal"
)

var (
	// ErrChannelNotOpen 数据通道未打开，消息被丢弃
	ErrChannelNotOpen = errors.New("数据通道未打开")
	// ErrNotConnected 与目标节点没有打开的会话
	ErrNotConnected = errors.New("与目标节点没有打开的会话")
)

// ContentProvider 响应对端内容请求的回调，未命中时返回 false
type ContentProvider func(url string) ([]byte, bool)

// Config 会话管理器配置
type Config struct {
	LocalID      string
	RoomID       string
	MaxPeers     int // 主动发起的会话数上限
	Capabilities signal.Capabilities
}

// Manager 会话管理器。维护远端 id → 会话的唯一映射，
// 处理中继送达的信令消息，并在数据通道上收发内容请求。
type Manager struct {
	cfg      Config
	factory  TransportFactory
	out      func(signal.Message) // 发往中继
	registry *registry.Registry
	provider ContentProvider
	log      *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[string]*Session
	// 会话尚不存在时先行到达的 ICE 候选
	early   map[string][]webrtc.ICECandidateInit
	waiters map[string]chan []byte
}

// NewManager 创建会话管理器
func NewManager(cfg Config, factory TransportFactory, out func(signal.Message), reg *registry.Registry, provider ContentProvider, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 5
	}
	return &Manager{
		cfg:      cfg,
		factory:  factory,
		out:      out,
		registry: reg,
		provider: provider,
		log:      log,
		sessions: make(map[string]*Session),
		early:    make(map[string][]webrtc.ICECandidateInit),
		waiters:  make(map[string]chan []byte),
	}
}

// HandleSignal 处理中继送达的一条信令消息，按类型穷尽分发
func (m *Manager) HandleSignal(msg signal.Message) {
	if msg.SenderID == m.cfg.LocalID {
		return
	}

	switch msg.Type {
	case signal.Offer:
		var p signal.SDPPayload
		if err := signal.DecodePayload(msg, &p); err != nil {
			m.log.Warnw("丢弃格式错误的信令载荷", "type", msg.Type.String(), "err", err)
			return
		}
		if p.Target != m.cfg.LocalID {
			return
		}
		m.handleOffer(msg.SenderID, p.SDP)

	case signal.Answer:
		var p signal.SDPPayload
		if err := signal.DecodePayload(msg, &p); err != nil {
			m.log.Warnw("丢弃格式错误的信令载荷", "type", msg.Type.String(), "err", err)
			return
		}
		if p.Target != m.cfg.LocalID {
			return
		}
		m.handleAnswer(msg.SenderID, p.SDP)

	case signal.IceCandidate:
		var p signal.CandidatePayload
		if err := signal.DecodePayload(msg, &p); err != nil {
			m.log.Warnw("丢弃格式错误的信令载荷", "type", msg.Type.String(), "err", err)
			return
		}
		if p.Target != m.cfg.LocalID {
			return
		}
		m.handleCandidate(msg.SenderID, p.Candidate)

	case signal.PeerDiscovery:
		var p signal.AnnouncePayload
		if err := signal.DecodePayload(msg, &p); err != nil {
			m.log.Warnw("丢弃格式错误的信令载荷", "type", msg.Type.String(), "err", err)
			return
		}
		m.registry.Add(msg.SenderID, p.Capabilities)
		// 回应自己的存在，让新加入的节点发现我们并发起连接
		m.Announce(signal.Register)

	case signal.Register:
		var p signal.AnnouncePayload
		if err := signal.DecodePayload(msg, &p); err != nil {
			m.log.Warnw("丢弃格式错误的信令载荷", "type", msg.Type.String(), "err", err)
			return
		}
		m.registry.Add(msg.SenderID, p.Capabilities)
		// 双方同时发起会导致 Offer 对撞，固定由 id 较小的一方发起
		if m.cfg.LocalID < msg.SenderID {
			m.Connect(msg.SenderID)
		}

	case signal.Heartbeat, signal.Unregister:
		// 保留类型，不产生也不消费

	default:
		m.log.Warnw("忽略未知信令类型", "type", int(msg.Type))
	}
}

// Announce 向房间广播自己的存在与能力
func (m *Manager) Announce(t signal.MessageType) {
	msg, err := signal.New(t, m.cfg.LocalID, m.cfg.RoomID, signal.AnnouncePayload{
		ID:           m.cfg.LocalID,
		Capabilities: m.cfg.Capabilities,
	})
	if err != nil {
		m.log.Warnw("构造通告消息失败", "err", err)
		return
	}
	m.out(msg)
}

// Connect 向远端节点发起会话。已有会话或达到主动连接上限时为空操作。
func (m *Manager) Connect(remoteID string) {
	if remoteID == m.cfg.LocalID {
		return
	}

	m.mu.Lock()
	if _, ok := m.sessions[remoteID]; ok {
		m.mu.Unlock()
		m.log.Debugw("已有会话，跳过发起", "peer", remoteID)
		return
	}
	if m.outgoingLocked() >= m.cfg.MaxPeers {
		m.mu.Unlock()
		m.log.Debugw("达到主动连接上限，跳过发起", "peer", remoteID, "max", m.cfg.MaxPeers)
		return
	}
	m.mu.Unlock()

	transport, err := m.factory()
	if err != nil {
		m.log.Warnw("创建传输失败", "peer", remoteID, "err", err)
		return
	}

	s := newSession(remoteID, transport, true, m.log)

	m.mu.Lock()
	if _, ok := m.sessions[remoteID]; ok || m.outgoingLocked() >= m.cfg.MaxPeers {
		m.mu.Unlock()
		transport.Close()
		return
	}
	m.sessions[remoteID] = s
	early := m.early[remoteID]
	delete(m.early, remoteID)
	m.mu.Unlock()

	for _, candidate := range early {
		s.addCandidate(candidate)
	}

	m.wireTransport(s)

	dc, err := transport.CreateDataChannel(channelLabel)
	if err != nil {
		m.log.Warnw("创建数据通道失败", "peer", remoteID, "err", err)
		m.teardown(remoteID, StateFailed)
		return
	}
	s.setChannel(dc)
	m.wireChannel(s, dc)

	offer, err := transport.CreateOffer()
	if err != nil {
		m.log.Warnw("创建Offer失败", "peer", remoteID, "err", err)
		m.teardown(remoteID, StateFailed)
		return
	}
	if err := transport.SetLocalDescription(offer); err != nil {
		m.log.Warnw("设置本地描述失败", "peer", remoteID, "err", err)
		m.teardown(remoteID, StateFailed)
		return
	}
	s.advance(StateConnecting)

	m.sendSDP(signal.Offer, remoteID, offer)
	m.log.Infow("已发起会话", "peer", remoteID)
}

// handleOffer 处理入站 Offer，创建应答方会话
func (m *Manager) handleOffer(remoteID string, sdp webrtc.SessionDescription) {
	m.mu.Lock()
	if _, ok := m.sessions[remoteID]; ok {
		m.mu.Unlock()
		m.log.Warnw("已有会话，忽略重复Offer", "peer", remoteID)
		return
	}
	m.mu.Unlock()

	transport, err := m.factory()
	if err != nil {
		m.log.Warnw("创建传输失败", "peer", remoteID, "err", err)
		return
	}

	s := newSession(remoteID, transport, false, m.log)

	m.mu.Lock()
	if _, ok := m.sessions[remoteID]; ok {
		m.mu.Unlock()
		transport.Close()
		return
	}
	m.sessions[remoteID] = s
	early := m.early[remoteID]
	delete(m.early, remoteID)
	m.mu.Unlock()

	// 先行到达的候选在远端描述就绪前只能排队
	for _, candidate := range early {
		s.addCandidate(candidate)
	}

	m.wireTransport(s)
	transport.OnDataChannel(func(dc DataChannel) {
		s.setChannel(dc)
		m.wireChannel(s, dc)
	})

	if err := transport.SetRemoteDescription(sdp); err != nil {
		m.log.Warnw("设置远端描述失败", "peer", remoteID, "err", err)
		m.teardown(remoteID, StateFailed)
		return
	}
	s.advance(StateConnecting)
	s.flushCandidates()

	answer, err := transport.CreateAnswer()
	if err != nil {
		m.log.Warnw("创建Answer失败", "peer", remoteID, "err", err)
		m.teardown(remoteID, StateFailed)
		return
	}
	if err := transport.SetLocalDescription(answer); err != nil {
		m.log.Warnw("设置本地描述失败", "peer", remoteID, "err", err)
		m.teardown(remoteID, StateFailed)
		return
	}

	m.sendSDP(signal.Answer, remoteID, answer)
}

// handleAnswer 处理入站 Answer，完成发起方的会话描述
func (m *Manager) handleAnswer(remoteID string, sdp webrtc.SessionDescription) {
	m.mu.Lock()
	s, ok := m.sessions[remoteID]
	m.mu.Unlock()
	if !ok || !s.initiator {
		m.log.Warnw("没有等待Answer的会话，忽略", "peer", remoteID)
		return
	}

	if err := s.transport.SetRemoteDescription(sdp); err != nil {
		m.log.Warnw("设置远端描述失败", "peer", remoteID, "err", err)
		m.teardown(remoteID, StateFailed)
		return
	}
	s.flushCandidates()
}

// handleCandidate 处理入站 ICE 候选。候选可能先于 Offer/Answer
// 到达：会话不存在时先在管理器层排队。
func (m *Manager) handleCandidate(remoteID string, candidate webrtc.ICECandidateInit) {
	m.mu.Lock()
	s, ok := m.sessions[remoteID]
	if !ok {
		m.early[remoteID] = append(m.early[remoteID], candidate)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := s.addCandidate(candidate); err != nil {
		m.log.Warnw("应用ICE候选失败", "peer", remoteID, "err", err)
	}
}

// wireTransport 注册传输层回调
func (m *Manager) wireTransport(s *Session) {
	s.transport.OnICECandidate(func(init *webrtc.ICECandidateInit) {
		if init == nil {
			m.log.Debugw("ICE候选收集完成", "peer", s.remoteID)
			return
		}
		msg, err := signal.New(signal.IceCandidate, m.cfg.LocalID, m.cfg.RoomID, signal.CandidatePayload{
			Target:    s.remoteID,
			Candidate: *init,
		})
		if err != nil {
			m.log.Warnw("构造候选消息失败", "err", err)
			return
		}
		m.out(msg)
	})

	s.transport.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnecting:
			s.advance(StateConnecting)
		case webrtc.PeerConnectionStateDisconnected:
			m.teardown(s.remoteID, StateDisconnected)
		case webrtc.PeerConnectionStateFailed:
			m.teardown(s.remoteID, StateFailed)
		case webrtc.PeerConnectionStateClosed:
			m.teardown(s.remoteID, StateClosed)
		}
	})
}

// wireChannel 注册数据通道回调
func (m *Manager) wireChannel(s *Session, dc DataChannel) {
	dc.OnOpen(func() {
		s.advance(StateOpen)
		m.log.Infow("数据通道已打开", "peer", s.remoteID)
	})
	dc.OnMessage(func(data []byte) {
		m.handleChannelMessage(s.remoteID, data)
	})
	dc.OnClose(func() {
		m.teardown(s.remoteID, StateDisconnected)
	})
}

// teardown 拆除会话：从全部表中清除、关闭通道与传输、移除注册表
// 条目。这是会话唯一的清理路径。
func (m *Manager) teardown(remoteID string, to State) {
	m.mu.Lock()
	s, ok := m.sessions[remoteID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, remoteID)
	delete(m.early, remoteID)
	m.mu.Unlock()

	s.advance(to)
	s.destroy()
	s.advance(StateClosed)
	m.registry.Remove(remoteID)
	m.log.Infow("会话已拆除", "peer", remoteID, "state", to.String())
}

// Request 向远端节点请求一个 URL 的内容，阻塞直到收到匹配的响应
// 或 ctx 到期。超时后到达的迟到响应会被匹配并静默丢弃。
func (m *Manager) Request(ctx context.Context, remoteID, url string) ([]byte, error) {
	m.mu.Lock()
	s, ok := m.sessions[remoteID]
	m.mu.Unlock()
	if !ok || s.State() != StateOpen {
		return nil, ErrNotConnected
	}

	key := waiterKey(remoteID, url)
	ch := make(chan []byte, 1)

	m.mu.Lock()
	if _, exists := m.waiters[key]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("对节点 %s 的 %s 请求已在途", remoteID, url)
	}
	m.waiters[key] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.waiters[key] == ch {
			delete(m.waiters, key)
		}
		m.mu.Unlock()
	}()

	req := ContentRequest{Type: typeContentRequest, URL: url, RequesterID: m.cfg.LocalID}
	data, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("序列化内容请求失败: %w", err)
	}
	if err := s.send(data); err != nil {
		return nil, err
	}

	select {
	case content := <-ch:
		return content, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleChannelMessage 分发数据通道上的一条消息
func (m *Manager) handleChannelMessage(remoteID string, data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		m.log.Warnw("丢弃格式错误的通道消息", "peer", remoteID, "err", err)
		return
	}

	switch head.Type {
	case typeContentRequest:
		var req ContentRequest
		if err := json.Unmarshal(data, &req); err != nil {
			m.log.Warnw("解析内容请求失败", "peer", remoteID, "err", err)
			return
		}
		m.serveRequest(remoteID, req)

	case typeContentResponse:
		var resp ContentResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			m.log.Warnw("解析内容响应失败", "peer", remoteID, "err", err)
			return
		}
		key := waiterKey(remoteID, resp.URL)
		m.mu.Lock()
		ch, ok := m.waiters[key]
		if ok {
			delete(m.waiters, key)
		}
		m.mu.Unlock()
		if !ok {
			m.log.Debugw("丢弃迟到的内容响应", "peer", remoteID, "url", resp.URL)
			return
		}
		ch <- []byte(resp.Content)

	default:
		m.log.Warnw("忽略未知通道消息类型", "peer", remoteID, "msgType", head.Type)
	}
}

// serveRequest 用本地内容响应对端请求，未命中时不回应，
// 由对端的请求超时兜底
func (m *Manager) serveRequest(remoteID string, req ContentRequest) {
	content, ok := m.provider(req.URL)
	if !ok {
		m.log.Debugw("本地无此内容，忽略请求", "peer", remoteID, "url", req.URL)
		return
	}

	resp := ContentResponse{
		Type:        typeContentResponse,
		URL:         req.URL,
		Content:     string(content),
		ResponderID: m.cfg.LocalID,
	}
	data, err := json.Marshal(&resp)
	if err != nil {
		m.log.Warnw("序列化内容响应失败", "err", err)
		return
	}

	m.mu.Lock()
	s, ok := m.sessions[remoteID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := s.send(data); err != nil {
		m.log.Warnw("发送内容响应失败", "peer", remoteID, "err", err)
	}
}

// sendSDP 发送 Offer/Answer
func (m *Manager) sendSDP(t signal.MessageType, target string, sdp webrtc.SessionDescription) {
	msg, err := signal.New(t, m.cfg.LocalID, m.cfg.RoomID, signal.SDPPayload{Target: target, SDP: sdp})
	if err != nil {
		m.log.Warnw("构造SDP消息失败", "err", err)
		return
	}
	m.out(msg)
}

// IsOpen 判断与远端节点的数据通道是否打开
func (m *Manager) IsOpen(remoteID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[remoteID]
	m.mu.Unlock()
	return ok && s.State() == StateOpen
}

// Get 返回指定远端的会话
func (m *Manager) Get(remoteID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[remoteID]
	return s, ok
}

// Len 返回会话数
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close 拆除全部会话
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.teardown(id, StateClosed)
	}
}

// outgoingLocked 统计主动发起且未终止的会话数，调用方必须持锁
func (m *Manager) outgoingLocked() int {
	n := 0
	for _, s := range m.sessions {
		if s.initiator && !s.State().terminal() {
			n++
		}
	}
	return n
}

// waiterKey 响应等待者的键：远端 id + URL
func waiterKey(remoteID, url string) string {
	return remoteID + "\x00" + url
}
