// Package sessiontest 提供内存中的传输假件，用于在不建立真实
// 网络连接的情况下测试会话生命周期与数据通道协议。
package sessiontest

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v3"

	"peercdn/session"
)

// FakeTransport 内存传输。两个实例经 Link 配对后，
// 双方描述齐备时自动建立"连接"并镜像数据通道。
type FakeTransport struct {
	mu         sync.Mutex
	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	channels   []*FakeChannel
	peer       *FakeTransport
	connected  bool
	closed     bool

	onICECandidate func(*webrtc.ICECandidateInit)
	onState        func(webrtc.PeerConnectionState)
	onDataChannel  func(session.DataChannel)
}

// NewFakeTransport 创建未配对的传输假件
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

// Link 配对两个传输假件
func Link(a, b *FakeTransport) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

// CreateOffer 实现 session.Transport
func (t *FakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake-offer"}, nil
}

// CreateAnswer 实现 session.Transport
func (t *FakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remoteDesc == nil {
		return webrtc.SessionDescription{}, errors.New("远端描述未设置")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake-answer"}, nil
}

// SetLocalDescription 实现 session.Transport。设置后异步发出
// 一个本地候选，模拟 trickle ICE。
func (t *FakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	t.localDesc = &desc
	cb := t.onICECandidate
	t.mu.Unlock()

	if cb != nil {
		go func() {
			cb(&webrtc.ICECandidateInit{Candidate: "candidate:fake 1 udp 1 127.0.0.1 9 typ host"})
			cb(nil)
		}()
	}
	t.maybeConnect()
	return nil
}

// SetRemoteDescription 实现 session.Transport
func (t *FakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	t.remoteDesc = &desc
	t.mu.Unlock()
	t.maybeConnect()
	return nil
}

// RemoteDescriptionSet 实现 session.Transport
func (t *FakeTransport) RemoteDescriptionSet() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteDesc != nil
}

// AddICECandidate 实现 session.Transport。远端描述未就绪时报错，
// 以捕获上层的排队缺陷。
func (t *FakeTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remoteDesc == nil {
		return errors.New("远端描述未设置，不能应用候选")
	}
	t.candidates = append(t.candidates, candidate)
	return nil
}

// AppliedCandidates 返回已应用的远端候选
func (t *FakeTransport) AppliedCandidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(t.candidates))
	copy(out, t.candidates)
	return out
}

// OnICECandidate 实现 session.Transport
func (t *FakeTransport) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onICECandidate = f
}

// OnConnectionStateChange 实现 session.Transport
func (t *FakeTransport) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = f
}

// OnDataChannel 实现 session.Transport
func (t *FakeTransport) OnDataChannel(f func(session.DataChannel)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDataChannel = f
}

// CreateDataChannel 实现 session.Transport
func (t *FakeTransport) CreateDataChannel(label string) (session.DataChannel, error) {
	dc := &FakeChannel{label: label, state: webrtc.DataChannelStateConnecting}
	t.mu.Lock()
	t.channels = append(t.channels, dc)
	t.mu.Unlock()
	return dc, nil
}

// Close 实现 session.Transport
func (t *FakeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cb := t.onState
	t.mu.Unlock()
	if cb != nil {
		cb(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

// Fail 模拟传输失败
func (t *FakeTransport) Fail() {
	t.mu.Lock()
	cb := t.onState
	t.mu.Unlock()
	if cb != nil {
		cb(webrtc.PeerConnectionStateFailed)
	}
}

// Disconnect 模拟连接断开
func (t *FakeTransport) Disconnect() {
	t.mu.Lock()
	cb := t.onState
	t.mu.Unlock()
	if cb != nil {
		cb(webrtc.PeerConnectionStateDisconnected)
	}
}

// maybeConnect 双方描述齐备后建立"连接"：触发状态回调、
// 镜像数据通道并打开两端。
func (t *FakeTransport) maybeConnect() {
	t.mu.Lock()
	peer := t.peer
	ready := t.localDesc != nil && t.remoteDesc != nil
	t.mu.Unlock()
	if peer == nil || !ready {
		return
	}

	peer.mu.Lock()
	peerReady := peer.localDesc != nil && peer.remoteDesc != nil
	peer.mu.Unlock()
	if !peerReady {
		return
	}

	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = true
	channels := t.channels
	stateCB := t.onState
	t.mu.Unlock()

	peer.mu.Lock()
	peer.connected = true
	peerStateCB := peer.onState
	peerDataCB := peer.onDataChannel
	peer.mu.Unlock()

	if stateCB != nil {
		stateCB(webrtc.PeerConnectionStateConnecting)
		stateCB(webrtc.PeerConnectionStateConnected)
	}
	if peerStateCB != nil {
		peerStateCB(webrtc.PeerConnectionStateConnecting)
		peerStateCB(webrtc.PeerConnectionStateConnected)
	}

	// 发起方创建的通道在应答方侧出现镜像，随后两端打开
	for _, dc := range channels {
		mirror := &FakeChannel{label: dc.label, state: webrtc.DataChannelStateConnecting}
		linkChannels(dc, mirror)
		if peerDataCB != nil {
			peerDataCB(mirror)
		}
		mirror.open()
		dc.open()
	}
}

// FakeChannel 内存数据通道，Send 直接投递到镜像端
type FakeChannel struct {
	mu     sync.Mutex
	label  string
	state  webrtc.DataChannelState
	mirror *FakeChannel

	onOpen    func()
	onMessage func([]byte)
	onClose   func()
}

// linkChannels 配对两条通道
func linkChannels(a, b *FakeChannel) {
	a.mu.Lock()
	a.mirror = b
	a.mu.Unlock()
	b.mu.Lock()
	b.mirror = a
	b.mu.Unlock()
}

// Label 实现 session.DataChannel
func (c *FakeChannel) Label() string { return c.label }

// Send 实现 session.DataChannel，异步投递到镜像端
func (c *FakeChannel) Send(data []byte) error {
	c.mu.Lock()
	state := c.state
	mirror := c.mirror
	c.mu.Unlock()

	if state != webrtc.DataChannelStateOpen || mirror == nil {
		return errors.New("通道未打开")
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	go mirror.deliver(buf)
	return nil
}

// deliver 触发镜像端的消息回调
func (c *FakeChannel) deliver(data []byte) {
	c.mu.Lock()
	cb := c.onMessage
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// OnOpen 实现 session.DataChannel
func (c *FakeChannel) OnOpen(f func()) {
	c.mu.Lock()
	alreadyOpen := c.state == webrtc.DataChannelStateOpen
	c.onOpen = f
	c.mu.Unlock()
	if alreadyOpen && f != nil {
		f()
	}
}

// OnMessage 实现 session.DataChannel
func (c *FakeChannel) OnMessage(f func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = f
}

// OnClose 实现 session.DataChannel
func (c *FakeChannel) OnClose(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = f
}

// ReadyState 实现 session.DataChannel
func (c *FakeChannel) ReadyState() webrtc.DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close 实现 session.DataChannel
func (c *FakeChannel) Close() error {
	c.mu.Lock()
	if c.state == webrtc.DataChannelStateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = webrtc.DataChannelStateClosed
	cb := c.onClose
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

// open 打开通道并触发回调
func (c *FakeChannel) open() {
	c.mu.Lock()
	c.state = webrtc.DataChannelStateOpen
	cb := c.onOpen
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}
