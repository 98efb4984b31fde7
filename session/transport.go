package session

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v3"
)

// Transport 直连会话原语。生产实现基于 pion PeerConnection，
// 接口面只保留会话协商所需的最小能力。
type Transport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// RemoteDescriptionSet 判断远端描述是否已设置，
	// ICE 候选必须等远端描述就绪后才能应用
	RemoteDescriptionSet() bool
	AddICECandidate(webrtc.ICECandidateInit) error

	// OnICECandidate 注册本地候选回调，收集完成时回调 nil
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnDataChannel(func(DataChannel))

	CreateDataChannel(label string) (DataChannel, error)
	Close() error
}

// DataChannel 数据通道原语，显式无序、不重传
type DataChannel interface {
	Label() string
	Send([]byte) error
	OnOpen(func())
	OnMessage(func([]byte))
	OnClose(func())
	ReadyState() webrtc.DataChannelState
	Close() error
}

// TransportFactory 为每个会话创建独立的传输实例
type TransportFactory func() (Transport, error)

// ICEServersFromConfig 把 stun/turn 地址转换为 pion 配置。
// 未指定时不配置任何 ICE 服务器，仅依赖主机候选。
func ICEServersFromConfig(stunServer, turnServer, turnUsername, turnCredential string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer

	if stunServer != "" {
		stunURL := stunServer
		if !strings.HasPrefix(stunURL, "stun:") {
			stunURL = "stun:" + stunURL
		}
		servers = append(servers, webrtc.ICEServer{URLs: []string{stunURL}})
	}

	if turnServer != "" {
		turnURL := turnServer
		if !strings.HasPrefix(turnURL, "turn:") {
			turnURL = "turn:" + turnURL
		}
		server := webrtc.ICEServer{URLs: []string{turnURL}}
		if turnUsername != "" {
			server.Username = turnUsername
			server.Credential = turnCredential
		}
		servers = append(servers, server)
	}

	return servers
}

// PionFactory 基于 pion 的传输工厂
func PionFactory(iceServers []webrtc.ICEServer) TransportFactory {
	return func() (Transport, error) {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, fmt.Errorf("创建PeerConnection失败: %w", err)
		}
		return &pionTransport{pc: pc}, nil
	}
}

// pionTransport pion PeerConnection 适配
type pionTransport struct {
	pc *webrtc.PeerConnection
}

func (t *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("创建Offer失败: %w", err)
	}
	return offer, nil
}

func (t *pionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("创建Answer失败: %w", err)
	}
	return answer, nil
}

func (t *pionTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	if err := t.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("设置LocalDescription失败: %w", err)
	}
	return nil
}

func (t *pionTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("设置RemoteDescription失败: %w", err)
	}
	return nil
}

func (t *pionTransport) RemoteDescriptionSet() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *pionTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if err := t.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("添加ICE候选失败: %w", err)
	}
	return nil
}

func (t *pionTransport) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			f(nil)
			return
		}
		init := c.ToJSON()
		f(&init)
	})
}

func (t *pionTransport) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(f)
}

func (t *pionTransport) OnDataChannel(f func(DataChannel)) {
	t.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(&pionChannel{dc: dc})
	})
}

func (t *pionTransport) CreateDataChannel(label string) (DataChannel, error) {
	// 显式无序、不重传：丢包与乱序由上层的分层超时协议容忍
	ordered := false
	var maxRetransmits uint16
	dc, err := t.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return nil, fmt.Errorf("创建DataChannel失败: %w", err)
	}
	return &pionChannel{dc: dc}, nil
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}

// pionChannel pion DataChannel 适配
type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) Label() string { return c.dc.Label() }

func (c *pionChannel) Send(data []byte) error { return c.dc.Send(data) }

func (c *pionChannel) OnOpen(f func()) { c.dc.OnOpen(f) }

func (c *pionChannel) OnMessage(f func([]byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(msg.Data)
	})
}

func (c *pionChannel) OnClose(f func()) { c.dc.OnClose(f) }

func (c *pionChannel) ReadyState() webrtc.DataChannelState { return c.dc.ReadyState() }

func (c *pionChannel) Close() error { return c.dc.Close() }
