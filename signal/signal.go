// Package signal 定义中继服务器与节点之间的信令消息格式。
// 中继服务器只转发信封，从不解析 Payload 的内容。
package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"
)

// MessageType 信令消息类型
type MessageType int

const (
	Offer MessageType = iota
	Answer
	IceCandidate
	PeerDiscovery
	Heartbeat  // 保留值，协议中声明但不产生也不消费
	Unregister // 保留值，协议中声明但不产生也不消费
	Register
)

// String 返回消息类型的可读名称
func (t MessageType) String() string {
	switch t {
	case Offer:
		return "offer"
	case Answer:
		return "answer"
	case IceCandidate:
		return "iceCandidate"
	case PeerDiscovery:
		return "peerDiscovery"
	case Heartbeat:
		return "heartbeat"
	case Unregister:
		return "unregister"
	case Register:
		return "register"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Valid 判断消息类型是否在协议声明的范围内
func (t MessageType) Valid() bool {
	return t >= Offer && t <= Register
}

// Message 信令信封，经中继服务器逐字转发给同房间的其他成员
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	SenderID  string          `json:"senderId"`
	Timestamp time.Time       `json:"timestamp"`
	RoomID    string          `json:"roomId"`
}

// Capabilities 节点声明的能力，随 Register/PeerDiscovery 广播
type Capabilities struct {
	UploadBandwidth int64 `json:"uploadBandwidth"` // 字节/秒
	StorageBudget   int64 `json:"storageBudget"`   // 字节
}

// SDPPayload Offer/Answer 的载荷，Target 指定目标节点
type SDPPayload struct {
	Target string                    `json:"target"`
	SDP    webrtc.SessionDescription `json:"sdp"`
}

// CandidatePayload IceCandidate 的载荷
type CandidatePayload struct {
	Target    string                  `json:"target"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// AnnouncePayload Register/PeerDiscovery 的载荷
type AnnouncePayload struct {
	ID           string       `json:"id"`
	Capabilities Capabilities `json:"capabilities"`
}

// New 构造一条带时间戳的信令消息，payload 会被序列化为不透明 JSON
func New(t MessageType, senderID, roomID string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("序列化载荷失败: %w", err)
	}
	return Message{
		Type:      t,
		Payload:   raw,
		SenderID:  senderID,
		Timestamp: time.Now().UTC(),
		RoomID:    roomID,
	}, nil
}

// DecodePayload 将消息载荷解析到目标结构
func DecodePayload(msg Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("解析 %s 载荷失败: %w", msg.Type, err)
	}
	return nil
}
