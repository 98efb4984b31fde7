package session

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubTransport 最小传输桩，只用于状态机测试
type stubTransport struct{}

func (stubTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{}, nil
}
func (stubTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{}, nil
}
func (stubTransport) SetLocalDescription(webrtc.SessionDescription) error      { return nil }
func (stubTransport) SetRemoteDescription(webrtc.SessionDescription) error     { return nil }
func (stubTransport) RemoteDescriptionSet() bool                               { return false }
func (stubTransport) AddICECandidate(webrtc.ICECandidateInit) error            { return nil }
func (stubTransport) OnICECandidate(func(*webrtc.ICECandidateInit))            {}
func (stubTransport) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}
func (stubTransport) OnDataChannel(func(DataChannel))                          {}
func (stubTransport) CreateDataChannel(string) (DataChannel, error)            { return nil, nil }
func (stubTransport) Close() error                                             { return nil }

// TestStateForwardOnly 状态只向前推进，不允许回退
func TestStateForwardOnly(t *testing.T) {
	s := newSession("x", stubTransport{}, true, zap.NewNop().Sugar())
	assert.Equal(t, StateNew, s.State())

	require.True(t, s.advance(StateConnecting))
	require.True(t, s.advance(StateOpen))

	assert.False(t, s.advance(StateConnecting), "不允许从 open 回退")
	assert.False(t, s.advance(StateNew))
	assert.Equal(t, StateOpen, s.State())

	require.True(t, s.advance(StateFailed))
	assert.False(t, s.advance(StateDisconnected), "终止路径上同样不允许回退")
	require.True(t, s.advance(StateClosed))
	assert.False(t, s.advance(StateClosed))
}

// TestStateString 状态名称
func TestStateString(t *testing.T) {
	names := map[State]string{
		StateNew:          "new",
		StateConnecting:   "connecting",
		StateOpen:         "open",
		StateDisconnected: "disconnected",
		StateFailed:       "failed",
		StateClosed:       "closed",
	}
	for state, want := range names {
		assert.Equal(t, want, state.String())
	}
	assert.Equal(t, "invalid", State(99).String())
}

// TestSendRequiresOpenChannel 通道未打开时发送被丢弃并报错
func TestSendRequiresOpenChannel(t *testing.T) {
	s := newSession("x", stubTransport{}, true, zap.NewNop().Sugar())
	err := s.send([]byte("data"))
	assert.ErrorIs(t, err, ErrChannelNotOpen)
}
