package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefault 默认值合法
func TestDefault(t *testing.T) {
	cfg := Default()
	cfg.ClientID = "x"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(64<<20), cfg.CacheCapacity)
	assert.Equal(t, 5, cfg.MaxPeers)
	assert.Equal(t, 3, cfg.PeerCandidates)
}

// TestLoadFromEnv 环境变量覆盖默认值
func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PEERCDN_RELAY_URL", "wss://relay.example.com/ws")
	t.Setenv("PEERCDN_ROOM", "site-9")
	t.Setenv("PEERCDN_MAX_PEERS", "8")
	t.Setenv("PEERCDN_CACHE_CAPACITY", "1048576")
	t.Setenv("PEERCDN_ENCRYPTION", "true")
	t.Setenv("PEERCDN_REQUEST_TIMEOUT", "3s")

	cfg := Load()
	assert.Equal(t, "wss://relay.example.com/ws", cfg.RelayURL)
	assert.Equal(t, "site-9", cfg.RoomID)
	assert.Equal(t, 8, cfg.MaxPeers)
	assert.Equal(t, int64(1<<20), cfg.CacheCapacity)
	assert.True(t, cfg.Encryption)
	assert.Equal(t, 3*time.Second, cfg.RequestTimeout)
}

// TestLoadIgnoresMalformedEnv 解析失败的环境变量取默认值
func TestLoadIgnoresMalformedEnv(t *testing.T) {
	t.Setenv("PEERCDN_MAX_PEERS", "not-a-number")
	t.Setenv("PEERCDN_REQUEST_TIMEOUT", "soon")

	cfg := Load()
	assert.Equal(t, 5, cfg.MaxPeers)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
}

// TestValidateRejectsBadValues 非法配置被拒绝
func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"空中继地址", func(c *Config) { c.RelayURL = "" }},
		{"空房间", func(c *Config) { c.RoomID = "" }},
		{"MaxPeers为零", func(c *Config) { c.MaxPeers = 0 }},
		{"候选数为零", func(c *Config) { c.PeerCandidates = 0 }},
		{"容量为零", func(c *Config) { c.CacheCapacity = 0 }},
		{"超时为零", func(c *Config) { c.RequestTimeout = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
