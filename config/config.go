// Package config 节点配置，环境变量加载并带默认值。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config 节点配置面
type Config struct {
	// RelayURL 信令中继地址
	RelayURL string
	// RoomID 站点/房间标识
	RoomID string
	// ClientID 客户端标识，留空时自动生成
	ClientID string

	// MaxPeers 主动发起的会话数上限
	MaxPeers int
	// PeerCandidates 对等层每次请求最多尝试的候选数
	PeerCandidates int
	// CacheCapacity 缓存容量（字节）
	CacheCapacity int64
	// Encryption 为 true 时中继连接强制使用 wss
	Encryption bool
	// RetryAttempts 源站层重试次数
	RetryAttempts int
	// RequestTimeout 单个对等请求的等待上限
	RequestTimeout time.Duration

	// STUNServer / TURNServer ICE 服务器地址，可为空
	STUNServer     string
	TURNServer     string
	TURNUsername   string
	TURNCredential string

	// UploadBandwidth / StorageBudget 向房间声明的能力
	UploadBandwidth int64
	StorageBudget   int64
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		RelayURL:       "ws://localhost:8080/ws",
		RoomID:         "default",
		MaxPeers:       5,
		PeerCandidates: 3,
		CacheCapacity:  64 << 20, // 64MB
		RetryAttempts:  3,
		RequestTimeout: 10 * time.Second,
	}
}

// Load 从环境变量加载配置，未设置的项取默认值
func Load() *Config {
	cfg := Default()
	cfg.RelayURL = getEnv("PEERCDN_RELAY_URL", cfg.RelayURL)
	cfg.RoomID = getEnv("PEERCDN_ROOM", cfg.RoomID)
	cfg.ClientID = getEnv("PEERCDN_CLIENT_ID", cfg.ClientID)
	cfg.MaxPeers = getEnvInt("PEERCDN_MAX_PEERS", cfg.MaxPeers)
	cfg.PeerCandidates = getEnvInt("PEERCDN_PEER_CANDIDATES", cfg.PeerCandidates)
	cfg.CacheCapacity = getEnvInt64("PEERCDN_CACHE_CAPACITY", cfg.CacheCapacity)
	cfg.Encryption = getEnvBool("PEERCDN_ENCRYPTION", cfg.Encryption)
	cfg.RetryAttempts = getEnvInt("PEERCDN_RETRY_ATTEMPTS", cfg.RetryAttempts)
	cfg.RequestTimeout = getEnvDuration("PEERCDN_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.STUNServer = getEnv("PEERCDN_STUN", cfg.STUNServer)
	cfg.TURNServer = getEnv("PEERCDN_TURN", cfg.TURNServer)
	cfg.TURNUsername = getEnv("PEERCDN_TURN_USERNAME", cfg.TURNUsername)
	cfg.TURNCredential = getEnv("PEERCDN_TURN_CREDENTIAL", cfg.TURNCredential)
	cfg.UploadBandwidth = getEnvInt64("PEERCDN_UPLOAD_BANDWIDTH", cfg.UploadBandwidth)
	cfg.StorageBudget = getEnvInt64("PEERCDN_STORAGE_BUDGET", cfg.StorageBudget)
	return cfg
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("中继地址不能为空")
	}
	if c.RoomID == "" {
		return fmt.Errorf("房间ID不能为空")
	}
	if c.MaxPeers <= 0 {
		return fmt.Errorf("MaxPeers 必须大于 0")
	}
	if c.PeerCandidates <= 0 {
		return fmt.Errorf("PeerCandidates 必须大于 0")
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("缓存容量必须大于 0")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("请求超时必须大于 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
