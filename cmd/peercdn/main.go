package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peercdn"
	"peercdn/config"
)

var version = "1.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "peercdn",
		Short:   "对等内容分发节点",
		Long:    "接入信令中继后与同房间的节点建立直连，按 缓存 → 对等节点 → 源站 的顺序解析内容请求",
		Version: version,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "接入房间并持续服务对端的内容请求",
		RunE:  runServe,
	}

	fetchCmd := &cobra.Command{
		Use:   "fetch [url...]",
		Short: "接入房间并解析指定的 URL",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runFetch,
	}

	for _, cmd := range []*cobra.Command{serveCmd, fetchCmd} {
		cmd.Flags().String("relay", "", "信令中继地址（默认取 PEERCDN_RELAY_URL）")
		cmd.Flags().String("room", "", "房间/站点ID")
		cmd.Flags().String("id", "", "客户端ID（默认自动生成）")
		cmd.Flags().Int("max-peers", 0, "主动连接的节点数上限")
		cmd.Flags().Int64("cache-size", 0, "缓存容量（字节）")
		cmd.Flags().Bool("secure", false, "中继连接强制使用 wss")
		cmd.Flags().Duration("timeout", 0, "单个对等请求的等待上限")
		cmd.Flags().String("stun", "", "STUN服务器地址（格式: host:port）")
		cmd.Flags().String("turn", "", "TURN服务器地址（格式: host:port）")
		cmd.Flags().Bool("debug", false, "显示调试日志")
	}
	fetchCmd.Flags().Duration("wait", 3*time.Second, "解析前等待对等连接建立的时间")

	rootCmd.AddCommand(serveCmd, fetchCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

// buildNode 汇总环境变量与命令行参数，创建节点
func buildNode(cmd *cobra.Command) (*peercdn.Node, *zap.SugaredLogger, error) {
	cfg := config.Load()

	if v, _ := cmd.Flags().GetString("relay"); v != "" {
		cfg.RelayURL = v
	}
	if v, _ := cmd.Flags().GetString("room"); v != "" {
		cfg.RoomID = v
	}
	if v, _ := cmd.Flags().GetString("id"); v != "" {
		cfg.ClientID = v
	}
	if v, _ := cmd.Flags().GetInt("max-peers"); v > 0 {
		cfg.MaxPeers = v
	}
	if v, _ := cmd.Flags().GetInt64("cache-size"); v > 0 {
		cfg.CacheCapacity = v
	}
	if v, _ := cmd.Flags().GetBool("secure"); v {
		cfg.Encryption = true
	}
	if v, _ := cmd.Flags().GetDuration("timeout"); v > 0 {
		cfg.RequestTimeout = v
	}
	if v, _ := cmd.Flags().GetString("stun"); v != "" {
		cfg.STUNServer = v
	}
	if v, _ := cmd.Flags().GetString("turn"); v != "" {
		cfg.TURNServer = v
	}

	debug, _ := cmd.Flags().GetBool("debug")
	var logger *zap.Logger
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	log := logger.Sugar()

	node, err := peercdn.New(cfg, peercdn.WithLogger(log))
	if err != nil {
		return nil, nil, err
	}
	return node, log, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	node, log, err := buildNode(cmd)
	if err != nil {
		return err
	}
	defer node.Close()

	if err := node.Initialize(cmd.Context()); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stop:
		log.Infow("收到退出信号")
	case <-node.Done():
		if err := node.Err(); err != nil {
			return err
		}
	}
	return nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	node, _, err := buildNode(cmd)
	if err != nil {
		return err
	}
	defer node.Close()

	ctx := cmd.Context()
	if err := node.Initialize(ctx); err != nil {
		return err
	}

	// 给对等连接留出建立时间，纯源站解析时可设为 0
	if wait, _ := cmd.Flags().GetDuration("wait"); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, url := range args {
		result, err := node.Fetch(ctx, url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", url, err)
			continue
		}
		fmt.Printf("%s  来源=%s  %d 字节\n", result.URL, result.Source, len(result.Content))
	}
	return nil
}
