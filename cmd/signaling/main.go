package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peercdn/hub"
)

var version = "1.0.0"

func main() {
	var addr string

	rootCmd := &cobra.Command{
		Use:     "signaling",
		Short:   "peercdn 信令中继服务器",
		Long:    "房间级信令中继：原样转发信令消息，不解析内容，不持久化任何状态",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("初始化日志失败: %w", err)
			}
			defer logger.Sync()
			log := logger.Sugar()

			h := hub.New(log)
			go h.Run()
			defer h.Stop()

			return hub.NewServer(h, log).Start(addr)
		},
	}

	rootCmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "监听地址")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
