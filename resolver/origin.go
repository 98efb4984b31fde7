package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPOrigin 基于 HTTP GET 的源站拉取原语
func HTTPOrigin(client *http.Client) OriginFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, url string) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("构造源站请求失败: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("请求源站失败: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("源站返回状态 %d", resp.StatusCode)
		}

		content, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("读取源站响应失败: %w", err)
		}
		return content, nil
	}
}
