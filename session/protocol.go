package session

// 数据通道上的内容交换协议，JSON 编码，按 type 字段分发

const (
	typeContentRequest  = "contentRequest"
	typeContentResponse = "contentResponse"
)

// ContentRequest 向对端索要一个 URL 的内容
type ContentRequest struct {
	Type        string `json:"type"`
	URL         string `json:"url"`
	RequesterID string `json:"requesterId"`
}

// ContentResponse 对端返回的内容
type ContentResponse struct {
	Type        string `json:"type"`
	URL         string `json:"url"`
	Content     string `json:"content"`
	ResponderID string `json:"responderId"`
}
