// Package signaling 实现连接中继服务器的客户端。
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peercdn/signal"
)

// ErrRelayClosed 中继连接已断开，调用方需要重新注册
var ErrRelayClosed = errors.New("中继连接已断开")

const writeWait = 10 * time.Second

// Client 中继客户端，通过一条持久 WebSocket 收发信令消息
type Client struct {
	conn *websocket.Conn
	send chan signal.Message
	recv chan signal.Message
	errs chan error
	log  *zap.SugaredLogger

	closeOnce sync.Once
}

// Options 连接参数
type Options struct {
	ClientID string
	RoomID   string
	// Secure 为 true 时强制使用 wss
	Secure bool
}

// Dial 连接中继服务器，连接地址携带 ?id=&room= 参数
func Dial(ctx context.Context, relayURL string, opts Options, log *zap.SugaredLogger) (*Client, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("解析中继地址失败: %w", err)
	}

	// 统一为 WebSocket 协议
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if opts.Secure {
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}

	q := u.Query()
	q.Set("id", opts.ClientID)
	q.Set("room", opts.RoomID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("连接中继服务器失败: %w", err)
	}

	c := &Client{
		conn: conn,
		send: make(chan signal.Message, 256),
		recv: make(chan signal.Message, 256),
		errs: make(chan error, 1),
		log:  log,
	}

	go c.readPump()
	go c.writePump()

	return c, nil
}

// readPump 读取中继下发的消息。连接断开时关闭 recv，
// 调用方据此感知中继丢失并重新注册。
func (c *Client) readPump() {
	defer close(c.recv)

	for {
		var msg signal.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case c.errs <- fmt.Errorf("%w: %v", ErrRelayClosed, err):
			default:
			}
			return
		}
		c.recv <- msg
	}
}

// writePump 把待发消息写到连接上
func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(&msg); err != nil {
			c.log.Warnw("发送信令消息失败", "err", err)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Send 发送消息，队列已满时丢弃并告警，从不阻塞
func (c *Client) Send(msg signal.Message) {
	select {
	case c.send <- msg:
	default:
		c.log.Warnw("信令发送队列已满，丢弃消息", "type", msg.Type.String())
	}
}

// Recv 返回入站消息通道，连接断开时通道被关闭
func (c *Client) Recv() <-chan signal.Message {
	return c.recv
}

// Err 返回连接级错误通道
func (c *Client) Err() <-chan error {
	return c.errs
}

// Close 关闭连接
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.send)
	})
	return c.conn.Close()
}
