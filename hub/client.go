package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendQueueSize = 256
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 54 * time.Second
)

// client 一条已接入的客户端连接
type client struct {
	id   string
	room string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
}

// closeSend 关闭发送队列，令 writePump 退出并关闭连接
func (c *client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump 读取客户端消息并交给中继，连接断开时注销
func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warnw("读取失败", "id", c.id, "err", err)
			}
			return
		}
		h.ingest(c, raw)
	}
}

// writePump 把发送队列写到连接上，并定期发送 ping 维持连接
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Server 中继的 HTTP 接入层
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      *zap.SugaredLogger
}

// NewServer 创建接入层
func NewServer(h *Hub, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源
			},
		},
		log: log,
	}
}

// ServeHTTP 升级 WebSocket 连接，客户端通过 ?id=&room= 标识自己
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("WebSocket升级失败", "err", err)
		return
	}

	clientID := r.URL.Query().Get("id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		roomID = "default"
	}

	c := &client{
		id:   clientID,
		room: roomID,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
	}

	s.hub.register <- c

	go c.writePump()
	go c.readPump(s.hub)
}

// Start 启动中继服务，阻塞直到监听失败
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("peercdn 信令中继运行中\n"))
	})

	s.log.Infow("信令中继启动", "addr", addr)
	return (&http.Server{Addr: addr, Handler: mux}).ListenAndServe()
}
