// Package hub 实现房间级的信令中继。
// 中继对载荷完全不透明：收到的信封原样转发给同房间的其他成员，
// 从不回送给发送者，也从不跨房间投递。
package hub

import (
	"encoding/json"

	"go.uber.org/zap"

	"peercdn/signal"
)

// envelope 一次待转发的广播
type envelope struct {
	roomID   string
	senderID string
	data     []byte
}

// Hub 房间与客户端注册表。所有状态变更和广播分发都由 Run 这
// 一个协程串行处理，避免交错修改。
type Hub struct {
	clients map[string]*client
	rooms   map[string]map[string]*client

	register   chan *client
	unregister chan *client
	broadcast  chan envelope
	done       chan struct{}

	log *zap.SugaredLogger
}

// New 创建中继
func New(log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		clients:    make(map[string]*client),
		rooms:      make(map[string]map[string]*client),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan envelope),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run 驱动中继，直到 Stop 被调用。注册、注销和广播
// 都经由这里串行执行。
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		case env := <-h.broadcast:
			h.relay(env)
		case <-h.done:
			for _, c := range h.clients {
				c.closeSend()
			}
			return
		}
	}
}

// Stop 停止中继并断开所有客户端
func (h *Hub) Stop() {
	close(h.done)
}

// addClient 登记客户端，房间不存在时惰性创建。
// 同一 id 重复接入时，旧连接被替换并断开。
func (h *Hub) addClient(c *client) {
	if old, ok := h.clients[c.id]; ok {
		h.removeClient(old)
	}

	h.clients[c.id] = c
	room, ok := h.rooms[c.room]
	if !ok {
		room = make(map[string]*client)
		h.rooms[c.room] = room
		h.log.Infow("创建房间", "room", c.room)
	}
	room[c.id] = c
	h.log.Infow("客户端接入", "id", c.id, "room", c.room, "members", len(room))
}

// removeClient 注销客户端，房间空了就移除房间
func (h *Hub) removeClient(c *client) {
	cur, ok := h.clients[c.id]
	if !ok || cur != c {
		return
	}
	delete(h.clients, c.id)
	if room, ok := h.rooms[c.room]; ok {
		delete(room, c.id)
		if len(room) == 0 {
			delete(h.rooms, c.room)
			h.log.Infow("移除空房间", "room", c.room)
		}
	}
	c.closeSend()
	h.log.Infow("客户端离开", "id", c.id, "room", c.room)
}

// relay 把信封转发给同房间除发送者以外的全部成员。
// 投递是尽力而为：某个成员的发送队列已满时直接将其断开，
// 绝不因此阻塞对其他成员的投递。
func (h *Hub) relay(env envelope) {
	room, ok := h.rooms[env.roomID]
	if !ok {
		return
	}
	for id, member := range room {
		if id == env.senderID {
			continue
		}
		select {
		case member.send <- env.data:
		default:
			h.log.Warnw("发送队列已满，强制断开", "id", id, "room", env.roomID)
			h.removeClient(member)
		}
	}
}

// ingest 校验入站消息并交给广播队列。发送者和房间以连接参数
// 为准，载荷本身不做任何解析。格式错误的消息记录后丢弃，连接
// 保持存活。
func (h *Hub) ingest(c *client, raw []byte) {
	var msg signal.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.log.Warnw("丢弃格式错误的信令消息", "id", c.id, "err", err)
		return
	}
	if !msg.Type.Valid() {
		h.log.Warnw("丢弃未知类型的信令消息", "id", c.id, "type", int(msg.Type))
		return
	}

	msg.SenderID = c.id
	msg.RoomID = c.room
	data, err := json.Marshal(&msg)
	if err != nil {
		h.log.Warnw("重编码信令消息失败", "id", c.id, "err", err)
		return
	}
	h.broadcast <- envelope{roomID: c.room, senderID: c.id, data: data}
}
