package hub

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercdn/signal"
)

// newTestClient 不带真实连接的客户端，直接检查发送队列
func newTestClient(id, room string, queue int) *client {
	return &client{id: id, room: room, send: make(chan []byte, queue)}
}

// drain 取出客户端收到的全部消息
func drain(c *client) [][]byte {
	var out [][]byte
	for {
		select {
		case data := <-c.send:
			out = append(out, data)
		default:
			return out
		}
	}
}

// TestRelayNeverEchoesSender 消息从不回送给发送者，也不跨房间
func TestRelayNeverEchoesSender(t *testing.T) {
	h := New(nil)

	sender := newTestClient("a", "r1", 4)
	peer := newTestClient("b", "r1", 4)
	other := newTestClient("c", "r2", 4)
	h.addClient(sender)
	h.addClient(peer)
	h.addClient(other)

	h.relay(envelope{roomID: "r1", senderID: "a", data: []byte(`{"x":1}`)})

	assert.Len(t, drain(peer), 1, "同房间成员应收到消息")
	assert.Empty(t, drain(sender), "发送者不应收到自己的消息")
	assert.Empty(t, drain(other), "消息不应跨房间投递")
}

// TestRoomLifecycle 房间首次加入时惰性创建，最后一个成员离开时移除
func TestRoomLifecycle(t *testing.T) {
	h := New(nil)

	a := newTestClient("a", "r1", 4)
	b := newTestClient("b", "r1", 4)

	h.addClient(a)
	require.Contains(t, h.rooms, "r1")

	h.addClient(b)
	h.removeClient(a)
	assert.Contains(t, h.rooms, "r1", "还有成员时房间保留")

	h.removeClient(b)
	assert.NotContains(t, h.rooms, "r1", "最后一个成员离开后房间应被移除")
	assert.Empty(t, h.clients)
}

// TestFullQueueDisconnects 发送队列已满的成员被强制断开，
// 不影响对其他成员的投递
func TestFullQueueDisconnects(t *testing.T) {
	h := New(nil)

	stuck := newTestClient("stuck", "r1", 1)
	stuck.send <- []byte("backlog") // 填满队列
	healthy := newTestClient("healthy", "r1", 4)
	h.addClient(stuck)
	h.addClient(healthy)

	h.relay(envelope{roomID: "r1", senderID: "x", data: []byte(`{}`)})

	assert.NotContains(t, h.clients, "stuck", "队列已满的成员应被移除")
	assert.Len(t, drain(healthy), 1, "其他成员的投递不受影响")
}

// TestDuplicateIDReplacesOld 同一 id 重复接入时旧连接被替换
func TestDuplicateIDReplacesOld(t *testing.T) {
	h := New(nil)

	old := newTestClient("a", "r1", 4)
	h.addClient(old)
	replacement := newTestClient("a", "r1", 4)
	h.addClient(replacement)

	assert.Same(t, replacement, h.clients["a"])
	assert.Len(t, h.rooms["r1"], 1)
}

// TestIngestStampsSenderAndRoom 转发的信封以连接参数为准
func TestIngestStampsSenderAndRoom(t *testing.T) {
	h := New(nil)
	go h.Run()
	defer h.Stop()

	sender := newTestClient("real-id", "real-room", 4)
	peer := newTestClient("peer", "real-room", 4)
	h.register <- sender
	h.register <- peer

	msg, err := signal.New(signal.PeerDiscovery, "forged-id", "forged-room", signal.AnnouncePayload{ID: "forged-id"})
	require.NoError(t, err)
	raw, err := json.Marshal(&msg)
	require.NoError(t, err)

	h.ingest(sender, raw)

	data := <-peer.send
	var relayed signal.Message
	require.NoError(t, json.Unmarshal(data, &relayed))
	assert.Equal(t, "real-id", relayed.SenderID)
	assert.Equal(t, "real-room", relayed.RoomID)
	assert.Equal(t, signal.PeerDiscovery, relayed.Type)
}

// TestIngestDropsMalformed 格式错误的消息被丢弃，不进入广播
func TestIngestDropsMalformed(t *testing.T) {
	h := New(nil)
	go h.Run()
	defer h.Stop()

	sender := newTestClient("a", "r1", 4)
	peer := newTestClient("b", "r1", 4)
	h.register <- sender
	h.register <- peer

	h.ingest(sender, []byte("not json"))
	h.ingest(sender, []byte(`{"type":99,"payload":"{}"}`))

	// 发一条合法消息作为屏障，确认前两条没有被转发
	msg, err := signal.New(signal.Register, "a", "r1", signal.AnnouncePayload{ID: "a"})
	require.NoError(t, err)
	raw, err := json.Marshal(&msg)
	require.NoError(t, err)
	h.ingest(sender, raw)

	data := <-peer.send
	var relayed signal.Message
	require.NoError(t, json.Unmarshal(data, &relayed))
	assert.Equal(t, signal.Register, relayed.Type)
	assert.Empty(t, drain(peer), "格式错误的消息不应被转发")
}
