package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercdn/signal"
)

// TestAddRemove 测试注册与移除
func TestAddRemove(t *testing.T) {
	r := New()

	r.Add("a", signal.Capabilities{UploadBandwidth: 100})
	r.Add("b", signal.Capabilities{})
	assert.Equal(t, 2, r.Len())

	info, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, int64(100), info.Capabilities.UploadBandwidth)

	r.Remove("a")
	assert.Equal(t, 1, r.Len())
	_, ok = r.Get("a")
	assert.False(t, ok)
}

// TestAddKeepsPosition 重复注册只更新能力，不改变插入位置
func TestAddKeepsPosition(t *testing.T) {
	r := New()

	r.Add("a", signal.Capabilities{})
	r.Add("b", signal.Capabilities{})
	r.Add("a", signal.Capabilities{UploadBandwidth: 5})

	peers := r.Peers()
	require.Len(t, peers, 2)
	assert.Equal(t, "a", peers[0].ID)
	assert.Equal(t, int64(5), peers[0].Capabilities.UploadBandwidth)
	assert.Equal(t, "b", peers[1].ID)
}

// TestFirstK 基线策略按插入顺序取前 K 个
func TestFirstK(t *testing.T) {
	r := New()
	r.Add("c", signal.Capabilities{})
	r.Add("a", signal.Capabilities{})
	r.Add("b", signal.Capabilities{})

	selected := FirstK{}.Select("/x.js", r.Peers(), 2)
	assert.Equal(t, []string{"c", "a"}, selected)

	// K 超过节点数时全部返回
	selected = FirstK{}.Select("/x.js", r.Peers(), 10)
	assert.Equal(t, []string{"c", "a", "b"}, selected)
}

// TestScoredRanking 打分策略按带宽、可靠度、持有与负载排序
func TestScoredRanking(t *testing.T) {
	r := New()
	r.Add("slow", signal.Capabilities{UploadBandwidth: 6 << 20})
	r.Add("fast", signal.Capabilities{UploadBandwidth: 10 << 20})

	strategy := Scored{}
	selected := strategy.Select("/x.js", r.Peers(), 2)
	assert.Equal(t, []string{"fast", "slow"}, selected)

	// 内容持有可以反超较小的带宽差距
	strategy = Scored{Possession: func(id, url string) bool { return id == "slow" }}
	selected = strategy.Select("/x.js", r.Peers(), 2)
	assert.Equal(t, "slow", selected[0])
}

// TestScoredLoadPenalty 在途请求产生负载惩罚
func TestScoredLoadPenalty(t *testing.T) {
	r := New()
	r.Add("busy", signal.Capabilities{UploadBandwidth: 10 << 20})
	r.Add("idle", signal.Capabilities{UploadBandwidth: 10 << 20})

	for i := 0; i < 5; i++ {
		r.AddLoad("busy", 1)
	}

	selected := Scored{}.Select("/x.js", r.Peers(), 1)
	assert.Equal(t, []string{"idle"}, selected)
}

// TestReliabilityAdjust 成功提升、失败降低可靠度
func TestReliabilityAdjust(t *testing.T) {
	r := New()
	r.Add("p", signal.Capabilities{})

	before, _ := r.Get("p")
	r.MarkSuccess("p")
	afterSuccess, _ := r.Get("p")
	assert.Greater(t, afterSuccess.Reliability, before.Reliability)

	r.MarkFailure("p")
	r.MarkFailure("p")
	afterFailure, _ := r.Get("p")
	assert.Less(t, afterFailure.Reliability, afterSuccess.Reliability)
}

// TestAddLoadFloor 在途计数不会降到负数
func TestAddLoadFloor(t *testing.T) {
	r := New()
	r.Add("p", signal.Capabilities{})

	r.AddLoad("p", -3)
	info, _ := r.Get("p")
	assert.Equal(t, 0, info.InFlight)
}
