package dht

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

// TestDelay_Idle 测试空闲时只收最小延迟
func TestDelay_Idle(t *testing.T) {
	clk := clock.NewMock()
	d := NewDelay(clk)

	assert.Equal(t, minSendDelay, d.Next())

	// 实际时间追上计划时刻后仍是最小延迟
	clk.Add(time.Second)
	assert.Equal(t, minSendDelay, d.Next())

	t.Log("✅ 空闲发送延迟为最小值")
}

// TestDelay_Burst 测试突发时延迟线性增长
func TestDelay_Burst(t *testing.T) {
	clk := clock.NewMock()
	d := NewDelay(clk)

	// 第一次：空闲路径，计划时刻推进 minSendDelay
	assert.Equal(t, minSendDelay, d.Next())

	// 同一时刻连续请求：每次多积压一个 maxSendDelay
	assert.Equal(t, minSendDelay+maxSendDelay, d.Next())
	assert.Equal(t, minSendDelay+2*maxSendDelay, d.Next())
	assert.Equal(t, minSendDelay+3*maxSendDelay, d.Next())

	t.Log("✅ 突发发送延迟线性增长")
}

// TestDelay_Recovery 测试积压消化后回到最小延迟
func TestDelay_Recovery(t *testing.T) {
	clk := clock.NewMock()
	d := NewDelay(clk)

	for i := 0; i < 10; i++ {
		d.Next()
	}

	// 等待超过全部积压
	clk.Add(time.Minute)
	assert.Equal(t, minSendDelay, d.Next())
}

// TestDelay_Bounds 测试延迟上下界
func TestDelay_Bounds(t *testing.T) {
	clk := clock.NewMock()
	d := NewDelay(clk)

	for i := 0; i < 100; i++ {
		got := d.Next()
		assert.GreaterOrEqual(t, got, minSendDelay)
		clk.Add(maxSendDelay / 2)
	}
}
