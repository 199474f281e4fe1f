package dht

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// minSendDelay 最小发送间隔
	minSendDelay = 10 * time.Microsecond

	// maxSendDelay 最大发送间隔
	maxSendDelay = time.Millisecond
)

// Delay 发送节流器
//
// 为出站报文维护一个虚拟发送时刻：发送落后于计划时只收取最小延迟，
// 发送密集时延迟随积压线性增长，把突发摊平成受控的发送节奏。
type Delay struct {
	mu sync.Mutex

	// next 下一次允许发送的虚拟时刻
	next time.Time

	// clock 时间源
	clock clock.Clock
}

// NewDelay 创建发送节流器
func NewDelay(clk clock.Clock) *Delay {
	return &Delay{
		next:  clk.Now(),
		clock: clk,
	}
}

// Next 返回本次发送前应等待的时长
//
// 当前时刻已追上计划时刻时返回最小延迟并小步推进计划；
// 否则返回积压量加最大延迟，并把计划时刻推进一个最大延迟。
func (d *Delay) Next() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if !now.Before(d.next) {
		d.next = now.Add(minSendDelay)
		return minSendDelay
	}

	delay := d.next.Sub(now) + maxSendDelay
	d.next = d.next.Add(maxSendDelay)
	return delay
}
