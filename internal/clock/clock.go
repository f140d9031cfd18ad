// Package clock 提供可替换的时间源，倒计时与定时器在测试中使用 Fake 驱动
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer 可取消的定时器
type Timer interface {
	// Stop 取消定时器，返回 false 表示已触发或已取消
	Stop() bool
}

// Clock 时间源
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// NowMs 当前时间（epoch 毫秒）
func NowMs(c Clock) int64 {
	return c.Now().UnixMilli()
}

// Real 系统时钟
type Real struct{}

// Now 当前时间
func (Real) Now() time.Time { return time.Now() }

// AfterFunc d 之后在独立 goroutine 中执行 f
func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Fake 手动推进的时钟，定时器在 Advance 的调用 goroutine 中同步触发
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *Fake
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

// NewFake 创建从 start 开始的假时钟
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now 当前时间
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc 注册定时器
func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance 推进时间，按到期顺序触发途经的定时器（包括回调中新注册的定时器）
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		next := c.nextDue(target)
		if next == nil {
			break
		}
		c.now = next.at
		next.fired = true
		c.mu.Unlock()
		next.f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// Pending 尚未触发且未取消的定时器数量
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// nextDue 取出最早到期的定时器，调用方持有锁
func (c *Fake) nextDue(target time.Time) *fakeTimer {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	c.timers = live
	if len(live) == 0 {
		return nil
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].at.Equal(live[j].at) {
			return live[i].seq < live[j].seq
		}
		return live[i].at.Before(live[j].at)
	})
	if live[0].at.After(target) {
		return nil
	}
	return live[0]
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
