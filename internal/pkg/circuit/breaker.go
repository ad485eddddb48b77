package circuit

import (
	"errors"
	"sync"
	"time"

	"council/internal/logger"
)

// ErrOpen 表示熔断器处于打开状态，调用被拒绝。
var ErrOpen = errors.New("circuit open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker 以连续失败次数熔断某个后端；冷却期后放行一次探测调用。
type Breaker struct {
	mu            sync.Mutex
	name          string
	state         State
	failures      int
	threshold     int
	cooldown      time.Duration
	openedAt      time.Time
	probing       bool
	now           func() time.Time
	onStateChange func(name string, from, to State)
}

// New 创建熔断器；threshold <= 0 时永不熔断。
func New(name string, threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		now:       time.Now,
	}
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OnStateChange 注册状态变更回调，回调在锁外同步执行。
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Allow 判断是否放行本次调用；半开状态下同一时刻只放行一个探测。
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var notify func()
	allowed := true
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			allowed = false
			break
		}
		notify = b.transition(StateHalfOpen)
		b.probing = true
	case StateHalfOpen:
		if b.probing {
			allowed = false
		} else {
			b.probing = true
		}
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
	return allowed
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var notify func()
	b.failures = 0
	b.probing = false
	if b.state != StateClosed {
		notify = b.transition(StateClosed)
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var notify func()
	b.failures++
	b.probing = false
	switch b.state {
	case StateClosed:
		if b.threshold > 0 && b.failures >= b.threshold {
			b.openedAt = b.now()
			notify = b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.openedAt = b.now()
		notify = b.transition(StateOpen)
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// transition 需持有锁调用，返回需在锁外执行的通知。
func (b *Breaker) transition(to State) func() {
	from := b.state
	b.state = to
	failures := b.failures
	handler := b.onStateChange
	return func() {
		if handler != nil {
			handler(b.name, from, to)
			return
		}
		logger.Warnf("后端熔断器 %s 状态变更: %s -> %s (failures=%d/%d, cooldown=%s)",
			b.name, from, to, failures, b.threshold, b.cooldown)
	}
}
