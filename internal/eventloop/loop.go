// Package eventloop runs deferred tasks one at a time on a single goroutine.
package eventloop

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Loop is a cooperative task queue. Tasks posted with Post run in FIFO order on the
// next tick; tasks scheduled with AfterFunc join the queue once their deadline passes.
type Loop struct {
	clock clock.Clock
	log   *zap.Logger

	mu     sync.Mutex
	tasks  []func()
	timers timerHeap
	seq    uint64
	wake   chan struct{}
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock sets the time source used for AfterFunc deadlines.
func WithClock(c clock.Clock) Option {
	return func(l *Loop) {
		l.clock = c
	}
}

// WithLogger sets the logger used to report panicking tasks.
func WithLogger(log *zap.Logger) Option {
	return func(l *Loop) {
		l.log = log
	}
}

// New creates an idle loop. Drive it with Run or RunPending.
func New(opts ...Option) *Loop {
	l := &Loop{
		clock: clock.New(),
		log:   zap.NewNop(),
		wake:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Clock returns the loop's time source.
func (l *Loop) Clock() clock.Clock {
	return l.clock
}

// Post enqueues fn to run on the next tick.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.signal()
}

// AfterFunc enqueues fn once d has elapsed on the loop's clock.
func (l *Loop) AfterFunc(d time.Duration, fn func()) {
	l.mu.Lock()
	l.seq++
	heap.Push(&l.timers, &timer{at: l.clock.Now().Add(d), seq: l.seq, fn: fn})
	l.mu.Unlock()
	l.signal()
}

// Pending reports how many tasks and timers are waiting.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks) + len(l.timers)
}

// RunPending runs ready tasks and due timers on the calling goroutine until none
// remain, including tasks those tasks post. It returns the number of tasks run.
func (l *Loop) RunPending() int {
	n := 0
	for {
		l.mu.Lock()
		l.promoteLocked(l.clock.Now())
		if len(l.tasks) == 0 {
			l.mu.Unlock()
			return n
		}
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		l.exec(fn)
		n++
	}
}

// Run drives the loop until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunPending()

		var (
			t *clock.Timer
			c <-chan time.Time
		)
		if at, ok := l.nextDeadline(); ok {
			t = l.clock.Timer(at.Sub(l.clock.Now()))
			c = t.C
		}

		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			return ctx.Err()
		case <-l.wake:
		case <-c:
		}
		if t != nil {
			t.Stop()
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("event loop task panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

func (l *Loop) promoteLocked(now time.Time) {
	for len(l.timers) > 0 && !l.timers[0].at.After(now) {
		t := heap.Pop(&l.timers).(*timer)
		l.tasks = append(l.tasks, t.fn)
	}
}

func (l *Loop) nextDeadline() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 {
		return time.Time{}, false
	}
	return l.timers[0].at, true
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

type timer struct {
	at  time.Time
	seq uint64
	fn  func()
}

// timerHeap orders timers by deadline, then by scheduling order.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(*timer)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
