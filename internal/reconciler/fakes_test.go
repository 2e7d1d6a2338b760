package reconciler

import (
	"context"
	"sync"
	"time"

	"dmsync/internal/domain/conversation"
	"dmsync/internal/domain/message"
	"dmsync/internal/events"
)

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fakeClock fires timers only from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

type recordingEmitter struct {
	mu     sync.Mutex
	frames []events.ClientFrame
	err    error
}

func (e *recordingEmitter) Emit(frame events.ClientFrame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.frames = append(e.frames, frame)
	return nil
}

func (e *recordingEmitter) count(t events.FrameType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, f := range e.frames {
		if f.Type() == t {
			n++
		}
	}
	return n
}

func (e *recordingEmitter) last() events.ClientFrame {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.frames) == 0 {
		return nil
	}
	return e.frames[len(e.frames)-1]
}

type stubHistory struct {
	mu            sync.Mutex
	conversations map[string][]message.Message
	peers         []conversation.Peer
	err           error
	calls         int
}

func (h *stubHistory) Conversation(ctx context.Context, userA, userB string) ([]message.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	return append([]message.Message(nil), h.conversations[conversation.PairKey(userA, userB)]...), nil
}

func (h *stubHistory) Peers(ctx context.Context) ([]conversation.Peer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	return h.peers, nil
}
