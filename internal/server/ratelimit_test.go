package server

import (
	"testing"
	"time"

	"dmsync/internal/events"

	"github.com/stretchr/testify/assert"
)

func TestClientRateLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewClientRateLimiter(RateLimits{MaxTypingEvents: 2, MaxSends: 1, MaxPingMessages: 1})
	rl.now = func() time.Time { return now }
	rl.lastRefill = now

	assert.True(t, rl.Allow(events.FrameTyping))
	assert.True(t, rl.Allow(events.FrameStopTyping))
	assert.False(t, rl.Allow(events.FrameTyping), "typing and stop_typing share a bucket")

	assert.True(t, rl.Allow(events.FrameSendMessage))
	assert.False(t, rl.Allow(events.FrameSendMessage))
	assert.True(t, rl.Allow(events.FramePing))

	now = now.Add(time.Minute)
	assert.True(t, rl.Allow(events.FrameSendMessage))
	assert.True(t, rl.Allow(events.FrameTyping))
}
