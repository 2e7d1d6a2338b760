package server

import (
	"sync"
	"time"

	"dmsync/internal/events"
)

// Rate limits per minute
type RateLimits struct {
	MaxTypingEvents int
	MaxSends        int
	MaxPingMessages int
}

var DefaultRateLimits = RateLimits{
	MaxTypingEvents: 60,
	MaxSends:        60,
	MaxPingMessages: 60,
}

// ClientRateLimiter tracks rate limits per client
type ClientRateLimiter struct {
	limits       RateLimits
	typingTokens int
	sendTokens   int
	pingTokens   int
	lastRefill   time.Time
	now          func() time.Time
	mu           sync.Mutex
}

func NewClientRateLimiter(limits RateLimits) *ClientRateLimiter {
	rl := &ClientRateLimiter{limits: limits, now: time.Now}
	rl.refillTokens()
	rl.lastRefill = rl.now()
	return rl
}

func (rl *ClientRateLimiter) Allow(frameType events.FrameType) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastRefill) >= time.Minute {
		rl.refillTokens()
		rl.lastRefill = now
	}

	switch frameType {
	case events.FrameTyping, events.FrameStopTyping:
		if rl.typingTokens > 0 {
			rl.typingTokens--
			return true
		}
	case events.FrameSendMessage:
		if rl.sendTokens > 0 {
			rl.sendTokens--
			return true
		}
	case events.FramePing:
		if rl.pingTokens > 0 {
			rl.pingTokens--
			return true
		}
	}
	return false
}

func (rl *ClientRateLimiter) refillTokens() {
	rl.typingTokens = rl.limits.MaxTypingEvents
	rl.sendTokens = rl.limits.MaxSends
	rl.pingTokens = rl.limits.MaxPingMessages
}
