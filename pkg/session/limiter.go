package session

import (
	"golang.org/x/time/rate"
)

// sendLimiter throttles the outbound send path. RPS <= 0 with Burst == 0
// selects the defaults; RPS < 0 with any Burst disables limiting.
type sendLimiter struct {
	l *rate.Limiter
}

func newSendLimiter(rps float64, burst int) *sendLimiter {
	if rps < 0 {
		return &sendLimiter{}
	}
	if rps == 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &sendLimiter{l: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (s *sendLimiter) Allow() bool {
	if s.l == nil {
		return true
	}
	return s.l.Allow()
}
