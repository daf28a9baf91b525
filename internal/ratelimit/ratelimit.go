// Package ratelimit implements a token-bucket QPS throttle, adapted from
// danmarg-outtake's lib/ratelimit.go. The Gmail Source uses it to stay well
// clear of Gmail's per-user quota proactively, so the reactive 429/backoff
// policy in internal/retry is a safety net rather than the primary
// throttle.
package ratelimit

import "time"

// windows is how many refill periods' worth of tokens the bucket holds at
// once; kept at 1 so TryGet/Get never hand out more than one period's
// worth of burst.
const windows = 1

// Limiter refills Rate tokens every Period once Start is called.
type Limiter struct {
	Period time.Duration
	Rate   uint

	toks   chan struct{}
	stop   chan struct{}
}

// Start begins refilling the bucket in the background. Safe to call once.
func (l *Limiter) Start() {
	if l.toks == nil {
		l.toks = make(chan struct{}, windows*l.Rate)
	}
	l.stop = make(chan struct{})
	go func() {
		for {
			for i := uint(0); i < l.Rate; i++ {
				select {
				case l.toks <- struct{}{}:
				case <-l.stop:
					return
				}
			}
			select {
			case <-time.After(l.Period):
			case <-l.stop:
				return
			}
		}
	}()
}

// Stop halts refilling. Outstanding tokens remain available via TryGet.
func (l *Limiter) Stop() {
	if l.stop != nil {
		close(l.stop)
	}
}

// Get blocks until a token is available.
func (l *Limiter) Get() {
	<-l.toks
}

// TryGet returns true and consumes a token if one is immediately
// available, false otherwise.
func (l *Limiter) TryGet() bool {
	select {
	case <-l.toks:
		return true
	default:
		return false
	}
}
