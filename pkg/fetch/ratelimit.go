package fetch

import (
	"sync"
	"time"
)

// RateLimits tracks, per provider, the earliest time the provider may be
// contacted again. Entries expire implicitly once the retry time passes.
type RateLimits struct {
	mu      sync.Mutex
	retryAt map[string]time.Time
}

// NewRateLimits returns an empty registry.
func NewRateLimits() *RateLimits {
	return &RateLimits{retryAt: make(map[string]time.Time)}
}

// LockedUntil reports whether the provider is currently locked out and, if
// so, until when. Expired lockouts are cleared on read.
func (r *RateLimits) LockedUntil(provider string, now time.Time) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.retryAt[provider]
	if !ok {
		return time.Time{}, false
	}
	if !now.Before(at) {
		delete(r.retryAt, provider)
		return time.Time{}, false
	}
	return at, true
}

// Lock registers a lockout for the provider until the given time. A lockout
// already extending further is kept.
func (r *RateLimits) Lock(provider string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.retryAt[provider]; ok && cur.After(until) {
		return
	}
	r.retryAt[provider] = until
}
