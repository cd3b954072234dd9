package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/batcontrol/batcontrol/pkg/log"
)

// defaultLockout is used when a 429/503 response carries no usable
// retry-after information.
const defaultLockout = 5 * time.Minute

// RateLimitedError is returned when a provider is locked out, either because
// the registry already held a lockout or because the upstream just answered
// 429/503.
type RateLimitedError struct {
	Provider string
	RetryAt  time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("provider %s rate limited until %s", e.Provider, e.RetryAt.Format(time.RFC3339))
}

// NetworkError wraps a transport-level failure talking to a provider. Callers
// decide whether to fall back to a cached payload.
type NetworkError struct {
	Provider string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("provider %s unreachable: %v", e.Provider, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Fetcher issues rate-limit-aware HTTP requests on behalf of providers. A
// random delay before each call (except the first per provider) spreads
// otherwise synchronized polling after a restart.
type Fetcher struct {
	client    *http.Client
	limits    *RateLimits
	maxJitter time.Duration

	mu     sync.Mutex
	called map[string]bool

	now func() time.Time
}

// NewFetcher returns a Fetcher using the given client. maxJitter bounds the
// random pre-call delay; zero disables jitter entirely.
func NewFetcher(client *http.Client, limits *RateLimits, maxJitter time.Duration) *Fetcher {
	return &Fetcher{
		client:    client,
		limits:    limits,
		maxJitter: maxJitter,
		called:    make(map[string]bool),
		now:       time.Now,
	}
}

// GetWithRateLimit executes req for the named provider. It returns the
// response body on 2xx, a *RateLimitedError on lockout or 429/503, and a
// *NetworkError on transport failure.
func (f *Fetcher) GetWithRateLimit(ctx context.Context, provider string, req *http.Request) ([]byte, error) {
	now := f.now()
	if at, locked := f.limits.LockedUntil(provider, now); locked {
		return nil, &RateLimitedError{Provider: provider, RetryAt: at}
	}

	if d := f.jitter(provider); d > 0 {
		log.Ctx(ctx).DebugContext(
			ctx,
			"delaying provider fetch",
			slog.String("provider", provider),
			slog.Duration("delay", d),
		)
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	resp, err := f.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, &NetworkError{Provider: provider, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		retryAt := parseRetryAt(resp.Header, f.now())
		f.limits.Lock(provider, retryAt)
		log.Ctx(ctx).WarnContext(
			ctx,
			"provider rate limited",
			slog.String("provider", provider),
			slog.Int("status", resp.StatusCode),
			slog.Time("retryAt", retryAt),
		)
		return nil, &RateLimitedError{Provider: provider, RetryAt: retryAt}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("provider %s returned status %d", provider, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Provider: provider, Err: err}
	}
	return body, nil
}

// jitter returns the random pre-call delay, skipping the first call per
// provider so startup fetches are not delayed.
func (f *Fetcher) jitter(provider string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.called[provider] {
		f.called[provider] = true
		return 0
	}
	if f.maxJitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(f.maxJitter)))
}

// parseRetryAt extracts a retry time from a 429/503 response. It understands
// X-Ratelimit-Retry-At (absolute unix seconds), Retry-After (delta seconds or
// HTTP-date), and any header with a -Reset suffix (unix seconds, or delta
// seconds for small values).
func parseRetryAt(h http.Header, now time.Time) time.Time {
	if v := h.Get("X-Ratelimit-Retry-At"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(epoch, 0)
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			return now.Add(time.Duration(secs) * time.Second)
		}
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	for name := range h {
		if !strings.HasSuffix(strings.ToLower(name), "-reset") {
			continue
		}
		v := h.Get(name)
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		// values near the current epoch are absolute, small ones are deltas
		if n > now.Unix()/2 {
			return time.Unix(n, 0)
		}
		return now.Add(time.Duration(n) * time.Second)
	}
	return now.Add(defaultLockout)
}
