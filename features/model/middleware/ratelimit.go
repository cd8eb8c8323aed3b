// Package middleware provides model.Client middlewares. RateLimiter throttles
// generation calls with an adaptive tokens-per-minute budget that shrinks when
// the provider rate limits and grows back as calls succeed.
package middleware

import (
	"context"
	"strconv"
	"sync"
	"time"

	"goa.design/pulse/rmap"
	"golang.org/x/time/rate"

	"goa.design/agentsetup/runtime/setup/model"
)

type (
	// Options configures a RateLimiter.
	Options struct {
		// TokensPerMinute is the initial budget. Defaults to 60000.
		TokensPerMinute float64
		// MaxTokensPerMinute caps recovery. Defaults to TokensPerMinute.
		MaxTokensPerMinute float64
		// Shared, when set together with Key, coordinates the budget across
		// workers through a Pulse replicated map.
		Shared *rmap.Map
		// Key names the shared budget entry, typically the model identifier.
		Key string
	}

	// RateLimiter applies an additive-increase, multiplicative-decrease token
	// bucket in front of a model.Client. Build one per process and model.
	RateLimiter struct {
		mu      sync.Mutex
		limiter *rate.Limiter
		tpm     float64
		floor   float64
		ceiling float64
		step    float64
		// onChange publishes local budget changes to the shared map.
		onChange func(shrink bool)
	}

	limitedClient struct {
		next model.Client
		rl   *RateLimiter
	}

	// sharedBudget is the subset of rmap.Map used to coordinate workers.
	sharedBudget interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}
)

const (
	defaultTPM = 60000
	// charsPerToken approximates the prompt token count.
	charsPerToken = 3
	// overheadTokens covers provider framing and schema instructions.
	overheadTokens = 500
	sharedRetries  = 3
	sharedTimeout  = 2 * time.Second
)

// New returns a RateLimiter. When opts.Shared and opts.Key are set the budget
// is seeded in and kept in sync with the shared map until ctx is cancelled.
func New(ctx context.Context, opts Options) *RateLimiter {
	if opts.Shared != nil && opts.Key != "" {
		return newShared(ctx, opts.Shared, opts.Key, opts.TokensPerMinute, opts.MaxTokensPerMinute)
	}
	return newLocal(opts.TokensPerMinute, opts.MaxTokensPerMinute)
}

func newLocal(tpm, ceiling float64) *RateLimiter {
	if tpm <= 0 {
		tpm = defaultTPM
	}
	if ceiling < tpm {
		ceiling = tpm
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(tpm/60), int(tpm)),
		tpm:     tpm,
		floor:   max(tpm*0.1, 1),
		ceiling: ceiling,
		step:    max(tpm*0.05, 1),
	}
}

// Wrap returns a client that waits for budget before each call to next.
func (l *RateLimiter) Wrap(next model.Client) model.Client {
	return &limitedClient{next: next, rl: l}
}

// TokensPerMinute returns the current effective budget.
func (l *RateLimiter) TokensPerMinute() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tpm
}

func (c *limitedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := c.rl.limiter.WaitN(ctx, c.rl.cost(req)); err != nil {
		return nil, err
	}
	resp, err := c.next.Complete(ctx, req)
	switch {
	case err == nil:
		c.rl.adjust(false)
	case model.IsRateLimited(err):
		c.rl.adjust(true)
	}
	return resp, err
}

// cost estimates the tokens consumed by req. The estimate never exceeds the
// bucket size so large prompts wait for a full bucket instead of failing.
func (l *RateLimiter) cost(req *model.Request) int {
	n := overheadTokens
	if req != nil {
		n += (len(req.System) + len(req.Prompt)) / charsPerToken
	}
	if b := l.limiter.Burst(); n > b {
		n = b
	}
	return n
}

// adjust halves the budget on throttling and adds one step otherwise.
func (l *RateLimiter) adjust(shrink bool) {
	l.mu.Lock()
	next := l.tpm + l.step
	if shrink {
		next = l.tpm * 0.5
	}
	changed := l.set(next)
	cb := l.onChange
	l.mu.Unlock()
	if changed && cb != nil {
		cb(shrink)
	}
}

// set clamps tpm and applies it. Callers hold l.mu.
func (l *RateLimiter) set(tpm float64) bool {
	tpm = min(max(tpm, l.floor), l.ceiling)
	if tpm == l.tpm {
		return false
	}
	l.tpm = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60))
	l.limiter.SetBurst(int(tpm))
	return true
}

func newShared(ctx context.Context, m sharedBudget, key string, tpm, ceiling float64) *RateLimiter {
	if tpm <= 0 {
		tpm = defaultTPM
	}
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(tpm))); err != nil {
			return newLocal(tpm, ceiling)
		}
	}
	if v, ok := readBudget(m, key); ok {
		tpm = v
	}
	l := newLocal(tpm, ceiling)
	floor, step, top := l.floor, l.step, l.ceiling
	l.onChange = func(shrink bool) {
		if shrink {
			go updateShared(m, key, func(cur float64) float64 { return max(cur*0.5, floor) })
			return
		}
		go updateShared(m, key, func(cur float64) float64 { return min(cur+step, top) })
	}
	ch := m.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				if v, ok := readBudget(m, key); ok {
					l.mu.Lock()
					l.set(v)
					l.mu.Unlock()
				}
			}
		}
	}()
	return l
}

// updateShared applies fn to the shared budget with optimistic concurrency.
func updateShared(m sharedBudget, key string, fn func(float64) float64) {
	ctx, cancel := context.WithTimeout(context.Background(), sharedTimeout)
	defer cancel()
	for range sharedRetries {
		raw, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(raw, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := strconv.Itoa(int(fn(cur)))
		if next == raw {
			return
		}
		prev, err := m.TestAndSet(ctx, key, raw, next)
		if err != nil || prev == raw {
			return
		}
	}
}

func readBudget(m sharedBudget, key string) (float64, bool) {
	raw, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
