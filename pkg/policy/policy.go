package policy

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TracePolicy decides whether a new root span becomes a real span.
type TracePolicy interface {
	ShouldTrace(t time.Time, url string) bool
	Description() string
}

type TraceAllPolicy struct{}

func (TraceAllPolicy) ShouldTrace(time.Time, string) bool { return true }

func (TraceAllPolicy) Description() string { return "always trace" }

type TraceNonePolicy struct{}

func (TraceNonePolicy) ShouldTrace(time.Time, string) bool { return false }

func (TraceNonePolicy) Description() string { return "never trace" }

// RateLimiterPolicy admits at most one trace per 1/samplesPerSecond seconds.
// It bounds the interval between samples, not the rate under bursts.
type RateLimiterPolicy struct {
	samplesPerSecond float64
	window           time.Duration

	mu     sync.Mutex
	latest time.Time
	// first admissible time after the last admission, exact to the nanosecond
	next time.Time
	// burst 1: at most one admission per window
	limiter *rate.Limiter
}

// NewRateLimiterPolicy admits everything when samplesPerSecond <= 0.
func NewRateLimiterPolicy(samplesPerSecond float64) *RateLimiterPolicy {
	p := &RateLimiterPolicy{samplesPerSecond: samplesPerSecond}
	if samplesPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(samplesPerSecond), 1)
		p.window = time.Duration(float64(time.Second) / samplesPerSecond)
	}
	return p
}

func (p *RateLimiterPolicy) ShouldTrace(t time.Time, _ string) bool {
	if p.limiter == nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	// a backward clock jump of more than one window re-anchors the watermark at t
	if p.latest.Sub(t) > p.window {
		p.limiter.SetLimitAt(t, rate.Limit(p.samplesPerSecond))
		p.latest = t
		p.next = t.Add(p.window)
	} else if t.After(p.latest) {
		p.latest = t
	}
	if p.limiter.AllowN(t, 1) {
		p.next = t.Add(p.window)
		return true
	}
	if p.next.IsZero() || t.Before(p.next) {
		return false
	}
	// t reached the watermark but the limiter's float token count is a hair
	// short of one: restart it with the admission at t
	p.limiter = rate.NewLimiter(rate.Limit(p.samplesPerSecond), 1)
	p.limiter.AllowN(t, 1)
	p.next = t.Add(p.window)
	return true
}

func (p *RateLimiterPolicy) Description() string {
	if p.limiter == nil {
		return "always trace"
	}
	return fmt.Sprintf("at most %g traces per second", p.samplesPerSecond)
}

// FilterPolicy rejects URLs matched by any matcher and delegates the rest.
type FilterPolicy struct {
	base     TracePolicy
	matchers []URLMatcher
}

func NewFilterPolicy(base TracePolicy, matchers ...URLMatcher) *FilterPolicy {
	return &FilterPolicy{base: base, matchers: matchers}
}

func (p *FilterPolicy) ShouldTrace(t time.Time, url string) bool {
	for _, m := range p.matchers {
		if m.Match(url) {
			return false
		}
	}
	return p.base.ShouldTrace(t, url)
}

func (p *FilterPolicy) Description() string {
	return fmt.Sprintf("%s, ignoring %d url patterns", p.base.Description(), len(p.matchers))
}

type Config struct {
	// SamplingRate is in samples per second: 0 never samples, < 0 always does.
	SamplingRate float64
	IgnoreURLs   []string
	// IgnoreMatchers are appended after the parsed IgnoreURLs.
	IgnoreMatchers []URLMatcher
}

// CreateTracePolicy composes the policy described by cfg.
func CreateTracePolicy(cfg Config) (TracePolicy, error) {
	if cfg.SamplingRate == 0 {
		return TraceNonePolicy{}, nil
	}
	var base TracePolicy
	if cfg.SamplingRate < 0 {
		base = TraceAllPolicy{}
	} else {
		base = NewRateLimiterPolicy(cfg.SamplingRate)
	}

	matchers, err := ParseMatchers(cfg.IgnoreURLs)
	if err != nil {
		return nil, err
	}
	matchers = append(matchers, cfg.IgnoreMatchers...)
	if len(matchers) == 0 {
		return base, nil
	}
	return NewFilterPolicy(base, matchers...), nil
}
