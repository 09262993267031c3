// Package cls keeps the current root context of a logical request.
//
// Go has no continuation-local storage: the root context travels inside
// context.Context, so it follows every call and goroutine that is handed the
// request's ctx. Instrumentation adapters must re-bind it, with Bind or Go, at
// any boundary where the ctx is not passed along (callbacks registered with a
// library, worker pools fed through channels, timers).
package cls

import (
	"context"
	"sync/atomic"

	"github.com/stleox/seetrace/pkg/tracer"
)

type rootKey struct{}

type spanKey struct{}

// Store binds root contexts to context.Context values.
type Store struct {
	destroyed atomic.Bool
}

func New() *Store {
	return &Store{}
}

// Get returns the root context bound to ctx: UncorrelatedSpan when none was
// ever bound, UntracedSpan when the store is nil or destroyed.
func (s *Store) Get(ctx context.Context) tracer.RootContext {
	if !s.Enabled() {
		return tracer.UntracedSpan
	}
	if ctx == nil {
		return tracer.UncorrelatedSpan
	}
	rc, ok := ctx.Value(rootKey{}).(tracer.RootContext)
	if !ok || rc == nil {
		return tracer.UncorrelatedSpan
	}
	return rc
}

// Set binds rc to the returned context and everything derived from it.
func (s *Store) Set(ctx context.Context, rc tracer.RootContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if rc == nil {
		rc = tracer.UncorrelatedSpan
	}
	return context.WithValue(ctx, rootKey{}, rc)
}

// Clear binds UncorrelatedSpan, for test isolation.
func (s *Store) Clear(ctx context.Context) context.Context {
	return s.Set(ctx, tracer.UncorrelatedSpan)
}

// Destroy disables the store for good.
func (s *Store) Destroy() {
	if s != nil {
		s.destroyed.Store(true)
	}
}

func (s *Store) Enabled() bool {
	return s != nil && !s.destroyed.Load()
}

// WithSpan records span as the innermost real span of ctx, the parent of spans
// created from it.
func WithSpan(ctx context.Context, span tracer.SpanData) context.Context {
	return context.WithValue(ctx, spanKey{}, span)
}

func SpanFrom(ctx context.Context) (tracer.SpanData, bool) {
	if ctx == nil {
		return nil, false
	}
	span, ok := ctx.Value(spanKey{}).(tracer.SpanData)
	return span, ok && span != nil
}

// Bind captures the root context and current span of ctx and restores them
// onto whatever context fn is eventually invoked with.
func (s *Store) Bind(ctx context.Context, fn func(context.Context)) func(context.Context) {
	rc := s.Get(ctx)
	span, hasSpan := SpanFrom(ctx)
	return func(inner context.Context) {
		inner = s.Set(inner, rc)
		if hasSpan {
			inner = WithSpan(inner, span)
		}
		fn(inner)
	}
}

// Go runs fn on a new goroutine under the root context of ctx. The ctx's
// cancellation is dropped: the goroutine may outlive the request.
func (s *Store) Go(ctx context.Context, fn func(context.Context)) {
	bound := s.Bind(ctx, fn)
	detached := Detach(ctx)
	go bound(detached)
}

// Detach keeps the values of ctx but not its deadline or cancellation.
func Detach(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}
