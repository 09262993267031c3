package cls

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stleox/seetrace/pkg/tracer"

	r "github.com/stretchr/testify/require"
)

func TestStore_Get_Unbound(t *testing.T) {
	s := New()
	r.Equal(t, tracer.UncorrelatedSpan, s.Get(context.Background()))
}

func TestStore_Get_Disabled(t *testing.T) {
	var nilStore *Store
	r.Equal(t, tracer.UntracedSpan, nilStore.Get(context.Background()))

	s := New()
	root := mockRoot()
	ctx := s.Set(context.Background(), root)
	s.Destroy()
	r.False(t, s.Enabled())
	r.Equal(t, tracer.UntracedSpan, s.Get(ctx))
}

func TestStore_SetGet(t *testing.T) {
	s := New()
	root := mockRoot()
	ctx := s.Set(context.Background(), root)

	r.Equal(t, tracer.RootContext(root), s.Get(ctx))

	// derived contexts see it too
	derived, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	r.Equal(t, tracer.RootContext(root), s.Get(derived))

	// the parent is untouched
	r.Equal(t, tracer.UncorrelatedSpan, s.Get(context.Background()))
}

func TestStore_Shadow(t *testing.T) {
	s := New()
	outer := s.Set(context.Background(), mockRoot())
	inner := s.Set(outer, tracer.UntracedSpan)

	r.Equal(t, tracer.UntracedSpan, s.Get(inner))
	r.Equal(t, tracer.SpanTypeRoot, s.Get(outer).Type())
}

func TestStore_Clear(t *testing.T) {
	s := New()
	ctx := s.Set(context.Background(), mockRoot())
	ctx = s.Clear(ctx)
	r.Equal(t, tracer.UncorrelatedSpan, s.Get(ctx))
}

func TestStore_Bind(t *testing.T) {
	s := New()
	root := mockRoot()
	ctx := WithSpan(s.Set(context.Background(), root), root)

	var got tracer.RootContext
	var span tracer.SpanData
	bound := s.Bind(ctx, func(inner context.Context) {
		got = s.Get(inner)
		span, _ = SpanFrom(inner)
	})

	// invoked later from a context that lost propagation
	bound(context.Background())
	r.Equal(t, tracer.RootContext(root), got)
	r.Equal(t, tracer.SpanData(root), span)
}

func TestStore_Go(t *testing.T) {
	s := New()
	root := mockRoot()
	ctx, cancel := context.WithCancel(s.Set(context.Background(), root))

	var wg sync.WaitGroup
	wg.Add(1)
	var got tracer.RootContext
	var ctxErr error
	cancel()
	s.Go(ctx, func(inner context.Context) {
		defer wg.Done()
		got = s.Get(inner)
		ctxErr = inner.Err()
	})
	wg.Wait()

	r.Equal(t, tracer.RootContext(root), got)
	r.NoError(t, ctxErr)
}

func TestStore_SpanFrom(t *testing.T) {
	_, ok := SpanFrom(context.Background())
	r.False(t, ok)

	root := mockRoot()
	span, ok := SpanFrom(WithSpan(context.Background(), root))
	r.True(t, ok)
	r.Equal(t, tracer.SpanData(root), span)
}

//mockers

func mockRoot() *tracer.RootSpanData {
	return tracer.NewRootSpanData(&tracer.Options{}, tracer.NewTrace(""), "root", "", 0)
}
