// Package agent is the entry point of instrumentation: it decides which
// requests are traced and hands out root and child spans.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"

	"github.com/stleox/seetrace/pkg/cls"
	"github.com/stleox/seetrace/pkg/config"
	"github.com/stleox/seetrace/pkg/metadata"
	"github.com/stleox/seetrace/pkg/policy"
	"github.com/stleox/seetrace/pkg/publish"
	"github.com/stleox/seetrace/pkg/tracer"
	"github.com/stleox/seetrace/pkg/writer"
)

var ErrAlreadyStarted = errors.New("agent: already started, set forceNew to restart")

// Deps are the collaborators of a started agent. Zero values are built from
// the config.
type Deps struct {
	Publisher      publish.Publisher
	Resolver       metadata.Resolver
	Logger         logrus.FieldLogger
	Registerer     prometheus.Registerer
	Clock          clockz.Clock
	IgnoreMatchers []policy.URLMatcher
	ExitFunc       func(int)
}

type RootSpanOptions struct {
	Name string
	// URL is matched against the ignore list of the policy.
	URL string
	// TraceContext is the incoming context header value, if any.
	TraceContext string
	// SkipFrames hides wrapper frames from the captured stack.
	SkipFrames int
}

type ChildSpanOptions struct {
	Name       string
	SkipFrames int
}

// Agent is inactive until Start succeeds. An inactive agent only hands out
// UNTRACED spans.
type Agent struct {
	name string

	mu    sync.RWMutex
	state *state
}

type state struct {
	cfg    *config.Config
	log    logrus.FieldLogger
	clock  clockz.Clock
	policy policy.TracePolicy
	writer *writer.Writer
	store  *cls.Store
	opts   *tracer.Options
}

func New(name string) *Agent {
	return &Agent{name: name}
}

// Start activates the agent. It fails when already active, unless
// cfg.ForceNew, and stays inactive when cfg.Enabled is false.
func (a *Agent) Start(ctx context.Context, cfg *config.Config, deps Deps) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	log := deps.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("agent", a.name)

	if a.state != nil {
		if !cfg.ForceNew {
			log.Error("SeeTrace couldn't start: the agent is already started")
			return ErrAlreadyStarted
		}
		a.state.stop()
		a.state = nil
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !cfg.Enabled {
		log.Info("Tracing disabled by config")
		return nil
	}

	pol, err := policy.CreateTracePolicy(policy.Config{
		SamplingRate:   cfg.SamplingRate,
		IgnoreURLs:     cfg.IgnoreURLs,
		IgnoreMatchers: deps.IgnoreMatchers,
	})
	if err != nil {
		return fmt.Errorf("creating trace policy: %w", err)
	}

	pub := deps.Publisher
	if pub == nil {
		if pub, err = publish.New(ctx, cfg.Publisher); err != nil {
			return fmt.Errorf("creating publisher: %w", err)
		}
	}
	res := deps.Resolver
	if res == nil {
		res = metadata.FromConfig(cfg)
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockz.RealClock
	}

	wopts := []writer.Option{writer.WithLogger(log), writer.WithClock(clock)}
	if deps.Registerer != nil {
		wopts = append(wopts, writer.WithRegisterer(deps.Registerer))
	}
	if deps.ExitFunc != nil {
		wopts = append(wopts, writer.WithExitFunc(deps.ExitFunc))
	}
	w, err := writer.New(cfg, pub, res, wopts...)
	if err != nil {
		return err
	}
	if err := w.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing trace writer: %w", err)
	}

	a.state = &state{
		cfg:    cfg,
		log:    log,
		clock:  clock,
		policy: pol,
		writer: w,
		store:  cls.New(),
		opts: &tracer.Options{
			StackTraceLimit:       cfg.StackTraceLimit,
			MaximumLabelValueSize: cfg.MaximumLabelValueSize,
			Clock:                 clock,
			Writer:                w,
		},
	}
	log.WithField("policy", pol.Description()).Info("Tracing started")
	return nil
}

func (s *state) stop() {
	s.writer.Stop()
	s.store.Destroy()
}

// Stop deactivates the agent. Call Flush first to publish what is buffered.
func (a *Agent) Stop() {
	a.mu.Lock()
	s := a.state
	a.state = nil
	a.mu.Unlock()
	if s != nil {
		s.stop()
		s.log.Info("Tracing stopped")
	}
}

// Flush publishes the buffered traces and waits for the publishes to finish.
func (a *Agent) Flush(ctx context.Context) error {
	s := a.current()
	if s == nil {
		return nil
	}
	s.writer.FlushBuffer()
	return s.writer.Wait(ctx)
}

func (a *Agent) current() *state {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) IsActive() bool {
	return a.current() != nil
}

func (a *Agent) EnhancedDatabaseReportingEnabled() bool {
	s := a.current()
	return s != nil && s.cfg.EnhancedDatabaseReporting
}

func (a *Agent) WriterProjectID() string {
	s := a.current()
	if s == nil {
		return ""
	}
	return s.writer.ProjectID()
}

func (a *Agent) IsRealSpan(span tracer.SpanData) bool {
	return tracer.IsReal(span)
}

// StartRootSpan opens the root span of a request. The returned context
// carries it; the handle is always usable, possibly as a phantom.
func (a *Agent) StartRootSpan(ctx context.Context, opts RootSpanOptions) (context.Context, tracer.RootContext) {
	return a.startRootSpan(ctx, opts, opts.SkipFrames+2)
}

// RunInRootSpan runs fn inside a root span. fn owns ending the span.
func (a *Agent) RunInRootSpan(ctx context.Context, opts RootSpanOptions, fn func(context.Context, tracer.RootContext)) {
	ctx, root := a.startRootSpan(ctx, opts, opts.SkipFrames+2)
	fn(ctx, root)
}

func (a *Agent) startRootSpan(ctx context.Context, opts RootSpanOptions, skip int) (context.Context, tracer.RootContext) {
	if ctx == nil {
		ctx = context.Background()
	}
	s := a.current()
	if s == nil {
		return ctx, tracer.UntracedSpan
	}

	switch existing := s.store.Get(ctx); existing.Type() {
	case tracer.SpanTypeRoot:
		if root, ok := existing.(*tracer.RootSpanData); ok && !root.Ended() {
			s.log.WithField("span", opts.Name).Warn("SeeTrace couldn't create a root span: a root span is already open")
			return ctx, tracer.UncorrelatedSpan
		}
	case tracer.SpanTypeUntraced:
		return ctx, tracer.UntracedSpan
	}

	var incoming tracer.TraceContext
	var hasIncoming bool
	if !s.cfg.IgnoreContextHeader && opts.TraceContext != "" {
		incoming, hasIncoming = tracer.ParseContextHeader(opts.TraceContext)
	}

	admitted := s.policy.ShouldTrace(s.clock.Now(), opts.URL) && (!hasIncoming || incoming.Sampled())
	if !admitted {
		return s.store.Set(ctx, tracer.UntracedSpan), tracer.UntracedSpan
	}

	trace := tracer.NewTrace("")
	parentSpanID := ""
	if hasIncoming {
		trace = tracer.NewTrace(incoming.TraceID)
		parentSpanID = incoming.SpanID
	}
	root := tracer.NewRootSpanData(s.opts, trace, opts.Name, parentSpanID, skip)
	ctx = s.store.Set(ctx, root)
	return cls.WithSpan(ctx, root), root
}

// CreateChildSpan opens a span under the innermost open span of ctx.
func (a *Agent) CreateChildSpan(ctx context.Context, opts ChildSpanOptions) (context.Context, tracer.SpanData) {
	if ctx == nil {
		ctx = context.Background()
	}
	s := a.current()
	if s == nil {
		return ctx, tracer.UntracedSpan
	}

	rc := s.store.Get(ctx)
	switch rc.Type() {
	case tracer.SpanTypeUntraced:
		return ctx, tracer.UntracedSpan
	case tracer.SpanTypeUncorrelated:
		s.log.WithField("span", opts.Name).Warn("SeeTrace couldn't create a child span: the root context was lost")
		return ctx, tracer.UncorrelatedSpan
	}

	root, ok := rc.(*tracer.RootSpanData)
	if !ok {
		return ctx, tracer.UncorrelatedSpan
	}
	if root.Ended() {
		s.log.WithField("span", opts.Name).Warn("SeeTrace couldn't create a child span: its root span already ended")
		return ctx, tracer.UncorrelatedSpan
	}

	parentSpanID := root.SpanID()
	if cur, ok := cls.SpanFrom(ctx); ok {
		if child, ok := cur.(*tracer.ChildSpanData); ok && child.Trace() == root.Trace() && !child.Ended() {
			parentSpanID = child.SpanID()
		}
	}
	child := tracer.NewChildSpanData(s.opts, root.Trace(), opts.Name, parentSpanID, opts.SkipFrames+1)
	return cls.WithSpan(ctx, child), child
}

// GetResponseTraceContext is the context header to answer a request with:
// the incoming one, with the sampled bit cleared unless isTraced.
func (a *Agent) GetResponseTraceContext(incoming string, isTraced bool) string {
	if a.current() == nil || incoming == "" {
		return ""
	}
	tc, ok := tracer.ParseContextHeader(incoming)
	if !ok {
		return ""
	}
	traced := 0
	if isTraced {
		traced = 1
	}
	if !tc.OptionsSet {
		tc.Options = 1
		tc.OptionsSet = true
	}
	tc.Options &= traced
	return tracer.GenerateContextHeader(tc)
}

func (a *Agent) store() *cls.Store {
	if s := a.current(); s != nil {
		return s.store
	}
	return nil
}

// Wrap binds fn to the root context of ctx, for callbacks run where ctx is not
// passed along.
func (a *Agent) Wrap(ctx context.Context, fn func(context.Context)) func(context.Context) {
	return a.store().Bind(ctx, fn)
}

// Go runs fn on a new goroutine under the root context of ctx, guarded by the
// fatal hook.
func (a *Agent) Go(ctx context.Context, fn func(context.Context)) {
	a.store().Go(ctx, func(ctx context.Context) {
		defer a.Guard()
		fn(ctx)
	})
}

// Guard applies the onUncaughtException behavior to a panic and re-panics.
// Use it as `defer agent.Guard()`.
func (a *Agent) Guard() {
	if reason := recover(); reason != nil {
		if s := a.current(); s != nil {
			s.writer.HandleFatal(reason)
		}
		panic(reason)
	}
}
