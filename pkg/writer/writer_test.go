package writer

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/zoobzio/clockz"

	"github.com/stleox/seetrace/pkg/config"
	"github.com/stleox/seetrace/pkg/metadata"
	"github.com/stleox/seetrace/pkg/publish"
	"github.com/stleox/seetrace/pkg/tracer"

	r "github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func TestWriter_New_1(t *testing.T) {
	cfg := mockConfig()
	cfg.OnUncaughtException = "explode"
	_, err := New(cfg, &mockPublisher{}, nil)
	r.ErrorIs(t, err, ErrInvalidUncaught)

	_, err = New(mockConfig(), nil, nil)
	r.Error(t, err)
}

func TestWriter_Initialize_1(t *testing.T) {
	cfg := mockConfig()
	cfg.ServiceContext = config.ServiceContext{Service: "svc", Version: "v1", MinorVersion: "3"}
	w := mockWriter(t, cfg, &mockPublisher{}, metadata.Static{Host: "vm-1", Instance: "42"})
	r.NoError(t, w.Initialize(context.Background()))
	defer w.Stop()

	r.True(t, w.IsActive())
	r.Equal(t, "my-project", w.ProjectID())
	r.Equal(t, map[string]string{
		tracer.LabelAgent:            "go " + config.AgentName + " v" + config.AgentVersion,
		tracer.LabelGCEHostname:      "vm-1",
		tracer.LabelGCEInstanceID:    "42",
		tracer.LabelGAEModuleName:    "svc",
		tracer.LabelGAEModuleVersion: "v1",
		tracer.LabelGAEVersion:       "svc:v1.3",
	}, w.DefaultLabels())
}

func TestWriter_Initialize_2(t *testing.T) {
	cfg := mockConfig()
	cfg.ServiceContext = config.ServiceContext{Service: "default", Version: "v1", MinorVersion: "3"}
	w := mockWriter(t, cfg, &mockPublisher{}, metadata.Static{})
	r.NoError(t, w.Initialize(context.Background()))
	defer w.Stop()

	hostname, _ := os.Hostname()
	labels := w.DefaultLabels()
	r.Equal(t, hostname, labels[tracer.LabelGCEHostname])
	r.Equal(t, "default", labels[tracer.LabelGAEModuleName])
	r.Equal(t, "v1.3", labels[tracer.LabelGAEVersion])
	r.NotContains(t, labels, tracer.LabelGCEInstanceID)
}

func TestWriter_Initialize_3(t *testing.T) {
	cfg := mockConfig()
	cfg.ServiceContext = config.ServiceContext{Version: "v1"}
	w := mockWriter(t, cfg, &mockPublisher{}, metadata.Static{Host: "vm-1"})
	r.NoError(t, w.Initialize(context.Background()))
	defer w.Stop()

	labels := w.DefaultLabels()
	r.Equal(t, "vm-1", labels[tracer.LabelGAEModuleName])
	r.Equal(t, "v1", labels[tracer.LabelGAEModuleVersion])
	r.NotContains(t, labels, tracer.LabelGAEVersion)
}

func TestWriter_Initialize_NoProject(t *testing.T) {
	cfg := mockConfig()
	cfg.ProjectID = ""
	w := mockWriter(t, cfg, &mockPublisher{}, metadata.Static{})

	err := w.Initialize(context.Background())
	r.ErrorIs(t, err, metadata.ErrNotFound)
	r.False(t, w.IsActive())
}

func TestWriter_WriteSpan(t *testing.T) {
	pub := &mockPublisher{}
	w := mockWriter(t, mockConfig(), pub, metadata.Static{Host: "vm-1"})
	r.NoError(t, w.Initialize(context.Background()))
	defer w.Stop()

	trace := mockTrace(false)
	w.WriteSpan(trace)
	r.Equal(t, 1, w.BufferLen())

	spans := trace.Spans()
	r.Len(t, spans, 2)
	for _, s := range spans {
		r.False(t, s.Open())
	}
	r.Equal(t, "vm-1", spans[0].Labels[tracer.LabelGCEHostname])
	r.NotContains(t, spans[1].Labels, tracer.LabelGCEHostname)
	r.Equal(t, "my-project", trace.ProjectID())
}

func TestWriter_Threshold_1(t *testing.T) {
	cfg := mockConfig()
	cfg.BufferSize = 3
	pub := &mockPublisher{}
	w := mockWriter(t, cfg, pub, nil)
	r.NoError(t, w.Initialize(context.Background()))
	defer w.Stop()

	w.QueueTrace(mockTrace(true))
	w.QueueTrace(mockTrace(true))
	r.Equal(t, 2, w.BufferLen())
	r.Empty(t, pub.Batches())

	w.QueueTrace(mockTrace(true))
	r.Eventually(t, func() bool { return len(pub.Batches()) == 1 }, waitFor, tick)
	r.Equal(t, 0, w.BufferLen())

	batch, err := tracer.DecodeBatch(pub.Batches()[0])
	r.NoError(t, err)
	r.Len(t, batch.Traces, 3)
	for _, trace := range batch.Traces {
		r.Equal(t, "my-project", trace.ProjectID())
	}
	r.Equal(t, "my-project", pub.ProjectIDs()[0])
	r.Equal(t, 1.0, testutil.ToFloat64(w.Metrics().Flushes.WithLabelValues(triggerThreshold)))
	r.Equal(t, 3.0, testutil.ToFloat64(w.Metrics().TracesQueued))
}

func TestWriter_Concurrent(t *testing.T) {
	pub := &mockPublisher{}
	w := mockWriter(t, mockConfig(), pub, nil)
	r.NoError(t, w.Initialize(context.Background()))
	defer w.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.QueueTrace(mockTrace(true))
		}()
	}
	wg.Wait()
	r.Equal(t, 100, w.BufferLen())
	r.Equal(t, 100.0, testutil.ToFloat64(w.Metrics().Buffered))

	w.FlushBuffer()
	r.NoError(t, w.Wait(context.Background()))
	batch, err := tracer.DecodeBatch(pub.Batches()[0])
	r.NoError(t, err)
	r.Len(t, batch.Traces, 100)
}

func TestWriter_Wait_Concurrent(t *testing.T) {
	pub := &mockPublisher{}
	w := mockWriter(t, mockConfig(), pub, nil)
	r.NoError(t, w.Initialize(context.Background()))
	defer w.Stop()

	const flushers, rounds = 4, 200
	var flushing sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < flushers; i++ {
		flushing.Add(1)
		go func() {
			defer flushing.Done()
			for j := 0; j < rounds; j++ {
				w.QueueTrace(mockTrace(true))
				w.FlushBuffer()
			}
		}()
	}

	var waiting sync.WaitGroup
	for i := 0; i < 4; i++ {
		waiting.Add(1)
		go func() {
			defer waiting.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
				_ = w.Wait(ctx)
				cancel()
			}
		}()
	}

	flushing.Wait()
	close(stop)
	waiting.Wait()

	r.NoError(t, w.Wait(context.Background()))
	total := 0
	for _, b := range pub.Batches() {
		batch, err := tracer.DecodeBatch(b)
		r.NoError(t, err)
		total += len(batch.Traces)
	}
	r.Equal(t, flushers*rounds, total)
}

func TestWriter_Wait_Timeout(t *testing.T) {
	pub := &mockBlockingPublisher{release: make(chan struct{})}
	w := mockWriter(t, mockConfig(), pub, nil)
	r.NoError(t, w.Initialize(context.Background()))
	defer w.Stop()

	w.QueueTrace(mockTrace(true))
	w.FlushBuffer()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r.ErrorIs(t, w.Wait(ctx), context.DeadlineExceeded)

	close(pub.release)
	r.NoError(t, w.Wait(context.Background()))
	r.Equal(t, 1.0, testutil.ToFloat64(w.Metrics().Publishes.WithLabelValues("success")))
}

func TestWriter_NoProject(t *testing.T) {
	cfg := mockConfig()
	cfg.ProjectID = ""
	logger, hook := test.NewNullLogger()
	w, err := New(cfg, &mockPublisher{}, metadata.Static{},
		WithLogger(logger), WithRegisterer(prometheus.NewRegistry()))
	r.NoError(t, err)

	w.QueueTrace(mockTrace(true))
	r.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Message == "No project ID, dropping trace" && e.Level == logrus.InfoLevel {
				return true
			}
		}
		return false
	}, waitFor, tick)
	r.Equal(t, 0, w.BufferLen())
	r.Equal(t, 1.0, testutil.ToFloat64(w.Metrics().TracesDropped.WithLabelValues(dropNoProject)))
}

func TestWriter_ProjectIDCached(t *testing.T) {
	res := &mockResolver{project: "from-metadata"}
	cfg := mockConfig()
	cfg.ProjectID = ""
	w := mockWriter(t, cfg, &mockPublisher{}, res)
	r.NoError(t, w.Initialize(context.Background()))
	defer w.Stop()

	for i := 0; i < 5; i++ {
		w.QueueTrace(mockTrace(true))
	}
	r.Equal(t, 5, w.BufferLen())
	r.Equal(t, int32(1), res.calls.Load())
	r.Equal(t, "from-metadata", w.ProjectID())
}

func TestWriter_ProjectIDResolvedLater(t *testing.T) {
	res := &mockResolver{project: "from-metadata"}
	cfg := mockConfig()
	cfg.ProjectID = ""
	w := mockWriter(t, cfg, &mockPublisher{}, res)

	w.QueueTrace(mockTrace(true))
	r.Eventually(t, func() bool { return w.BufferLen() == 1 }, waitFor, tick)
	r.Equal(t, "from-metadata", w.ProjectID())
}

func TestWriter_PublishFailure(t *testing.T) {
	pub := &mockPublisher{err: &publish.StatusError{Code: http.StatusInternalServerError, Body: "boom"}}
	logger, hook := test.NewNullLogger()
	w, err := New(mockConfig(), pub, nil, WithLogger(logger), WithRegisterer(prometheus.NewRegistry()))
	r.NoError(t, err)
	r.NoError(t, w.Initialize(context.Background()))
	defer w.Stop()

	w.QueueTrace(mockTrace(true))
	w.FlushBuffer()
	r.NoError(t, w.Wait(context.Background()))

	r.Len(t, pub.Batches(), 1)
	r.Equal(t, 0, w.BufferLen())
	last := hook.LastEntry()
	r.Equal(t, logrus.ErrorLevel, last.Level)
	r.Equal(t, http.StatusInternalServerError, last.Data["status"])
	r.Equal(t, 1.0, testutil.ToFloat64(w.Metrics().Publishes.WithLabelValues("failure")))

	// nothing re-queued
	w.FlushBuffer()
	r.NoError(t, w.Wait(context.Background()))
	r.Len(t, pub.Batches(), 1)
}

func TestWriter_FlushEmpty(t *testing.T) {
	pub := &mockPublisher{}
	w := mockWriter(t, mockConfig(), pub, nil)

	w.FlushBuffer()
	r.NoError(t, w.Wait(context.Background()))
	r.Empty(t, pub.Batches())
}

func TestWriter_PeriodicJob(t *testing.T) {
	pub := &mockPublisher{}
	w := mockWriter(t, mockConfig(), pub, nil)
	r.NoError(t, w.Initialize(context.Background()))

	w.QueueTrace(mockTrace(true))
	flushJob{w: w}.Run()
	r.NoError(t, w.Wait(context.Background()))
	r.Len(t, pub.Batches(), 1)

	w.Stop()
	r.False(t, w.IsActive())
	w.QueueTrace(mockTrace(true))
	flushJob{w: w}.Run()
	r.NoError(t, w.Wait(context.Background()))
	r.Len(t, pub.Batches(), 1)
	r.Equal(t, 1, w.BufferLen())
}

func TestWriter_HandleFatal(t *testing.T) {
	tests := []struct {
		name      string
		mode      string
		published int
		exitCode  int
	}{
		{"ignore", config.UncaughtIgnore, 0, -1},
		{"flush", config.UncaughtFlush, 1, -1},
		{"flushAndExit", config.UncaughtFlushAndExit, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := mockConfig()
			cfg.OnUncaughtException = tt.mode
			pub := &mockPublisher{}
			exitCode := -1
			w := mockWriter(t, cfg, pub, nil,
				WithExitFunc(func(code int) { exitCode = code }),
				WithExitGrace(time.Second))
			r.NoError(t, w.Initialize(context.Background()))
			defer w.Stop()

			w.QueueTrace(mockTrace(true))
			w.HandleFatal("boom")
			r.NoError(t, w.Wait(context.Background()))
			r.Len(t, pub.Batches(), tt.published)
			r.Equal(t, tt.exitCode, exitCode)
		})
	}
}

//mockers

var mockStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func mockConfig() *config.Config {
	cfg := config.Default()
	cfg.ProjectID = "my-project"
	cfg.Metadata.Kind = config.MetadataStatic
	return cfg
}

func mockWriter(t *testing.T, cfg *config.Config, pub publish.Publisher, res metadata.Resolver, opts ...Option) *Writer {
	logger, _ := test.NewNullLogger()
	opts = append([]Option{
		WithLogger(logger),
		WithRegisterer(prometheus.NewRegistry()),
		WithClock(clockz.NewFakeClockAt(mockStart.Add(time.Second))),
	}, opts...)
	w, err := New(cfg, pub, res, opts...)
	r.NoError(t, err)
	return w
}

// root span with one child, both ended when ended is set
func mockTrace(ended bool) *tracer.Trace {
	opts := &tracer.Options{Clock: clockz.NewFakeClockAt(mockStart), MaximumLabelValueSize: 512}
	root := tracer.NewRootSpanData(opts, nil, "GET /", "", 0)
	child := tracer.NewChildSpanData(opts, root.Trace(), "SELECT 1", root.SpanID(), 0)
	if ended {
		child.EndSpan()
		root.EndSpan()
	}
	return root.Trace()
}

type mockPublisher struct {
	mu         sync.Mutex
	err        error
	batches    [][]byte
	projectIDs []string
}

func (p *mockPublisher) Publish(_ context.Context, projectID string, batch []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, batch)
	p.projectIDs = append(p.projectIDs, projectID)
	return p.err
}

func (p *mockPublisher) Batches() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.batches...)
}

func (p *mockPublisher) ProjectIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.projectIDs...)
}

type mockResolver struct {
	project string
	calls   atomic.Int32
}

func (m *mockResolver) ProjectID(context.Context) (string, error) {
	m.calls.Add(1)
	return m.project, nil
}

func (m *mockResolver) Hostname(context.Context) (string, error) {
	return "", errors.New("no metadata server")
}

func (m *mockResolver) InstanceID(context.Context) (string, error) {
	return "", metadata.ErrNotFound
}

type mockBlockingPublisher struct {
	release chan struct{}
}

func (p *mockBlockingPublisher) Publish(ctx context.Context, _ string, _ []byte) error {
	<-p.release
	return nil
}
