// Package writer buffers finished traces and publishes them in batches.
package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/zeromicro/go-zero/core/syncx"
	"github.com/zeromicro/go-zero/core/threading"
	"github.com/zoobzio/clockz"

	"github.com/stleox/seetrace/pkg/config"
	"github.com/stleox/seetrace/pkg/metadata"
	"github.com/stleox/seetrace/pkg/publish"
	"github.com/stleox/seetrace/pkg/tracer"
)

var ErrInvalidUncaught = errors.New("writer: invalid value for onUncaughtException")

const (
	defaultExitGrace = 2 * time.Second
	keyProjectID     = "projectId"
)

type Option func(*Writer)

func WithLogger(log logrus.FieldLogger) Option {
	return func(w *Writer) { w.log = log }
}

// WithRegisterer registers the writer metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(w *Writer) { w.reg = reg }
}

func WithClock(clock clockz.Clock) Option {
	return func(w *Writer) { w.clock = clock }
}

// WithExitFunc replaces os.Exit for the flushAndExit behavior.
func WithExitFunc(exit func(int)) Option {
	return func(w *Writer) { w.exit = exit }
}

// WithExitGrace bounds how long flushAndExit waits for in-flight publishes.
func WithExitGrace(d time.Duration) Option {
	return func(w *Writer) { w.exitGrace = d }
}

// Writer is the trace buffer. Traces are serialized on arrival and published
// by size threshold, by the periodic schedule, or on demand.
type Writer struct {
	cfg       *config.Config
	publisher publish.Publisher
	resolver  metadata.Resolver

	log       logrus.FieldLogger
	reg       prometheus.Registerer
	metrics   *Metrics
	clock     clockz.Clock
	exit      func(int)
	exitGrace time.Duration

	active atomic.Bool

	muBuffer sync.Mutex
	buffer   [][]byte

	muProject sync.RWMutex
	projectID string
	sfProject syncx.SingleFlight

	// frozen once computed by Initialize
	defaultLabels atomic.Pointer[map[string]string]

	muSchedule sync.Mutex
	schedule   *cron.Cron

	// in-flight publishes; idle is closed whenever inflight drops to zero
	muInflight sync.Mutex
	inflight   int
	idle       chan struct{}
}

func New(cfg *config.Config, pub publish.Publisher, res metadata.Resolver, opts ...Option) (*Writer, error) {
	switch cfg.OnUncaughtException {
	case config.UncaughtIgnore, config.UncaughtFlush, config.UncaughtFlushAndExit:
	default:
		return nil, fmt.Errorf("%w: %q should be one of [%s, %s, %s]", ErrInvalidUncaught,
			cfg.OnUncaughtException, config.UncaughtIgnore, config.UncaughtFlush, config.UncaughtFlushAndExit)
	}
	if pub == nil {
		return nil, errors.New("writer: nil publisher")
	}
	if res == nil {
		res = metadata.Static{Project: cfg.ProjectID}
	}

	w := &Writer{
		cfg:       cfg,
		publisher: pub,
		resolver:  res,
		log:       logrus.StandardLogger(),
		clock:     clockz.RealClock,
		exit:      os.Exit,
		exitGrace: defaultExitGrace,
		buffer:    make([][]byte, 0),
		sfProject: syncx.NewSingleFlight(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.WithField("component", "writer")
	w.metrics = newMetrics(w.reg)
	return w, nil
}

// Initialize resolves the project id, computes the default labels, flushes
// once and starts the periodic flush. The writer stays inactive on error.
func (w *Writer) Initialize(ctx context.Context) error {
	if _, err := w.resolveProjectID(ctx); err != nil {
		w.log.WithError(err).Error("SeeTrace couldn't acquire the project ID, " +
			"set projectId in the config or GCLOUD_PROJECT in the environment")
		return fmt.Errorf("resolving project id: %w", err)
	}

	labels := w.computeDefaultLabels(ctx)
	w.defaultLabels.Store(&labels)

	w.active.Store(true)
	w.flush(triggerPeriodic)
	if err := w.scheduleFlush(); err != nil {
		w.active.Store(false)
		return err
	}
	return nil
}

func (w *Writer) computeDefaultLabels(ctx context.Context) map[string]string {
	labels := map[string]string{
		tracer.LabelAgent: fmt.Sprintf("go %s v%s", config.AgentName, config.AgentVersion),
	}

	hostname, err := w.resolver.Hostname(ctx)
	if err != nil {
		if !errors.Is(err, metadata.ErrNotFound) {
			w.log.WithError(err).Warn("SeeTrace couldn't retrieve the hostname from metadata")
		}
		hostname, _ = os.Hostname()
	}
	labels[tracer.LabelGCEHostname] = hostname

	instanceID, err := w.resolver.InstanceID(ctx)
	switch {
	case err == nil:
		labels[tracer.LabelGCEInstanceID] = instanceID
	case !errors.Is(err, metadata.ErrNotFound):
		w.log.WithError(err).Warn("SeeTrace couldn't retrieve the instance ID from metadata")
	}

	sc := w.cfg.ServiceContext
	moduleName := sc.Service
	if moduleName == "" {
		moduleName = hostname
	}
	labels[tracer.LabelGAEModuleName] = moduleName
	if sc.Version != "" {
		labels[tracer.LabelGAEModuleVersion] = sc.Version
		if sc.MinorVersion != "" {
			versionLabel := ""
			if moduleName != "default" {
				versionLabel = moduleName + ":"
			}
			versionLabel += sc.Version + "." + sc.MinorVersion
			labels[tracer.LabelGAEVersion] = versionLabel
		}
	}
	return labels
}

// DefaultLabels returns a copy of the labels stamped on server spans.
func (w *Writer) DefaultLabels() map[string]string {
	ret := make(map[string]string)
	if labels := w.defaultLabels.Load(); labels != nil {
		for k, v := range *labels {
			ret[k] = v
		}
	}
	return ret
}

func (w *Writer) IsActive() bool {
	return w.active.Load()
}

// ProjectID returns the cached project id, empty until resolved.
func (w *Writer) ProjectID() string {
	id, _ := w.cachedProjectID()
	return id
}

func (w *Writer) cachedProjectID() (string, bool) {
	w.muProject.RLock()
	defer w.muProject.RUnlock()
	return w.projectID, w.projectID != ""
}

// resolveProjectID caches the first successful answer. Concurrent misses share
// one lookup.
func (w *Writer) resolveProjectID(ctx context.Context) (string, error) {
	if id, ok := w.cachedProjectID(); ok {
		return id, nil
	}
	v, err := w.sfProject.Do(keyProjectID, func() (any, error) {
		if id, ok := w.cachedProjectID(); ok {
			return id, nil
		}
		id := w.cfg.ProjectID
		if id == "" {
			var err error
			if id, err = w.resolver.ProjectID(ctx); err != nil {
				return "", err
			}
		}
		if id == "" {
			return "", metadata.ErrNotFound
		}
		w.muProject.Lock()
		w.projectID = id
		w.muProject.Unlock()
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// WriteSpan implements tracer.TraceWriter: it closes what is left open, stamps
// the default labels on server spans and queues the trace.
func (w *Writer) WriteSpan(trace *tracer.Trace) {
	trace.CloseOpenSpans(w.clock.Now())
	trace.StampLabels(tracer.SpanKindRPCServer, w.DefaultLabels())
	w.QueueTrace(trace)
}

// QueueTrace buffers trace. When the project id is not known yet it is
// resolved off the caller's goroutine.
func (w *Writer) QueueTrace(trace *tracer.Trace) {
	if id, ok := w.cachedProjectID(); ok {
		w.enqueue(trace, id)
		return
	}
	threading.GoSafe(func() {
		id, err := w.resolveProjectID(context.Background())
		if err != nil {
			w.log.WithError(err).Info("No project ID, dropping trace")
			w.metrics.TracesDropped.WithLabelValues(dropNoProject).Inc()
			return
		}
		w.enqueue(trace, id)
	})
}

func (w *Writer) enqueue(trace *tracer.Trace, projectID string) {
	trace.SetProjectID(projectID)
	b, err := json.Marshal(trace)
	if err != nil {
		w.log.WithError(err).Error("SeeTrace couldn't serialize trace")
		w.metrics.TracesDropped.WithLabelValues(dropEncode).Inc()
		return
	}

	w.muBuffer.Lock()
	w.buffer = append(w.buffer, b)
	n := len(w.buffer)
	w.metrics.Buffered.Set(float64(n))
	w.muBuffer.Unlock()

	w.metrics.TracesQueued.Inc()
	w.log.Debugf("buffer.size = %d", n)
	if n >= w.cfg.BufferSize {
		w.log.Info("Trace buffer full, flushing")
		threading.GoSafe(func() { w.flush(triggerThreshold) })
	}
}

func (w *Writer) BufferLen() int {
	w.muBuffer.Lock()
	defer w.muBuffer.Unlock()
	return len(w.buffer)
}

// FlushBuffer publishes everything buffered so far. An empty buffer is a no-op.
func (w *Writer) FlushBuffer() {
	w.flush(triggerManual)
}

func (w *Writer) flush(trigger string) {
	w.muBuffer.Lock()
	if len(w.buffer) == 0 {
		w.muBuffer.Unlock()
		return
	}
	buffer := w.buffer
	w.buffer = make([][]byte, 0)
	w.metrics.Buffered.Set(0)
	w.muBuffer.Unlock()

	w.metrics.Flushes.WithLabelValues(trigger).Inc()
	w.log.WithField("traces", len(buffer)).WithField("trigger", trigger).Debug("Flushing traces")
	w.publish(tracer.EncodeBatch(buffer))
}

// publish never retries: a failed batch is logged and dropped.
func (w *Writer) publish(batch []byte) {
	projectID := w.ProjectID()
	w.beginPublish()
	threading.GoSafe(func() {
		defer w.endPublish()
		err := w.publisher.Publish(context.Background(), projectID, batch)
		if err != nil {
			w.log.WithError(err).WithFields(publish.ErrorFields(err)).Error("SeeTrace couldn't publish traces")
			w.metrics.Publishes.WithLabelValues("failure").Inc()
			return
		}
		w.log.WithField("projectId", projectID).Info("Published traces")
		w.metrics.Publishes.WithLabelValues("success").Inc()
	})
}

type flushJob struct {
	w *Writer
}

func (j flushJob) Run() {
	if !j.w.IsActive() {
		return
	}
	j.w.log.Debug("Performing periodic flush")
	j.w.flush(triggerPeriodic)
}

func (w *Writer) scheduleFlush() error {
	cronLog := cron.PrintfLogger(w.log)
	c := cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog)))
	_, err := c.AddJob(fmt.Sprintf("@every %ds", w.cfg.FlushDelaySeconds), flushJob{w: w})
	if err != nil {
		return fmt.Errorf("scheduling periodic flush: %w", err)
	}

	w.muSchedule.Lock()
	if w.schedule != nil {
		w.schedule.Stop()
	}
	w.schedule = c
	w.muSchedule.Unlock()

	c.Start()
	return nil
}

// Stop deactivates the writer and its schedule. Buffered traces stay until the
// next FlushBuffer.
func (w *Writer) Stop() {
	w.active.Store(false)
	w.muSchedule.Lock()
	defer w.muSchedule.Unlock()
	if w.schedule != nil {
		w.schedule.Stop()
		w.schedule = nil
	}
}

func (w *Writer) beginPublish() {
	w.muInflight.Lock()
	defer w.muInflight.Unlock()
	if w.inflight == 0 {
		w.idle = make(chan struct{})
	}
	w.inflight++
}

func (w *Writer) endPublish() {
	w.muInflight.Lock()
	defer w.muInflight.Unlock()
	w.inflight--
	if w.inflight == 0 {
		close(w.idle)
	}
}

// Wait blocks until the in-flight publish count drops to zero or ctx ends.
// Safe to call concurrently with flushes.
func (w *Writer) Wait(ctx context.Context) error {
	w.muInflight.Lock()
	if w.inflight == 0 {
		w.muInflight.Unlock()
		return nil
	}
	idle := w.idle
	w.muInflight.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics exposes the writer's collectors.
func (w *Writer) Metrics() *Metrics {
	return w.metrics
}
