package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raterudder/solaredge/pkg/flow"
	"github.com/raterudder/solaredge/pkg/log"
	"github.com/raterudder/solaredge/pkg/solaredge"
	"github.com/raterudder/solaredge/pkg/storage"
	"github.com/raterudder/solaredge/pkg/telemetry"
	"github.com/raterudder/solaredge/pkg/types"
)

// Fetcher returns the raw currentPowerFlow response of a site.
type Fetcher interface {
	Fetch(ctx context.Context, siteID, apiKey string) (json.RawMessage, error)
}

// Mirror receives a copy of the metrics after they were written.
type Mirror interface {
	Publish(ctx context.Context, instance, siteID string, defs []types.MetricDefinition, metrics types.EnergyMetrics) error
}

// Status is how a cycle ended.
type Status string

const (
	StatusDone    Status = "done"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
)

// Outcome is the result of Runner.Run.
type Outcome struct {
	Status   Status
	Err      error
	CycleID  string
	Metrics  *types.EnergyMetrics
	Declared int
	Written  int
	Duration time.Duration
}

// Runner runs a single polling cycle.
type Runner struct {
	config      Config
	fetcher     Fetcher
	interpreter *flow.Interpreter
	store       storage.Store
	mirror      Mirror
	recorder    *telemetry.Recorder
	now         func() time.Time
}

// Option customizes a Runner.
type Option func(*Runner)

// WithMirror publishes every successful cycle to m as well.
func WithMirror(m Mirror) Option {
	return func(r *Runner) {
		r.mirror = m
	}
}

// WithRecorder records the cycle into rec instead of a private recorder.
func WithRecorder(rec *telemetry.Recorder) Option {
	return func(r *Runner) {
		r.recorder = rec
	}
}

// NewRunner returns a Runner. config is copied.
func NewRunner(config Config, fetcher Fetcher, interpreter *flow.Interpreter, store storage.Store, opts ...Option) *Runner {
	r := &Runner{
		config:      config,
		fetcher:     fetcher,
		interpreter: interpreter,
		store:       store,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.recorder == nil {
		r.recorder = telemetry.NewRecorder()
	}
	return r
}

// Recorder returns the telemetry recorder of the runner.
func (r *Runner) Recorder() *telemetry.Recorder {
	return r.recorder
}

// Run executes one cycle: probe, fetch, interpret, declare, publish. It never
// panics and always returns within the configured timeout.
func (r *Runner) Run(ctx context.Context) Outcome {
	started := r.now()
	cc := newCycleContext(r.config, started)
	ctx = log.WithAttrs(
		ctx,
		slog.String("cycleID", cc.ID),
		slog.String("siteID", cc.SiteID),
		slog.String("instance", cc.Instance),
	)

	if err := r.config.Validate(); err != nil {
		return r.finish(ctx, cc, Outcome{Status: StatusError, Err: err})
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"starting cycle",
		slog.String("apiKey", solaredge.RedactKey(cc.APIKey)),
		slog.Duration("timeout", r.config.Timeout),
	)

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Outcome{Status: StatusError, Err: fmt.Errorf("panic during cycle: %v", p)}
			}
		}()
		done <- r.run(ctx, cc)
	}()

	var out Outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = Outcome{Status: StatusError, Err: ctx.Err()}
	}
	// only the cycle's own deadline is a timeout, an HTTP client timeout
	// stays a fetch error
	if out.Status != StatusDone && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out = Outcome{
			Status:   StatusTimeout,
			Err:      ErrTimeout,
			Metrics:  out.Metrics,
			Declared: out.Declared,
			Written:  out.Written,
		}
	}
	return r.finish(ctx, cc, out)
}

func (r *Runner) run(ctx context.Context, cc *CycleContext) Outcome {
	r.probe(ctx, cc)

	raw, err := r.fetcher.Fetch(ctx, cc.SiteID, cc.APIKey)
	if err != nil {
		return Outcome{Status: StatusError, Err: err}
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched power flow", slog.String("raw", string(raw)))

	snapshot, err := r.interpreter.Parse(raw)
	if err != nil {
		return Outcome{Status: StatusError, Err: err}
	}
	metrics, err := r.interpreter.Interpret(ctx, snapshot)
	if err != nil {
		return Outcome{Status: StatusError, Err: err}
	}
	out := Outcome{Status: StatusDone, Metrics: &metrics}

	declared, err := r.bootstrap(ctx, cc)
	out.Declared = declared
	if err != nil {
		out.Status = StatusError
		out.Err = err
		return out
	}

	written, err := r.publish(ctx, cc, metrics)
	out.Written = written
	if err != nil {
		out.Status = StatusError
		out.Err = err
		return out
	}

	if r.mirror != nil {
		if err := r.mirror.Publish(ctx, cc.Instance, cc.SiteID, cc.Metrics, metrics); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to mirror metrics", slog.Any("error", err))
		}
	}
	return out
}

// probe builds the creation plan. A failed probe counts as missing.
func (r *Runner) probe(ctx context.Context, cc *CycleContext) {
	for _, def := range cc.Metrics {
		path := cc.Path(def.Name)
		exists, err := r.store.ProbeExists(ctx, path)
		if err != nil {
			log.Ctx(ctx).WarnContext(
				ctx,
				"failed to probe state, assuming missing",
				slog.String("path", path),
				slog.Any("error", err),
			)
		}
		if err != nil || !exists {
			cc.Plan.MarkMissing(def.Name)
		}
	}
}

// bootstrap declares every tracked metric if any of them was missing. Every
// declaration is attempted even if one fails but then no value is written.
func (r *Runner) bootstrap(ctx context.Context, cc *CycleContext) (int, error) {
	if !cc.Plan.Consume() {
		return 0, nil
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"declaring states",
		slog.Any("missing", cc.Plan.Missing()),
		slog.Int("count", len(cc.Metrics)),
	)

	var firstErr error
	declared := 0
	for _, def := range cc.Metrics {
		if err := ctx.Err(); err != nil {
			return declared, err
		}
		path := cc.Path(def.Name)
		if err := r.store.DeclareMetric(ctx, path, def); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to declare state", slog.String("path", path), slog.Any("error", err))
			if firstErr == nil {
				firstErr = &StoreError{Op: "declare", Path: path, Err: err}
			}
			continue
		}
		declared++
	}
	r.recorder.ObserveDeclarations(declared)
	return declared, firstErr
}

// publish writes every metric that has a value. A failed write does not stop
// the remaining writes.
func (r *Runner) publish(ctx context.Context, cc *CycleContext, metrics types.EnergyMetrics) (int, error) {
	r.recorder.ObserveMetrics(cc.Metrics, metrics)

	var firstErr error
	written := 0
	for _, def := range cc.Metrics {
		v, ok := metrics.Value(def.Name)
		if !ok {
			continue
		}
		// nothing may be written once the deadline passed
		if err := ctx.Err(); err != nil {
			return written, err
		}
		path := cc.Path(def.Name)
		changed, err := r.store.WriteIfChanged(ctx, path, types.StateValue{
			Val: v,
			Ack: true,
			TS:  r.now(),
		})
		r.recorder.ObserveWrite(changed, err)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to write state", slog.String("path", path), slog.Any("error", err))
			if firstErr == nil {
				firstErr = &StoreError{Op: "write", Path: path, Err: err}
			}
			continue
		}
		if changed {
			written++
		}
	}
	return written, firstErr
}

// finish logs the outcome at the severity its error calls for.
func (r *Runner) finish(ctx context.Context, cc *CycleContext, out Outcome) Outcome {
	out.CycleID = cc.ID
	out.Duration = r.now().Sub(cc.Started)
	r.recorder.ObserveOutcome(string(out.Status), out.Duration, r.now())

	// the cycle context may already be expired
	ctx = context.WithoutCancel(ctx)
	l := log.Ctx(ctx)

	var (
		cfgErr   *ConfigError
		fetchErr *solaredge.FetchError
		parseErr *flow.ParseError
		storeErr *StoreError
	)
	switch {
	case out.Status == StatusDone:
		attrs := []any{
			slog.Int("declared", out.Declared),
			slog.Int("written", out.Written),
			slog.Duration("duration", out.Duration),
		}
		if out.Metrics != nil {
			attrs = append(attrs,
				slog.Float64("pvProduction", out.Metrics.PVProduction),
				slog.Float64("load", out.Metrics.Load),
			)
		}
		l.InfoContext(ctx, "cycle done", attrs...)
	case out.Status == StatusTimeout:
		l.WarnContext(
			ctx,
			"cycle timed out",
			slog.Duration("timeout", r.config.Timeout),
			slog.Int("written", out.Written),
		)
	case errors.As(out.Err, &cfgErr):
		l.ErrorContext(ctx, "invalid configuration", slog.String("field", cfgErr.Field), slog.Any("error", out.Err))
	case errors.As(out.Err, &fetchErr):
		attrs := []any{
			slog.String("kind", fetchErr.Kind.String()),
			slog.Any("error", out.Err),
		}
		if fetchErr.StatusCode != 0 {
			attrs = append(attrs, slog.Int("status", fetchErr.StatusCode))
		}
		l.WarnContext(ctx, "failed to fetch power flow", attrs...)
	case errors.As(out.Err, &parseErr):
		l.WarnContext(
			ctx,
			"failed to interpret power flow",
			slog.String("kind", parseErr.Kind.String()),
			slog.String("field", parseErr.Field),
			slog.Any("error", out.Err),
		)
	case errors.As(out.Err, &storeErr):
		l.WarnContext(
			ctx,
			"failed to publish metrics",
			slog.String("op", storeErr.Op),
			slog.Int("written", out.Written),
			slog.Any("error", out.Err),
		)
	default:
		l.ErrorContext(ctx, "cycle failed", slog.Any("error", out.Err))
	}
	return out
}
