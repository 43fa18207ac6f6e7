package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/raterudder/solaredge/pkg/types"
)

// Write results recorded by ObserveWrite.
const (
	WriteChanged   = "changed"
	WriteUnchanged = "unchanged"
	WriteFailed    = "failed"
)

// Recorder collects the metrics of a single cycle in its own registry so
// they can be pushed as one group.
type Recorder struct {
	reg *prometheus.Registry

	metricValue   *prometheus.GaugeVec
	stateWrites   *prometheus.CounterVec
	declarations  prometheus.Counter
	outcome       *prometheus.GaugeVec
	duration      prometheus.Gauge
	lastSuccessTS prometheus.Gauge
}

// NewRecorder returns a Recorder with a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		reg: reg,
		metricValue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "solaredge_metric_value",
			Help: "Value of a published power flow metric (W or %)",
		}, []string{"metric"}),
		stateWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "solaredge_state_writes_total",
			Help: "State store writes by result",
		}, []string{"result"}),
		declarations: factory.NewCounter(prometheus.CounterOpts{
			Name: "solaredge_state_declarations_total",
			Help: "State declarations issued by the bootstrap",
		}),
		outcome: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "solaredge_cycle_outcome",
			Help: "1 for the outcome of the last cycle",
		}, []string{"outcome"}),
		duration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "solaredge_cycle_duration_seconds",
			Help: "Duration of the last cycle",
		}),
		lastSuccessTS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "solaredge_cycle_last_success_timestamp_seconds",
			Help: "Unix time of the last successful cycle",
		}),
	}
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

// ObserveMetrics sets a gauge for every numeric metric with a value.
func (r *Recorder) ObserveMetrics(defs []types.MetricDefinition, m types.EnergyMetrics) {
	for _, def := range defs {
		v, ok := m.Value(def.Name)
		if !ok {
			continue
		}
		if f, ok := v.(float64); ok {
			r.metricValue.WithLabelValues(string(def.Name)).Set(f)
		}
	}
}

// ObserveDeclarations counts declarations.
func (r *Recorder) ObserveDeclarations(n int) {
	r.declarations.Add(float64(n))
}

// ObserveWrite counts a single WriteIfChanged call.
func (r *Recorder) ObserveWrite(changed bool, err error) {
	switch {
	case err != nil:
		r.stateWrites.WithLabelValues(WriteFailed).Inc()
	case changed:
		r.stateWrites.WithLabelValues(WriteChanged).Inc()
	default:
		r.stateWrites.WithLabelValues(WriteUnchanged).Inc()
	}
}

// ObserveOutcome records how the cycle ended.
func (r *Recorder) ObserveOutcome(outcome string, d time.Duration, now time.Time) {
	r.outcome.WithLabelValues(outcome).Set(1)
	r.duration.Set(d.Seconds())
	if outcome == "done" {
		r.lastSuccessTS.Set(float64(now.Unix()))
	}
}

// Pusher pushes a Recorder to a Prometheus Pushgateway. An empty URL
// disables pushing.
type Pusher struct {
	URL string
	Job string
}

// Configured registers the Pushgateway flags.
func Configured() *Pusher {
	u := lflag.String("pushgateway-url", "", "Prometheus Pushgateway URL to push cycle metrics to, empty disables")
	job := lflag.String("pushgateway-job", "solaredge", "Pushgateway job name")

	p := &Pusher{}
	lflag.Do(func() {
		p.URL = *u
		p.Job = *job
	})
	return p
}

// Enabled returns true if a Pushgateway URL was configured.
func (p *Pusher) Enabled() bool {
	return p.URL != ""
}

// Push replaces the group identified by siteID and instance with the
// contents of r.
func (p *Pusher) Push(ctx context.Context, r *Recorder, siteID, instance string) error {
	if !p.Enabled() {
		return nil
	}
	err := push.New(p.URL, p.Job).
		Gatherer(r.reg).
		Grouping("site", siteID).
		Grouping("instance", instance).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
