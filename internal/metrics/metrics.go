// Package metrics gives the snapshot core a dependency-injected place to
// record operation latencies and corruption events, following the same
// "never global, construct once, pass down" discipline as internal/logging.
//
// It wraps github.com/hashicorp/go-metrics, the metrics library already
// pulled in by the wider stack this repository is cut from. Recorder holds
// its own *metrics.Metrics instance rather than calling the package-level
// metrics.* functions (which operate on a shared global) — components must
// never reach for global metrics state any more than they reach for a
// global logger.
package metrics

import (
	"time"

	gometrics "github.com/hashicorp/go-metrics"
)

// Recorder observes snapshot lifecycle operations. The zero value is not
// usable; construct one with New or Discard.
type Recorder struct {
	m      *gometrics.Metrics
	prefix []string
}

// New builds a Recorder backed by an in-memory sink, scoped under
// serviceName. Callers that want to export to statsd/Prometheus/etc. can
// swap in a different gometrics.MetricSink; this repository only needs
// the in-memory sink because nothing here ships metrics off-box.
func New(serviceName string) (*Recorder, error) {
	cfg := gometrics.DefaultConfig(serviceName)
	cfg.EnableHostname = false
	sink := gometrics.NewInmemSink(10*time.Second, time.Minute)
	m, err := gometrics.New(cfg, sink)
	if err != nil {
		return nil, err
	}
	return &Recorder{m: m, prefix: []string{"snapshot"}}, nil
}

// Discard returns a Recorder whose observations go nowhere. Components
// that receive a nil *Recorder should fall back to this, mirroring
// logging.Default's nil-logger convention.
func Discard() *Recorder {
	m, _ := gometrics.New(&gometrics.Config{FilterDefault: false}, &discardSink{})
	return &Recorder{m: m, prefix: []string{"snapshot"}}
}

// Default returns r if non-nil, otherwise a discard Recorder.
func Default(r *Recorder) *Recorder {
	if r != nil {
		return r
	}
	return Discard()
}

// ObserveSnapshotOperation records the elapsed duration of a named
// operation (e.g. "take", "commit", "replicate", "recover").
func (r *Recorder) ObserveSnapshotOperation(op string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.m.MeasureSince(append(append([]string{}, r.prefix...), op), time.Now().Add(-elapsed))
}

// IncrCorruption counts a detected-corruption event by kind ("chunk",
// "snapshot", "db-open").
func (r *Recorder) IncrCorruption(kind string) {
	if r == nil {
		return
	}
	r.m.IncrCounter(append(append([]string{}, r.prefix...), "corruption", kind), 1)
}

// IncrSkippedCommit counts the case where a pending snapshot is dropped
// because a committed snapshot with the same id already existed --
// surprising-but-safe, and worth surfacing as a metric.
func (r *Recorder) IncrSkippedCommit() {
	if r == nil {
		return
	}
	r.m.IncrCounter(append(append([]string{}, r.prefix...), "commit", "skipped_existing"), 1)
}

// discardSink implements gometrics.MetricSink by dropping everything.
type discardSink struct{}

func (discardSink) SetGauge(key []string, val float32)                               {}
func (discardSink) SetGaugeWithLabels(key []string, val float32, labels []gometrics.Label) {}
func (discardSink) EmitKey(key []string, val float32)                                {}
func (discardSink) IncrCounter(key []string, val float32)                            {}
func (discardSink) IncrCounterWithLabels(key []string, val float32, labels []gometrics.Label) {}
func (discardSink) AddSample(key []string, val float32)                              {}
func (discardSink) AddSampleWithLabels(key []string, val float32, labels []gometrics.Label) {}
