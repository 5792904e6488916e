package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/corvoxlabs/corvox/internal/engine"
	"github.com/corvoxlabs/corvox/internal/frame"
)

// MetricsObserver subscribes to the observer bus and folds [frame.Metric]
// frames into a session's [TurnStore] and the process-wide OTel instruments.
// Lifecycle events pass through untouched — TTFB measurement happens at the
// emitting stages, which know their own trigger instants.
//
// onChange, when set, fires after every recorded value; the session wires it
// to [Publisher.Notify].
type MetricsObserver struct {
	store    *TurnStore
	metrics  *Metrics
	onChange func()
}

// NewMetricsObserver creates an observer over store. metrics may be nil to
// skip OTel recording (tests); onChange may be nil.
func NewMetricsObserver(store *TurnStore, metrics *Metrics, onChange func()) *MetricsObserver {
	return &MetricsObserver{store: store, metrics: metrics, onChange: onChange}
}

// OnEvent implements [engine.Observer]. Lifecycle events carry no
// measurements and are ignored here.
func (o *MetricsObserver) OnEvent(engine.Event) {}

// OnFrame implements [engine.Observer]. Non-metric frames are ignored.
func (o *MetricsObserver) OnFrame(stage string, f frame.Frame) {
	m, ok := f.(frame.Metric)
	if !ok {
		return
	}

	o.store.Record(m.TurnID, m.Kind, m.Value)
	o.recordOTel(stage, m)

	if o.onChange != nil {
		o.onChange()
	}
}

// recordOTel mirrors the measurement into the matching process-wide
// instrument. Latency kinds arrive in milliseconds and are converted to
// seconds for the histograms.
func (o *MetricsObserver) recordOTel(stage string, m frame.Metric) {
	if o.metrics == nil {
		return
	}
	ctx := context.Background()
	seconds := m.Value / 1000

	switch m.Kind {
	case KindSTTTTFB:
		o.metrics.STTTTFB.Record(ctx, seconds)
	case KindRecall:
		o.metrics.RecallDuration.Record(ctx, seconds)
	case KindLLMTTFB:
		o.metrics.LLMTTFB.Record(ctx, seconds)
	case KindTTSTTFB:
		o.metrics.TTSTTFB.Record(ctx, seconds)
	case KindTotal:
		o.metrics.TurnTotal.Record(ctx, seconds)
	case KindGateSuppress:
		o.metrics.GateSuppressions.Add(ctx, 1)
	case KindDrop:
		o.metrics.DroppedFrames.Add(ctx, 1,
			metric.WithAttributes(attribute.String("edge", stage)))
	}
}

// Ensure MetricsObserver satisfies the interface at compile time.
var _ engine.Observer = (*MetricsObserver)(nil)
