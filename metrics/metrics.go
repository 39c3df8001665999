package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

// Counters and gauges for the ingestion engine. Metric names follow the
// victoria-metrics convention of snake_case with a verso_ prefix; per-store
// series carry a store_version label.

type TaskMetrics struct {
	storeVersion string

	DivDuplicate        *metrics.Counter
	DivBenign           *metrics.Counter
	DivFatal            *metrics.Counter
	BenignRewind        *metrics.Counter
	LossyRewind         *metrics.Counter
	ProducerFailure     *metrics.Counter
	BenignProducerError *metrics.Counter
	RecordsConsumed     *metrics.Counter
	RecordsProduced     *metrics.Counter
	RecordsDrained      *metrics.Counter
	CatchUpBaseTopic    *metrics.Counter
}

func NewTaskMetrics(storeVersion string) *TaskMetrics {
	counter := func(name string) *metrics.Counter {
		return metrics.GetOrCreateCounter(fmt.Sprintf(`verso_%s_total{store_version=%q}`, name, storeVersion))
	}
	return &TaskMetrics{
		storeVersion:        storeVersion,
		DivDuplicate:        counter("div_duplicate"),
		DivBenign:           counter("div_benign"),
		DivFatal:            counter("div_fatal"),
		BenignRewind:        counter("rewind_benign"),
		LossyRewind:         counter("rewind_lossy"),
		ProducerFailure:     counter("producer_failure"),
		BenignProducerError: counter("producer_failure_benign"),
		RecordsConsumed:     counter("records_consumed"),
		RecordsProduced:     counter("records_produced"),
		RecordsDrained:      counter("records_drained"),
		CatchUpBaseTopic:    counter("catch_up_base_topic"),
	}
}

// QueueDepthGauge registers a gauge reporting a drainer queue's in-use bytes
// via the supplied reader.
func QueueDepthGauge(storeVersion string, idx int, read func() float64) *metrics.Gauge {
	name := fmt.Sprintf(`verso_drainer_queue_bytes{store_version=%q,queue="%d"}`, storeVersion, idx)
	return metrics.GetOrCreateGauge(name, read)
}
