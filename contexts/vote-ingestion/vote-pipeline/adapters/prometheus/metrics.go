package prometheus

import (
	"time"

	"ballotbox/contexts/vote-ingestion/vote-pipeline/domain/entities"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/ports"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes pipeline counters on a caller-supplied registry so tests and
// multiple modules never collide on the default registerer.
type Metrics struct {
	submitted   *prom.CounterVec
	applied     *prom.CounterVec
	duplicates  prom.Counter
	rejected    *prom.CounterVec
	applyTiming prom.Histogram
}

func NewMetrics(registerer prom.Registerer) (*Metrics, error) {
	m := &Metrics{
		submitted: prom.NewCounterVec(prom.CounterOpts{
			Name: "votes_submitted_total",
			Help: "Vote submissions handled by the gateway, by outcome.",
		}, []string{"outcome"}),
		applied: prom.NewCounterVec(prom.CounterOpts{
			Name: "votes_applied_total",
			Help: "Votes counted exactly once, by candidate.",
		}, []string{"candidate_id"}),
		duplicates: prom.NewCounter(prom.CounterOpts{
			Name: "votes_duplicate_total",
			Help: "Redelivered votes acknowledged without a counter change.",
		}),
		rejected: prom.NewCounterVec(prom.CounterOpts{
			Name: "votes_rejected_total",
			Help: "Votes that could not be counted, by reason. Each message is counted once.",
		}, []string{"reason"}),
		applyTiming: prom.NewHistogram(prom.HistogramOpts{
			Name:    "vote_apply_duration_seconds",
			Help:    "Time spent applying one delivery to the counter store.",
			Buckets: prom.DefBuckets,
		}),
	}
	if registerer == nil {
		return m, nil
	}
	for _, collector := range []prom.Collector{m.submitted, m.applied, m.duplicates, m.rejected, m.applyTiming} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) VoteSubmitted(outcome string) {
	m.submitted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) VoteApplied(candidateID string) {
	m.applied.WithLabelValues(candidateID).Inc()
}

func (m *Metrics) VoteDuplicate() {
	m.duplicates.Inc()
}

func (m *Metrics) VoteRejected(reason entities.RejectionReason) {
	m.rejected.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) ApplyObserved(duration time.Duration) {
	m.applyTiming.Observe(duration.Seconds())
}

var _ ports.PipelineMetrics = (*Metrics)(nil)
