package votepipeline

import (
	"log/slog"
	"time"

	httpadapter "ballotbox/contexts/vote-ingestion/vote-pipeline/adapters/http"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/adapters/memory"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/adapters/telemetry"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/application/commands"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/application/queries"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/application/workers"
	"ballotbox/contexts/vote-ingestion/vote-pipeline/ports"

	"go.opentelemetry.io/otel/trace"
)

type Module struct {
	Handler     httpadapter.Handler
	Counter     workers.VoteCounter
	DeadLetters workers.DeadLetterRecorder
	Store       *memory.Store
}

// Broker is a transport that can both publish and consume votes.
type Broker interface {
	ports.VotePublisher
	ports.VoteSubscriber
}

type Dependencies struct {
	Ledger      ports.VoteLedger
	Withdrawals ports.VoteWithdrawals
	Counters    ports.CounterStore
	Rejections  ports.RejectionStore
	Idempotency ports.IdempotencyStore
	Publisher   ports.VotePublisher
	Subscriber  ports.VoteSubscriber
	Propagator  ports.TracePropagator
	Metrics     ports.PipelineMetrics
	Clock       ports.Clock
	IDGen       ports.IDGenerator
	Tracer      trace.Tracer

	VoteTopic          string
	DeadLetterTopic    string
	ConsumerGroup      string
	CounterConcurrency int
	SourceService      string
	PublishTimeout     time.Duration
	IdempotencyTTL     time.Duration
	Logger             *slog.Logger
}

func NewModule(deps Dependencies) Module {
	propagator := deps.Propagator
	if propagator == nil {
		propagator = telemetry.NewPropagator()
	}
	deadLetterTopic := deps.DeadLetterTopic
	if deadLetterTopic == "" && deps.VoteTopic != "" {
		deadLetterTopic = deps.VoteTopic + ".deadletter"
	}

	return Module{
		Handler: httpadapter.Handler{
			Submissions: commands.SubmitVoteUseCase{
				Publisher:      deps.Publisher,
				Idempotency:    deps.Idempotency,
				Withdrawals:    deps.Withdrawals,
				Propagator:     propagator,
				Metrics:        deps.Metrics,
				Clock:          deps.Clock,
				IDGen:          deps.IDGen,
				Tracer:         deps.Tracer,
				Topic:          deps.VoteTopic,
				SourceService:  deps.SourceService,
				PublishTimeout: deps.PublishTimeout,
				IdempotencyTTL: deps.IdempotencyTTL,
				Logger:         deps.Logger,
			},
			Candidates: commands.AddCandidateUseCase{
				Counters: deps.Counters,
				Clock:    deps.Clock,
				Logger:   deps.Logger,
			},
			Counts: queries.CountsUseCase{
				Counters: deps.Counters,
				Logger:   deps.Logger,
			},
			Rejections: queries.RejectionsUseCase{
				Rejections: deps.Rejections,
				Logger:     deps.Logger,
			},
			Logger: deps.Logger,
		},
		Counter: workers.VoteCounter{
			Subscriber:    deps.Subscriber,
			Ledger:        deps.Ledger,
			Counters:      deps.Counters,
			Rejections:    deps.Rejections,
			Propagator:    propagator,
			Metrics:       deps.Metrics,
			Clock:         deps.Clock,
			Tracer:        deps.Tracer,
			Topic:         deps.VoteTopic,
			ConsumerGroup: deps.ConsumerGroup,
			Concurrency:   deps.CounterConcurrency,
			Logger:        deps.Logger,
		},
		DeadLetters: workers.DeadLetterRecorder{
			Subscriber: deps.Subscriber,
			Rejections: deps.Rejections,
			Metrics:    deps.Metrics,
			Clock:      deps.Clock,
			Topic:      deadLetterTopic,
			Logger:     deps.Logger,
		},
	}
}

// NewInMemoryModule wires every store port to one memory.Store. Candidates
// are registered up front with zero counts.
func NewInMemoryModule(broker Broker, candidates []string, logger *slog.Logger) Module {
	store := memory.NewStore(candidates...)
	module := NewModule(Dependencies{
		Ledger:             store,
		Withdrawals:        store,
		Counters:           store,
		Rejections:         store,
		Idempotency:        store,
		Publisher:          broker,
		Subscriber:         broker,
		Clock:              store,
		IDGen:              store,
		VoteTopic:          "votes",
		CounterConcurrency: 4,
		IdempotencyTTL:     24 * time.Hour,
		Logger:             logger,
	})
	module.Store = store
	return module
}
