package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trivia"

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of sessions held by the registry.",
	})

	BarrierClosures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "barrier_closures_total",
		Help:      "Number of readiness barriers closed.",
	})

	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_transitions_total",
		Help:      "Number of session status transitions by target status.",
	}, []string{"status"})

	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submissions_total",
		Help:      "Number of scored answers by game mode and correctness.",
	}, []string{"mode", "correct"})

	JokersUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jokers_used_total",
		Help:      "Number of jokers used by kind.",
	}, []string{"kind"})

	QuestionGeneration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "question_generation_seconds",
		Help:      "Time spent generating a round question.",
		Buckets:   prometheus.DefBuckets,
	})

	PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_errors_total",
		Help:      "Number of skipped poll cycles by loop.",
	}, []string{"loop"})
)
