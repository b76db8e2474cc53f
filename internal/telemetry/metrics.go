package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "speedrun",
		Name:      "submissions_total",
		Help:      "Submissions by mode and outcome.",
	}, []string{"mode", "outcome"})

	submitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "speedrun",
		Name:      "submit_duration_seconds",
		Help:      "Latency of the atomic submission.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	lifecycle = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "speedrun",
		Name:      "lifecycle_operations_total",
		Help:      "Session lifecycle operations by operation and outcome.",
	}, []string{"op", "outcome"})

	rankingCredits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "speedrun",
		Name:      "ranking_credited_points_total",
		Help:      "Points moved from sessions into the ranking windows.",
	})

	rankingFolds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "speedrun",
		Name:      "ranking_folds_total",
		Help:      "Ended sessions folded into the ranking windows.",
	})
)

func ObserveSubmission(mode, outcome string, took time.Duration) {
	submissions.WithLabelValues(mode, outcome).Inc()
	submitDuration.Observe(took.Seconds())
}

func ObserveLifecycle(op, outcome string) {
	lifecycle.WithLabelValues(op, outcome).Inc()
}

func ObserveRankingFold() {
	rankingFolds.Inc()
}

func ObserveRankingCredit(points int64) {
	rankingCredits.Add(float64(points))
}
