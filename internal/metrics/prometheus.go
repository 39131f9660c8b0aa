package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "equipkb_query_duration_seconds",
			Help:    "Query routing duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"route"},
	)

	RouteDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equipkb_route_decisions_total",
			Help: "Total routed queries by decision",
		},
		[]string{"route"},
	)

	AnswerConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "equipkb_answer_confidence",
			Help:    "Confidence of routed answers",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	AtomMatches = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "equipkb_atom_matches_count",
			Help:    "Number of atoms matched per query",
			Buckets: []float64{0, 1, 2, 5, 10, 20},
		},
	)

	GapsDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "equipkb_gaps_detected_total",
			Help: "Total knowledge gaps recorded",
		},
	)

	CascadeOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equipkb_cascade_outcomes_total",
			Help: "Search cascade outcomes by status and final tier",
		},
		[]string{"status", "tier"},
	)

	SourceValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equipkb_source_validations_total",
			Help: "Candidate source validations by disposition",
		},
		[]string{"disposition"},
	)

	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equipkb_enrichment_jobs_total",
			Help: "Enrichment jobs finished by result",
		},
		[]string{"result"},
	)

	JobsReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "equipkb_jobs_reclaimed_total",
			Help: "Jobs reclaimed from stale workers",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "equipkb_queue_depth",
			Help: "Pending enrichment jobs",
		},
	)

	AtomsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equipkb_atoms_created_total",
			Help: "Knowledge atoms created by enrichment source",
		},
		[]string{"source"},
	)

	FamiliesDiscovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "equipkb_families_discovered_total",
			Help: "Product families discovered",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equipkb_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equipkb_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)
)

func Init() {
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(RouteDecisions)
	prometheus.MustRegister(AnswerConfidence)
	prometheus.MustRegister(AtomMatches)
	prometheus.MustRegister(GapsDetected)
	prometheus.MustRegister(CascadeOutcomes)
	prometheus.MustRegister(SourceValidations)
	prometheus.MustRegister(JobsProcessed)
	prometheus.MustRegister(JobsReclaimed)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(AtomsCreated)
	prometheus.MustRegister(FamiliesDiscovered)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
