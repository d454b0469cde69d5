package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
	httpErrorsTotal    *prometheus.CounterVec

	gradingRequestsTotal *prometheus.CounterVec
	gradingDuration      prometheus.Histogram
	gradeDistribution    prometheus.Histogram
	caseOutcomesTotal    *prometheus.CounterVec
	expectedCacheTotal   *prometheus.CounterVec
	incidentsTotal       *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the grader.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_http_requests_total",
			Help: "Total number of grader API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grader_http_latency_seconds",
			Help:    "Latency distribution for grader API requests.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_http_errors_total",
			Help: "Total number of error responses returned by the grader API.",
		}, []string{"method", "route", "status"})

		gradingRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_requests_total",
			Help: "Grading requests by terminal outcome.",
		}, []string{"outcome"})

		gradingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "grader_request_duration_seconds",
			Help:    "Wall time spent grading one submission.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		})

		gradeDistribution = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "grader_grade",
			Help:    "Distribution of emitted grades.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		})

		caseOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_case_outcomes_total",
			Help: "Per test case verdicts for student programs.",
		}, []string{"status"})

		expectedCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_expected_cache_lookups_total",
			Help: "Expected output cache lookups by result.",
		}, []string{"result"})

		incidentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_incidents_total",
			Help: "Grading errors recorded for operators, by stage.",
		}, []string{"stage"})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			gradingRequestsTotal, gradingDuration, gradeDistribution,
			caseOutcomesTotal, expectedCacheTotal, incidentsTotal,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// GradingRequests counts grading requests by outcome (graded, invalid_submission, grading_error).
func GradingRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingRequestsTotal
}

// GradingDuration observes end-to-end grading time.
func GradingDuration() prometheus.Histogram {
	RegisterMetrics()
	return gradingDuration
}

// GradeDistribution observes emitted grades.
func GradeDistribution() prometheus.Histogram {
	RegisterMetrics()
	return gradeDistribution
}

// CaseOutcomes counts student case verdicts.
func CaseOutcomes() *prometheus.CounterVec {
	RegisterMetrics()
	return caseOutcomesTotal
}

// ExpectedCacheLookups counts expected output cache hits and misses.
func ExpectedCacheLookups() *prometheus.CounterVec {
	RegisterMetrics()
	return expectedCacheTotal
}

// Incidents counts recorded grading incidents.
func Incidents() *prometheus.CounterVec {
	RegisterMetrics()
	return incidentsTotal
}
