package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizgrader_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quizgrader_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "route"},
	)

	// GradingRuns counts pipeline runs by the grader that produced the result.
	GradingRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizgrader_grading_runs_total",
			Help: "Quiz grading runs by grading mode",
		},
		[]string{"mode"},
	)

	// EvaluatorCalls counts short-answer evaluations by outcome (ok, fallback).
	EvaluatorCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizgrader_evaluator_calls_total",
			Help: "Short-answer evaluations by outcome",
		},
		[]string{"outcome"},
	)

	LLMDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quizgrader_llm_request_duration_seconds",
			Help:    "Duration of generative service calls",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
	)

	AttemptsRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quizgrader_attempts_recorded_total",
			Help: "Quiz attempts persisted",
		},
	)
)

var initOnce sync.Once

// Init registers all collectors with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			RequestCounter,
			RequestDuration,
			GradingRuns,
			EvaluatorCalls,
			LLMDuration,
			AttemptsRecorded,
		)
	})
}

// ObserveLLMCall records the duration of one generative service call.
func ObserveLLMCall(start time.Time) {
	LLMDuration.Observe(time.Since(start).Seconds())
}

// Middleware records request count and latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		RequestCounter.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
