package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DecodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rename_decode_duration_seconds",
		Help:    "Duration of one batched beam-search decode call",
		Buckets: prometheus.DefBuckets,
	})

	DecodeSteps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rename_decode_steps",
		Help:    "Number of search steps executed per decode call",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 5000},
	})

	LiveHypotheses = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rename_live_hypotheses",
		Help:    "Size of the flat live-hypothesis batch per step",
		Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
	})

	FunctionsDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rename_functions_decoded_total",
		Help: "Total number of functions passed through the decoder",
	})

	VariablesRenamed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rename_variables_total",
		Help: "Total number of variables given a rename prediction",
	})

	CompletedHypotheses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rename_completed_hypotheses_total",
		Help: "Total number of hypotheses that assigned every variable",
	})

	DecodeFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rename_decode_fallbacks_total",
		Help: "Functions that ended the step budget without a completed hypothesis",
	})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rename_validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	EncoderDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rename_encoder_duration_seconds",
		Help:    "Time spent obtaining context encodings",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	StoreWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rename_store_writes_total",
		Help: "Rows written to the prediction store",
	}, []string{"table"})
)

// RecordDecode records one finished decode call.
func RecordDecode(functions, steps int, duration time.Duration) {
	FunctionsDecoded.Add(float64(functions))
	DecodeSteps.Observe(float64(steps))
	DecodeDuration.Observe(duration.Seconds())
}

func RecordStep(live int) {
	LiveHypotheses.Observe(float64(live))
}

func RecordCompleted(n int) {
	CompletedHypotheses.Add(float64(n))
}

func RecordRenamed(variables int) {
	VariablesRenamed.Add(float64(variables))
}

func RecordFallback() {
	DecodeFallbacks.Inc()
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordEncoder(source string, duration time.Duration) {
	EncoderDuration.WithLabelValues(source).Observe(duration.Seconds())
}

func RecordStoreWrite(table string, rows int) {
	StoreWrites.WithLabelValues(table).Add(float64(rows))
}
