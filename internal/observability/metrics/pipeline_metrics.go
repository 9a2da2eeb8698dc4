package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	OutcomeInserted = "inserted"
	OutcomeReplaced = "replaced"
	OutcomeModified = "modified"
	OutcomeInvalid  = "invalid"
	OutcomeFailed   = "failed"
)

const (
	StoreErrorDeadlineExceeded = "deadline_exceeded"
	StoreErrorUniqueViolation  = "unique_violation"
	StoreErrorLockTimeout      = "db_lock_timeout"
	StoreErrorSerialization    = "serialization_failure"
	StoreErrorConnection       = "connection"
	StoreErrorUnknown          = "unknown"
)

// PipelineMetrics tracks the staging pipeline: chunk flushes, per-row
// outcomes, approvals and the audit side channel.
type PipelineMetrics struct {
	chunkDuration   *prometheus.HistogramVec
	chunkRows       *prometheus.HistogramVec
	rowOutcomes     *prometheus.CounterVec
	storeErrors     *prometheus.CounterVec
	approvals       *prometheus.CounterVec
	auditEnqueued   prometheus.Counter
	auditDropped    prometheus.Counter
	auditWritten    *prometheus.CounterVec
	auditQueueDepth prometheus.Gauge
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Pipeline returns the singleton pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	return PipelineWithConfig(Config{})
}

// PipelineWithConfig returns the singleton pipeline metrics registry using config labels.
func PipelineWithConfig(cfg Config) *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pipelineMetrics
}

// NewPipelineMetrics builds an unshared registry, used by tests and tools.
func NewPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	return newPipelineMetrics(registerer, cfg)
}

func newPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := serviceLabels(cfg)

	chunkDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "powercasting_ingest_chunk_duration_seconds",
		Help:        "Latency of one chunk flush into the staging store.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		ConstLabels: constLabels,
	}, []string{"dataset"})
	chunkRows := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "powercasting_ingest_chunk_rows",
		Help:        "Rows per flushed chunk.",
		Buckets:     prometheus.ExponentialBuckets(1, 4, 9),
		ConstLabels: constLabels,
	}, []string{"dataset"})
	rowOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "powercasting_ingest_rows_total",
		Help:        "Ingested rows by outcome.",
		ConstLabels: constLabels,
	}, []string{"dataset", "outcome"})
	storeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "powercasting_store_errors_total",
		Help:        "Store failures by operation and low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"operation", "reason"})
	approvals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "powercasting_approval_records_total",
		Help:        "Records moved by approvals, by outcome.",
		ConstLabels: constLabels,
	}, []string{"dataset", "outcome"})
	auditEnqueued := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "powercasting_audit_enqueued_total",
		Help:        "Audit entries accepted into the queue.",
		ConstLabels: constLabels,
	})
	auditDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "powercasting_audit_dropped_total",
		Help:        "Audit entries dropped because the queue was full or closed.",
		ConstLabels: constLabels,
	})
	auditWritten := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "powercasting_audit_written_total",
		Help:        "Audit entries persisted, by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	auditQueueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "powercasting_audit_queue_depth",
		Help:        "Audit entries waiting to be written.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		chunkDuration,
		chunkRows,
		rowOutcomes,
		storeErrors,
		approvals,
		auditEnqueued,
		auditDropped,
		auditWritten,
		auditQueueDepth,
	)

	return &PipelineMetrics{
		chunkDuration:   chunkDuration,
		chunkRows:       chunkRows,
		rowOutcomes:     rowOutcomes,
		storeErrors:     storeErrors,
		approvals:       approvals,
		auditEnqueued:   auditEnqueued,
		auditDropped:    auditDropped,
		auditWritten:    auditWritten,
		auditQueueDepth: auditQueueDepth,
	}
}

// ObserveChunk records the latency and size of one chunk flush.
func (m *PipelineMetrics) ObserveChunk(dataset string, rows int, duration time.Duration) {
	if m == nil {
		return
	}
	m.chunkDuration.WithLabelValues(dataset).Observe(duration.Seconds())
	m.chunkRows.WithLabelValues(dataset).Observe(float64(rows))
}

// AddRows increments the row outcome counter.
func (m *PipelineMetrics) AddRows(dataset, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.rowOutcomes.WithLabelValues(dataset, outcome).Add(float64(count))
}

// IncStoreError classifies and counts a store failure.
func (m *PipelineMetrics) IncStoreError(operation string, err error) {
	if m == nil || err == nil {
		return
	}
	m.storeErrors.WithLabelValues(operation, ClassifyStoreError(err)).Inc()
}

// AddApproval counts approved records by outcome.
func (m *PipelineMetrics) AddApproval(dataset, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.approvals.WithLabelValues(dataset, outcome).Add(float64(count))
}

func (m *PipelineMetrics) IncAuditEnqueued() {
	if m == nil {
		return
	}
	m.auditEnqueued.Inc()
}

func (m *PipelineMetrics) IncAuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

func (m *PipelineMetrics) IncAuditWritten(outcome string) {
	if m == nil {
		return
	}
	m.auditWritten.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) SetAuditQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.auditQueueDepth.Set(float64(depth))
}

// ClassifyStoreError maps store errors to low-cardinality reasons.
func ClassifyStoreError(err error) string {
	if err == nil {
		return StoreErrorUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return StoreErrorDeadlineExceeded
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return StoreErrorUniqueViolation
	}
	if hasPGCode(err, "55P03") {
		return StoreErrorLockTimeout
	}
	if hasPGCode(err, "40001") {
		return StoreErrorSerialization
	}
	if hasPGClass(err, "08") {
		return StoreErrorConnection
	}
	return StoreErrorUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func hasPGClass(err error, class string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == class
	}
	return false
}
