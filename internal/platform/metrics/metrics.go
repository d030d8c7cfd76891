package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 结果标签取值。
const (
	ResultOK      = "ok"
	ResultInvalid = "invalid"
	ResultError   = "error"
)

// Metrics 汇总证据流程的 Prometheus 指标。
// 每个实例注册到自己的 Registerer，测试与多实例之间不会重复注册。
type Metrics struct {
	EvidenceIngested   *prometheus.CounterVec
	IngestedBytes      prometheus.Counter
	Verifications      *prometheus.CounterVec
	ProcessingRuns     *prometheus.CounterVec
	Exports            *prometheus.CounterVec
	CustodyAppends     *prometheus.CounterVec
	StatusTransitions  *prometheus.CounterVec
	AuditSinkFailures  prometheus.Counter
	DedupChunks        *prometheus.CounterVec
	OperationDurations *prometheus.HistogramVec
}

// New 在 reg 上注册全部指标。
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EvidenceIngested: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_evidence_ingested_total",
				Help: "Total number of ingestion attempts by result",
			},
			[]string{"result"},
		),
		IngestedBytes: f.NewCounter(
			prometheus.CounterOpts{
				Name: "custody_ingested_bytes_total",
				Help: "Total number of evidence bytes stored",
			},
		),
		Verifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_verifications_total",
				Help: "Total number of integrity verifications by result",
			},
			[]string{"result"},
		),
		ProcessingRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_processing_runs_total",
				Help: "Total number of processing runs by type and result",
			},
			[]string{"type", "result"},
		),
		Exports: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_exports_total",
				Help: "Total number of evidence exports by result",
			},
			[]string{"result"},
		),
		CustodyAppends: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_chain_appends_total",
				Help: "Total number of custody entries appended by action",
			},
			[]string{"action"},
		),
		StatusTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_status_transitions_total",
				Help: "Total number of evidence status transitions by target status",
			},
			[]string{"to"},
		),
		AuditSinkFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "custody_audit_sink_failures_total",
				Help: "Total number of swallowed audit sink failures",
			},
		),
		DedupChunks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_dedup_chunks_total",
				Help: "Total number of chunks seen by the dedup pass",
			},
			[]string{"kind"},
		),
		OperationDurations: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "custody_operation_duration_seconds",
				Help:    "Duration of evidence operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// Discard 返回注册到私有 Registry 的指标，供未注入 metrics 的组件使用。
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

// OrDiscard 在 m 为 nil 时返回 Discard。
func OrDiscard(m *Metrics) *Metrics {
	if m == nil {
		return Discard()
	}
	return m
}
