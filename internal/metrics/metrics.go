package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "regionsync"
)

var (
	// Registry holds every agent metric; the admin server exposes it.
	Registry = prometheus.NewRegistry()

	streamLabels = []string{
		"source_region", // Region the change stream originates from
		"table",         // Target table name
	}

	opsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "stream_ops_applied_total",
			Namespace: metricsNamespace,
			Help:      "Stream operations durably applied to the target, by operation type",
		},
		append(streamLabels, "op"),
	)
	bytesApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "stream_bytes_applied_total",
			Namespace: metricsNamespace,
			Help:      "Approximate bytes of converted rows written to the target",
		},
		streamLabels,
	)
	conflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "conflicts_total",
			Namespace: metricsNamespace,
			Help:      "Conflict resolution outcomes; winner is source or target",
		},
		append(streamLabels, "winner"),
	)
	retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "stream_retries_total",
			Namespace: metricsNamespace,
			Help:      "Target writes retried, by reason",
		},
		append(streamLabels, "reason"),
	)
	skipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "skipped_ops_total",
			Namespace: metricsNamespace,
			Help:      "Stream operations completed without a write, by reason",
		},
		append(streamLabels, "reason"),
	)
	incompatible = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "incompatible_rows_total",
			Namespace: metricsNamespace,
			Help:      "Rows dropped because they cannot be represented in the target table",
		},
		append(streamLabels, "reason"),
	)
	unknownRegion = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "unknown_region_substitutions_total",
			Namespace: metricsNamespace,
			Help:      "Rows whose unknown source region id was replaced by the local region id",
		},
		streamLabels,
	)
	applyLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:      "apply_latency_seconds",
			Namespace: metricsNamespace,
			Help:      "Time from dispatch of a queue head to its durable completion",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		streamLabels,
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:      "queue_depth",
			Namespace: metricsNamespace,
			Help:      "Pending operations per ordering queue",
		},
		[]string{"source_region", "queue"},
	)
	checkpointCommits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "checkpoints_committed_total",
			Namespace: metricsNamespace,
			Help:      "Stream checkpoints durably committed",
		},
		[]string{"source_region"},
	)
	lastCheckpoint = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:      "last_checkpoint_timestamp_seconds",
			Namespace: metricsNamespace,
			Help:      "Unix time of the last committed checkpoint",
		},
		[]string{"source_region"},
	)
	transferRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "transfer_rows_total",
			Namespace: metricsNamespace,
			Help:      "Rows handled by bulk table transfer, by outcome",
		},
		[]string{"table", "outcome"},
	)
	transferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "transfer_bytes_total",
			Namespace: metricsNamespace,
			Help:      "Approximate bytes persisted by bulk table transfer",
		},
		[]string{"table"},
	)
)

func init() {
	Registry.MustRegister(
		opsApplied, bytesApplied, conflicts, retries, skipped, incompatible, unknownRegion,
		applyLatency, queueDepth, checkpointCommits, lastCheckpoint, transferRows, transferBytes,
	)
}

// Stream records metrics for the change stream of one source region.
type Stream struct {
	region string
}

func ForRegion(sourceRegion string) *Stream {
	return &Stream{region: sourceRegion}
}

func (s *Stream) Applied(table, op string, bytes int, sourceWon bool, latency time.Duration) {
	if s == nil {
		return
	}
	opsApplied.WithLabelValues(s.region, table, op).Inc()
	bytesApplied.WithLabelValues(s.region, table).Add(float64(bytes))
	winner := "target"
	if sourceWon {
		winner = "source"
	}
	conflicts.WithLabelValues(s.region, table, winner).Inc()
	applyLatency.WithLabelValues(s.region, table).Observe(latency.Seconds())
}

func (s *Stream) Retry(table, reason string) {
	if s == nil {
		return
	}
	retries.WithLabelValues(s.region, table, reason).Inc()
}

func (s *Stream) Skipped(table, reason string) {
	if s == nil {
		return
	}
	skipped.WithLabelValues(s.region, table, reason).Inc()
}

func (s *Stream) Incompatible(table, reason string) {
	if s == nil {
		return
	}
	incompatible.WithLabelValues(s.region, table, reason).Inc()
}

func (s *Stream) UnknownRegion(table string) {
	if s == nil {
		return
	}
	unknownRegion.WithLabelValues(s.region, table).Inc()
}

func (s *Stream) QueueDepth(queue, depth int) {
	if s == nil {
		return
	}
	queueDepth.WithLabelValues(s.region, strconv.Itoa(queue)).Set(float64(depth))
}

func (s *Stream) CheckpointCommitted(at time.Time) {
	if s == nil {
		return
	}
	checkpointCommits.WithLabelValues(s.region).Inc()
	lastCheckpoint.WithLabelValues(s.region).Set(float64(at.Unix()))
}

// Transfer records bulk transfer outcomes for one table.
type Transfer struct {
	table string
}

func ForTransfer(table string) *Transfer {
	return &Transfer{table: table}
}

func (t *Transfer) Row(outcome string) {
	if t == nil {
		return
	}
	transferRows.WithLabelValues(t.table, outcome).Inc()
}

func (t *Transfer) Bytes(n int) {
	if t == nil {
		return
	}
	transferBytes.WithLabelValues(t.table).Add(float64(n))
}
