package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ItemDB"

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)

	BundleOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bundle",
		Name:      "ops_total",
		Help:      "bundle and reference operations by workspace, op and result",
	}, []string{"workspace", "op", "result"})

	BundleCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bundle",
		Name:      "cache_total",
		Help:      "bundle cache lookups by workspace and outcome",
	}, []string{"workspace", "outcome"})

	BundleBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "bundle",
		Name:      "size_bytes",
		Help:      "serialized bundle size",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
	}, []string{"workspace"})

	BlobBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "blob",
		Name:      "bytes_total",
		Help:      "blob bytes moved by direction",
	}, []string{"direction"})

	JournalAppends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "journal",
		Name:      "appends_total",
		Help:      "journal appends by journal id and result",
	}, []string{"journal", "result"})

	JournalRecordsReplayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "journal",
		Name:      "records_replayed_total",
		Help:      "records delivered to consumers during sync",
	}, []string{"journal"})

	JournalSyncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "journal",
		Name:      "sync_duration_seconds",
		Help:      "duration of journal sync calls",
		Buckets:   prometheus.DefBuckets,
	}, []string{"journal"})

	JournalRevision = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "journal",
		Name:      "revision",
		Help:      "last revision applied by the local instance",
	}, []string{"journal"})

	ClusterRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cluster",
		Name:      "records_total",
		Help:      "cluster records by direction, kind and result",
	}, []string{"direction", "kind", "result"})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		BundleOps,
		BundleCache,
		BundleBytes,
		BlobBytes,
		JournalAppends,
		JournalRecordsReplayed,
		JournalSyncDuration,
		JournalRevision,
		ClusterRecords,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
}

func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
