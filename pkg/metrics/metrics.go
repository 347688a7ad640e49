package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster membership metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herd_nodes_total",
			Help: "Total number of nodes by gone status",
		},
		[]string{"status"},
	)

	EpochCurrent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "herd_epoch_current",
			Help: "Current cluster epoch",
		},
	)

	IsMaster = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "herd_is_master",
			Help: "Whether this node is the membership master (1) or not (0)",
		},
	)

	ClusterEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herd_cluster_events_total",
			Help: "Total number of membership events observed, by kind",
		},
		[]string{"kind"},
	)

	// Sock-pool metrics
	SockPoolEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "herd_sockpool_entries",
			Help: "Number of node entries currently held in the sock-pool",
		},
	)

	SockPoolGrowTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herd_sockpool_grow_total",
			Help: "Total number of sock-pool width growth events",
		},
	)

	SockPoolMissTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herd_sockpool_miss_total",
			Help: "Total number of sock-pool cache misses by outcome",
		},
		[]string{"outcome"},
	)

	// Router / dispatch metrics
	OpDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herd_op_dispatch_duration_seconds",
			Help:    "Time to dispatch and execute an operation, by opcode and type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"opcode", "type"},
	)

	ClusterOpApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herd_cluster_op_apply_duration_seconds",
			Help:    "Time for a cluster op's process_main to run on a node",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Gateway replication metrics
	GatewayWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herd_gateway_write_duration_seconds",
			Help:    "Time for a gateway write to fan out to all replicas",
			Buckets: prometheus.DefBuckets,
		},
	)

	GatewayReadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herd_gateway_read_duration_seconds",
			Help:    "Time for a gateway read, including failover attempts",
			Buckets: prometheus.DefBuckets,
		},
	)

	GatewayReadFailoverTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herd_gateway_read_failover_total",
			Help: "Total number of gateway reads that failed over to a non-primary replica",
		},
	)

	GatewayWriteErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herd_gateway_write_errors_total",
			Help: "Total number of gateway writes that returned EIO to the client",
		},
	)

	// Farm archive metrics
	FarmSaveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herd_farm_save_duration_seconds",
			Help:    "Time taken to save a full snapshot",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	FarmLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herd_farm_load_duration_seconds",
			Help:    "Time taken to load a snapshot",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	FarmBlobsSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herd_farm_blobs_skipped_total",
			Help: "Total number of farm save objects skipped because the blob already existed",
		},
	)

	FarmBlobsWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herd_farm_blobs_written_total",
			Help: "Total number of farm blobs newly written to the object store",
		},
	)

	FarmBlobsProbedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "herd_farm_blobs_probed_total",
			Help: "Total number of farm save objects skipped on a hash-probe match, without reading the full object",
		},
	)

	// Raft (membership ordered event bus) metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "herd_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herd_raft_apply_duration_seconds",
			Help:    "Time taken to apply a membership event through Raft",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(EpochCurrent)
	prometheus.MustRegister(IsMaster)
	prometheus.MustRegister(ClusterEventsTotal)

	prometheus.MustRegister(SockPoolEntries)
	prometheus.MustRegister(SockPoolGrowTotal)
	prometheus.MustRegister(SockPoolMissTotal)

	prometheus.MustRegister(OpDispatchDuration)
	prometheus.MustRegister(ClusterOpApplyDuration)

	prometheus.MustRegister(GatewayWriteDuration)
	prometheus.MustRegister(GatewayReadDuration)
	prometheus.MustRegister(GatewayReadFailoverTotal)
	prometheus.MustRegister(GatewayWriteErrorsTotal)

	prometheus.MustRegister(FarmSaveDuration)
	prometheus.MustRegister(FarmLoadDuration)
	prometheus.MustRegister(FarmBlobsSkippedTotal)
	prometheus.MustRegister(FarmBlobsWrittenTotal)
	prometheus.MustRegister(FarmBlobsProbedTotal)

	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftApplyDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
