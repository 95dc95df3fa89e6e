// Package metrics defines the Prometheus metric surface shared by every
// component, following the capability-interface style the rest of the node
// uses for its dynamic-dispatch subsystems (§4.6/§9 of the design): callers
// depend on the small Registerer interface, not on *prometheus.Registry
// directly, so tests can substitute a no-op implementation.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registerer is the capability every component needs from the metrics
// subsystem: the ability to register its own collectors exactly once.
type Registerer interface {
	MustRegister(...prometheus.Collector)
}

// Set is the full collection of counters/gauges/histograms the TCE core
// exposes. One Set is constructed per node and threaded into every
// component constructor that needs to record something.
type Set struct {
	EchoesTallied        *prometheus.CounterVec
	ReadiesTallied        *prometheus.CounterVec
	MessagesDropped       *prometheus.CounterVec
	BufferOverflows       prometheus.Counter
	TasksActive           prometheus.Gauge
	TasksSpawned          prometheus.Counter
	TasksRetired          prometheus.Counter
	CommandChannelDepth   prometheus.Gauge
	SubmissionsOverloaded prometheus.Counter
	Delivered             *prometheus.CounterVec
	DeliveryLatency       *prometheus.HistogramVec
	SourceHead            *prometheus.GaugeVec
	SyncTicks             prometheus.Counter
	SyncFetched           prometheus.Counter
	SyncFailures          *prometheus.CounterVec
}

// New builds a Set and registers every collector with reg. Panics on
// duplicate registration, matching prometheus.MustRegister's contract and
// the teacher's "build once at startup" convention.
func New(reg Registerer, namespace string) *Set {
	s := &Set{
		EchoesTallied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "echoes_tallied_total",
			Help: "Distinct ECHO signatures tallied per certificate.",
		}, []string{"certificate"}),
		ReadiesTallied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "readies_tallied_total",
			Help: "Distinct READY signatures tallied per certificate.",
		}, []string{"certificate"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_dropped_total",
			Help: "Inbound protocol messages dropped, by reason.",
		}, []string{"reason"}),
		BufferOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "buffer_overflows_total",
			Help: "Per-certificate inbound buffer drops past max_buffer_size.",
		}),
		TasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "broadcast_tasks_active",
			Help: "Number of live per-certificate broadcast tasks.",
		}),
		TasksSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcast_tasks_spawned_total",
			Help: "Broadcast tasks created since startup.",
		}),
		TasksRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcast_tasks_retired_total",
			Help: "Broadcast tasks retired since startup.",
		}),
		CommandChannelDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "command_channel_depth",
			Help: "Current depth of the task manager's command channel.",
		}),
		SubmissionsOverloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "submissions_overloaded_total",
			Help: "Public submissions rejected with Overloaded.",
		}),
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "certificates_delivered_total",
			Help: "Certificates delivered, by source subnet.",
		}, []string{"source_subnet"}),
		DeliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "delivery_latency_seconds",
			Help:    "Time from task start to delivery.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source_subnet"}),
		SourceHead: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "source_head_position",
			Help: "Latest delivered position per source subnet.",
		}, []string{"source_subnet"}),
		SyncTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sync_ticks_total",
			Help: "Synchronizer ticks executed.",
		}),
		SyncFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sync_certificates_fetched_total",
			Help: "Certificates fetched and delivered via synchronization.",
		}),
		SyncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sync_failures_total",
			Help: "Synchronizer failures, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		s.EchoesTallied, s.ReadiesTallied, s.MessagesDropped, s.BufferOverflows,
		s.TasksActive, s.TasksSpawned, s.TasksRetired, s.CommandChannelDepth,
		s.SubmissionsOverloaded, s.Delivered, s.DeliveryLatency, s.SourceHead,
		s.SyncTicks, s.SyncFetched, s.SyncFailures,
	)
	return s
}

// NOP returns a Set registered against a throwaway registry, for tests and
// call sites that don't care about metrics output.
func NOP() *Set {
	return New(prometheus.NewRegistry(), "tce_test")
}
