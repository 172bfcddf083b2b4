package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons reported by the bridge and the channels.
const (
	DropUnregisteredOrigin = "unregistered_origin"
	DropUnknownOperation   = "unknown_operation"
	DropMalformed          = "malformed"
	DropNoFrame            = "no_frame"
	DropFrameBackpressure  = "frame_backpressure"
	DropUnknownQueue       = "unknown_queue"
	DropUnknownRPC         = "unknown_rpc"
	DropUnknownEvent       = "unknown_event"
	DropOrphanedCall       = "orphaned_call"
	DropForeignService     = "foreign_service"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "dockshell_build_info",
			Help:        "Build information for the dockshell server",
			ConstLabels: prometheus.Labels{"component": "shell"},
		},
		[]string{"date", "sha", "version"},
	)

	backendConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dockshell_backend_connected",
			Help: "1 when the backend transport connection is established",
		},
	)

	framesConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dockshell_frames_connected",
			Help: "Number of hosted frames currently connected",
		},
	)

	applications = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dockshell_applications",
			Help: "Number of registered application records",
		},
	)

	directoryServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dockshell_directory_services",
			Help: "Number of services in the current directory listing",
		},
	)

	dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockshell_bridge_dropped_total",
			Help: "Messages dropped without reply, by reason",
		},
		[]string{"reason"},
	)

	bridgeOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockshell_bridge_operations_total",
			Help: "Frame operations dispatched by the bridge",
		},
		[]string{"operation"},
	)

	queueMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockshell_queue_messages_total",
			Help: "Queue messages relayed, by direction (in, out)",
		},
		[]string{"direction"},
	)

	rpcCalls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dockshell_rpc_calls_total",
			Help: "Remote calls sent to the backend",
		},
	)

	rpcReplies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dockshell_rpc_replies_total",
			Help: "Remote call replies delivered to a pending callback",
		},
	)

	rpcPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dockshell_rpc_pending",
			Help: "Remote calls awaiting a reply",
		},
	)
)

// Register registers all shell collectors with r.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, backendConnected, framesConnected, applications, directoryServices,
		dropped, bridgeOperations, queueMessages, rpcCalls, rpcReplies, rpcPending)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SetBackendConnected records the backend transport state.
func SetBackendConnected(ok bool) {
	if ok {
		backendConnected.Set(1)
		return
	}
	backendConnected.Set(0)
}

func FrameConnected()    { framesConnected.Inc() }
func FrameDisconnected() { framesConnected.Dec() }

// SetApplications records the number of registered application records.
func SetApplications(n int) { applications.Set(float64(n)) }

// SetDirectoryServices records the size of the current listing.
func SetDirectoryServices(n int) { directoryServices.Set(float64(n)) }

// RecordDrop counts a message dropped for reason.
func RecordDrop(reason string) { dropped.WithLabelValues(reason).Inc() }

// RecordOperation counts a dispatched frame operation.
func RecordOperation(op string) { bridgeOperations.WithLabelValues(op).Inc() }

// RecordQueueMessage counts a queue message; direction is "in" or "out".
func RecordQueueMessage(direction string) { queueMessages.WithLabelValues(direction).Inc() }

// RecordRPCCall counts an outbound call.
func RecordRPCCall() { rpcCalls.Inc() }

// RecordRPCReply counts a reply matched to a pending call.
func RecordRPCReply() { rpcReplies.Inc() }

// SetRPCPending records the number of outstanding calls.
func SetRPCPending(n int) { rpcPending.Set(float64(n)) }
