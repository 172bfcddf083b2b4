package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	SetBuildInfo("1.0.0", "abc", "2024-01-01")
	SetBackendConnected(true)
	FrameConnected()
	FrameConnected()
	FrameDisconnected()
	SetApplications(3)
	SetDirectoryServices(2)
	RecordDrop(DropUnknownQueue)
	RecordOperation("rpc")
	RecordQueueMessage("in")
	RecordRPCCall()
	RecordRPCReply()
	SetRPCPending(4)

	if v := testutil.ToFloat64(buildInfo.WithLabelValues("2024-01-01", "abc", "1.0.0")); v != 1 {
		t.Fatalf("build info: %v", v)
	}
	if v := testutil.ToFloat64(backendConnected); v != 1 {
		t.Fatalf("backend connected: %v", v)
	}
	if v := testutil.ToFloat64(framesConnected); v != 1 {
		t.Fatalf("frames connected: %v", v)
	}
	if v := testutil.ToFloat64(applications); v != 3 {
		t.Fatalf("applications: %v", v)
	}
	if v := testutil.ToFloat64(directoryServices); v != 2 {
		t.Fatalf("directory services: %v", v)
	}
	if v := testutil.ToFloat64(dropped.WithLabelValues(DropUnknownQueue)); v < 1 {
		t.Fatalf("dropped: %v", v)
	}
	if v := testutil.ToFloat64(bridgeOperations.WithLabelValues("rpc")); v < 1 {
		t.Fatalf("operations: %v", v)
	}
	if v := testutil.ToFloat64(rpcPending); v != 4 {
		t.Fatalf("pending: %v", v)
	}
	SetBackendConnected(false)
	if v := testutil.ToFloat64(backendConnected); v != 0 {
		t.Fatalf("backend connected after reset: %v", v)
	}
}
