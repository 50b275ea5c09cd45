package observe

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func metricNames(rm metricdata.ResourceMetrics) map[string]bool {
	names := make(map[string]bool)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			names[m.Name] = true
		}
	}
	return names
}

func TestMetrics_RecordersEmit(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrameIn(ctx, "voicechat.audio.chunk")
	m.RecordFrameOut(ctx, "voicechat.response.chunk")
	m.RecordAudioBytes(ctx, "in", 3200)
	m.RecordReconnection(ctx, "stt", "success")
	m.RecordProviderError(ctx, "deepgram", "stt")
	m.Interruptions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.STTDuration.Record(ctx, 0.12)

	names := metricNames(collect(t, reader))
	for _, want := range []string{
		"voxgate.frames.in",
		"voxgate.frames.out",
		"voxgate.audio.bytes",
		"voxgate.reconnections",
		"voxgate.provider.errors",
		"voxgate.interruptions",
		"voxgate.active_sessions",
		"voxgate.stt.duration",
	} {
		if !names[want] {
			t.Errorf("metric %q not collected; have %v", want, names)
		}
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics must return the same instance")
	}
}
