package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "casewire", cfg.ServiceName)
	assert.Equal(t, "dev", cfg.ServiceVersion)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Enabled = false

	shutdown, err := Init(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	// Should be able to call shutdown without error
	err = shutdown(ctx)
	assert.NoError(t, err)

	// Should not be enabled
	assert.False(t, IsEnabled())
}

func TestTracerReturnsNoOp(t *testing.T) {
	// Reset state
	tracer = nil
	enabled = false

	// Without initialization, should return no-op tracer
	tr := Tracer()
	require.NotNil(t, tr)
}

func TestStartSpan(t *testing.T) {
	ctx := context.Background()

	// Even without initialization, StartSpan should work (no-op)
	newCtx, span := StartSpan(ctx, "test.operation")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)

	// Should be able to end the span
	span.End()
}

func TestSpanFromContext(t *testing.T) {
	ctx := context.Background()

	// Should return a span even without active span
	span := SpanFromContext(ctx)
	require.NotNil(t, span)
}

func TestAddEvent(t *testing.T) {
	ctx := context.Background()

	// Should not panic with no active span
	require.NotPanics(t, func() {
		AddEvent(ctx, "test.event")
	})
}

func TestRecordError(t *testing.T) {
	ctx := context.Background()

	// Should not panic with nil error
	require.NotPanics(t, func() {
		RecordError(ctx, nil)
	})

	// Should not panic with error
	require.NotPanics(t, func() {
		RecordError(ctx, errors.New("test error"))
	})
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()

	// Should not panic
	require.NotPanics(t, func() {
		SetStatus(ctx, codes.Ok, "success")
	})

	require.NotPanics(t, func() {
		SetStatus(ctx, codes.Error, "failed")
	})
}

func TestSetAttributes(t *testing.T) {
	ctx := context.Background()

	// Should not panic
	require.NotPanics(t, func() {
		SetAttributes(ctx, CaseID("CASE-1"))
	})
}

func TestTraceID(t *testing.T) {
	ctx := context.Background()

	// Without active span, should return empty string
	traceID := TraceID(ctx)
	assert.Equal(t, "", traceID)
}

func TestSpanID(t *testing.T) {
	ctx := context.Background()

	// Without active span, should return empty string
	spanID := SpanID(ctx)
	assert.Equal(t, "", spanID)
}

func TestAttributeHelpers(t *testing.T) {
	t.Run("CaseID", func(t *testing.T) {
		attr := CaseID("CASE-1")
		assert.Equal(t, AttrCaseID, string(attr.Key))
		assert.Equal(t, "CASE-1", attr.Value.AsString())
	})

	t.Run("SectionID", func(t *testing.T) {
		attr := SectionID("CP")
		assert.Equal(t, AttrSectionID, string(attr.Key))
		assert.Equal(t, "CP", attr.Value.AsString())
	})

	t.Run("Revision", func(t *testing.T) {
		attr := Revision(2)
		assert.Equal(t, AttrRevision, string(attr.Key))
		assert.Equal(t, int64(2), attr.Value.AsInt64())
	})

	t.Run("EvidenceID", func(t *testing.T) {
		attr := EvidenceID("ev-123")
		assert.Equal(t, AttrEvidenceID, string(attr.Key))
		assert.Equal(t, "ev-123", attr.Value.AsString())
	})

	t.Run("ContentHash", func(t *testing.T) {
		attr := ContentHash("abcd1234")
		assert.Equal(t, AttrContentHash, string(attr.Key))
		assert.Equal(t, "abcd1234", attr.Value.AsString())
	})

	t.Run("EvidenceKind", func(t *testing.T) {
		attr := EvidenceKind("document")
		assert.Equal(t, AttrEvidenceKind, string(attr.Key))
		assert.Equal(t, "document", attr.Value.AsString())
	})

	t.Run("EvidenceSize", func(t *testing.T) {
		attr := EvidenceSize(1048576)
		assert.Equal(t, AttrEvidenceSize, string(attr.Key))
		assert.Equal(t, int64(1048576), attr.Value.AsInt64())
	})

	t.Run("BusTopic", func(t *testing.T) {
		attr := BusTopic("evidence.indexed")
		assert.Equal(t, AttrBusTopic, string(attr.Key))
		assert.Equal(t, "evidence.indexed", attr.Value.AsString())
	})

	t.Run("RadioCode", func(t *testing.T) {
		attr := RadioCode("10-6")
		assert.Equal(t, AttrRadioCode, string(attr.Key))
		assert.Equal(t, "10-6", attr.Value.AsString())
	})

	t.Run("FaultCode", func(t *testing.T) {
		attr := FaultCode("2-1-53")
		assert.Equal(t, AttrFaultCode, string(attr.Key))
		assert.Equal(t, "2-1-53", attr.Value.AsString())
	})

	t.Run("FaultSeverity", func(t *testing.T) {
		attr := FaultSeverity("HIGH")
		assert.Equal(t, AttrFaultSeverity, string(attr.Key))
		assert.Equal(t, "HIGH", attr.Value.AsString())
	})

	t.Run("Bucket", func(t *testing.T) {
		attr := Bucket("my-bucket")
		assert.Equal(t, AttrBucket, string(attr.Key))
		assert.Equal(t, "my-bucket", attr.Value.AsString())
	})

	t.Run("StorageKey", func(t *testing.T) {
		attr := StorageKey("path/to/object")
		assert.Equal(t, AttrKey, string(attr.Key))
		assert.Equal(t, "path/to/object", attr.Value.AsString())
	})
}

func TestStartEvidenceSpan(t *testing.T) {
	ctx := context.Background()

	newCtx, span := StartEvidenceSpan(ctx, SpanIngest, "ev-123")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()

	// With additional attributes
	newCtx2, span2 := StartEvidenceSpan(ctx, SpanClassify, "ev-456", EvidenceKind("image"), EvidenceSize(1024))
	require.NotNil(t, newCtx2)
	require.NotNil(t, span2)
	span2.End()
}

func TestStartSectionSpan(t *testing.T) {
	ctx := context.Background()

	newCtx, span := StartSectionSpan(ctx, SpanSectionRun, "CASE-1", "CP")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()

	// With additional attributes
	newCtx2, span2 := StartSectionSpan(ctx, SpanPublish, "CASE-1", "TOC", Revision(1))
	require.NotNil(t, newCtx2)
	require.NotNil(t, span2)
	span2.End()
}
