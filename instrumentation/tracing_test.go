package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingInstrumentation(t *testing.T) (*Instrumentation, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	inst, err := New(Config{
		Enabled:        true,
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return inst, recorder
}

func attrMap(attrs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(attrs))
	for _, a := range attrs {
		m[a.Key] = a.Value
	}
	return m
}

func TestRecordError(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	_, span := inst.Tracer("server").Start(context.Background(), "test-span")
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", ended[0].Status().Code)
	}
	if ended[0].Status().Description != "boom" {
		t.Errorf("description = %q, want %q", ended[0].Status().Description, "boom")
	}
}

func TestSetSpanSuccess(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	_, span := inst.Tracer("server").Start(context.Background(), "test-span")
	SetSpanSuccess(span)
	span.End()

	if got := recorder.Ended()[0].Status().Code; got != codes.Ok {
		t.Errorf("status = %v, want Ok", got)
	}
}

func TestSetSpanError(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	_, span := inst.Tracer("storage").Start(context.Background(), "test-span")
	SetSpanError(span, "revision conflict")
	span.End()

	status := recorder.Ended()[0].Status()
	if status.Code != codes.Error || status.Description != "revision conflict" {
		t.Errorf("status = %+v, want Error/revision conflict", status)
	}
}

func TestSpanAttributeHelpers(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	_, span := inst.Tracer("bridge").Start(context.Background(), "bridge.call")
	AddOAuthFlowAttributes(span, "client-1", "")
	AddPKCEAttributes(span, "S256")
	AddBridgeAttributes(span, "files", "read_file", 7)
	AddHTTPAttributes(span, "POST", "/oauth/token", 200)
	AddSecurityAttributes(span, "")
	span.End()

	attrs := attrMap(recorder.Ended()[0].Attributes())

	want := map[attribute.Key]string{
		AttrClientID:     "client-1",
		AttrPKCEMethod:   "S256",
		AttrBridgeServer: "files",
		AttrBridgeTool:   "read_file",
		AttrHTTPMethod:   "POST",
		AttrHTTPEndpoint: "/oauth/token",
	}
	for k, v := range want {
		if got := attrs[k].AsString(); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if got := attrs[AttrBridgeRequestID].AsInt64(); got != 7 {
		t.Errorf("%s = %d, want 7", AttrBridgeRequestID, got)
	}
	if got := attrs[AttrHTTPStatusCode].AsInt64(); got != 200 {
		t.Errorf("%s = %d, want 200", AttrHTTPStatusCode, got)
	}
	if _, ok := attrs[AttrScope]; ok {
		t.Error("empty scope must not be recorded")
	}
	if _, ok := attrs[AttrClientIP]; ok {
		t.Error("empty client IP must not be recorded")
	}
}

func TestShouldLogClientIPs(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   bool
	}{
		{"enabled", Config{Enabled: true, LogClientIPs: true}, true},
		{"disabled", Config{Enabled: true, LogClientIPs: false}, false},
		{"default is off", Config{Enabled: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer func() { _ = inst.Shutdown(context.Background()) }()

			if got := inst.ShouldLogClientIPs(); got != tt.want {
				t.Errorf("ShouldLogClientIPs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSpanNesting(t *testing.T) {
	inst, recorder := newRecordingInstrumentation(t)

	ctx, parent := inst.Tracer("http").Start(context.Background(), "oauth.http.token")
	_, child := inst.Tracer("storage").Start(ctx, "storage.jsonfile.save")
	child.End()
	parent.End()

	ended := recorder.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(ended))
	}
	if ended[0].Parent().SpanID() != ended[1].SpanContext().SpanID() {
		t.Error("storage span is not a child of the http span")
	}
}

func TestNilSafeHelpers_WithNilSpans(t *testing.T) {
	RecordError(nil, errors.New("x"))
	SetSpanSuccess(nil)
	SetSpanError(nil, "x")
	SetSpanAttributes(nil, attribute.String("k", "v"))
	AddOAuthFlowAttributes(nil, "c", "s")
	AddPKCEAttributes(nil, "S256")
	AddBridgeAttributes(nil, "s", "t", 1)
	AddHTTPAttributes(nil, "GET", "/", 200)
	AddSecurityAttributes(nil, "127.0.0.1")
}
