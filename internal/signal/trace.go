package signal

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// CorrelationNamespace is the extension namespace used for trace context.
const CorrelationNamespace = "correlation"

var traceparentRE = regexp.MustCompile(`^00-([0-9a-f]{32})-([0-9a-f]{16})-[0-9a-f]{2}$`)

// TraceContext is the W3C-compatible correlation extension payload carried
// on every signal to link it to the causal chain that produced it.
type TraceContext struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	CausationID  string
	TraceState   string
}

// NewTraceID returns a random 32 hex character trace id.
func NewTraceID() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

// NewSpanID returns a random 16 hex character span id.
func NewSpanID() string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

// ToTraceparent renders ctx using the W3C traceparent format
// `00-{trace_id}-{span_id}-01`.
func (ctx TraceContext) ToTraceparent() (string, error) {
	if len(ctx.TraceID) != 32 {
		return "", fmt.Errorf("trace: trace_id must be 32 hex characters")
	}
	if len(ctx.SpanID) != 16 {
		return "", fmt.Errorf("trace: span_id must be 16 hex characters")
	}
	if _, err := hex.DecodeString(ctx.TraceID); err != nil {
		return "", fmt.Errorf("trace: trace_id must be hex: %w", err)
	}
	if _, err := hex.DecodeString(ctx.SpanID); err != nil {
		return "", fmt.Errorf("trace: span_id must be hex: %w", err)
	}
	return fmt.Sprintf("00-%s-%s-01", ctx.TraceID, ctx.SpanID), nil
}

// FromTraceparent parses a W3C traceparent header, rejecting malformed
// strings and strings with the wrong hex lengths.
func FromTraceparent(raw string) (TraceContext, error) {
	matches := traceparentRE.FindStringSubmatch(strings.TrimSpace(raw))
	if matches == nil {
		return TraceContext{}, fmt.Errorf("trace: malformed traceparent %q", raw)
	}
	return TraceContext{TraceID: matches[1], SpanID: matches[2]}, nil
}

// ToMap renders the trace context as the extension payload map used by
// WithExtension(CorrelationNamespace, ...).
func (ctx TraceContext) ToMap() map[string]any {
	out := map[string]any{
		"trace_id": ctx.TraceID,
		"span_id":  ctx.SpanID,
	}
	if ctx.ParentSpanID != "" {
		out["parent_span_id"] = ctx.ParentSpanID
	}
	if ctx.CausationID != "" {
		out["causation_id"] = ctx.CausationID
	}
	if ctx.TraceState != "" {
		out["tracestate"] = ctx.TraceState
	}
	return out
}

// TraceContextFromMap reconstructs a TraceContext from an extension payload
// map as returned by Signal.Extension(CorrelationNamespace).
func TraceContextFromMap(m map[string]any) TraceContext {
	var ctx TraceContext
	if v, ok := m["trace_id"].(string); ok {
		ctx.TraceID = v
	}
	if v, ok := m["span_id"].(string); ok {
		ctx.SpanID = v
	}
	if v, ok := m["parent_span_id"].(string); ok {
		ctx.ParentSpanID = v
	}
	if v, ok := m["causation_id"].(string); ok {
		ctx.CausationID = v
	}
	if v, ok := m["tracestate"].(string); ok {
		ctx.TraceState = v
	}
	return ctx
}
