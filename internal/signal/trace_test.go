package signal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTraceparentRoundTrip(t *testing.T) {
	ctx := TraceContext{TraceID: NewTraceID(), SpanID: NewSpanID()}
	tp, err := ctx.ToTraceparent()
	require.NoError(t, err)

	parsed, err := FromTraceparent(tp)
	require.NoError(t, err)
	require.Equal(t, ctx.TraceID, parsed.TraceID)
	require.Equal(t, ctx.SpanID, parsed.SpanID)
}

func TestFromTraceparentRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"00-short-short-01",
		"01-" + NewTraceID() + "-" + NewSpanID() + "-01",
		NewTraceID(),
	}
	for _, c := range cases {
		_, err := FromTraceparent(c)
		require.Error(t, err, c)
	}
}

func TestMapRoundTrip(t *testing.T) {
	ctx := TraceContext{
		TraceID:      NewTraceID(),
		SpanID:       NewSpanID(),
		ParentSpanID: NewSpanID(),
		CausationID:  "cause-1",
		TraceState:   "vendor=1",
	}
	m := ctx.ToMap()
	roundTripped := TraceContextFromMap(m)
	require.Equal(t, ctx, roundTripped)
}
