package observability

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Nyukimin/convoroute/internal/domain/guard"
)

func newObservedTracer() (*Tracer, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewTracer(zap.New(core)), logs
}

func TestLine(t *testing.T) {
	line := Line(TagOutbox,
		guard.Field{Key: "phase", Value: "planned"},
		guard.Field{Key: "count", Value: "2"},
	)
	assert.Equal(t, "OUTBOX_TRACE|phase=planned|count=2", line)
}

func TestLine_SanitizesDelimiters(t *testing.T) {
	line := Line(TagDestination, guard.Field{Key: "value", Value: "a|b\nc"})
	assert.Equal(t, "DESTINATION_TRACE|value=a/b c", line)
}

func TestTracer_OutboxAndDelivery(t *testing.T) {
	tracer, logs := newObservedTracer()

	tracer.Outbox("planned", "conv-1", "abc", 1)
	tracer.DeliverySend("conv-1", "web", "abc", "user-1")
	tracer.DeliveryResult("conv-1", "web", "abc", "failed", 503, "")

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "OUTBOX_TRACE|phase=planned|conversation_id=conv-1|idempotency_key=abc|count=1", entries[0].Message)
	assert.True(t, strings.HasPrefix(entries[1].Message, "DELIVERY_TRACE|action=send|"))
	assert.Contains(t, entries[2].Message, "status=failed|http=503")
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
}

func TestTracer_ViolationIsCriticalAndCounted(t *testing.T) {
	tracer, logs := newObservedTracer()
	before := testutil.ToFloat64(GuardViolations.WithLabelValues(guard.TypeOutboxHandoff))

	err := guard.CheckOutboxHandoff("conv-9", 2, 0)
	var v guard.Violation
	require.True(t, errors.As(err, &v))
	tracer.Violation(v)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "GUARD_VIOLATION|level=CRITICAL|type=outbox_handoff|conversation_id=conv-9|planner_after=2|delivery_before=0", entries[0].Message)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, before+1, testutil.ToFloat64(GuardViolations.WithLabelValues(guard.TypeOutboxHandoff)))
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug", "console")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, err = NewLogger("loud", "json")
	assert.Error(t, err)
}
