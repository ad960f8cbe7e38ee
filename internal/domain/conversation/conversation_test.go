package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nyukimin/convoroute/internal/domain/entity"
	"github.com/Nyukimin/convoroute/internal/domain/outbox"
	"github.com/Nyukimin/convoroute/internal/domain/routing"
)

func TestNewState(t *testing.T) {
	s := NewState("conv-1", outbox.ChannelWhatsApp, "5511999990000")
	assert.Equal(t, routing.RouteGreeting, s.Stage())
	assert.NotNil(t, s.Outbox())
	assert.False(t, s.Terminated())
	assert.Empty(t, s.Slots())
}

func TestEnsureOutboxKeepsHandle(t *testing.T) {
	s := NewState("conv-1", outbox.ChannelWeb, "")
	box := s.Outbox()
	assert.Same(t, box, s.EnsureOutbox())

	restored := FromRecord(Record{ID: "conv-2"})
	assert.Nil(t, restored.Outbox())
	assert.NotNil(t, restored.EnsureOutbox())
}

func TestSnapshotLifecycle(t *testing.T) {
	s := NewState("conv-1", outbox.ChannelWeb, "")
	_, ok := s.Snapshot()
	assert.False(t, ok)

	_, err := s.Outbox().Enqueue("Olá", outbox.ChannelWeb, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.TakeSnapshot())
	assert.Equal(t, 1, s.PlannerAfter())

	snap, ok := s.Snapshot()
	require.True(t, ok)
	assert.Len(t, snap, 1)

	s.ClearSnapshot()
	_, ok = s.Snapshot()
	assert.False(t, ok)
	assert.Zero(t, s.PlannerAfter())
}

func TestApplyEntities(t *testing.T) {
	s := NewState("conv-1", outbox.ChannelWeb, "")

	filled := s.ApplyEntities(entity.Entities{
		entity.KeyPersonName: "Maria",
		entity.KeyEmail:      "maria@example.com",
		entity.KeyAge:        "7",
	})
	assert.Equal(t, []string{SlotChildAge, SlotContactEmail, SlotParentName}, filled)

	// 2人目の名前は子の名前として扱う
	filled = s.ApplyEntities(entity.Entities{entity.KeyPersonName: "Pedro"})
	assert.Equal(t, []string{SlotChildName}, filled)

	// 収集済みスロットは上書きしない
	filled = s.ApplyEntities(entity.Entities{entity.KeyEmail: "other@example.com"})
	assert.Empty(t, filled)
	email, _ := s.Slot(SlotContactEmail)
	assert.Equal(t, "maria@example.com", email)

	c := s.Completeness()
	assert.True(t, c[SlotParentName])
	assert.True(t, c[SlotChildName])
	assert.False(t, c[SlotPreferredDate])
}

func TestMetricsAndReopen(t *testing.T) {
	s := NewState("conv-1", outbox.ChannelWeb, "")
	s.SetStage(routing.RouteScheduling)
	s.RecordConfusion()
	s.RecordConfusion()
	s.RecordDeliveryFailure()
	s.UseEmergencyFallback()
	s.Terminate(StopReasonEmergencyExhausted)

	assert.Equal(t, Metrics{ConsecutiveFailures: 1, ConfusionCount: 2}, s.Metrics())
	assert.True(t, s.Terminated())
	assert.Equal(t, StopReasonEmergencyExhausted, s.StopReason())

	s.Reopen()
	assert.False(t, s.Terminated())
	assert.Equal(t, StopReasonNone, s.StopReason())
	assert.Zero(t, s.EmergencyFallbacksUsed())
	assert.Equal(t, Metrics{}, s.Metrics())
	assert.Equal(t, routing.RouteGreeting, s.Stage())
}

func TestRecordDecisionCopiesMissingFields(t *testing.T) {
	s := NewState("conv-1", outbox.ChannelWeb, "")
	missing := []string{"child_age"}
	s.RecordDecision(routing.Decision{TargetNode: routing.RouteDataCollection, MissingFields: missing})
	missing[0] = "mutated"

	d, ok := s.LastDecision()
	require.True(t, ok)
	assert.Equal(t, []string{"child_age"}, d.MissingFields)
	assert.Equal(t, 1, s.TurnCount())
}

func TestRecordRoundTrip(t *testing.T) {
	s := NewState("conv-1", outbox.ChannelLINE, "U123")
	s.SetSlot(SlotParentName, "Maria")
	s.MarkEmitted("key-1")
	s.RecordDelivered("Olá Maria!")
	s.RecordDecision(routing.Decision{TargetNode: routing.RouteInformation, ThresholdAction: routing.ActionProceed})
	_, err := s.Outbox().Enqueue("pendente", outbox.ChannelLINE, nil)
	require.NoError(t, err)

	restored := FromRecord(s.Record())
	assert.Equal(t, s.ID(), restored.ID())
	assert.Equal(t, outbox.ChannelLINE, restored.Channel())
	assert.Equal(t, "U123", restored.Destination())
	assert.True(t, restored.HasEmitted("key-1"))
	assert.Equal(t, "Olá Maria!", restored.LastOutbound())
	assert.Equal(t, 1, restored.Outbox().Len())
	assert.Equal(t, s.CreatedAt(), restored.CreatedAt())
	d, ok := restored.LastDecision()
	require.True(t, ok)
	assert.Equal(t, routing.RouteInformation, d.TargetNode)
}
