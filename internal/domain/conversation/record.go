package conversation

import (
	"time"

	"github.com/Nyukimin/convoroute/internal/domain/outbox"
	"github.com/Nyukimin/convoroute/internal/domain/routing"
)

// Record は永続化層との受け渡しに使う状態のコピー
// ターン内だけの情報（スナップショット等）は含めない
type Record struct {
	ID                 string
	Channel            outbox.Channel
	Destination        string
	Stage              routing.Route
	Slots              map[string]string
	Metrics            Metrics
	Outbox             []outbox.Envelope
	EmittedKeys        []string
	LastDecision       *routing.Decision
	LastOutbound       string
	EmergencyFallbacks int
	Terminated         bool
	StopReason         StopReason
	DesyncEvents       int
	TurnCount          int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Record は現在の状態を Record に書き出す
func (s *State) Record() Record {
	var last *routing.Decision
	if d, ok := s.LastDecision(); ok {
		last = &d
	}
	var queued []outbox.Envelope
	if s.outbox != nil {
		queued = s.outbox.Snapshot()
	}
	return Record{
		ID:                 s.id,
		Channel:            s.channel,
		Destination:        s.destination,
		Stage:              s.stage,
		Slots:              s.Slots(),
		Metrics:            s.metrics,
		Outbox:             queued,
		EmittedKeys:        s.EmittedKeys(),
		LastDecision:       last,
		LastOutbound:       s.lastOutbound,
		EmergencyFallbacks: s.emergencyFallbacks,
		Terminated:         s.terminated,
		StopReason:         s.stopReason,
		DesyncEvents:       s.desyncEvents,
		TurnCount:          s.turnCount,
		CreatedAt:          s.createdAt,
		UpdatedAt:          s.updatedAt,
	}
}

// FromRecord は永続化層から状態を復元する（タイムスタンプを保持）
// Outbox が nil の Record からはOutboxを持たない状態が復元される
func FromRecord(r Record) *State {
	s := &State{
		id:                 r.ID,
		channel:            r.Channel,
		destination:        r.Destination,
		stage:              r.Stage,
		slots:              make(map[string]string, len(r.Slots)),
		metrics:            r.Metrics,
		emitted:            make(map[string]struct{}, len(r.EmittedKeys)),
		lastOutbound:       r.LastOutbound,
		emergencyFallbacks: r.EmergencyFallbacks,
		terminated:         r.Terminated,
		stopReason:         r.StopReason,
		desyncEvents:       r.DesyncEvents,
		turnCount:          r.TurnCount,
		createdAt:          r.CreatedAt,
		updatedAt:          r.UpdatedAt,
	}
	if s.stage == "" {
		s.stage = routing.RouteGreeting
	}
	for k, v := range r.Slots {
		s.slots[k] = v
	}
	for _, k := range r.EmittedKeys {
		s.emitted[k] = struct{}{}
	}
	if r.LastDecision != nil {
		d := *r.LastDecision
		s.lastDecision = &d
	}
	if r.Outbox != nil {
		s.outbox = outbox.New()
		s.outbox.Restore(r.Outbox)
	}
	return s
}
