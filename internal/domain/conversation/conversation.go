package conversation

import (
	"errors"
	"sort"
	"time"

	"github.com/Nyukimin/convoroute/internal/domain/entity"
	"github.com/Nyukimin/convoroute/internal/domain/outbox"
	"github.com/Nyukimin/convoroute/internal/domain/routing"
)

// ErrConversationNotFound は会話が見つからない場合のエラー
var ErrConversationNotFound = errors.New("conversation not found")

// StopReason は会話終了理由（機械可読）
type StopReason string

const (
	StopReasonNone                StopReason = ""
	StopReasonEmergencyExhausted  StopReason = "emergency_fallback_exhausted"
	StopReasonOperatorTermination StopReason = "operator_termination"
)

// スロット名（必須データ）
const (
	SlotParentName      = "parent_name"
	SlotChildName       = "child_name"
	SlotChildAge        = "child_age"
	SlotContactEmail    = "contact_email"
	SlotProgramInterest = "program_interest"
	SlotPreferredDate   = "preferred_date"
	SlotPreferredTime   = "preferred_time"
)

// Metrics は進行ブロック判定にのみ使う失敗・混乱カウンタ
type Metrics struct {
	ConsecutiveFailures int
	ConfusionCount      int
}

// State は1会話分の状態を表すエンティティ
// Outbox はこの State が排他的に所有し、参照で各フェーズに渡される
type State struct {
	id          string
	channel     outbox.Channel
	destination string // 会話単位の宛先（チャットID等）
	stage       routing.Route
	slots       map[string]string
	metrics     Metrics

	outbox       *outbox.Outbox
	snapshot     []outbox.Envelope
	hasSnapshot  bool
	plannerAfter int
	emitted      map[string]struct{}

	lastDecision       *routing.Decision
	lastOutbound       string
	emergencyFallbacks int
	terminated         bool
	stopReason         StopReason
	desyncEvents       int
	turnCount          int

	createdAt time.Time
	updatedAt time.Time
}

// NewState は新しい会話状態を作成
func NewState(id string, channel outbox.Channel, destination string) *State {
	now := time.Now()
	return &State{
		id:          id,
		channel:     channel,
		destination: destination,
		stage:       routing.RouteGreeting,
		slots:       make(map[string]string),
		outbox:      outbox.New(),
		emitted:     make(map[string]struct{}),
		createdAt:   now,
		updatedAt:   now,
	}
}

// ID は会話IDを返す
func (s *State) ID() string {
	return s.id
}

// Channel は会話のチャネルを返す
func (s *State) Channel() outbox.Channel {
	return s.channel
}

// Destination は会話単位の宛先を返す
func (s *State) Destination() string {
	return s.destination
}

// SetDestination は会話単位の宛先を設定
func (s *State) SetDestination(destination string) {
	s.destination = destination
	s.touch()
}

// Stage は現在のステージを返す
func (s *State) Stage() routing.Route {
	return s.stage
}

// SetStage はステージを設定
func (s *State) SetStage(stage routing.Route) {
	s.stage = stage
	s.touch()
}

// CreatedAt は作成時刻を返す
func (s *State) CreatedAt() time.Time {
	return s.createdAt
}

// UpdatedAt は最終更新時刻を返す
func (s *State) UpdatedAt() time.Time {
	return s.updatedAt
}

// ---- Outbox ----

// Outbox は現在のOutboxハンドルを返す（nil の可能性あり、ガードで検査する）
func (s *State) Outbox() *outbox.Outbox {
	return s.outbox
}

// EnsureOutbox はOutboxの存在を保証し、常に同じハンドルを返す
func (s *State) EnsureOutbox() *outbox.Outbox {
	if s.outbox == nil {
		s.outbox = outbox.New()
	}
	return s.outbox
}

// TakeSnapshot は計画フェーズ直後の読み取り専用スナップショットを取る
func (s *State) TakeSnapshot() int {
	s.snapshot = s.EnsureOutbox().Snapshot()
	s.hasSnapshot = true
	s.plannerAfter = len(s.snapshot)
	return s.plannerAfter
}

// Snapshot はスナップショットを返す
func (s *State) Snapshot() ([]outbox.Envelope, bool) {
	if !s.hasSnapshot {
		return nil, false
	}
	out := make([]outbox.Envelope, len(s.snapshot))
	copy(out, s.snapshot)
	return out, true
}

// PlannerAfter は計画フェーズ終了時のOutbox件数を返す
func (s *State) PlannerAfter() int {
	return s.plannerAfter
}

// ClearSnapshot はターン終了時にスナップショットを破棄
func (s *State) ClearSnapshot() {
	s.snapshot = nil
	s.hasSnapshot = false
	s.plannerAfter = 0
}

// HasEmitted は冪等キーが送信済みかを判定
func (s *State) HasEmitted(key string) bool {
	_, ok := s.emitted[key]
	return ok
}

// MarkEmitted は冪等キーを送信済みにする
func (s *State) MarkEmitted(key string) {
	if s.emitted == nil {
		s.emitted = make(map[string]struct{})
	}
	s.emitted[key] = struct{}{}
	s.touch()
}

// EmittedKeys は送信済みキーをソートして返す
func (s *State) EmittedKeys() []string {
	keys := make([]string, 0, len(s.emitted))
	for k := range s.emitted {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RecordDelivered は最新の送信内容を記録
func (s *State) RecordDelivered(text string) {
	s.lastOutbound = text
	s.touch()
}

// LastOutbound は最新の送信内容を返す
func (s *State) LastOutbound() string {
	return s.lastOutbound
}

// RecordDesync はOutboxの非同期（スナップショット復元）を記録
func (s *State) RecordDesync() {
	s.desyncEvents++
	s.touch()
}

// DesyncEvents は非同期の発生回数を返す
func (s *State) DesyncEvents() int {
	return s.desyncEvents
}

// ---- 緊急フォールバック・終了 ----

// EmergencyFallbacksUsed は使用済みの緊急フォールバック数を返す
func (s *State) EmergencyFallbacksUsed() int {
	return s.emergencyFallbacks
}

// UseEmergencyFallback は緊急フォールバックの使用を記録
func (s *State) UseEmergencyFallback() {
	s.emergencyFallbacks++
	s.touch()
}

// Terminate は会話を終了させる
func (s *State) Terminate(reason StopReason) {
	s.terminated = true
	s.stopReason = reason
	s.touch()
}

// Terminated は会話が終了しているかを返す
func (s *State) Terminated() bool {
	return s.terminated
}

// StopReason は終了理由を返す
func (s *State) StopReason() StopReason {
	return s.stopReason
}

// Reopen はオペレーター操作で会話を再開する（/reset）
func (s *State) Reopen() {
	s.terminated = false
	s.stopReason = StopReasonNone
	s.emergencyFallbacks = 0
	s.metrics = Metrics{}
	s.stage = routing.RouteGreeting
	s.touch()
}

// ---- 決定 ----

// RecordDecision はターンの決定を状態に記録する（配信フェーズより前）
func (s *State) RecordDecision(d routing.Decision) {
	copied := d
	if d.MissingFields != nil {
		copied.MissingFields = append([]string(nil), d.MissingFields...)
	}
	s.lastDecision = &copied
	s.turnCount++
	s.touch()
}

// LastDecision は直近の決定を返す
func (s *State) LastDecision() (routing.Decision, bool) {
	if s.lastDecision == nil {
		return routing.Decision{}, false
	}
	return *s.lastDecision, true
}

// TurnCount は処理済みターン数を返す
func (s *State) TurnCount() int {
	return s.turnCount
}

// ---- メトリクス ----

// Metrics はカウンタを返す
func (s *State) Metrics() Metrics {
	return s.metrics
}

// RecordConfusion は混乱カウンタを増やす
func (s *State) RecordConfusion() {
	s.metrics.ConfusionCount++
	s.touch()
}

// ResetConfusion は混乱カウンタをリセット
func (s *State) ResetConfusion() {
	s.metrics.ConfusionCount = 0
	s.touch()
}

// RecordDeliveryFailure は連続失敗カウンタを増やす
func (s *State) RecordDeliveryFailure() {
	s.metrics.ConsecutiveFailures++
	s.touch()
}

// ResetFailures は連続失敗カウンタをリセット
func (s *State) ResetFailures() {
	s.metrics.ConsecutiveFailures = 0
	s.touch()
}

// ---- スロット ----

// Slot はスロット値を返す
func (s *State) Slot(name string) (string, bool) {
	v, ok := s.slots[name]
	return v, ok && v != ""
}

// SetSlot はスロット値を設定
func (s *State) SetSlot(name, value string) {
	if s.slots == nil {
		s.slots = make(map[string]string)
	}
	s.slots[name] = value
	s.touch()
}

// Slots はスロットのコピーを返す
func (s *State) Slots() map[string]string {
	out := make(map[string]string, len(s.slots))
	for k, v := range s.slots {
		out[k] = v
	}
	return out
}

// Completeness は収集済みフラグを返す
func (s *State) Completeness() map[string]bool {
	out := make(map[string]bool, len(s.slots))
	for k, v := range s.slots {
		out[k] = v != ""
	}
	return out
}

// ApplyEntities は抽出エンティティを未収集のスロットへ埋める
func (s *State) ApplyEntities(e entity.Entities) []string {
	var filled []string
	fill := func(slot, value string) {
		if value == "" {
			return
		}
		if _, ok := s.Slot(slot); ok {
			return
		}
		s.SetSlot(slot, value)
		filled = append(filled, slot)
	}

	fill(SlotContactEmail, e[entity.KeyEmail])
	fill(SlotChildAge, e[entity.KeyAge])
	fill(SlotProgramInterest, e[entity.KeyProgram])
	fill(SlotPreferredDate, e[entity.KeyDate])
	fill(SlotPreferredTime, e[entity.KeyTime])
	fill(SlotChildName, e[entity.KeyChildName])

	// 人名は保護者 → 子の順で埋める
	if name := e[entity.KeyPersonName]; name != "" {
		if _, ok := s.Slot(SlotParentName); !ok {
			fill(SlotParentName, name)
		} else if parent, _ := s.Slot(SlotParentName); parent != name {
			fill(SlotChildName, name)
		}
	}

	sort.Strings(filled)
	return filled
}

func (s *State) touch() {
	s.updatedAt = time.Now()
}
