package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Nyukimin/convoroute/internal/domain/conversation"
	"github.com/Nyukimin/convoroute/internal/domain/guard"
	"github.com/Nyukimin/convoroute/internal/domain/outbox"
	"github.com/Nyukimin/convoroute/internal/infrastructure/observability"
)

// 既定値
const (
	DefaultMaxBatch               = 10
	DefaultMaxRounds              = 3
	DefaultEmergencyFallbackLimit = 1
	DefaultEmergencyFallbackText  = "Desculpe, tivemos um problema para responder. Pode repetir sua mensagem?"
)

// フェーズ名（ガードとトレースで使用）
const (
	PhaseDeliveryStart = "delivery_start"
	PhaseDeliveryEnd   = "delivery_end"
)

// EmergencyNode は合成フォールバックの生成元ノード名
const EmergencyNode = "emergency_fallback"

// Config は配信エンジンの設定
type Config struct {
	MaxBatch               int
	MaxRounds              int
	EmergencyFallbackLimit int
	EmergencyFallbackText  string
	// DisableSnapshotRecovery が true の場合、空のOutboxをスナップショットから戻さない
	DisableSnapshotRecovery bool
}

func (c Config) withDefaults() Config {
	if c.MaxBatch <= 0 {
		c.MaxBatch = DefaultMaxBatch
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.EmergencyFallbackLimit <= 0 {
		c.EmergencyFallbackLimit = DefaultEmergencyFallbackLimit
	}
	if c.EmergencyFallbackText == "" {
		c.EmergencyFallbackText = DefaultEmergencyFallbackText
	}
	return c
}

// Report は配信結果の集計
type Report struct {
	Sent       int
	Queued     int
	DedupHits  int
	Failed     int
	Rounds     int
	Desync     bool
	Emergency  bool // 合成フォールバックを注入した
	Terminated bool
	StopReason conversation.StopReason
	Outcomes   []Outcome
}

func (r *Report) merge(o Report) {
	r.Sent += o.Sent
	r.DedupHits += o.DedupHits
	r.Failed += o.Failed
	r.Queued = o.Queued
	r.Desync = r.Desync || o.Desync
	r.Emergency = r.Emergency || o.Emergency
	r.Terminated = o.Terminated
	r.StopReason = o.StopReason
	r.Outcomes = append(r.Outcomes, o.Outcomes...)
}

// Engine はOutboxを排出してチャネルへ送信する
type Engine struct {
	adapters map[outbox.Channel]ChannelAdapter
	resolver *guard.Resolver
	tracer   *observability.Tracer
	cfg      Config
}

// NewEngine は新しいEngineを作成
func NewEngine(resolver *guard.Resolver, tracer *observability.Tracer, cfg Config, adapters ...ChannelAdapter) *Engine {
	if tracer == nil {
		tracer = observability.NewTracer(nil)
	}
	if resolver == nil {
		deny, _ := guard.CompileDenyList(guard.DefaultDenyPatterns())
		resolver = guard.NewResolver(deny, guard.ResolverConfig{})
	}
	e := &Engine{
		adapters: make(map[outbox.Channel]ChannelAdapter, len(adapters)),
		resolver: resolver,
		tracer:   tracer,
		cfg:      cfg.withDefaults(),
	}
	for _, a := range adapters {
		e.adapters[a.Channel()] = a
	}
	return e
}

// Config は設定を返す
func (e *Engine) Config() Config {
	return e.cfg
}

// Channels は登録済みチャネルを返す
func (e *Engine) Channels() []outbox.Channel {
	out := make([]outbox.Channel, 0, len(e.adapters))
	for ch := range e.adapters {
		out = append(out, ch)
	}
	return out
}

// Deliver は計画直後の配信を1回行う
//  1. 状態参照の整合性ガード
//  2. 空のOutboxはスナップショットから復元（desync）
//  3. 受け渡しガード（計画 >= 1 かつ配信開始時 0 は致命的）
//  4. 空のOutboxには会話ごとに上限回だけ合成フォールバックを注入、超えたら終了
//  5. max_batch 件を排出
//
// ガード違反は guard.Violation として返し、呼び出し側は再試行しない
func (e *Engine) Deliver(ctx context.Context, state *conversation.State, maxBatch int) (Report, error) {
	var rep Report
	if state != nil && state.Terminated() {
		rep.Terminated = true
		rep.StopReason = state.StopReason()
		return rep, nil
	}

	if err := e.checkIntegrity(state, PhaseDeliveryStart, nil); err != nil {
		return rep, err
	}
	box := state.Outbox()

	before := box.Len()
	if before == 0 && !e.cfg.DisableSnapshotRecovery {
		if snap, ok := state.Snapshot(); ok && len(snap) > 0 {
			// 受け渡し時の消失は記録し、復元できた場合のみ継続する
			lost := guard.CheckOutboxHandoff(state.ID(), state.PlannerAfter(), before)
			box.Restore(snap)
			state.RecordDesync()
			observability.OutboxDesync.Inc()
			rep.Desync = true
			before = box.Len()
			e.tracer.Outbox("desync_restored", state.ID(), "", before)
			if lost != nil {
				e.tracer.Logger().Warn("outbox hand-off loss recovered from snapshot",
					zap.String("conversation_id", state.ID()),
					zap.Int("planner_after", state.PlannerAfter()),
					zap.Int("restored", before),
					zap.Error(lost))
			}
		}
	}
	e.tracer.Outbox(PhaseDeliveryStart, state.ID(), "", before)

	if err := guard.CheckOutboxHandoff(state.ID(), state.PlannerAfter(), before); err != nil {
		e.reportViolation(err)
		return rep, err
	}

	if before == 0 {
		if state.EmergencyFallbacksUsed() >= e.cfg.EmergencyFallbackLimit {
			state.Terminate(conversation.StopReasonEmergencyExhausted)
			observability.EmergencyFallback.WithLabelValues("exhausted").Inc()
			e.tracer.Logger().Warn("emergency fallback exhausted; terminating conversation",
				zap.String("conversation_id", state.ID()),
				zap.Int("used", state.EmergencyFallbacksUsed()))
			rep.Terminated = true
			rep.StopReason = state.StopReason()
			return rep, nil
		}

		state.UseEmergencyFallback()
		env, err := box.Enqueue(e.cfg.EmergencyFallbackText, state.Channel(), map[string]string{
			outbox.MetaSynthetic: "true",
			outbox.MetaNode:      EmergencyNode,
			outbox.MetaTurn:      fmt.Sprintf("emergency-%d", state.EmergencyFallbacksUsed()),
		})
		if err != nil {
			return rep, fmt.Errorf("enqueue emergency fallback: %w", err)
		}
		observability.EmergencyFallback.WithLabelValues("injected").Inc()
		e.tracer.Outbox("emergency_injected", state.ID(), env.IdempotencyKey, box.Len())
		rep.Emergency = true
	}

	e.drain(ctx, state, box, maxBatch, &rep)

	if err := e.checkIntegrity(state, PhaseDeliveryEnd, box); err != nil {
		return rep, err
	}
	return rep, nil
}

// DeliverPending は前回までに残った送信待ちを再送する（再配信スイーパー用）
// 計画フェーズを伴わないため受け渡しガードと合成フォールバックは適用しない
func (e *Engine) DeliverPending(ctx context.Context, state *conversation.State, maxBatch int) (Report, error) {
	var rep Report
	if state != nil && state.Terminated() {
		rep.Terminated = true
		rep.StopReason = state.StopReason()
		return rep, nil
	}
	if err := e.checkIntegrity(state, PhaseDeliveryStart, nil); err != nil {
		return rep, err
	}
	box := state.Outbox()
	if box.Len() == 0 {
		return rep, nil
	}

	e.drain(ctx, state, box, maxBatch, &rep)

	if err := e.checkIntegrity(state, PhaseDeliveryEnd, box); err != nil {
		return rep, err
	}
	return rep, nil
}

// DeliverTurn は1ターン分の配信ループを回す（回数は MaxRounds で有界）
// 次のいずれかで終了する
//   - 送信0件かつOutboxが空
//   - 会話が終了した（合成フォールバックの上限超過を含む）
//   - ステージが終端（completed/handoff）
//   - 進捗がない、または送信待ちがない
func (e *Engine) DeliverTurn(ctx context.Context, state *conversation.State) (Report, error) {
	rep, err := e.Deliver(ctx, state, e.cfg.MaxBatch)
	rep.Rounds = 1
	if err != nil {
		return rep, err
	}

	last := rep
	for rep.Rounds < e.cfg.MaxRounds {
		if rep.Terminated || state.Stage().IsTerminal() {
			break
		}
		if last.Sent == 0 || last.Queued == 0 || ctx.Err() != nil {
			break
		}

		next, err := e.DeliverPending(ctx, state, e.cfg.MaxBatch)
		rep.merge(next)
		rep.Rounds++
		if err != nil {
			return rep, err
		}
		last = next
	}
	return rep, nil
}

// drain は先頭から maxBatch 件を取り出して送信する
// 失敗分は順序を保って先頭へ戻し、バッチ外の分はそのまま残る
func (e *Engine) drain(ctx context.Context, state *conversation.State, box *outbox.Outbox, maxBatch int, rep *Report) {
	if maxBatch <= 0 {
		maxBatch = e.cfg.MaxBatch
	}

	batch := box.Take(maxBatch)
	e.tracer.Outbox("drain", state.ID(), "", len(batch))

	var requeue []outbox.Envelope
	attempted := make(map[string]bool, len(batch))

	for i, env := range batch {
		if ctx.Err() != nil {
			requeue = append(requeue, batch[i:]...)
			break
		}

		if state.HasEmitted(env.IdempotencyKey) {
			rep.DedupHits++
			observability.DedupHits.Inc()
			e.tracer.Outbox("dedup_skip", state.ID(), env.IdempotencyKey, 1)
			continue
		}
		// 同じバッチ内で失敗したキーは再送せず次回へ回す
		if attempted[env.IdempotencyKey] {
			requeue = append(requeue, env)
			continue
		}
		attempted[env.IdempotencyKey] = true

		out := e.sendOne(ctx, state, env)
		rep.Outcomes = append(rep.Outcomes, out)
		if out.Success {
			state.MarkEmitted(env.IdempotencyKey)
			state.RecordDelivered(env.Text)
			rep.Sent++
			e.tracer.Outbox("emitted", state.ID(), env.IdempotencyKey, 1)
			continue
		}
		rep.Failed++
		requeue = append(requeue, env)
	}

	box.Requeue(requeue...)
	rep.Queued = box.Len()
	e.tracer.Outbox("after_drain", state.ID(), "", rep.Queued)
}

// sendOne は宛先を解決し、チャネルアダプタで1件送信する
func (e *Engine) sendOne(ctx context.Context, state *conversation.State, env outbox.Envelope) Outcome {
	out := Outcome{
		Channel:        env.Channel,
		IdempotencyKey: env.IdempotencyKey,
		Status:         StatusFailed,
	}

	adapter, ok := e.adapters[env.Channel]
	if !ok {
		out.Reason = fmt.Sprintf("no adapter registered for channel %s", env.Channel)
		observability.DeliveryTotal.WithLabelValues(env.Channel.String(), string(StatusFailed)).Inc()
		e.tracer.DeliveryResult(state.ID(), env.Channel.String(), env.IdempotencyKey, string(StatusFailed), 0, "")
		return out
	}

	res, err := e.resolver.Resolve(state.ID(), env, state.Destination())
	for _, v := range res.Violations {
		e.tracer.Violation(v)
	}
	if err != nil {
		out.Reason = err.Error()
		observability.DeliveryTotal.WithLabelValues(env.Channel.String(), string(StatusFailed)).Inc()
		e.tracer.DeliveryResult(state.ID(), env.Channel.String(), env.IdempotencyKey, string(StatusFailed), 0, "")
		return out
	}
	e.tracer.Destination(state.ID(), string(res.Source), res.Value)
	out.Destination = res.Value

	e.tracer.DeliverySend(state.ID(), env.Channel.String(), env.IdempotencyKey, res.Value)
	started := time.Now()
	result, sendErr := adapter.Send(ctx, SendRequest{
		ConversationID: state.ID(),
		Destination:    res.Value,
		Instance:       env.Instance(),
		Text:           env.Text,
		IdempotencyKey: env.IdempotencyKey,
	})
	observability.DeliveryLatency.WithLabelValues(env.Channel.String()).Observe(time.Since(started).Seconds())

	status := statusFor(result, sendErr)
	out.Status = status
	out.HTTPStatus = result.HTTPStatus
	out.MessageID = result.MessageID
	out.Success = status == StatusOK || status == StatusDegraded
	if sendErr != nil {
		out.Reason = sendErr.Error()
	} else if !out.Success {
		out.Reason = fmt.Sprintf("channel returned http %d", result.HTTPStatus)
	}

	observability.DeliveryTotal.WithLabelValues(env.Channel.String(), string(status)).Inc()
	e.tracer.DeliveryResult(state.ID(), env.Channel.String(), env.IdempotencyKey, string(status), result.HTTPStatus, result.MessageID)
	return out
}

// checkIntegrity は状態参照の整合性を検査し、違反を記録する
func (e *Engine) checkIntegrity(state *conversation.State, phase string, expected *outbox.Outbox) error {
	err := guard.CheckStateIntegrity(state, phase, expected)
	if err != nil {
		e.reportViolation(err)
	}
	return err
}

func (e *Engine) reportViolation(err error) {
	var v guard.Violation
	if errors.As(err, &v) {
		e.tracer.Violation(v)
	}
}
