package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Nyukimin/convoroute/internal/application/delivery"
	"github.com/Nyukimin/convoroute/internal/domain/agent"
	"github.com/Nyukimin/convoroute/internal/domain/classification"
	"github.com/Nyukimin/convoroute/internal/domain/conversation"
	"github.com/Nyukimin/convoroute/internal/domain/guard"
	"github.com/Nyukimin/convoroute/internal/domain/outbox"
	"github.com/Nyukimin/convoroute/internal/domain/rollout"
	"github.com/Nyukimin/convoroute/internal/domain/routing"
	"github.com/Nyukimin/convoroute/internal/domain/turn"
	"github.com/Nyukimin/convoroute/internal/infrastructure/observability"
)

// ProcessTurnRequest はターン処理リクエスト
type ProcessTurnRequest struct {
	ConversationID string
	Channel        outbox.Channel
	Destination    string // チャットID・電話番号など（初回ターンで会話に記録）
	Text           string
}

// ProcessTurnResponse はターン処理レスポンス
type ProcessTurnResponse struct {
	TurnID   string
	Decision routing.Decision
	Mode     rollout.Mode
	Stage    routing.Route
	Filled   []string // このターンで埋まったスロット
	Delivery delivery.Report

	// HandedOff は担当者対応中のためボットが応答しなかったことを示す
	HandedOff bool
}

// ConversationRepository は会話状態の永続化インターフェース
type ConversationRepository interface {
	Save(ctx context.Context, state *conversation.State) error
	Load(ctx context.Context, id string) (*conversation.State, error)
	ListPending(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
}

// Router はルーティングを担当
type Router interface {
	Route(ctx context.Context, state *conversation.State, t turn.Turn) agent.RouteResult
}

// Planner は決定をOutboxへ反映する
type Planner interface {
	Plan(ctx context.Context, state *conversation.State, d routing.Decision, outcome classification.Outcome, meta map[string]string) (agent.PlanResult, error)
}

// Deliverer はOutboxを排出する
type Deliverer interface {
	DeliverTurn(ctx context.Context, state *conversation.State) (delivery.Report, error)
	DeliverPending(ctx context.Context, state *conversation.State, maxBatch int) (delivery.Report, error)
}

// TurnOrchestrator は1ターンを route → plan → deliver の順で処理する
// 同じ会話のターンは直列化され、異なる会話は並列に処理される
type TurnOrchestrator struct {
	repo      ConversationRepository
	router    Router
	planner   Planner
	deliverer Deliverer
	tracer    *observability.Tracer
	locks     *keyedMutex
}

// NewTurnOrchestrator は新しいTurnOrchestratorを作成
func NewTurnOrchestrator(
	repo ConversationRepository,
	router Router,
	planner Planner,
	deliverer Deliverer,
	tracer *observability.Tracer,
) *TurnOrchestrator {
	if tracer == nil {
		tracer = observability.NewTracer(nil)
	}
	return &TurnOrchestrator{
		repo:      repo,
		router:    router,
		planner:   planner,
		deliverer: deliverer,
		tracer:    tracer,
		locks:     newKeyedMutex(),
	}
}

// ProcessTurn は受信メッセージ1件を処理する
// ガード違反はそのまま返す（呼び出し側で再試行しない）
func (o *TurnOrchestrator) ProcessTurn(ctx context.Context, req ProcessTurnRequest) (ProcessTurnResponse, error) {
	if strings.TrimSpace(req.ConversationID) == "" {
		return ProcessTurnResponse{}, fmt.Errorf("conversation id is required")
	}

	unlock := o.locks.Lock(req.ConversationID)
	defer unlock()

	logger := o.tracer.Logger().With(zap.String("conversation_id", req.ConversationID))

	// 1. 会話をロードまたは作成
	state, err := o.loadOrCreate(ctx, req)
	if err != nil {
		return ProcessTurnResponse{}, fmt.Errorf("failed to load or create conversation: %w", err)
	}

	t := turn.New(turn.NewID(), req.ConversationID, req.Text, req.Channel, req.Destination)
	resp := ProcessTurnResponse{TurnID: t.ID().String()}

	// 2. 明示コマンド /reset
	if t.Command() == turn.CommandReset {
		state.Reopen()
		logger.Info("conversation reopened by command")
	}
	if state.Terminated() {
		resp.Stage = state.Stage()
		resp.Delivery = delivery.Report{Terminated: true, StopReason: state.StopReason()}
		return resp, nil
	}
	// 担当者へ引き継いだ会話にボットは応答しない（/reset で再開）
	if state.Stage() == routing.RouteHandoff {
		resp.Stage = state.Stage()
		resp.HandedOff = true
		logger.Info("conversation is with a human agent; bot routing skipped")
		return resp, nil
	}
	if state.Destination() == "" && req.Destination != "" {
		state.SetDestination(req.Destination)
	}

	// 3. ルーティング（スロット充填を含む）
	rr := o.router.Route(ctx, state, t)
	resp.Decision = rr.Decision
	resp.Mode = rr.Mode
	resp.Filled = rr.Filled
	if rr.ClassifyErr != nil {
		logger.Error("classification failed; using error fallback",
			zap.String("rule_applied", rr.Decision.RuleApplied),
			zap.Error(rr.ClassifyErr))
	}
	if rr.EnhanceErr != nil {
		logger.Warn("LLM enhancement failed; keeping rule-based classification", zap.Error(rr.EnhanceErr))
	}

	// 決定は配信より前に状態へ記録する
	state.RecordDecision(rr.Decision)
	observability.RoutingDecisions.WithLabelValues(string(rr.Decision.ThresholdAction)).Inc()
	logger.Info("routing decision",
		zap.String("target", rr.Decision.TargetNode.String()),
		zap.String("action", string(rr.Decision.ThresholdAction)),
		zap.Float64("confidence", rr.Decision.FinalConfidence),
		zap.String("rule_applied", rr.Decision.RuleApplied),
		zap.String("mode", string(rr.Mode)))

	o.advanceStage(state, rr.Decision)

	// 4. 計画
	plan, err := o.planner.Plan(ctx, state, rr.Decision, rr.Outcome, map[string]string{
		outbox.MetaTurn: t.ID().String(),
	})
	if err != nil {
		return resp, fmt.Errorf("planning failed: %w", err)
	}
	if plan.ComposeErr != nil {
		logger.Warn("composer failed; technical difficulty message planned", zap.Error(plan.ComposeErr))
	}
	for _, key := range plan.Keys {
		o.tracer.Outbox("planned", state.ID(), key, plan.Planned)
	}

	// 5. 配信
	rep, err := o.deliverer.DeliverTurn(ctx, state)
	resp.Delivery = rep
	if err != nil {
		if guard.IsViolation(err) {
			// 運用者の調査用に状態だけは残す
			if saveErr := o.repo.Save(ctx, state); saveErr != nil {
				logger.Error("failed to save conversation after guard violation", zap.Error(saveErr))
			}
			return resp, fmt.Errorf("delivery halted: %w", err)
		}
		return resp, fmt.Errorf("delivery failed: %w", err)
	}

	if rep.Sent == 0 && !rep.Terminated {
		state.RecordDeliveryFailure()
	} else if rep.Sent > 0 {
		state.ResetFailures()
	}
	state.ClearSnapshot()
	resp.Stage = state.Stage()

	// 6. 保存
	if err := o.repo.Save(ctx, state); err != nil {
		return resp, fmt.Errorf("failed to save conversation: %w", err)
	}
	return resp, nil
}

// Redeliver は保存済み会話の送信待ちを再送する
func (o *TurnOrchestrator) Redeliver(ctx context.Context, conversationID string, maxBatch int) (delivery.Report, error) {
	unlock := o.locks.Lock(conversationID)
	defer unlock()

	state, err := o.repo.Load(ctx, conversationID)
	if err != nil {
		return delivery.Report{}, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}

	rep, err := o.deliverer.DeliverPending(ctx, state, maxBatch)
	if err != nil {
		return rep, fmt.Errorf("redelivery failed for %s: %w", conversationID, err)
	}
	if rep.Sent > 0 {
		state.ResetFailures()
	}
	if err := o.repo.Save(ctx, state); err != nil {
		return rep, fmt.Errorf("failed to save conversation: %w", err)
	}
	return rep, nil
}

// Pending は送信待ちを持つ会話IDを返す
func (o *TurnOrchestrator) Pending(ctx context.Context) ([]string, error) {
	return o.repo.ListPending(ctx)
}

// Reset は会話を再開状態に戻す（オペレーター操作）
func (o *TurnOrchestrator) Reset(ctx context.Context, conversationID string) error {
	unlock := o.locks.Lock(conversationID)
	defer unlock()

	state, err := o.repo.Load(ctx, conversationID)
	if err != nil {
		return err
	}
	state.Reopen()
	return o.repo.Save(ctx, state)
}

// advanceStage は決定に従ってステージを進める
// フォールバック系はステージを保ったまま混乱カウンタを増やす
func (o *TurnOrchestrator) advanceStage(state *conversation.State, d routing.Decision) {
	if d.IsFallback() {
		state.RecordConfusion()
		return
	}
	state.ResetConfusion()
	if !d.AdvancesStage() {
		return
	}
	state.SetStage(d.TargetNode)

	// 必須データが揃い日程も決まった予約は完了とする
	if d.TargetNode == routing.RouteScheduling && !d.MandatoryDataOverride {
		if _, ok := state.Slot(conversation.SlotPreferredDate); ok {
			state.SetStage(routing.RouteCompleted)
		}
	}
}

// loadOrCreate は会話をロードし、存在しなければ作成する
func (o *TurnOrchestrator) loadOrCreate(ctx context.Context, req ProcessTurnRequest) (*conversation.State, error) {
	state, err := o.repo.Load(ctx, req.ConversationID)
	if err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			return conversation.NewState(req.ConversationID, req.Channel, req.Destination), nil
		}
		return nil, err
	}
	return state, nil
}
