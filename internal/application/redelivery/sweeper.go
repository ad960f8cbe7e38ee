package redelivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Nyukimin/convoroute/internal/application/delivery"
	"github.com/Nyukimin/convoroute/internal/infrastructure/observability"
)

// DefaultSchedule は毎分実行
const DefaultSchedule = "* * * * *"

// Target は未送信エンベロープを抱える会話の列挙と再送を提供する
type Target interface {
	Pending(ctx context.Context) ([]string, error)
	Redeliver(ctx context.Context, conversationID string, maxBatch int) (delivery.Report, error)
}

// Config はスイーパー設定
type Config struct {
	Schedule    string // cron 式
	MaxBatch    int
	Concurrency int
}

// Result は1回のスイープ結果
type Result struct {
	Conversations int
	Sent          int
	Failed        int
	Errors        int
}

// Sweeper は定期的に保留中の会話を再送する
type Sweeper struct {
	target Target
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewSweeper は新しいSweeperを作成（cron 式は起動時に検証）
func NewSweeper(target Target, cfg Config, logger *zap.Logger) (*Sweeper, error) {
	if target == nil {
		return nil, errors.New("redelivery target is nil")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	g := gronx.New()
	if !g.IsValid(cfg.Schedule) {
		return nil, fmt.Errorf("invalid sweep schedule %q", cfg.Schedule)
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{target: target, cfg: cfg, logger: logger, now: time.Now}, nil
}

// SweepOnce は保留中の全会話を並列度を制限して再送する
// 個別の失敗は他の会話の再送を止めない
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	ids, err := s.target.Pending(ctx)
	if err != nil {
		observability.SweepRuns.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("list pending conversations: %w", err)
	}

	var (
		mu   sync.Mutex
		res  = Result{Conversations: len(ids)}
		errs []error
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.cfg.Concurrency)
	for _, id := range ids {
		eg.Go(func() error {
			rep, err := s.target.Redeliver(egCtx, id, s.cfg.MaxBatch)
			mu.Lock()
			defer mu.Unlock()
			res.Sent += rep.Sent
			res.Failed += rep.Failed
			if err != nil {
				res.Errors++
				errs = append(errs, fmt.Errorf("conversation %s: %w", id, err))
				s.logger.Warn("Redelivery failed", zap.String("conversation_id", id), zap.Error(err))
			}
			return nil
		})
	}
	_ = eg.Wait()

	joined := errors.Join(errs...)
	switch {
	case joined != nil:
		observability.SweepRuns.WithLabelValues("partial").Inc()
	default:
		observability.SweepRuns.WithLabelValues("ok").Inc()
	}

	s.logger.Info("Sweep finished",
		zap.Int("conversations", res.Conversations),
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed),
		zap.Int("errors", res.Errors))
	return res, joined
}

// Run はコンテキストが終了するまで cron 式に従ってスイープを繰り返す
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("Redelivery sweeper started", zap.String("schedule", s.cfg.Schedule))
	for {
		next, err := gronx.NextTickAfter(s.cfg.Schedule, s.now(), false)
		if err != nil {
			return fmt.Errorf("compute next sweep tick: %w", err)
		}
		wait := next.Sub(s.now())
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Redelivery sweeper stopped")
			return nil
		case <-timer.C:
		}

		if _, err := s.SweepOnce(ctx); err != nil {
			// 失敗は記録のみ、次のティックで再試行
			s.logger.Warn("Sweep completed with errors", zap.Error(err))
		}
	}
}
