package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Nyukimin/convoroute/internal/adapter/config"
	"github.com/Nyukimin/convoroute/internal/adapter/discord"
	"github.com/Nyukimin/convoroute/internal/adapter/line"
	"github.com/Nyukimin/convoroute/internal/adapter/slack"
	"github.com/Nyukimin/convoroute/internal/adapter/telegram"
	"github.com/Nyukimin/convoroute/internal/adapter/web"
	"github.com/Nyukimin/convoroute/internal/adapter/whatsapp"
	"github.com/Nyukimin/convoroute/internal/application/delivery"
	"github.com/Nyukimin/convoroute/internal/application/orchestrator"
	"github.com/Nyukimin/convoroute/internal/application/redelivery"
	"github.com/Nyukimin/convoroute/internal/domain/agent"
	"github.com/Nyukimin/convoroute/internal/domain/decision"
	"github.com/Nyukimin/convoroute/internal/domain/llm"
	"github.com/Nyukimin/convoroute/internal/domain/outbox"
	"github.com/Nyukimin/convoroute/internal/infrastructure/health"
	"github.com/Nyukimin/convoroute/internal/infrastructure/llm/claude"
	"github.com/Nyukimin/convoroute/internal/infrastructure/llm/openai"
	"github.com/Nyukimin/convoroute/internal/infrastructure/observability"
	convrepo "github.com/Nyukimin/convoroute/internal/infrastructure/persistence/conversation"
	"github.com/Nyukimin/convoroute/internal/infrastructure/routing"
)

// Dependencies はアプリケーション依存関係
type Dependencies struct {
	cfg          *config.Config
	logger       *zap.Logger
	orchestrator *orchestrator.TurnOrchestrator
	engine       *delivery.Engine

	webHub         *web.Hub
	appHub         *web.Hub
	telegram       *telegram.Adapter
	discord        *discord.Adapter
	discordSession *discordgo.Session
}

// buildChannelAdapters は設定されたチャネルのアダプタを構築
func buildChannelAdapters(cfg *config.Config, logger *zap.Logger, deps *Dependencies) ([]delivery.ChannelAdapter, error) {
	var adapters []delivery.ChannelAdapter

	if cfg.Channels.Web.Enabled {
		deps.webHub = web.NewHub(outbox.ChannelWeb, logger)
		deps.appHub = web.NewHub(outbox.ChannelApp, logger)
		adapters = append(adapters, deps.webHub, deps.appHub)
	}

	// LINE - トークンがある場合のみ
	if cfg.Channels.Line.AccessToken != "" {
		adapters = append(adapters, line.NewMessageSender(cfg.Channels.Line.AccessToken))
	}

	if token := cfg.Channels.Telegram.Token; token != "" {
		bot, err := telegram.NewBot(token)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		deps.telegram = telegram.NewAdapter(bot, logger)
		adapters = append(adapters, deps.telegram)
	}

	if token := cfg.Channels.Slack.Token; token != "" {
		adapters = append(adapters, slack.NewAdapter(token, ""))
	}

	if token := cfg.Channels.Discord.Token; token != "" {
		session, err := discord.NewSession(token)
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		deps.discordSession = session
		deps.discord = discord.NewAdapter(session, logger)
		adapters = append(adapters, deps.discord)
	}

	if wa := cfg.Channels.WhatsApp; wa.BaseURL != "" {
		adapters = append(adapters, whatsapp.NewAdapter(wa.BaseURL, wa.APIKey, wa.Instance))
	}

	return adapters, nil
}

// buildEnhancer はLLM補強を構築（無効時は nil）
func buildEnhancer(cfg *config.Config) agent.Enhancer {
	if !cfg.Enhancement.Enabled {
		return nil
	}

	var provider llm.LLMProvider
	switch cfg.Enhancement.Provider {
	case "claude":
		provider = claude.NewClaudeProvider(claude.Options{
			APIKey:  cfg.Enhancement.APIKey,
			Model:   cfg.Enhancement.Model,
			BaseURL: cfg.Enhancement.BaseURL,
			Timeout: cfg.Enhancement.Timeout,
		})
	default:
		// openai / deepseek / ollama は OpenAI 互換 API
		provider = openai.NewOpenAIProvider(openai.Options{
			APIKey:  cfg.Enhancement.APIKey,
			Model:   cfg.Enhancement.Model,
			BaseURL: cfg.Enhancement.BaseURL,
			Label:   cfg.Enhancement.Provider,
			Timeout: cfg.Enhancement.Timeout,
		})
	}
	return routing.NewLLMEnhancer(provider)
}

// buildDependencies は依存関係を構築
// extra は設定由来のアダプタに加えて登録するアダプタ（console など）
func buildDependencies(cfg *config.Config, logger *zap.Logger, withChannels bool, extra ...delivery.ChannelAdapter) (*Dependencies, error) {
	deps := &Dependencies{cfg: cfg, logger: logger}
	tracer := observability.NewTracer(logger)

	// 1. ルーティング
	weights := routing.DefaultStageWeights().Merge(cfg.ScorerWeights())
	classifier := routing.NewRuleClassifier(routing.NewPatternScorer(weights))
	engine := decision.NewEngine(cfg.DecisionConfig())
	router := agent.NewRouterAgent(classifier, buildEnhancer(cfg), engine, cfg.RolloutConfig(), cfg.Enhancement.Timeout)
	planner := agent.NewPlanner(agent.NewTemplateComposer(agent.DefaultTemplates()))

	// 2. 配信
	resolver, err := cfg.Resolver()
	if err != nil {
		return nil, err
	}
	var adapters []delivery.ChannelAdapter
	if withChannels {
		adapters, err = buildChannelAdapters(cfg, logger, deps)
		if err != nil {
			return nil, err
		}
	}
	adapters = append(adapters, extra...)
	deps.engine = delivery.NewEngine(resolver, tracer, cfg.DeliveryEngineConfig(), adapters...)

	// 3. Orchestrator
	repo := convrepo.NewJSONConversationRepository(cfg.Session.StorageDir)
	deps.orchestrator = orchestrator.NewTurnOrchestrator(repo, router, planner, deps.engine, tracer)

	if deps.webHub != nil {
		deps.webHub.SetProcessor(deps.orchestrator)
		deps.appHub.SetProcessor(deps.orchestrator)
	}

	logger.Info("Dependencies built",
		zap.Int("adapters", len(adapters)),
		zap.Bool("enhancement", cfg.Enhancement.Enabled),
		zap.String("provider", cfg.Enhancement.Provider))
	return deps, nil
}

// newSweeper は再送スイーパーを構築
func (d *Dependencies) newSweeper() (*redelivery.Sweeper, error) {
	return redelivery.NewSweeper(d.orchestrator, redelivery.Config{
		Schedule:    d.cfg.Delivery.RetrySchedule,
		MaxBatch:    d.cfg.Delivery.MaxBatch,
		Concurrency: d.cfg.Delivery.SweepConcurrency,
	}, d.logger)
}

// healthChecker は /health のチェックを登録
func (d *Dependencies) healthChecker() *health.Checker {
	checker := health.NewChecker()
	checker.Register("storage", health.StorageCheck(d.cfg.Session.StorageDir))
	checker.Register("channels", health.ChannelsCheck(d.engine.Channels()))
	if d.cfg.Enhancement.Enabled && d.cfg.Enhancement.BaseURL != "" {
		checker.Register("enhancement", health.EndpointCheck(d.cfg.Enhancement.BaseURL, 3*time.Second))
	}
	return checker
}

// routes はHTTPハンドラを登録
func (d *Dependencies) routes() http.Handler {
	mux := http.NewServeMux()

	if d.cfg.Channels.Line.AccessToken != "" {
		lc := d.cfg.Channels.Line
		mux.Handle("/webhook/line", line.NewHandler(d.orchestrator, lc.ChannelSecret, lc.BotUserID, d.logger))
	}
	if d.cfg.Channels.WhatsApp.BaseURL != "" {
		mux.Handle("/webhook/whatsapp", whatsapp.NewWebhookHandler(d.orchestrator, d.logger))
	}
	if d.webHub != nil {
		mux.Handle("/ws", d.webHub)
		mux.Handle("/ws/app", d.appHub)
	}
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/health", d.healthChecker())
	return mux
}
