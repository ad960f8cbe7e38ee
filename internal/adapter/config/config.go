package config

import (
	"fmt"
	"os"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/Nyukimin/convoroute/internal/application/delivery"
	"github.com/Nyukimin/convoroute/internal/domain/decision"
	"github.com/Nyukimin/convoroute/internal/domain/guard"
	"github.com/Nyukimin/convoroute/internal/domain/outbox"
	"github.com/Nyukimin/convoroute/internal/domain/rollout"
	"github.com/Nyukimin/convoroute/internal/domain/routing"
)

// Config はアプリケーション全体の設定
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Routing      RoutingConfig      `yaml:"routing"`
	Enhancement  EnhancementConfig  `yaml:"enhancement"`
	Rollout      RolloutConfig      `yaml:"rollout"`
	Delivery     DeliveryConfig     `yaml:"delivery"`
	Destinations DestinationsConfig `yaml:"destinations"`
	Channels     ChannelsConfig     `yaml:"channels"`
	Session      SessionConfig      `yaml:"session"`
}

// ServerConfig はサーバー設定
type ServerConfig struct {
	Port int    `yaml:"port" env:"CONVOROUTE_SERVER_PORT"`
	Host string `yaml:"host" env:"CONVOROUTE_SERVER_HOST"`
}

// LogConfig はログ設定
type LogConfig struct {
	Level  string `yaml:"level" env:"CONVOROUTE_LOG_LEVEL"`
	Format string `yaml:"format" env:"CONVOROUTE_LOG_FORMAT"`
}

// ThresholdsConfig は確信度の切れ目
type ThresholdsConfig struct {
	Template float64 `yaml:"template" env:"CONVOROUTE_ROUTING_T_TEMPLATE"`
	LLMRAG   float64 `yaml:"llm_rag" env:"CONVOROUTE_ROUTING_T_LLM_RAG"`
	Low      float64 `yaml:"low" env:"CONVOROUTE_ROUTING_T_LOW"`
}

// RoutingConfig は決定エンジン設定
type RoutingConfig struct {
	Thresholds             ThresholdsConfig              `yaml:"thresholds"`
	IntentWeight           float64                       `yaml:"intent_weight" env:"CONVOROUTE_ROUTING_INTENT_WEIGHT"`
	PatternWeight          float64                       `yaml:"pattern_weight" env:"CONVOROUTE_ROUTING_PATTERN_WEIGHT"`
	StageMultipliers       map[string]float64            `yaml:"stage_multipliers"`
	ScorerStageWeights     map[string]map[string]float64 `yaml:"scorer_stage_weights"` // 現在ステージ → ルート → 係数（"*" は全ルート）
	MandatoryFields        map[string][]string           `yaml:"mandatory_fields"`
	DataCollectionStage    string                        `yaml:"data_collection_stage"`
	ClarificationStage     string                        `yaml:"clarification_stage"`
	FallbackStage          string                        `yaml:"fallback_stage"`
	MaxConsecutiveFailures int                           `yaml:"max_consecutive_failures" env:"CONVOROUTE_ROUTING_MAX_CONSECUTIVE_FAILURES"`
	MaxConfusion           int                           `yaml:"max_confusion" env:"CONVOROUTE_ROUTING_MAX_CONFUSION"`
}

// EnhancementConfig はLLM補強設定
type EnhancementConfig struct {
	Enabled  bool          `yaml:"enabled" env:"CONVOROUTE_ENHANCEMENT_ENABLED"`
	Provider string        `yaml:"provider" env:"CONVOROUTE_ENHANCEMENT_PROVIDER"` // openai|deepseek|ollama|claude
	Model    string        `yaml:"model" env:"CONVOROUTE_ENHANCEMENT_MODEL"`
	BaseURL  string        `yaml:"base_url" env:"CONVOROUTE_ENHANCEMENT_BASE_URL"`
	APIKey   string        `yaml:"api_key"` // 環境変数から読み込み推奨
	Timeout  time.Duration `yaml:"timeout" env:"CONVOROUTE_ENHANCEMENT_TIMEOUT"`
}

// RolloutConfig はアーキテクチャモードの割り当て設定
type RolloutConfig struct {
	EnhancedPercent int    `yaml:"enhanced_percent" env:"CONVOROUTE_ROLLOUT_ENHANCED_PERCENT"`
	Salt            string `yaml:"salt" env:"CONVOROUTE_ROLLOUT_SALT"`
}

// DeliveryConfig は配信エンジンと再送スイーパーの設定
type DeliveryConfig struct {
	MaxBatch               int    `yaml:"max_batch" env:"CONVOROUTE_DELIVERY_MAX_BATCH"`
	MaxRounds              int    `yaml:"max_rounds" env:"CONVOROUTE_DELIVERY_MAX_ROUNDS"`
	EmergencyFallbackLimit int    `yaml:"emergency_fallback_limit" env:"CONVOROUTE_DELIVERY_EMERGENCY_FALLBACK_LIMIT"`
	FallbackText           string `yaml:"fallback_text" env:"CONVOROUTE_DELIVERY_FALLBACK_TEXT"`
	RetrySchedule          string `yaml:"retry_schedule" env:"CONVOROUTE_DELIVERY_RETRY_SCHEDULE"`
	SweepConcurrency       int    `yaml:"sweep_concurrency" env:"CONVOROUTE_DELIVERY_SWEEP_CONCURRENCY"`
}

// DestinationsConfig は宛先解決の設定
type DestinationsConfig struct {
	SafeDefault  string            `yaml:"safe_default" env:"CONVOROUTE_DESTINATIONS_SAFE_DEFAULT"`
	DenyPatterns []string          `yaml:"deny_patterns"`
	PerChannel   map[string]string `yaml:"per_channel"`
}

// ChannelsConfig はチャネルアダプタ設定
type ChannelsConfig struct {
	Default  string          `yaml:"default" env:"CONVOROUTE_CHANNELS_DEFAULT"`
	Line     LineConfig      `yaml:"line"`
	Telegram TokenConfig     `yaml:"telegram"`
	Slack    TokenConfig     `yaml:"slack"`
	Discord  TokenConfig     `yaml:"discord"`
	WhatsApp WhatsAppConfig  `yaml:"whatsapp"`
	Web      WebSocketConfig `yaml:"web"`
}

// LineConfig はLINE Messaging API設定
type LineConfig struct {
	ChannelSecret string `yaml:"channel_secret"`
	AccessToken   string `yaml:"access_token"`
	BotUserID     string `yaml:"bot_user_id" env:"CONVOROUTE_LINE_BOT_USER_ID"` // グループでのメンション判定
}

// TokenConfig はボットトークンだけで認証するチャネルの設定
type TokenConfig struct {
	Token string `yaml:"token"`
}

// WhatsAppConfig はHTTPゲートウェイ（Evolution API互換）の設定
type WhatsAppConfig struct {
	BaseURL  string `yaml:"base_url" env:"CONVOROUTE_WHATSAPP_BASE_URL"`
	APIKey   string `yaml:"api_key"`
	Instance string `yaml:"instance" env:"CONVOROUTE_WHATSAPP_INSTANCE"`
}

// WebSocketConfig はweb/appチャネル（WebSocketハブ）の設定
type WebSocketConfig struct {
	Enabled bool `yaml:"enabled" env:"CONVOROUTE_WEB_ENABLED"`
}

// SessionConfig は会話状態の保存先
type SessionConfig struct {
	StorageDir string `yaml:"storage_dir" env:"CONVOROUTE_SESSION_STORAGE_DIR"`
}

// LoadConfig は設定ファイルを読み込む
func LoadConfig(path string) (*Config, error) {
	// ファイル読み込み
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// YAMLパース
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	// CONVOROUTE_* による上書き
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.setDefaults()

	// 環境変数から機密情報を読み込み
	cfg.loadFromEnv()

	// バリデーション
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults はデフォルト値を設定
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Routing.Thresholds == (ThresholdsConfig{}) {
		c.Routing.Thresholds = ThresholdsConfig{
			Template: decision.DefaultTemplateThreshold,
			LLMRAG:   decision.DefaultLLMRAGThreshold,
			Low:      decision.DefaultLowThreshold,
		}
	}
	if c.Routing.IntentWeight == 0 && c.Routing.PatternWeight == 0 {
		c.Routing.IntentWeight = decision.DefaultIntentWeight
		c.Routing.PatternWeight = decision.DefaultPatternWeight
	}
	if c.Routing.MaxConsecutiveFailures == 0 {
		c.Routing.MaxConsecutiveFailures = 3
	}
	if c.Routing.MaxConfusion == 0 {
		c.Routing.MaxConfusion = 3
	}

	if c.Enhancement.Provider == "" {
		c.Enhancement.Provider = "openai"
	}
	if c.Enhancement.Model == "" {
		c.Enhancement.Model = defaultModels[c.Enhancement.Provider]
	}
	if c.Enhancement.BaseURL == "" {
		c.Enhancement.BaseURL = defaultBaseURLs[c.Enhancement.Provider]
	}
	if c.Enhancement.Timeout == 0 {
		c.Enhancement.Timeout = 3 * time.Second
	}

	if c.Delivery.MaxBatch == 0 {
		c.Delivery.MaxBatch = 5
	}
	if c.Delivery.MaxRounds == 0 {
		c.Delivery.MaxRounds = delivery.DefaultMaxRounds
	}
	if c.Delivery.EmergencyFallbackLimit == 0 {
		c.Delivery.EmergencyFallbackLimit = delivery.DefaultEmergencyFallbackLimit
	}
	if c.Delivery.FallbackText == "" {
		c.Delivery.FallbackText = delivery.DefaultEmergencyFallbackText
	}
	if c.Delivery.RetrySchedule == "" {
		c.Delivery.RetrySchedule = "*/1 * * * *"
	}
	if c.Delivery.SweepConcurrency == 0 {
		c.Delivery.SweepConcurrency = 4
	}

	if c.Destinations.DenyPatterns == nil {
		c.Destinations.DenyPatterns = guard.DefaultDenyPatterns()
	}

	if c.Channels.Default == "" {
		c.Channels.Default = string(outbox.ChannelWeb)
	}

	if c.Session.StorageDir == "" {
		c.Session.StorageDir = "./data/conversations"
	}
}

var defaultModels = map[string]string{
	"openai":   "gpt-4o-mini",
	"deepseek": "deepseek-chat",
	"ollama":   "llama3.1",
	"claude":   "claude-sonnet-4-20250514",
}

var defaultBaseURLs = map[string]string{
	"deepseek": "https://api.deepseek.com/v1/",
	"ollama":   "http://localhost:11434/v1/",
}

// loadFromEnv は環境変数から設定を読み込み
func (c *Config) loadFromEnv() {
	// API キーは環境変数から読み込み（ファイルに平文保存しない）
	keyVar := map[string]string{
		"openai":   "OPENAI_API_KEY",
		"deepseek": "DEEPSEEK_API_KEY",
		"claude":   "ANTHROPIC_API_KEY",
	}[c.Enhancement.Provider]
	if keyVar != "" {
		if apiKey := os.Getenv(keyVar); apiKey != "" {
			c.Enhancement.APIKey = apiKey
		}
	}

	if token := os.Getenv("LINE_CHANNEL_ACCESS_TOKEN"); token != "" {
		c.Channels.Line.AccessToken = token
	}
	if secret := os.Getenv("LINE_CHANNEL_SECRET"); secret != "" {
		c.Channels.Line.ChannelSecret = secret
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		c.Channels.Telegram.Token = token
	}
	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
		c.Channels.Slack.Token = token
	}
	if token := os.Getenv("DISCORD_BOT_TOKEN"); token != "" {
		c.Channels.Discord.Token = token
	}
	if apiKey := os.Getenv("WHATSAPP_API_KEY"); apiKey != "" {
		c.Channels.WhatsApp.APIKey = apiKey
	}
}

// Validate は設定の妥当性を検証（起動時に失敗させる）
func (c *Config) Validate() error {
	// サーバー設定検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}

	if err := c.DecisionConfig().Thresholds.Validate(); err != nil {
		return err
	}
	if c.Routing.IntentWeight < 0 || c.Routing.PatternWeight < 0 {
		return fmt.Errorf("routing weights must be non-negative")
	}
	for stage, m := range c.Routing.StageMultipliers {
		if m < 0 {
			return fmt.Errorf("routing stage_multipliers[%s] must be non-negative: %v", stage, m)
		}
	}
	for stage, byRoute := range c.Routing.ScorerStageWeights {
		for route, m := range byRoute {
			if m < 0 {
				return fmt.Errorf("routing scorer_stage_weights[%s][%s] must be non-negative: %v", stage, route, m)
			}
		}
	}

	if c.Enhancement.Enabled {
		if _, ok := defaultModels[c.Enhancement.Provider]; !ok {
			return fmt.Errorf("unknown enhancement provider: %q", c.Enhancement.Provider)
		}
	}

	if c.Rollout.EnhancedPercent < 0 || c.Rollout.EnhancedPercent > 100 {
		return fmt.Errorf("rollout enhanced_percent out of range [0,100]: %d", c.Rollout.EnhancedPercent)
	}

	if c.Delivery.MaxBatch < 1 {
		return fmt.Errorf("delivery max_batch must be >= 1")
	}
	g := gronx.New()
	if !g.IsValid(c.Delivery.RetrySchedule) {
		return fmt.Errorf("invalid delivery retry_schedule: %q", c.Delivery.RetrySchedule)
	}

	// 宛先の禁止パターンと安全なデフォルト
	if _, err := c.Resolver(); err != nil {
		return err
	}

	if !outbox.Channel(c.Channels.Default).Valid() {
		return fmt.Errorf("unknown default channel: %q", c.Channels.Default)
	}
	for name := range c.Destinations.PerChannel {
		if !outbox.Channel(name).Valid() {
			return fmt.Errorf("unknown channel in destinations.per_channel: %q", name)
		}
	}

	// セッション設定検証
	if c.Session.StorageDir == "" {
		return fmt.Errorf("session storage_dir is required")
	}

	return nil
}

// ScorerWeights はパターンスコアラーのステージ係数の上書き分を返す（未設定は nil）
func (c *Config) ScorerWeights() map[routing.Route]map[routing.Route]float64 {
	if len(c.Routing.ScorerStageWeights) == 0 {
		return nil
	}
	out := make(map[routing.Route]map[routing.Route]float64, len(c.Routing.ScorerStageWeights))
	for stage, byRoute := range c.Routing.ScorerStageWeights {
		weights := make(map[routing.Route]float64, len(byRoute))
		for route, m := range byRoute {
			weights[routing.Route(route)] = m
		}
		out[routing.Route(stage)] = weights
	}
	return out
}

// DecisionConfig は決定エンジン用の設定に変換する
func (c *Config) DecisionConfig() decision.Config {
	cfg := decision.DefaultConfig()
	cfg.Thresholds = decision.Thresholds{
		Template: c.Routing.Thresholds.Template,
		LLMRAG:   c.Routing.Thresholds.LLMRAG,
		Low:      c.Routing.Thresholds.Low,
	}
	cfg.IntentWeight = c.Routing.IntentWeight
	cfg.PatternWeight = c.Routing.PatternWeight
	if len(c.Routing.StageMultipliers) > 0 {
		cfg.StageMultipliers = make(map[routing.Route]float64, len(c.Routing.StageMultipliers))
		for stage, m := range c.Routing.StageMultipliers {
			cfg.StageMultipliers[routing.Route(stage)] = m
		}
	}
	if len(c.Routing.MandatoryFields) > 0 {
		cfg.MandatoryFields = make(map[routing.Route][]string, len(c.Routing.MandatoryFields))
		for target, fields := range c.Routing.MandatoryFields {
			cfg.MandatoryFields[routing.Route(target)] = fields
		}
	}
	if c.Routing.DataCollectionStage != "" {
		cfg.DataCollectionStage = routing.Route(c.Routing.DataCollectionStage)
	}
	if c.Routing.ClarificationStage != "" {
		cfg.ClarificationStage = routing.Route(c.Routing.ClarificationStage)
	}
	if c.Routing.FallbackStage != "" {
		cfg.FallbackStage = routing.Route(c.Routing.FallbackStage)
	}
	cfg.MaxConsecutiveFailures = c.Routing.MaxConsecutiveFailures
	cfg.MaxConfusion = c.Routing.MaxConfusion
	return cfg
}

// DeliveryEngineConfig は配信エンジン用の設定に変換する
func (c *Config) DeliveryEngineConfig() delivery.Config {
	return delivery.Config{
		MaxBatch:               c.Delivery.MaxBatch,
		MaxRounds:              c.Delivery.MaxRounds,
		EmergencyFallbackLimit: c.Delivery.EmergencyFallbackLimit,
		EmergencyFallbackText:  c.Delivery.FallbackText,
	}
}

// RolloutConfig はロールアウト設定に変換する（補強無効時は常に rule_only）
func (c *Config) RolloutConfig() rollout.Config {
	if !c.Enhancement.Enabled {
		return rollout.Config{EnhancedPercent: 0, Salt: c.Rollout.Salt}
	}
	return rollout.Config{EnhancedPercent: c.Rollout.EnhancedPercent, Salt: c.Rollout.Salt}
}

// Resolver は禁止パターンをコンパイルし、安全なデフォルトを検証したリゾルバを返す
func (c *Config) Resolver() (*guard.Resolver, error) {
	deny, err := guard.CompileDenyList(c.Destinations.DenyPatterns)
	if err != nil {
		return nil, err
	}
	perChannel := make(map[outbox.Channel]string, len(c.Destinations.PerChannel))
	for name, dest := range c.Destinations.PerChannel {
		perChannel[outbox.Channel(name)] = dest
	}
	resolver := guard.NewResolver(deny, guard.ResolverConfig{
		SafeDefault: c.Destinations.SafeDefault,
		PerChannel:  perChannel,
	})
	if err := resolver.ValidateSafeDefault(); err != nil {
		return nil, err
	}
	return resolver, nil
}
