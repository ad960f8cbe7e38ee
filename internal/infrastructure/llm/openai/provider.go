package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/Nyukimin/convoroute/internal/domain/llm"
)

// Options はOpenAI互換プロバイダーの設定
// BaseURL を差し替えると DeepSeek や Ollama の互換エンドポイントにも接続できる
type Options struct {
	APIKey     string
	Model      string
	BaseURL    string // 例: https://api.deepseek.com/v1/, http://localhost:11434/v1/
	Label      string // Name() の接頭辞（既定 "openai"）
	Timeout    time.Duration
	MaxRetries int
}

// OpenAIProvider はOpenAI Chat Completions APIプロバイダーの実装
type OpenAIProvider struct {
	client openai.Client
	model  string
	label  string
}

// NewOpenAIProvider は新しいOpenAIProviderを作成
func NewOpenAIProvider(opts Options) *OpenAIProvider {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.Label == "" {
		opts.Label = "openai"
	}

	reqOpts := []option.RequestOption{
		option.WithRequestTimeout(opts.Timeout),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}

	return &OpenAIProvider{
		client: openai.NewClient(reqOpts...),
		model:  opts.Model,
		label:  opts.Label,
	}
}

// Generate はLLM生成を実行
func (p *OpenAIProvider) Generate(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: convertMessages(req),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.GenerateResponse{}, fmt.Errorf("%s API error: %w", p.label, err)
	}
	if len(resp.Choices) == 0 {
		return llm.GenerateResponse{}, errors.New(p.label + " API returned no choices")
	}

	choice := resp.Choices[0]
	return llm.GenerateResponse{
		Content:      choice.Message.Content,
		TokensUsed:   int(resp.Usage.TotalTokens),
		FinishReason: string(choice.FinishReason),
	}, nil
}

// Name はプロバイダー名を返す
func (p *OpenAIProvider) Name() string {
	return fmt.Sprintf("%s-%s", p.label, p.model)
}

// convertMessages はドメインメッセージをChat Completionsのメッセージ列に変換
func convertMessages(req llm.GenerateRequest) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)

	// システムプロンプトを最初に追加
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(msg.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}
	return messages
}
