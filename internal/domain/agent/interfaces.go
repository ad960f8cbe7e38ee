package agent

import (
	"context"

	"github.com/Nyukimin/convoroute/internal/domain/classification"
	"github.com/Nyukimin/convoroute/internal/domain/conversation"
	"github.com/Nyukimin/convoroute/internal/domain/routing"
)

// Classifier はルールベース分類器のインターフェース
type Classifier interface {
	Classify(ctx context.Context, in classification.Input) (classification.Outcome, routing.RouteScore, error)
}

// Enhancer は低確信度の分類をLLMで補強するインターフェース
type Enhancer interface {
	Enhance(ctx context.Context, in classification.Input, base classification.Result) (classification.Outcome, error)
}

// ResponseComposer は決定から送信文面の下書きを作るインターフェース
type ResponseComposer interface {
	Compose(ctx context.Context, state *conversation.State, d routing.Decision, outcome classification.Outcome) ([]string, error)
}
