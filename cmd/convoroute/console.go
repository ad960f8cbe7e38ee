package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Nyukimin/convoroute/internal/application/delivery"
	"github.com/Nyukimin/convoroute/internal/application/orchestrator"
	"github.com/Nyukimin/convoroute/internal/domain/outbox"
)

// consoleAdapter は送信文面を端末へ出力するチャネルアダプタ
type consoleAdapter struct {
	channel outbox.Channel
	out     io.Writer
}

func (a *consoleAdapter) Channel() outbox.Channel {
	return a.channel
}

func (a *consoleAdapter) Send(ctx context.Context, req delivery.SendRequest) (delivery.SendResult, error) {
	if _, err := fmt.Fprintf(a.out, "bot> %s\n", req.Text); err != nil {
		return delivery.SendResult{Status: delivery.StatusFailed}, err
	}
	return delivery.SendResult{Status: delivery.StatusOK, MessageID: "console-" + req.IdempotencyKey}, nil
}

func runConsole(cmd *cobra.Command, args []string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to start console: %w", err)
	}
	defer rl.Close()

	channel := outbox.Channel(cfg.Channels.Default)
	deps, err := buildDependencies(cfg, logger, false, &consoleAdapter{channel: channel, out: rl.Stdout()})
	if err != nil {
		return err
	}

	id := conversationID
	if id == "" {
		id = "console-" + uuid.NewString()[:8]
	}
	fmt.Fprintf(rl.Stdout(), "conversation %s on channel %s (/reset, /human, exit)\n", id, channel)

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		if text == "exit" || text == "quit" {
			return nil
		}

		resp, err := deps.orchestrator.ProcessTurn(cmd.Context(), orchestrator.ProcessTurnRequest{
			ConversationID: id,
			Channel:        channel,
			Destination:    destination,
			Text:           text,
		})
		if err != nil {
			fmt.Fprintf(rl.Stdout(), "error: %v\n", err)
			continue
		}
		if resp.HandedOff {
			fmt.Fprintln(rl.Stdout(), "  conversation is with a human agent (/reset to resume)")
			continue
		}
		fmt.Fprintf(rl.Stdout(), "  [%s] route=%s action=%s conf=%.2f rule=%s stage=%s sent=%d queued=%d\n",
			resp.Mode, resp.Decision.TargetNode, resp.Decision.ThresholdAction, resp.Decision.FinalConfidence,
			resp.Decision.RuleApplied, resp.Stage, resp.Delivery.Sent, resp.Delivery.Queued)
		if resp.Delivery.Terminated {
			fmt.Fprintf(rl.Stdout(), "  conversation terminated: %s\n", resp.Delivery.StopReason)
		}
	}
}
