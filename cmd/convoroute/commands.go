package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Nyukimin/convoroute/internal/adapter/config"
	"github.com/Nyukimin/convoroute/internal/domain/rollout"
	"github.com/Nyukimin/convoroute/internal/infrastructure/observability"
)

// --- Global Command Variables ---
var (
	configPath     string
	conversationID string
	destination    string

	cfg    *config.Config
	logger *zap.Logger

	rootCmd = &cobra.Command{
		Use:          "convoroute",
		Short:        "Conversation routing and delivery service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := getConfigPath()
			loaded, err := config.LoadConfig(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg = loaded

			logger, err = observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			logger.Info("Loaded config", zap.String("path", path))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, channel listeners and the redelivery sweeper",
		RunE:  runServe,
	}

	consoleCmd = &cobra.Command{
		Use:   "console",
		Short: "Drive conversation turns from an interactive prompt",
		RunE:  runConsole,
	}

	modeCmd = &cobra.Command{
		Use:   "mode [conversation-id...]",
		Short: "Print the architecture mode and rollout bucket for conversation ids",
		Args:  cobra.MinimumNArgs(1),
		Run:   runMode,
	}

	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Redeliver queued envelopes for every pending conversation once",
		RunE:  runSweep,
	}

	resetCmd = &cobra.Command{
		Use:   "reset [conversation-id]",
		Short: "Reopen a terminated conversation",
		Args:  cobra.ExactArgs(1),
		RunE:  runReset,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml (default $CONVOROUTE_CONFIG or ./config.yaml)")

	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation id to continue (default: a new one)")
	consoleCmd.Flags().StringVar(&destination, "destination", "console", "Destination recorded on the conversation")

	rootCmd.AddCommand(modeCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(resetCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := buildDependencies(cfg, logger, true)
	if err != nil {
		return err
	}
	sweeper, err := deps.newSweeper()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           deps.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		logger.Info("Starting convoroute server", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if deps.webHub != nil {
			deps.webHub.Close()
			deps.appHub.Close()
		}
		return server.Shutdown(shutdownCtx)
	})
	eg.Go(func() error {
		return sweeper.Run(egCtx)
	})

	if deps.telegram != nil {
		eg.Go(func() error {
			return deps.telegram.Listen(egCtx, deps.orchestrator)
		})
	}

	if deps.discordSession != nil {
		deps.discordSession.AddHandler(deps.discord.MessageHandler(egCtx, deps.orchestrator))
		if err := deps.discordSession.Open(); err != nil {
			stop()
			_ = eg.Wait()
			return fmt.Errorf("discord: open session: %w", err)
		}
		defer deps.discordSession.Close()
	}

	return eg.Wait()
}

func runMode(cmd *cobra.Command, args []string) {
	rc := cfg.RolloutConfig()
	out := cmd.OutOrStdout()
	for _, id := range args {
		fmt.Fprintf(out, "%s\tmode=%s\tbucket=%d\tenhanced_percent=%d\n",
			id, rollout.ArchitectureMode(id, rc), rollout.Bucket(id, rc.Salt), rc.EnhancedPercent)
	}
}

func runSweep(cmd *cobra.Command, args []string) error {
	deps, err := buildDependencies(cfg, logger, true)
	if err != nil {
		return err
	}
	sweeper, err := deps.newSweeper()
	if err != nil {
		return err
	}

	res, err := sweeper.SweepOnce(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "conversations=%d sent=%d failed=%d errors=%d\n",
		res.Conversations, res.Sent, res.Failed, res.Errors)
	return err
}

func runReset(cmd *cobra.Command, args []string) error {
	deps, err := buildDependencies(cfg, logger, false)
	if err != nil {
		return err
	}
	id := strings.TrimSpace(args[0])
	if err := deps.orchestrator.Reset(cmd.Context(), id); err != nil {
		return fmt.Errorf("reset %s: %w", id, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "conversation %s reopened\n", id)
	return nil
}
