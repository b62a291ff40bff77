package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jholhewres/mwaai/pkg/mwaai/copilot"
	"github.com/jholhewres/mwaai/pkg/mwaai/gateway"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// newServeCmd creates the `mwaai serve` command that runs the assistant.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant with its channels, scheduler and HTTP gateway",
		Long: `Start mwaai as a service: connect the enabled WhatsApp channels,
serve the Cloud API webhook, and deliver scheduled messages.

Examples:
  mwaai serve
  mwaai serve --config ./config.yaml -v`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	if cfg.API.APIKey == "" {
		logger.Warn("no API key configured; set OPENAI_API_KEY or api.api_key")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	assistant, err := copilot.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create assistant: %w", err)
	}

	if wa := assistant.WhatsApp(); wa != nil {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			wa.SetQROutput(os.Stdout)
		} else {
			logger.Warn("stdout is not a terminal; run once interactively to pair the WhatsApp device")
		}
	}

	if err := assistant.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		var webhook gateway.WebhookHandler
		if c := assistant.CloudAPI(); c != nil {
			webhook = c
		}
		gw = gateway.New(cfg.Gateway, webhook, assistant.ChannelManager(), assistant.Metrics().Handler(), logger)
		if err := gw.Start(ctx); err != nil {
			assistant.Stop()
			return fmt.Errorf("failed to start gateway: %w", err)
		}
	}

	logger.Info("mwaai running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"model", cfg.Model,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		if gw != nil {
			if err := gw.Stop(context.Background()); err != nil {
				logger.Warn("gateway shutdown failed", "error", err)
			}
		}
		assistant.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(15 * time.Second):
		logger.Warn("shutdown timed out after 15s, forcing exit")
	}
	return nil
}
