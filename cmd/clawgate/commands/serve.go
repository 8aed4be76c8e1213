package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawgate/pkg/clawgate/config"
	"github.com/jholhewres/clawgate/pkg/clawgate/gateway"
)

// newServeCmd creates the `clawgate serve` command that runs the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway with channels, scheduler and health endpoints",
		Long: `Start clawgate as a long-running service: connects the enabled
channels, runs cron jobs and the heartbeat, and serves /health, /ready and
/metrics. SIGHUP re-reads the configuration and reports whether it is valid.

Examples:
  clawgate serve
  clawgate serve --channel telegram
  clawgate serve --config ./clawgate.yaml`,
		RunE: runServe,
	}

	cmd.Flags().StringSlice("channel", nil, "channels to enable (discord, telegram)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	primary, legacy := configPaths(cmd)
	manager, err := config.NewManager(primary, legacy, nil)
	if err != nil {
		return err
	}
	cfg := manager.Current()
	logger := newLogger(cmd, cfg, os.Stdout)
	slog.SetDefault(logger)

	if found, err := config.PlaintextSecrets(primary, legacy); err == nil && len(found) > 0 {
		logger.Warn("credentials stored in plaintext config, use ${VAR} references",
			"fields", found, "hint", "run 'clawgate doctor'")
	}

	channelFilter, _ := cmd.Flags().GetStringSlice("channel")
	gw, err := gateway.New(cfg, gateway.Options{Channels: channelFilter}, logger)
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	defer gw.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if _, err := manager.Reload(); err == nil {
					logger.Info("configuration is valid, restart to apply it")
				}
			}
		}
	}()

	logger.Info("clawgate running, press Ctrl+C to stop", "config", primary)
	if err := gw.Run(ctx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
