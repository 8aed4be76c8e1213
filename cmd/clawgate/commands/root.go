// Package commands implements the clawgate CLI commands using cobra.
package commands

import (
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawgate/pkg/clawgate/config"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clawgate",
		Short: "clawgate - local LLM gateway",
		Long: `clawgate routes chat messages from Discord, Telegram, cron jobs and
the terminal to LLM providers, running tools under a policy engine.

Examples:
  clawgate serve
  clawgate chat "summarize README.md"
  clawgate cron add "every day at 9am" "Send me the morning briefing" --channel telegram --to 12345
  clawgate doctor`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return config.LoadEnvFiles()
		},
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newCronCmd(),
		newConfigCmd(),
		newDoctorCmd(),
		newHealthCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the YAML config file")
	rootCmd.PersistentFlags().String("legacy-config", "", "path to the legacy JSON5 config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// configPaths returns the primary and legacy paths from flags, falling
// back to the usual locations.
func configPaths(cmd *cobra.Command) (primary, legacy string) {
	primary, _ = cmd.Root().PersistentFlags().GetString("config")
	legacy, _ = cmd.Root().PersistentFlags().GetString("legacy-config")
	if primary == "" {
		primary = config.FindConfigFile()
	}
	if primary == "" {
		primary = config.DefaultPath()
	}
	if legacy == "" {
		legacy = config.DefaultLegacyPath()
	}
	return primary, legacy
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	primary, legacy := configPaths(cmd)
	return config.Load(primary, legacy)
}

// newLogger builds the slog logger from the logging section and --verbose.
func newLogger(cmd *cobra.Command, cfg *config.Config, w io.Writer) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Logging.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
