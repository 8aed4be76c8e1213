package commands

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/clawgate/pkg/clawgate/config"
	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
)

// newConfigCmd creates the `clawgate config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and migrate the configuration",
		Long: `Inspect the effective configuration, migrate a legacy JSON5 config
into the YAML file, or store a provider key in the OS keyring.

Examples:
  clawgate config show
  clawgate config migrate --legacy-config ~/.picors/config.json
  clawgate config set-key anthropic`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigMigrateCmd(),
		newConfigPathCmd(),
		newConfigSetKeyCmd(),
	)
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			data, err := config.Marshal(cfg.Redacted())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newConfigMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Merge the legacy config into the YAML config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			primary, legacy := configPaths(cmd)
			err := config.Migrate(primary, legacy)
			if errors.Is(err, config.ErrNothingToMigrate) {
				fmt.Fprintf(cmd.OutOrStdout(), "No legacy config at %s, nothing to do.\n", legacy)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s into %s\n", legacy, primary)
			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file locations in use",
		RunE: func(cmd *cobra.Command, _ []string) error {
			primary, legacy := configPaths(cmd)
			fmt.Fprintf(cmd.OutOrStdout(), "config: %s\nlegacy: %s\n", primary, legacy)
			return nil
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key <provider>",
		Short: "Store a provider API key in the OS keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := readSecret(cmd, fmt.Sprintf("%s API key: ", args[0]))
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("empty key")
			}
			if err := provider.StoreCredential(args[0], key); err != nil {
				return fmt.Errorf("storing key in keyring: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored key for %s in the OS keyring.\n", args[0])
			return nil
		},
	}
}

// readSecret reads a line without echo on a terminal, or plainly from
// piped input.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
