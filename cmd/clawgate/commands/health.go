package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// newHealthCmd creates the `clawgate health` command, used by container
// health checks and monitoring.
func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query a running gateway's /health and /ready endpoints",
		Long: `Query the health server of a running gateway. Exits non-zero when the
gateway is unreachable or, with --ready, not ready.`,
		RunE: runHealth,
	}
	cmd.Flags().String("address", "", "health server address (defaults to health.address)")
	cmd.Flags().Bool("ready", false, "also require /ready to succeed")
	cmd.Flags().Duration("timeout", 5*time.Second, "request timeout")
	return cmd
}

func runHealth(cmd *cobra.Command, _ []string) error {
	address, _ := cmd.Flags().GetString("address")
	if address == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		address = cfg.Health.Address
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	checkReady, _ := cmd.Flags().GetBool("ready")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	paths := []string{"/health"}
	if checkReady {
		paths = append(paths, "/ready")
	}
	for _, p := range paths {
		status, body, err := get(ctx, "http://"+address+p)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d %s\n", p, status, body)
		if status != http.StatusOK {
			return fmt.Errorf("%s returned %d", p, status)
		}
	}
	return nil
}

func get(ctx context.Context, url string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(body), nil
}
