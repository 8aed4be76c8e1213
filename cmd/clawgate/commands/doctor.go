package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawgate/pkg/clawgate/config"
	"github.com/jholhewres/clawgate/pkg/clawgate/doctor"
)

// newDoctorCmd creates the `clawgate doctor` command.
func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the configuration for insecure or ineffective settings",
		Long: `Run configuration checks: plaintext credentials, file permissions of
the config and state, health endpoints on a non-loopback address, web_fetch
allowed into private networks, and exec rules that refuse everything.
Exits non-zero when a critical finding is reported.`,
		RunE: runDoctor,
	}
	cmd.Flags().Bool("json", false, "print the report as JSON")
	return cmd
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	primary, legacy := configPaths(cmd)
	cfg, err := config.Load(primary, legacy)
	if err != nil {
		return err
	}
	report := doctor.Run(doctor.Options{ConfigPath: primary, LegacyPath: legacy, Config: cfg})
	out := cmd.OutOrStdout()

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		for _, f := range report.Findings {
			fmt.Fprintf(out, "[%s] %s\n  %s\n  fix: %s\n\n", f.Severity, f.Title, f.Detail, f.Remediation)
		}
		fmt.Fprintln(out, report.Summary())
	}

	if report.CriticalCount > 0 {
		return fmt.Errorf("%d critical findings", report.CriticalCount)
	}
	return nil
}
