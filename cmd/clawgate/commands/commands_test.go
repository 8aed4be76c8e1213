package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "clawgate.yaml")
	doc := "scheduler:\n  jobs_path: " + filepath.Join(dir, "jobs.json") + "\n" +
		"state:\n  dir: " + filepath.Join(dir, "data") + "\n" +
		"providers:\n  openai:\n    api_key: sk-abcdefghijklmnopqrstuvwxyz0123\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	return dir, path
}

func TestCronCommands(t *testing.T) {
	t.Parallel()
	dir, cfg := writeConfig(t)
	legacy := filepath.Join(dir, "none.json")

	out, err := run(t, "--config", cfg, "--legacy-config", legacy, "cron", "add", "every 5 minutes", "check the queue", "--id", "q1")
	if err != nil {
		t.Fatalf("add: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Added job q1 (@every 5m)") {
		t.Errorf("add output = %q", out)
	}

	if _, err := run(t, "--config", cfg, "--legacy-config", legacy, "cron", "add", "hourly", "x", "--channel", "discord"); err == nil {
		t.Error("add accepted --channel without --to")
	}

	out, err = run(t, "--config", cfg, "--legacy-config", legacy, "cron", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "true") || strings.Contains(out, "false") {
		t.Errorf("new job not enabled: %q", out)
	}

	out, err = run(t, "--config", cfg, "--legacy-config", legacy, "cron", "add", "daily", "backup", "--id", "b1", "--disabled")
	if err != nil {
		t.Fatalf("add --disabled: %v\n%s", err, out)
	}
	if !strings.Contains(out, "disabled") {
		t.Errorf("add --disabled output = %q", out)
	}
	if _, err := run(t, "--config", cfg, "--legacy-config", legacy, "cron", "remove", "b1"); err != nil {
		t.Fatal(err)
	}

	if _, err := run(t, "--config", cfg, "--legacy-config", legacy, "cron", "disable", "q1"); err != nil {
		t.Fatal(err)
	}
	out, err = run(t, "--config", cfg, "--legacy-config", legacy, "cron", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "q1") || !strings.Contains(out, "false") || !strings.Contains(out, "never") {
		t.Errorf("list output = %q", out)
	}

	if _, err := run(t, "--config", cfg, "--legacy-config", legacy, "cron", "remove", "q1"); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "--config", cfg, "--legacy-config", legacy, "cron", "remove", "q1"); err == nil {
		t.Error("removing a missing job succeeded")
	}
}

func TestConfigShowMasksSecrets(t *testing.T) {
	t.Parallel()
	dir, cfg := writeConfig(t)
	out, err := run(t, "--config", cfg, "--legacy-config", filepath.Join(dir, "none.json"), "config", "show")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "sk-abcdefghijklmnopqrstuvwxyz0123") {
		t.Error("api key printed in clear")
	}
	if !strings.Contains(out, "****0123") {
		t.Errorf("masked key missing:\n%s", out)
	}
}

func TestDoctorFailsOnCriticalFinding(t *testing.T) {
	t.Parallel()
	dir, cfg := writeConfig(t)
	out, err := run(t, "--config", cfg, "--legacy-config", filepath.Join(dir, "none.json"), "doctor")
	if err == nil {
		t.Fatal("doctor passed with a plaintext key")
	}
	if !strings.Contains(out, "providers.openai.api_key") {
		t.Errorf("output = %q", out)
	}
}
