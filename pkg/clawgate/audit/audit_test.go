package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestOpen_CreatesSchema(t *testing.T) {
	t.Parallel()
	l, err := Open(filepath.Join(t.TempDir(), "nested", "audit.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if err := l.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	// Re-running the migration must be a no-op.
	if err := l.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestLog_RecordAndRecent(t *testing.T) {
	t.Parallel()
	l, err := Open(filepath.Join(t.TempDir(), "audit.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()
	ctx := context.Background()

	entries := []Entry{
		{SessionKey: "cli:a", Tool: "exec", Class: "allow", Rule: "auto_allow:ls", Outcome: "executed", Duration: 12 * time.Millisecond},
		{SessionKey: "cli:b", Tool: "web_fetch", Class: "allow", Reason: "loopback address 127.0.0.1", Outcome: "network"},
		{SessionKey: "cli:a", Tool: "exec", Class: "deny", Rule: "builtin:rm -rf", Outcome: "deny"},
	}
	for _, e := range entries {
		if err := l.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := l.Recent(ctx, "cli:a", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].Class != "deny" || got[0].Rule != "builtin:rm -rf" {
		t.Errorf("newest entry = %+v", got[0])
	}
	if got[1].Duration != 12*time.Millisecond {
		t.Errorf("duration = %v", got[1].Duration)
	}

	all, err := l.Recent(ctx, "", 0)
	if err != nil {
		t.Fatalf("Recent all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d entries, want 3", len(all))
	}
}

func TestLog_NilIsNoop(t *testing.T) {
	t.Parallel()
	var l *Log
	if err := l.Record(context.Background(), Entry{Tool: "exec"}); err != nil {
		t.Errorf("nil Record = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("nil Close = %v", err)
	}
}
