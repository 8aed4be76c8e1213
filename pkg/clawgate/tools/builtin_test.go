package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/bus"
	"github.com/jholhewres/clawgate/pkg/clawgate/policy"
	"github.com/jholhewres/clawgate/pkg/clawgate/store"
)

func execInv(ws, command string) Invocation {
	args, _ := json.Marshal(map[string]string{"command": command})
	return Invocation{Tool: "exec", Arguments: args, WorkspaceRoot: ws}
}

func TestExecTool_Output(t *testing.T) {
	t.Parallel()
	tool := NewExecTool(ExecConfig{}, policy.DefaultLimits())

	tests := []struct {
		name    string
		command string
		want    []string
		isError bool
	}{
		{"stdout", "echo hello", []string{"hello"}, false},
		{"stderr", "echo oops 1>&2", []string{"STDERR:", "oops"}, false},
		{"exit code", "exit 3", []string{"Exit code: 3"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := tool.Execute(context.Background(), execInv(t.TempDir(), tt.command))
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(res.Text, w) {
					t.Errorf("output %q missing %q", res.Text, w)
				}
			}
			if res.IsError != tt.isError {
				t.Errorf("IsError = %v, want %v", res.IsError, tt.isError)
			}
		})
	}
}

func TestExecTool_RunsInWorkspace(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	tool := NewExecTool(ExecConfig{}, policy.DefaultLimits())
	res, err := tool.Execute(context.Background(), execInv(ws, "pwd"))
	if err != nil {
		t.Fatal(err)
	}
	resolved, _ := filepath.EvalSymlinks(ws)
	if got := strings.TrimSpace(res.Text); got != ws && got != resolved {
		t.Errorf("pwd = %q, want %q", got, ws)
	}
}

func TestExecTool_TimeoutKillsProcessGroup(t *testing.T) {
	t.Parallel()
	tool := NewExecTool(ExecConfig{}, policy.DefaultLimits())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := tool.Execute(ctx, execInv(t.TempDir(), "sleep 30 & sleep 30; echo never"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.TimedOut {
		t.Errorf("TimedOut = false, result %+v", res)
	}
	if strings.Contains(res.Text, "never") {
		t.Error("command ran to completion")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("kill took %s", elapsed)
	}
}

func TestExecTool_CapsOutput(t *testing.T) {
	t.Parallel()
	tool := NewExecTool(ExecConfig{}, policy.Limits{StdoutBytes: 100, StderrBytes: 100, ResultBytes: 1000})
	res, err := tool.Execute(context.Background(), execInv(t.TempDir(), "yes x | head -c 5000"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated {
		t.Error("Truncated = false")
	}
	if !strings.Contains(res.Text, "omitted 4900 bytes") {
		t.Errorf("output = %q", res.Text)
	}
}

func TestCapBuffer_RuneBoundary(t *testing.T) {
	t.Parallel()
	b := &capBuffer{limit: 4}
	fmt.Fprint(b, "abcé-more")
	out := policy.Limits{StdoutBytes: 4}.TruncateOutput(b.captured(), policy.Captured{})
	if !out.Truncated {
		t.Fatal("expected truncation")
	}
	if !strings.HasPrefix(out.Stdout, "abc\n") {
		t.Errorf("split a rune: %q", out.Stdout)
	}
	// "abcé-more" is 10 bytes and the cut keeps 3.
	if !strings.Contains(out.Stdout, "omitted 7 bytes") {
		t.Errorf("marker = %q", out.Stdout)
	}
}

func TestFileTools_RoundTrip(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	ctx := context.Background()
	inv := func(tool, args string) Invocation {
		return Invocation{Tool: tool, Arguments: json.RawMessage(args), WorkspaceRoot: ws}
	}

	if _, err := (WriteFileTool{}).Execute(ctx, inv("write_file", `{"path":"dir/a.txt","content":"one\ntwo\nthree"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := (WriteFileTool{}).Execute(ctx, inv("write_file", `{"path":"dir/a.txt","content":"\nfour","append":true}`)); err != nil {
		t.Fatalf("append: %v", err)
	}

	res, err := (ReadFileTool{}).Execute(ctx, inv("read_file", `{"path":"dir/a.txt"}`))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.Text != "one\ntwo\nthree\nfour" {
		t.Errorf("read = %q", res.Text)
	}

	res, err = (ReadFileTool{}).Execute(ctx, inv("read_file", `{"path":"dir/a.txt","offset":2,"limit":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "two\nthree" {
		t.Errorf("range read = %q", res.Text)
	}

	res, err = (ListDirTool{}).Execute(ctx, inv("list_dir", `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "dir/" {
		t.Errorf("list root = %q", res.Text)
	}

	if _, err := (ReadFileTool{}).Execute(ctx, inv("read_file", `{"path":"dir"}`)); err == nil {
		t.Error("reading a directory succeeded")
	}

	_, err = (ReadFileTool{}).Execute(ctx, inv("read_file", `{"path":"../../etc/passwd"}`))
	var refusal *RefusalError
	if !errors.As(err, &refusal) || !errors.Is(err, policy.ErrContainmentViolation) {
		t.Errorf("escape err = %v", err)
	}
}

type fakeJobs struct {
	jobs []store.CronJob
}

func (f *fakeJobs) Add(j store.CronJob) (store.CronJob, error) {
	if j.ID == "" {
		j.ID = fmt.Sprintf("job-%d", len(f.jobs)+1)
	}
	f.jobs = append(f.jobs, j)
	return j, nil
}

func (f *fakeJobs) Remove(id string) error {
	for i, j := range f.jobs {
		if j.ID == id {
			f.jobs = append(f.jobs[:i], f.jobs[i+1:]...)
			return nil
		}
	}
	return errors.New("not found")
}

func (f *fakeJobs) Enable(id string) error  { return f.set(id, true) }
func (f *fakeJobs) Disable(id string) error { return f.set(id, false) }
func (f *fakeJobs) List() ([]store.CronJob, error) {
	return f.jobs, nil
}

func (f *fakeJobs) set(id string, on bool) error {
	for i := range f.jobs {
		if f.jobs[i].ID == id {
			f.jobs[i].Enabled = on
			return nil
		}
	}
	return errors.New("not found")
}

func TestCronTool(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobs{}
	tool := NewCronTool(jobs)
	ctx := context.Background()
	run := func(args string) (Result, error) {
		return tool.Execute(ctx, Invocation{Tool: "cron", Arguments: json.RawMessage(args), Channel: "telegram", ChatID: "42"})
	}

	if _, err := run(`{"action":"add","schedule":"every 60s","message":"ping"}`); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := jobs.jobs[0]; got.TargetChannel != "telegram" || got.TargetKey != "42" || !got.Enabled {
		t.Errorf("added job = %+v", got)
	}

	if _, err := run(`{"action":"disable","id":"job-1"}`); err != nil {
		t.Fatal(err)
	}
	res, err := run(`{"action":"list"}`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Text, "job-1") || !strings.Contains(res.Text, "disabled") {
		t.Errorf("list = %q", res.Text)
	}

	if _, err := run(`{"action":"remove"}`); err == nil {
		t.Error("remove without id succeeded")
	}
	if _, err := run(`{"action":"add","schedule":"every 60s"}`); err == nil {
		t.Error("add without message succeeded")
	}
}

func TestMessageTool(t *testing.T) {
	t.Parallel()
	b := bus.New(4, nil)
	tool := NewMessageTool(b)
	ctx := context.Background()

	_, err := tool.Execute(ctx, Invocation{Arguments: json.RawMessage(`{"text":"hi"}`), Channel: "discord", ChatID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	msg, ok := b.ConsumeOutbound(ctx)
	if !ok || msg.Channel != "discord" || msg.TargetID != "c1" || msg.Text != "hi" {
		t.Errorf("outbound = %+v", msg)
	}

	if _, err := tool.Execute(ctx, Invocation{Arguments: json.RawMessage(`{"text":"hi"}`)}); err == nil {
		t.Error("message without target succeeded")
	}
}

func TestRegisterBuiltins(t *testing.T) {
	t.Parallel()
	engine, err := policy.New(policy.DefaultConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(engine, nil)
	if err := RegisterBuiltins(r, Builtins{Config: DefaultConfig(), Publisher: bus.New(1, nil), Jobs: &fakeJobs{}}); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	for _, name := range []string{"exec", "read_file", "write_file", "list_dir", "web_fetch", "message", "cron"} {
		if !r.Has(name) {
			t.Errorf("%s not registered", name)
		}
	}
}

func TestResult_Content(t *testing.T) {
	t.Parallel()
	if got := (Result{}).Content(); got != "(no output)" {
		t.Errorf("empty = %q", got)
	}
	if got := (Result{Text: "t", Refusal: "r"}).Content(); got != "Refused: r" {
		t.Errorf("refusal = %q", got)
	}
}
