package policy

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestContain(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	outside := t.TempDir()

	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "escape")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if err := os.Symlink(filepath.Join(root, "src"), filepath.Join(root, "inside")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(outside, "missing.txt"), filepath.Join(root, "dangling")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("../../nowhere", filepath.Join(root, "src", "dangling-rel")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("later.txt", filepath.Join(root, "src", "dangling-in")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		target  string
		wantErr bool
	}{
		{"relative file", "src/main.go", false},
		{"missing leaf", "new/dir/file.txt", false},
		{"root itself", ".", false},
		{"dot dot escape", "../outside.txt", true},
		{"nested dot dot escape", "src/../../x", true},
		{"absolute outside", "/etc/passwd", true},
		{"symlink escape", "escape/secret.txt", true},
		{"symlink escape missing leaf", "escape/new.txt", true},
		{"symlink inside", "inside/file.go", false},
		{"dangling symlink escape", "dangling", true},
		{"dangling relative symlink escape", "src/dangling-rel", true},
		{"dangling symlink inside", "src/dangling-in", false},
		{"home relative", "~/notes", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Contain(root, tt.target)
			if tt.wantErr {
				if !errors.Is(err, ErrContainmentViolation) {
					t.Errorf("Contain(%q) err = %v, want ErrContainmentViolation", tt.target, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Contain(%q): %v", tt.target, err)
			}
			realRoot, _ := filepath.EvalSymlinks(root)
			if !strings.HasPrefix(got, realRoot) {
				t.Errorf("Contain(%q) = %q, not under %q", tt.target, got, realRoot)
			}
		})
	}
}

type fakeResolver map[string][]netip.Addr

func (f fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	if addrs, ok := f[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func TestNetworkGuard_Check(t *testing.T) {
	t.Parallel()
	resolver := fakeResolver{
		"example.com":      {netip.MustParseAddr("93.184.216.34")},
		"rebind.example":   {netip.MustParseAddr("93.184.216.34"), netip.MustParseAddr("10.1.2.3")},
		"intranet.example": {netip.MustParseAddr("192.168.1.10")},
	}
	g := NewNetworkGuard(NetworkConfig{AllowHosts: []string{"127.0.0.2"}}, resolver, nil)

	tests := []struct {
		url     string
		blocked bool
	}{
		{"https://example.com/page", false},
		{"http://127.0.0.1/admin", true},
		{"http://127.0.0.1:8080/", true},
		{"http://localhost/", true},
		{"http://[::1]/", true},
		{"http://169.254.169.254/latest/meta-data", true},
		{"http://10.0.0.1/", true},
		{"http://[fd00::1]/", true},
		{"http://[::ffff:127.0.0.1]/", true},
		{"http://[64:ff9b::7f00:1]/", true},
		{"http://0177.0.0.1/", true},
		{"http://127.1/", true},
		{"http://0x7f000001/", true},
		{"http://rebind.example/", true},
		{"http://intranet.example/", true},
		{"file:///etc/passwd", true},
		{"ftp://example.com/", true},
		{"http://127.0.0.2/", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			t.Parallel()
			err := g.Check(context.Background(), tt.url)
			if tt.blocked && !errors.Is(err, ErrNetworkDenied) {
				t.Errorf("Check(%q) = %v, want ErrNetworkDenied", tt.url, err)
			}
			if !tt.blocked && err != nil {
				t.Errorf("Check(%q) = %v, want nil", tt.url, err)
			}
		})
	}
}

func TestNetworkGuard_AllowPrivate(t *testing.T) {
	t.Parallel()
	g := NewNetworkGuard(NetworkConfig{AllowPrivate: true}, fakeResolver{}, nil)

	if err := g.Check(context.Background(), "http://192.168.1.1/"); err != nil {
		t.Errorf("private with allow_private: %v", err)
	}
	if err := g.Check(context.Background(), "http://127.0.0.1/"); !errors.Is(err, ErrNetworkDenied) {
		t.Errorf("loopback must stay blocked with allow_private: %v", err)
	}
}

func TestNetworkGuard_Control(t *testing.T) {
	t.Parallel()
	g := NewNetworkGuard(NetworkConfig{}, fakeResolver{}, nil)
	if err := g.Control("tcp", "127.0.0.1:80", nil); !errors.Is(err, ErrNetworkDenied) {
		t.Errorf("Control loopback = %v", err)
	}
	if err := g.Control("tcp", "93.184.216.34:443", nil); err != nil {
		t.Errorf("Control public = %v", err)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got, cut := Truncate("short", 10); cut || got != "short" {
		t.Errorf("short input changed: %q %v", got, cut)
	}

	got, cut := Truncate(strings.Repeat("a", 100), 10)
	if !cut {
		t.Fatal("expected truncation")
	}
	if !strings.HasPrefix(got, strings.Repeat("a", 10)+"\n") || !strings.Contains(got, "omitted 90 bytes") {
		t.Errorf("unexpected output %q", got)
	}

	// "é" is two bytes; a limit of 2 must not split it.
	got, _ = Truncate("aéé", 2)
	if !strings.HasPrefix(got, "a\n") {
		t.Errorf("split a rune: %q", got)
	}
}

func TestLimits_TruncateOutputIndependently(t *testing.T) {
	t.Parallel()
	l := Limits{StdoutBytes: 4, StderrBytes: 100, ResultBytes: 100}
	out := l.TruncateOutput(Captured{Kept: "0123456789", Total: 10}, Captured{Kept: "err", Total: 3})
	if !out.Truncated {
		t.Error("expected Truncated flag")
	}
	if out.Stderr != "err" {
		t.Errorf("stderr changed: %q", out.Stderr)
	}
	if !strings.HasPrefix(out.Stdout, "0123\n") || !strings.Contains(out.Stdout, "omitted 6 bytes") {
		t.Errorf("stdout = %q", out.Stdout)
	}

	dropped := l.TruncateOutput(Captured{Kept: "0123", Total: 50}, Captured{})
	if !dropped.Truncated || !strings.HasSuffix(dropped.Stdout, "omitted 46 bytes]") {
		t.Errorf("bytes dropped while capturing not counted: %q", dropped.Stdout)
	}
	if dropped.Stderr != "" {
		t.Errorf("empty stderr = %q", dropped.Stderr)
	}
}
