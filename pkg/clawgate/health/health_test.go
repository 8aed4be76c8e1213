package health

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/metrics"
)

func TestReporterReadiness(t *testing.T) {
	t.Parallel()
	r := NewReporter()

	if !r.Live() || !r.Ready() {
		t.Fatal("empty reporter should be live and ready")
	}

	r.Register("agent")
	r.Register("scheduler")
	if r.Ready() {
		t.Fatal("ready with components still starting")
	}

	r.MarkReady("agent")
	pending := r.Pending()
	if len(pending) != 1 || pending[0].Name != "scheduler" {
		t.Fatalf("pending = %+v", pending)
	}

	r.MarkReady("scheduler")
	if !r.Ready() {
		t.Fatal("not ready after every component reported")
	}

	r.MarkNotReady("scheduler", "jobs file unreadable")
	pending = r.Pending()
	if len(pending) != 1 || pending[0].Reason != "jobs file unreadable" {
		t.Fatalf("pending = %+v", pending)
	}

	r.Register("agent")
	if c := r.Components(); len(c) != 2 || !c[0].Ready {
		t.Errorf("re-register changed state: %+v", c)
	}
}

func TestEndpoints(t *testing.T) {
	t.Parallel()
	r := NewReporter()
	r.Register("channels")
	m := metrics.New()
	m.CronFired("nightly")

	srv := httptest.NewServer(NewServer(Config{}, r, m.Handler(), nil).Handler())
	defer srv.Close()

	get := func(path string) (*http.Response, map[string]any) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		var body map[string]any
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			_ = json.NewDecoder(resp.Body).Decode(&body)
		}
		return resp, body
	}

	resp, body := get("/health")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("/health = %d %v", resp.StatusCode, body)
	}

	resp, body = get("/ready")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/ready before init = %d", resp.StatusCode)
	}
	if pending, _ := body["pending"].([]any); len(pending) != 1 {
		t.Errorf("/ready pending = %v", body["pending"])
	}

	r.MarkReady("channels")
	resp, _ = get("/ready")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/ready after init = %d", resp.StatusCode)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "clawgate_cron_firings_total") {
		t.Errorf("/metrics missing cron counter:\n%s", raw)
	}
}

func TestMetricsAuth(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(NewServer(Config{AuthToken: "s3cret"}, NewReporter(), metrics.New().Handler(), nil).Handler())
	defer srv.Close()

	tests := []struct {
		header string
		want   int
	}{
		{"", http.StatusUnauthorized},
		{"Bearer wrong", http.StatusUnauthorized},
		{"s3cret", http.StatusUnauthorized},
		{"Bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/metrics", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("Authorization %q: status %d, want %d", tt.header, resp.StatusCode, tt.want)
		}
	}

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health behind auth: %d", resp.StatusCode)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(Config{}, NewReporter(), nil, nil).Serve(ctx, ln) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never answered: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestIsLoopback(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:8085": true,
		"localhost:9000": true,
		"[::1]:80":       true,
		":8085":          false,
		"0.0.0.0:8085":   false,
		"10.0.0.5:8085":  false,
	}
	for addr, want := range tests {
		if got := IsLoopback(addr); got != want {
			t.Errorf("IsLoopback(%q) = %v, want %v", addr, got, want)
		}
	}
}
