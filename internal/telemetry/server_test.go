package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestNewLoggerLevels(t *testing.T) {
	t.Parallel()
	logger, err := NewLogger("debug", true)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	_ = logger.Sync()

	if _, err := NewLogger("chatty", false); err == nil {
		t.Fatal("NewLogger() accepted an unknown level")
	}
}

func TestMetricsRegistryGathers(t *testing.T) {
	t.Parallel()
	m := NewMetrics()
	m.Iterations.WithLabelValues("bitflip").Add(3)
	m.CacheHits.Inc()

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{"fuzzrig_scheduler_iterations_total", "fuzzrig_cache_hits_total"} {
		if !names[want] {
			t.Fatalf("registry missing %s", want)
		}
	}
}

func TestNewServerRequiresAddr(t *testing.T) {
	t.Parallel()
	if _, err := NewServer("", nil, nil, nil); err == nil {
		t.Fatal("NewServer() without addr succeeded")
	}
}

func TestServerServesStatusHealthAndMetrics(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := NewServer("127.0.0.1:0", NewMetrics(), func() any {
		return map[string]string{"run_id": "run-status"}
	}, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer srv.Close()
	base := "http://" + srv.Addr()

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Fatalf("healthz = %d %q, want 200 ok", resp.StatusCode, body)
	}

	resp, err = http.Get(base + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("status content type = %q, want application/json", ct)
	}
	var payload map[string]string
	err = json.NewDecoder(resp.Body).Decode(&payload)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if payload["run_id"] != "run-status" {
		t.Fatalf("status payload = %v, want run_id run-status", payload)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", resp.StatusCode)
	}
}

func TestServerStopsWhenContextEnds(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := NewServer("127.0.0.1:0", nil, nil, nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	addr := srv.Addr()
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return
		}
		resp.Body.Close()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server still serving after context cancellation")
}
