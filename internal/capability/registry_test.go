package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/bus"
	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) config.BusConfig {
	t.Helper()
	cfg := config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	return cfg
}

func connect(t *testing.T, cfg config.BusConfig) *bus.Client {
	t.Helper()
	client, err := bus.Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestAdvertiseFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.ClonedVoice.Mode = "replicate"
	caps := Advertise(cfg)
	if len(caps) != 2 {
		t.Fatalf("expected two capabilities, got %d", len(caps))
	}
	if caps[1].Name != "voice.cloned" || caps[1].Tier != "replicate" || caps[1].Attributes["format"] != "wav" {
		t.Fatalf("unexpected cloned capability %+v", caps[1])
	}
	if caps[0].Attributes["languages"] != "en,es,fr" {
		t.Fatalf("unexpected languages %q", caps[0].Attributes["languages"])
	}
}

func TestWorkersDiscoverEachOther(t *testing.T) {
	busCfg := startBus(t)
	cfg := config.Default()
	nodeCfg := config.NodeConfig{HeartbeatInterval: 50, HeartbeatTimeout: 500}

	nodeCfg.ID = "worker-a"
	a, err := NewRegistry(context.Background(), nodeCfg, Advertise(cfg), connect(t, busCfg), newLogger())
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	t.Cleanup(a.Close)

	cfg.ClonedVoice.Mode = "exec"
	nodeCfg.ID = "worker-b"
	b, err := NewRegistry(context.Background(), nodeCfg, Advertise(cfg), connect(t, busCfg), newLogger())
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}
	t.Cleanup(b.Close)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		fromB := b.Query(WithCapabilityFilter("voice.cloned"))
		fromA := a.Query(WithCapabilityFilter("voice.cloned"))
		if len(fromA) == 2 && len(fromB) == 2 {
			if fromB[0].ID != "worker-a" || fromB[0].Capabilities[1].Tier != "mock" {
				t.Fatalf("unexpected view of worker-a: %+v", fromB[0])
			}
			if !a.Healthy() || !b.Healthy() {
				t.Fatal("expected both registries healthy")
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("workers never discovered each other: a=%+v b=%+v", a.Query(nil), b.Query(nil))
}

func TestSilentWorkerBecomesUnhealthy(t *testing.T) {
	r := &Registry{cfg: config.NodeConfig{ID: "self", HeartbeatTimeout: 1000}, nodes: map[string]*NodeInfo{}}
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r.updateNode("self", nil, start)
	r.updateNode("peer", []Capability{{Name: "voice.default"}}, start)

	r.evaluateHealth(start.Add(500 * time.Millisecond))
	if got := r.Query(WithCapabilityFilter("voice.default")); len(got) != 1 {
		t.Fatalf("expected peer healthy, got %+v", got)
	}
	r.evaluateHealth(start.Add(2 * time.Second))
	if got := r.Query(WithCapabilityFilter("voice.default")); len(got) != 0 {
		t.Fatalf("expected peer unhealthy, got %+v", got)
	}
	if r.Healthy() {
		t.Fatal("expected self unhealthy after missing heartbeats")
	}
	if got := r.Query(WithLanguageFilter("fr")); len(got) != 0 {
		t.Fatalf("expected no language match, got %+v", got)
	}
}
