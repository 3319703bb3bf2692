package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"JOBQUEUED_LISTEN", "JOBQUEUED_THREADS", "JOBQUEUED_QUEUE_BACKEND",
		"JOBQUEUED_STATS_INTERVAL", "REDIS_ADDR",
	} {
		os.Unsetenv(key)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Server.Addrs) != 1 || cfg.Server.Addrs[0] != "0.0.0.0:4730" {
		t.Fatalf("got addrs %v", cfg.Server.Addrs)
	}
	if cfg.Server.Threads != 1 {
		t.Fatalf("got threads %d, want 1", cfg.Server.Threads)
	}
	if cfg.Server.QueueBackend != QueueBackendNone {
		t.Fatalf("got queue backend %q, want none", cfg.Server.QueueBackend)
	}
	if cfg.Server.StatsInterval != 5*time.Second {
		t.Fatalf("got stats interval %v", cfg.Server.StatsInterval)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("got redis addr %q", cfg.Redis.Addr)
	}
}

func TestLoadRejectsUnknownQueueBackend(t *testing.T) {
	os.Setenv("JOBQUEUED_QUEUE_BACKEND", "mongodb")
	defer os.Unsetenv("JOBQUEUED_QUEUE_BACKEND")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an unknown queue backend")
	}
}

func TestSplitCSVTrimsAndDropsEmpty(t *testing.T) {
	got := splitCSV(" a ,b,, c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestLoadListenAddrsFromCSV(t *testing.T) {
	os.Setenv("JOBQUEUED_LISTEN", "127.0.0.1:4730,127.0.0.1:4731")
	defer os.Unsetenv("JOBQUEUED_LISTEN")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Server.Addrs) != 2 {
		t.Fatalf("got %v", cfg.Server.Addrs)
	}
}
