package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentworkforce/relaysync/internal/devserver"
	"github.com/agentworkforce/relaysync/internal/opqueue"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLoadConfigLayersFlagsOverEnvironment(t *testing.T) {
	t.Setenv("RELAYSYNC_BASE_URL", "http://env.example.com")
	t.Setenv("RELAYSYNC_STORE_DSN", "memory://")
	opts := &rootOptions{BaseURL: "https://flag.example.com/api", Token: "secret", LogMaxSizeMB: 50}
	cfg, err := opts.loadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BaseURL != "https://flag.example.com/api" {
		t.Fatalf("expected flag base URL, got %q", cfg.BaseURL)
	}
	if cfg.SocketURL != "wss://flag.example.com/api/realtime/ws" {
		t.Fatalf("expected socket URL derived from the flag, got %q", cfg.SocketURL)
	}
	if cfg.StoreDSN != "memory://" {
		t.Fatalf("expected env store DSN to survive, got %q", cfg.StoreDSN)
	}
	if cfg.Token != "secret" || cfg.Log.MaxSizeMB != 50 {
		t.Fatalf("expected token and log size overrides, got %+v", cfg)
	}
}

func TestInvalidFormatIsRejected(t *testing.T) {
	_, err := execute(t, "", "--store-dsn", "memory://", "--format", "xml", "pending")
	if err == nil || !strings.Contains(err.Error(), "invalid format") {
		t.Fatalf("expected invalid format error, got %v", err)
	}
}

func TestEnqueueThenPending(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "state.json")
	out, err := execute(t, "", "--store-dsn", dsn, "enqueue", "elements", "e1", "create", `{"id":"e1"}`)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !strings.Contains(out, "CREATE elements/e1") {
		t.Fatalf("unexpected enqueue output %q", out)
	}
	if _, err := execute(t, `{"id":"e1","label":"final"}`, "--store-dsn", dsn, "enqueue", "--priority", "2", "elements", "e1", "update", "-"); err != nil {
		t.Fatalf("enqueue from stdin: %v", err)
	}

	out, err = execute(t, "", "--store-dsn", dsn, "--format", "json", "pending")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	var ops []opqueue.Operation
	if err := json.Unmarshal([]byte(out), &ops); err != nil {
		t.Fatalf("decode pending output %q: %v", out, err)
	}
	if len(ops) != 2 || ops[0].Type != opqueue.Create || ops[1].Type != opqueue.Update {
		t.Fatalf("expected create then update, got %+v", ops)
	}
	if ops[1].Priority != 2 || !strings.Contains(string(ops[1].Payload), "final") {
		t.Fatalf("expected stdin payload with priority 2, got %+v", ops[1])
	}
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "state.json")
	if _, err := execute(t, "", "--store-dsn", dsn, "enqueue", "elements", "e1", "upsert", `{}`); !errors.Is(err, opqueue.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation for unknown type, got %v", err)
	}
	if _, err := execute(t, "", "--store-dsn", dsn, "enqueue", "elements", "e1", "create", `{not json`); !errors.Is(err, opqueue.ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation for bad payload, got %v", err)
	}
	out, err := execute(t, "", "--store-dsn", dsn, "pending")
	if err != nil || !strings.Contains(out, "no pending operations") {
		t.Fatalf("expected empty queue, got %q (%v)", out, err)
	}
}

func TestSyncDrainsQueueAgainstServer(t *testing.T) {
	server := devserver.New(devserver.Options{})
	httpServer := httptest.NewServer(server)
	t.Cleanup(func() {
		server.Close()
		httpServer.Close()
	})
	dsn := filepath.Join(t.TempDir(), "state.json")
	for _, key := range []string{"a", "b"} {
		if _, err := execute(t, "", "--store-dsn", dsn, "enqueue", "elements", key, "create", `{"id":"`+key+`"}`); err != nil {
			t.Fatalf("enqueue %s: %v", key, err)
		}
	}

	out, err := execute(t, "", "--store-dsn", dsn, "--base-url", httpServer.URL, "--format", "json", "sync")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	var summary syncSummary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decode sync output %q: %v", out, err)
	}
	if summary.Synced != 2 || summary.Remaining != 0 || summary.Status != "SYNCED" {
		t.Fatalf("unexpected sync summary %+v", summary)
	}
	if len(server.Entities("elements")) != 2 {
		t.Fatalf("expected both entities on the server")
	}
	out, err = execute(t, "", "--store-dsn", dsn, "dead-letter")
	if err != nil || !strings.Contains(out, "no dead letters") {
		t.Fatalf("expected no dead letters, got %q (%v)", out, err)
	}
}
