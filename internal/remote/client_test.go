package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestClientCRUDSendsIdentityHeaders(t *testing.T) {
	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok_1" {
			t.Fatalf("expected bearer token, got %q", got)
		}
		if got := r.Header.Get("X-Client-Id"); got != "client-a" {
			t.Fatalf("expected client id header, got %q", got)
		}
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Fatalf("expected correlation id header")
		}
		seen = append(seen, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		if len(body) == 0 {
			_, _ = w.Write([]byte(`{"id":"e1","version":3}`))
			return
		}
		_, _ = w.Write(body)
	}))
	defer server.Close()

	client := NewClient(server.URL, StaticToken("tok_1"), "client-a", server.Client())
	ctx := context.Background()
	created, err := client.Create(ctx, "elements", "e1", json.RawMessage(`{"id":"e1"}`))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if string(created) != `{"id":"e1"}` {
		t.Fatalf("unexpected create response %s", created)
	}
	if _, err := client.Update(ctx, "elements", "e1", json.RawMessage(`{"id":"e1","x":1}`)); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	got, err := client.Get(ctx, "elements", "e1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != `{"id":"e1","version":3}` {
		t.Fatalf("unexpected get response %s", got)
	}
	if err := client.Delete(ctx, "elements", "e1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	want := []string{"POST /elements/e1", "PUT /elements/e1", "GET /elements/e1", "DELETE /elements/e1"}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestClientErrorTaxonomy(t *testing.T) {
	statuses := map[int]error{
		http.StatusBadRequest:          ErrRejected,
		http.StatusNotFound:            ErrRejected,
		http.StatusConflict:            ErrRejected,
		http.StatusRequestTimeout:      ErrUnavailable,
		http.StatusTooManyRequests:     ErrUnavailable,
		http.StatusInternalServerError: ErrUnavailable,
		http.StatusServiceUnavailable:  ErrUnavailable,
	}
	for status, want := range statuses {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"code":"x","message":"nope"}`))
		}))
		client := NewClient(server.URL, nil, "", server.Client())
		err := client.Delete(context.Background(), "elements", "e1")
		server.Close()
		if !errors.Is(err, want) {
			t.Fatalf("status %d: expected %v, got %v", status, want, err)
		}
		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || httpErr.StatusCode != status || httpErr.Message != "nope" {
			t.Fatalf("status %d: expected HTTPError with message, got %#v", status, err)
		}
		if IsNotFound(err) != (status == http.StatusNotFound) {
			t.Fatalf("status %d: unexpected IsNotFound result", status)
		}
	}
}

func TestClientNetworkFailureIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewClient(url, nil, "", &http.Client{Timeout: time.Second})
	if err := client.Health(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for refused connection, got %v", err)
	}
}

func TestClientPollAcceptsArrayOrEnvelope(t *testing.T) {
	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime/poll" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("clientId") != "client-a" {
			t.Fatalf("expected clientId query, got %q", r.URL.RawQuery)
		}
		if r.URL.Query().Get("since") != since.Format(time.RFC3339Nano) {
			t.Fatalf("expected since query, got %q", r.URL.Query().Get("since"))
		}
		calls++
		if calls == 1 {
			_, _ = w.Write([]byte(`[{"id":"ev1","entityType":"elements","action":"updated","payload":{"id":"e1"}}]`))
			return
		}
		_, _ = w.Write([]byte(`{"events":[{"id":"ev2","entityType":"elements","action":"deleted","key":"e2"}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, "client-a", server.Client())
	first, err := client.Poll(context.Background(), since)
	if err != nil || len(first) != 1 || first[0].EntityKey() != "e1" {
		t.Fatalf("expected one event keyed by payload id, got %+v (%v)", first, err)
	}
	second, err := client.Poll(context.Background(), since)
	if err != nil || len(second) != 1 || second[0].EntityKey() != "e2" {
		t.Fatalf("expected one enveloped event, got %+v (%v)", second, err)
	}
}

func TestClientPushBatchEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime/push/batch" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			Events []Event `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode batch: %v", err)
		}
		if len(body.Events) != 2 {
			t.Fatalf("expected 2 events, got %d", len(body.Events))
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, "", server.Client())
	if err := client.PushBatch(context.Background(), nil); err != nil {
		t.Fatalf("empty batch should be a no-op: %v", err)
	}
	if err := client.PushBatch(context.Background(), []Event{{ID: "a"}, {ID: "b"}}); err != nil {
		t.Fatalf("push batch: %v", err)
	}
}

func TestFileTokenRereadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	provider := FileToken{Path: path}
	token, err := provider.Token(context.Background())
	if err != nil || token != "first" {
		t.Fatalf("expected first, got %q (%v)", token, err)
	}
	if err := os.WriteFile(path, []byte("second"), 0o600); err != nil {
		t.Fatalf("rewrite token: %v", err)
	}
	token, _ = provider.Token(context.Background())
	if token != "second" {
		t.Fatalf("expected rotated token, got %q", token)
	}
}

func TestDecodeEventsSingleObject(t *testing.T) {
	events, err := DecodeEvents([]byte(`{"id":"ev1","entityType":"maps","action":"created","payload":{"id":42}}`))
	if err != nil || len(events) != 1 {
		t.Fatalf("expected single event, got %+v (%v)", events, err)
	}
	if events[0].EntityKey() != "42" {
		t.Fatalf("expected numeric payload id as key, got %q", events[0].EntityKey())
	}
}
