// Package devserver is an in-memory implementation of the remote API:
// entity CRUD, the realtime push/poll endpoints, a websocket feed and an
// SSE feed. It backs the dev server command and end-to-end tests.
package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentworkforce/relaysync/internal/notify"
	"github.com/agentworkforce/relaysync/internal/remote"
)

const (
	defaultMaxEvents    = 1000
	defaultMaxBodyBytes = 1 << 20
	feedBuffer          = 64
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// Token, when set, must be presented as a bearer header or token query
	// parameter on every route except /health.
	Token         string
	DisableSocket bool
	DisableStream bool
	MaxEvents     int
	MaxBodyBytes  int64
	Now           func() time.Time
	Logger        Logger
}

type Server struct {
	opts   Options
	feed   *notify.Topic[remote.Event]
	active atomic.Int32

	mu       sync.Mutex
	entities map[string]map[string]json.RawMessage
	versions map[string]int
	events   []remote.Event
	failures map[string]*failure
	lastTS   time.Time
	hang     *hangup
	healthy  bool
	requests map[string]int
}

type failure struct {
	status int
	times  int
}

// hangup is shared by every realtime connection opened since the last
// Disconnect.
type hangup struct {
	done     chan struct{}
	graceful bool
}

func New(opts Options) *Server {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = defaultMaxEvents
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		opts:     opts,
		feed:     notify.NewStream[remote.Event](),
		entities: map[string]map[string]json.RawMessage{},
		versions: map[string]int{},
		failures: map[string]*failure{},
		hang:     &hangup{done: make(chan struct{})},
		healthy:  true,
		requests: map[string]int{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		s.handleHealth(w, r)
		return
	}
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", getCorrelationID(r))
		return
	}
	s.countRequest(r.Method + " " + r.URL.Path)

	switch {
	case r.URL.Path == "/realtime/push" && r.Method == http.MethodPost:
		s.handlePush(w, r)
		return
	case r.URL.Path == "/realtime/push/batch" && r.Method == http.MethodPost:
		s.handlePush(w, r)
		return
	case r.URL.Path == "/realtime/poll" && r.Method == http.MethodGet:
		s.handlePoll(w, r)
		return
	case r.URL.Path == "/realtime/ws":
		if s.opts.DisableSocket {
			writeError(w, http.StatusNotFound, "not_found", "socket transport disabled", getCorrelationID(r))
			return
		}
		s.handleSocket(w, r)
		return
	case r.URL.Path == "/realtime/stream" && r.Method == http.MethodGet:
		if s.opts.DisableStream {
			writeError(w, http.StatusNotFound, "not_found", "stream transport disabled", getCorrelationID(r))
			return
		}
		s.handleStream(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 1 && parts[0] != "" && parts[0] != "realtime" && r.Method == http.MethodGet {
		s.handleList(w, parts[0])
		return
	}
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || parts[0] == "realtime" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	storeName, key := parts[0], parts[1]
	switch r.Method {
	case http.MethodGet:
		s.handleGet(w, r, storeName, key)
	case http.MethodPost:
		s.handleWrite(w, r, storeName, key, true)
	case http.MethodPut:
		s.handleWrite(w, r, storeName, key, false)
	case http.MethodDelete:
		s.handleDelete(w, r, storeName, key)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method", getCorrelationID(r))
	}
}

// FailNext makes the next times requests against storeName/key answer with
// status instead of being applied.
func (s *Server) FailNext(storeName, key string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if times <= 0 {
		delete(s.failures, entityID(storeName, key))
		return
	}
	s.failures[entityID(storeName, key)] = &failure{status: status, times: times}
}

// SetHealthy controls whether /health reports the server as reachable.
func (s *Server) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

// Disconnect ends every open socket and stream connection. A graceful
// disconnect sends a normal close; otherwise the connection is dropped.
func (s *Server) Disconnect(graceful bool) {
	s.mu.Lock()
	h := s.hang
	s.hang = &hangup{done: make(chan struct{})}
	s.mu.Unlock()
	h.graceful = graceful
	close(h.done)
}

// Emit records an event as if another client had produced it and applies it
// to the entity state.
func (s *Server) Emit(event remote.Event) remote.Event {
	s.mu.Lock()
	if key := event.EntityKey(); key != "" && event.EntityType != "" {
		switch strings.ToLower(event.Action) {
		case "deleted", "delete":
			if bucket := s.entities[event.EntityType]; bucket != nil {
				delete(bucket, key)
			}
		default:
			if len(event.Payload) > 0 {
				s.bucket(event.EntityType)[key] = append(json.RawMessage(nil), event.Payload...)
			}
		}
	}
	event = s.appendEventLocked(event)
	s.mu.Unlock()
	s.feed.Publish(event)
	return event
}

// Entity returns the stored body of storeName/key.
func (s *Server) Entity(storeName, key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.entities[storeName][key]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), body...), true
}

func (s *Server) Entities(storeName string) map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(s.entities[storeName]))
	for key, body := range s.entities[storeName] {
		out[key] = append(json.RawMessage(nil), body...)
	}
	return out
}

// Events returns the retained event log, oldest first.
func (s *Server) Events() []remote.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.Event(nil), s.events...)
}

// Requests reports how many authorized requests hit "METHOD /path".
func (s *Server) Requests(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[route]
}

// Close ends the feeds; open sockets and streams close gracefully.
func (s *Server) Close() {
	s.feed.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	healthy := s.healthy
	s.mu.Unlock()
	if !healthy {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "server unhealthy", getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, storeName string) {
	entities := s.Entities(storeName)
	items := make([]json.RawMessage, 0, len(entities))
	for _, key := range sortedKeys(entities) {
		items = append(items, entities[key])
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, storeName, key string) {
	if s.injectFailure(w, r, storeName, key) {
		return
	}
	body, ok := s.Entity(storeName, key)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "entity not found", getCorrelationID(r))
		return
	}
	writeRaw(w, http.StatusOK, body)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request, storeName, key string, create bool) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if s.injectFailure(w, r, storeName, key) {
		return
	}

	s.mu.Lock()
	bucket := s.bucket(storeName)
	_, exists := bucket[key]
	switch {
	case create && exists:
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "conflict", "entity already exists", correlationID)
		return
	case !create && !exists:
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "entity not found", correlationID)
		return
	}
	id := entityID(storeName, key)
	s.versions[id]++
	now := s.opts.Now().UTC()
	stored := stamp(body, s.versions[id], now)
	bucket[key] = stored
	action := "updated"
	status := http.StatusOK
	if create {
		action = "created"
		status = http.StatusCreated
	}
	event := s.appendEventLocked(remote.Event{
		EntityType: storeName,
		Action:     action,
		Key:        key,
		Payload:    stored,
		OriginID:   requestClientID(r),
	})
	s.mu.Unlock()
	s.feed.Publish(event)
	writeRaw(w, status, stored)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, storeName, key string) {
	if s.injectFailure(w, r, storeName, key) {
		return
	}
	s.mu.Lock()
	bucket := s.bucket(storeName)
	if _, ok := bucket[key]; !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "entity not found", getCorrelationID(r))
		return
	}
	delete(bucket, key)
	event := s.appendEventLocked(remote.Event{
		EntityType: storeName,
		Action:     "deleted",
		Key:        key,
		OriginID:   requestClientID(r),
	})
	s.mu.Unlock()
	s.feed.Publish(event)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	events, err := remote.DecodeEvents(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid event body", correlationID)
		return
	}
	accepted := s.record(requestClientID(r), events)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": accepted})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid since timestamp", getCorrelationID(r))
			return
		}
		since = parsed
	}
	s.mu.Lock()
	out := make([]remote.Event, 0)
	for _, event := range s.events {
		if event.Timestamp.After(since) {
			out = append(out, event)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

// record appends pushed events to the log and fans them out. Events whose
// id is already in the log are ignored.
func (s *Server) record(clientID string, events []remote.Event) int {
	accepted := make([]remote.Event, 0, len(events))
	s.mu.Lock()
	seen := make(map[string]struct{}, len(s.events))
	for _, event := range s.events {
		seen[event.ID] = struct{}{}
	}
	for _, event := range events {
		if event.ID != "" {
			if _, dup := seen[event.ID]; dup {
				continue
			}
			seen[event.ID] = struct{}{}
		}
		if event.OriginID == "" {
			event.OriginID = clientID
		}
		accepted = append(accepted, s.appendEventLocked(event))
	}
	s.mu.Unlock()
	for _, event := range accepted {
		s.feed.Publish(event)
	}
	return len(accepted)
}

func (s *Server) appendEventLocked(event remote.Event) remote.Event {
	if event.ID == "" {
		event.ID = "evt_" + ulid.Make().String()
	}
	ts := s.opts.Now().UTC()
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Microsecond)
	}
	s.lastTS = ts
	event.Timestamp = ts
	s.events = append(s.events, event)
	if overflow := len(s.events) - s.opts.MaxEvents; overflow > 0 {
		s.events = append([]remote.Event(nil), s.events[overflow:]...)
	}
	return event
}

func (s *Server) injectFailure(w http.ResponseWriter, r *http.Request, storeName, key string) bool {
	s.mu.Lock()
	f, ok := s.failures[entityID(storeName, key)]
	if ok {
		f.times--
		if f.times <= 0 {
			delete(s.failures, entityID(storeName, key))
		}
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	writeError(w, f.status, "injected", http.StatusText(f.status), getCorrelationID(r))
	return true
}

func (s *Server) bucket(storeName string) map[string]json.RawMessage {
	bucket, ok := s.entities[storeName]
	if !ok {
		bucket = map[string]json.RawMessage{}
		s.entities[storeName] = bucket
	}
	return bucket
}

func (s *Server) currentHangup() *hangup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hang
}

// subscribe attaches a realtime connection to the event feed.
func (s *Server) subscribe() (<-chan remote.Event, func()) {
	events, cancel := s.feed.Subscribe(feedBuffer)
	s.active.Add(1)
	return events, func() {
		s.active.Add(-1)
		cancel()
	}
}

func (s *Server) subscribers() int {
	return int(s.active.Load())
}

func (s *Server) countRequest(route string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[route]++
}

func (s *Server) authorized(r *http.Request) bool {
	if s.opts.Token == "" {
		return true
	}
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return token == s.opts.Token
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) logf(format string, args ...any) {
	if s.opts.Logger == nil {
		return
	}
	s.opts.Logger.Printf(format, args...)
}

// stamp adds the server-computed version and updatedAt fields to object
// bodies. Other JSON values are stored unchanged.
func stamp(body json.RawMessage, version int, now time.Time) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return append(json.RawMessage(nil), body...)
	}
	fields["version"] = json.RawMessage(fmt.Sprintf("%d", version))
	updatedAt, _ := json.Marshal(now.Format(time.RFC3339Nano))
	fields["updatedAt"] = updatedAt
	out, err := json.Marshal(fields)
	if err != nil {
		return append(json.RawMessage(nil), body...)
	}
	return out
}

func entityID(storeName, key string) string {
	return storeName + "/" + key
}

func requestClientID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-Id")); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("clientId"))
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
