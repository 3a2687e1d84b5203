package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrRejected marks a request the server refused; retrying it unchanged
	// cannot succeed.
	ErrRejected = errors.New("remote rejected request")
	// ErrUnavailable marks a server or network failure worth retrying.
	ErrUnavailable = errors.New("remote unavailable")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.retryable()
	case ErrRejected:
		return e.StatusCode >= 400 && e.StatusCode <= 499 && !e.retryable()
	}
	return false
}

func (e *HTTPError) retryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// Event is a change notification exchanged over the realtime channel.
type Event struct {
	ID         string          `json:"id,omitempty"`
	EntityType string          `json:"entityType"`
	Action     string          `json:"action"`
	Key        string          `json:"key,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	OriginID   string          `json:"originId,omitempty"`
	OpID       string          `json:"opId,omitempty"`
}

// EntityKey returns Key, falling back to payload.id.
func (e Event) EntityKey() string {
	if key := strings.TrimSpace(e.Key); key != "" {
		return key
	}
	if len(e.Payload) == 0 {
		return ""
	}
	var body struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		return ""
	}
	switch id := body.ID.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	}
	return ""
}

type eventBatch struct {
	Events []Event `json:"events"`
}

// DecodeEvents accepts a single event object, an array, or {"events": [...]}.
func DecodeEvents(data []byte) ([]Event, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var events []Event
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, err
		}
		return events, nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	if raw, ok := probe["events"]; ok {
		var events []Event
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, err
		}
		return events, nil
	}
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return []Event{event}, nil
}
