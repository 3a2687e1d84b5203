// Package realtime streams remote changes to the client over the best
// transport the network path allows. Transports are tried in order
// (socket, stream, poll) by a Ladder that owns every reconnect decision.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/agentworkforce/relaysync/internal/remote"
)

type Kind string

const (
	Socket Kind = "SOCKET"
	Stream Kind = "STREAM"
	Poll   Kind = "POLL"
	None   Kind = "NONE"
)

type Status string

const (
	Disconnected Status = "DISCONNECTED"
	Connecting   Status = "CONNECTING"
	Connected    Status = "CONNECTED"
)

type State struct {
	Transport Kind   `json:"transport"`
	Status    Status `json:"status"`
}

func (s State) String() string {
	return string(s.Transport) + "/" + string(s.Status)
}

// Transport opens sessions of one kind. deliver is called for every inbound
// event, from the session's own goroutine.
type Transport interface {
	Kind() Kind
	Connect(ctx context.Context, deliver func(remote.Event)) (Session, error)
}

type Session interface {
	Send(ctx context.Context, events []remote.Event) error
	// Done is closed when the session ends for any reason.
	Done() <-chan struct{}
	// Err is nil after a graceful close and a *TransportError otherwise.
	Err() error
	Close() error
}

var ErrSessionClosed = errors.New("session closed")

// TransportError marks an abnormal session end or a failed connect.
type TransportError struct {
	Transport Kind
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %v", strings.ToLower(string(e.Transport)), e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type Logger interface {
	Printf(format string, args ...any)
}

// TokenSource resolves the bearer credential for a connect attempt.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// endpointURL appends token and clientId to raw, mapping http(s) to ws(s)
// when wsScheme is set.
func endpointURL(raw, token, clientID string, wsScheme bool) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if wsScheme {
		switch parsed.Scheme {
		case "http":
			parsed.Scheme = "ws"
		case "https":
			parsed.Scheme = "wss"
		}
	}
	q := parsed.Query()
	if token != "" {
		q.Set("token", token)
	}
	if clientID != "" {
		q.Set("clientId", clientID)
	}
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

// sessionBase tracks the end of a session. finish is safe to call more than
// once; the first call wins.
type sessionBase struct {
	done chan struct{}
	once sync.Once
	err  error
}

func (b *sessionBase) init() {
	b.done = make(chan struct{})
}

func (b *sessionBase) finish(err error) {
	b.once.Do(func() {
		b.err = err
		close(b.done)
	})
}

func (b *sessionBase) Done() <-chan struct{} { return b.done }

func (b *sessionBase) Err() error {
	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}
