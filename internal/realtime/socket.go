package realtime

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaysync/internal/remote"
)

const (
	defaultDialTimeout = 10 * time.Second
	socketReadLimit    = 1 << 20
)

// SocketTransport is the bidirectional websocket stage.
type SocketTransport struct {
	URL      string
	ClientID string
	Tokens   TokenSource
	// HTTPClient must not set a Timeout; the dial is bounded by DialTimeout.
	HTTPClient  *http.Client
	DialTimeout time.Duration
	Logger      Logger
}

func (t *SocketTransport) Kind() Kind { return Socket }

func (t *SocketTransport) Connect(ctx context.Context, deliver func(remote.Event)) (Session, error) {
	token, err := resolveToken(ctx, t.Tokens)
	if err != nil {
		return nil, &TransportError{Transport: Socket, Err: err}
	}
	target, err := endpointURL(t.URL, token, t.ClientID, true)
	if err != nil {
		return nil, &TransportError{Transport: Socket, Err: err}
	}
	timeout := t.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{HTTPClient: t.HTTPClient})
	if err != nil {
		return nil, &TransportError{Transport: Socket, Err: err}
	}
	conn.SetReadLimit(socketReadLimit)

	sessCtx, stop := context.WithCancel(context.Background())
	s := &socketSession{conn: conn, stop: stop, logger: t.Logger}
	s.init()
	go s.readLoop(sessCtx, deliver)
	return s, nil
}

type socketSession struct {
	sessionBase
	conn    *websocket.Conn
	stop    context.CancelFunc
	closing atomic.Bool
	logger  Logger
}

func (s *socketSession) readLoop(ctx context.Context, deliver func(remote.Event)) {
	defer s.stop()
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if s.closing.Load() || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.finish(nil)
				return
			}
			s.finish(&TransportError{Transport: Socket, Err: err})
			return
		}
		events, err := remote.DecodeEvents(data)
		if err != nil {
			if s.logger != nil {
				s.logger.Printf("socket: skip undecodable frame: %v", err)
			}
			continue
		}
		for _, event := range events {
			deliver(event)
		}
	}
}

// Send writes one frame: a bare event, or {"events": [...]} for several.
func (s *socketSession) Send(ctx context.Context, events []remote.Event) error {
	if len(events) == 0 {
		return nil
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	var frame any = events[0]
	if len(events) > 1 {
		frame = struct {
			Events []remote.Event `json:"events"`
		}{Events: events}
	}
	if err := wsjson.Write(ctx, s.conn, frame); err != nil {
		return &TransportError{Transport: Socket, Err: err}
	}
	return nil
}

func (s *socketSession) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		<-s.done
		return nil
	}
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	s.stop()
	<-s.done
	return err
}

func resolveToken(ctx context.Context, tokens TokenSource) (string, error) {
	if tokens == nil {
		return "", nil
	}
	return tokens.Token(ctx)
}
