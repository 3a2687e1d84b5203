package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/cenkalti/backoff"
	"github.com/r3labs/sse/v2"

	"github.com/agentworkforce/relaysync/internal/remote"
)

// Pusher carries outbound events for transports without a write path.
type Pusher interface {
	Push(ctx context.Context, event remote.Event) error
	PushBatch(ctx context.Context, events []remote.Event) error
}

// StreamTransport is the one-way server push stage (text/event-stream).
// Outbound events go through Pusher.
type StreamTransport struct {
	URL      string
	ClientID string
	Tokens   TokenSource
	Pusher   Pusher
	// HTTPClient must not set a Timeout; the stream stays open indefinitely.
	HTTPClient *http.Client
	Logger     Logger
}

func (t *StreamTransport) Kind() Kind { return Stream }

func (t *StreamTransport) Connect(ctx context.Context, deliver func(remote.Event)) (Session, error) {
	token, err := resolveToken(ctx, t.Tokens)
	if err != nil {
		return nil, &TransportError{Transport: Stream, Err: err}
	}
	target, err := endpointURL(t.URL, token, t.ClientID, false)
	if err != nil {
		return nil, &TransportError{Transport: Stream, Err: err}
	}

	client := sse.NewClient(target, sse.ClientMaxBufferSize(maxStreamEventBytes))
	if t.HTTPClient != nil {
		client.Connection = t.HTTPClient
	}
	if token != "" {
		client.Headers["Authorization"] = "Bearer " + token
	}
	// The ladder owns reconnects; the library must give up after one try.
	client.ReconnectStrategy = &backoff.StopBackOff{}
	connected := make(chan struct{})
	client.ResponseValidator = func(_ *sse.Client, resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return fmt.Errorf("http %d", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
			_ = resp.Body.Close()
			return fmt.Errorf("unexpected content type %q", ct)
		}
		close(connected)
		return nil
	}

	// The stream outlives ctx; ctx only bounds the handshake.
	sessCtx, stop := context.WithCancel(context.Background())
	s := &streamSession{stop: stop, pusher: t.Pusher, logger: t.Logger}
	s.init()
	ended := make(chan error, 1)
	go func() {
		ended <- client.SubscribeRawWithContext(sessCtx, func(msg *sse.Event) {
			s.handle(msg, deliver)
		})
	}()

	select {
	case <-connected:
	case err := <-ended:
		select {
		case <-connected:
			// A short stream may end before the handshake is observed.
			ended <- err
		default:
			stop()
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return nil, &TransportError{Transport: Stream, Err: err}
		}
	case <-ctx.Done():
		stop()
		<-ended
		return nil, &TransportError{Transport: Stream, Err: ctx.Err()}
	}
	go s.wait(ended)
	return s, nil
}

const maxStreamEventBytes = 1 << 20

type streamSession struct {
	sessionBase
	stop     context.CancelFunc
	pusher   Pusher
	closing  atomic.Bool
	graceful atomic.Bool
	logger   Logger
}

func (s *streamSession) handle(msg *sse.Event, deliver func(remote.Event)) {
	if string(msg.Event) == "close" {
		s.graceful.Store(true)
		s.stop()
		return
	}
	if len(msg.Data) > 0 {
		s.dispatch(msg.Data, deliver)
	}
}

// wait ends the session once the subscription returns. Only a close event
// or a local Close count as graceful; a bare EOF is a dropped connection.
func (s *streamSession) wait(ended <-chan error) {
	err := <-ended
	s.stop()
	if s.closing.Load() || s.graceful.Load() {
		s.finish(nil)
		return
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	s.finish(&TransportError{Transport: Stream, Err: err})
}

func (s *streamSession) dispatch(payload []byte, deliver func(remote.Event)) {
	events, err := remote.DecodeEvents(payload)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("stream: skip undecodable event: %v", err)
		}
		return
	}
	for _, event := range events {
		deliver(event)
	}
}

func (s *streamSession) Send(ctx context.Context, events []remote.Event) error {
	if s.pusher == nil {
		return errors.New("stream transport has no outbound pusher")
	}
	switch len(events) {
	case 0:
		return nil
	case 1:
		return s.pusher.Push(ctx, events[0])
	default:
		return s.pusher.PushBatch(ctx, events)
	}
}

func (s *streamSession) Close() error {
	s.closing.Store(true)
	s.stop()
	<-s.done
	return nil
}
