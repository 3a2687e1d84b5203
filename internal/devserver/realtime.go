package devserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/tmaxmax/go-sse"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaysync/internal/remote"
)

// handleSocket serves the bidirectional feed: every logged event is written
// as one JSON frame, and inbound frames are recorded like pushes.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logf("socket accept failed: %v", err)
		return
	}
	conn.SetReadLimit(s.opts.MaxBodyBytes)
	clientID := requestClientID(r)
	hang := s.currentHangup()
	events, cancel := s.subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	go func() {
		defer stop()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			batch, err := remote.DecodeEvents(data)
			if err != nil {
				s.logf("socket %s: skip undecodable frame: %v", clientID, err)
				continue
			}
			s.record(clientID, batch)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-hang.done:
			if hang.graceful {
				_ = conn.Close(websocket.StatusNormalClosure, "server closing")
			} else {
				_ = conn.Close(websocket.StatusGoingAway, "connection dropped")
			}
			return
		case event, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "server shutting down")
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				s.logf("socket %s: write failed: %v", clientID, err)
				return
			}
		}
	}
}

// handleStream serves the SSE feed. A graceful end is signalled with an
// "event: close" frame; a dropped connection just ends the body.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported", getCorrelationID(r))
		return
	}
	hang := s.currentHangup()
	events, cancel := s.subscribe()
	defer cancel()

	hello := &sse.Message{}
	hello.AppendComment("connected")
	if !s.sendStream(sess, hello) {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-hang.done:
			if hang.graceful {
				s.sendStream(sess, closeMessage())
			}
			return
		case event, ok := <-events:
			if !ok {
				s.sendStream(sess, closeMessage())
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			msg := &sse.Message{}
			if event.ID != "" {
				msg.ID = sse.ID(event.ID)
			}
			msg.AppendData(string(data))
			if !s.sendStream(sess, msg) {
				return
			}
		}
	}
}

func closeMessage() *sse.Message {
	msg := &sse.Message{Type: sse.Type("close")}
	msg.AppendData("{}")
	return msg
}

func (s *Server) sendStream(sess *sse.Session, msg *sse.Message) bool {
	if err := sess.Send(msg); err != nil {
		s.logf("stream: write failed: %v", err)
		return false
	}
	if err := sess.Flush(); err != nil {
		s.logf("stream: flush failed: %v", err)
		return false
	}
	return true
}
