// Package gateway serves the local observer endpoint: a WebSocket
// stream of bus events plus a health probe. The stream is one-way and
// lossy for slow readers; it is a window into the pipeline, not a
// delivery guarantee.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/notemill/notemill/internal/bus"
	"github.com/notemill/notemill/pkg/protocol"
)

// clientBuffer bounds queued frames per observer. Overflow drops the
// newest event so the bus publisher never blocks on a slow reader.
const clientBuffer = 64

// Server streams bus events to WebSocket observers.
type Server struct {
	addr string
	bus  *bus.Bus

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	frames  chan protocol.Frame
	dropped atomic.Int64
}

func New(host string, port int, b *bus.Bus) *Server {
	return &Server{
		addr:    fmt.Sprintf("%s:%d", host, port),
		bus:     b,
		clients: make(map[*client]struct{}),
	}
}

// Run serves until ctx is cancelled, then announces shutdown to every
// observer and drains the listener.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("gateway.listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		s.broadcast(protocol.Shutdown())
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return fmt.Errorf("gateway: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("gateway: listen on %s: %w", s.addr, err)
	}
}

// Handler exposes the routes; Run wraps it in a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"protocol":  protocol.Version,
		"observers": s.clientCount(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("gateway.accept_failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{frames: make(chan protocol.Frame, clientBuffer)}
	unsubscribe := s.attach(c)
	defer unsubscribe()
	slog.Debug("gateway.observer_connected", "remote", r.RemoteAddr)

	// The stream is one-way; the read loop only notices a closing peer.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	if err := wsjson.Write(ctx, conn, protocol.Hello()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case frame := <-c.frames:
			writeCtx, cancelWrite := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, frame)
			cancelWrite()
			if err != nil {
				slog.Debug("gateway.observer_gone", "remote", r.RemoteAddr, "error", err)
				return
			}
			if frame.Type == protocol.FrameShutdown {
				conn.Close(websocket.StatusGoingAway, "server shutdown")
				return
			}
		}
	}
}

// attach registers the client with the event bus. The bus handler runs
// on the publisher's goroutine, so it never blocks: a full buffer drops
// the event and counts it.
func (s *Server) attach(c *client) func() {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	unsub := s.bus.SubscribeAll(func(evt bus.Event) {
		select {
		case c.frames <- eventFrame(evt):
		default:
			c.dropped.Add(1)
		}
	})
	return func() {
		unsub()
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		if n := c.dropped.Load(); n > 0 {
			slog.Debug("gateway.observer_dropped_frames", "count", n)
		}
	}
}

func (s *Server) broadcast(frame protocol.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.frames <- frame:
		default:
		}
	}
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func eventFrame(evt bus.Event) protocol.Frame {
	return protocol.Frame{
		Type: protocol.FrameEvent,
		Time: time.Now().UTC(),
		Event: &protocol.Event{
			Topic:  string(evt.Topic),
			UserID: evt.UserID,
			KBID:   evt.KBID,
			Path:   evt.Path,
			Source: evt.Source,
			Time:   evt.Time,
			Data:   evt.Data,
		},
	}
}
