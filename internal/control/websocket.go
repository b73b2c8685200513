package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/loqalabs/loqa-tts/internal/protocol"
)

// WebsocketServer serves the control protocol on a websocket. Text frames
// carry JSON envelopes, binary frames carry MessagePack.
type WebsocketServer struct {
	router    *Router
	addr      string
	readLimit int64
	logger    *slog.Logger

	srv      *http.Server
	listener net.Listener

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewWebsocketServer(addr string, readLimit int64, router *Router, log *slog.Logger) *WebsocketServer {
	return &WebsocketServer{
		router:    router,
		addr:      addr,
		readLimit: readLimit,
		logger:    log.With(slog.String("component", "control-websocket")),
		conns:     make(map[*websocket.Conn]struct{}),
	}
}

// Start binds the listener and serves in the background.
func (s *WebsocketServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen control websocket: %w", err)
	}
	s.listener = ln
	s.srv = &http.Server{Handler: s, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control websocket server error", slogError(err))
		}
	}()
	s.logger.Info("control plane listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound address once Start succeeded.
func (s *WebsocketServer) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *WebsocketServer) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil && !s.closed
}

func (s *WebsocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slogError(err))
		return
	}
	if s.readLimit > 0 {
		conn.SetReadLimit(s.readLimit)
	}
	if !s.track(conn) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer s.untrack(conn)

	s.serveConn(r.Context(), conn, r.RemoteAddr)
}

func (s *WebsocketServer) serveConn(ctx context.Context, conn *websocket.Conn, remote string) {
	log := s.logger.With(slog.String("remote", remote))
	log.Debug("control client connected")
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				log.Debug("control client read ended", slogError(err))
			}
			return
		}
		format := protocol.FormatJSON
		if typ == websocket.MessageBinary {
			format = protocol.FormatMsgPack
		}
		reply := s.router.Handle(format, data)
		if reply == nil {
			continue
		}
		if err := conn.Write(ctx, typ, reply); err != nil {
			log.Warn("failed to write control reply", slogError(err))
			return
		}
	}
}

func (s *WebsocketServer) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *WebsocketServer) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")
}

// Close stops the listener, closes every client and waits for handlers.
func (s *WebsocketServer) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if s.srv != nil {
		err = s.srv.Shutdown(ctx)
	}
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("control plane closed")
	return err
}
