package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/maychat/relay/internal/config"
	"github.com/maychat/relay/internal/observability"
	"github.com/maychat/relay/internal/protocol"
)

// WSConn carries one protocol message per binary WebSocket message.
type WSConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewWSConn wraps an upgraded WebSocket connection.
//
// Postcondition: Inbound messages larger than protocol.MaxFrameSize fail the read.
func NewWSConn(ws *websocket.Conn, readTimeout, writeTimeout time.Duration) *WSConn {
	ws.SetReadLimit(protocol.MaxFrameSize)
	return &WSConn{
		ws:           ws,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// ReadMessage reads the next data message. Text and binary frames are both
// accepted; control frames are handled by the library.
func (c *WSConn) ReadMessage() (string, error) {
	if c.readTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", protocol.ErrInvalidUTF8
	}
	return string(data), nil
}

// WriteMessage sends text as one binary message.
func (c *WSConn) WriteMessage(text string) error {
	if len(text) > protocol.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", protocol.ErrMessageTooLarge, len(text))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, []byte(text))
}

// Close closes the underlying connection without a close handshake.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the remote network address of the client.
func (c *WSConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// WebSocketServer upgrades HTTP requests on the configured path and hands
// each connection to a SessionHandler, sharing the TCP acceptor's Pool.
type WebSocketServer struct {
	cfg     config.RelayConfig
	handler SessionHandler
	pool    *Pool
	logger  *zap.Logger
	metrics *observability.Metrics

	upgrader websocket.Upgrader
	srv      *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewWebSocketServer creates a WebSocket listener for cfg.WebSocketAddr().
//
// Precondition: handler, pool and logger must be non-nil; metrics may be nil.
func NewWebSocketServer(cfg config.RelayConfig, handler SessionHandler, pool *Pool, logger *zap.Logger, metrics *observability.Metrics) *WebSocketServer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &WebSocketServer{
		cfg:     cfg,
		handler: handler,
		pool:    pool,
		logger:  logger,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.WebSocketPath, s)
	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe accepts WebSocket clients until Stop is called.
func (s *WebSocketServer) ListenAndServe() error {
	addr := s.cfg.WebSocketAddr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("websocket listener started",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", s.cfg.WebSocketPath),
	)

	if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

// ServeHTTP upgrades the request and serves the session on the request goroutine.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Acquire(s.ctx); err != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.pool.Release()

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	conn := NewWSConn(ws, s.cfg.ReadTimeout, s.cfg.WriteTimeout)
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	serveSession(ctx, s.handler, conn, s.logger, s.metrics)
}

// Stop closes the listener, cancels every session context and waits for
// upgraded sessions to finish.
func (s *WebSocketServer) Stop() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("websocket shutdown", zap.Error(err))
	}

	s.wg.Wait()
	s.logger.Info("websocket listener stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (s *WebSocketServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
