package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maychat/relay/internal/config"
	"github.com/maychat/relay/internal/observability"
)

// SessionHandler runs one client session to completion.
// The context is cancelled when the listener that accepted the client stops;
// implementations must then close the transport and return.
type SessionHandler interface {
	HandleSession(ctx context.Context, t Transport) error
}

// Acceptor listens for relay clients on a TCP port and dispatches each
// connection to a SessionHandler, at most pool.Size() at a time.
type Acceptor struct {
	cfg     config.RelayConfig
	handler SessionHandler
	pool    *Pool
	logger  *zap.Logger
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewAcceptor creates a TCP acceptor with the given configuration.
//
// Precondition: handler, pool and logger must be non-nil; metrics may be nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.RelayConfig, handler SessionHandler, pool *Pool, logger *zap.Logger, metrics *observability.Metrics) *Acceptor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Acceptor{
		cfg:     cfg,
		handler: handler,
		pool:    pool,
		logger:  logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ListenAndServe starts the TCP listener and accepts connections until Stop is called.
// This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	a.mu.Lock()
	if a.ctx.Err() != nil {
		a.mu.Unlock()
		listener.Close()
		return nil
	}
	a.listener = listener
	a.running = true
	a.mu.Unlock()

	a.logger.Info("relay acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.Int("workers", a.pool.Size()),
		zap.Duration("startup", time.Since(start)),
	)

	for {
		raw, err := listener.Accept()
		if err != nil {
			if a.ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			a.logger.Error("accepting connection", zap.Error(err))
			continue
		}

		if err := a.pool.Acquire(a.ctx); err != nil {
			raw.Close()
			return nil
		}

		// Stop cancels under mu, so no Add can race its Wait.
		a.mu.Lock()
		if a.ctx.Err() != nil {
			a.mu.Unlock()
			a.pool.Release()
			raw.Close()
			return nil
		}
		a.wg.Add(1)
		a.mu.Unlock()

		go a.handleConn(raw)
	}
}

// handleConn serves a single TCP connection and releases its pool slot.
func (a *Acceptor) handleConn(raw net.Conn) {
	defer a.wg.Done()
	defer a.pool.Release()

	conn := NewConn(raw, a.cfg.ReadTimeout, a.cfg.WriteTimeout)
	defer conn.Close()

	ctx, cancel := context.WithCancel(a.ctx)
	defer cancel()

	serveSession(ctx, a.handler, conn, a.logger, a.metrics)
}

// serveSession runs handler over t and logs the outcome.
func serveSession(ctx context.Context, handler SessionHandler, t Transport, logger *zap.Logger, metrics *observability.Metrics) {
	start := time.Now()
	addr := t.RemoteAddr()

	metrics.SessionOpened()
	defer metrics.SessionClosed()

	logger.Debug("client connected", zap.String("remote_addr", addr))

	if err := handler.HandleSession(ctx, t); err != nil {
		logger.Debug("session ended",
			zap.String("remote_addr", addr),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return
	}
	logger.Debug("session ended cleanly",
		zap.String("remote_addr", addr),
		zap.Duration("duration", time.Since(start)),
	)
}

// Stop closes the listener, cancels every session context and waits
// for all active sessions to finish. It is safe to call more than once.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	a.cancel()
	wasRunning := a.running
	a.running = false
	if a.listener != nil {
		a.listener.Close()
	}
	a.mu.Unlock()

	a.wg.Wait()

	if wasRunning {
		a.logger.Info("relay acceptor stopped")
	}
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
