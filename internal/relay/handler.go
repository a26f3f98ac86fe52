package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maychat/relay/internal/identity"
	"github.com/maychat/relay/internal/observability"
	"github.com/maychat/relay/internal/protocol"
	"github.com/maychat/relay/internal/transport"
)

// Handler runs the authenticate-then-serve sequence for each connection.
type Handler struct {
	store       identity.Store
	registry    *Registry
	router      *Router
	authTimeout time.Duration
	logger      *zap.Logger
	metrics     *observability.Metrics
}

var _ transport.SessionHandler = (*Handler)(nil)

// NewHandler creates a Handler.
//
// Precondition: store, registry and logger must be non-nil; authTimeout > 0; metrics may be nil.
func NewHandler(store identity.Store, registry *Registry, authTimeout time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Handler {
	return &Handler{
		store:       store,
		registry:    registry,
		router:      NewRouter(store, registry, metrics),
		authTimeout: authTimeout,
		logger:      logger,
		metrics:     metrics,
	}
}

// HandleSession serves t until the client disconnects, the watchdog fires or
// ctx is cancelled.
//
// Postcondition: The session is deregistered, its transport closed and its
// writer stopped, in that order.
func (h *Handler) HandleSession(ctx context.Context, t transport.Transport) error {
	id := uuid.NewString()
	s := newSession(id, t, observability.SessionLogger(h.logger, id, t.RemoteAddr()), h.metrics)

	stop := context.AfterFunc(ctx, s.Close)
	defer stop()
	defer s.waitWriter()
	defer s.Close()
	defer h.registry.Remove(s)

	if err := h.authenticate(ctx, s); err != nil {
		return err
	}
	return h.serve(ctx, s)
}

// authenticate reads credentials until a login succeeds, the client goes away
// or the watchdog closes the session.
func (h *Handler) authenticate(ctx context.Context, s *Session) error {
	if !s.beginAuth() {
		return ErrSessionClosed
	}

	watchdog := time.AfterFunc(h.authTimeout, func() {
		if s.expire() {
			h.metrics.AuthTimedOut()
			s.log().Info("authentication timed out", zap.Duration("timeout", h.authTimeout))
		}
	})
	defer watchdog.Stop()

	for {
		line, err := s.transport.ReadMessage()
		if err != nil {
			if s.authExpired() {
				return ErrAuthTimeout
			}
			return readError(ctx, "reading credentials", err)
		}

		msg := protocol.Parse(line)
		if msg.Kind != protocol.KindAuth {
			s.log().Debug("ignoring message before authentication", zap.String("tag", msg.Tag))
			continue
		}
		h.metrics.MessageReceived(msg.Kind.String())

		if len(msg.Args) < 2 {
			h.rejectLogin(s, "malformed", replyWrongCredentials)
			continue
		}
		login, password := msg.Args[0], msg.Args[1]

		nickname, err := h.store.Authenticate(ctx, login, password)
		if err != nil {
			if errors.Is(err, identity.ErrInvalidCredentials) {
				s.log().Info("wrong credentials", zap.String("login", login))
				h.rejectLogin(s, "credentials", replyWrongCredentials)
				continue
			}
			s.log().Error("authenticating against identity store", zap.String("login", login), zap.Error(err))
			h.rejectLogin(s, "store", replyUnavailable)
			continue
		}

		err = h.registry.Add(s, nickname, protocol.AuthOK(login, nickname))
		if errors.Is(err, ErrAlreadyOnline) {
			s.log().Info("nickname already online", zap.String("login", login), zap.String("nickname", nickname))
			h.rejectLogin(s, "already_online", replyAlreadyOnline)
			continue
		}
		if err != nil {
			if s.authExpired() {
				return ErrAuthTimeout
			}
			return err
		}

		s.log().Info("authenticated", zap.String("login", login))
		return nil
	}
}

func (h *Handler) rejectLogin(s *Session, reason, reply string) {
	h.metrics.AuthFailed(reason)
	_ = s.send(protocol.Error(reply))
}

// serve routes messages until the transport fails.
func (h *Handler) serve(ctx context.Context, s *Session) error {
	for {
		line, err := s.transport.ReadMessage()
		if err != nil {
			return readError(ctx, "reading message", err)
		}
		h.router.Dispatch(ctx, s, protocol.Parse(line))
	}
}

// readError maps a failed read to the session's exit error. A clean close by
// the peer or a shutdown of the relay is not an error.
func readError(ctx context.Context, op string, err error) error {
	if errors.Is(err, io.EOF) || ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
