package relay

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/maychat/relay/internal/identity"
	"github.com/maychat/relay/internal/observability"
	"github.com/maychat/relay/internal/protocol"
)

// Router dispatches messages from authenticated sessions.
type Router struct {
	store    identity.Store
	registry *Registry
	metrics  *observability.Metrics
}

// NewRouter creates a Router.
//
// Precondition: store and registry must be non-nil; metrics may be nil.
func NewRouter(store identity.Store, registry *Registry, metrics *observability.Metrics) *Router {
	return &Router{store: store, registry: registry, metrics: metrics}
}

// Dispatch runs the effect of msg sent by s. Unknown or malformed commands
// are logged and dropped; no command can end the session.
//
// Precondition: s must be authenticated.
func (rt *Router) Dispatch(ctx context.Context, s *Session, msg protocol.Message) {
	rt.metrics.MessageReceived(msg.Kind.String())
	sender := s.Nickname()

	switch {
	case msg.Kind == protocol.KindBroadcast && len(msg.Args) >= 1:
		if rt.rejectOversize(s, protocol.BroadcastDelivery(sender, msg.Args[0])) {
			return
		}
		rt.registry.Broadcast(sender, msg.Args[0])

	case msg.Kind == protocol.KindPrivate && len(msg.Args) >= 2:
		target := msg.Args[0]
		if rt.rejectOversize(s, protocol.PrivateDelivery(sender, msg.Args[1])) {
			return
		}
		if err := rt.registry.SendPrivate(sender, target, msg.Args[1]); errors.Is(err, ErrTargetNotFound) {
			s.log().Info("private message target offline", zap.String("target", target))
			_ = s.send(protocol.Error(replyNotOnline(target)))
		}

	case msg.Kind == protocol.KindChangeNick && len(msg.Args) >= 1 && msg.Args[0] != "":
		rt.changeNick(ctx, s, sender, msg.Args[0])

	default:
		s.log().Warn("dropping unsupported message",
			zap.String("tag", msg.Tag),
			zap.Int("args", len(msg.Args)),
		)
	}
}

func (rt *Router) changeNick(ctx context.Context, s *Session, oldNickname, newNickname string) {
	logger := s.log().With(zap.String("new_nickname", newNickname))

	if err := rt.store.Rename(ctx, oldNickname, newNickname); err != nil {
		if errors.Is(err, identity.ErrNameTaken) {
			logger.Info("nickname change rejected")
			_ = s.send(protocol.Error(replyNameTaken))
			return
		}
		logger.Error("renaming in identity store", zap.Error(err))
		_ = s.send(protocol.Error(replyUnavailable))
		return
	}

	if err := rt.registry.Rename(s, oldNickname, newNickname); err != nil {
		logger.Warn("registry rename failed after store rename, reverting", zap.Error(err))
		if rerr := rt.store.Rename(ctx, newNickname, oldNickname); rerr != nil {
			logger.Error("reverting identity store rename", zap.Error(rerr))
		}
		if errors.Is(err, identity.ErrNameTaken) {
			_ = s.send(protocol.Error(replyNameTaken))
		}
		return
	}

	logger.Info("nickname changed")
	_ = s.send(protocol.ChangeNickOK(newNickname))
}

// rejectOversize answers s with an error when delivery would not fit in one frame.
func (rt *Router) rejectOversize(s *Session, delivery protocol.Message) bool {
	size := len(delivery.Encode())
	if size <= protocol.MaxFrameSize {
		return false
	}
	s.log().Info("rejecting oversized message",
		zap.String("kind", delivery.Kind.String()),
		zap.Int("size", size),
	)
	_ = s.send(protocol.Error(replyTooLong))
	return true
}
