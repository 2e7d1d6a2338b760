package server

import (
	"context"
	"errors"
	"fmt"

	"dmsync/internal/domain/message"
	"dmsync/internal/events"
	"dmsync/internal/redis"
	"dmsync/internal/services"
	dmsync_errors "dmsync/pkg/errors"

	"go.uber.org/zap"
)

// MessageStore persists messages on behalf of the relay.
type MessageStore interface {
	CreateMessage(ctx context.Context, in services.SendMessageInput) (message.Message, error)
}

// SendLimiter is the cross-instance per-user send limit.
type SendLimiter interface {
	AllowMessage(ctx context.Context, userID string) (*redis.RateLimitResult, error)
}

// Relay routes typing signals and messages between the rooms of a hub.
type Relay struct {
	store   MessageStore
	hub     *Hub
	limiter SendLimiter
	logger  *WebSocketLogger
}

func NewRelay(store MessageStore, hub *Hub) *Relay {
	return &Relay{
		store:  store,
		hub:    hub,
		logger: NewWebSocketLogger(),
	}
}

// WithSendLimiter enables the shared per-user send limit.
func (r *Relay) WithSendLimiter(l SendLimiter) *Relay {
	r.limiter = l
	return r
}

func (r *Relay) HandleFrame(ctx context.Context, c *Client, frame events.ClientFrame) {
	switch f := frame.(type) {
	case events.TypingFrame:
		if err := r.RelayTyping(ctx, c.userID, f); err != nil {
			r.logger.Warn("typing rejected", c.userID, c.clientID, zap.Error(err))
			c.Reply(errorFrame(err, ""))
		}

	case events.StopTypingFrame:
		if err := r.RelayStopTyping(ctx, c.userID, f); err != nil {
			r.logger.Warn("stop typing rejected", c.userID, c.clientID, zap.Error(err))
			c.Reply(errorFrame(err, ""))
		}

	case events.SendMessageFrame:
		m, err := r.HandleSend(ctx, c.userID, f)
		if err != nil {
			if errors.Is(err, dmsync_errors.ErrPersistence) {
				r.logger.Error("send failed", c.userID, c.clientID, err)
			} else {
				r.logger.Warn("send rejected", c.userID, c.clientID, zap.Error(err))
			}
			c.Reply(errorFrame(err, f.ClientRef))
			return
		}
		r.logger.Info("message delivered", c.userID, c.clientID,
			zap.Int64("message_id", m.ID),
			zap.String("conversation_id", m.ConversationID.String()),
		)

	default:
		r.logger.Warn("unhandled frame", c.userID, c.clientID, zap.String("msg_type", string(frame.Type())))
	}
}

// RelayTyping forwards a typing signal from identity to the target's room.
// Nothing is persisted; delivery is best effort.
func (r *Relay) RelayTyping(ctx context.Context, identity string, f events.TypingFrame) error {
	if err := checkIdentity(identity, f.FromID); err != nil {
		return err
	}
	if f.ToID == identity {
		return nil
	}
	r.hub.markTyping(ctx, identity, f.ToID)
	r.publish(ctx, f.ToID, events.TypingSignal{FromID: identity})
	return nil
}

func (r *Relay) RelayStopTyping(ctx context.Context, identity string, f events.StopTypingFrame) error {
	if err := checkIdentity(identity, f.FromID); err != nil {
		return err
	}
	if f.ToID == identity {
		return nil
	}
	r.hub.clearTyping(ctx, identity, f.ToID)
	r.publish(ctx, f.ToID, events.StopTypingSignal{FromID: identity})
	return nil
}

// HandleSend persists a message sent by identity and delivers it to the
// rooms of both participants. Errors are for the sending connection only.
func (r *Relay) HandleSend(ctx context.Context, identity string, f events.SendMessageFrame) (message.Message, error) {
	if f.SenderID == "" {
		return message.Message{}, fmt.Errorf("%w: sender_id is required", dmsync_errors.ErrValidation)
	}
	if err := checkIdentity(identity, f.SenderID); err != nil {
		return message.Message{}, err
	}

	if r.limiter != nil {
		res, err := r.limiter.AllowMessage(ctx, identity)
		if err != nil {
			zap.L().Warn("send limiter unavailable", zap.String("user_id", identity), zap.Error(err))
		} else if !res.Allowed {
			return message.Message{}, fmt.Errorf("%w: retry after %s", dmsync_errors.ErrRateLimited, res.ResetIn)
		}
	}

	m, err := r.store.CreateMessage(ctx, services.SendMessageInput{
		SenderID:   identity,
		ReceiverID: f.ReceiverID,
		Content:    f.Text,
	})
	if err != nil {
		return message.Message{}, err
	}

	// The message is stored; fan-out must not depend on the sender staying connected.
	pubCtx := context.WithoutCancel(ctx)
	r.hub.clearTyping(pubCtx, identity, f.ReceiverID)
	r.publish(pubCtx, identity, events.ReceiveMessage{Message: m, ClientRef: f.ClientRef})
	r.publish(pubCtx, f.ReceiverID, events.ReceiveMessage{Message: m})
	return m, nil
}

func (r *Relay) publish(ctx context.Context, userID string, frame events.ServerFrame) {
	payload := events.MustEncodeServerFrame(frame)
	if err := r.hub.Publisher().PublishToUser(ctx, userID, payload); err != nil {
		zap.L().Error("frame delivery failed",
			zap.String("user_id", userID),
			zap.String("frame", string(frame.Type())),
			zap.Error(err),
		)
	}
}

func checkIdentity(identity, claimed string) error {
	if claimed != "" && claimed != identity {
		return fmt.Errorf("%w: claimed %q", dmsync_errors.ErrIdentitySpoof, claimed)
	}
	return nil
}

// ErrorCode maps a relay error to the code carried by error frames.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, dmsync_errors.ErrIdentitySpoof):
		return events.CodeIdentitySpoof
	case errors.Is(err, dmsync_errors.ErrValidation):
		return events.CodeValidation
	case errors.Is(err, dmsync_errors.ErrRateLimited):
		return events.CodeRateLimited
	case errors.Is(err, dmsync_errors.ErrInvalidFrame):
		return events.CodeInvalidFrame
	default:
		return events.CodePersistence
	}
}

func errorFrame(err error, clientRef string) events.ErrorFrame {
	msg := err.Error()
	if ErrorCode(err) == events.CodePersistence {
		msg = "failed to save message"
	}
	return events.ErrorFrame{Code: ErrorCode(err), Message: msg, ClientRef: clientRef}
}
