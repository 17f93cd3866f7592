// Package delivery decides, per recipient, how a new message reaches them:
// live in the open conversation, as a notification, or as a push wake-up.
package delivery

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/messenger-service/internal/model"
	"github.com/chirino/messenger-service/internal/realtime"
	registrypresence "github.com/chirino/messenger-service/internal/registry/presence"
	"github.com/chirino/messenger-service/internal/security"
)

// Members lists the user ids belonging to a conversation.
type Members interface {
	MembersOf(ctx context.Context, conversationID int64) ([]string, error)
}

// Route is the fan-out plan for one message. Every recipient is in Realtime;
// those not viewing the conversation are also in Notify, and those with no
// live connection are also in Push.
type Route struct {
	Realtime []string
	Notify   []string
	Push     []string
}

// Router classifies recipients by presence and fans a message out.
type Router struct {
	members  Members
	presence registrypresence.Registry
	emitter  realtime.Emitter
	push     *Dispatcher
}

// NewRouter wires a router. push may be nil to disable wake-ups.
func NewRouter(members Members, presence registrypresence.Registry, emitter realtime.Emitter, push *Dispatcher) *Router {
	return &Router{members: members, presence: presence, emitter: emitter, push: push}
}

// Route computes the plan for a message authored by authorID. The author is
// never a recipient. Presence failures count as "not viewing, online" so an
// unreachable registry never triggers pushes.
func (r *Router) Route(ctx context.Context, conversationID int64, authorID string) (Route, error) {
	members, err := r.members.MembersOf(ctx, conversationID)
	if err != nil {
		return Route{}, fmt.Errorf("list members of %d: %w", conversationID, err)
	}
	var route Route
	for _, userID := range members {
		if userID == authorID {
			continue
		}
		route.Realtime = append(route.Realtime, userID)

		viewing, err := r.presence.IsActivelyViewing(ctx, userID, conversationID)
		if err != nil {
			log.Warn("Presence lookup failed", "user", userID, "conversation", conversationID, "err", err)
			route.Notify = append(route.Notify, userID)
			continue
		}
		if viewing {
			continue
		}
		route.Notify = append(route.Notify, userID)

		online, err := r.presence.IsOnline(ctx, userID)
		if err != nil {
			log.Warn("Presence lookup failed", "user", userID, "err", err)
			continue
		}
		if !online {
			route.Push = append(route.Push, userID)
		}
	}
	return route, nil
}

// Deliver routes msg and emits it. The author's own devices get message.new
// through their user room so other sessions stay in sync. Emit failures are
// logged; only member lookup failures are returned.
func (r *Router) Deliver(ctx context.Context, conv model.Conversation, msg *model.Message) (Route, error) {
	route, err := r.Route(ctx, conv.ID, msg.SenderID)
	if err != nil {
		return Route{}, err
	}

	r.emit(ctx, realtime.EventMessageNew, msg, model.UserRoom(msg.SenderID))
	for _, userID := range route.Realtime {
		r.emit(ctx, realtime.EventMessageNew, msg, model.UserRoom(userID))
	}
	if len(route.Notify) > 0 {
		note := realtime.NotificationPayload{
			ConversationID:   conv.ID,
			ConversationKind: string(conv.Kind),
			MessageID:        msg.ID,
			SenderID:         msg.SenderID,
		}
		for _, userID := range route.Notify {
			r.emit(ctx, realtime.EventMessageNotification, note, model.UserRoom(userID))
		}
	}
	if r.push != nil {
		r.push.Dispatch(ctx, route.Push)
	}

	security.CountDeliveryTargets("realtime", len(route.Realtime))
	security.CountDeliveryTargets("notify", len(route.Notify))
	security.CountDeliveryTargets("push", len(route.Push))
	return route, nil
}

func (r *Router) emit(ctx context.Context, eventType string, payload any, room string) {
	if err := r.emitter.Emit(ctx, eventType, payload, room); err != nil {
		log.Warn("Realtime emit failed", "type", eventType, "room", room, "err", err)
	}
}
