package delivery

import (
	"context"

	"github.com/charmbracelet/log"
	registrypush "github.com/chirino/messenger-service/internal/registry/push"
	"github.com/chirino/messenger-service/internal/security"
)

// Tokens looks up a user's device token; "" means no device is registered.
type Tokens interface {
	GetPushToken(ctx context.Context, userID string) (string, error)
}

// Dispatcher sends push wake-ups on a bounded background pool. Failures are
// logged and counted, never returned to the caller.
type Dispatcher struct {
	tokens   Tokens
	notifier registrypush.Notifier
	pool     *Pool
}

// NewDispatcher wakes devices on pool; its timeout bounds each wake-up.
func NewDispatcher(tokens Tokens, notifier registrypush.Notifier, pool *Pool) *Dispatcher {
	return &Dispatcher{tokens: tokens, notifier: notifier, pool: pool}
}

// Dispatch returns immediately. A wake-up that does not fit in the pool's
// queue is dropped and counted.
func (d *Dispatcher) Dispatch(ctx context.Context, userIDs []string) {
	for _, userID := range userIDs {
		accepted := d.pool.Submit(ctx, KeyOf(userID), func(ctx context.Context) {
			d.wake(ctx, userID)
		})
		if !accepted {
			security.CountPushResult("dropped")
		}
	}
}

func (d *Dispatcher) wake(ctx context.Context, userID string) {
	token, err := d.tokens.GetPushToken(ctx, userID)
	if err != nil {
		security.CountPushResult("failed")
		log.Warn("Push token lookup failed", "user", userID, "err", err)
		return
	}
	if token == "" {
		security.CountPushResult("no_token")
		return
	}
	if err := d.notifier.Wake(ctx, token); err != nil {
		security.CountPushResult("failed")
		log.Warn("Push wake-up failed", "user", userID, "err", err)
		return
	}
	security.CountPushResult("sent")
}

// Wait blocks until every dispatched wake-up has finished.
func (d *Dispatcher) Wait() {
	d.pool.Wait()
}
