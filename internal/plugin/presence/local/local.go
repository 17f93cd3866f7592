package local

import (
	"context"
	"sync"

	registrypresence "github.com/chirino/messenger-service/internal/registry/presence"
)

func init() {
	registrypresence.Register(registrypresence.Plugin{
		Name: "local",
		Loader: func(ctx context.Context) (registrypresence.Registry, error) {
			return New(), nil
		},
	})
}

type connection struct {
	userID string
	room   int64 // 0 when not viewing any conversation
}

// Registry is an in-process presence registry. Presence is only visible to the
// instance holding the connection.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*connection
	byUser map[string]map[string]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		conns:  map[string]*connection{},
		byUser: map[string]map[string]struct{}{},
	}
}

func (r *Registry) Connect(_ context.Context, userID string, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connectionID)
	r.conns[connectionID] = &connection{userID: userID}
	if r.byUser[userID] == nil {
		r.byUser[userID] = map[string]struct{}{}
	}
	r.byUser[userID][connectionID] = struct{}{}
	return nil
}

func (r *Registry) Disconnect(_ context.Context, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(connectionID)
	return nil
}

func (r *Registry) removeLocked(connectionID string) {
	c, ok := r.conns[connectionID]
	if !ok {
		return
	}
	delete(r.conns, connectionID)
	if set := r.byUser[c.userID]; set != nil {
		delete(set, connectionID)
		if len(set) == 0 {
			delete(r.byUser, c.userID)
		}
	}
}

func (r *Registry) JoinRoom(_ context.Context, connectionID string, conversationID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connectionID]
	if !ok {
		return registrypresence.ErrUnknownConnection
	}
	c.room = conversationID
	return nil
}

func (r *Registry) LeaveRoom(_ context.Context, connectionID string, conversationID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connectionID]
	if !ok {
		return registrypresence.ErrUnknownConnection
	}
	if c.room == conversationID {
		c.room = 0
	}
	return nil
}

func (r *Registry) Refresh(_ context.Context, connectionID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.conns[connectionID]; !ok {
		return registrypresence.ErrUnknownConnection
	}
	return nil
}

func (r *Registry) IsOnline(_ context.Context, userID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0, nil
}

func (r *Registry) IsActivelyViewing(_ context.Context, userID string, conversationID int64) (bool, error) {
	if conversationID == 0 {
		return false, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.byUser[userID] {
		if c := r.conns[id]; c != nil && c.room == conversationID {
			return true, nil
		}
	}
	return false, nil
}

var _ registrypresence.Registry = (*Registry)(nil)
