package presence

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownConnection is returned when a room signal names a connection that
// is not registered (never connected, disconnected, or expired).
var ErrUnknownConnection = errors.New("unknown connection")

// Registry tracks live realtime connections and the conversation each one is
// actively viewing. A user may hold many connections (multi-device); each
// connection views at most one conversation at a time.
type Registry interface {
	Connect(ctx context.Context, userID string, connectionID string) error
	// Disconnect removes the connection and its active-room association.
	Disconnect(ctx context.Context, connectionID string) error
	// JoinRoom makes conversationID the connection's active room, replacing any previous one.
	JoinRoom(ctx context.Context, connectionID string, conversationID int64) error
	// LeaveRoom clears the active room if it is conversationID; otherwise it is a no-op.
	LeaveRoom(ctx context.Context, connectionID string, conversationID int64) error
	// Refresh extends the liveness of a connection. Registries without expiry ignore it.
	Refresh(ctx context.Context, connectionID string) error

	IsOnline(ctx context.Context, userID string) (bool, error)
	IsActivelyViewing(ctx context.Context, userID string, conversationID int64) (bool, error)
}

// Loader creates a presence registry from config.
type Loader func(ctx context.Context) (Registry, error)

// Plugin represents a presence plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a presence plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered presence plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named presence plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown presence registry %q; valid: %v", name, Names())
}
