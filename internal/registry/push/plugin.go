package push

import (
	"context"
	"fmt"
)

// Notifier wakes a user's device so it reconnects and syncs. Payloads carry
// no message content.
type Notifier interface {
	Wake(ctx context.Context, deviceToken string) error
}

// Loader creates a Notifier from config.
type Loader func(ctx context.Context) (Notifier, error)

// Plugin represents a push notifier plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a push notifier plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered push notifier plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named push notifier plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown push notifier %q; valid: %v", name, Names())
}
