// Package none registers a notifier that drops every wake-up.
package none

import (
	"context"

	"github.com/charmbracelet/log"
	registrypush "github.com/chirino/messenger-service/internal/registry/push"
)

func init() {
	registrypush.Register(registrypush.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (registrypush.Notifier, error) {
			return Notifier{}, nil
		},
	})
}

type Notifier struct{}

func (Notifier) Wake(ctx context.Context, deviceToken string) error {
	log.Debug("Push disabled; dropping wake-up")
	return nil
}
