package session

import (
	"context"

	"github.com/ashureev/medinterp/internal/domain"
)

// Player re-issues cached translation text to the listener.
type Player interface {
	Play(ctx context.Context, text string, lang domain.Lang) error
}

// PlayerFunc adapts a function to Player.
type PlayerFunc func(ctx context.Context, text string, lang domain.Lang) error

// Play calls f.
func (f PlayerFunc) Play(ctx context.Context, text string, lang domain.Lang) error {
	return f(ctx, text, lang)
}

// notificationPlayer asks subscribed browsers to speak the text.
func (c *Controller) notificationPlayer() Player {
	return PlayerFunc(func(_ context.Context, text string, lang domain.Lang) error {
		c.publish(Notification{Type: NotifyPlayback, Text: text, Lang: lang})
		return nil
	})
}
