// Package sender delivers formatted articles to destination media.
package sender

import (
	"context"
	"errors"
	"fmt"

	"rss_relay/internal/model"
)

// ErrUnsupportedDestination is returned for a destination no sender handles.
var ErrUnsupportedDestination = errors.New("unsupported destination")

// Payload is what gets delivered for one article.
type Payload struct {
	FeedID    int64
	FeedTitle string
	ArticleID string
	Article   model.Article
}

// Result is the medium's answer to a send, expressed with HTTP status
// semantics. Body carries the medium's description of the outcome.
type Result struct {
	Status int
	Body   string
}

// OK reports a 2xx status.
func (r Result) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Sender delivers a payload to one destination. A non-nil error means no
// answer was received from the medium.
type Sender interface {
	Send(ctx context.Context, p Payload, dest model.Destination) (Result, error)
}

// Mux routes each destination to the sender of its kind.
type Mux struct {
	telegram Sender
	webhook  Sender
}

// NewMux creates a Mux. A nil sender leaves that kind unsupported.
func NewMux(telegram, webhook Sender) *Mux {
	return &Mux{telegram: telegram, webhook: webhook}
}

// Send implements Sender.
func (m *Mux) Send(ctx context.Context, p Payload, dest model.Destination) (Result, error) {
	var s Sender
	switch dest.Kind {
	case model.DestinationTelegram:
		s = m.telegram
	case model.DestinationWebhook:
		s = m.webhook
	}
	if s == nil {
		return Result{}, fmt.Errorf("destination %s kind %q: %w", dest.ID, dest.Kind, ErrUnsupportedDestination)
	}
	return s.Send(ctx, p, dest)
}
