// Package events delivers change notifications to caches, live streams and
// downstream consumers after a mutation has been written.
package events

import (
	"context"
	"errors"

	"taskboard/domain"
)

// Publisher receives change events.
type Publisher interface {
	Publish(ctx context.Context, ch domain.Change) error
}

// Subscriber hands out per-user change feeds. The returned func releases the
// subscription and must be called once.
type Subscriber interface {
	Subscribe(ctx context.Context, userID string) (<-chan domain.Change, func())
}

// Fanout publishes to every wrapped publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ch domain.Change) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// recipients lists who should hear about ch. Profile changes only reach the
// user whose profile moved.
func recipients(ch domain.Change) []string {
	if len(ch.Participants) > 0 {
		return ch.Participants
	}
	if ch.UserID != "" {
		return []string{ch.UserID}
	}
	return nil
}
