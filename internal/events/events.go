// Package events fans fired-alert events out to downstream consumers.
package events

import (
	"context"
	"errors"

	"coinalert/internal/models"
)

// Publisher delivers a fired-alert event to one downstream
type Publisher interface {
	Publish(ctx context.Context, event models.AlertEvent) error
}

// Fanout publishes every event to all publishers. A failing publisher does not stop
// the others; their errors are joined.
type Fanout []Publisher

// Publish implements Publisher
func (f Fanout) Publish(ctx context.Context, event models.AlertEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
