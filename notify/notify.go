/*
Package notify delivers retainer notifications after the engine has decided
to send them.

PURPOSE:
  The engine records every notification in its own table and then hands it
  to a retainer.Dispatcher once the transaction commits. This package holds
  the dispatchers:

  LogDispatcher:   writes a structured log line (development default)
  RedisDispatcher: pushes a JSON message onto a Redis list for the delivery
                   worker owned by the notifications module
  Fanout:          sends to several dispatchers, collecting errors

DELIVERY SEMANTICS:
  At most once from the engine's point of view. A failed dispatch is logged
  by the caller and never retried here; the notifications table remains the
  source of truth.
*/
package notify

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/warp/retainer-engine/retainer"
)

// LogDispatcher logs each notification.
type LogDispatcher struct {
	Logger logrus.FieldLogger
}

var _ retainer.Dispatcher = (*LogDispatcher)(nil)

// NewLogDispatcher creates a dispatcher that writes to logger.
func NewLogDispatcher(logger logrus.FieldLogger) *LogDispatcher {
	return &LogDispatcher{Logger: logger}
}

func (d *LogDispatcher) Dispatch(_ context.Context, n retainer.Notification) error {
	d.Logger.WithFields(logrus.Fields{
		"notification_id": n.ID,
		"type":            n.Type,
		"reference_type":  n.ReferenceType,
		"reference_id":    n.ReferenceID,
		"recipient_id":    n.RecipientID,
	}).Info(n.Title)
	return nil
}

// Fanout dispatches to every target and joins their errors.
type Fanout []retainer.Dispatcher

func (f Fanout) Dispatch(ctx context.Context, n retainer.Notification) error {
	var errs []error
	for _, d := range f {
		if err := d.Dispatch(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
