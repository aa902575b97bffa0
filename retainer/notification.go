package retainer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// NotificationType identifies what happened.
type NotificationType string

const (
	NotifyApproachingCapacity NotificationType = "RETAINER_APPROACHING_CAPACITY"
	NotifyFullyConsumed       NotificationType = "RETAINER_FULLY_CONSUMED"
	NotifyTerminated          NotificationType = "RETAINER_TERMINATED"
	NotifyReadyToClose        NotificationType = "RETAINER_PERIOD_READY_TO_CLOSE"
	NotifyPeriodClosed        NotificationType = "RETAINER_PERIOD_CLOSED"
)

// Reference entity kinds.
const (
	RefAgreement = "RETAINER_AGREEMENT"
	RefPeriod    = "RETAINER_PERIOD"
)

// Notification is addressed to a single recipient. A non-empty DedupeKey
// makes the store drop a second notification with the same key.
type Notification struct {
	ID            string
	Type          NotificationType
	Title         string
	Body          string
	ReferenceType string
	ReferenceID   string
	RecipientID   string
	DedupeKey     string
	CreatedAt     time.Time
}

// Dispatcher delivers notifications. Delivery is fire-and-forget: errors are
// logged and never roll back the business operation.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// DedupeKey builds the (type, reference, recipient) key.
func DedupeKey(t NotificationType, referenceID, recipientID string) string {
	return string(t) + ":" + referenceID + ":" + recipientID
}

// =============================================================================
// OUTBOX - Notifications raised inside a transaction, sent after commit
// =============================================================================

// Outbox collects notifications raised during a transaction. Each one is
// recorded through the transaction's NotificationStore so a rollback discards
// it, and Flush hands the survivors to the dispatcher after commit.
type Outbox struct {
	pending []Notification
}

// Raise fans a notification out to recipients. With dedupe set, recipients
// that already received this (type, reference) are skipped. It returns the
// number of notifications recorded.
func (o *Outbox) Raise(ctx context.Context, store NotificationStore, tmpl Notification, recipients []string, dedupe bool, now time.Time) (int, error) {
	recorded := 0
	for _, recipient := range recipients {
		n := tmpl
		n.ID = uuid.NewString()
		n.RecipientID = recipient
		n.CreatedAt = now
		if dedupe {
			n.DedupeKey = DedupeKey(n.Type, n.ReferenceID, recipient)
		}
		ok, err := store.RecordNotification(ctx, &n)
		if err != nil {
			return recorded, err
		}
		if !ok {
			continue
		}
		o.pending = append(o.pending, n)
		recorded++
	}
	return recorded, nil
}

// Pending returns the notifications waiting for Flush.
func (o *Outbox) Pending() []Notification {
	return o.pending
}

// Flush dispatches and clears pending notifications.
func (o *Outbox) Flush(ctx context.Context, d Dispatcher, log logrus.FieldLogger, metrics MetricsRecorder) {
	pending := o.pending
	o.pending = nil
	for _, n := range pending {
		metrics.NotificationRaised(string(n.Type))
		if d == nil {
			continue
		}
		if err := d.Dispatch(ctx, n); err != nil {
			log.WithFields(logrus.Fields{
				"notification_type": n.Type,
				"reference_id":      n.ReferenceID,
				"recipient_id":      n.RecipientID,
			}).WithError(err).Warn("notification dispatch failed")
		}
	}
}
