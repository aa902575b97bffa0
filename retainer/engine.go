/*
engine.go - Wiring shared by every retainer operation

PURPOSE:
  Holds the collaborators (store, dispatcher, clock, logger, metrics) and
  the transaction helper that all services run through.

TRANSACTION FLOW:
  1. Open a transaction via TxStore.WithTx
  2. Run the operation against the transaction-scoped Store
  3. Record raised notifications in the same transaction (Outbox)
  4. Commit
  5. Dispatch notifications (fire-and-forget)

  A rollback drops both the business writes and the notification rows, so
  nothing is ever sent for work that did not happen.

COMPONENTS:
  Service:                  agreement lifecycle and queries
  ConsumptionRecomputation: consumption refresh on work-unit changes
  WorkLog:                  time entry mutations
  PeriodCloser:             period close into a draft invoice
  ReadyToCloseScanner:      overdue period sweep

USAGE:
  svc := retainer.NewService(store, retainer.Options{Logger: log})
  result, err := svc.Closer.ClosePeriod(ctx, agreementID, actorID)
*/
package retainer

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/retainer-engine/generic"
)

// =============================================================================
// METRICS
// =============================================================================

// MetricsRecorder receives engine events. observability.Metrics implements it
// with Prometheus collectors.
type MetricsRecorder interface {
	PeriodClosed(agreementType string, took time.Duration)
	CloseFailed(reason string)
	InvoiceGenerated(currency string)
	NotificationRaised(notificationType string)
	ConsumptionRecomputed(agreementType string)
	AgreementTransition(status string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) PeriodClosed(string, time.Duration) {}
func (NopMetrics) CloseFailed(string)                 {}
func (NopMetrics) InvoiceGenerated(string)            {}
func (NopMetrics) NotificationRaised(string)          {}
func (NopMetrics) ConsumptionRecomputed(string)       {}
func (NopMetrics) AgreementTransition(string)         {}

// failureReason buckets an error into a low-cardinality label.
func failureReason(err error) string {
	switch {
	case generic.IsNotFound(err):
		return "not_found"
	case generic.IsConflict(err):
		return "conflict"
	case generic.IsInvalidState(err):
		return "invalid_state"
	case errors.Is(err, generic.ErrConcurrentModification):
		return "concurrent_modification"
	default:
		return "internal"
	}
}

// =============================================================================
// ENGINE
// =============================================================================

// Options configures NewService. Zero values get sensible defaults.
type Options struct {
	Dispatcher Dispatcher
	Clock      generic.Clock
	Logger     logrus.FieldLogger
	Metrics    MetricsRecorder
}

type engine struct {
	Store      TxStore
	Dispatcher Dispatcher
	Clock      generic.Clock
	Logger     logrus.FieldLogger
	Metrics    MetricsRecorder

	recompute *ConsumptionRecomputation
}

func newEngine(store TxStore, opts Options) *engine {
	e := &engine{
		Store:      store,
		Dispatcher: opts.Dispatcher,
		Clock:      opts.Clock,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
	}
	if e.Clock == nil {
		e.Clock = generic.SystemClock
	}
	if e.Logger == nil {
		e.Logger = logrus.StandardLogger()
	}
	if e.Metrics == nil {
		e.Metrics = NopMetrics{}
	}
	e.recompute = &ConsumptionRecomputation{Clock: e.Clock, Logger: e.Logger, Metrics: e.Metrics}
	return e
}

// inTx runs fn in a transaction and dispatches its notifications after
// commit.
func (e *engine) inTx(ctx context.Context, fn func(Store, *Outbox) error) error {
	outbox := &Outbox{}
	if err := e.Store.WithTx(ctx, func(tx Store) error {
		return fn(tx, outbox)
	}); err != nil {
		return err
	}
	outbox.Flush(ctx, e.Dispatcher, e.Logger, e.Metrics)
	return nil
}

