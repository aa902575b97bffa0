/*
scheduler.go - Scheduled ready-to-close sweeps

PURPOSE:
  Periodically runs the ready-to-close scanner so owners and admins hear
  about OPEN periods whose end date has passed. Closing stays a manual
  action; the scheduler only notifies.

DESIGN:
  - robfig/cron schedule (default "0 6 * * *", UTC)
  - Overlapping runs are skipped; panics are recovered
  - Repeated sweeps are silent for periods already notified (the scanner
    deduplicates per period and recipient)

USAGE:
  scheduler, err := NewReadyToCloseScheduler(svc.Scanner, "0 6 * * *", logger, metrics)
  scheduler.Start()
  // ... later
  <-scheduler.Stop().Done()

SEE ALSO:
  - retainer/scanner.go: ReadyToCloseScanner
  - handlers.go: POST /api/retainers/scan (manual sweep)
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/warp/retainer-engine/ctxutil"
	"github.com/warp/retainer-engine/retainer"
)

// scanTimeout bounds one scheduled sweep.
const scanTimeout = 5 * time.Minute

// Scanner runs one ready-to-close sweep.
type Scanner interface {
	Scan(ctx context.Context) (retainer.ScanReport, error)
}

// ScanRecorder records sweep outcomes. *observability.Metrics implements it.
type ScanRecorder interface {
	ScanFinished(err error)
}

// ReadyToCloseScheduler runs the scanner on a cron schedule.
type ReadyToCloseScheduler struct {
	Scanner  Scanner
	Schedule string
	Logger   logrus.FieldLogger
	Metrics  ScanRecorder

	cron    *cron.Cron
	entryID cron.EntryID

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

// NewReadyToCloseScheduler validates the schedule and registers the job.
// metrics may be nil.
func NewReadyToCloseScheduler(scanner Scanner, schedule string, logger logrus.FieldLogger, metrics ScanRecorder) (*ReadyToCloseScheduler, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	rs := &ReadyToCloseScheduler{
		Scanner:  scanner,
		Schedule: schedule,
		Logger:   logger.WithField("component", "ready_to_close_scheduler"),
		Metrics:  metrics,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
	}
	id, err := rs.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
		defer cancel()
		rs.RunNow(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid ready-to-close schedule %q: %w", schedule, err)
	}
	rs.entryID = id
	return rs, nil
}

// Start begins the schedule in its own goroutine.
func (rs *ReadyToCloseScheduler) Start() {
	rs.cron.Start()
	rs.Logger.WithFields(logrus.Fields{
		"schedule": rs.Schedule,
		"next_run": rs.NextRun().Format(time.RFC3339),
	}).Info("scheduler started")
}

// Stop halts the schedule. The returned context is done once a running
// sweep has finished.
func (rs *ReadyToCloseScheduler) Stop() context.Context {
	ctx := rs.cron.Stop()
	rs.Logger.Info("scheduler stopped")
	return ctx
}

// RunNow runs one sweep as the system actor.
func (rs *ReadyToCloseScheduler) RunNow(ctx context.Context) (retainer.ScanReport, error) {
	ctx = ctxutil.WithActorID(ctx, ctxutil.SystemActor)
	report, err := rs.Scanner.Scan(ctx)

	rs.mu.Lock()
	rs.lastRun = time.Now().UTC()
	rs.lastErr = err
	rs.mu.Unlock()

	if rs.Metrics != nil {
		rs.Metrics.ScanFinished(err)
	}
	if err != nil {
		rs.Logger.WithError(err).Error("ready-to-close sweep failed")
		return report, err
	}
	if report.NotificationsSent > 0 {
		rs.Logger.WithFields(logrus.Fields{
			"periods":       report.PeriodsScanned,
			"notifications": report.NotificationsSent,
		}).Info("ready-to-close sweep completed")
	}
	return report, nil
}

// NextRun returns when the next scheduled sweep will occur. It is the zero
// time until Start has been called.
func (rs *ReadyToCloseScheduler) NextRun() time.Time {
	return rs.cron.Entry(rs.entryID).Next
}

// LastRun returns when the last sweep finished and its error.
func (rs *ReadyToCloseScheduler) LastRun() (time.Time, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.lastRun, rs.lastErr
}
