package retainer

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// READY-TO-CLOSE SCANNER
// =============================================================================

// ScanReport summarizes one sweep.
type ScanReport struct {
	PeriodsScanned    int
	NotificationsSent int
}

// ReadyToCloseScanner notifies owners and admins about OPEN periods whose end
// date has passed. Notifications are deduplicated per (type, period,
// recipient), so repeated sweeps over the same period stay silent.
type ReadyToCloseScanner struct {
	*engine
}

// Scan runs one sweep as of the clock's today.
func (s *ReadyToCloseScanner) Scan(ctx context.Context) (ScanReport, error) {
	var report ScanReport
	today := s.Clock.Today()

	err := s.inTx(ctx, func(tx Store, outbox *Outbox) error {
		report = ScanReport{}
		periods, err := tx.OverdueOpenPeriods(ctx, today)
		if err != nil {
			return err
		}
		if len(periods) == 0 {
			return nil
		}
		members, err := tx.OwnersAndAdmins(ctx)
		if err != nil {
			return err
		}

		now := s.Clock.Now()
		for i := range periods {
			p := &periods[i]
			a, err := tx.GetAgreement(ctx, p.AgreementID)
			if err != nil {
				return err
			}
			n := Notification{
				Type:          NotifyReadyToClose,
				Title:         fmt.Sprintf("Retainer period ready to close: %s", a.Name),
				Body:          fmt.Sprintf("The %s period of %s has ended and is ready to close.", p.Interval(), a.Name),
				ReferenceType: RefPeriod,
				ReferenceID:   p.ID,
			}
			sent, err := outbox.Raise(ctx, tx, n, members, true, now)
			if err != nil {
				return err
			}
			report.PeriodsScanned++
			report.NotificationsSent += sent
		}
		return nil
	})
	if err != nil {
		return ScanReport{}, err
	}

	s.Logger.WithFields(logrus.Fields{
		"as_of":              today.String(),
		"periods_scanned":    report.PeriodsScanned,
		"notifications_sent": report.NotificationsSent,
	}).Info("ready-to-close scan finished")
	return report, nil
}
