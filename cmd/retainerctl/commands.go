package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/warp/retainer-engine/api"
	"github.com/warp/retainer-engine/config"
	"github.com/warp/retainer-engine/ctxutil"
	"github.com/warp/retainer-engine/factory"
	"github.com/warp/retainer-engine/generic"
	"github.com/warp/retainer-engine/notify"
	"github.com/warp/retainer-engine/observability"
	"github.com/warp/retainer-engine/retainer"
	"github.com/warp/retainer-engine/store/sqlstore"
)

// app holds what every subcommand needs. It is opened in the root command's
// PersistentPreRunE; the caller closes it after Execute.
type app struct {
	driver  string
	dsn     string
	actor   string
	noColor bool
	verbose bool

	store   *sqlstore.Store
	svc     *retainer.Service
	handler *api.Handler
}

func (a *app) open(cmd *cobra.Command) error {
	if a.noColor {
		color.NoColor = true
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.driver == "" {
		a.driver = cfg.Database.Driver
	}
	if a.dsn == "" {
		a.dsn = cfg.Database.DSN
	}

	level := "warn"
	if a.verbose {
		level = "debug"
	}
	logger := observability.NewLogger(level, cfg.Log.Format, cmd.ErrOrStderr())

	a.store, err = sqlstore.Open(a.driver, a.dsn, sqlstore.Options{})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.svc = retainer.NewService(a.store, retainer.Options{
		Dispatcher: notify.NewLogDispatcher(logger),
		Logger:     logger,
	})
	a.handler = api.NewHandler(a.svc, a.store, logger)
	return nil
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
}

func (a *app) ctx() context.Context {
	return ctxutil.WithActorID(context.Background(), a.actor)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "retainerctl",
		Short:         "Administer retainer agreements, periods and invoices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.driver, "driver", "", "database driver (sqlite3 or postgres)")
	root.PersistentFlags().StringVar(&a.dsn, "db", "", "database DSN")
	root.PersistentFlags().StringVar(&a.actor, "actor", ctxutil.SystemActor, "member id recorded on changes")
	root.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "disable colored output")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log engine activity to stderr")

	root.AddCommand(
		createCmd(a),
		listCmd(a),
		getCmd(a),
		transitionCmd(a, "pause", "Pause an active agreement", func(s *retainer.Service) func(context.Context, string) (*retainer.Agreement, error) { return s.Pause }),
		transitionCmd(a, "resume", "Resume a paused agreement", func(s *retainer.Service) func(context.Context, string) (*retainer.Agreement, error) { return s.Resume }),
		transitionCmd(a, "terminate", "Terminate an agreement", func(s *retainer.Service) func(context.Context, string) (*retainer.Agreement, error) { return s.Terminate }),
		logTimeCmd(a),
		closeCmd(a),
		scanCmd(a),
		summaryCmd(a),
		scenariosCmd(a),
		seedCmd(a),
	)
	return root
}

// =============================================================================
// AGREEMENTS
// =============================================================================

func createCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create -f <file.yaml>",
		Short: "Create agreements from a YAML definition file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			inputs, err := factory.ParseAgreementsYAML(r)
			if err != nil {
				return err
			}
			if len(inputs) == 0 {
				return fmt.Errorf("no agreements found in %s", file)
			}

			out := cmd.OutOrStdout()
			for _, in := range inputs {
				in.CreatedBy = a.actor
				agreement, period, err := a.svc.CreateAgreement(a.ctx(), in)
				if err != nil {
					return fmt.Errorf("failed to create %q: %w", in.Name, err)
				}
				fmt.Fprintf(out, "✓ Created %s %s (%s)\n", agreement.ID, agreement.Name, agreement.Type())
				fmt.Fprintf(out, "  First period: %s\n", period.Interval())
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file, or - for stdin")
	cmd.MarkFlagRequired("file")
	return cmd
}

func listCmd(a *app) *cobra.Command {
	var customer, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agreements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			agreements, err := a.svc.ListAgreements(a.ctx(), retainer.AgreementFilter{
				CustomerID: customer,
				Status:     retainer.AgreementStatus(strings.ToUpper(status)),
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(agreements) == 0 {
				fmt.Fprintln(out, "No agreements found")
				return nil
			}
			fmt.Fprintf(out, "Found %d agreement(s):\n\n", len(agreements))
			for i := range agreements {
				ag := &agreements[i]
				fmt.Fprintf(out, "%-38s %-12s %s %s\n", ag.ID, ag.CustomerID, statusLabel(string(ag.Status)), ag.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&customer, "customer", "", "filter by customer id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, paused, terminated)")
	return cmd
}

func getCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an agreement and its current period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			detail, err := a.svc.GetAgreement(a.ctx(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			ag := detail.Agreement
			fmt.Fprintf(out, "%s %s\n", ag.Name, statusLabel(string(ag.Status)))
			fmt.Fprintf(out, "  ID:        %s\n", ag.ID)
			fmt.Fprintf(out, "  Customer:  %s\n", ag.CustomerID)
			fmt.Fprintf(out, "  Type:      %s, %s\n", ag.Type(), ag.Frequency)
			fmt.Fprintf(out, "  Fee:       %s\n", ag.PeriodFee.StringFixed(2))
			if hours := ag.AllocatedHours(); hours != nil {
				fmt.Fprintf(out, "  Hours:     %s (%s)\n", hours, ag.Rollover.Policy)
			}
			if ag.HasEndDate() {
				fmt.Fprintf(out, "  Ends:      %s\n", ag.EndDate)
			}
			if p := detail.CurrentPeriod; p != nil {
				fmt.Fprintln(out)
				printPeriod(out, p)
			}
			return nil
		},
	}
}

func transitionCmd(a *app, use, short string, pick func(*retainer.Service) func(context.Context, string) (*retainer.Agreement, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agreement, err := pick(a.svc)(a.ctx(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is now %s\n", agreement.ID, statusLabel(string(agreement.Status)))
			return nil
		},
	}
}

// =============================================================================
// WORK AND CLOSE
// =============================================================================

func logTimeCmd(a *app) *cobra.Command {
	var (
		task, member, date, description string
		minutes                         int
		nonBillable                     bool
	)
	cmd := &cobra.Command{
		Use:   "log-time",
		Short: "Record a time entry against a task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := generic.ParseDate(date)
			if err != nil {
				return fmt.Errorf("invalid date %q: %w", date, err)
			}
			entry, err := a.svc.Work.CreateTimeEntry(a.ctx(), retainer.TimeEntryInput{
				TaskID:          task,
				MemberID:        member,
				Date:            day,
				DurationMinutes: minutes,
				Billable:        !nonBillable,
				Description:     description,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Logged %d minutes on %s (%s)\n", entry.DurationMinutes, entry.TaskID, entry.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "task id")
	cmd.Flags().StringVar(&member, "member", "", "member id")
	cmd.Flags().StringVar(&date, "date", time.Now().UTC().Format(generic.DateLayout), "entry date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&minutes, "minutes", 0, "duration in minutes")
	cmd.Flags().StringVar(&description, "description", "", "what was done")
	cmd.Flags().BoolVar(&nonBillable, "non-billable", false, "exclude from retainer consumption")
	cmd.MarkFlagRequired("task")
	cmd.MarkFlagRequired("minutes")
	return cmd
}

func closeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "close <agreement-id>",
		Short: "Close the agreement's OPEN period and generate a draft invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := a.svc.Closer.ClosePeriod(a.ctx(), args[0], a.actor)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Closed period %s\n", result.ClosedPeriod.Interval())
			printPeriod(out, result.ClosedPeriod)
			printInvoice(out, result.Invoice)
			switch {
			case result.AutoTerminated:
				fmt.Fprintf(out, "\n%s Agreement reached its end date\n", statusLabel(string(retainer.StatusTerminated)))
			case result.NextPeriod != nil:
				fmt.Fprintln(out)
				printPeriod(out, result.NextPeriod)
			}
			return nil
		},
	}
}

func scanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Notify owners and admins about periods ready to close",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.svc.Scanner.Scan(a.ctx())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d period(s) ready to close, %d notification(s) sent\n",
				report.PeriodsScanned, report.NotificationsSent)
			return nil
		},
	}
}

func summaryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "summary <customer-id>",
		Short: "Show a customer's current retainer consumption",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.svc.ConsumptionSummary(a.ctx(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !s.HasActiveRetainer {
				fmt.Fprintf(out, "%s has no active retainer\n", s.CustomerID)
				return nil
			}
			fmt.Fprintf(out, "%s (%s)\n", s.AgreementName, s.Type)
			if s.PeriodStart.IsZero() {
				return nil
			}
			fmt.Fprintf(out, "  Period:    %s to %s\n", s.PeriodStart, s.PeriodEnd)
			if s.AllocatedHours == nil {
				fmt.Fprintf(out, "  Consumed:  %sh\n", s.ConsumedHours)
				return nil
			}
			fmt.Fprintf(out, "  Consumed:  %sh of %sh (%s%%)\n", s.ConsumedHours, s.AllocatedHours, s.PercentConsumed.StringFixed(1))
			remaining := fmt.Sprintf("%sh", s.RemainingHours)
			if s.IsOverage {
				remaining = color.New(color.FgRed).Sprintf("%s (overage)", remaining)
			}
			fmt.Fprintf(out, "  Remaining: %s\n", remaining)
			return nil
		},
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

func scenariosCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios",
		Short: "List demo scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, s := range api.Scenarios() {
				fmt.Fprintf(out, "%-15s %s\n", color.New(color.FgCyan).Sprint(s.ID), s.Description)
			}
			return nil
		},
	}
}

func seedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <scenario>",
		Short: "Reset the database and load a demo scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.handler.LoadScenarioByID(a.ctx(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Loaded scenario %s for customer %s\n", args[0], api.ScenarioCustomerID)
			return nil
		},
	}
}

// =============================================================================
// OUTPUT
// =============================================================================

func statusLabel(status string) string {
	label := "[" + strings.ToLower(status) + "]"
	switch status {
	case string(retainer.StatusActive), string(retainer.PeriodOpen):
		return color.New(color.FgHiGreen).Sprint(label)
	case string(retainer.StatusPaused):
		return color.New(color.FgYellow).Sprint(label)
	case string(retainer.StatusTerminated):
		return color.New(color.FgRed).Sprint(label)
	default:
		return color.New(color.FgHiBlack).Sprint(label)
	}
}

func printPeriod(out io.Writer, p *retainer.Period) {
	fmt.Fprintf(out, "Period %s %s\n", p.Interval(), statusLabel(string(p.Status)))
	if p.AllocatedHours != nil {
		fmt.Fprintf(out, "  Allocated: %sh (rollover in %sh)\n", p.AllocatedHours, p.RolloverHoursIn)
	}
	fmt.Fprintf(out, "  Consumed:  %sh\n", p.ConsumedHours)
	if !p.IsOpen() {
		fmt.Fprintf(out, "  Closed by: %s, overage %sh, rollover out %sh\n",
			p.ClosedBy, p.OverageHours.StringFixed(2), p.RolloverHoursOut.StringFixed(2))
	}
}

func printInvoice(out io.Writer, inv *retainer.Invoice) {
	fmt.Fprintf(out, "\nDraft invoice %s (%s)\n", inv.ID, inv.Currency)
	for _, l := range inv.Lines {
		fmt.Fprintf(out, "  %-60s %8s x %10s = %12s\n", l.Description, l.Quantity, l.UnitPrice.StringFixed(2), l.Amount.StringFixed(2))
	}
	fmt.Fprintf(out, "  %-60s %36s\n", "Subtotal", inv.Subtotal.StringFixed(2))
	if !inv.TaxAmount.Equal(decimal.Zero) {
		label := "Tax"
		if inv.TaxInclusive {
			label = "Tax (included)"
		}
		fmt.Fprintf(out, "  %-60s %36s\n", label, inv.TaxAmount.StringFixed(2))
	}
	fmt.Fprintf(out, "  %-60s %36s\n", "Total", color.New(color.Bold).Sprint(inv.Total.StringFixed(2)))
}
