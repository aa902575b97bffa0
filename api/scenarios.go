/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with a customer,
	a retainer whose first period has already ended, and the rates and work
	needed to show one close outcome. Close the retainer after loading to see
	the result.

AVAILABLE SCENARIOS:

	forfeit:        40h bank, nothing used, unused hours are lost
	carry-forward:  40h bank, nothing used, all 40h carried into the next period
	carry-capped:   40h bank, nothing used, carry capped at 10h
	overage:        2h bank, 3h logged, 1h overage billed at 300/h
	tax-exclusive:  Fixed fee 5000 with VAT 15% on top (total 5750.00)
	tax-inclusive:  Fixed fee 5000 with VAT 15% included (tax 652.17)
	end-date:       Agreement ends with its first period; close terminates it

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Seed members, customer, project, task and org settings
 3. Create the retainer starting on the first of last month
 4. Add rates, tax and time entries the scenario needs

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "overage"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Retainer endpoints
  - cmd/retainerctl: seed command
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/retainer-engine/generic"
	"github.com/warp/retainer-engine/retainer"
)

// Fixed ids used by every scenario.
const (
	ScenarioCustomerID = "cust-acme"
	ScenarioTaskID     = "task-support"
	ScenarioOwnerID    = "member-owner"
	ScenarioAdminID    = "member-admin"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "forfeit",
		Name:        "Forfeit Unused Hours",
		Description: "40h monthly bank, nothing consumed; unused hours are forfeited at close",
	},
	{
		ID:          "carry-forward",
		Name:        "Carry Forward",
		Description: "40h monthly bank, nothing consumed; next period starts with 80h",
	},
	{
		ID:          "carry-capped",
		Name:        "Carry Capped",
		Description: "40h monthly bank with a 10h rollover cap; next period starts with 50h",
	},
	{
		ID:          "overage",
		Name:        "Overage",
		Description: "2h bank, 3h logged; close bills 5000 base plus 1h at 300/h",
	},
	{
		ID:          "tax-exclusive",
		Name:        "Tax Exclusive",
		Description: "Fixed fee 5000 with a 15% default VAT added on top",
	},
	{
		ID:          "tax-inclusive",
		Name:        "Tax Inclusive",
		Description: "Fixed fee 5000 with a 15% default VAT included in the price",
	},
	{
		ID:          "end-date",
		Name:        "End Date Reached",
		Description: "Agreement ends with its first period; close terminates it",
	},
}

type scenarioLoader func(ctx context.Context, h *Handler) error

var scenarioLoaders = map[string]scenarioLoader{
	"forfeit":       rolloverScenario(generic.RolloverForfeit, nil),
	"carry-forward": rolloverScenario(generic.RolloverCarryForward, nil),
	"carry-capped":  rolloverScenario(generic.RolloverCarryCapped, generic.DecimalPtr(generic.Hours(10))),
	"overage":       loadOverageScenario,
	"tax-exclusive": taxScenario(false),
	"tax-inclusive": taxScenario(true),
	"end-date":      loadEndDateScenario,
}

// Scenarios returns the available scenario definitions.
func Scenarios() []ScenarioDTO {
	return scenarios
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads the requested scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"scenario_id": req.ScenarioID,
		"customer_id": ScenarioCustomerID,
	})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// LoadScenarioByID resets the database and runs one loader. Shared by the
// HTTP handler and retainerctl.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	load, ok := scenarioLoaders[id]
	if !ok {
		return generic.NotFound("scenario", id)
	}
	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset database: %w", err)
	}
	if err := h.seedBase(ctx); err != nil {
		return fmt.Errorf("failed to seed scenario %s: %w", id, err)
	}
	if err := load(ctx, h); err != nil {
		return fmt.Errorf("failed to load scenario %s: %w", id, err)
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.Logger.WithField("scenario_id", id).Info("scenario loaded")
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// seedBase creates the members, customer, project and task every scenario
// uses.
func (h *Handler) seedBase(ctx context.Context) error {
	members := []retainer.Member{
		{ID: ScenarioOwnerID, Name: "Olivia Owner", OrgRole: "owner"},
		{ID: ScenarioAdminID, Name: "Adam Admin", OrgRole: "admin"},
		{ID: "member-dev", Name: "Dana Developer", OrgRole: "member"},
	}
	for _, m := range members {
		if err := h.Store.SaveMember(ctx, m); err != nil {
			return err
		}
	}
	if err := h.Store.SaveCustomer(ctx, retainer.Customer{
		ID: ScenarioCustomerID, Name: "Acme Corp", LifecycleStatus: retainer.CustomerActive,
	}); err != nil {
		return err
	}
	if err := h.Store.SaveProject(ctx, "proj-support", "Acme Support", ScenarioCustomerID); err != nil {
		return err
	}
	if err := h.Store.SaveTask(ctx, ScenarioTaskID, "proj-support", "Support requests"); err != nil {
		return err
	}
	return h.Store.SaveOrgSettings(ctx, retainer.OrgSettings{DefaultCurrency: "USD"})
}

// lastMonthStart is the first day of the previous month, so a monthly
// period starting there has already ended.
func (h *Handler) lastMonthStart() generic.Date {
	today := h.Service.Clock.Today()
	return generic.NewDate(today.Year(), today.Month(), 1).AddMonthsClamped(-1)
}

func (h *Handler) createScenarioRetainer(ctx context.Context, in retainer.CreateAgreementInput) (*retainer.Agreement, error) {
	in.CustomerID = ScenarioCustomerID
	in.Frequency = generic.FrequencyMonthly
	in.StartDate = h.lastMonthStart()
	in.CreatedBy = ScenarioOwnerID
	a, _, err := h.Service.CreateAgreement(ctx, in)
	return a, err
}

func rolloverScenario(policy generic.RolloverPolicy, capHours *decimal.Decimal) scenarioLoader {
	return func(ctx context.Context, h *Handler) error {
		_, err := h.createScenarioRetainer(ctx, retainer.CreateAgreementInput{
			Name:             "Acme Support Bank",
			Type:             retainer.TypeHourBank,
			AllocatedHours:   generic.DecimalPtr(generic.Hours(40)),
			PeriodFee:        generic.Hours(20000),
			RolloverPolicy:   policy,
			RolloverCapHours: capHours,
		})
		return err
	}
}

func loadOverageScenario(ctx context.Context, h *Handler) error {
	start := h.lastMonthStart()
	if err := h.Store.SaveBillingRate(ctx, retainer.BillingRate{
		ID: "rate-acme", CustomerID: ScenarioCustomerID, HourlyRate: generic.Hours(300),
		Currency: "USD", EffectiveFrom: start.AddMonthsClamped(-12),
	}); err != nil {
		return err
	}
	if _, err := h.createScenarioRetainer(ctx, retainer.CreateAgreementInput{
		Name:           "Acme Small Bank",
		Type:           retainer.TypeHourBank,
		AllocatedHours: generic.DecimalPtr(generic.Hours(2)),
		PeriodFee:      generic.Hours(5000),
	}); err != nil {
		return err
	}
	_, err := h.Service.Work.CreateTimeEntry(ctx, retainer.TimeEntryInput{
		TaskID:          ScenarioTaskID,
		MemberID:        "member-dev",
		Date:            start.AddDays(9),
		DurationMinutes: 180,
		Billable:        true,
		Description:     "Incident response",
	})
	return err
}

func taxScenario(inclusive bool) scenarioLoader {
	return func(ctx context.Context, h *Handler) error {
		if err := h.Store.SaveTaxRate(ctx, generic.TaxRate{ID: "tax-vat", Name: "VAT", Rate: generic.Hours(15)}, true); err != nil {
			return err
		}
		if err := h.Store.SaveOrgSettings(ctx, retainer.OrgSettings{DefaultCurrency: "USD", TaxInclusive: inclusive}); err != nil {
			return err
		}
		_, err := h.createScenarioRetainer(ctx, retainer.CreateAgreementInput{
			Name:      "Acme Flat Fee",
			Type:      retainer.TypeFixedFee,
			PeriodFee: generic.Hours(5000),
		})
		return err
	}
}

func loadEndDateScenario(ctx context.Context, h *Handler) error {
	start := h.lastMonthStart()
	_, err := h.createScenarioRetainer(ctx, retainer.CreateAgreementInput{
		Name:           "Acme Final Month",
		Type:           retainer.TypeHourBank,
		AllocatedHours: generic.DecimalPtr(generic.Hours(10)),
		PeriodFee:      generic.Hours(2500),
		EndDate:        generic.FrequencyMonthly.NextEnd(start),
	})
	return err
}
