/*
policy.go - Rollover policies applied at period close

PURPOSE:
  Defines what happens to hours that were allocated to a billing cycle but
  not used by the time it closes. The result feeds the next cycle's
  allocation as "rollover in".

POLICIES:
  FORFEIT:
    - Unused hours are lost
    - Example: 40h allocated, 10h used, next period starts with its base only

  CARRY_FORWARD:
    - All unused hours move to the next period
    - Example: 40h allocated, 10h used, next period gets base + 30h

  CARRY_CAPPED:
    - Unused hours move forward up to a cap
    - Example: cap 10h, 30h unused, next period gets base + 10h

RECONCILIATION:
  At period close the engine:
  1. Computes unused = max(allocated - consumed, 0)
  2. Applies the policy to get rollover out
  3. Seeds the next period's rollover in with that value

EXAMPLE:
  rule := RolloverRule{Policy: RolloverCarryCapped, CapHours: DecimalPtr(Hours(10))}
  out := rule.Apply(Hours(40), Hours(10)) // 10
*/
package generic

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ROLLOVER POLICY
// =============================================================================

// RolloverPolicy decides how unused hours carry into the next period.
type RolloverPolicy string

const (
	RolloverForfeit      RolloverPolicy = "FORFEIT"
	RolloverCarryForward RolloverPolicy = "CARRY_FORWARD"
	RolloverCarryCapped  RolloverPolicy = "CARRY_CAPPED"
)

// ParseRolloverPolicy validates a policy name. Empty input defaults to FORFEIT.
func ParseRolloverPolicy(s string) (RolloverPolicy, error) {
	switch RolloverPolicy(s) {
	case "":
		return RolloverForfeit, nil
	case RolloverForfeit, RolloverCarryForward, RolloverCarryCapped:
		return RolloverPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown rollover policy %q", s)
	}
}

// RolloverOut computes the hours carried into the next period.
// A nil cap under CARRY_CAPPED carries nothing.
func (p RolloverPolicy) RolloverOut(unused decimal.Decimal, capHours *decimal.Decimal) decimal.Decimal {
	unused = MaxZero(unused)
	switch p {
	case RolloverCarryForward:
		return unused
	case RolloverCarryCapped:
		if capHours == nil {
			return decimal.Zero
		}
		return decimal.Min(unused, MaxZero(*capHours))
	default:
		return decimal.Zero
	}
}

// =============================================================================
// ROLLOVER RULE - Policy bundled with its cap
// =============================================================================

// RolloverRule is the rollover term of an agreement.
type RolloverRule struct {
	Policy   RolloverPolicy
	CapHours *decimal.Decimal // required iff Policy == CARRY_CAPPED
}

// Validate checks that the cap is present exactly when the policy needs it.
func (r RolloverRule) Validate() error {
	switch r.Policy {
	case RolloverForfeit, RolloverCarryForward:
		return nil
	case RolloverCarryCapped:
		if r.CapHours == nil {
			return &InvalidStateError{Message: "Rollover cap hours are required for CARRY_CAPPED policy"}
		}
		if r.CapHours.IsNegative() {
			return &InvalidStateError{Message: "Rollover cap hours cannot be negative"}
		}
		return nil
	default:
		return &InvalidStateError{Message: fmt.Sprintf("Unknown rollover policy %q", r.Policy)}
	}
}

// Normalize defaults an unset policy to FORFEIT and drops a cap the policy
// does not use.
func (r RolloverRule) Normalize() RolloverRule {
	if r.Policy == "" {
		r.Policy = RolloverForfeit
	}
	if r.Policy != RolloverCarryCapped {
		r.CapHours = nil
	}
	return r
}

// ReconciliationSummary is the outcome of applying a rollover rule.
type ReconciliationSummary struct {
	Unused      decimal.Decimal
	CarriedOver decimal.Decimal
	Forfeited   decimal.Decimal
}

// Apply reconciles an ending period's allocation against its consumption.
func (r RolloverRule) Apply(allocated, consumed decimal.Decimal) ReconciliationSummary {
	unused := UnusedHours(allocated, consumed)
	carried := r.Policy.RolloverOut(unused, r.CapHours)
	return ReconciliationSummary{
		Unused:      unused,
		CarriedOver: carried,
		Forfeited:   unused.Sub(carried),
	}
}
