/*
Package factory converts agreement definitions into engine inputs.

PURPOSE:
  Retainer agreements arrive as JSON (HTTP API) or YAML (definition files
  used by retainerctl). The factory turns either into a
  retainer.CreateAgreementInput or retainer.UpdateTermsInput, normalizing
  enum casing and rejecting unknown values before the engine sees them.

JSON SCHEMA:
  {
    "customer_id": "cust-acme",
    "name": "Acme Support",
    "type": "HOUR_BANK",
    "frequency": "MONTHLY",
    "start_date": "2024-01-01",
    "end_date": null,
    "allocated_hours": 40,
    "period_fee": "5000.00",
    "rollover_policy": "CARRY_CAPPED",
    "rollover_cap_hours": 10,
    "notes": "Priority support"
  }

YAML:
  The same fields. A file may hold several documents separated by "---".

  customer_id: cust-acme
  name: Acme Support
  type: hour_bank
  frequency: monthly
  start_date: 2024-01-01
  allocated_hours: 40
  period_fee: 5000

Amounts accept numbers or strings; they are decoded with decimal precision.

SEE ALSO:
  - retainer/agreement.go: NewAgreement validation
  - api/handlers.go: POST /api/retainers
*/
package factory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/retainer-engine/generic"
	"github.com/warp/retainer-engine/retainer"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

// AgreementDocument is the wire representation of an agreement.
type AgreementDocument struct {
	ID               string           `json:"id,omitempty"`
	CustomerID       string           `json:"customer_id"`
	Name             string           `json:"name"`
	Type             string           `json:"type"`
	Frequency        string           `json:"frequency"`
	StartDate        generic.Date     `json:"start_date"`
	EndDate          generic.Date     `json:"end_date"`
	AllocatedHours   *decimal.Decimal `json:"allocated_hours,omitempty"`
	PeriodFee        decimal.Decimal  `json:"period_fee"`
	RolloverPolicy   string           `json:"rollover_policy,omitempty"`
	RolloverCapHours *decimal.Decimal `json:"rollover_cap_hours,omitempty"`
	Notes            string           `json:"notes,omitempty"`
	Status           string           `json:"status,omitempty"`
}

// TermsDocument is the body of a terms update.
type TermsDocument struct {
	Name             string           `json:"name"`
	AllocatedHours   *decimal.Decimal `json:"allocated_hours,omitempty"`
	PeriodFee        decimal.Decimal  `json:"period_fee"`
	RolloverPolicy   string           `json:"rollover_policy,omitempty"`
	RolloverCapHours *decimal.Decimal `json:"rollover_cap_hours,omitempty"`
	EndDate          generic.Date     `json:"end_date"`
	Notes            string           `json:"notes,omitempty"`
}

// =============================================================================
// PARSING
// =============================================================================

// ParseAgreementJSON decodes one agreement from JSON. Unknown fields are
// rejected so typos do not silently fall back to defaults.
func ParseAgreementJSON(data []byte) (retainer.CreateAgreementInput, error) {
	var doc AgreementDocument
	if err := decodeStrict(data, &doc); err != nil {
		return retainer.CreateAgreementInput{}, err
	}
	return FromDocument(doc)
}

// ParseTermsJSON decodes a terms update from JSON.
func ParseTermsJSON(data []byte) (retainer.UpdateTermsInput, error) {
	var doc TermsDocument
	if err := decodeStrict(data, &doc); err != nil {
		return retainer.UpdateTermsInput{}, err
	}
	return TermsFromDocument(doc)
}

// ParseAgreementsYAML decodes every YAML document in r.
func ParseAgreementsYAML(r io.Reader) ([]retainer.CreateAgreementInput, error) {
	dec := yaml.NewDecoder(r)
	var out []retainer.CreateAgreementInput
	for i := 0; ; i++ {
		var raw map[string]any
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: invalid YAML: %w", i+1, err)
		}
		if raw == nil {
			continue
		}
		// Round-trip through JSON so amounts and dates share one decoder.
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		in, err := ParseAgreementJSON(data)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		out = append(out, in)
	}
	return out, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return generic.InvalidState("Invalid agreement definition: %v", err)
	}
	return nil
}

// FromDocument converts a decoded document into a create input.
func FromDocument(doc AgreementDocument) (retainer.CreateAgreementInput, error) {
	agreementType, err := parseAgreementType(doc.Type)
	if err != nil {
		return retainer.CreateAgreementInput{}, err
	}
	frequency, err := generic.ParseFrequency(strings.ToUpper(strings.TrimSpace(doc.Frequency)))
	if err != nil {
		return retainer.CreateAgreementInput{}, generic.InvalidState("Unknown frequency %q", doc.Frequency)
	}
	policy, err := parseRolloverPolicy(doc.RolloverPolicy)
	if err != nil {
		return retainer.CreateAgreementInput{}, err
	}

	return retainer.CreateAgreementInput{
		CustomerID:       strings.TrimSpace(doc.CustomerID),
		Name:             doc.Name,
		Type:             agreementType,
		Frequency:        frequency,
		StartDate:        doc.StartDate,
		EndDate:          doc.EndDate,
		AllocatedHours:   doc.AllocatedHours,
		PeriodFee:        doc.PeriodFee,
		RolloverPolicy:   policy,
		RolloverCapHours: doc.RolloverCapHours,
		Notes:            doc.Notes,
	}, nil
}

// TermsFromDocument converts a decoded terms document.
func TermsFromDocument(doc TermsDocument) (retainer.UpdateTermsInput, error) {
	policy, err := parseRolloverPolicy(doc.RolloverPolicy)
	if err != nil {
		return retainer.UpdateTermsInput{}, err
	}
	return retainer.UpdateTermsInput{
		Name:             doc.Name,
		AllocatedHours:   doc.AllocatedHours,
		PeriodFee:        doc.PeriodFee,
		RolloverPolicy:   policy,
		RolloverCapHours: doc.RolloverCapHours,
		EndDate:          doc.EndDate,
		Notes:            doc.Notes,
	}, nil
}

// ToDocument renders an agreement in wire form.
func ToDocument(a *retainer.Agreement) AgreementDocument {
	return AgreementDocument{
		ID:               a.ID,
		CustomerID:       a.CustomerID,
		Name:             a.Name,
		Type:             string(a.Type()),
		Frequency:        string(a.Frequency),
		StartDate:        a.StartDate,
		EndDate:          a.EndDate,
		AllocatedHours:   a.AllocatedHours(),
		PeriodFee:        a.PeriodFee,
		RolloverPolicy:   string(a.Rollover.Policy),
		RolloverCapHours: a.Rollover.CapHours,
		Notes:            a.Notes,
		Status:           string(a.Status),
	}
}

// =============================================================================
// ENUM PARSING
// =============================================================================

func parseAgreementType(s string) (retainer.AgreementType, error) {
	switch t := retainer.AgreementType(strings.ToUpper(strings.TrimSpace(s))); t {
	case retainer.TypeHourBank, retainer.TypeFixedFee:
		return t, nil
	case "":
		return "", generic.InvalidState("Retainer type is required")
	default:
		return "", generic.InvalidState("Unknown retainer type %q", s)
	}
}

func parseRolloverPolicy(s string) (generic.RolloverPolicy, error) {
	p, err := generic.ParseRolloverPolicy(strings.ToUpper(strings.TrimSpace(s)))
	if err != nil {
		return "", generic.InvalidState("Unknown rollover policy %q", s)
	}
	return p, nil
}
