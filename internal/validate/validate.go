// Package validate enforces the field contract against a normalized packet:
// critical presence, result-token normalization, and override vetting for
// fields the packet leaves empty.
package validate

import (
	"fmt"
	"strings"

	"github.com/qcgen/qcgen/internal/contract"
	"github.com/qcgen/qcgen/internal/override"
	"github.com/qcgen/qcgen/internal/packet"
	"github.com/qcgen/qcgen/internal/policy"
)

// resultField is the canonical key whose value is normalized to PASS/FAIL.
const resultField = "result"

// Validator checks normalized packets.
type Validator struct {
	contract *contract.Contract
}

// New builds a Validator.
func New(c *contract.Contract) *Validator {
	return &Validator{contract: c}
}

// Outcome carries what validation produced: warnings to append to the run
// record and the override applications it vetted.
type Outcome struct {
	Warnings  []policy.Warning
	Overrides []override.Application
}

// Check verifies p against the contract. Field overrides (keyed by canonical
// field key) excuse missing critical fields that are override-eligible;
// every accepted override lands in the outcome for the run record. actionID
// tags warnings, user attributes the overrides.
func (v *Validator) Check(p *packet.NormalizedPacket, fieldOverrides map[string]override.Reason, actionID, user string) (*Outcome, error) {
	out := &Outcome{}

	if err := v.normalizeResult(p); err != nil {
		return nil, err
	}

	for _, spec := range v.contract.Fields {
		if p.Has(spec.Key) {
			continue
		}

		if spec.Importance != contract.Critical {
			if _, present := p.Fields[spec.Key]; !present {
				w := policy.Warn(policy.WarnMissingReferenceField, actionID, spec.Key,
					"reference field absent from packet")
				out.Warnings = append(out.Warnings, w)
			}

			continue
		}

		reason, overridden := fieldOverrides[spec.Key]
		if !overridden || !spec.OverrideAllowed {
			return nil, policy.Reject(policy.MissingCriticalField,
				policy.Ctx("field", spec.Key),
			)
		}

		vetted, warn, err := override.Parse(string(reason.Code), reason.Detail, actionID, spec.Key)
		if err != nil {
			return nil, err
		}

		if warn != nil {
			out.Warnings = append(out.Warnings, *warn)
		}

		out.Overrides = append(out.Overrides, override.Application{
			FieldOrSlot: spec.Key,
			Code:        vetted.Code,
			Detail:      vetted.Detail,
			User:        user,
		})
	}

	return out, nil
}

// normalizeResult rewrites the result field to the canonical PASS/FAIL
// token. A value matching no declared alias rejects the run.
func (v *Validator) normalizeResult(p *packet.NormalizedPacket) error {
	if !p.Has(resultField) {
		return nil
	}

	raw := p.Field(resultField)

	canonical, err := v.CanonicalResult(raw)
	if err != nil {
		return err
	}

	p.Fields[resultField] = &canonical

	return nil
}

// CanonicalResult maps a raw result token to "PASS" or "FAIL" via the
// contract's alias lists.
func (v *Validator) CanonicalResult(raw string) (string, error) {
	needle := strings.ToUpper(strings.TrimSpace(raw))

	for _, alias := range v.contract.ResultPassAliases {
		if needle == strings.ToUpper(alias) {
			return "PASS", nil
		}
	}

	for _, alias := range v.contract.ResultFailAliases {
		if needle == strings.ToUpper(alias) {
			return "FAIL", nil
		}
	}

	return "", policy.Reject(policy.ResultInvalidValue,
		policy.Ctx("field", resultField),
		policy.Ctx("value", raw),
		policy.Ctx("allowed", fmt.Sprintf("%v or %v", v.contract.ResultPassAliases, v.contract.ResultFailAliases)),
	)
}
