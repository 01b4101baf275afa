// Package override parses and validates operator override reasons.
//
// An override lets a run proceed despite a missing required field or photo
// slot, but only with a structured, auditable reason. Low-effort filler
// ("ok", "n/a", single punctuation, hangul placeholders) is rejected.
package override

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/qcgen/qcgen/internal/policy"
)

// ReasonCode classifies why an override was needed.
type ReasonCode string

const (
	MissingPhoto       ReasonCode = "MISSING_PHOTO"
	DataUnavailable    ReasonCode = "DATA_UNAVAILABLE"
	CustomerRequest    ReasonCode = "CUSTOMER_REQUEST"
	DeviceFailure      ReasonCode = "DEVICE_FAILURE"
	OCRUnreadable      ReasonCode = "OCR_UNREADABLE"
	FieldNotApplicable ReasonCode = "FIELD_NOT_APPLICABLE"
	Other              ReasonCode = "OTHER"
)

var knownCodes = map[ReasonCode]bool{
	MissingPhoto:       true,
	DataUnavailable:    true,
	CustomerRequest:    true,
	DeviceFailure:      true,
	OCRUnreadable:      true,
	FieldNotApplicable: true,
	Other:              true,
}

// MinDetailLength is the minimum number of visible characters a reason
// detail must carry.
const MinDetailLength = 10

// bannedTokens are exact-match rejects after trimming and lowercasing. The
// hangul entries are the common keyboard-filler acknowledgements.
var bannedTokens = map[string]bool{
	"ok": true, "okay": true,
	"n/a": true, "na": true, "none": true,
	"-": true, "skip": true, "pass": true, "test": true,
	".": true, "..": true, "...": true,
	"x": true, "xx": true, "xxx": true,
	"ㅇ": true, "ㅇㅇ": true, "ㅇㅇㅇ": true,
}

// legacyReasonRE matches the historical free-string form "CODE: detail" or
// "CODE | detail".
var legacyReasonRE = regexp.MustCompile(`^([A-Z][A-Z0-9_]*)\s*[:|]\s*(.+)$`)

// Reason is a validated override reason.
type Reason struct {
	Code   ReasonCode `json:"code"`
	Detail string     `json:"detail"`
}

// Application is the audit record of one applied override, one per run even
// when the same slot is overridden again later.
type Application struct {
	FieldOrSlot string     `json:"field_or_slot"`
	Code        ReasonCode `json:"code"`
	Detail      string     `json:"detail"`
	User        string     `json:"user,omitempty"`
}

// Parse validates a structured reason. An unknown code is not a reject: it
// is rewritten to OTHER and reported through the returned warning (nil when
// no rewrite happened). actionID and fieldOrSlot tag the warning.
func Parse(code, detail, actionID, fieldOrSlot string) (Reason, *policy.Warning, error) {
	if err := checkDetail(detail, fieldOrSlot); err != nil {
		return Reason{}, nil, err
	}

	rc := ReasonCode(strings.ToUpper(strings.TrimSpace(code)))

	if knownCodes[rc] {
		return Reason{Code: rc, Detail: strings.TrimSpace(detail)}, nil, nil
	}

	w := policy.Warn(policy.WarnOverrideCodeRewritten, actionID, fieldOrSlot,
		"unrecognized override code rewritten to OTHER")
	w.OriginalValue = code
	w.ResolvedValue = string(Other)

	return Reason{Code: Other, Detail: strings.TrimSpace(detail)}, &w, nil
}

// ParseLegacy handles the free-string form. "CODE: detail" is split into the
// structured form and validated through Parse; anything else becomes an
// OTHER reason with the whole string as detail.
func ParseLegacy(raw, actionID, fieldOrSlot string) (Reason, *policy.Warning, error) {
	trimmed := strings.TrimSpace(raw)

	if m := legacyReasonRE.FindStringSubmatch(trimmed); m != nil {
		return Parse(m[1], m[2], actionID, fieldOrSlot)
	}

	return Parse(string(Other), trimmed, actionID, fieldOrSlot)
}

func checkDetail(detail, fieldOrSlot string) error {
	trimmed := strings.TrimSpace(detail)
	lowered := strings.ToLower(trimmed)

	if bannedTokens[lowered] || bannedTokens[strings.ReplaceAll(lowered, " ", "")] {
		return policy.Reject(policy.InvalidOverrideReason,
			policy.Ctx("field_or_slot", fieldOrSlot),
			policy.Ctx("detail", detail),
			policy.Ctx("reason", "banned token"),
		)
	}

	if utf8.RuneCountInString(trimmed) < MinDetailLength {
		return policy.Reject(policy.InvalidOverrideReason,
			policy.Ctx("field_or_slot", fieldOrSlot),
			policy.Ctx("detail", detail),
			policy.Ctx("reason", "detail too short"),
		)
	}

	return nil
}
