package packet

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/qcgen/qcgen/internal/contract"
	"github.com/qcgen/qcgen/internal/policy"
)

// Normalizer canonicalizes raw packets per the field contract. It is pure
// and idempotent: normalizing an already-normalized value is a no-op.
type Normalizer struct {
	contract *contract.Contract
	log      *zap.Logger
}

// NewNormalizer builds a Normalizer. log may be nil.
func NewNormalizer(c *contract.Contract, log *zap.Logger) *Normalizer {
	if log == nil {
		log = zap.NewNop()
	}

	return &Normalizer{contract: c, log: log}
}

// Normalize converts raw into a NormalizedPacket. actionID tags any warnings
// (callers pass the run id).
//
// Field keys are resolved through the contract's alias index; keys the
// contract does not know are normalized as tokens and carried through under
// their given key so templates can still reference them.
func (n *Normalizer) Normalize(raw RawPacket, actionID string) (*NormalizedPacket, error) {
	out := &NormalizedPacket{
		Fields: make(map[string]*string, len(raw.Fields)),
	}

	for key, value := range raw.Fields {
		canonKey := key
		fieldType := contract.TypeToken
		importance := contract.Reference

		if spec, ok := n.contract.Field(key); ok {
			canonKey = spec.Key
			fieldType = spec.Type
			importance = spec.Importance
		}

		normalized, err := n.normalizeValue(fieldType, value)
		if err != nil {
			if policy.IsCode(err, policy.InvalidData) {
				return nil, err
			}

			if importance == contract.Critical {
				return nil, policy.Reject(policy.ParseErrorCritical,
					policy.Ctx("field", canonKey),
					policy.Ctx("value", value),
					policy.Ctx("type", string(fieldType)),
				)
			}

			out.Fields[canonKey] = nil
			w := policy.Warn(policy.WarnParseErrorReference, actionID, canonKey,
				fmt.Sprintf("reference field failed %s parse, recorded as null", fieldType))
			w.OriginalValue = value
			out.Warnings = append(out.Warnings, w)

			continue
		}

		out.Fields[canonKey] = &normalized
	}

	for i, row := range raw.Measurements {
		norm, err := n.normalizeMeasurement(row)
		if err != nil {
			if policy.IsCode(err, policy.InvalidData) {
				return nil, err
			}

			return nil, policy.Reject(policy.ParseErrorCritical,
				policy.Ctx("field", fmt.Sprintf("measurements[%d].measured", i)),
				policy.Ctx("value", row.Measured),
			)
		}

		out.Measurements = append(out.Measurements, norm)
	}

	return out, nil
}

func (n *Normalizer) normalizeValue(ft contract.FieldType, value string) (string, error) {
	switch ft {
	case contract.TypeToken:
		return collapseWhitespace(value), nil
	case contract.TypeFreeText:
		return strings.TrimSpace(value), nil
	case contract.TypeNumber:
		return n.normalizeNumber(value)
	case contract.TypeDate:
		return normalizeDate(value)
	default:
		return "", fmt.Errorf("unhandled field type %q", ft)
	}
}

func (n *Normalizer) normalizeMeasurement(row RawMeasurement) (MeasurementRow, error) {
	out := MeasurementRow{
		Item:   collapseWhitespace(row.Item),
		Spec:   collapseWhitespace(row.Spec),
		Unit:   collapseWhitespace(row.Unit),
		Result: collapseWhitespace(row.Result),
	}

	measured := strings.TrimSpace(row.Measured)
	if measured == "" {
		return out, nil
	}

	canonical, err := n.normalizeNumber(measured)
	if err != nil {
		return MeasurementRow{}, err
	}

	out.Measured = &canonical

	return out, nil
}

// normalizeNumber parses value into an arbitrary-precision decimal and
// re-renders it with trailing fraction zeros stripped ("3.140" becomes
// "3.14", "1.0" becomes "1"). NaN and infinities reject the whole run.
func (n *Normalizer) normalizeNumber(value string) (string, error) {
	trimmed := strings.TrimSpace(value)

	if isNonFinite(trimmed) {
		return "", policy.Reject(policy.InvalidData,
			policy.Ctx("value", trimmed),
			policy.Ctx("reason", "non-finite number"),
		)
	}

	d, err := decimal.NewFromString(strings.ReplaceAll(trimmed, ",", ""))
	if err != nil {
		return "", fmt.Errorf("parse number %q: %w", value, err)
	}

	if looksLikeBinaryFloat(trimmed) {
		// An upstream producer serialized a binary float. Not a reject, the
		// decimal parse already captured the digits exactly.
		n.log.Info("binary floating point artifact in number field",
			zap.String("value", trimmed))
	}

	return d.String(), nil
}

func isNonFinite(s string) bool {
	switch strings.ToLower(strings.TrimLeft(s, "+-")) {
	case "nan", "inf", "infinity":
		return true
	}

	return false
}

// looksLikeBinaryFloat flags values whose fraction length is characteristic
// of a float64 round-trip (15+ fraction digits) or that use exponent
// notation.
func looksLikeBinaryFloat(s string) bool {
	if strings.ContainsAny(s, "eE") {
		return true
	}

	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s)-i-1 >= 15
	}

	return false
}

// Accepted date layouts beyond ISO 8601 and the spreadsheet serial. Ambiguous
// layouts like 01/02/2006 are deliberately absent.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006/01/02",
	"2006.01.02",
	"20060102",
}

// Spreadsheet date serials count days from 1899-12-30.
var serialEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

func normalizeDate(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("empty date")
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}

	if d, err := decimal.NewFromString(trimmed); err == nil {
		return serialToDate(d)
	}

	return "", fmt.Errorf("unrecognized date %q", value)
}

func serialToDate(d decimal.Decimal) (string, error) {
	days := d.IntPart()

	// Serials below 1 predate the epoch; above ~2958465 (year 9999) the
	// value is certainly not a date.
	if days < 1 || days > 2958465 {
		return "", fmt.Errorf("date serial %s out of range", d)
	}

	return serialEpoch.AddDate(0, 0, int(days)).Format("2006-01-02"), nil
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
