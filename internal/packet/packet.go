// Package packet defines the raw and normalized input packets and the
// type-directed normalizer that converts one into the other.
package packet

import (
	"github.com/qcgen/qcgen/internal/policy"
)

// RawMeasurement is one measurement row as received from intake, all cells
// still strings.
type RawMeasurement struct {
	Item     string `json:"item"`
	Spec     string `json:"spec"`
	Measured string `json:"measured"`
	Unit     string `json:"unit"`
	Result   string `json:"result"`
}

// RawPacket is the untyped input to a run. Field keys may be aliases; values
// are raw strings. Discarded after normalization.
type RawPacket struct {
	Fields       map[string]string `json:"fields"`
	Measurements []RawMeasurement  `json:"measurements"`
}

// MeasurementRow is a normalized measurement row. Measured is nil when the
// cell was empty.
type MeasurementRow struct {
	Item     string  `json:"item"`
	Spec     string  `json:"spec"`
	Measured *string `json:"measured"`
	Unit     string  `json:"unit"`
	Result   string  `json:"result"`
}

// NormalizedPacket holds canonical values keyed by canonical field keys. A
// nil value marks a reference field that failed to parse.
type NormalizedPacket struct {
	Fields       map[string]*string
	Measurements []MeasurementRow

	// Warnings collected during normalization; the run record absorbs them.
	Warnings []policy.Warning
}

// Field returns the canonical value for key, or "" when absent or null.
func (p *NormalizedPacket) Field(key string) string {
	if v, ok := p.Fields[key]; ok && v != nil {
		return *v
	}

	return ""
}

// Has reports whether key is present with a non-null value.
func (p *NormalizedPacket) Has(key string) bool {
	v, ok := p.Fields[key]

	return ok && v != nil
}
