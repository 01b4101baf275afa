// Package render materializes the customer-facing artifacts: the report
// document (OOXML text splice over the template zip) and the measurement
// workbook (named cells and header-driven rows via excelize).
package render

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/qcgen/qcgen/internal/policy"
)

// Manifest describes one template folder. It binds workbook cells to field
// keys and declares the optional blank image substituted for overridden
// photo slots.
type Manifest struct {
	Report   string `yaml:"report"`
	Workbook string `yaml:"workbook"`

	// BlankImage, when set, is the image substituted for photo anchors whose
	// slot was overridden or missing. Relative to the template dir.
	BlankImage string `yaml:"blank_image"`

	// NamedRanges maps workbook defined names to field keys.
	NamedRanges map[string]string `yaml:"named_ranges"`

	// CellAddresses maps "Sheet!A1" style addresses to field keys. Direct
	// addressing is the fallback form; named ranges survive sheet edits.
	CellAddresses map[string]string `yaml:"cell_addresses"`

	// Measurements configures header-driven row extraction.
	Measurements *MeasurementLayout `yaml:"measurements"`
}

// MeasurementLayout locates the measurement table by its header labels, so
// the template stays robust to column reordering.
type MeasurementLayout struct {
	Sheet     string            `yaml:"sheet"`
	HeaderRow int               `yaml:"header_row"`
	Headers   map[string]string `yaml:"headers"` // column role -> header label
}

// LoadManifest reads and validates manifest.yaml in templateDir.
func LoadManifest(templateDir string) (*Manifest, error) {
	path := filepath.Join(templateDir, "manifest.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, policy.Reject(policy.TemplateNotFound,
			policy.Ctx("path", path),
		)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %q: %w", path, err)
	}

	if err := m.validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// validate fails fast on a manifest that binds one field through both
// addressing forms: the two writes would race for the same meaning.
func (m *Manifest) validate() error {
	seen := make(map[string]string, len(m.NamedRanges))

	for name, field := range m.NamedRanges {
		seen[field] = name
	}

	for addr, field := range m.CellAddresses {
		if name, dup := seen[field]; dup {
			return policy.Reject(policy.RenderFailed,
				policy.Ctx("field", field),
				policy.Ctx("named_range", name),
				policy.Ctx("cell_address", addr),
				policy.Ctx("reason", "field bound by both named range and cell address"),
			)
		}
	}

	if m.Measurements != nil {
		if m.Measurements.Sheet == "" || m.Measurements.HeaderRow < 1 || len(m.Measurements.Headers) == 0 {
			return policy.Reject(policy.RenderFailed,
				policy.Ctx("reason", "measurements layout needs sheet, header_row and headers"),
			)
		}
	}

	return nil
}
