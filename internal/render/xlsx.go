package render

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/qcgen/qcgen/internal/packet"
	"github.com/qcgen/qcgen/internal/policy"
)

// XlsxRenderer fills the measurement workbook template: named cells, direct
// cell addresses, and the header-driven measurement table.
type XlsxRenderer struct {
	log *zap.Logger
}

// NewXlsxRenderer builds a renderer. log may be nil.
func NewXlsxRenderer(log *zap.Logger) *XlsxRenderer {
	if log == nil {
		log = zap.NewNop()
	}

	return &XlsxRenderer{log: log}
}

// XlsxRequest is one workbook render invocation.
type XlsxRequest struct {
	TemplatePath string
	OutputPath   string

	Values       map[string]string
	Measurements []packet.MeasurementRow
	Manifest     *Manifest

	ActionID   string
	Now        time.Time
	ArtifactID string
}

// Render produces the measurement workbook.
func (r *XlsxRenderer) Render(req XlsxRequest) ([]policy.Warning, error) {
	f, err := excelize.OpenFile(req.TemplatePath)
	if err != nil {
		return nil, policy.Reject(policy.TemplateNotFound,
			policy.Ctx("path", req.TemplatePath),
			policy.Ctx("cause", err.Error()),
		)
	}
	defer func() { _ = f.Close() }()

	var warnings []policy.Warning

	if err := r.fillNamedRanges(f, req, &warnings); err != nil {
		return nil, err
	}

	if err := r.fillCellAddresses(f, req, &warnings); err != nil {
		return nil, err
	}

	if req.Manifest.Measurements != nil {
		if err := r.fillMeasurements(f, req); err != nil {
			return nil, err
		}
	}

	stampWorkbook(f, req.Now, req.ArtifactID)

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", filepath.Dir(req.OutputPath), err)
	}

	if err := f.SaveAs(req.OutputPath); err != nil {
		return nil, fmt.Errorf("save workbook: %w", err)
	}

	r.log.Debug("measurement workbook rendered",
		zap.String("path", req.OutputPath),
		zap.Int("measurement_rows", len(req.Measurements)))

	return warnings, nil
}

func (r *XlsxRenderer) fillNamedRanges(f *excelize.File, req XlsxRequest, warnings *[]policy.Warning) error {
	defined := make(map[string]string)
	for _, dn := range f.GetDefinedName() {
		defined[dn.Name] = dn.RefersTo
	}

	for name, field := range req.Manifest.NamedRanges {
		refersTo, ok := defined[name]
		if !ok {
			return policy.Reject(policy.RenderFailed,
				policy.Ctx("named_range", name),
				policy.Ctx("reason", "manifest names a range the workbook does not define"),
			)
		}

		sheet, cell, err := splitRef(refersTo)
		if err != nil {
			return policy.Reject(policy.RenderFailed,
				policy.Ctx("named_range", name),
				policy.Ctx("refers_to", refersTo),
				policy.Ctx("cause", err.Error()),
			)
		}

		if err := f.SetCellValue(sheet, cell, r.lookup(req, field, warnings)); err != nil {
			return fmt.Errorf("set %s!%s: %w", sheet, cell, err)
		}
	}

	return nil
}

func (r *XlsxRenderer) fillCellAddresses(f *excelize.File, req XlsxRequest, warnings *[]policy.Warning) error {
	for addr, field := range req.Manifest.CellAddresses {
		sheet, cell, err := splitRef(addr)
		if err != nil {
			sheet, cell = f.GetSheetName(0), addr
		}

		if err := f.SetCellValue(sheet, cell, r.lookup(req, field, warnings)); err != nil {
			return fmt.Errorf("set %s!%s: %w", sheet, cell, err)
		}
	}

	return nil
}

// fillMeasurements locates each column by its header label and writes the
// measurement rows below the header row. Column order in the template is
// irrelevant.
func (r *XlsxRenderer) fillMeasurements(f *excelize.File, req XlsxRequest) error {
	layout := req.Manifest.Measurements

	rows, err := f.GetRows(layout.Sheet)
	if err != nil {
		return policy.Reject(policy.RenderFailed,
			policy.Ctx("sheet", layout.Sheet),
			policy.Ctx("cause", err.Error()),
		)
	}

	if layout.HeaderRow > len(rows) {
		return policy.Reject(policy.RenderFailed,
			policy.Ctx("sheet", layout.Sheet),
			policy.Ctx("reason", fmt.Sprintf("header row %d beyond sheet content", layout.HeaderRow)),
		)
	}

	header := rows[layout.HeaderRow-1]

	columns := make(map[string]int, len(layout.Headers))

	for role, label := range layout.Headers {
		col := -1

		for i, cell := range header {
			if strings.EqualFold(strings.TrimSpace(cell), label) {
				col = i + 1

				break
			}
		}

		if col < 0 {
			return policy.Reject(policy.RenderFailed,
				policy.Ctx("sheet", layout.Sheet),
				policy.Ctx("header", label),
				policy.Ctx("reason", "header label not found in header row"),
			)
		}

		columns[role] = col
	}

	for i, m := range req.Measurements {
		rowNum := layout.HeaderRow + 1 + i

		cells := map[string]string{
			"item":   m.Item,
			"spec":   m.Spec,
			"unit":   m.Unit,
			"result": m.Result,
		}

		if m.Measured != nil {
			cells["measured"] = *m.Measured
		}

		for role, col := range columns {
			value, ok := cells[role]
			if !ok {
				continue
			}

			addr, err := excelize.CoordinatesToCellName(col, rowNum)
			if err != nil {
				return fmt.Errorf("cell name (%d,%d): %w", col, rowNum, err)
			}

			// Measured values stay decimal strings end to end; no binary
			// float conversion on the way into the cell.
			if err := f.SetCellStr(layout.Sheet, addr, value); err != nil {
				return fmt.Errorf("set %s!%s: %w", layout.Sheet, addr, err)
			}
		}
	}

	return nil
}

func (r *XlsxRenderer) lookup(req XlsxRequest, field string, warnings *[]policy.Warning) string {
	value, ok := req.Values[field]
	if !ok {
		w := policy.Warn(policy.WarnPlaceholderUnresolved, req.ActionID, field,
			"workbook binding has no packet value, rendered empty")
		*warnings = append(*warnings, w)

		return ""
	}

	return value
}

// splitRef parses "Sheet1!$B$4" or "Sheet1!B4" into sheet and cell.
func splitRef(ref string) (string, string, error) {
	sheet, cell, found := strings.Cut(ref, "!")
	if !found {
		return "", "", fmt.Errorf("reference %q has no sheet qualifier", ref)
	}

	sheet = strings.Trim(sheet, "'")
	cell = strings.ReplaceAll(cell, "$", "")

	if strings.Contains(cell, ":") {
		// A range name refers to its first cell.
		cell = strings.SplitN(cell, ":", 2)[0]
	}

	return sheet, cell, nil
}

func stampWorkbook(f *excelize.File, now time.Time, artifactID string) {
	if now.IsZero() {
		now = time.Now()
	}

	if artifactID == "" {
		artifactID = uuid.NewString()
	}

	stamp := now.UTC().Format(time.RFC3339)

	_ = f.SetDocProps(&excelize.DocProperties{
		Created:    stamp,
		Modified:   stamp,
		Identifier: artifactID,
	})
}
