package render

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Golden-test support: rendered artifacts are deterministic except for the
// creation timestamps and the per-artifact UUID, so comparisons run over
// extracted text with those volatile values normalised.

var (
	timestampRE = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})`)
	uuidRE      = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
)

// NormalizeVolatile replaces timestamps with <TS> and UUIDs with <UUID>.
func NormalizeVolatile(s string) string {
	s = timestampRE.ReplaceAllString(s, "<TS>")

	return uuidRE.ReplaceAllString(s, "<UUID>")
}

var (
	xmlTagRE   = regexp.MustCompile(`<[^>]+>`)
	wBreakRE   = regexp.MustCompile(`<w:br/>`)
	wParaEndRE = regexp.MustCompile(`</w:p>`)
)

// ExtractDocxText pulls the plain text out of a rendered document:
// paragraphs become lines, explicit breaks become newlines, all other
// markup is dropped.
func ExtractDocxText(path string) (string, error) {
	parts, err := readZip(path)
	if err != nil {
		return "", fmt.Errorf("open document %q: %w", path, err)
	}

	doc, ok := parts["word/document.xml"]
	if !ok {
		return "", fmt.Errorf("%q has no word/document.xml", path)
	}

	text := string(doc)
	text = wBreakRE.ReplaceAllString(text, "\n")
	text = wParaEndRE.ReplaceAllString(text, "\n")
	text = xmlTagRE.ReplaceAllString(text, "")

	text = strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&apos;", "'",
	).Replace(text)

	return strings.Trim(text, "\n"), nil
}

// ExtractXlsxCells reads every sheet of a workbook into sheet -> rows of
// cell strings.
func ExtractXlsxCells(path string) (map[string][][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	out := make(map[string][][]string)

	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
		}

		out[sheet] = rows
	}

	return out, nil
}
