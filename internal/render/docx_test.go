package render

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcgen/qcgen/internal/contract"
	"github.com/qcgen/qcgen/internal/policy"
)

const renderDefinition = `{
	"version": "test",
	"fields": {
		"wo_no":   {"type": "token", "importance": "critical"},
		"result":  {"type": "token", "importance": "critical"},
		"remarks": {"type": "free_text", "importance": "reference"},
	},
	"photos": {
		"slots": [
			{"key": "overview", "basename": "01_overview", "required": true},
		],
	},
}`

func renderContract(t *testing.T) *contract.Contract {
	t.Helper()

	c, err := contract.Parse([]byte(renderDefinition))
	require.NoError(t, err)

	return c
}

const templateBody = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n" +
	`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
	`<w:p><w:r><w:t xml:space="preserve">WO: {{ wo_no }}</w:t></w:r></w:p>` +
	`<w:p><w:r><w:t xml:space="preserve">Result: {{result}}</w:t></w:r></w:p>` +
	`<w:p><w:r><w:t xml:space="preserve">Remarks: {{ remarks }}</w:t></w:r></w:p>` +
	`<w:p><w:r><w:t xml:space="preserve">{{ photo_overview }}</w:t></w:r></w:p>` +
	`</w:body></w:document>`

const templateCore = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
	`<cp:coreProperties xmlns:cp="http://schemas.openxmlformats.org/package/2006/metadata/core-properties"` +
	` xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:dcterms="http://purl.org/dc/terms/"` +
	` xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">` +
	`<dcterms:created xsi:type="dcterms:W3CDTF">2020-01-01T00:00:00Z</dcterms:created>` +
	`<dcterms:modified xsi:type="dcterms:W3CDTF">2020-01-01T00:00:00Z</dcterms:modified>` +
	`</cp:coreProperties>`

func writeDocxTemplate(t *testing.T, dir, body string) string {
	t.Helper()

	parts := map[string][]byte{
		"[Content_Types].xml": []byte(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
			`<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">` +
			`<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>` +
			`<Default Extension="xml" ContentType="application/xml"/>` +
			`<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>` +
			`</Types>`),
		"_rels/.rels": []byte(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
			`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` +
			`<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>` +
			`</Relationships>`),
		"word/document.xml": []byte(body),
		"word/_rels/document.xml.rels": []byte(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
			`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"></Relationships>`),
		"docProps/core.xml": []byte(templateCore),
	}

	data, err := writeZip(parts)
	require.NoError(t, err)

	path := filepath.Join(dir, "report_template.docx")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	return path
}

func writePNG(t *testing.T, dir string) string {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 2))))

	path := filepath.Join(dir, "overview.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	return path
}

var renderTime = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

func TestDocxRender(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tmpl := writeDocxTemplate(t, dir, templateBody)
	img := writePNG(t, dir)
	out := filepath.Join(dir, "report.docx")

	r := NewDocxRenderer(renderContract(t), nil)

	warnings, err := r.Render(DocxRequest{
		TemplatePath: tmpl,
		OutputPath:   out,
		Values: map[string]string{
			"wo_no":   "WO-001",
			"result":  "PASS",
			"remarks": "looks good",
		},
		Images:     map[string]string{"overview": img},
		ActionID:   "run-1",
		Now:        renderTime,
		ArtifactID: "11111111-2222-3333-4444-555555555555",
	})
	require.NoError(t, err)
	assert.Empty(t, warnings)

	text, err := ExtractDocxText(out)
	require.NoError(t, err)
	assert.Equal(t, "WO: WO-001\nResult: PASS\nRemarks: looks good", text)

	parts, err := readZip(out)
	require.NoError(t, err)

	assert.Contains(t, parts, "word/media/slot_overview.png", "image part missing")
	assert.Contains(t, string(parts["word/_rels/document.xml.rels"]), `Target="media/slot_overview.png"`)
	assert.Contains(t, string(parts["[Content_Types].xml"]), `Extension="png"`)
	assert.Contains(t, string(parts["word/document.xml"]), "<w:drawing>")
	assert.Contains(t, string(parts["docProps/core.xml"]), "2024-03-15T09:30:00Z")
	assert.Contains(t, string(parts["docProps/core.xml"]), "11111111-2222-3333-4444-555555555555")
}

func TestDocxUnresolvedPlaceholderWarns(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tmpl := writeDocxTemplate(t, dir, templateBody)
	out := filepath.Join(dir, "report.docx")

	r := NewDocxRenderer(renderContract(t), nil)

	warnings, err := r.Render(DocxRequest{
		TemplatePath: tmpl,
		OutputPath:   out,
		Values:       map[string]string{"wo_no": "WO-001", "result": "PASS"},
		ActionID:     "run-1",
		Now:          renderTime,
	})
	require.NoError(t, err)

	require.Len(t, warnings, 1)
	assert.Equal(t, policy.WarnPlaceholderUnresolved, warnings[0].Code)
	assert.Equal(t, "remarks", warnings[0].FieldOrSlot)

	text, err := ExtractDocxText(out)
	require.NoError(t, err)
	assert.Equal(t, "WO: WO-001\nResult: PASS\nRemarks: ", text)
}

func TestDocxUnknownPlaceholderRejects(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	body := `<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">` +
		`<w:body><w:p><w:r><w:t>{{ serial_no }}</w:t></w:r></w:p></w:body></w:document>`
	tmpl := writeDocxTemplate(t, dir, body)

	r := NewDocxRenderer(renderContract(t), nil)

	_, err := r.Render(DocxRequest{TemplatePath: tmpl, OutputPath: filepath.Join(dir, "out.docx")})
	assert.True(t, policy.IsCode(err, policy.TemplateUnknownPlaceholder), "error = %v", err)

	_, statErr := os.Stat(filepath.Join(dir, "out.docx"))
	assert.True(t, os.IsNotExist(statErr), "no artifact may be written on reject")
}

func TestDocxMissingTemplate(t *testing.T) {
	t.Parallel()

	r := NewDocxRenderer(renderContract(t), nil)

	_, err := r.Render(DocxRequest{TemplatePath: filepath.Join(t.TempDir(), "nope.docx")})
	assert.True(t, policy.IsCode(err, policy.TemplateNotFound), "error = %v", err)
}

func TestDocxBlankImageFallback(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tmpl := writeDocxTemplate(t, dir, templateBody)
	blank := writePNG(t, dir)
	out := filepath.Join(dir, "report.docx")

	r := NewDocxRenderer(renderContract(t), nil)

	_, err := r.Render(DocxRequest{
		TemplatePath: tmpl,
		OutputPath:   out,
		Values:       map[string]string{"wo_no": "WO-001", "result": "PASS", "remarks": "-"},
		BlankImage:   blank,
		Now:          renderTime,
	})
	require.NoError(t, err)

	parts, err := readZip(out)
	require.NoError(t, err)
	assert.Contains(t, parts, "word/media/slot_overview.png", "blank image must be embedded")
}

// Fixed inputs, fixed timestamp, fixed artifact id: the output must be
// byte-identical across renders.
func TestDocxDeterministic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tmpl := writeDocxTemplate(t, dir, templateBody)
	img := writePNG(t, dir)

	r := NewDocxRenderer(renderContract(t), nil)

	req := DocxRequest{
		TemplatePath: tmpl,
		Values:       map[string]string{"wo_no": "WO-001", "result": "PASS", "remarks": "ok then"},
		Images:       map[string]string{"overview": img},
		Now:          renderTime,
		ArtifactID:   "11111111-2222-3333-4444-555555555555",
	}

	req.OutputPath = filepath.Join(dir, "a.docx")
	_, err := r.Render(req)
	require.NoError(t, err)

	req.OutputPath = filepath.Join(dir, "b.docx")
	_, err = r.Render(req)
	require.NoError(t, err)

	a, err := os.ReadFile(filepath.Join(dir, "a.docx"))
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(dir, "b.docx"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestNormalizeVolatile(t *testing.T) {
	t.Parallel()

	in := "created 2024-03-15T09:30:00Z id 11111111-2222-3333-4444-555555555555 done 2024-03-15T09:30:00.123+09:00"
	want := "created <TS> id <UUID> done <TS>"

	assert.Equal(t, want, NormalizeVolatile(in))
}

func TestXMLTextEscaping(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a &amp; b &lt;c&gt;", xmlText("a & b <c>"))
	assert.Equal(t, `one</w:t><w:br/><w:t xml:space="preserve">two`, xmlText("one\ntwo"))
}
