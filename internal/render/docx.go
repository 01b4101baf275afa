package render

import (
	"archive/zip"
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qcgen/qcgen/internal/contract"
	"github.com/qcgen/qcgen/internal/fsx"
	"github.com/qcgen/qcgen/internal/policy"
)

// photoAnchorPrefix marks placeholders that embed a slot image instead of
// text: {{ photo_<slot_key> }}.
const photoAnchorPrefix = "photo_"

var placeholderRE = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// DocxRenderer substitutes placeholders and image anchors in a report
// template. It edits the OOXML parts directly; the template zip is never
// modified.
//
// Placeholders must sit inside a single text run. The template folders this
// renderer ships with are authored that way; a placeholder split across
// runs renders literally and trips the golden tests.
type DocxRenderer struct {
	contract *contract.Contract
	log      *zap.Logger
}

// NewDocxRenderer builds a renderer. log may be nil.
func NewDocxRenderer(c *contract.Contract, log *zap.Logger) *DocxRenderer {
	if log == nil {
		log = zap.NewNop()
	}

	return &DocxRenderer{contract: c, log: log}
}

// DocxRequest is one render invocation.
type DocxRequest struct {
	TemplatePath string
	OutputPath   string

	// Values are the packet fields by canonical key.
	Values map[string]string

	// Images maps slot keys to published derived files. Anchors for slots
	// absent here fall back to BlankImage, then to empty text.
	Images     map[string]string
	BlankImage string

	// ActionID tags warnings; Now and ArtifactID fill the volatile
	// metadata. A zero Now means time.Now, an empty ArtifactID draws a
	// fresh UUID.
	ActionID   string
	Now        time.Time
	ArtifactID string
}

// Render produces the report document.
func (r *DocxRenderer) Render(req DocxRequest) ([]policy.Warning, error) {
	parts, err := readZip(req.TemplatePath)
	if err != nil {
		return nil, policy.Reject(policy.TemplateNotFound,
			policy.Ctx("path", req.TemplatePath),
			policy.Ctx("cause", err.Error()),
		)
	}

	doc, ok := parts["word/document.xml"]
	if !ok {
		return nil, policy.Reject(policy.RenderFailed,
			policy.Ctx("path", req.TemplatePath),
			policy.Ctx("reason", "template has no word/document.xml"),
		)
	}

	if err := r.checkPlaceholders(doc); err != nil {
		return nil, err
	}

	var warnings []policy.Warning

	spliced, media, err := r.substitute(string(doc), req, &warnings)
	if err != nil {
		return nil, err
	}

	parts["word/document.xml"] = []byte(spliced)

	if len(media) > 0 {
		attachMedia(parts, media)
	}

	stampVolatile(parts, req.Now, req.ArtifactID)

	out, err := writeZip(parts)
	if err != nil {
		return nil, fmt.Errorf("assemble document: %w", err)
	}

	if err := fsx.WriteFileAtomic(req.OutputPath, out); err != nil {
		return nil, fmt.Errorf("write document: %w", err)
	}

	r.log.Debug("report document rendered",
		zap.String("path", req.OutputPath),
		zap.Int("images", len(media)))

	return warnings, nil
}

// checkPlaceholders rejects any placeholder name the contract does not
// declare, before touching anything.
func (r *DocxRenderer) checkPlaceholders(doc []byte) error {
	for _, m := range placeholderRE.FindAllSubmatch(doc, -1) {
		name := string(m[1])

		if slot, isPhoto := strings.CutPrefix(name, photoAnchorPrefix); isPhoto {
			if _, ok := r.contract.Slot(slot); !ok {
				return policy.Reject(policy.TemplateUnknownPlaceholder,
					policy.Ctx("placeholder", name),
					policy.Ctx("slot", slot),
				)
			}

			continue
		}

		if _, ok := r.contract.Field(name); !ok {
			return policy.Reject(policy.TemplateUnknownPlaceholder,
				policy.Ctx("placeholder", name),
			)
		}
	}

	return nil
}

// mediaFile is one image to pack into the output document.
type mediaFile struct {
	name  string // file name under word/media/
	relID string
	data  []byte
}

func (r *DocxRenderer) substitute(doc string, req DocxRequest, warnings *[]policy.Warning) (string, []mediaFile, error) {
	var (
		media     []mediaFile
		spliceErr error
	)

	out := placeholderRE.ReplaceAllStringFunc(doc, func(match string) string {
		name := placeholderRE.FindStringSubmatch(match)[1]

		if slot, isPhoto := strings.CutPrefix(name, photoAnchorPrefix); isPhoto {
			splice, mf, err := r.imageSplice(slot, req, len(media))
			if err != nil {
				spliceErr = err

				return match
			}

			if mf != nil {
				media = append(media, *mf)
			}

			return splice
		}

		value, ok := req.Values[name]
		if !ok {
			w := policy.Warn(policy.WarnPlaceholderUnresolved, req.ActionID, name,
				"placeholder has no packet value, rendered empty")
			*warnings = append(*warnings, w)

			return ""
		}

		return xmlText(value)
	})

	if spliceErr != nil {
		return "", nil, spliceErr
	}

	return out, media, nil
}

// imageSplice returns the run splice for one photo anchor. With no image
// and no blank fallback the anchor renders as empty text, which is the
// declared policy for overridden slots.
func (r *DocxRenderer) imageSplice(slot string, req DocxRequest, seq int) (string, *mediaFile, error) {
	path := req.Images[slot]
	if path == "" {
		path = req.BlankImage
	}

	if path == "" {
		return "", nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, policy.Reject(policy.RenderFailed,
			policy.Ctx("slot", slot),
			policy.Ctx("image", path),
			policy.Ctx("cause", err.Error()),
		)
	}

	cx, cy, err := imageExtent(data)
	if err != nil {
		return "", nil, policy.Reject(policy.RenderFailed,
			policy.Ctx("slot", slot),
			policy.Ctx("image", path),
			policy.Ctx("cause", err.Error()),
		)
	}

	mf := &mediaFile{
		name:  fmt.Sprintf("slot_%s%s", slot, strings.ToLower(filepath.Ext(path))),
		relID: fmt.Sprintf("rIdSlot%d", seq+1),
		data:  data,
	}

	return drawingXML(mf.relID, slot, seq+1000, cx, cy), mf, nil
}

const (
	emuPerPixel = 9525
	maxWidthEMU = 5486400 // 6 inches
)

// imageExtent decodes the image header and returns the display extent in
// EMU, capped at the page's usable width.
func imageExtent(data []byte) (int64, int64, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decode image: %w", err)
	}

	cx := int64(cfg.Width) * emuPerPixel
	cy := int64(cfg.Height) * emuPerPixel

	if cx > maxWidthEMU {
		cy = cy * maxWidthEMU / cx
		cx = maxWidthEMU
	}

	return cx, cy, nil
}

// drawingXML closes the current text run and opens a drawing run. All
// drawing namespaces are declared locally so the splice is independent of
// the template's root element.
func drawingXML(relID, slot string, docPrID int, cx, cy int64) string {
	return fmt.Sprintf(`</w:t></w:r><w:r><w:drawing>`+
		`<wp:inline distT="0" distB="0" distL="0" distR="0" xmlns:wp="http://schemas.openxmlformats.org/drawingml/2006/wordprocessingDrawing">`+
		`<wp:extent cx="%[4]d" cy="%[5]d"/>`+
		`<wp:docPr id="%[3]d" name="%[2]s"/>`+
		`<a:graphic xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main">`+
		`<a:graphicData uri="http://schemas.openxmlformats.org/drawingml/2006/picture">`+
		`<pic:pic xmlns:pic="http://schemas.openxmlformats.org/drawingml/2006/picture">`+
		`<pic:nvPicPr><pic:cNvPr id="%[3]d" name="%[2]s"/><pic:cNvPicPr/></pic:nvPicPr>`+
		`<pic:blipFill><a:blip r:embed="%[1]s" xmlns:r="http://schemas.openxmlformats.org/officeDocument/2006/relationships"/><a:stretch><a:fillRect/></a:stretch></pic:blipFill>`+
		`<pic:spPr><a:xfrm><a:off x="0" y="0"/><a:ext cx="%[4]d" cy="%[5]d"/></a:xfrm>`+
		`<a:prstGeom prst="rect"><a:avLst/></a:prstGeom></pic:spPr>`+
		`</pic:pic></a:graphicData></a:graphic></wp:inline></w:drawing></w:r>`+
		`<w:r><w:t xml:space="preserve">`,
		relID, slot, docPrID, cx, cy)
}

// attachMedia adds the image parts, their relationships, and the content
// type defaults to the package.
func attachMedia(parts map[string][]byte, media []mediaFile) {
	for _, mf := range media {
		parts["word/media/"+mf.name] = mf.data
	}

	rels := string(parts["word/_rels/document.xml.rels"])
	if rels == "" {
		rels = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
			`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"></Relationships>`
	}

	var add strings.Builder

	for _, mf := range media {
		fmt.Fprintf(&add,
			`<Relationship Id="%s" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/image" Target="media/%s"/>`,
			mf.relID, mf.name)
	}

	parts["word/_rels/document.xml.rels"] = []byte(strings.Replace(rels, "</Relationships>", add.String()+"</Relationships>", 1))

	types := string(parts["[Content_Types].xml"])

	// Fixed insertion order keeps the output byte-deterministic.
	for _, d := range []struct{ ext, ct string }{
		{"jpg", "image/jpeg"},
		{"jpeg", "image/jpeg"},
		{"png", "image/png"},
	} {
		if !strings.Contains(types, `Extension="`+d.ext+`"`) {
			types = strings.Replace(types,
				"</Types>",
				fmt.Sprintf(`<Default Extension="%s" ContentType="%s"/></Types>`, d.ext, d.ct), 1)
		}
	}

	parts["[Content_Types].xml"] = []byte(types)
}

var (
	createdRE  = regexp.MustCompile(`<dcterms:created[^>]*>[^<]*</dcterms:created>`)
	modifiedRE = regexp.MustCompile(`<dcterms:modified[^>]*>[^<]*</dcterms:modified>`)
)

// stampVolatile rewrites the creation/modification timestamps and embeds
// the per-artifact UUID. These are the only non-deterministic bytes in the
// output; the golden harness normalises them away.
func stampVolatile(parts map[string][]byte, now time.Time, artifactID string) {
	if now.IsZero() {
		now = time.Now()
	}

	if artifactID == "" {
		artifactID = uuid.NewString()
	}

	stamp := now.UTC().Format(time.RFC3339)

	core, ok := parts["docProps/core.xml"]
	if !ok {
		return
	}

	text := string(core)
	text = createdRE.ReplaceAllString(text, `<dcterms:created xsi:type="dcterms:W3CDTF">`+stamp+`</dcterms:created>`)
	text = modifiedRE.ReplaceAllString(text, `<dcterms:modified xsi:type="dcterms:W3CDTF">`+stamp+`</dcterms:modified>`)

	if !strings.Contains(text, "<dc:identifier>") {
		text = strings.Replace(text, "</cp:coreProperties>",
			"<dc:identifier>"+artifactID+"</dc:identifier></cp:coreProperties>", 1)
	}

	parts["docProps/core.xml"] = []byte(text)
}

// xmlText escapes value for a w:t element, turning newlines into explicit
// breaks.
func xmlText(value string) string {
	escaped := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
	).Replace(value)

	return strings.ReplaceAll(escaped, "\n", `</w:t><w:br/><w:t xml:space="preserve">`)
}

func readZip(path string) (map[string][]byte, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	parts := make(map[string][]byte, len(zr.File))

	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %q: %w", f.Name, err)
		}

		data, readErr := io.ReadAll(rc)
		closeErr := rc.Close()

		if readErr != nil {
			return nil, fmt.Errorf("read %q: %w", f.Name, readErr)
		}

		if closeErr != nil {
			return nil, closeErr
		}

		parts[f.Name] = data
	}

	return parts, nil
}

func writeZip(parts map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	// Stable entry order keeps the output byte-deterministic.
	names := make([]string, 0, len(parts))
	for name := range parts {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			return nil, err
		}

		if _, err := w.Write(parts[name]); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
