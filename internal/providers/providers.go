// Package providers adapts the external LLM and OCR services behind two
// small interfaces. Callers never see provider SDK types; they get the
// extracted fields plus the audit metadata the intake session records.
//
// No caller may hold the job-directory lock across a provider call.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/qcgen/qcgen/internal/intake"
)

// FieldExtractor turns free-form chat text into contract fields.
type FieldExtractor interface {
	ExtractFields(ctx context.Context, req ExtractRequest) (intake.Extraction, error)
}

// OCRRunner extracts text from an image file. It satisfies the photo
// engine's probe interface.
type OCRRunner interface {
	Probe(ctx context.Context, path string) (string, error)
}

// ExtractRequest carries the prompt template and its variables separately so
// the session can redact user content without losing template identity.
type ExtractRequest struct {
	TemplateID      string
	TemplateVersion string
	Template        string
	Vars            map[string]string
}

// RenderPrompt substitutes {{name}} variables into the template.
func RenderPrompt(req ExtractRequest) string {
	out := req.Template

	for name, value := range req.Vars {
		out = strings.ReplaceAll(out, "{{"+name+"}}", value)
	}

	return out
}

// ParseFieldsJSON pulls the field map out of a model response. Responses
// arrive as JSON, frequently wrapped in markdown code fences or prose; the
// parser takes the outermost object literal.
func ParseFieldsJSON(text string) (map[string]string, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')

	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("parse response JSON: %w", err)
	}

	fields := make(map[string]string, len(raw))

	for key, value := range raw {
		switch v := value.(type) {
		case nil:
			continue
		case string:
			fields[key] = v
		case json.Number:
			fields[key] = v.String()
		default:
			fields[key] = fmt.Sprint(v)
		}
	}

	return fields, nil
}

// MimeType maps an image extension to its media type.
func MimeType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// ocrPrompt asks for a verbatim transcription; the slot engine only greps
// the result for keywords.
const ocrPrompt = "Transcribe every piece of visible text in this image verbatim, one item per line. Output only the transcription."
