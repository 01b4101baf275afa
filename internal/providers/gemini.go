package providers

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/qcgen/qcgen/internal/intake"
	"github.com/qcgen/qcgen/internal/policy"
)

// Gemini backs both field extraction and the OCR probe with the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
	params intake.CallParams
	log    *zap.Logger
}

// NewGemini dials the Gemini API. log may be nil.
func NewGemini(ctx context.Context, apiKey, model string, params intake.CallParams, log *zap.Logger) (*Gemini, error) {
	if log == nil {
		log = zap.NewNop()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	return &Gemini{client: client, model: model, params: params, log: log}, nil
}

// ExtractFields renders the prompt, calls the model, and parses the field
// map from the response. The returned extraction carries the full audit
// surface; the intake store applies the raw-storage policy on write.
func (g *Gemini) ExtractFields(ctx context.Context, req ExtractRequest) (intake.Extraction, error) {
	prompt := RenderPrompt(req)

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(g.params.Temperature)),
		TopP:            genai.Ptr(float32(g.params.TopP)),
		MaxOutputTokens: int32(g.params.MaxTokens),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return intake.Extraction{}, policy.Reject(policy.ExtractionFailed,
			policy.Ctx("provider", "gemini"),
			policy.Ctx("model", g.model),
			policy.Ctx("cause", err.Error()),
		)
	}

	text := resp.Text()

	fields, err := ParseFieldsJSON(text)
	if err != nil {
		return intake.Extraction{}, policy.Reject(policy.ExtractionFailed,
			policy.Ctx("provider", "gemini"),
			policy.Ctx("cause", err.Error()),
		)
	}

	g.log.Debug("gemini extraction complete",
		zap.String("model_served", resp.ModelVersion),
		zap.Int("fields", len(fields)))

	return intake.Extraction{
		Provider:       "gemini",
		ModelRequested: g.model,
		ModelServed:    resp.ModelVersion,
		CallParams:     g.params,
		RequestID:      resp.ResponseID,
		TemplateID:     req.TemplateID,
		TemplateVer:    req.TemplateVersion,
		PromptVars:     req.Vars,
		RenderedPrompt: prompt,
		PromptHash:     intake.HashText(prompt),
		Fields:         fields,
		RawResponse:    text,
	}, nil
}

// Probe runs the OCR transcription prompt over one image.
func (g *Gemini) Probe(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", policy.Reject(policy.OCRFailed,
			policy.Ctx("path", path),
			policy.Ctx("cause", err.Error()),
		)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(data, MimeType(path)),
			genai.NewPartFromText(ocrPrompt),
		}, genai.RoleUser),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", policy.Reject(policy.OCRFailed,
			policy.Ctx("path", path),
			policy.Ctx("provider", "gemini"),
			policy.Ctx("cause", err.Error()),
		)
	}

	return resp.Text(), nil
}
