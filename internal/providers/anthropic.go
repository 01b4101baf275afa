package providers

import (
	"context"
	"encoding/base64"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/qcgen/qcgen/internal/intake"
	"github.com/qcgen/qcgen/internal/policy"
)

// Anthropic backs field extraction and the OCR probe with the Messages API.
type Anthropic struct {
	client anthropic.Client
	model  string
	params intake.CallParams
	log    *zap.Logger
}

// NewAnthropic builds the adapter. log may be nil.
func NewAnthropic(apiKey, model string, params intake.CallParams, log *zap.Logger) *Anthropic {
	if log == nil {
		log = zap.NewNop()
	}

	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		params: params,
		log:    log,
	}
}

// ExtractFields renders the prompt, calls the model, and parses the field
// map from the response.
func (a *Anthropic) ExtractFields(ctx context.Context, req ExtractRequest) (intake.Extraction, error) {
	prompt := RenderPrompt(req)

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   int64(a.params.MaxTokens),
		Temperature: anthropic.Float(a.params.Temperature),
		TopP:        anthropic.Float(a.params.TopP),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return intake.Extraction{}, policy.Reject(policy.ExtractionFailed,
			policy.Ctx("provider", "anthropic"),
			policy.Ctx("model", a.model),
			policy.Ctx("cause", err.Error()),
		)
	}

	text := messageText(msg)

	fields, err := ParseFieldsJSON(text)
	if err != nil {
		return intake.Extraction{}, policy.Reject(policy.ExtractionFailed,
			policy.Ctx("provider", "anthropic"),
			policy.Ctx("cause", err.Error()),
		)
	}

	a.log.Debug("anthropic extraction complete",
		zap.String("model_served", string(msg.Model)),
		zap.Int("fields", len(fields)))

	return intake.Extraction{
		Provider:       "anthropic",
		ModelRequested: a.model,
		ModelServed:    string(msg.Model),
		CallParams:     a.params,
		RequestID:      msg.ID,
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
func (a *Anthropic) Probe(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", policy.Reject(policy.OCRFailed,
			policy.Ctx("path", path),
			policy.Ctx("cause", err.Error()),
		)
	}

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(a.params.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(MimeType(path), base64.StdEncoding.EncodeToString(data)),
				anthropic.NewTextBlock(ocrPrompt),
			),
		},
	})
	if err != nil {
		return "", policy.Reject(policy.OCRFailed,
			policy.Ctx("path", path),
			policy.Ctx("provider", "anthropic"),
			policy.Ctx("cause", err.Error()),
		)
	}

	return messageText(msg), nil
}

func messageText(msg *anthropic.Message) string {
	var b strings.Builder

	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}

	return b.String()
}
