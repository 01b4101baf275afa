package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/qcgen/qcgen/internal/contract"
	"github.com/qcgen/qcgen/internal/intake"
	"github.com/qcgen/qcgen/internal/packet"
	"github.com/qcgen/qcgen/internal/pipeline"
	"github.com/qcgen/qcgen/internal/providers"
)

// extractionTemplate is the built-in field extraction prompt. The document
// text is the only variable; the field list comes from the loaded contract.
const (
	extractionTemplateID      = "field_extraction"
	extractionTemplateVersion = "1"
	extractionTemplate        = `Extract the inspection fields from the document below.
Respond with a single JSON object mapping field keys to string values.
Use null for fields the document does not mention. Known fields: {{fields}}

Document:
{{document}}`
)

// cmdIntake runs an interactive session: optional provider extraction from a
// document, then a prompt per contract field, then an optional pipeline run.
// Every turn is persisted to the append-only session file as it happens.
func (a *app) cmdIntake(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("intake", flag.ContinueOnError)
	fs.SetOutput(a.errOut)

	fromText := fs.String("from-text", "", "document to extract fields from")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: qcgen intake <job-dir> [--from-text <file>]")
	}

	jobDir := fs.Arg(0)

	p, cfg, c, err := a.loadStack(ctx)
	if err != nil {
		return err
	}

	st := intake.NewStore(cfg.RawStorageLevel, cfg.MaxRawBytes)

	sess, sessionPath, err := openSession(st, jobDir)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "session %s\n", sess.SessionID)

	if *fromText != "" {
		if err := a.extractFromDocument(ctx, st, c, sessionPath, *fromText); err != nil {
			return err
		}
	}

	line := liner.NewLiner()
	defer func() { _ = line.Close() }()

	line.SetCtrlCAborts(true)

	fields, err := a.promptFields(st, c, sessionPath, line)
	if err != nil {
		return err
	}

	answer, err := line.Prompt("start run now? [y/N] ")
	if err != nil || !strings.EqualFold(strings.TrimSpace(answer), "y") {
		fmt.Fprintf(a.out, "session saved at %s\n", sessionPath)

		return nil
	}

	out, runErr := p.Run(ctx, pipeline.Request{
		JobDir: jobDir,
		Raw:    packet.RawPacket{Fields: fields},
		User:   a.user,
	})

	a.printRecord(out)

	return runErr
}

// sessionFile is the intake session's place in the job directory layout.
const sessionFile = "intake_session.json"

func sessionPathFor(jobDir string) string {
	return filepath.Join(jobDir, "inputs", sessionFile)
}

// openSession resumes the job's session, or creates it on first intake.
func openSession(st *intake.Store, jobDir string) (*intake.Session, string, error) {
	path := sessionPathFor(jobDir)

	sess, err := st.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		sess, err = st.Create(path)
	}

	if err != nil {
		return nil, "", err
	}

	return sess, path, nil
}

// extractFromDocument calls the configured provider and records the
// extraction in the session. Never runs under any job lock.
func (a *app) extractFromDocument(ctx context.Context, st *intake.Store, c *contract.Contract, sessionPath, docPath string) error {
	extractor, _ := a.providersFromEnv(ctx)
	if extractor == nil {
		return errors.New("intake: --from-text requires GEMINI_API_KEY or ANTHROPIC_API_KEY")
	}

	doc, err := os.ReadFile(docPath)
	if err != nil {
		return fmt.Errorf("read document %q: %w", docPath, err)
	}

	keys := make([]string, 0, len(c.Fields))
	for _, f := range c.Fields {
		keys = append(keys, f.Key)
	}

	ex, err := extractor.ExtractFields(ctx, providers.ExtractRequest{
		TemplateID:      extractionTemplateID,
		TemplateVersion: extractionTemplateVersion,
		Template:        extractionTemplate,
		Vars: map[string]string{
			"fields":   strings.Join(keys, ", "),
			"document": string(doc),
		},
	})
	if err != nil {
		return err
	}

	if err := st.SetExtraction(sessionPath, ex); err != nil {
		return err
	}

	fmt.Fprintf(a.out, "extracted %d fields via %s\n", len(ex.Fields), ex.Provider)

	return nil
}

// promptFields walks the contract fields in order. An empty answer keeps the
// extracted value; anything else lands in the session as a correction.
func (a *app) promptFields(st *intake.Store, c *contract.Contract, sessionPath string, line *liner.State) (map[string]string, error) {
	sess, err := st.Load(sessionPath)
	if err != nil {
		return nil, err
	}

	current := sess.FinalFields()

	for _, spec := range c.Fields {
		label := spec.Key
		if spec.Importance == contract.Critical {
			label += "*"
		}

		answer, err := line.Prompt(fmt.Sprintf("%s [%s]: ", label, current[spec.Key]))
		if errors.Is(err, liner.ErrPromptAborted) {
			return nil, errors.New("intake aborted")
		}

		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}

		answer = strings.TrimSpace(answer)
		if answer == "" {
			continue
		}

		if err := st.AppendMessage(sessionPath, "operator", spec.Key+": "+answer); err != nil {
			return nil, err
		}

		if err := st.SetCorrection(sessionPath, spec.Key, answer); err != nil {
			return nil, err
		}

		current[spec.Key] = answer
	}

	return current, nil
}
