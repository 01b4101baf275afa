package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qcgen/qcgen/internal/contract"
	"github.com/qcgen/qcgen/internal/deliver"
	"github.com/qcgen/qcgen/internal/fingerprint"
	"github.com/qcgen/qcgen/internal/job"
	"github.com/qcgen/qcgen/internal/override"
	"github.com/qcgen/qcgen/internal/packet"
	"github.com/qcgen/qcgen/internal/photos"
	"github.com/qcgen/qcgen/internal/policy"
	"github.com/qcgen/qcgen/internal/render"
	"github.com/qcgen/qcgen/internal/runlog"
	"github.com/qcgen/qcgen/internal/validate"
)

// Field keys the job identity is derived from.
const (
	fieldWorkOrder = "wo_no"
	fieldLine      = "line"
)

// Pipeline runs one packet end to end against a loaded contract.
type Pipeline struct {
	cfg      Config
	contract *contract.Contract
	norm     *packet.Normalizer
	valid    *validate.Validator
	fp       *fingerprint.Engine
	photos   *photos.Engine
	docx     *render.DocxRenderer
	xlsx     *render.XlsxRenderer
	jobs     *job.Store
	log      *zap.Logger
}

// New assembles a Pipeline. ocr may be nil to disable keyword verification;
// log may be nil.
func New(cfg Config, c *contract.Contract, ocr photos.OCRProbe, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}

	return &Pipeline{
		cfg:      cfg,
		contract: c,
		norm:     packet.NewNormalizer(c, log),
		valid:    validate.New(c),
		fp:       fingerprint.New(c),
		photos:   photos.NewEngine(c, ocr, log),
		docx:     render.NewDocxRenderer(c, log),
		xlsx:     render.NewXlsxRenderer(log),
		jobs:     job.NewStore(cfg.LockRetryInterval, cfg.LockMaxRetries),
		log:      log,
	}
}

// Request is one run over a job directory.
type Request struct {
	JobDir string

	Raw packet.RawPacket

	// Overrides are keyed by canonical field key / slot key.
	FieldOverrides map[string]override.Reason
	SlotOverrides  map[string]override.Reason

	User string
}

// Outcome is a finished run: the persisted record plus, on success, the
// established identity and the deliverables manifest.
type Outcome struct {
	Identity   job.Identity
	Record     runlog.Record
	RecordPath string
	Manifest   deliver.Manifest
}

// Run executes the pipeline. Every exit path, success or reject, writes a run
// record under the job directory before returning; the record is available on
// the Outcome either way.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Outcome, error) {
	startedAt := time.Now()
	runID := job.NewRunID(startedAt)
	b := runlog.NewBuilder(runID, p.contract.Version, startedAt)

	out, runErr := p.run(ctx, req, runID, startedAt, b)
	if out == nil {
		out = &Outcome{}
	}

	if runErr != nil {
		out.Record = b.Rejected(runErr, time.Now())
	} else {
		out.Record = b.Success(time.Now())
	}

	path, err := runlog.Write(req.JobDir, out.Record)
	if err != nil {
		p.log.Error("run record not persisted",
			zap.String("run_id", runID), zap.Error(err))

		if runErr == nil {
			return out, err
		}
	}

	out.RecordPath = path

	return out, runErr
}

// run is the stage machine proper. Stages before the lock are read-only;
// everything that mutates the job directory happens between Acquire and
// Release.
func (p *Pipeline) run(ctx context.Context, req Request, runID string, startedAt time.Time, b *runlog.Builder) (*Outcome, error) {
	stageCtx, cancel := p.stageContext(ctx)
	defer cancel()

	norm, err := p.norm.Normalize(req.Raw, runID)
	if err != nil {
		return nil, err
	}

	b.Warn(norm.Warnings...)

	vout, err := p.valid.Check(norm, req.FieldOverrides, runID, req.User)
	if err != nil {
		return nil, err
	}

	b.Warn(vout.Warnings...)
	b.Override(vout.Overrides...)

	layout := photos.NewLayout(filepath.Join(req.JobDir, "photos"))

	// Hashing and photo matching are both pure reads, so they run in
	// parallel before the lock is taken.
	var (
		fp            fingerprint.Fingerprint
		matches       map[string]photos.Match
		matchWarnings []policy.Warning
	)

	g, gctx := errgroup.WithContext(stageCtx)

	g.Go(func() error {
		var err error

		fp, err = p.fp.Hash(norm)

		return err
	})

	g.Go(func() error {
		var err error

		matches, matchWarnings, err = p.photos.Matches(gctx, layout.Raw, runID)

		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	b.Hashes(fp.PacketHash, fp.PacketFullHash, fp.HashVersion)
	b.Warn(matchWarnings...)

	lock, err := p.jobs.Acquire(stageCtx, req.JobDir)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	identity, created, err := p.jobs.EnsureLocked(req.JobDir, norm.Field(fieldWorkOrder), norm.Field(fieldLine))
	if err != nil {
		return nil, err
	}

	b.JobID(identity.JobID)

	if created {
		p.log.Info("job identity established",
			zap.String("job_id", identity.JobID), zap.String("job_dir", req.JobDir))
	}

	out := &Outcome{Identity: identity}

	pres, perr := p.photos.Process(layout, matches, req.SlotOverrides, runID, req.User, startedAt)
	if pres != nil {
		b.Photos(pres.Entries...)
		b.Override(pres.Overrides...)
		b.Warn(pres.Warnings...)
	}

	if perr != nil {
		return out, perr
	}

	manifest, err := p.renderAndDeliver(stageCtx, req, norm, pres, identity, runID, startedAt, b)
	if err != nil {
		return out, err
	}

	out.Manifest = manifest

	return out, nil
}

// renderAndDeliver renders both artifacts into a scratch directory, then
// stages them into deliverables/ and writes the download manifest. Runs under
// the job-directory lock.
func (p *Pipeline) renderAndDeliver(ctx context.Context, req Request, norm *packet.NormalizedPacket, pres *photos.Result, identity job.Identity, runID string, startedAt time.Time, b *runlog.Builder) (deliver.Manifest, error) {
	tm, err := render.LoadManifest(p.cfg.TemplateDir)
	if err != nil {
		return deliver.Manifest{}, err
	}

	values := make(map[string]string, len(norm.Fields))

	for key, value := range norm.Fields {
		if value != nil {
			values[key] = *value
		}
	}

	images := make(map[string]string)

	for _, entry := range pres.Entries {
		if entry.Action == "mapped" {
			images[entry.SlotKey] = entry.DerivedPath
		}
	}

	scratch, err := os.MkdirTemp("", "qcgen-render-*")
	if err != nil {
		return deliver.Manifest{}, fmt.Errorf("render scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	blank := ""
	if tm.BlankImage != "" {
		blank = filepath.Join(p.cfg.TemplateDir, tm.BlankImage)
	}

	docxOut := filepath.Join(scratch, "report.docx")

	warnings, err := p.docx.Render(render.DocxRequest{
		TemplatePath: filepath.Join(p.cfg.TemplateDir, tm.Report),
		OutputPath:   docxOut,
		Values:       values,
		Images:       images,
		BlankImage:   blank,
		ActionID:     runID,
		Now:          startedAt,
	})
	if err != nil {
		return deliver.Manifest{}, err
	}

	b.Warn(warnings...)

	xlsxOut := filepath.Join(scratch, "workbook.xlsx")

	warnings, err = p.xlsx.Render(render.XlsxRequest{
		TemplatePath: filepath.Join(p.cfg.TemplateDir, tm.Workbook),
		OutputPath:   xlsxOut,
		Values:       values,
		Measurements: norm.Measurements,
		Manifest:     tm,
		ActionID:     runID,
		Now:          startedAt,
	})
	if err != nil {
		return deliver.Manifest{}, err
	}

	b.Warn(warnings...)

	artifacts := map[string]string{
		"report.docx":   docxOut,
		"workbook.xlsx": xlsxOut,
	}

	if p.cfg.GeneratePDF {
		pdfOut, err := convertPDF(ctx, docxOut, scratch)
		if err != nil {
			// PDF export depends on an external converter; its absence
			// degrades the deliverable set, not the run.
			b.Warn(policy.Warn(policy.WarnPDFConversionFailed, runID, "report.pdf",
				"pdf conversion unavailable: "+err.Error()))

			p.log.Warn("pdf conversion failed", zap.Error(err))
		} else {
			artifacts["report.pdf"] = pdfOut
		}
	}

	pkgr := deliver.NewPackager(req.JobDir)

	items := make([]deliver.Item, 0, len(artifacts))

	for _, name := range []string{"report.docx", "workbook.xlsx", "report.pdf"} {
		src, ok := artifacts[name]
		if !ok {
			continue
		}

		item, err := pkgr.Stage(src, name)
		if err != nil {
			return deliver.Manifest{}, err
		}

		items = append(items, item)
	}

	m := deliver.Manifest{RunID: runID, JobID: identity.JobID, Items: items}

	if err := pkgr.WriteManifest(m); err != nil {
		return deliver.Manifest{}, err
	}

	return m, nil
}

// Purge applies trash retention to one job directory under its lock.
func (p *Pipeline) Purge(ctx context.Context, jobDir string, now time.Time) (*photos.PurgeReport, error) {
	lock, err := p.jobs.Acquire(ctx, jobDir)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	layout := photos.NewLayout(filepath.Join(jobDir, "photos"))

	return p.photos.Purge(layout, p.retention(), now)
}

// retention resolves the effective trash policy, config over contract.
func (p *Pipeline) retention() contract.Retention {
	if p.cfg.Retention != nil {
		return *p.cfg.Retention
	}

	return p.contract.Trash
}

func (p *Pipeline) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.StageTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, p.cfg.StageTimeout)
}

// convertPDF shells out to LibreOffice for the optional PDF deliverable.
func convertPDF(ctx context.Context, docxPath, outDir string) (string, error) {
	cmd := exec.CommandContext(ctx, "soffice", "--headless", "--convert-to", "pdf", "--outdir", outDir, docxPath)

	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("soffice: %v: %s", err, out)
	}

	pdf := filepath.Join(outDir, "report.pdf")

	if _, err := os.Stat(pdf); err != nil {
		return "", fmt.Errorf("converter produced no output: %w", err)
	}

	return pdf, nil
}
