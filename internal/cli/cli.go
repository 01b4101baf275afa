// Package cli implements the qcgen command line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/qcgen/qcgen/internal/contract"
	"github.com/qcgen/qcgen/internal/intake"
	"github.com/qcgen/qcgen/internal/pipeline"
	"github.com/qcgen/qcgen/internal/providers"
)

const usage = `qcgen - inspection report generator

Usage:
  qcgen [flags] <command> [args]

Commands:
  run <job-dir> --packet <file>   Run the pipeline over a packet file
  intake <job-dir>                Interactive intake session
  status <job-dir> [--json]       Show job identity, runs, deliverables
  purge <job-dir>                 Apply trash retention to a job directory
  print-config                    Show the effective configuration

Flags:
  -c, --config <path>     config file (default qcgen.jsonc)
      --contract <path>   field contract (default field_contract.jsonc)
      --user <name>       operator recorded on overrides (default $USER)
  -v, --verbose           increase log verbosity (-v info, -vv debug)
`

// app carries the resolved invocation context through the subcommands.
type app struct {
	stdin  io.Reader
	out    io.Writer
	errOut io.Writer
	env    map[string]string
	log    *zap.Logger

	configPath   string
	contractPath string
	user         string
}

// Run is the main entry point. Returns the process exit code.
func Run(stdin io.Reader, out, errOut io.Writer, args []string, env map[string]string, sig <-chan os.Signal) int {
	fs := flag.NewFlagSet("qcgen", flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.SetInterspersed(false)

	var (
		configPath   = fs.StringP("config", "c", "qcgen.jsonc", "config file")
		contractPath = fs.String("contract", "field_contract.jsonc", "field contract")
		user         = fs.String("user", env["USER"], "operator recorded on overrides")
		verbose      = fs.CountP("verbose", "v", "increase log verbosity")
	)

	fs.Usage = func() { fmt.Fprint(errOut, usage) }

	if err := fs.Parse(args[1:]); err != nil {
		if err == flag.ErrHelp {
			return 0
		}

		return 1
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprint(out, usage)

		return 0
	}

	log := buildLogger(*verbose, errOut)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
	}()

	a := &app{
		stdin:        stdin,
		out:          out,
		errOut:       errOut,
		env:          env,
		log:          log,
		configPath:   *configPath,
		contractPath: *contractPath,
		user:         *user,
	}

	var err error

	switch cmd, cmdArgs := rest[0], rest[1:]; cmd {
	case "run":
		err = a.cmdRun(ctx, cmdArgs)
	case "intake":
		err = a.cmdIntake(ctx, cmdArgs)
	case "status":
		err = a.cmdStatus(cmdArgs)
	case "purge":
		err = a.cmdPurge(ctx, cmdArgs)
	case "print-config":
		err = a.cmdPrintConfig()
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
	default:
		fmt.Fprintln(errOut, "error: unknown command:", cmd)
		fmt.Fprint(errOut, usage)

		return 1
	}

	if err != nil {
		fmt.Fprintln(errOut, "error:", err)

		return 1
	}

	return 0
}

// buildLogger writes human-readable logs to errOut. Warn by default, -v for
// info, -vv for debug.
func buildLogger(verbose int, errOut io.Writer) *zap.Logger {
	level := zapcore.WarnLevel

	switch {
	case verbose >= 2:
		level = zapcore.DebugLevel
	case verbose == 1:
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(errOut),
		level,
	)

	return zap.New(core)
}

// loadStack resolves config and contract and assembles the pipeline.
func (a *app) loadStack(ctx context.Context) (*pipeline.Pipeline, pipeline.Config, *contract.Contract, error) {
	cfg, err := pipeline.LoadConfig(a.configPath)
	if err != nil {
		return nil, pipeline.Config{}, nil, err
	}

	c, err := contract.Load(a.contractPath)
	if err != nil {
		return nil, pipeline.Config{}, nil, err
	}

	_, ocr := a.providersFromEnv(ctx)

	return pipeline.New(cfg, c, ocr, a.log), cfg, c, nil
}

// Model defaults for the two supported providers; overridable via env.
const (
	defaultGeminiModel    = "gemini-2.0-flash"
	defaultAnthropicModel = "claude-sonnet-4-5"
)

// providersFromEnv picks the extraction and OCR backend from the
// environment. Gemini wins when both keys are set; no key means both
// capabilities are off.
func (a *app) providersFromEnv(ctx context.Context) (providers.FieldExtractor, providers.OCRRunner) {
	params := intake.CallParams{Temperature: 0, MaxTokens: 1024}

	if key := a.env["GEMINI_API_KEY"]; key != "" {
		model := a.env["QCGEN_GEMINI_MODEL"]
		if model == "" {
			model = defaultGeminiModel
		}

		g, err := providers.NewGemini(ctx, key, model, params, a.log)
		if err != nil {
			a.log.Warn("gemini client unavailable", zap.Error(err))
		} else {
			return g, g
		}
	}

	if key := a.env["ANTHROPIC_API_KEY"]; key != "" {
		model := a.env["QCGEN_ANTHROPIC_MODEL"]
		if model == "" {
			model = defaultAnthropicModel
		}

		an := providers.NewAnthropic(key, model, params, a.log)

		return an, an
	}

	return nil, nil
}

func (a *app) cmdPrintConfig() error {
	cfg, err := pipeline.LoadConfig(a.configPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "config:              %s\n", a.configPath)
	fmt.Fprintf(a.out, "contract:            %s\n", a.contractPath)
	fmt.Fprintf(a.out, "jobs_root:           %s\n", cfg.JobsRoot)
	fmt.Fprintf(a.out, "template_dir:        %s\n", cfg.TemplateDir)
	fmt.Fprintf(a.out, "lock_retry_interval: %s\n", cfg.LockRetryInterval)
	fmt.Fprintf(a.out, "lock_max_retries:    %d\n", cfg.LockMaxRetries)
	fmt.Fprintf(a.out, "raw_storage_level:   %s\n", cfg.RawStorageLevel)
	fmt.Fprintf(a.out, "generate_pdf:        %t\n", cfg.GeneratePDF)

	return nil
}
