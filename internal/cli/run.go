package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/qcgen/qcgen/internal/override"
	"github.com/qcgen/qcgen/internal/packet"
	"github.com/qcgen/qcgen/internal/pipeline"
	"github.com/qcgen/qcgen/internal/policy"
)

// packetFile is the JSONC document the run command consumes: the raw packet
// plus any pre-approved overrides.
type packetFile struct {
	Fields       map[string]string       `json:"fields"`
	Measurements []packet.RawMeasurement `json:"measurements"`

	FieldOverrides map[string]overrideSpec `json:"field_overrides"`
	SlotOverrides  map[string]overrideSpec `json:"slot_overrides"`
}

type overrideSpec struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func loadPacketFile(path string) (*packetFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read packet %q: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("packet %q: invalid JSONC: %w", path, err)
	}

	var pf packetFile
	if err := json.Unmarshal(standardized, &pf); err != nil {
		return nil, fmt.Errorf("packet %q: %w", path, err)
	}

	return &pf, nil
}

func toReasons(specs map[string]overrideSpec) map[string]override.Reason {
	if len(specs) == 0 {
		return nil
	}

	out := make(map[string]override.Reason, len(specs))

	for key, spec := range specs {
		out[key] = override.Reason{Code: override.ReasonCode(spec.Code), Detail: spec.Detail}
	}

	return out
}

func (a *app) cmdRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(a.errOut)

	packetPath := fs.StringP("packet", "p", "", "packet file (required)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: qcgen run <job-dir> --packet <file>")
	}

	if *packetPath == "" {
		return fmt.Errorf("run: --packet is required")
	}

	jobDir := fs.Arg(0)

	pf, err := loadPacketFile(*packetPath)
	if err != nil {
		return err
	}

	p, _, _, err := a.loadStack(ctx)
	if err != nil {
		return err
	}

	out, err := p.Run(ctx, pipeline.Request{
		JobDir:         jobDir,
		Raw:            packet.RawPacket{Fields: pf.Fields, Measurements: pf.Measurements},
		FieldOverrides: toReasons(pf.FieldOverrides),
		SlotOverrides:  toReasons(pf.SlotOverrides),
		User:           a.user,
	})

	a.printRecord(out)

	if err != nil {
		if re, ok := policy.AsReject(err); ok {
			return fmt.Errorf("run rejected: %s", re.Code)
		}

		return err
	}

	return nil
}

func (a *app) printRecord(out *pipeline.Outcome) {
	if out == nil {
		return
	}

	rec := out.Record

	fmt.Fprintf(a.out, "run:    %s\n", rec.RunID)
	fmt.Fprintf(a.out, "result: %s\n", rec.Result)

	if rec.JobID != "" {
		fmt.Fprintf(a.out, "job:    %s\n", rec.JobID)
	}

	if rec.RejectReason != "" {
		fmt.Fprintf(a.out, "reason: %s\n", rec.RejectReason)

		for k, v := range rec.RejectContext {
			fmt.Fprintf(a.out, "  %s: %s\n", k, v)
		}
	}

	for _, w := range rec.Warnings {
		fmt.Fprintf(a.out, "warning: %s %s (%s)\n", w.Code, w.FieldOrSlot, w.Message)
	}

	if out.RecordPath != "" {
		fmt.Fprintf(a.out, "record: %s\n", out.RecordPath)
	}

	for _, item := range out.Manifest.Items {
		fmt.Fprintf(a.out, "deliverable: %s (%d bytes)\n", item.RelativePath, item.Size)
	}
}
