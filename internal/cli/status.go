package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	flag "github.com/spf13/pflag"

	"github.com/qcgen/qcgen/internal/deliver"
	"github.com/qcgen/qcgen/internal/job"
	"github.com/qcgen/qcgen/internal/runlog"
)

// jobStatus is the combined view the status command renders.
type jobStatus struct {
	Identity     *job.Identity     `json:"identity,omitempty"`
	Runs         []runlog.Record   `json:"runs"`
	Deliverables *deliver.Manifest `json:"deliverables,omitempty"`
}

func (a *app) cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(a.errOut)

	asJSON := fs.Bool("json", false, "emit JSON")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: qcgen status <job-dir> [--json]")
	}

	jobDir := fs.Arg(0)

	status, err := collectStatus(jobDir)
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")

		return enc.Encode(status)
	}

	if status.Identity == nil {
		fmt.Fprintln(a.out, "job:    (no identity yet)")
	} else {
		fmt.Fprintf(a.out, "job:    %s (wo %s, line %s, created %s)\n",
			status.Identity.JobID, status.Identity.WoNo, status.Identity.Line, status.Identity.CreatedAt)
	}

	for _, rec := range status.Runs {
		line := fmt.Sprintf("run:    %s %s %s", rec.StartedAt, rec.RunID, rec.Result)
		if rec.RejectReason != "" {
			line += " (" + rec.RejectReason + ")"
		}

		fmt.Fprintln(a.out, line)
	}

	if status.Deliverables != nil {
		for _, item := range status.Deliverables.Items {
			fmt.Fprintf(a.out, "deliverable: %s (%d bytes)\n", item.RelativePath, item.Size)
		}
	}

	return nil
}

func collectStatus(jobDir string) (*jobStatus, error) {
	status := &jobStatus{Runs: []runlog.Record{}}

	if data, err := os.ReadFile(filepath.Join(jobDir, job.IdentityFile)); err == nil {
		var id job.Identity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, fmt.Errorf("parse %s: %w", job.IdentityFile, err)
		}

		status.Identity = &id
	}

	entries, err := os.ReadDir(filepath.Join(jobDir, "logs"))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(jobDir, "logs", entry.Name()))
		if err != nil {
			return nil, err
		}

		var rec runlog.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue // a torn record must not hide the rest
		}

		status.Runs = append(status.Runs, rec)
	}

	sort.Slice(status.Runs, func(i, j int) bool {
		return status.Runs[i].StartedAt < status.Runs[j].StartedAt
	})

	if m, err := deliver.NewPackager(jobDir).ReadManifest(); err == nil {
		status.Deliverables = &m
	}

	return status, nil
}
