// Package runlog builds and persists the per-run structured record, one per
// pipeline attempt, success or reject.
package runlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"

	"github.com/qcgen/qcgen/internal/job"
	"github.com/qcgen/qcgen/internal/override"
	"github.com/qcgen/qcgen/internal/photos"
	"github.com/qcgen/qcgen/internal/policy"
)

// Record is the on-disk run record. Raw provider payloads never appear
// here; they live in the intake session only.
type Record struct {
	RunID      string `json:"run_id"`
	JobID      string `json:"job_id,omitempty"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`

	Result        string            `json:"result"` // success or rejected
	RejectReason  string            `json:"reject_reason,omitempty"`
	RejectContext map[string]string `json:"reject_context,omitempty"`

	PacketHash     string `json:"packet_hash,omitempty"`
	PacketFullHash string `json:"packet_full_hash,omitempty"`

	Warnings        []policy.Warning       `json:"warnings"`
	Overrides       []override.Application `json:"overrides"`
	PhotoProcessing []photos.Entry         `json:"photo_processing"`

	DefinitionVersion string `json:"definition_version"`
	SchemaVersion     int    `json:"schema_version"`
	HashVersion       string `json:"packet_hash_version,omitempty"`
}

// Builder accumulates a record across pipeline stages.
type Builder struct {
	rec Record
}

// NewBuilder starts a record for one run attempt.
func NewBuilder(runID, definitionVersion string, startedAt time.Time) *Builder {
	return &Builder{rec: Record{
		RunID:             runID,
		StartedAt:         startedAt.UTC().Format(time.RFC3339),
		Warnings:          []policy.Warning{},
		Overrides:         []override.Application{},
		PhotoProcessing:   []photos.Entry{},
		DefinitionVersion: definitionVersion,
		SchemaVersion:     job.SchemaVersion,
	}}
}

// JobID records the job identity once established.
func (b *Builder) JobID(id string) *Builder {
	b.rec.JobID = id

	return b
}

// Hashes records the packet fingerprints.
func (b *Builder) Hashes(packetHash, fullHash, version string) *Builder {
	b.rec.PacketHash = packetHash
	b.rec.PacketFullHash = fullHash
	b.rec.HashVersion = version

	return b
}

// Warn appends warnings.
func (b *Builder) Warn(ws ...policy.Warning) *Builder {
	b.rec.Warnings = append(b.rec.Warnings, ws...)

	return b
}

// Override appends override applications.
func (b *Builder) Override(apps ...override.Application) *Builder {
	b.rec.Overrides = append(b.rec.Overrides, apps...)

	return b
}

// Photos appends photo processing entries.
func (b *Builder) Photos(entries ...photos.Entry) *Builder {
	b.rec.PhotoProcessing = append(b.rec.PhotoProcessing, entries...)

	return b
}

// Success finalises the record as successful.
func (b *Builder) Success(finishedAt time.Time) Record {
	b.rec.Result = "success"
	b.rec.FinishedAt = finishedAt.UTC().Format(time.RFC3339)

	return b.rec
}

// Rejected finalises the record with the reject's code and context. A
// non-policy error is recorded under the INTERNAL pseudo-code so the
// attempt still leaves a trace.
func (b *Builder) Rejected(err error, finishedAt time.Time) Record {
	b.rec.Result = "rejected"
	b.rec.FinishedAt = finishedAt.UTC().Format(time.RFC3339)

	if re, ok := policy.AsReject(err); ok {
		b.rec.RejectReason = string(re.Code)
		b.rec.RejectContext = re.ContextMap()
	} else if err != nil {
		b.rec.RejectReason = "INTERNAL"
		b.rec.RejectContext = map[string]string{"cause": err.Error()}
	}

	return b.rec
}

// Write persists rec under <jobDir>/logs/run_<prefix>.json atomically.
// Returns the written path.
func Write(jobDir string, rec Record) (string, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal run record: %w", err)
	}

	path := filepath.Join(jobDir, "logs", fmt.Sprintf("run_%s.json", job.RunIDPrefix(rec.RunID)))

	if err := ensureDirAndWrite(path, append(data, '\n')); err != nil {
		return "", err
	}

	return path, nil
}

func ensureDirAndWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", filepath.Dir(path), err)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write run record %q: %w", path, err)
	}

	return nil
}
