// Package pipeline wires the stages into one run: normalize, validate,
// fingerprint and match in parallel, then lock the job directory for
// identity, publication, render, and delivery. The run log writer observes
// every exit path.
package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"

	"github.com/qcgen/qcgen/internal/contract"
	"github.com/qcgen/qcgen/internal/intake"
	"github.com/qcgen/qcgen/internal/job"
)

// Config enumerates every recognized option. There is no open-ended map;
// unknown keys in the config file are rejected.
type Config struct {
	JobsRoot    string
	TemplateDir string

	LockRetryInterval time.Duration
	LockMaxRetries    int

	RawStorageLevel intake.RawStorageLevel
	MaxRawBytes     int

	GeneratePDF bool

	// Retention overrides the contract's trash_retention block when set.
	Retention *contract.Retention

	// StageTimeout bounds each pipeline stage; zero disables the per-stage
	// deadline.
	StageTimeout time.Duration
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		JobsRoot:          "jobs",
		TemplateDir:       "templates/default",
		LockRetryInterval: job.DefaultLockRetryInterval,
		LockMaxRetries:    job.DefaultLockMaxRetries,
		RawStorageLevel:   intake.RawMinimal,
		MaxRawBytes:       64 * 1024,
		StageTimeout:      2 * time.Minute,
	}
}

// configFile is the JSONC on-disk shape. Durations are milliseconds.
type configFile struct {
	JobsRoot            *string             `json:"jobs_root"`
	TemplateDir         *string             `json:"template_dir"`
	LockRetryIntervalMS *int                `json:"lock_retry_interval_ms"`
	LockMaxRetries      *int                `json:"lock_max_retries"`
	RawStorageLevel     *string             `json:"raw_storage_level"`
	MaxRawBytes         *int                `json:"max_raw_bytes"`
	GeneratePDF         *bool               `json:"generate_pdf"`
	Retention           *contract.Retention `json:"retention"`
	StageTimeoutMS      *int                `json:"stage_timeout_ms"`
}

// LoadConfig reads a JSONC config file and merges it over the defaults. A
// missing file is not an error; the defaults apply.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}

	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %q: invalid JSONC: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	var ff configFile
	if err := dec.Decode(&ff); err != nil {
		return Config{}, fmt.Errorf("config %q: %w", path, err)
	}

	if ff.JobsRoot != nil {
		cfg.JobsRoot = *ff.JobsRoot
	}

	if ff.TemplateDir != nil {
		cfg.TemplateDir = *ff.TemplateDir
	}

	if ff.LockRetryIntervalMS != nil {
		cfg.LockRetryInterval = time.Duration(*ff.LockRetryIntervalMS) * time.Millisecond
	}

	if ff.LockMaxRetries != nil {
		cfg.LockMaxRetries = *ff.LockMaxRetries
	}

	if ff.RawStorageLevel != nil {
		level, err := intake.ParseRawStorageLevel(*ff.RawStorageLevel)
		if err != nil {
			return Config{}, fmt.Errorf("config %q: %w", path, err)
		}

		cfg.RawStorageLevel = level
	}

	if ff.MaxRawBytes != nil {
		cfg.MaxRawBytes = *ff.MaxRawBytes
	}

	if ff.GeneratePDF != nil {
		cfg.GeneratePDF = *ff.GeneratePDF
	}

	if ff.Retention != nil {
		cfg.Retention = ff.Retention
	}

	if ff.StageTimeoutMS != nil {
		cfg.StageTimeout = time.Duration(*ff.StageTimeoutMS) * time.Millisecond
	}

	return cfg, nil
}
