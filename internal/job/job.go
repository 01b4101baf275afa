// Package job implements the per-directory job identity store, the single
// source of truth for a job's immutable identity, and the directory lock
// that serialises every mutating pipeline stage.
//
// The lock is a mkdir directory lock on purpose: an orphaned lock after a
// process death stays visible on disk and is removable by the operator with
// rmdir. The store never auto-clears a lock it did not create.
package job

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qcgen/qcgen/internal/fsx"
	"github.com/qcgen/qcgen/internal/policy"
)

const (
	// IdentityFile is the SSOT document inside each job directory.
	IdentityFile = "job.json"

	// LockDirName is the transient lock directory.
	LockDirName = ".job_json.lock"

	// JobIDVersion marks the identity derivation algorithm. Bump when the
	// hashing or sanitization below changes.
	JobIDVersion = 1

	// SchemaVersion marks the job.json document shape.
	SchemaVersion = 1
)

const (
	DefaultLockRetryInterval = 50 * time.Millisecond
	DefaultLockMaxRetries    = 40
)

// Identity is the immutable per-job record. Never mutated after first write.
type Identity struct {
	JobID         string `json:"job_id"`
	JobIDVersion  int    `json:"job_id_version"`
	SchemaVersion int    `json:"schema_version"`
	CreatedAt     string `json:"created_at"`
	WoNo          string `json:"wo_no"`
	Line          string `json:"line"`
}

// Store issues identities and directory locks.
type Store struct {
	LockRetryInterval time.Duration
	LockMaxRetries    int

	now func() time.Time
}

// NewStore builds a Store with the given lock timing; zero values select the
// defaults (50 ms x 40).
func NewStore(retryInterval time.Duration, maxRetries int) *Store {
	if retryInterval <= 0 {
		retryInterval = DefaultLockRetryInterval
	}

	if maxRetries <= 0 {
		maxRetries = DefaultLockMaxRetries
	}

	return &Store{
		LockRetryInterval: retryInterval,
		LockMaxRetries:    maxRetries,
		now:               time.Now,
	}
}

// Lock is a held job-directory lock. Release is idempotent and must run on
// every exit path.
type Lock struct {
	path     string
	released bool
}

// Release removes the lock directory. Safe to call twice.
func (l *Lock) Release() {
	if l == nil || l.released {
		return
	}

	l.released = true
	_ = os.Remove(l.path)
}

// Acquire takes the directory lock for jobDir, spinning on a bounded
// mkdir/sleep loop. Exhaustion or context cancellation returns
// JOB_JSON_LOCK_TIMEOUT.
func (s *Store) Acquire(ctx context.Context, jobDir string) (*Lock, error) {
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir job dir %q: %w", jobDir, err)
	}

	lockPath := filepath.Join(jobDir, LockDirName)

	for attempt := 0; attempt <= s.LockMaxRetries; attempt++ {
		err := os.Mkdir(lockPath, 0o755)
		if err == nil {
			return &Lock{path: lockPath}, nil
		}

		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock %q: %w", lockPath, err)
		}

		if attempt == s.LockMaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, policy.Reject(policy.JobJSONLockTimeout,
				policy.Ctx("job_dir", jobDir),
				policy.Ctx("reason", "context cancelled while waiting"),
			)
		case <-time.After(s.LockRetryInterval):
		}
	}

	return nil, policy.Reject(policy.JobJSONLockTimeout,
		policy.Ctx("job_dir", jobDir),
		policy.Ctx("attempts", fmt.Sprintf("%d", s.LockMaxRetries)),
	)
}

// EnsureLocked reads or creates the identity for jobDir. The caller must
// hold the directory lock. On first contact a new identity is derived and
// written atomically; on later runs the recorded (wo_no, line) must match
// the packet or the run is rejected.
func (s *Store) EnsureLocked(jobDir, woNo, line string) (Identity, bool, error) {
	path := filepath.Join(jobDir, IdentityFile)

	data, err := os.ReadFile(path)

	switch {
	case err == nil:
		var id Identity
		if jsonErr := json.Unmarshal(data, &id); jsonErr != nil || id.JobID == "" {
			return Identity{}, false, policy.Reject(policy.JobJSONCorrupt,
				policy.Ctx("path", path),
			)
		}

		if id.WoNo != woNo || id.Line != line {
			return Identity{}, false, policy.Reject(policy.PacketJobMismatch,
				policy.Ctx("recorded_wo_no", id.WoNo),
				policy.Ctx("recorded_line", id.Line),
				policy.Ctx("packet_wo_no", woNo),
				policy.Ctx("packet_line", line),
			)
		}

		return id, false, nil

	case os.IsNotExist(err):
		now := s.now().UTC()

		id := Identity{
			JobID:         deriveJobID(woNo, line, now),
			JobIDVersion:  JobIDVersion,
			SchemaVersion: SchemaVersion,
			CreatedAt:     now.Format(time.RFC3339),
			WoNo:          woNo,
			Line:          line,
		}

		doc, marshalErr := json.MarshalIndent(id, "", "  ")
		if marshalErr != nil {
			return Identity{}, false, fmt.Errorf("marshal identity: %w", marshalErr)
		}

		if writeErr := fsx.WriteFileAtomic(path, append(doc, '\n')); writeErr != nil {
			return Identity{}, false, fmt.Errorf("write %q: %w", path, writeErr)
		}

		return id, true, nil

	default:
		return Identity{}, false, fmt.Errorf("read %q: %w", path, err)
	}
}

// deriveJobID builds "JOB-<wo>-<line>-<hash8>". The sanitized components
// keep the id human-scannable; the hash suffix keeps it unique across jobs
// that sanitize to the same prefix.
func deriveJobID(woNo, line string, now time.Time) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%s:%d", woNo, line, now.UnixNano()))

	return fmt.Sprintf("JOB-%s-%s-%s", sanitizeComponent(woNo), sanitizeComponent(line), hex.EncodeToString(sum[:])[:8])
}

const maxComponentLen = 20

// sanitizeComponent reduces an id component to ASCII letters, digits, and
// underscores: spaces, underscores, and hyphens become "_", everything else
// is dropped, runs collapse, and the result is capped at 20 characters.
func sanitizeComponent(s string) string {
	var b strings.Builder

	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '_' || r == '-':
			b.WriteByte('_')
		}
	}

	out := b.String()

	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}

	out = strings.Trim(out, "_")

	if len(out) > maxComponentLen {
		out = out[:maxComponentLen]
	}

	if out == "" {
		return "UNKNOWN"
	}

	return out
}

// NewRunID issues a fresh run identifier: a timestamp prefix for sortability
// plus a random 128-bit component.
func NewRunID(now time.Time) string {
	return fmt.Sprintf("RUN-%s-%s", now.UTC().Format("20060102150405"),
		strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// RunIDPrefix returns the short form used in log filenames: the first 8 hex
// characters of the random component.
func RunIDPrefix(runID string) string {
	parts := strings.Split(runID, "-")

	last := parts[len(parts)-1]
	if len(last) >= 8 {
		return last[:8]
	}

	return last
}
