package photos

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/qcgen/qcgen/internal/fsx"
	"github.com/qcgen/qcgen/internal/override"
	"github.com/qcgen/qcgen/internal/policy"
)

// trashBucketTS is the timestamp prefix of a trash bucket directory name.
const trashBucketTS = "2006-01-02T150405"

// TrashBucket returns the bucket directory name for a run.
func TrashBucket(startedAt time.Time, runID string) string {
	return startedAt.UTC().Format(trashBucketTS) + "-" + runID
}

// Result is what a processing pass produced for the run record.
type Result struct {
	Entries   []Entry
	Overrides []override.Application
	Warnings  []policy.Warning
}

// Process publishes every matched slot and settles the unmatched ones
// against the supplied overrides (keyed by slot key). Must run under the
// job-directory lock.
//
// A required slot with no match and no override rejects the run; the reject
// still carries the entries settled so far so the run record can report
// them.
func (e *Engine) Process(layout Layout, matches map[string]Match, overrides map[string]override.Reason, runID, user string, startedAt time.Time) (*Result, error) {
	res := &Result{}

	bucket := filepath.Join(layout.Trash, TrashBucket(startedAt, runID))

	for _, slot := range e.contract.Slots {
		if m, ok := matches[slot.Key]; ok {
			entry, err := e.publish(layout, m, bucket, runID, res)
			if err != nil {
				return res, err
			}

			if entry.ArchivedPath != "" {
				res.Entries = append(res.Entries, Entry{
					SlotKey:      slot.Key,
					Action:       "archived",
					ArchivedPath: entry.ArchivedPath,
				})
			}

			res.Entries = append(res.Entries, entry)

			continue
		}

		if reason, ok := overrides[slot.Key]; ok && slot.OverrideAllowed {
			vetted, warn, err := override.Parse(string(reason.Code), reason.Detail, runID, slot.Key)
			if err != nil {
				return res, err
			}

			if warn != nil {
				res.Warnings = append(res.Warnings, *warn)
			}

			res.Overrides = append(res.Overrides, override.Application{
				FieldOrSlot: slot.Key,
				Code:        vetted.Code,
				Detail:      vetted.Detail,
				User:        user,
			})

			res.Entries = append(res.Entries, Entry{
				SlotKey:  slot.Key,
				Action:   "override",
				Override: &vetted,
			})

			continue
		}

		if slot.Required {
			res.Entries = append(res.Entries, Entry{SlotKey: slot.Key, Action: "missing"})

			code := policy.PhotoRequiredMissing
			if slot.OverrideAllowed {
				code = policy.PhotoOverrideRequired
			}

			return res, policy.Reject(code, policy.Ctx("slot", slot.Key))
		}

		res.Entries = append(res.Entries, Entry{SlotKey: slot.Key, Action: "skipped"})
	}

	return res, nil
}

// publish materialises the matched file as derived/<slot_key>.<ext>,
// archiving any previous derived file for the slot into the run's trash
// bucket first.
//
// Ordering is what prevents dirty state: copy to a temp name, fsync (failure
// degrades durability and warns, never aborts), archive the predecessor by
// rename (failure discards the temp and rejects with ARCHIVE_FAILED), then
// rename the temp into place.
func (e *Engine) publish(layout Layout, m Match, bucket, runID string, res *Result) (Entry, error) {
	ext := strings.ToLower(filepath.Ext(m.RawPath))
	final := filepath.Join(layout.Derived, m.Slot.Key+ext)
	tmp := fsx.TempPath(layout.Derived, m.Slot.Key+ext)

	if err := os.MkdirAll(layout.Derived, 0o755); err != nil {
		return Entry{}, fmt.Errorf("mkdir derived: %w", err)
	}

	if _, err := fsx.CopyFile(m.RawPath, tmp); err != nil {
		return Entry{}, fmt.Errorf("stage %q: %w", m.RawPath, err)
	}

	if err := fsx.SyncFile(tmp); err != nil {
		w := policy.Warn(policy.WarnFsyncFailed, runID, m.Slot.Key,
			"derived file staged without durable sync")
		res.Warnings = append(res.Warnings, w)

		e.log.Warn("fsync failed on staged derived file",
			zap.String("slot", m.Slot.Key), zap.Error(err))
	}

	archived, err := e.archiveExisting(layout.Derived, m.Slot.Key, bucket)
	if err != nil {
		_ = os.Remove(tmp)

		return Entry{}, policy.Reject(policy.ArchiveFailed,
			policy.Ctx("slot", m.Slot.Key),
			policy.Ctx("bucket", bucket),
			policy.Ctx("cause", err.Error()),
		)
	}

	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)

		return Entry{}, fmt.Errorf("publish %q: %w", final, err)
	}

	return Entry{
		SlotKey:      m.Slot.Key,
		Action:       "mapped",
		RawPath:      m.RawPath,
		DerivedPath:  final,
		ArchivedPath: archived,
		Confidence:   m.Confidence,
		MatchedBy:    m.MatchedBy,
		OCRVerified:  m.OCRVerified,
	}, nil
}

// archiveExisting moves any derived/<slotKey>.* into the trash bucket.
// Returns the archived path of the last moved file, or "".
func (e *Engine) archiveExisting(derivedDir, slotKey, bucket string) (string, error) {
	existing, err := filepath.Glob(filepath.Join(derivedDir, slotKey+".*"))
	if err != nil {
		return "", fmt.Errorf("glob derived: %w", err)
	}

	var archived string

	for _, path := range existing {
		// Staged temp files are not published content.
		if strings.HasPrefix(filepath.Base(path), ".") {
			continue
		}

		dst, err := fsx.MoveNoReplace(path, bucket)
		if err != nil {
			return "", err
		}

		archived = dst
	}

	return archived, nil
}
