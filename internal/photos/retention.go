package photos

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/qcgen/qcgen/internal/contract"
	"github.com/qcgen/qcgen/internal/fsx"
)

// bucket is one _trash/<TS>-<run_id>/ directory.
type bucket struct {
	path      string
	name      string
	createdAt time.Time
	size      int64
}

// PurgeReport summarises one retention pass.
type PurgeReport struct {
	Kept       int
	Deleted    []string
	Compressed []string
	// External lists buckets due for eviction in external mode; the purger
	// only reports them, an operator-side process moves them out.
	External   []string
	FreedBytes int64
}

// Purge applies the retention policy to the trash tier of one job directory.
// Must run under the job-directory lock.
//
// Eviction order is oldest first. The min_keep_count most recent buckets are
// never evicted, regardless of age or size pressure.
func (e *Engine) Purge(layout Layout, pol contract.Retention, now time.Time) (*PurgeReport, error) {
	buckets, err := listBuckets(layout.Trash)
	if err != nil {
		return nil, err
	}

	report := &PurgeReport{}

	evict := markEvictions(buckets, pol, now)

	for _, b := range buckets {
		if !evict[b.name] {
			report.Kept++

			continue
		}

		switch pol.PurgeMode {
		case contract.PurgeCompress:
			archivePath, err := e.compressBucket(layout, pol, b)
			if err != nil {
				return report, err
			}

			if err := os.RemoveAll(b.path); err != nil {
				return report, fmt.Errorf("remove compressed bucket %q: %w", b.path, err)
			}

			report.Compressed = append(report.Compressed, archivePath)
			report.FreedBytes += b.size

		case contract.PurgeExternal:
			report.External = append(report.External, b.path)
			report.Kept++

		default: // delete
			if err := os.RemoveAll(b.path); err != nil {
				return report, fmt.Errorf("remove bucket %q: %w", b.path, err)
			}

			report.Deleted = append(report.Deleted, b.path)
			report.FreedBytes += b.size
		}
	}

	e.log.Info("trash purge complete",
		zap.Int("kept", report.Kept),
		zap.Int("deleted", len(report.Deleted)),
		zap.Int("compressed", len(report.Compressed)),
		zap.Int64("freed_bytes", report.FreedBytes))

	return report, nil
}

// markEvictions decides which buckets go. Age eviction first, then size
// pressure oldest-first until the per-job budget is met. The most recent
// min_keep_count buckets are exempt.
func markEvictions(buckets []bucket, pol contract.Retention, now time.Time) map[string]bool {
	evict := make(map[string]bool)

	if len(buckets) <= pol.MinKeepCount {
		return evict
	}

	// buckets is sorted oldest first; the protected tail is the newest.
	evictable := buckets[:len(buckets)-pol.MinKeepCount]

	cutoff := now.Add(-time.Duration(pol.RetentionDays) * 24 * time.Hour)

	var total int64
	for _, b := range buckets {
		total += b.size
	}

	budget := pol.MaxSizePerJobMB * 1024 * 1024

	for _, b := range evictable {
		overAge := b.createdAt.Before(cutoff)
		overBudget := budget > 0 && total > budget

		if !overAge && !overBudget {
			continue
		}

		evict[b.name] = true
		total -= b.size
	}

	return evict
}

func listBuckets(trashDir string) ([]bucket, error) {
	entries, err := os.ReadDir(trashDir)
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read trash dir %q: %w", trashDir, err)
	}

	var buckets []bucket

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		path := filepath.Join(trashDir, entry.Name())

		size, err := dirSize(path)
		if err != nil {
			return nil, err
		}

		buckets = append(buckets, bucket{
			path:      path,
			name:      entry.Name(),
			createdAt: bucketTime(entry, entry.Name()),
			size:      size,
		})
	}

	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].createdAt.Before(buckets[j].createdAt)
	})

	return buckets, nil
}

// bucketTime parses the bucket's timestamp prefix, falling back to the
// directory mtime for names that predate the naming scheme.
func bucketTime(entry os.DirEntry, name string) time.Time {
	if len(name) >= len(trashBucketTS) {
		if t, err := time.Parse(trashBucketTS, name[:len(trashBucketTS)]); err == nil {
			return t
		}
	}

	if info, err := entry.Info(); err == nil {
		return info.ModTime().UTC()
	}

	return time.Time{}
}

func dirSize(dir string) (int64, error) {
	var total int64

	err := filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		total += info.Size()

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sizing %q: %w", dir, err)
	}

	return total, nil
}

// compressBucket repacks one bucket as _archive/<TS>_<run_id>.tar.gz.
func (e *Engine) compressBucket(layout Layout, pol contract.Retention, b bucket) (string, error) {
	archiveDir := layout.Archive
	if pol.ArchiveDir != "" && pol.ArchiveDir != "_archive" {
		archiveDir = filepath.Join(filepath.Dir(layout.Archive), pol.ArchiveDir)
	}

	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir archive dir: %w", err)
	}

	archivePath := filepath.Join(archiveDir, archiveName(b.name))

	f, err := os.OpenFile(archivePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("create archive %q: %w", archivePath, err)
	}

	if err := writeTarball(f, b.path, b.name); err != nil {
		_ = f.Close()
		_ = os.Remove(archivePath)

		return "", err
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(archivePath)

		return "", fmt.Errorf("close archive %q: %w", archivePath, err)
	}

	if err := fsx.SyncFile(archivePath); err != nil {
		return "", err
	}

	return archivePath, nil
}

// archiveName turns "<TS>-<run_id>" into "<TS>_<run_id>.tar.gz".
func archiveName(bucketName string) string {
	if len(bucketName) > len(trashBucketTS) && bucketName[len(trashBucketTS)] == '-' {
		return bucketName[:len(trashBucketTS)] + "_" + bucketName[len(trashBucketTS)+1:] + ".tar.gz"
	}

	return bucketName + ".tar.gz"
}

func writeTarball(w io.Writer, dir, topLevel string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}

		hdr.Name = filepath.ToSlash(filepath.Join(topLevel, rel))

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}

		_, copyErr := io.Copy(tw, f)
		closeErr := f.Close()

		if copyErr != nil {
			return copyErr
		}

		return closeErr
	})
	if err != nil {
		return fmt.Errorf("tar %q: %w", dir, err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalize tar: %w", err)
	}

	if err := gz.Close(); err != nil {
		return fmt.Errorf("finalize gzip: %w", err)
	}

	return nil
}
