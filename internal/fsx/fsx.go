// Package fsx provides the durable file operations the pipeline builds on:
// atomic JSON/byte writes (temp file in the same directory, fsync, rename,
// directory fsync) and collision-safe moves into archive buckets.
//
// The write sequence mirrors what the job identity store and the photo
// engine require: a reader never observes a half-written file, and after a
// successful return the content survives a crash.
package fsx

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// ErrDirSync indicates the parent directory could not be synced after a
// rename. The new file is in place but durability is not guaranteed.
var ErrDirSync = errors.New("dir sync")

const (
	filePerm = 0o644
	dirPerm  = 0o755
)

var tempCounter atomic.Uint64

// WriteFileAtomic writes data to path atomically and durably: temp file in
// the same directory, fsync, rename over path, then fsync the parent
// directory. Parent directories are created as needed.
//
// If only the directory sync fails, the returned error satisfies
// errors.Is(err, ErrDirSync) and the file is already in place.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("mkdir %q: %w", dir, err)
	}

	tmp, err := createTemp(dir, filepath.Base(path))
	if err != nil {
		return err
	}

	tmpPath := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()

		return fmt.Errorf("write temp file %q: %w", tmpPath, err)
	}

	if err := tmp.Sync(); err != nil {
		cleanup()

		return fmt.Errorf("sync temp file %q: %w", tmpPath, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("close temp file %q: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("rename: %w", err)
	}

	return SyncDir(dir)
}

// CopyFile copies src to dst, creating parent directories as needed. The
// destination is truncated if it exists. Returns the number of bytes copied.
func CopyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open %q: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return 0, fmt.Errorf("mkdir %q: %w", filepath.Dir(dst), err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return 0, fmt.Errorf("create %q: %w", dst, err)
	}

	n, copyErr := io.Copy(out, in)
	closeErr := out.Close()

	if copyErr != nil {
		_ = os.Remove(dst)

		return n, fmt.Errorf("copy %q -> %q: %w", src, dst, copyErr)
	}

	if closeErr != nil {
		return n, fmt.Errorf("close %q: %w", dst, closeErr)
	}

	return n, nil
}

// SyncFile fsyncs the file at path. Callers that treat fsync failure as a
// degraded-durability warning (the derived publication path) check this
// separately from the copy itself.
func SyncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}

	syncErr := f.Sync()
	closeErr := f.Close()

	if syncErr != nil {
		return fmt.Errorf("fsync %q: %w", path, syncErr)
	}

	if closeErr != nil {
		return fmt.Errorf("close %q: %w", path, closeErr)
	}

	return nil
}

// SyncDir fsyncs the directory at path so a preceding rename is durable.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return errors.Join(ErrDirSync, fmt.Errorf("open dir %q: %w", dir, err))
	}

	syncErr := f.Sync()
	closeErr := f.Close()

	if syncErr != nil {
		return errors.Join(ErrDirSync, fmt.Errorf("%q: %w", dir, syncErr))
	}

	if closeErr != nil {
		return errors.Join(ErrDirSync, fmt.Errorf("close dir %q: %w", dir, closeErr))
	}

	return nil
}

// MoveNoReplace renames src into dstDir, never replacing an existing file.
// Name collisions are resolved by appending _1, _2, ... before the
// extension. Returns the final destination path.
func MoveNoReplace(src, dstDir string) (string, error) {
	if err := os.MkdirAll(dstDir, dirPerm); err != nil {
		return "", fmt.Errorf("mkdir %q: %w", dstDir, err)
	}

	dst, err := NextAvailable(dstDir, filepath.Base(src))
	if err != nil {
		return "", err
	}

	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("rename %q -> %q: %w", src, dst, err)
	}

	return dst, nil
}

const nextAvailableMaxAttempts = 10000

// NextAvailable returns a path in dir for base that does not exist yet,
// probing base, then base_1, base_2, ... before the extension.
func NextAvailable(dir, base string) (string, error) {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for i := range nextAvailableMaxAttempts {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}

		candidate := filepath.Join(dir, name)

		_, err := os.Lstat(candidate)
		if os.IsNotExist(err) {
			return candidate, nil
		}

		if err != nil {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
	}

	return "", fmt.Errorf("exhausted collision suffixes for %q in %q", base, dir)
}

// TempPath returns a process-unique temp name next to base in dir. Used by
// the photo engine so the temp file lands on the same filesystem as the
// final rename target.
func TempPath(dir, base string) string {
	seq := tempCounter.Add(1)

	return filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", base, seq))
}

func createTemp(dir, base string) (*os.File, error) {
	for range nextAvailableMaxAttempts {
		path := TempPath(dir, base)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
		if err == nil {
			return f, nil
		}

		if os.IsExist(err) {
			continue
		}

		return nil, fmt.Errorf("create temp file: %w", err)
	}

	return nil, fmt.Errorf("exhausted temp file attempts in %q", dir)
}
