package job

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/qcgen/qcgen/internal/policy"
)

func TestEnsureLockedCreatesIdentity(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := NewStore(0, 0)

	id, created, err := s.EnsureLocked(dir, "WO-001", "L1")
	if err != nil {
		t.Fatalf("EnsureLocked() error = %v", err)
	}

	if !created {
		t.Error("created = false on first contact, want true")
	}

	if id.WoNo != "WO-001" || id.Line != "L1" {
		t.Errorf("identity = %+v", id)
	}

	if id.JobIDVersion != JobIDVersion || id.SchemaVersion != SchemaVersion {
		t.Errorf("versions = %d/%d", id.JobIDVersion, id.SchemaVersion)
	}

	data, err := os.ReadFile(filepath.Join(dir, IdentityFile))
	if err != nil {
		t.Fatalf("reading job.json: %v", err)
	}

	var onDisk Identity
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("job.json not valid JSON: %v", err)
	}

	if onDisk != id {
		t.Errorf("on disk = %+v, returned = %+v", onDisk, id)
	}
}

func TestEnsureLockedStableAcrossRuns(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := NewStore(0, 0)

	first, _, err := s.EnsureLocked(dir, "WO-001", "L1")
	if err != nil {
		t.Fatalf("first EnsureLocked() error = %v", err)
	}

	second, created, err := s.EnsureLocked(dir, "WO-001", "L1")
	if err != nil {
		t.Fatalf("second EnsureLocked() error = %v", err)
	}

	if created {
		t.Error("created = true on second run, want false")
	}

	if second.JobID != first.JobID {
		t.Errorf("job_id changed across runs: %q vs %q", first.JobID, second.JobID)
	}
}

func TestEnsureLockedMismatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := NewStore(0, 0)

	if _, _, err := s.EnsureLocked(dir, "WO-001", "L1"); err != nil {
		t.Fatalf("EnsureLocked() error = %v", err)
	}

	_, _, err := s.EnsureLocked(dir, "WO-002", "L1")
	if !policy.IsCode(err, policy.PacketJobMismatch) {
		t.Fatalf("error = %v, want PACKET_JOB_MISMATCH", err)
	}

	re, _ := policy.AsReject(err)

	ctx := re.ContextMap()
	if ctx["recorded_wo_no"] != "WO-001" || ctx["packet_wo_no"] != "WO-002" {
		t.Errorf("reject context = %v", ctx)
	}
}

func TestEnsureLockedCorrupt(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, IdentityFile), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, _, err := NewStore(0, 0).EnsureLocked(dir, "WO-001", "L1")
	if !policy.IsCode(err, policy.JobJSONCorrupt) {
		t.Fatalf("error = %v, want JOB_JSON_CORRUPT", err)
	}
}

func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := NewStore(time.Millisecond, 3)

	lock, err := s.Acquire(context.Background(), dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, LockDirName)); err != nil {
		t.Errorf("lock dir missing while held: %v", err)
	}

	lock.Release()
	lock.Release() // idempotent

	if _, err := os.Stat(filepath.Join(dir, LockDirName)); !os.IsNotExist(err) {
		t.Errorf("lock dir still present after release: %v", err)
	}
}

func TestAcquireTimeout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := NewStore(time.Millisecond, 3)

	held, err := s.Acquire(context.Background(), dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer held.Release()

	_, err = s.Acquire(context.Background(), dir)
	if !policy.IsCode(err, policy.JobJSONLockTimeout) {
		t.Fatalf("error = %v, want JOB_JSON_LOCK_TIMEOUT", err)
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := NewStore(10*time.Millisecond, 100)

	held, err := s.Acquire(context.Background(), dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = s.Acquire(ctx, dir)
	if !policy.IsCode(err, policy.JobJSONLockTimeout) {
		t.Fatalf("error = %v, want JOB_JSON_LOCK_TIMEOUT", err)
	}
}

// Two goroutines racing on the same directory must agree on the identity:
// exactly one creates job.json.
func TestIdentityRace(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := NewStore(time.Millisecond, 500)

	const workers = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     []string
		creates int
	)

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			lock, err := s.Acquire(context.Background(), dir)
			if err != nil {
				t.Errorf("Acquire() error = %v", err)

				return
			}
			defer lock.Release()

			id, created, err := s.EnsureLocked(dir, "WO-001", "L1")
			if err != nil {
				t.Errorf("EnsureLocked() error = %v", err)

				return
			}

			mu.Lock()
			ids = append(ids, id.JobID)
			if created {
				creates++
			}
			mu.Unlock()
		}()
	}

	wg.Wait()

	if creates != 1 {
		t.Errorf("creates = %d, want exactly 1", creates)
	}

	for _, id := range ids {
		if id != ids[0] {
			t.Errorf("divergent job ids: %v", ids)

			break
		}
	}
}

func TestSanitizeComponent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "WO-001", want: "WO_001"},
		{in: "  Line 1  ", want: "Line_1"},
		{in: "a__b--c", want: "a_b_c"},
		{in: "한글라인", want: "UNKNOWN"},
		{in: "", want: "UNKNOWN"},
		{in: "abcdefghijklmnopqrstuvwxyz", want: "abcdefghijklmnopqrst"},
	}

	for _, tt := range tests {
		if got := sanitizeComponent(tt.in); got != tt.want {
			t.Errorf("sanitizeComponent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewRunID(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

	a := NewRunID(now)
	b := NewRunID(now)

	if a == b {
		t.Error("two run ids collided")
	}

	const wantPrefix = "RUN-20240315093000-"
	if len(a) != len(wantPrefix)+32 || a[:len(wantPrefix)] != wantPrefix {
		t.Errorf("run id = %q, want %q + 32 hex chars", a, wantPrefix)
	}

	if p := RunIDPrefix(a); len(p) != 8 || a[len(wantPrefix):len(wantPrefix)+8] != p {
		t.Errorf("RunIDPrefix(%q) = %q", a, p)
	}
}
