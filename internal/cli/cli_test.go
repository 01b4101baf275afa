package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/qcgen/qcgen/internal/intake"
	"github.com/qcgen/qcgen/internal/job"
	"github.com/qcgen/qcgen/internal/runlog"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()

	var out, errOut bytes.Buffer

	sig := make(chan os.Signal)

	code := Run(strings.NewReader(""), &out, &errOut, append([]string{"qcgen"}, args...), map[string]string{"USER": "tester"}, sig)

	return code, out.String(), errOut.String()
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	t.Parallel()

	code, out, _ := runCLI(t)

	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	if !strings.Contains(out, "Usage:") {
		t.Errorf("usage not printed, got %q", out)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	t.Parallel()

	code, _, errOut := runCLI(t, "frobnicate")

	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	if !strings.Contains(errOut, "unknown command") {
		t.Errorf("stderr = %q", errOut)
	}
}

func TestRunCommandRequiresPacket(t *testing.T) {
	t.Parallel()

	code, _, errOut := runCLI(t, "run", t.TempDir())

	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	if !strings.Contains(errOut, "--packet") {
		t.Errorf("stderr = %q", errOut)
	}
}

func TestLoadPacketFile(t *testing.T) {
	t.Parallel()

	body := `{
		// intake export
		"fields": {"wo_no": "WO-001", "result": "PASS"},
		"measurements": [
			{"item": "OD", "spec": "10 ±0.1", "measured": "10.05", "unit": "mm", "result": "PASS"},
		],
		"slot_overrides": {
			"overview": {"code": "MISSING_PHOTO", "detail": "카메라 고장으로 촬영 불가"},
		},
	}`

	path := filepath.Join(t.TempDir(), "packet.jsonc")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	pf, err := loadPacketFile(path)
	if err != nil {
		t.Fatalf("loadPacketFile() error = %v", err)
	}

	if pf.Fields["wo_no"] != "WO-001" {
		t.Errorf("fields = %v", pf.Fields)
	}

	if len(pf.Measurements) != 1 || pf.Measurements[0].Item != "OD" {
		t.Errorf("measurements = %v", pf.Measurements)
	}

	reasons := toReasons(pf.SlotOverrides)
	if reasons["overview"].Detail != "카메라 고장으로 촬영 불가" {
		t.Errorf("overrides = %v", reasons)
	}
}

func TestPurgeCommandEmptyJob(t *testing.T) {
	t.Parallel()

	contractPath := filepath.Join(t.TempDir(), "contract.jsonc")

	def := `{"version": "1", "fields": {"wo_no": {"type": "token"}}}`
	if err := os.WriteFile(contractPath, []byte(def), 0o644); err != nil {
		t.Fatal(err)
	}

	code, out, errOut := runCLI(t, "--contract", contractPath, "purge", t.TempDir())

	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, errOut)
	}

	want := "kept 0, deleted 0, compressed 0, external 0, freed 0 bytes\n"
	if out != want {
		t.Errorf("purge output = %q, want %q", out, want)
	}
}

func TestOpenSessionCreatesAndResumes(t *testing.T) {
	t.Parallel()

	jobDir := t.TempDir()
	st := intake.NewStore(intake.RawMinimal, 0)

	sess, path, err := openSession(st, jobDir)
	if err != nil {
		t.Fatalf("openSession() error = %v", err)
	}

	if want := filepath.Join(jobDir, "inputs", "intake_session.json"); path != want {
		t.Errorf("session path = %q, want %q", path, want)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("session file not created: %v", err)
	}

	resumed, _, err := openSession(st, jobDir)
	if err != nil {
		t.Fatalf("openSession() on existing session error = %v", err)
	}

	if resumed.SessionID != sess.SessionID {
		t.Errorf("second open issued a new session: %q != %q", resumed.SessionID, sess.SessionID)
	}
}

func TestCollectStatusEmptyDir(t *testing.T) {
	t.Parallel()

	status, err := collectStatus(t.TempDir())
	if err != nil {
		t.Fatalf("collectStatus() error = %v", err)
	}

	if status.Identity != nil || len(status.Runs) != 0 || status.Deliverables != nil {
		t.Errorf("status = %+v", status)
	}
}

func TestStatusShowsIdentityAndRuns(t *testing.T) {
	t.Parallel()

	jobDir := t.TempDir()

	id := job.Identity{JobID: "JOB-WO_001-A1-deadbeef", WoNo: "WO-001", Line: "A1", CreatedAt: "2024-03-15T09:30:00Z"}

	data, err := json.Marshal(id)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(jobDir, job.IdentityFile), data, 0o644); err != nil {
		t.Fatal(err)
	}

	rec := runlog.Record{
		RunID:        "RUN-20240315093000-0123456789abcdef0123456789abcdef",
		JobID:        id.JobID,
		StartedAt:    "2024-03-15T09:30:00Z",
		FinishedAt:   "2024-03-15T09:30:02Z",
		Result:       "rejected",
		RejectReason: "MISSING_CRITICAL_FIELD",
	}

	if _, err := runlog.Write(jobDir, rec); err != nil {
		t.Fatal(err)
	}

	code, out, errOut := runCLI(t, "status", jobDir)

	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, errOut)
	}

	for _, want := range []string{id.JobID, rec.RunID, "rejected", "MISSING_CRITICAL_FIELD"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusJSON(t *testing.T) {
	t.Parallel()

	jobDir := t.TempDir()

	rec := runlog.Record{
		RunID:     "RUN-20240315093000-0123456789abcdef0123456789abcdef",
		StartedAt: "2024-03-15T09:30:00Z",
		Result:    "success",
	}

	if _, err := runlog.Write(jobDir, rec); err != nil {
		t.Fatal(err)
	}

	code, out, errOut := runCLI(t, "status", jobDir, "--json")

	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %q", code, errOut)
	}

	var status jobStatus
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("status --json output is not JSON: %v\n%s", err, out)
	}

	if len(status.Runs) != 1 || status.Runs[0].RunID != rec.RunID {
		t.Errorf("runs = %+v", status.Runs)
	}
}
