package deliver

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func stageTwo(t *testing.T, jobDir string) *Packager {
	t.Helper()

	src := t.TempDir()

	for name, content := range map[string]string{
		"report.docx":   "docx bytes",
		"workbook.xlsx": "xlsx bytes",
	} {
		if err := os.WriteFile(filepath.Join(src, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	p := NewPackager(jobDir)

	var items []Item

	for _, name := range []string{"report.docx", "workbook.xlsx"} {
		item, err := p.Stage(filepath.Join(src, name), name)
		if err != nil {
			t.Fatalf("Stage(%s) error = %v", name, err)
		}

		items = append(items, item)
	}

	if err := p.WriteManifest(Manifest{RunID: "RUN-1", JobID: "JOB-1", Items: items}); err != nil {
		t.Fatalf("WriteManifest() error = %v", err)
	}

	return p
}

func TestStageAndManifest(t *testing.T) {
	t.Parallel()

	jobDir := t.TempDir()
	p := stageTwo(t, jobDir)

	m, err := p.ReadManifest()
	if err != nil {
		t.Fatalf("ReadManifest() error = %v", err)
	}

	if m.RunID != "RUN-1" || m.JobID != "JOB-1" {
		t.Errorf("manifest ids = %+v", m)
	}

	if len(m.Items) != 2 {
		t.Fatalf("len(Items) = %d, want 2", len(m.Items))
	}

	first := m.Items[0]
	if first.Name != "report.docx" {
		t.Errorf("items not sorted by name: %+v", m.Items)
	}

	if first.Size != int64(len("docx bytes")) {
		t.Errorf("Size = %d", first.Size)
	}

	if first.RelativePath != filepath.Join("deliverables", "report.docx") {
		t.Errorf("RelativePath = %q", first.RelativePath)
	}

	if first.ContentType != "application/vnd.openxmlformats-officedocument.wordprocessingml.document" {
		t.Errorf("ContentType = %q", first.ContentType)
	}

	for _, item := range m.Items {
		if _, err := os.Stat(filepath.Join(jobDir, item.RelativePath)); err != nil {
			t.Errorf("staged file missing: %v", err)
		}
	}
}

func TestBundle(t *testing.T) {
	t.Parallel()

	p := stageTwo(t, t.TempDir())

	data, err := p.Bundle()
	if err != nil {
		t.Fatalf("Bundle() error = %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("bundle is not a zip: %v", err)
	}

	if len(zr.File) != 2 {
		t.Fatalf("bundle holds %d files, want 2", len(zr.File))
	}

	rc, err := zr.File[0].Open()
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}

	if zr.File[0].Name != "report.docx" || string(content) != "docx bytes" {
		t.Errorf("bundle entry = %q %q", zr.File[0].Name, content)
	}
}

func TestContentType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want string
	}{
		{name: "a.XLSX", want: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
		{name: "a.pdf", want: "application/pdf"},
		{name: "a.unknown", want: "application/octet-stream"},
	}

	for _, tt := range tests {
		if got := ContentType(tt.name); got != tt.want {
			t.Errorf("ContentType(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
