// Package deliver assembles rendered artifacts into the job directory's
// deliverables folder and emits the download manifest. Bundling into a
// single zip happens on demand only.
package deliver

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/qcgen/qcgen/internal/fsx"
)

// ManifestName is the manifest file inside deliverables/.
const ManifestName = "manifest.json"

// Item is one downloadable deliverable.
type Item struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	RelativePath string `json:"relative_path"`
	ContentType  string `json:"content_type"`
}

// Manifest is the download manifest written next to the deliverables.
type Manifest struct {
	RunID string `json:"run_id"`
	JobID string `json:"job_id"`
	Items []Item `json:"items"`
}

var contentTypes = map[string]string{
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".json": "application/json",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
}

// ContentType maps a deliverable's extension to its media type.
func ContentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}

	return "application/octet-stream"
}

// Dir returns the deliverables folder for a job directory.
func Dir(jobDir string) string {
	return filepath.Join(jobDir, "deliverables")
}

// Packager stages artifacts for one job directory.
type Packager struct {
	jobDir string
}

// NewPackager builds a Packager for jobDir.
func NewPackager(jobDir string) *Packager {
	return &Packager{jobDir: jobDir}
}

// Stage copies a rendered artifact into deliverables/ under name and
// returns its manifest item. Runs under the job-directory lock like every
// other mutation.
func (p *Packager) Stage(srcPath, name string) (Item, error) {
	dst := filepath.Join(Dir(p.jobDir), name)

	n, err := fsx.CopyFile(srcPath, dst)
	if err != nil {
		return Item{}, fmt.Errorf("stage %q: %w", name, err)
	}

	if err := fsx.SyncFile(dst); err != nil {
		return Item{}, err
	}

	return Item{
		Name:         name,
		Size:         n,
		RelativePath: filepath.Join("deliverables", name),
		ContentType:  ContentType(name),
	}, nil
}

// WriteManifest persists the manifest atomically. Items are sorted by name
// for a stable document.
func (p *Packager) WriteManifest(m Manifest) error {
	sort.Slice(m.Items, func(i, j int) bool { return m.Items[i].Name < m.Items[j].Name })

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	path := filepath.Join(Dir(p.jobDir), ManifestName)

	if err := fsx.WriteFileAtomic(path, append(data, '\n')); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	return nil
}

// ReadManifest loads the current manifest.
func (p *Packager) ReadManifest() (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(Dir(p.jobDir), ManifestName))
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}

	return m, nil
}

// Bundle zips every manifest item into one archive and returns the zip
// bytes. Nothing is written to disk; bundling is an on-demand download
// shape, not a stored artifact.
func (p *Packager) Bundle() ([]byte, error) {
	m, err := p.ReadManifest()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for _, item := range m.Items {
		src := filepath.Join(p.jobDir, item.RelativePath)

		f, err := os.Open(src)
		if err != nil {
			return nil, fmt.Errorf("bundle %q: %w", item.Name, err)
		}

		w, err := zw.Create(item.Name)
		if err != nil {
			_ = f.Close()

			return nil, err
		}

		_, copyErr := io.Copy(w, f)
		closeErr := f.Close()

		if copyErr != nil {
			return nil, fmt.Errorf("bundle %q: %w", item.Name, copyErr)
		}

		if closeErr != nil {
			return nil, closeErr
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
