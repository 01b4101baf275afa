// Package photos implements the slot engine: mapping raw uploads to
// declared slots, grading match confidence, publishing derived files
// atomically, archiving superseded files into trash buckets, and purging
// trash per the retention policy.
package photos

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/qcgen/qcgen/internal/contract"
	"github.com/qcgen/qcgen/internal/override"
	"github.com/qcgen/qcgen/internal/policy"
)

// Confidence grades how a raw file was matched to its slot.
type Confidence string

const (
	High      Confidence = "high"
	Medium    Confidence = "medium"
	Low       Confidence = "low"
	Ambiguous Confidence = "ambiguous"
)

// MatchedBy names the matching tier that selected the file.
type MatchedBy string

const (
	ByBasenameExact  MatchedBy = "basename_exact"
	ByBasenamePrefix MatchedBy = "basename_prefix"
	ByKeyPrefix      MatchedBy = "key_prefix"
)

// tier orders the matching priority; lower wins.
var tierOf = map[MatchedBy]int{
	ByBasenameExact:  0,
	ByBasenamePrefix: 1,
	ByKeyPrefix:      2,
}

// Entry is one photo_processing record on the run record. Slots settle to
// one entry each; a publication that displaces an earlier derived file adds
// an archived entry ahead of its mapped one.
type Entry struct {
	SlotKey      string           `json:"slot_key"`
	Action       string           `json:"action"` // mapped, archived, override, missing, skipped
	RawPath      string           `json:"raw_path,omitempty"`
	DerivedPath  string           `json:"derived_path,omitempty"`
	ArchivedPath string           `json:"archived_path,omitempty"`
	Confidence   Confidence       `json:"confidence,omitempty"`
	MatchedBy    MatchedBy        `json:"matched_by,omitempty"`
	OCRVerified  *bool            `json:"ocr_verified,omitempty"`
	Override     *override.Reason `json:"override_reason,omitempty"`
}

// Match is a graded slot-to-file assignment produced by the read-only
// matching phase.
type Match struct {
	Slot        contract.SlotSpec
	RawPath     string
	Confidence  Confidence
	MatchedBy   MatchedBy
	OCRVerified *bool
}

// OCRProbe extracts text from an image. Implemented by the provider
// adapters; the engine only checks the returned text for slot keywords.
type OCRProbe interface {
	Probe(ctx context.Context, path string) (string, error)
}

// Layout names the four photo tiers under a job directory.
type Layout struct {
	Raw     string
	Derived string
	Trash   string
	Archive string
}

// NewLayout builds the tier paths under photosRoot (<job_dir>/photos).
func NewLayout(photosRoot string) Layout {
	return Layout{
		Raw:     filepath.Join(photosRoot, "raw"),
		Derived: filepath.Join(photosRoot, "derived"),
		Trash:   filepath.Join(photosRoot, "_trash"),
		Archive: filepath.Join(photosRoot, "_archive"),
	}
}

// Engine matches, publishes, and archives slot photos.
type Engine struct {
	contract *contract.Contract
	ocr      OCRProbe
	log      *zap.Logger
}

// NewEngine builds an Engine. ocr and log may be nil.
func NewEngine(c *contract.Contract, ocr OCRProbe, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}

	return &Engine{contract: c, ocr: ocr, log: log}
}

type candidate struct {
	path string
	by   MatchedBy
}

// Matches scans rawDir and assigns at most one file per slot. Read-only; may
// run without the job-directory lock. actionID tags the warnings.
func (e *Engine) Matches(ctx context.Context, rawDir, actionID string) (map[string]Match, []policy.Warning, error) {
	files, err := e.listRaw(rawDir)
	if err != nil {
		return nil, nil, err
	}

	var warnings []policy.Warning

	chosen := make(map[string]candidate, len(e.contract.Slots))

	for _, slot := range e.contract.Slots {
		cands := candidatesFor(slot, files)
		if len(cands) == 0 {
			continue
		}

		best := e.selectCandidate(slot, cands, actionID, &warnings)
		chosen[slot.Key] = best
	}

	e.dropCrossSlotAmbiguity(chosen, actionID, &warnings)

	out := make(map[string]Match, len(chosen))

	for key, c := range chosen {
		slot, _ := e.contract.Slot(key)

		m := Match{
			Slot:       slot,
			RawPath:    c.path,
			Confidence: confidenceFor(c.by),
			MatchedBy:  c.by,
		}

		if m.Confidence == Low {
			w := policy.Warn(policy.WarnPhotoLowConfidenceMatch, actionID, key,
				fmt.Sprintf("matched %q by key prefix only", filepath.Base(c.path)))
			w.ResolvedValue = filepath.Base(c.path)
			warnings = append(warnings, w)
		}

		if m.Confidence == Medium && len(slot.VerifyKeywords) > 0 {
			m = e.ocrBoost(ctx, m)
		}

		out[key] = m
	}

	return out, warnings, nil
}

// listRaw returns the files in rawDir with an allowed extension, sorted by
// name. A missing raw dir is an empty upload set, not an error.
func (e *Engine) listRaw(rawDir string) ([]string, error) {
	entries, err := os.ReadDir(rawDir)
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read raw dir %q: %w", rawDir, err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() || !e.contract.AllowedExtension(filepath.Ext(entry.Name())) {
			continue
		}

		files = append(files, filepath.Join(rawDir, entry.Name()))
	}

	sort.Strings(files)

	return files, nil
}

func candidatesFor(slot contract.SlotSpec, files []string) []candidate {
	var exact, prefix, keyPrefix []candidate

	for _, path := range files {
		name := filepath.Base(path)
		stem := strings.TrimSuffix(name, filepath.Ext(name))

		switch {
		case stem == slot.Basename:
			exact = append(exact, candidate{path: path, by: ByBasenameExact})
		case strings.HasPrefix(stem, slot.Basename):
			prefix = append(prefix, candidate{path: path, by: ByBasenamePrefix})
		case strings.HasPrefix(stem, slot.Key):
			keyPrefix = append(keyPrefix, candidate{path: path, by: ByKeyPrefix})
		}
	}

	// Higher tiers shadow lower ones entirely.
	if len(exact) > 0 {
		return exact
	}

	if len(prefix) > 0 {
		return prefix
	}

	return keyPrefix
}

// selectCandidate resolves same-tier duplicates through the prefer_order
// extension list, then lexicographically.
func (e *Engine) selectCandidate(slot contract.SlotSpec, cands []candidate, actionID string, warnings *[]policy.Warning) candidate {
	if len(cands) == 1 {
		return cands[0]
	}

	sort.SliceStable(cands, func(i, j int) bool {
		ri, rj := e.extRank(cands[i].path), e.extRank(cands[j].path)
		if ri != rj {
			return ri < rj
		}

		return cands[i].path < cands[j].path
	})

	names := make([]string, len(cands))
	for i, c := range cands {
		names[i] = filepath.Base(c.path)
	}

	w := policy.Warn(policy.WarnPhotoDuplicateAutoSelected, actionID, slot.Key,
		fmt.Sprintf("candidates %v", names))
	w.OriginalValue = strings.Join(names, ", ")
	w.ResolvedValue = filepath.Base(cands[0].path)
	*warnings = append(*warnings, w)

	return cands[0]
}

func (e *Engine) extRank(path string) int {
	ext := filepath.Ext(path)

	for i, preferred := range e.contract.PreferOrder {
		if strings.EqualFold(ext, preferred) {
			return i
		}
	}

	return len(e.contract.PreferOrder)
}

// dropCrossSlotAmbiguity unmaps any file chosen by two slots at the same
// tier; both slots become override candidates.
func (e *Engine) dropCrossSlotAmbiguity(chosen map[string]candidate, actionID string, warnings *[]policy.Warning) {
	byPath := make(map[string][]string)

	for key, c := range chosen {
		byPath[c.path] = append(byPath[c.path], key)
	}

	for path, keys := range byPath {
		if len(keys) < 2 {
			continue
		}

		sameTier := true
		for _, key := range keys[1:] {
			if tierOf[chosen[key].by] != tierOf[chosen[keys[0]].by] {
				sameTier = false

				break
			}
		}

		if !sameTier {
			continue
		}

		sort.Strings(keys)

		for _, key := range keys {
			w := policy.Warn(policy.WarnPhotoAmbiguousMatch, actionID, key,
				fmt.Sprintf("file %q matches slots %v equally, declined", filepath.Base(path), keys))
			w.OriginalValue = filepath.Base(path)
			*warnings = append(*warnings, w)

			delete(chosen, key)
		}
	}
}

// ocrBoost promotes a medium match to high when the probe finds any of the
// slot's keywords. Probe failure leaves the grade untouched.
func (e *Engine) ocrBoost(ctx context.Context, m Match) Match {
	if e.ocr == nil {
		return m
	}

	text, err := e.ocr.Probe(ctx, m.RawPath)
	if err != nil {
		e.log.Warn("ocr probe failed, keeping medium confidence",
			zap.String("slot", m.Slot.Key),
			zap.String("path", m.RawPath),
			zap.Error(err))

		verified := false
		m.OCRVerified = &verified

		return m
	}

	lowered := strings.ToLower(text)

	for _, kw := range m.Slot.VerifyKeywords {
		if strings.Contains(lowered, strings.ToLower(kw)) {
			verified := true
			m.OCRVerified = &verified
			m.Confidence = High

			return m
		}
	}

	verified := false
	m.OCRVerified = &verified

	return m
}

func confidenceFor(by MatchedBy) Confidence {
	switch by {
	case ByBasenameExact:
		return High
	case ByBasenamePrefix:
		return Medium
	case ByKeyPrefix:
		return Low
	default:
		return Ambiguous
	}
}
