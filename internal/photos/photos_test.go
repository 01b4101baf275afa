package photos

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcgen/qcgen/internal/contract"
	"github.com/qcgen/qcgen/internal/policy"
)

const testDefinition = `{
	"version": "test",
	"fields": {},
	"photos": {
		"allowed_extensions": [".jpg", ".jpeg", ".png"],
		"prefer_order": [".jpg", ".jpeg", ".png"],
		"slots": [
			{"key": "overview", "basename": "01_overview", "required": true},
			{
				"key": "label_serial",
				"basename": "02_label_serial",
				"required": true,
				"verify_keywords": ["S/N", "Serial", "LOT"],
			},
			{"key": "detail", "basename": "03_detail", "required": false},
		],
	},
}`

func testContract(t *testing.T) *contract.Contract {
	t.Helper()

	c, err := contract.Parse([]byte(testDefinition))
	require.NoError(t, err)

	return c
}

func writeRaw(t *testing.T, rawDir string, names ...string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(rawDir, 0o755))

	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(rawDir, name), []byte("img:"+name), 0o644))
	}
}

type fakeOCR struct {
	text string
	err  error
}

func (f *fakeOCR) Probe(context.Context, string) (string, error) {
	return f.text, f.err
}

func TestMatchesTiers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		files      []string
		slot       string
		wantBy     MatchedBy
		wantConf   Confidence
		wantedFile string
	}{
		{
			name:       "basename exact is high",
			files:      []string{"01_overview.jpg"},
			slot:       "overview",
			wantBy:     ByBasenameExact,
			wantConf:   High,
			wantedFile: "01_overview.jpg",
		},
		{
			name:       "basename prefix is medium",
			files:      []string{"01_overview_front.jpg"},
			slot:       "overview",
			wantBy:     ByBasenamePrefix,
			wantConf:   Medium,
			wantedFile: "01_overview_front.jpg",
		},
		{
			name:       "key prefix is low",
			files:      []string{"overview_site.jpg"},
			slot:       "overview",
			wantBy:     ByKeyPrefix,
			wantConf:   Low,
			wantedFile: "overview_site.jpg",
		},
		{
			name:       "exact shadows prefix",
			files:      []string{"01_overview.png", "01_overview_old.jpg"},
			slot:       "overview",
			wantBy:     ByBasenameExact,
			wantConf:   High,
			wantedFile: "01_overview.png",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rawDir := filepath.Join(t.TempDir(), "raw")
			writeRaw(t, rawDir, tt.files...)

			e := NewEngine(testContract(t), nil, nil)

			matches, _, err := e.Matches(context.Background(), rawDir, "run")
			require.NoError(t, err)

			m, ok := matches[tt.slot]
			require.True(t, ok, "slot %s unmatched", tt.slot)

			assert.Equal(t, tt.wantBy, m.MatchedBy)
			assert.Equal(t, tt.wantConf, m.Confidence)
			assert.Equal(t, tt.wantedFile, filepath.Base(m.RawPath))
		})
	}
}

func TestMatchesLowConfidenceWarns(t *testing.T) {
	t.Parallel()

	rawDir := filepath.Join(t.TempDir(), "raw")
	writeRaw(t, rawDir, "overview_site.jpg")

	e := NewEngine(testContract(t), nil, nil)

	_, warnings, err := e.Matches(context.Background(), rawDir, "run-1")
	require.NoError(t, err)

	require.Len(t, warnings, 1)
	assert.Equal(t, policy.WarnPhotoLowConfidenceMatch, warnings[0].Code)
	assert.Equal(t, "overview", warnings[0].FieldOrSlot)
	assert.Equal(t, "run-1", warnings[0].ActionID)
}

func TestMatchesDuplicatePreferOrder(t *testing.T) {
	t.Parallel()

	rawDir := filepath.Join(t.TempDir(), "raw")
	writeRaw(t, rawDir, "01_overview.png", "01_overview.jpg")

	e := NewEngine(testContract(t), nil, nil)

	matches, warnings, err := e.Matches(context.Background(), rawDir, "run")
	require.NoError(t, err)

	m := matches["overview"]
	assert.Equal(t, "01_overview.jpg", filepath.Base(m.RawPath), "prefer_order must pick .jpg")

	require.Len(t, warnings, 1)
	assert.Equal(t, policy.WarnPhotoDuplicateAutoSelected, warnings[0].Code)
	assert.Equal(t, "01_overview.jpg", warnings[0].ResolvedValue)
	assert.Contains(t, warnings[0].OriginalValue, "01_overview.png")
}

func TestMatchesCrossSlotAmbiguity(t *testing.T) {
	t.Parallel()

	def := `{
		"version": "test",
		"fields": {},
		"photos": {
			"slots": [
				{"key": "front", "basename": "shot", "required": false},
				{"key": "back", "basename": "shot", "required": false},
			],
		},
	}`

	c, err := contract.Parse([]byte(def))
	require.NoError(t, err)

	rawDir := filepath.Join(t.TempDir(), "raw")
	writeRaw(t, rawDir, "shot.jpg")

	e := NewEngine(c, nil, nil)

	matches, warnings, err := e.Matches(context.Background(), rawDir, "run")
	require.NoError(t, err)

	assert.Empty(t, matches, "ambiguous file must not map to either slot")

	require.Len(t, warnings, 2)
	for _, w := range warnings {
		assert.Equal(t, policy.WarnPhotoAmbiguousMatch, w.Code)
	}
}

func TestOCRBoost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		ocr          OCRProbe
		wantConf     Confidence
		wantVerified *bool
	}{
		{
			name:         "keyword found promotes to high",
			ocr:          &fakeOCR{text: "Model X-200 S/N 12345"},
			wantConf:     High,
			wantVerified: boolp(true),
		},
		{
			name:         "no keyword stays medium",
			ocr:          &fakeOCR{text: "illegible smudge"},
			wantConf:     Medium,
			wantVerified: boolp(false),
		},
		{
			name:         "probe failure stays medium",
			ocr:          &fakeOCR{err: errors.New("provider down")},
			wantConf:     Medium,
			wantVerified: boolp(false),
		},
		{
			name:         "no probe configured",
			ocr:          nil,
			wantConf:     Medium,
			wantVerified: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rawDir := filepath.Join(t.TempDir(), "raw")
			// Prefix match only, so the boost path is exercised.
			writeRaw(t, rawDir, "02_label_serial_v2.jpg")

			e := NewEngine(testContract(t), tt.ocr, nil)

			matches, _, err := e.Matches(context.Background(), rawDir, "run")
			require.NoError(t, err)

			m := matches["label_serial"]
			assert.Equal(t, tt.wantConf, m.Confidence)
			assert.Equal(t, tt.wantVerified, m.OCRVerified)
		})
	}
}

func boolp(b bool) *bool { return &b }
