package contract

import (
	"strings"
	"testing"
)

const sampleDefinition = `{
	// Inspection report field contract.
	"version": "2024.1",
	"fields": {
		"wo_no":   {"type": "token", "importance": "critical", "aliases": ["WO", "work order"]},
		"line":    {"type": "token", "importance": "critical", "aliases": ["LINE"]},
		"part_no": {"type": "token", "importance": "critical"},
		"lot":     {"type": "token", "importance": "reference", "aliases": ["LOT NO"]},
		"result":  {"type": "token", "importance": "critical"},
		"qty":     {"type": "number", "importance": "reference"},
		"insp_date": {"type": "date", "importance": "reference"},
		"remarks": {"type": "free_text", "importance": "reference"},
	},
	"photos": {
		"allowed_extensions": [".jpg", ".jpeg", ".png"],
		"prefer_order": [".jpg", ".jpeg", ".png"],
		"slots": [
			{"key": "overview", "basename": "01_overview", "required": true},
			{
				"key": "label_serial",
				"basename": "02_label_serial",
				"required": true,
				"verify_keywords": ["S/N", "Serial", "LOT", "Model"],
			},
		],
		"trash_retention": {
			"retention_days": 14,
			"purge_mode": "compress",
			"min_keep_count": 3,
		},
	},
}`

func TestParse(t *testing.T) {
	t.Parallel()

	c, err := Parse([]byte(sampleDefinition))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if c.Version != "2024.1" {
		t.Errorf("Version = %q, want %q", c.Version, "2024.1")
	}

	if got := len(c.Fields); got != 8 {
		t.Errorf("len(Fields) = %d, want 8", got)
	}

	if got := len(c.Slots); got != 2 {
		t.Errorf("len(Slots) = %d, want 2", got)
	}

	if c.Trash.RetentionDays != 14 {
		t.Errorf("Trash.RetentionDays = %d, want 14", c.Trash.RetentionDays)
	}

	if c.Trash.PurgeMode != PurgeCompress {
		t.Errorf("Trash.PurgeMode = %q, want compress", c.Trash.PurgeMode)
	}

	slot, ok := c.Slot("label_serial")
	if !ok {
		t.Fatal("Slot(label_serial) not found")
	}

	if len(slot.VerifyKeywords) != 4 {
		t.Errorf("VerifyKeywords = %v, want 4 entries", slot.VerifyKeywords)
	}
}

func TestFieldLookupByAlias(t *testing.T) {
	t.Parallel()

	c, err := Parse([]byte(sampleDefinition))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	tests := []struct {
		name    string
		lookup  string
		wantKey string
		wantOK  bool
	}{
		{name: "canonical key", lookup: "wo_no", wantKey: "wo_no", wantOK: true},
		{name: "alias", lookup: "WO", wantKey: "wo_no", wantOK: true},
		{name: "alias case insensitive", lookup: "wo", wantKey: "wo_no", wantOK: true},
		{name: "alias whitespace collapsed", lookup: "  Work   Order ", wantKey: "wo_no", wantOK: true},
		{name: "multiword alias", lookup: "lot no", wantKey: "lot", wantOK: true},
		{name: "unknown", lookup: "serial_no", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			spec, ok := c.Field(tt.lookup)
			if ok != tt.wantOK {
				t.Fatalf("Field(%q) ok = %v, want %v", tt.lookup, ok, tt.wantOK)
			}

			if ok && spec.Key != tt.wantKey {
				t.Errorf("Field(%q).Key = %q, want %q", tt.lookup, spec.Key, tt.wantKey)
			}
		})
	}
}

func TestAliasCollisionRejected(t *testing.T) {
	t.Parallel()

	def := `{
		"version": "1",
		"fields": {
			"wo_no": {"type": "token", "aliases": ["WO"]},
			"work_order": {"type": "token", "aliases": ["wo"]},
		},
	}`

	_, err := Parse([]byte(def))
	if err == nil {
		t.Fatal("Parse() = nil error, want alias collision")
	}

	if !strings.Contains(err.Error(), "collides") {
		t.Errorf("error = %v, want collision message", err)
	}
}

func TestHashIncluded(t *testing.T) {
	t.Parallel()

	def := `{
		"version": "1",
		"fields": {
			"wo_no":   {"type": "token", "importance": "critical"},
			"qty":     {"type": "number", "importance": "reference"},
			"remarks": {"type": "free_text", "importance": "reference"},
			"notes":   {"type": "free_text", "importance": "critical"},
		},
	}`

	c, err := Parse([]byte(def))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Exclusion is by type only: a critical free_text field stays out, and
	// keys the contract never declared stay in.
	tests := []struct {
		key  string
		want bool
	}{
		{key: "wo_no", want: true},    // critical token
		{key: "qty", want: true},      // reference number
		{key: "remarks", want: false}, // reference free text
		{key: "notes", want: false},   // critical free text
		{key: "nonexistent", want: true},
	}

	for _, tt := range tests {
		if got := c.HashIncluded(tt.key); got != tt.want {
			t.Errorf("HashIncluded(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestUnknownTypeRejected(t *testing.T) {
	t.Parallel()

	def := `{"version": "1", "fields": {"x": {"type": "blob"}}}`

	if _, err := Parse([]byte(def)); err == nil {
		t.Fatal("Parse() = nil error, want unknown type error")
	}
}

func TestAllowedExtension(t *testing.T) {
	t.Parallel()

	c, err := Parse([]byte(sampleDefinition))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if !c.AllowedExtension(".JPG") {
		t.Error("AllowedExtension(.JPG) = false, want true")
	}

	if c.AllowedExtension(".gif") {
		t.Error("AllowedExtension(.gif) = true, want false")
	}
}

func TestRetentionDefaults(t *testing.T) {
	t.Parallel()

	c, err := Parse([]byte(`{"version": "1", "fields": {}}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if c.Trash.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want default 30", c.Trash.RetentionDays)
	}

	if c.Trash.MinKeepCount != 3 {
		t.Errorf("MinKeepCount = %d, want default 3", c.Trash.MinKeepCount)
	}

	if c.Trash.PurgeMode != PurgeDelete {
		t.Errorf("PurgeMode = %q, want delete", c.Trash.PurgeMode)
	}
}
