// Package contract loads the declarative field/slot definition file
// (definition.json, JSONC) and exposes it as the sole source of truth for
// field types, importance, aliases, override policy, photo slots, and the
// trash retention policy.
//
// The contract is loaded once at startup and immutable per process.
package contract

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/tailscale/hujson"
)

// FieldType is the closed set of value types a field can declare.
type FieldType string

const (
	TypeToken    FieldType = "token"
	TypeFreeText FieldType = "free_text"
	TypeNumber   FieldType = "number"
	TypeDate     FieldType = "date"
)

// Importance controls how a parse or presence failure is handled: critical
// fields reject the run, reference fields degrade to a warning.
type Importance string

const (
	Critical  Importance = "critical"
	Reference Importance = "reference"
)

// FieldSpec declares one field of the packet contract.
type FieldSpec struct {
	Key                    string
	Type                   FieldType
	Importance             Importance
	Aliases                []string
	OverrideAllowed        bool
	OverrideRequiresReason bool
}

// SlotSpec declares one photo slot.
type SlotSpec struct {
	Key                    string
	Basename               string
	Required               bool
	OverrideAllowed        bool
	OverrideRequiresReason bool
	Description            string
	// VerifyKeywords, when non-empty, marks the slot as carrying structured
	// text; an OCR probe that finds any keyword promotes a medium match to
	// high.
	VerifyKeywords []string
}

// PurgeMode selects what happens to evicted trash buckets.
type PurgeMode string

const (
	PurgeDelete   PurgeMode = "delete"
	PurgeCompress PurgeMode = "compress"
	PurgeExternal PurgeMode = "external"
)

// Retention is the per-job-directory trash retention policy.
type Retention struct {
	RetentionDays   int       `json:"retention_days"`
	MaxSizePerJobMB int64     `json:"max_size_per_job_mb"`
	MaxTotalSizeGB  int64     `json:"max_total_size_gb"`
	PurgeMode       PurgeMode `json:"purge_mode"`
	ArchiveDir      string    `json:"archive_dir"`
	MinKeepCount    int       `json:"min_keep_count"`
}

// Contract is the loaded, indexed definition file.
type Contract struct {
	Version string

	Fields []FieldSpec // sorted by key
	Slots  []SlotSpec  // declaration order

	AllowedExtensions []string
	PreferOrder       []string
	Trash             Retention

	// Result-token normalization (PASS/FAIL aliases).
	ResultPassAliases []string
	ResultFailAliases []string

	fieldByKey map[string]FieldSpec
	aliasToKey map[string]string
	slotByKey  map[string]SlotSpec
}

// On-disk shape of definition.json.
type fileFormat struct {
	Version string `json:"version"`
	Fields  map[string]struct {
		Type                   string   `json:"type"`
		Importance             string   `json:"importance"`
		Aliases                []string `json:"aliases"`
		OverrideAllowed        *bool    `json:"override_allowed"`
		OverrideRequiresReason *bool    `json:"override_requires_reason"`
	} `json:"fields"`
	Validation struct {
		ResultPassAliases []string `json:"result_pass_aliases"`
		ResultFailAliases []string `json:"result_fail_aliases"`
	} `json:"validation"`
	Photos struct {
		AllowedExtensions []string `json:"allowed_extensions"`
		PreferOrder       []string `json:"prefer_order"`
		Slots             []struct {
			Key                    string   `json:"key"`
			Basename               string   `json:"basename"`
			Required               bool     `json:"required"`
			OverrideAllowed        *bool    `json:"override_allowed"`
			OverrideRequiresReason *bool    `json:"override_requires_reason"`
			Description            string   `json:"description"`
			VerifyKeywords         []string `json:"verify_keywords"`
		} `json:"slots"`
		TrashRetention Retention `json:"trash_retention"`
	} `json:"photos"`
}

// Load reads and indexes the definition file at path. The file is JSONC;
// comments and trailing commas are allowed.
func Load(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading definition file: %w", err)
	}

	return Parse(data)
}

// Parse indexes a definition document from raw JSONC bytes.
func Parse(data []byte) (*Contract, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("definition file: invalid JSONC: %w", err)
	}

	var ff fileFormat
	if err := json.Unmarshal(standardized, &ff); err != nil {
		return nil, fmt.Errorf("definition file: invalid JSON: %w", err)
	}

	if ff.Version == "" {
		return nil, fmt.Errorf("definition file: version is required")
	}

	c := &Contract{
		Version:           ff.Version,
		AllowedExtensions: defaultSlice(ff.Photos.AllowedExtensions, []string{".jpg", ".jpeg", ".png"}),
		PreferOrder:       defaultSlice(ff.Photos.PreferOrder, []string{".jpg", ".jpeg", ".png"}),
		Trash:             withRetentionDefaults(ff.Photos.TrashRetention),
		ResultPassAliases: defaultSlice(ff.Validation.ResultPassAliases, []string{"PASS", "OK", "합격", "O"}),
		ResultFailAliases: defaultSlice(ff.Validation.ResultFailAliases, []string{"FAIL", "NG", "불합격", "X"}),
		fieldByKey:        make(map[string]FieldSpec),
		aliasToKey:        make(map[string]string),
		slotByKey:         make(map[string]SlotSpec),
	}

	if err := c.indexFields(ff); err != nil {
		return nil, err
	}

	if err := c.indexSlots(ff); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Contract) indexFields(ff fileFormat) error {
	keys := make([]string, 0, len(ff.Fields))
	for key := range ff.Fields {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		def := ff.Fields[key]

		ft := FieldType(def.Type)
		if def.Type == "" {
			ft = TypeToken
		}

		switch ft {
		case TypeToken, TypeFreeText, TypeNumber, TypeDate:
		default:
			return fmt.Errorf("field %q: unknown type %q", key, def.Type)
		}

		imp := Importance(def.Importance)
		if def.Importance == "" {
			imp = Reference
		}

		if imp != Critical && imp != Reference {
			return fmt.Errorf("field %q: unknown importance %q", key, def.Importance)
		}

		spec := FieldSpec{
			Key:                    key,
			Type:                   ft,
			Importance:             imp,
			Aliases:                def.Aliases,
			OverrideAllowed:        boolOr(def.OverrideAllowed, imp != Critical),
			OverrideRequiresReason: boolOr(def.OverrideRequiresReason, true),
		}

		c.Fields = append(c.Fields, spec)
		c.fieldByKey[key] = spec

		// Alias collisions across fields are a load-time error: lookups must
		// be unambiguous.
		for _, alias := range append([]string{key}, def.Aliases...) {
			norm := normalizeLookup(alias)

			if prev, exists := c.aliasToKey[norm]; exists && prev != key {
				return fmt.Errorf("alias %q collides between fields %q and %q", alias, prev, key)
			}

			c.aliasToKey[norm] = key
		}
	}

	return nil
}

func (c *Contract) indexSlots(ff fileFormat) error {
	for _, s := range ff.Photos.Slots {
		if s.Key == "" || s.Basename == "" {
			return fmt.Errorf("photo slot needs key and basename (key=%q basename=%q)", s.Key, s.Basename)
		}

		if _, exists := c.slotByKey[s.Key]; exists {
			return fmt.Errorf("duplicate photo slot key %q", s.Key)
		}

		spec := SlotSpec{
			Key:                    s.Key,
			Basename:               s.Basename,
			Required:               s.Required,
			OverrideAllowed:        boolOr(s.OverrideAllowed, true),
			OverrideRequiresReason: boolOr(s.OverrideRequiresReason, true),
			Description:            s.Description,
			VerifyKeywords:         s.VerifyKeywords,
		}

		c.Slots = append(c.Slots, spec)
		c.slotByKey[s.Key] = spec
	}

	return nil
}

// Field looks up a field by canonical key or alias. The lookup is case- and
// whitespace-insensitive.
func (c *Contract) Field(keyOrAlias string) (FieldSpec, bool) {
	key, ok := c.aliasToKey[normalizeLookup(keyOrAlias)]
	if !ok {
		return FieldSpec{}, false
	}

	return c.fieldByKey[key], true
}

// CanonicalKey resolves an alias to its field key.
func (c *Contract) CanonicalKey(keyOrAlias string) (string, bool) {
	key, ok := c.aliasToKey[normalizeLookup(keyOrAlias)]

	return key, ok
}

// Slot looks up a photo slot by key.
func (c *Contract) Slot(key string) (SlotSpec, bool) {
	s, ok := c.slotByKey[key]

	return s, ok
}

// HashIncluded reports whether the field participates in the
// judgement-equal packet hash. Only declared free_text fields are excluded;
// importance does not matter, and keys the contract does not declare are
// included.
func (c *Contract) HashIncluded(key string) bool {
	spec, ok := c.fieldByKey[key]
	if !ok {
		return true
	}

	return spec.Type != TypeFreeText
}

// AllowedExtension reports whether ext (with leading dot) is accepted for
// photo uploads. Comparison is case-insensitive.
func (c *Contract) AllowedExtension(ext string) bool {
	for _, allowed := range c.AllowedExtensions {
		if strings.EqualFold(allowed, ext) {
			return true
		}
	}

	return false
}

func normalizeLookup(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}

	return *p
}

func defaultSlice(s, def []string) []string {
	if len(s) == 0 {
		return def
	}

	return s
}

func withRetentionDefaults(r Retention) Retention {
	if r.RetentionDays == 0 {
		r.RetentionDays = 30
	}

	if r.MinKeepCount == 0 {
		r.MinKeepCount = 3
	}

	if r.PurgeMode == "" {
		r.PurgeMode = PurgeDelete
	}

	if r.ArchiveDir == "" {
		r.ArchiveDir = "_archive"
	}

	return r
}
