// Package intake persists the append-only per-session record: user
// messages, uploads, the extraction result with its provider audit
// metadata, operator corrections, and overrides.
//
// Mutations never rewrite history. Each one loads the session, appends, and
// replaces the file atomically; overwriting an existing extraction result is
// the one hard-rejected mutation.
package intake

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"

	"github.com/qcgen/qcgen/internal/override"
	"github.com/qcgen/qcgen/internal/policy"
)

// SchemaVersion marks the session document shape.
const SchemaVersion = 1

// RawStorageLevel controls how much of a provider's raw response the
// session retains.
type RawStorageLevel string

const (
	RawNone    RawStorageLevel = "none"    // neither raw response nor hash
	RawMinimal RawStorageLevel = "minimal" // hash only
	RawFull    RawStorageLevel = "full"    // truncated raw response plus hash
)

// ParseRawStorageLevel validates a configured level string.
func ParseRawStorageLevel(s string) (RawStorageLevel, error) {
	switch RawStorageLevel(s) {
	case RawNone, RawMinimal, RawFull:
		return RawStorageLevel(s), nil
	case "":
		return RawMinimal, nil
	}

	return "", fmt.Errorf("unknown raw storage level %q", s)
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	At      string `json:"at"`
}

// Upload describes one received file.
type Upload struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	StoredPath string `json:"stored_path"`
	SlotHint   string `json:"slot_hint,omitempty"`
	At         string `json:"at"`
}

// CallParams are the provider call parameters recorded for audit.
type CallParams struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens"`
}

// Extraction is the immutable record of one field-extraction call. The
// prompt template identity and the user variables are separate fields so
// user content can be redacted without losing which template ran.
type Extraction struct {
	Provider       string            `json:"provider"`
	ModelRequested string            `json:"model_requested"`
	ModelServed    string            `json:"model_served"`
	CallParams     CallParams        `json:"call_params"`
	RequestID      string            `json:"request_id,omitempty"`
	TemplateID     string            `json:"prompt_template_id"`
	TemplateVer    string            `json:"prompt_template_version"`
	PromptVars     map[string]string `json:"prompt_vars,omitempty"`
	RenderedPrompt string            `json:"rendered_prompt,omitempty"`
	PromptHash     string            `json:"prompt_hash"`

	Fields map[string]string `json:"fields"`

	RawResponse     string `json:"raw_response,omitempty"`
	RawTruncated    bool   `json:"raw_truncated,omitempty"`
	RawResponseHash string `json:"raw_response_hash,omitempty"`

	At string `json:"at"`
}

// Session is the on-disk document.
type Session struct {
	SessionID     string                     `json:"session_id"`
	SchemaVersion int                        `json:"schema_version"`
	CreatedAt     string                     `json:"created_at"`
	Messages      []Message                  `json:"messages"`
	Uploads       []Upload                   `json:"uploads"`
	Extraction    *Extraction                `json:"extraction,omitempty"`
	Corrections   map[string]string          `json:"corrections,omitempty"`
	Overrides     map[string]override.Reason `json:"overrides,omitempty"`
}

// FinalFields merges the extraction result with operator corrections;
// corrections win.
func (s *Session) FinalFields() map[string]string {
	out := make(map[string]string)

	if s.Extraction != nil {
		for k, v := range s.Extraction.Fields {
			out[k] = v
		}
	}

	for k, v := range s.Corrections {
		out[k] = v
	}

	return out
}

// Store serialises session mutations. Per-session mutexes live in an
// in-process registry keyed by path; the process is the only writer of its
// job directories.
type Store struct {
	Level       RawStorageLevel
	MaxRawBytes int

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewStore builds a Store. maxRawBytes caps the retained raw response in
// full mode; zero means 64 KiB.
func NewStore(level RawStorageLevel, maxRawBytes int) *Store {
	if maxRawBytes <= 0 {
		maxRawBytes = 64 * 1024
	}

	return &Store{
		Level:       level,
		MaxRawBytes: maxRawBytes,
		locks:       make(map[string]*sync.Mutex),
		now:         time.Now,
	}
}

func (st *Store) sessionLock(path string) *sync.Mutex {
	st.mu.Lock()
	defer st.mu.Unlock()

	l, ok := st.locks[path]
	if !ok {
		l = &sync.Mutex{}
		st.locks[path] = l
	}

	return l
}

// Create writes a fresh session at path. The session id is issued here.
func (st *Store) Create(path string) (*Session, error) {
	l := st.sessionLock(path)
	l.Lock()
	defer l.Unlock()

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("session already exists at %q", path)
	}

	s := &Session{
		SessionID:     uuid.NewString(),
		SchemaVersion: SchemaVersion,
		CreatedAt:     st.now().UTC().Format(time.RFC3339),
	}

	if err := st.write(path, s); err != nil {
		return nil, err
	}

	return s, nil
}

// Load reads the session at path.
func (st *Store) Load(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session %q: %w", path, err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil || s.SessionID == "" {
		return nil, policy.Reject(policy.IntakeSessionCorrupt,
			policy.Ctx("path", path),
		)
	}

	return &s, nil
}

// AppendMessage records one chat turn.
func (st *Store) AppendMessage(path, role, content string) error {
	return st.mutate(path, func(s *Session) error {
		s.Messages = append(s.Messages, Message{
			Role:    role,
			Content: content,
			At:      st.now().UTC().Format(time.RFC3339),
		})

		return nil
	})
}

// RecordUpload records one received file.
func (st *Store) RecordUpload(path string, up Upload) error {
	return st.mutate(path, func(s *Session) error {
		up.At = st.now().UTC().Format(time.RFC3339)
		s.Uploads = append(s.Uploads, up)

		return nil
	})
}

// SetExtraction records the extraction result exactly once. A second write
// is an immutability violation.
func (st *Store) SetExtraction(path string, ex Extraction) error {
	return st.mutate(path, func(s *Session) error {
		if s.Extraction != nil {
			return policy.Reject(policy.IntakeImmutableViolation,
				policy.Ctx("session_id", s.SessionID),
				policy.Ctx("path", path),
			)
		}

		ex.At = st.now().UTC().Format(time.RFC3339)
		st.applyRawPolicy(&ex)
		s.Extraction = &ex

		return nil
	})
}

// SetCorrection records an operator correction for one field. Corrections
// layer over the extraction; the extraction itself stays untouched.
func (st *Store) SetCorrection(path, field, value string) error {
	return st.mutate(path, func(s *Session) error {
		if s.Corrections == nil {
			s.Corrections = make(map[string]string)
		}

		s.Corrections[field] = value

		return nil
	})
}

// SetOverride attaches an override reason to a field or slot key.
func (st *Store) SetOverride(path, key string, reason override.Reason) error {
	return st.mutate(path, func(s *Session) error {
		if s.Overrides == nil {
			s.Overrides = make(map[string]override.Reason)
		}

		s.Overrides[key] = reason

		return nil
	})
}

func (st *Store) mutate(path string, fn func(*Session) error) error {
	l := st.sessionLock(path)
	l.Lock()
	defer l.Unlock()

	s, err := st.Load(path)
	if err != nil {
		return err
	}

	if err := fn(s); err != nil {
		return err
	}

	return st.write(path, s)
}

func (st *Store) write(path string, s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(append(data, '\n'))); err != nil {
		return fmt.Errorf("write session %q: %w", path, err)
	}

	return nil
}

// applyRawPolicy enforces the configured raw-storage level on an extraction
// before it is persisted. The hash always covers the untruncated response.
func (st *Store) applyRawPolicy(ex *Extraction) {
	raw := ex.RawResponse

	switch st.Level {
	case RawNone:
		ex.RawResponse = ""
		ex.RawResponseHash = ""
		ex.RawTruncated = false

	case RawMinimal:
		ex.RawResponse = ""
		ex.RawTruncated = false
		if raw != "" {
			ex.RawResponseHash = hashText(raw)
		}

	case RawFull:
		if raw != "" {
			ex.RawResponseHash = hashText(raw)
		}

		if len(raw) > st.MaxRawBytes {
			ex.RawResponse = raw[:st.MaxRawBytes]
			ex.RawTruncated = true
		}
	}
}

// HashText is the prompt/response hashing used across the session record.
func HashText(s string) string {
	return hashText(s)
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))

	return hex.EncodeToString(sum[:])
}
