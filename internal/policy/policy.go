// Package policy defines the pipeline's error taxonomy and warning records.
//
// A policy reject is a value, not an exception: every stage that refuses to
// continue returns a *RejectError carrying a stable code plus structured
// context. Warnings are non-fatal and accumulate on the run record; they
// never interrupt a stage.
package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a stable reject code for programmatic handling. New codes need a
// recovery entry in the operator runbook.
type Code string

const (
	// Ingest / parse.
	MissingCriticalField Code = "MISSING_CRITICAL_FIELD"
	InvalidData          Code = "INVALID_DATA" // NaN or Inf observed
	ParseErrorCritical   Code = "PARSE_ERROR_CRITICAL"
	ResultInvalidValue   Code = "RESULT_INVALID_VALUE"

	// Job identity store.
	PacketJobMismatch  Code = "PACKET_JOB_MISMATCH"
	JobJSONLockTimeout Code = "JOB_JSON_LOCK_TIMEOUT"
	JobJSONCorrupt     Code = "JOB_JSON_CORRUPT"

	// Photo slot engine.
	PhotoRequiredMissing  Code = "PHOTO_REQUIRED_MISSING"
	PhotoOverrideRequired Code = "PHOTO_OVERRIDE_REQUIRED"
	ArchiveFailed         Code = "ARCHIVE_FAILED"

	// Override subsystem.
	InvalidOverrideReason Code = "INVALID_OVERRIDE_REASON"

	// Intake session store.
	IntakeImmutableViolation Code = "INTAKE_IMMUTABLE_VIOLATION"
	IntakeSessionCorrupt     Code = "INTAKE_SESSION_CORRUPT"

	// Renderer.
	TemplateUnknownPlaceholder Code = "TEMPLATE_UNKNOWN_PLACEHOLDER"
	TemplateNotFound           Code = "TEMPLATE_NOT_FOUND"
	RenderFailed               Code = "RENDER_FAILED"

	// Provider adapters.
	OCRFailed        Code = "OCR_FAILED"
	ExtractionFailed Code = "EXTRACTION_FAILED"
)

// Warning codes. Warnings carry the same context discipline as rejects but
// never abort a run.
const (
	WarnParseErrorReference        = "PARSE_ERROR_REFERENCE"
	WarnPhotoLowConfidenceMatch    = "PHOTO_LOW_CONFIDENCE_MATCH"
	WarnPhotoDuplicateAutoSelected = "PHOTO_DUPLICATE_AUTO_SELECTED"
	WarnPhotoAmbiguousMatch        = "PHOTO_AMBIGUOUS_MATCH"
	WarnFsyncFailed                = "FSYNC_FAILED"
	WarnPlaceholderUnresolved      = "PLACEHOLDER_UNRESOLVED"
	WarnOverrideCodeRewritten      = "OVERRIDE_CODE_REWRITTEN"
	WarnMissingReferenceField      = "MISSING_REFERENCE_FIELD"
	WarnPDFConversionFailed        = "PDF_CONVERSION_FAILED"
)

// KV is a key-value pair for reject context.
type KV struct {
	K string
	V string
}

// RejectError is a policy violation that stops the current run. It carries a
// stable code and structured context; the surrounding stage must not catch
// and continue (the override subsystem and the derived-publication fsync
// path are the two specified exceptions).
type RejectError struct {
	Code    Code
	Context []KV
}

// Reject builds a RejectError with the given code and context pairs.
func Reject(code Code, kvs ...KV) *RejectError {
	return &RejectError{Code: code, Context: kvs}
}

// Ctx is shorthand for a context pair.
func Ctx(k, v string) KV {
	return KV{K: k, V: v}
}

// Error formats the reject as "[CODE] key="value" key="value"".
func (e *RejectError) Error() string {
	var b strings.Builder

	b.WriteString("[")
	b.WriteString(string(e.Code))
	b.WriteString("]")

	for _, kv := range e.Context {
		b.WriteString(" ")
		b.WriteString(kv.K)
		b.WriteString("=")
		fmt.Fprintf(&b, "%q", kv.V)
	}

	return b.String()
}

// ContextMap returns the context pairs as a map for JSON serialization.
// Later duplicate keys win.
func (e *RejectError) ContextMap() map[string]string {
	if len(e.Context) == 0 {
		return nil
	}

	m := make(map[string]string, len(e.Context))
	for _, kv := range e.Context {
		m[kv.K] = kv.V
	}

	return m
}

// AsReject unwraps err into a *RejectError if one is in its chain.
func AsReject(err error) (*RejectError, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re, true
	}

	return nil, false
}

// IsCode reports whether err carries the given reject code.
func IsCode(err error, code Code) bool {
	re, ok := AsReject(err)

	return ok && re.Code == code
}

// Warning is a non-fatal event recorded on the run record. Every warning
// must carry the mandatory context fields; Message is free text for humans.
type Warning struct {
	Level         string `json:"level"`
	Code          string `json:"code"`
	ActionID      string `json:"action_id"`
	FieldOrSlot   string `json:"field_or_slot"`
	OriginalValue string `json:"original_value,omitempty"`
	ResolvedValue string `json:"resolved_value,omitempty"`
	Message       string `json:"message"`
}

// Warn builds a Warning with level preset.
func Warn(code, actionID, fieldOrSlot, message string) Warning {
	return Warning{
		Level:       "warning",
		Code:        code,
		ActionID:    actionID,
		FieldOrSlot: fieldOrSlot,
		Message:     message,
	}
}
