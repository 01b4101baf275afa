// Package fingerprint computes the two content hashes of a normalized
// packet.
//
// packet_hash covers the judgement surface: every field except those the
// contract declares as free_text, importance notwithstanding. Undeclared
// keys are included. Two runs with the same packet_hash are judgement-equal.
// packet_full_hash covers every field including free text and exists for
// drift detection and audit.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/qcgen/qcgen/internal/contract"
	"github.com/qcgen/qcgen/internal/packet"
)

// HashVersion identifies the serialization algorithm. Hashes produced under
// different versions are not comparable.
const HashVersion = "1"

// Engine hashes normalized packets against a loaded contract.
type Engine struct {
	contract *contract.Contract
}

// New builds an Engine.
func New(c *contract.Contract) *Engine {
	return &Engine{contract: c}
}

// Fingerprint is the pair of hashes plus the algorithm version, as stored on
// the run record.
type Fingerprint struct {
	PacketHash     string `json:"packet_hash"`
	PacketFullHash string `json:"packet_full_hash"`
	HashVersion    string `json:"packet_hash_version"`
}

// Hash computes both hashes over p.
func (e *Engine) Hash(p *packet.NormalizedPacket) (Fingerprint, error) {
	judged, err := digest(p, e.contract.HashIncluded)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("packet_hash: %w", err)
	}

	full, err := digest(p, func(string) bool { return true })
	if err != nil {
		return Fingerprint{}, fmt.Errorf("packet_full_hash: %w", err)
	}

	return Fingerprint{PacketHash: judged, PacketFullHash: full, HashVersion: HashVersion}, nil
}

// digest serializes the selected fields plus all measurement rows as
// canonical JSON (sorted keys, no extra whitespace, nulls preserved) and
// returns the hex SHA-256.
//
// encoding/json marshals map keys in sorted order, which is exactly the
// canonical form required. Measurement rows keep their array order (row
// index order) but each row serializes as a map so its keys sort too.
func digest(p *packet.NormalizedPacket, include func(key string) bool) (string, error) {
	fields := make(map[string]*string, len(p.Fields))

	for key, value := range p.Fields {
		if include(key) {
			fields[key] = value
		}
	}

	rows := make([]map[string]any, len(p.Measurements))

	for i, m := range p.Measurements {
		rows[i] = map[string]any{
			"item":     m.Item,
			"spec":     m.Spec,
			"measured": m.Measured,
			"unit":     m.Unit,
			"result":   m.Result,
		}
	}

	doc := struct {
		Fields       map[string]*string `json:"fields"`
		Measurements []map[string]any   `json:"measurements"`
	}{
		Fields:       fields,
		Measurements: rows,
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("canonical serialization: %w", err)
	}

	sum := sha256.Sum256(raw)

	return hex.EncodeToString(sum[:]), nil
}
