// Package idgen generates random identifiers for stored records.
package idgen

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Record prefixes, so an id tells what it refers to.
const (
	PatientPrefix     = "pat_"
	TransactionPrefix = "txn_"
	AssessmentPrefix  = "asm_"
	AlertPrefix       = "alr_"
	WebhookPrefix     = "wh_"
	EventPrefix       = "evt_"
)

// New returns a random version 4 UUID in its canonical form.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by the 32 hex digits of a random UUID.
func WithPrefix(prefix string) string {
	id := uuid.New()
	return prefix + hex.EncodeToString(id[:])
}

// HasPrefix reports whether id was generated by WithPrefix(prefix).
func HasPrefix(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || len(rest) != 32 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}
