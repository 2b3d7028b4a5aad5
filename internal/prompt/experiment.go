package prompt

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// TreatmentSource selects what the treatment bucket receives.
type TreatmentSource string

const (
	TreatmentStaging TreatmentSource = "staging"
	TreatmentFixed   TreatmentSource = "fixed"
)

// Experiment is an A/B assignment over one task's prompts.
type Experiment struct {
	Name             string
	Task             string
	TreatmentPercent int
	Treatment        TreatmentSource
	// FixedVersion is the treatment version number when Treatment is fixed.
	FixedVersion int
	// ForcedVariant overrides bucketing entirely: "treatment" or "control".
	ForcedVariant string
}

// Context identifies the caller for bucketing. The first non-empty of
// UserID, KeyID, RequestID is used; anonymous otherwise.
type Context struct {
	UserID    string
	KeyID     string
	RequestID string
}

func (c Context) subject() string {
	switch {
	case c.UserID != "":
		return c.UserID
	case c.KeyID != "":
		return c.KeyID
	case c.RequestID != "":
		return c.RequestID
	default:
		return "anonymous"
	}
}

// InTreatment buckets the caller deterministically: SHA-256 of
// "{name}:{subject}", first 16 bits, modulo 100, strictly less than
// TreatmentPercent. Forced variants bypass bucketing.
func (e *Experiment) InTreatment(ctx Context) bool {
	switch e.ForcedVariant {
	case "treatment":
		return true
	case "control":
		return false
	}
	return Bucket(e.Name, ctx.subject()) < e.TreatmentPercent
}

// Bucket computes the 0–99 experiment bucket for a subject.
func Bucket(experimentName, subject string) int {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", experimentName, subject)))
	return int(binary.BigEndian.Uint16(sum[:2])) % 100
}
