// Package pipeline implements the unified draft pipeline: parse → normalise →
// enrich → repair → package → boundary. Stages share one mutable Context and
// record every change they make as corrections and field deletions.
package pipeline

import (
	"encoding/hex"
	"time"

	"github.com/zeebo/blake3"

	"github.com/olumi/cee/internal/graph"
	"github.com/olumi/cee/internal/llm"
)

// Layer identifies which system a correction originated from.
type Layer string

const (
	LayerCEE  Layer = "cee"
	LayerPLoT Layer = "plot"
	LayerISL  Layer = "isl"
)

// Severity of a correction.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Correction is one recorded mutation of the graph, in occurrence order.
type Correction struct {
	Code      string   `json:"code"`
	Layer     Layer    `json:"layer"`
	FieldPath string   `json:"field_path"`
	Before    any      `json:"before,omitempty"`
	After     any      `json:"after,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Severity  Severity `json:"severity"`
}

// FieldDeletion is the audit record for a stripped field. Strips always pair
// a deletion with a correction.
type FieldDeletion struct {
	Stage  string `json:"stage"`
	NodeID string `json:"node_id"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Rationale is an upstream node-level explanation, passed through to the
// envelope verbatim.
type Rationale struct {
	NodeID string `json:"node_id"`
	Text   string `json:"text"`
}

// Checkpoint marks a stage boundary in the trace.
type Checkpoint struct {
	Stage string    `json:"stage"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// Context is the shared mutable state threaded through the stages. A single
// stage owns it at a time; there is no concurrent mutation.
type Context struct {
	RequestID     string
	Brief         string
	ArchetypeHint string
	Seed          int64

	// RawPayload is the upstream body as received, before parsing.
	RawPayload []byte

	Graph *graph.Graph
	Meta  llm.CallMeta

	// Rationales are the upstream's node explanations, captured at parse.
	Rationales []Rationale

	Corrections []Correction
	Deletions   []FieldDeletion
	Trace       []Checkpoint

	// DefaultedBaselines lists factor ids whose value was defaulted to 1.0.
	DefaultedBaselines []string
	// ExtractionMode records how enrichment ran (e.g. v4_complete_skip).
	ExtractionMode string
	// ThresholdFromBrief marks goal ids whose threshold was extracted from
	// the brief this run; the threshold sweep does not second-guess them.
	ThresholdFromBrief map[string]bool

	// AuditFingerprint is the BLAKE3 hash of the packaged canonical graph.
	AuditFingerprint string
}

func NewContext(requestID, brief string, seed int64) *Context {
	return &Context{
		RequestID:          requestID,
		Brief:              brief,
		Seed:               seed,
		ThresholdFromBrief: map[string]bool{},
	}
}

func (c *Context) AddCorrection(corr Correction) {
	if corr.Layer == "" {
		corr.Layer = LayerCEE
	}
	if corr.Severity == "" {
		corr.Severity = SeverityInfo
	}
	c.Corrections = append(c.Corrections, corr)
}

func (c *Context) AddDeletion(stage, nodeID, field, reason string) {
	c.Deletions = append(c.Deletions, FieldDeletion{
		Stage: stage, NodeID: nodeID, Field: field, Reason: reason,
	})
}

func (c *Context) checkpoint(stage string, err error) {
	cp := Checkpoint{Stage: stage, At: time.Now().UTC()}
	if err != nil {
		cp.Error = err.Error()
	}
	c.Trace = append(c.Trace, cp)
}

// fingerprint hashes the canonical serialized graph for the audit trail.
func fingerprint(b []byte) string {
	h := blake3.New()
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
