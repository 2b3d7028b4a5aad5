// Package envelope builds the outward-facing response bodies: trace metadata,
// quality scoring, archetype classification, list caps, and the versioned
// graph rendering.
package envelope

import (
	"encoding/json"

	"github.com/olumi/cee/internal/analysis"
	"github.com/olumi/cee/internal/ceeerr"
	"github.com/olumi/cee/internal/pipeline"
	"github.com/olumi/cee/internal/telemetry"
)

// List caps enforced on every draft envelope.
const (
	BiasFindingsMax           = 10
	OptionsMax                = 6
	EvidenceSuggestionsMax    = 20
	SensitivitySuggestionsMax = 10
)

// Validation issue codes attached for observable degradations.
const (
	IssueEngineDegraded = "ENGINE_DEGRADED"
	IssueReproMismatch  = "CEE_REPRO_MISMATCH"
)

type Engine struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
	// DegradedReason preserves the raw X-Olumi-Degraded header value.
	DegradedReason string `json:"degraded_reason,omitempty"`
}

type Trace struct {
	RequestID     string `json:"request_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Engine        Engine `json:"engine"`
}

type Quality struct {
	Overall int `json:"overall"` // 1–10
}

type ValidationIssue struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// ResponseLimits flags which lists were truncated to their caps. All four
// flags are emitted on every envelope so callers can check them without
// probing for presence.
type ResponseLimits struct {
	BiasFindingsTruncated           bool `json:"bias_findings_truncated"`
	OptionsTruncated                bool `json:"options_truncated"`
	EvidenceSuggestionsTruncated    bool `json:"evidence_suggestions_truncated"`
	SensitivitySuggestionsTruncated bool `json:"sensitivity_suggestions_truncated"`
}

// Envelope is the success body for draft-graph responses.
type Envelope struct {
	Schema        string          `json:"schema"`
	SchemaVersion string          `json:"schema_version"`
	Graph         json.RawMessage `json:"graph"`

	Trace     Trace     `json:"trace"`
	Quality   Quality   `json:"quality"`
	Archetype Archetype `json:"archetype"`

	AnalysisReady *bool `json:"analysis_ready,omitempty"` // v3 only

	ValidationIssues []ValidationIssue        `json:"validation_issues,omitempty"`
	Corrections      []pipeline.Correction    `json:"corrections,omitempty"`
	FieldDeletions   []pipeline.FieldDeletion `json:"field_deletions,omitempty"`

	Rationales []pipeline.Rationale `json:"rationales"`

	BiasFindings           []analysis.BiasFinding `json:"bias_findings,omitempty"`
	Options                []json.RawMessage      `json:"options,omitempty"`
	EvidenceSuggestions    []json.RawMessage      `json:"evidence_suggestions,omitempty"`
	SensitivitySuggestions []json.RawMessage      `json:"sensitivity_suggestions,omitempty"`

	ResponseLimits ResponseLimits `json:"response_limits"`

	ExtractionMode string `json:"extraction_mode,omitempty"`
	Fingerprint    string `json:"fingerprint,omitempty"`
}

// Finalizer builds envelopes and emits envelope telemetry.
type Finalizer struct {
	emitter          telemetry.Emitter
	detectArchetypes bool
}

type FinalizerOption func(*Finalizer)

func WithArchetypeDetection(enabled bool) FinalizerOption {
	return func(f *Finalizer) { f.detectArchetypes = enabled }
}

func NewFinalizer(emitter telemetry.Emitter, opts ...FinalizerOption) *Finalizer {
	if emitter == nil {
		emitter = telemetry.Nop{}
	}
	f := &Finalizer{emitter: emitter, detectArchetypes: true}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Input is everything the finaliser needs beyond the pipeline context.
type Input struct {
	Schema        string // v1, v2, v3
	CorrelationID string

	BiasFindings           []analysis.BiasFinding
	Options                []json.RawMessage
	EvidenceSuggestions    []json.RawMessage
	SensitivitySuggestions []json.RawMessage

	// ExpectedFingerprint, when set, is checked against the packaged graph's
	// audit fingerprint; a mismatch raises CEE_REPRO_MISMATCH.
	ExpectedFingerprint string
}

// Finalize renders the success envelope for a completed pipeline run.
func (f *Finalizer) Finalize(pctx *pipeline.Context, in Input) (*Envelope, error) {
	schema := in.Schema
	if schema == "" {
		schema = SchemaV3
	}
	rendered, err := RenderGraph(pctx.Graph, schema)
	if err != nil {
		f.emitter.Emit("envelope.failure", map[string]any{
			"error_code":  string(ceeerr.CodeInternalError),
			"http_status": 500,
		})
		return nil, ceeerr.Wrap(ceeerr.CodeInternalError, "render graph", err)
	}

	env := &Envelope{
		Schema:        "cee.draft_graph." + schema,
		SchemaVersion: SchemaVersionTag(schema),
		Graph:         rendered,
		Trace: Trace{
			RequestID:     pctx.RequestID,
			CorrelationID: in.CorrelationID,
			Engine: Engine{
				Provider:       pctx.Meta.Provider,
				Model:          pctx.Meta.Model,
				Degraded:       pctx.Meta.Degraded != "",
				DegradedReason: pctx.Meta.Degraded,
			},
		},
		Quality:        Quality{Overall: qualityScore(pctx)},
		Archetype:      ClassifyArchetype(pctx.Brief, pctx.ArchetypeHint, f.detectArchetypes),
		Corrections:    pctx.Corrections,
		FieldDeletions: pctx.Deletions,
		ExtractionMode: pctx.ExtractionMode,
		Fingerprint:    pctx.AuditFingerprint,
	}

	if schema == SchemaV3 {
		ready := analysis.Readiness(pctx.Graph).CanRunAnalysis
		env.AnalysisReady = &ready
	}

	if env.Trace.Engine.Degraded {
		env.ValidationIssues = append(env.ValidationIssues, ValidationIssue{
			Code:     IssueEngineDegraded,
			Severity: "warning",
			Message:  "the upstream engine reported degraded operation: " + pctx.Meta.Degraded,
		})
	}
	if in.ExpectedFingerprint != "" && in.ExpectedFingerprint != pctx.AuditFingerprint {
		env.ValidationIssues = append(env.ValidationIssues, ValidationIssue{
			Code:     IssueReproMismatch,
			Severity: "warning",
			Message:  "re-run produced a different graph than expected for the same brief and seed",
		})
	}

	env.Rationales = pctx.Rationales
	if env.Rationales == nil {
		env.Rationales = []pipeline.Rationale{}
	}

	env.BiasFindings, env.ResponseLimits.BiasFindingsTruncated = capList(in.BiasFindings, BiasFindingsMax)
	env.Options, env.ResponseLimits.OptionsTruncated = capList(in.Options, OptionsMax)
	env.EvidenceSuggestions, env.ResponseLimits.EvidenceSuggestionsTruncated = capList(in.EvidenceSuggestions, EvidenceSuggestionsMax)
	env.SensitivitySuggestions, env.ResponseLimits.SensitivitySuggestionsTruncated = capList(in.SensitivitySuggestions, SensitivitySuggestionsMax)

	f.emitter.Emit("envelope.success", map[string]any{
		"has_validation_issues": len(env.ValidationIssues) > 0,
		"http_status":           200,
		"schema":                schema,
	})
	return env, nil
}

// Failure renders the cee.error.v1 body for a failed request and emits the
// failure event.
func (f *Finalizer) Failure(err error, requestID, correlationID string) (ceeerr.Body, int) {
	body := ceeerr.BodyFor(err, ceeerr.Trace{RequestID: requestID, CorrelationID: correlationID})
	status := 500
	if ce, ok := ceeerr.As(err); ok {
		status = ce.HTTPStatus()
	}
	f.emitter.Emit("envelope.failure", map[string]any{
		"error_code":  string(body.Code),
		"http_status": status,
	})
	return body, status
}

func capList[T any](in []T, max int) ([]T, bool) {
	if len(in) <= max {
		return in, false
	}
	return in[:max], true
}

// qualityScore maps run confidence to 1–10. Warnings and errors among the
// corrections pull the score down; a clean run scores 10.
func qualityScore(pctx *pipeline.Context) int {
	score := 10.0
	for _, c := range pctx.Corrections {
		switch c.Severity {
		case pipeline.SeverityError:
			score -= 2
		case pipeline.SeverityWarn:
			score -= 1
		default:
			score -= 0.25
		}
	}
	if score < 1 {
		return 1
	}
	return int(score)
}
