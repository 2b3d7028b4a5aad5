package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/olumi/cee/internal/ceeerr"
	"github.com/olumi/cee/internal/graph"
	"github.com/olumi/cee/internal/llm"
	"github.com/olumi/cee/internal/prompt"
	"github.com/olumi/cee/internal/telemetry"
)

// LegacyDisabledMessage is the stable message legacy entry points fail with
// when the flag is off. Kept greppable; do not reword casually.
const LegacyDisabledMessage = "legacy draft pipeline is disabled (set CEE_LEGACY_PIPELINE_ENABLED=true to re-enable)"

// ProgressSink receives stage checkpoints as the pipeline runs. The SSE hub
// implements it to forward stage events to stream subscribers.
type ProgressSink interface {
	StageStarted(stage string)
	StageCompleted(stage string, err error)
}

type nopSink struct{}

func (nopSink) StageStarted(string)          {}
func (nopSink) StageCompleted(string, error) {}

// DraftRequest is the pipeline's input.
type DraftRequest struct {
	RequestID     string
	Brief         string
	ArchetypeHint string
	Seed          int64
	Timeout       time.Duration
}

// Pipeline runs parse → normalise → enrich → repair → package → boundary over
// the upstream draft payload.
type Pipeline struct {
	adapter       llm.Adapter
	prompts       *prompt.Registry
	emitter       telemetry.Emitter
	legacyEnabled bool
}

type PipelineOption func(*Pipeline)

func WithLegacyEnabled(enabled bool) PipelineOption {
	return func(p *Pipeline) { p.legacyEnabled = enabled }
}

func New(adapter llm.Adapter, prompts *prompt.Registry, emitter telemetry.Emitter, opts ...PipelineOption) *Pipeline {
	if emitter == nil {
		emitter = telemetry.Nop{}
	}
	p := &Pipeline{adapter: adapter, prompts: prompts, emitter: emitter}
	for _, o := range opts {
		o(p)
	}
	return p
}

type stage struct {
	name string
	run  func(*Context) error
}

var draftStages = []stage{
	{"parse", parseStage},
	{"normalise", normaliseStage},
	{"enrich", enrichStage},
	{"repair", repairStage},
	{"package", packageStage},
	{"boundary", boundaryStage},
}

// DraftGraph resolves the system prompt, calls the failover facade, and runs
// the staged pipeline over the result. The returned Context carries the
// packaged graph plus the full correction and deletion audit.
func (p *Pipeline) DraftGraph(ctx context.Context, req DraftRequest, sink ProgressSink) (*Context, error) {
	if sink == nil {
		sink = nopSink{}
	}
	pctx := NewContext(req.RequestID, req.Brief, req.Seed)
	pctx.ArchetypeHint = req.ArchetypeHint

	system, err := p.systemPrompt(ctx, req)
	if err != nil {
		return pctx, ceeerr.Wrap(ceeerr.CodeInternalError, "resolve system prompt", err)
	}

	result, err := p.adapter.DraftGraph(ctx, llm.DraftGraphArgs{
		Brief:         req.Brief,
		ArchetypeHint: req.ArchetypeHint,
		Seed:          req.Seed,
		SystemPrompt:  system,
	}, llm.CallOpts{RequestID: req.RequestID, Timeout: req.Timeout})
	if err != nil {
		return pctx, upstreamError(err)
	}
	pctx.RawPayload = result.JSON
	pctx.Meta = result.Meta

	if err := p.runStages(ctx, pctx, draftStages, sink); err != nil {
		return pctx, err
	}
	return pctx, nil
}

// Run executes the staged pipeline over an already-fetched payload. The SSE
// path uses it after assembling the streamed body.
func (p *Pipeline) Run(ctx context.Context, pctx *Context, sink ProgressSink) error {
	if sink == nil {
		sink = nopSink{}
	}
	return p.runStages(ctx, pctx, draftStages, sink)
}

func (p *Pipeline) runStages(ctx context.Context, pctx *Context, stages []stage, sink ProgressSink) (err error) {
	for _, s := range stages {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		sink.StageStarted(s.name)
		serr := p.runStage(s, pctx)
		pctx.checkpoint(s.name, serr)
		sink.StageCompleted(s.name, serr)
		if serr != nil {
			return stageError(s.name, serr)
		}
	}
	return nil
}

// runStage isolates stage panics: a degenerate graph crashing enrichment is a
// graph problem, not a process problem.
func (p *Pipeline) runStage(s stage, pctx *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %s panicked: %v", s.name, r)
			if s.name == "enrich" {
				err = ceeerr.New(ceeerr.CodeGraphInvalid, "enrichment failed on degenerate graph").
					WithDetail("reason", "enrichment_failed")
			}
		}
	}()
	return s.run(pctx)
}

// DraftGraphLegacy is the pre-unification code path. It is gated: when the
// flag is off every call fails with LegacyDisabledMessage. When on, it runs
// the reduced parse → normalise → package sequence with no enrichment.
func (p *Pipeline) DraftGraphLegacy(ctx context.Context, req DraftRequest, sink ProgressSink) (*Context, error) {
	if !p.legacyEnabled {
		return nil, ceeerr.New(ceeerr.CodeValidationFailed, LegacyDisabledMessage)
	}
	if sink == nil {
		sink = nopSink{}
	}
	pctx := NewContext(req.RequestID, req.Brief, req.Seed)
	pctx.ArchetypeHint = req.ArchetypeHint

	system, err := p.systemPrompt(ctx, req)
	if err != nil {
		return pctx, ceeerr.Wrap(ceeerr.CodeInternalError, "resolve system prompt", err)
	}
	result, err := p.adapter.DraftGraph(ctx, llm.DraftGraphArgs{
		Brief: req.Brief, ArchetypeHint: req.ArchetypeHint, Seed: req.Seed, SystemPrompt: system,
	}, llm.CallOpts{RequestID: req.RequestID, Timeout: req.Timeout})
	if err != nil {
		return pctx, upstreamError(err)
	}
	pctx.RawPayload = result.JSON
	pctx.Meta = result.Meta

	legacy := []stage{
		{"parse", parseStage},
		{"normalise", normaliseStage},
		{"package", packageStage},
		{"boundary", boundaryStage},
	}
	if err := p.runStages(ctx, pctx, legacy, sink); err != nil {
		return pctx, err
	}
	return pctx, nil
}

func (p *Pipeline) systemPrompt(ctx context.Context, req DraftRequest) (string, error) {
	if p.prompts == nil {
		return "", nil
	}
	return p.prompts.GetSystemPromptAsync(ctx, llm.OpDraftGraph,
		prompt.Context{RequestID: req.RequestID}, nil)
}

// stageError maps a stage failure onto the closed taxonomy.
func stageError(stageName string, err error) error {
	var ce *ceeerr.Error
	if errors.As(err, &ce) {
		return ce
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return ceeerr.New(ceeerr.CodeLLMValidationFailed, pe.Message).
			WithDetail("reason", pe.Reason).
			WithRecovery(
				"The model returned a malformed draft. Retry the request; repeated failures usually mean the brief confuses the model.",
				"retry the request", "simplify the brief", "remove contradictory constraints",
			)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ceeerr.Wrap(ceeerr.CodeInternalError, fmt.Sprintf("stage %s failed", stageName), err)
}

// upstreamError maps adapter and failover failures onto the taxonomy.
func upstreamError(err error) error {
	var te *llm.TimeoutError
	if errors.As(err, &te) {
		return ceeerr.Wrap(ceeerr.CodeLLMTimeout, "upstream model timed out", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ceeerr.Wrap(ceeerr.CodeLLMTimeout, "upstream model timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var fe *llm.FailoverExhaustedError
	if errors.As(err, &fe) {
		return ceeerr.Wrap(ceeerr.CodeServiceUnavailable, "all providers failed", err)
	}
	var le llm.Error
	if errors.As(err, &le) {
		return ceeerr.Wrap(ceeerr.CodeLLMUpstreamError, "upstream model call failed", err)
	}
	return ceeerr.Wrap(ceeerr.CodeLLMUpstreamError, "upstream model call failed", err)
}

// packageStage finalises the canonical artefact: version tag, seed, meta
// roots/leaves, canonical order, audit fingerprint.
func packageStage(pctx *Context) error {
	g := pctx.Graph
	if g.Version == "" {
		g.Version = "3.0"
	}
	if g.Seed == 0 {
		g.Seed = pctx.Seed
	}
	g.SortCanonical()
	g.Meta.Roots, g.Meta.Leaves = rootsAndLeaves(g)
	if g.Meta.Source == "" {
		g.Meta.Source = "cee"
	}

	canonical, err := g.MarshalJSON()
	if err != nil {
		return fmt.Errorf("serialise packaged graph: %w", err)
	}
	pctx.AuditFingerprint = fingerprint(canonical)
	return nil
}

func rootsAndLeaves(g *graph.Graph) (roots, leaves []string) {
	hasIn := map[string]bool{}
	hasOut := map[string]bool{}
	for _, e := range g.Edges {
		hasOut[e.From] = true
		hasIn[e.To] = true
	}
	for _, n := range g.Nodes {
		if !hasIn[n.ID] {
			roots = append(roots, n.ID)
		}
		if !hasOut[n.ID] {
			leaves = append(leaves, n.ID)
		}
	}
	return roots, leaves
}

// boundaryStage is the final gate: structural validity and the invariants
// every consumer relies on. A failure here is a pipeline bug, not bad input.
func boundaryStage(pctx *Context) error {
	g := pctx.Graph
	if err := g.Validate(); err != nil {
		return fmt.Errorf("boundary validation: %w", err)
	}
	if !g.IsCanonical() {
		return fmt.Errorf("boundary validation: graph not in canonical order")
	}
	for _, e := range g.Edges {
		if e.Strength.Std < graph.MinStrengthStd {
			return fmt.Errorf("boundary validation: edge %s std %v below floor", e.ID, e.Strength.Std)
		}
	}
	if cycle := g.FindCycle(); len(cycle) > 0 {
		return fmt.Errorf("boundary validation: cycle survived repair")
	}
	return nil
}
