package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/olumi/cee/internal/analysis"
	"github.com/olumi/cee/internal/ceeerr"
	"github.com/olumi/cee/internal/envelope"
	"github.com/olumi/cee/internal/evidence"
	"github.com/olumi/cee/internal/graph"
	"github.com/olumi/cee/internal/pipeline"
)

// Response headers on every assist endpoint.
const (
	HeaderAPIVersion    = "X-CEE-API-Version"
	HeaderRequestID     = "X-CEE-Request-Id"
	HeaderCorrelationID = "X-Correlation-Id"
	HeaderResumeToken   = "X-Resume-Token"
	HeaderResumeMode    = "X-Resume-Mode"
)

// APIVersion is the value of X-CEE-API-Version on every response.
const APIVersion = "1"

// maxBodyBytes bounds request bodies before decoding.
const maxBodyBytes = 1 << 20

// Rate-limit feature names. Each has an independent one-minute budget.
const (
	FeatureDraftGraph     = "draft-graph"
	FeatureGraphReadiness = "graph-readiness"
	FeatureBiasCheck      = "bias-check"
	FeatureStream         = "stream"
	FeatureEvidencePack   = "evidence-pack"
)

// requestInfo is what the protect wrapper hands each handler: the assigned
// request id, the authenticated caller key, and the already-read body.
type requestInfo struct {
	ID   string
	Key  string
	Body []byte
}

type protectedHandler func(w http.ResponseWriter, r *http.Request, info *requestInfo)

// protect reads the body, authenticates, applies the feature's rate limit,
// and stamps the version and request-id headers before calling the handler.
func (s *Server) protect(feature string, h protectedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := ulid.Make().String()
		w.Header().Set(HeaderAPIVersion, APIVersion)
		w.Header().Set(HeaderRequestID, requestID)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.writeFailure(w, r, ceeerr.Wrap(ceeerr.CodeValidationFailed, "read request body", err), requestID)
			return
		}

		key, err := s.auth.Authenticate(r, body)
		if err != nil {
			var ae *AuthError
			msg := "authentication failed"
			if errors.As(err, &ae) {
				msg = ae.Message
			}
			s.writeFailure(w, r, ceeerr.New(ceeerr.CodeBadInput, msg), requestID)
			return
		}

		if err := s.limiter.Allow(feature, key); err != nil {
			if ce, ok := ceeerr.As(err); ok {
				if secs, ok := ce.Details["retry_after_seconds"].(int); ok {
					w.Header().Set("Retry-After", strconv.Itoa(secs))
				}
			}
			s.writeFailure(w, r, err, requestID)
			return
		}

		h(w, r, &requestInfo{ID: requestID, Key: key, Body: body})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("write response: %v", err)
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error, requestID string) {
	body, status := s.finalizer.Failure(err, requestID, r.Header.Get(HeaderCorrelationID))
	s.writeJSON(w, status, body)
}

// --- draft-graph ---

type draftGraphRequest struct {
	Brief         string `json:"brief"`
	ArchetypeHint string `json:"archetype_hint,omitempty"`
	Seed          int64  `json:"seed,omitempty"`
}

// normaliseSchema maps the schema query values onto the render schemas.
// v2 is also reachable as "2" and "2.2"; empty means v3.
func normaliseSchema(q string) (string, error) {
	switch q {
	case "", "v3", "3":
		return envelope.SchemaV3, nil
	case "v2", "2", "2.2":
		return envelope.SchemaV2, nil
	case "v1", "1":
		return envelope.SchemaV1, nil
	}
	return "", fmt.Errorf("unknown schema %q", q)
}

func (s *Server) handleDraftGraph(w http.ResponseWriter, r *http.Request, info *requestInfo) {
	var req draftGraphRequest
	if err := json.Unmarshal(info.Body, &req); err != nil {
		s.writeFailure(w, r, ceeerr.Wrap(ceeerr.CodeValidationFailed, "invalid request body", err), info.ID)
		return
	}
	if strings.TrimSpace(req.Brief) == "" {
		s.writeFailure(w, r, ceeerr.New(ceeerr.CodeValidationFailed, "brief is required"), info.ID)
		return
	}
	schema, err := normaliseSchema(r.URL.Query().Get("schema"))
	if err != nil {
		s.writeFailure(w, r, ceeerr.New(ceeerr.CodeValidationFailed, err.Error()), info.ID)
		return
	}

	pctx, err := s.pipeline.DraftGraph(r.Context(), pipeline.DraftRequest{
		RequestID:     info.ID,
		Brief:         req.Brief,
		ArchetypeHint: req.ArchetypeHint,
		Seed:          req.Seed,
		Timeout:       s.config.DraftTimeout,
	}, nil)
	if err != nil {
		s.writeFailure(w, r, err, info.ID)
		return
	}

	in := envelope.Input{
		Schema:        schema,
		CorrelationID: r.Header.Get(HeaderCorrelationID),
		BiasFindings:  analysis.BiasCheck(pctx.Graph),
	}
	s.attachSuggestions(r.Context(), pctx, &in)

	env, err := s.finalizer.Finalize(pctx, in)
	if err != nil {
		s.writeFailure(w, r, err, info.ID)
		return
	}
	s.writeJSON(w, http.StatusOK, env)
}

// attachSuggestions runs the suggest-options call over the drafted graph and
// folds the lists into the envelope input. The draft already succeeded, so a
// suggestion failure is logged and the envelope ships without the lists.
func (s *Server) attachSuggestions(ctx context.Context, pctx *pipeline.Context, in *envelope.Input) {
	sugg, err := s.pipeline.SuggestOptions(ctx, pctx)
	if err != nil {
		s.logger.Printf("suggest options for %s: %v", pctx.RequestID, err)
		return
	}
	in.Options = sugg.Options
	in.EvidenceSuggestions = sugg.EvidenceSuggestions
	in.SensitivitySuggestions = sugg.SensitivitySuggestions
}

// --- graph-readiness ---

type graphRequest struct {
	Graph *graph.Graph `json:"graph"`
	Seed  int64        `json:"seed,omitempty"`
}

type readinessResponse struct {
	ReadinessScore   int          `json:"readiness_score"`
	ReadinessLevel   string       `json:"readiness_level"`
	ConfidenceLevel  string       `json:"confidence_level"`
	QualityFactors   []string     `json:"quality_factors"`
	CanRunAnalysis   bool         `json:"can_run_analysis"`
	TotalFactorCount int          `json:"total_factor_count"`
	UserQuestions    int          `json:"user_question_count"`
	FactorCount      int          `json:"factor_count"` // deprecated mirror of total_factor_count
	MissingInputs    []string     `json:"missing_inputs,omitempty"`
	Trace            ceeerr.Trace `json:"trace"`
}

func (s *Server) handleGraphReadiness(w http.ResponseWriter, r *http.Request, info *requestInfo) {
	g, ok := s.decodeGraph(w, r, info)
	if !ok {
		return
	}
	report := analysis.Readiness(g)
	s.writeJSON(w, http.StatusOK, readinessResponse{
		ReadinessScore:   report.Score,
		ReadinessLevel:   report.Level,
		ConfidenceLevel:  confidenceFor(report.Level),
		QualityFactors:   qualityFactors(report),
		CanRunAnalysis:   report.CanRunAnalysis,
		TotalFactorCount: report.TotalFactorCount,
		UserQuestions:    report.UserQuestionCount,
		FactorCount:      report.FactorCount,
		MissingInputs:    report.MissingInputs,
		Trace:            ceeerr.Trace{RequestID: info.ID, CorrelationID: r.Header.Get(HeaderCorrelationID)},
	})
}

func confidenceFor(level string) string {
	switch level {
	case analysis.LevelReady:
		return "high"
	case analysis.LevelFair:
		return "medium"
	}
	return "low"
}

// qualityFactors names the readiness dimensions the graph already satisfies;
// the inverse of MissingInputs, plus the question signal.
func qualityFactors(report analysis.ReadinessReport) []string {
	missing := map[string]bool{}
	for _, m := range report.MissingInputs {
		missing[m] = true
	}
	factors := []string{}
	if !missing["goal"] {
		factors = append(factors, "goal_present")
	}
	if !missing["option"] {
		factors = append(factors, "options_present")
	}
	if !missing["valued_factor"] {
		factors = append(factors, "valued_factors_present")
	}
	if report.UserQuestionCount > 0 {
		factors = append(factors, "user_questions_present")
	}
	return factors
}

func (s *Server) decodeGraph(w http.ResponseWriter, r *http.Request, info *requestInfo) (*graph.Graph, bool) {
	var req graphRequest
	if err := json.Unmarshal(info.Body, &req); err != nil {
		s.writeFailure(w, r, ceeerr.Wrap(ceeerr.CodeValidationFailed, "invalid request body", err), info.ID)
		return nil, false
	}
	if req.Graph == nil {
		s.writeFailure(w, r, ceeerr.New(ceeerr.CodeValidationFailed, "graph is required"), info.ID)
		return nil, false
	}
	if err := req.Graph.Validate(); err != nil {
		s.writeFailure(w, r, ceeerr.Wrap(ceeerr.CodeGraphInvalid, err.Error(), err), info.ID)
		return nil, false
	}
	return req.Graph, true
}

// --- bias-check ---

type biasCheckResponse struct {
	BiasFindings []analysis.BiasFinding `json:"bias_findings"`
	Trace        ceeerr.Trace           `json:"trace"`
}

func (s *Server) handleBiasCheck(w http.ResponseWriter, r *http.Request, info *requestInfo) {
	g, ok := s.decodeGraph(w, r, info)
	if !ok {
		return
	}
	findings := analysis.BiasCheck(g)
	if findings == nil {
		findings = []analysis.BiasFinding{}
	}
	s.writeJSON(w, http.StatusOK, biasCheckResponse{
		BiasFindings: findings,
		Trace:        ceeerr.Trace{RequestID: info.ID, CorrelationID: r.Header.Get(HeaderCorrelationID)},
	})
}

// --- stream ---

// stagePayload is the data member of stage events.
type stagePayload struct {
	Stage   string          `json:"stage"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type resumePayload struct {
	Token string `json:"token"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, info *requestInfo) {
	var req draftGraphRequest
	if err := json.Unmarshal(info.Body, &req); err != nil {
		s.writeFailure(w, r, ceeerr.Wrap(ceeerr.CodeValidationFailed, "invalid request body", err), info.ID)
		return
	}
	if strings.TrimSpace(req.Brief) == "" {
		s.writeFailure(w, r, ceeerr.New(ceeerr.CodeValidationFailed, "brief is required"), info.ID)
		return
	}
	flusher, ok := sseHeaders(w)
	if !ok {
		s.writeFailure(w, r, ceeerr.New(ceeerr.CodeInternalError, "streaming unsupported by connection"), info.ID)
		return
	}

	st := s.hub.Open(info.ID)
	// The producer runs on the server's base context: a dropped connection
	// must not kill the draft, or there is nothing to resume.
	go s.produceDraft(st, req, r.Header.Get(HeaderCorrelationID))

	s.followStream(w, r, flusher, st, -1)
}

// produceDraft drives the pipeline and appends its progress to the stream:
// seq 0 is the opening stage event, seq 1 the signed resume token, then one
// stage event per pipeline stage, then the terminal complete or error event.
func (s *Server) produceDraft(st *Stream, req draftGraphRequest, correlationID string) {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.config.DraftTimeout)
	defer cancel()

	appendStage := func(name string, payload json.RawMessage) {
		data, err := json.Marshal(stagePayload{Stage: name, Payload: payload})
		if err != nil {
			return
		}
		st.Append(EventStage, data)
	}

	appendStage("DRAFTING", nil)
	token, err := s.signer.Sign(ResumeToken{RequestID: st.RequestID, Step: "DRAFTING", Seq: 1})
	if err == nil {
		data, _ := json.Marshal(resumePayload{Token: token})
		st.Append(EventResume, data)
	}

	pctx, err := s.pipeline.DraftGraph(ctx, pipeline.DraftRequest{
		RequestID:     st.RequestID,
		Brief:         req.Brief,
		ArchetypeHint: req.ArchetypeHint,
		Seed:          req.Seed,
		Timeout:       s.config.DraftTimeout,
	}, stageSink{appendStage})
	if err != nil {
		body, _ := s.finalizer.Failure(err, st.RequestID, correlationID)
		data, merr := json.Marshal(body)
		if merr != nil {
			st.Abort()
			return
		}
		st.Append(EventError, data)
		return
	}

	in := envelope.Input{
		CorrelationID: correlationID,
		BiasFindings:  analysis.BiasCheck(pctx.Graph),
	}
	s.attachSuggestions(ctx, pctx, &in)

	env, err := s.finalizer.Finalize(pctx, in)
	if err != nil {
		body, _ := s.finalizer.Failure(err, st.RequestID, correlationID)
		if data, merr := json.Marshal(body); merr == nil {
			st.Append(EventError, data)
		} else {
			st.Abort()
		}
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		st.Abort()
		return
	}
	st.Append(EventComplete, data)
}

// stageSink forwards pipeline stage starts to the stream as stage events.
type stageSink struct {
	appendStage func(name string, payload json.RawMessage)
}

func (s stageSink) StageStarted(stage string) { s.appendStage(strings.ToUpper(stage), nil) }

func (s stageSink) StageCompleted(string, error) {}

// followStream replays buffered events after afterSeq and then follows live
// appends, emitting heartbeats, until the stream terminates or the client
// disconnects.
func (s *Server) followStream(w http.ResponseWriter, r *http.Request, flusher http.Flusher, st *Stream, afterSeq int) {
	replay, live, done, unsub := st.Subscribe(afterSeq)
	defer unsub()

	for _, ev := range replay {
		writeSSEEvent(w, flusher, ev)
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-live:
			if !ok {
				select {
				case <-done:
					// Terminal event already written above or via the channel.
				default:
					// Dropped as a slow subscriber or the stream was aborted.
				}
				return
			}
			writeSSEEvent(w, flusher, ev)
			if ev.Terminal() {
				return
			}
		case <-heartbeat.C:
			writeSSEHeartbeat(w, flusher)
		case <-r.Context().Done():
			return
		}
	}
}

// --- resume ---

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, info *requestInfo) {
	raw := r.Header.Get(HeaderResumeToken)
	if raw == "" {
		s.writeFailure(w, r, ceeerr.New(ceeerr.CodeBadInput, "missing resume token"), info.ID)
		return
	}
	tok, err := s.signer.Verify(raw)
	if err != nil {
		s.writeFailure(w, r, ceeerr.New(ceeerr.CodeBadInput, "invalid resume token"), info.ID)
		return
	}
	st := s.hub.Get(tok.RequestID)
	if st == nil {
		body := ceeerr.Body{
			Schema:    "cee.error.v1",
			Code:      ceeerr.CodeValidationFailed,
			Message:   "stream unknown or expired; start a new stream",
			Retryable: false,
			Trace:     ceeerr.Trace{RequestID: info.ID, CorrelationID: r.Header.Get(HeaderCorrelationID)},
			Details:   map[string]any{"upgrade": "resume=unsupported"},
		}
		s.writeJSON(w, http.StatusUpgradeRequired, body)
		return
	}

	live := r.URL.Query().Get("mode") == "live" || r.Header.Get(HeaderResumeMode) == "live"
	if live && !s.config.ResumeLiveEnabled {
		// Live resume disabled: degrade to replay-only.
		live = false
	}

	flusher, ok := sseHeaders(w)
	if !ok {
		s.writeFailure(w, r, ceeerr.New(ceeerr.CodeInternalError, "streaming unsupported by connection"), info.ID)
		return
	}

	if live {
		s.followStream(w, r, flusher, st, tok.Seq)
		return
	}

	// Replay-only: emit everything buffered past the token, then a final
	// heartbeat when the stream is still in progress, then close.
	for _, ev := range st.Snapshot(tok.Seq) {
		writeSSEEvent(w, flusher, ev)
	}
	if !st.Terminated() {
		writeSSEHeartbeat(w, flusher)
	}
}

// --- evidence pack ---

func (s *Server) handleEvidencePack(w http.ResponseWriter, r *http.Request, info *requestInfo) {
	if !s.config.EvidencePackEnabled {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	var pack evidence.Pack
	if err := json.Unmarshal(info.Body, &pack); err != nil {
		s.writeFailure(w, r, ceeerr.Wrap(ceeerr.CodeValidationFailed, "invalid request body", err), info.ID)
		return
	}
	pack.RequestID = info.ID

	format := r.URL.Query().Get("format")
	if format == "" {
		format = evidence.FormatJSON
	}
	out, err := evidence.Export(&pack, format)
	if err != nil {
		s.writeFailure(w, r, ceeerr.New(ceeerr.CodeValidationFailed, err.Error()), info.ID)
		return
	}
	w.Header().Set("Content-Type", out.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", out.Filename))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out.Body); err != nil {
		s.logger.Printf("write evidence pack: %v", err)
	}
}

// --- health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(HeaderAPIVersion, APIVersion)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"active_streams": s.hub.Len(),
		"time":           time.Now().UTC().Format(time.RFC3339),
	})
}
