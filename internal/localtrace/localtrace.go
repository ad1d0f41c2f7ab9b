// Package localtrace drives a single LLM racer decision step outside of
// any room, for offline tooling that wants per-step OpenTelemetry spans
// without paying for the full room/orchestrator machinery. A caller opens
// a run with Start, drives it forward with repeated Step calls, and closes
// it with End; an idle run is ended automatically after its TTL elapses.
package localtrace

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/andrewginns/wikirace-arena/internal/v1/llmdecision"
	"github.com/andrewginns/wikirace-arena/internal/v1/llmexec"
	"github.com/andrewginns/wikirace-arena/internal/v1/logging"
	"github.com/andrewginns/wikirace-arena/internal/v1/roommodel"
)

const tracerName = "wikirace-arena/localtrace"

// entry is one live headless run: the span it owns plus the bookkeeping
// the idle sweep needs.
type entry struct {
	span        trace.Span
	traceparent string
	spanName    string
	lastSeen    time.Time
}

// Store holds every live headless run's span, keyed by "sessionID:runID".
// Mirrors roomreg's single-mutex-over-a-map shape; headless runs are rare
// and short-lived enough that per-entry locking isn't worth it.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewStore builds an empty Store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

func key(sessionID, runID string) string {
	return sessionID + ":" + runID
}

// StartRequest is the POST /llm/local_run/start body.
type StartRequest struct {
	SessionID             string `json:"session_id"`
	RunID                 string `json:"run_id"`
	Model                 string `json:"model"`
	APIBase               string `json:"api_base,omitempty"`
	OpenAIAPIMode         string `json:"openai_api_mode,omitempty"`
	OpenAIReasoningEffort string `json:"openai_reasoning_effort,omitempty"`
}

// StartResponse is the POST /llm/local_run/start wire shape.
type StartResponse struct {
	Traceparent string `json:"traceparent"`
	SpanName    string `json:"span_name"`
}

// Start opens (or, if session_id:run_id already has a live span, reuses)
// a headless run's trace. Reusing an entry touches its idle clock instead
// of starting a second span for the same run.
func (s *Store) Start(ctx context.Context, req StartRequest) (StartResponse, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	runID := strings.TrimSpace(req.RunID)
	model := strings.TrimSpace(req.Model)
	if sessionID == "" || runID == "" || model == "" {
		return StartResponse{}, fmt.Errorf("session_id, run_id and model are required")
	}
	k := key(sessionID, runID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[k]; ok {
		e.lastSeen = time.Now().UTC()
		return StartResponse{Traceparent: e.traceparent, SpanName: e.spanName}, nil
	}

	spanName := runSpanName(model, req.OpenAIReasoningEffort)

	spanCtx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(
		attribute.String("wikirace.mode", "local"),
		attribute.String("session_id", sessionID),
		attribute.String("run_id", runID),
		attribute.String("model", model),
		attribute.String("wikirace.provider", providerTag(model)),
	))

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(spanCtx, carrier)
	traceparent := carrier.Get("traceparent")
	if traceparent == "" {
		span.End()
		return StartResponse{}, fmt.Errorf("failed to inject traceparent for run %s", k)
	}

	s.entries[k] = &entry{
		span:        span,
		traceparent: traceparent,
		spanName:    spanName,
		lastSeen:    time.Now().UTC(),
	}

	return StartResponse{Traceparent: traceparent, SpanName: spanName}, nil
}

// EndRequest is the POST /llm/local_run/end body.
type EndRequest struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
}

// End closes a run's span, if one is still live. Ending an unknown or
// already-ended run is not an error: the caller's end call races the idle
// sweep by design.
func (s *Store) End(req EndRequest) error {
	sessionID := strings.TrimSpace(req.SessionID)
	runID := strings.TrimSpace(req.RunID)
	if sessionID == "" || runID == "" {
		return fmt.Errorf("session_id and run_id are required")
	}
	k := key(sessionID, runID)

	s.mu.Lock()
	e, ok := s.entries[k]
	if ok {
		delete(s.entries, k)
	}
	s.mu.Unlock()

	if ok {
		e.span.End()
	}
	return nil
}

// touch extends a live run's idle clock. Called by Step so a long chain
// of steps doesn't get swept mid-run.
func (s *Store) touch(sessionID, runID string) {
	sessionID = strings.TrimSpace(sessionID)
	runID = strings.TrimSpace(runID)
	if sessionID == "" || runID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key(sessionID, runID)]; ok {
		e.lastSeen = time.Now().UTC()
	}
}

// StepRequest is the POST /llm/local_run/step body: the optional
// session/run identifiers that scope a trace, plus the full state the
// decision needs since there is no room to read it from.
type StepRequest struct {
	SessionID          string
	RunID              string
	StartArticle       string           `json:"start_article"`
	DestinationArticle string           `json:"destination_article"`
	Model              string           `json:"model"`
	APIBase            string           `json:"api_base,omitempty"`
	ReasoningEffort    string           `json:"openai_reasoning_effort,omitempty"`
	Steps              []roommodel.Step `json:"steps,omitempty"`
	MaxSteps           int              `json:"max_steps,omitempty"`
	MaxLinks           *int             `json:"max_links,omitempty"`
	MaxTokens          *int             `json:"max_tokens,omitempty"`
}

// StepResponse is the POST /llm/local_run/step wire shape.
type StepResponse struct {
	Step roommodel.Step `json:"step"`
}

// Step runs exactly one decision via llmexec.ComputeStep against the
// request's own state (no room, no registry), touching the run's trace
// if session/run identifiers point at one.
func (s *Store) Step(ctx context.Context, graph llmexec.Graph, gw llmexec.Gateway, maxTries int, req StepRequest) (StepResponse, error) {
	s.touch(req.SessionID, req.RunID)

	start := normalizeTitle(req.StartArticle)
	destination := normalizeTitle(req.DestinationArticle)
	if strings.TrimSpace(req.Model) == "" {
		return StepResponse{}, fmt.Errorf("model is required")
	}

	var articles []string
	for _, st := range req.Steps {
		articles = append(articles, st.Article)
	}
	current := start
	if len(req.Steps) > 0 {
		current = req.Steps[len(req.Steps)-1].Article
	}

	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 20
	}

	snap := &llmexec.Snapshot{
		Current:     current,
		Destination: destination,
		NextHops:    len(req.Steps) + 1,
		MaxSteps:    maxSteps,
		MaxLinks:    req.MaxLinks,
		MaxTokens:   req.MaxTokens,
		LLM: roommodel.LLMParams{
			Model:           req.Model,
			APIBase:         req.APIBase,
			ReasoningEffort: req.ReasoningEffort,
		},
		PathSoFar: llmdecision.PathSoFar(start, articles),
	}

	outcome, err := llmexec.ComputeStep(ctx, graph, gw, maxTries, snap)
	if err != nil {
		logging.Warn(ctx, "local run step failed", zap.String("session_id", req.SessionID), zap.String("run_id", req.RunID), zap.Error(err))
		outcome = &llmexec.StepOutcome{
			StepType: roommodel.StepLose,
			Article:  current,
			Metadata: map[string]any{"reason": "llm_error", "error": err.Error()},
			Terminal: true,
		}
	}

	article := outcome.Article
	if outcome.StepType == roommodel.StepMove || outcome.StepType == roommodel.StepLose {
		if canonical, cerr := graph.Canonical(ctx, article); cerr == nil && canonical != "" {
			article = canonical
		}
	}

	return StepResponse{Step: roommodel.Step{
		Type:    outcome.StepType,
		Article: article,
		At:      time.Now().UTC(),
		Extra:   outcome.Metadata,
	}}, nil
}

// Sweep ends and evicts every run whose last_seen is older than ttl. Meant
// to be run on a ticker by the caller, mirroring roomreg.Registry.IdleReap.
func (s *Store) Sweep(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-ttl)

	s.mu.Lock()
	var stale []*entry
	for k, e := range s.entries {
		if e.lastSeen.Before(cutoff) {
			stale = append(stale, e)
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()

	for _, e := range stale {
		e.span.End()
	}
}

// Run starts a ticker that calls Sweep every interval until ctx is
// cancelled, then ends every remaining live span. Grounded on the same
// cleanup/shutdown shape the room registry's idle reaper uses.
func (s *Store) Run(ctx context.Context, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.endAll()
			return
		case <-ticker.C:
			s.Sweep(ttl)
		}
	}
}

func (s *Store) endAll() {
	s.mu.Lock()
	var all []*entry
	for k, e := range s.entries {
		all = append(all, e)
		delete(s.entries, k)
	}
	s.mu.Unlock()

	for _, e := range all {
		e.span.End()
	}
}

// runSpanName computes a stable parent span name for a run: the model
// name with its provider prefix dropped, suffixed with the reasoning
// effort when one is given.
//
// Examples:
//
//	runSpanName("openai-responses:gpt-5.2", "medium") -> "gpt-5.2-medium"
//	runSpanName("openai-responses:gpt-5.2", "")        -> "gpt-5.2"
func runSpanName(model, reasoningEffort string) string {
	raw := strings.TrimSpace(model)
	if raw == "" {
		return "unknown"
	}
	modelName := raw
	if i := strings.Index(raw, ":"); i >= 0 {
		modelName = raw[i+1:]
	}
	effort := strings.ToLower(strings.TrimSpace(reasoningEffort))
	if effort != "" {
		return modelName + "-" + effort
	}
	return modelName
}

// providerTag extracts the provider prefix of a "provider:model" string,
// falling back to "unknown" when there's no prefix.
func providerTag(model string) string {
	raw := strings.TrimSpace(model)
	if i := strings.Index(raw, ":"); i > 0 {
		return raw[:i]
	}
	return "unknown"
}

func normalizeTitle(title string) string {
	return strings.TrimSpace(strings.ReplaceAll(title, "_", " "))
}
