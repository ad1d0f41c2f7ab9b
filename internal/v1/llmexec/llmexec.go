// Package llmexec runs the per-run background loop that drives an LLM
// racer: snapshot the room under lock, call out to the graph and the
// model unlocked, then re-acquire the lock to commit one step with a
// last-article precondition check.
package llmexec

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/andrewginns/wikirace-arena/internal/v1/broadcast"
	"github.com/andrewginns/wikirace-arena/internal/v1/llmdecision"
	"github.com/andrewginns/wikirace-arena/internal/v1/llmgateway"
	"github.com/andrewginns/wikirace-arena/internal/v1/logging"
	"github.com/andrewginns/wikirace-arena/internal/v1/metrics"
	"github.com/andrewginns/wikirace-arena/internal/v1/roommodel"
	"github.com/andrewginns/wikirace-arena/internal/v1/roomreg"
)

// Graph is the subset of graphdb.Store the executor needs.
type Graph interface {
	Resolve(ctx context.Context, title string) (string, error)
	Canonical(ctx context.Context, title string) (string, error)
	ArticleWithLinks(ctx context.Context, title string) (resolvedTitle string, links []string, found bool, err error)
}

// Gateway is the subset of llmgateway.Gateway the decision protocol calls
// through.
type Gateway interface {
	Call(ctx context.Context, prompt string, params llmgateway.Params) (string, *llmgateway.Usage, error)
}

// Manager spawns and runs every live LLM executor in the process.
// Implements orchestrator.Executors.
type Manager struct {
	reg   *roomreg.Registry
	graph Graph
	gw    Gateway
	hub   *broadcast.Hub

	maxTries int
}

// New builds a Manager. maxTries is the default answer-retry budget
// passed to llmdecision.ChooseLink (0 selects llmdecision.DefaultMaxTries).
func New(reg *roomreg.Registry, graph Graph, gw Gateway, hub *broadcast.Hub, maxTries int) *Manager {
	return &Manager{reg: reg, graph: graph, gw: gw, hub: hub, maxTries: maxTries}
}

// Spawn starts the executor goroutine for (roomCode, runID), registering
// its cancel function with the registry so a restart/cancel of the same
// run stops this one first (single-executor invariant of §4.5).
func (m *Manager) Spawn(roomCode, runID string) {
	ctx, cancel := context.WithCancel(context.Background())
	m.reg.RegisterTask(roomCode, runID, cancel)
	metrics.ActiveLLMExecutors.Inc()
	go func() {
		defer metrics.ActiveLLMExecutors.Dec()
		m.loop(ctx, roomCode, runID)
	}()
}

// Snapshot is the unlocked state one decision step needs: the current and
// destination articles, hop counters, per-run overrides, and the path
// travelled so far. Exported so internal/localtrace can drive the same
// decision logic outside of any room.
type Snapshot struct {
	Current     string
	Destination string
	NextHops    int
	MaxSteps    int
	MaxLinks    *int
	MaxTokens   *int
	LLM         roommodel.LLMParams
	PathSoFar   []string
}

func (m *Manager) loop(ctx context.Context, roomCode, runID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		snap, ok := m.takeSnapshot(roomCode, runID)
		if !ok {
			return // room/run gone or no longer running: nothing to do
		}

		outcome, err := m.step(ctx, snap)
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled mid-call: the canceller already committed the
				// terminal state under the lock. Don't write anything.
				return
			}
			logStepError(ctx, roomCode, runID, err)
			outcome = &StepOutcome{
				StepType: roommodel.StepLose,
				Article:  snap.Current,
				Metadata: map[string]any{"reason": "llm_error", "error": err.Error()},
			}
		}

		committed := m.commit(ctx, roomCode, runID, snap.Current, outcome)
		if !committed {
			// Stale snapshot: a restart/cancel raced us. The new executor
			// (if any) owns the run now.
			return
		}
		if outcome.Terminal {
			return
		}
	}
}

// takeSnapshot reads the run's current state under the room lock and
// releases it before returning.
func (m *Manager) takeSnapshot(roomCode, runID string) (*Snapshot, bool) {
	var snap *Snapshot
	var ok bool

	_ = m.reg.WithLock(roomCode, func(room *roommodel.Room) error {
		if room.Status != roommodel.RoomRunning {
			return nil
		}
		run := room.FindRun(runID)
		if run == nil || run.Status != roommodel.RunRunning || run.Kind != roommodel.RunKindLLM {
			return nil
		}

		current := room.StartArticle
		var articles []string
		for _, s := range run.Steps {
			articles = append(articles, s.Article)
		}
		if last := run.LastStep(); last != nil {
			current = last.Article
		}

		llm := roommodel.LLMParams{}
		if run.LLM != nil {
			llm = *run.LLM
		}

		snap = &Snapshot{
			Current:     current,
			Destination: room.DestinationArticle,
			NextHops:    run.CompletedHops() + 1,
			MaxSteps:    run.MaxSteps,
			MaxLinks:    run.MaxLinks,
			MaxTokens:   run.MaxTokens,
			LLM:         llm,
			PathSoFar:   llmdecision.PathSoFar(room.StartArticle, articles),
		}
		ok = true
		return nil
	})

	return snap, ok
}

// StepOutcome is the result of one unlocked decision step: what to record
// (if anything committed) and whether the run just finished.
type StepOutcome struct {
	StepType roommodel.StepType
	Article  string
	Metadata map[string]any
	Terminal bool
}

// step performs the unlocked portion of one loop iteration: reaching
// check, link fetch, and the LLM decision protocol.
func (m *Manager) step(ctx context.Context, snap *Snapshot) (*StepOutcome, error) {
	return ComputeStep(ctx, m.graph, m.gw, m.maxTries, snap)
}

// ComputeStep runs one LLM racer decision in isolation: reaching check,
// link fetch (truncated to MaxLinks), the llmdecision retry protocol, and
// the resulting win/lose/move classification. It makes no room-registry
// calls and commits nothing; callers decide what to do with the result.
// Shared by the room executor loop above and internal/localtrace's
// headless per-step harness endpoint.
func ComputeStep(ctx context.Context, graph Graph, gw Gateway, maxTries int, snap *Snapshot) (*StepOutcome, error) {
	if titlesMatch(snap.Current, snap.Destination) {
		return &StepOutcome{StepType: roommodel.StepWin, Article: snap.Destination, Terminal: true}, nil
	}
	canonicalCurrent, err := graph.Canonical(ctx, snap.Current)
	if err == nil && canonicalCurrent != "" {
		canonicalTarget, terr := graph.Canonical(ctx, snap.Destination)
		if terr == nil && canonicalTarget != "" && titlesMatch(canonicalCurrent, canonicalTarget) {
			return &StepOutcome{StepType: roommodel.StepWin, Article: snap.Destination, Terminal: true}, nil
		}
	}

	title, links, found, err := graph.ArticleWithLinks(ctx, snap.Current)
	if err != nil {
		return nil, fmt.Errorf("fetching links for %q: %w", snap.Current, err)
	}
	if !found || title == "" {
		return &StepOutcome{
			StepType: roommodel.StepLose,
			Article:  snap.Current,
			Metadata: map[string]any{"reason": "article_not_found"},
			Terminal: true,
		}, nil
	}

	if snap.MaxLinks != nil && *snap.MaxLinks > 0 && len(links) > *snap.MaxLinks {
		links = links[:*snap.MaxLinks]
	}
	if len(links) == 0 {
		return &StepOutcome{
			StepType: roommodel.StepLose,
			Article:  snap.Current,
			Metadata: map[string]any{"reason": "no_links"},
			Terminal: true,
		}, nil
	}

	outcome, err := llmdecision.ChooseLink(ctx, gw, llmgateway.Params{
		Model:           snap.LLM.Model,
		MaxTokens:       snap.MaxTokens,
		APIBase:         snap.LLM.APIBase,
		ReasoningEffort: snap.LLM.ReasoningEffort,
	}, snap.Current, snap.Destination, snap.PathSoFar, links, maxTries)
	if err != nil {
		return nil, err
	}

	if outcome.ChosenIndex == 0 {
		meta := map[string]any{"reason": "bad_answer"}
		for k, v := range outcome.Metadata {
			meta[k] = v
		}
		return &StepOutcome{StepType: roommodel.StepLose, Article: snap.Current, Metadata: meta, Terminal: true}, nil
	}

	selected := links[outcome.ChosenIndex-1]
	reachedTarget := titlesMatch(selected, snap.Destination)
	if !reachedTarget {
		canonicalSelected, _ := graph.Canonical(ctx, selected)
		canonicalTarget, _ := graph.Canonical(ctx, snap.Destination)
		if canonicalSelected != "" && canonicalTarget != "" && titlesMatch(canonicalSelected, canonicalTarget) {
			reachedTarget = true
		}
	}

	meta := map[string]any{"selected_index": outcome.ChosenIndex}
	for k, v := range outcome.Metadata {
		meta[k] = v
	}

	if reachedTarget {
		return &StepOutcome{StepType: roommodel.StepWin, Article: snap.Destination, Metadata: meta, Terminal: true}, nil
	}
	canonicalSelected, err := graph.Canonical(ctx, selected)
	if err != nil || canonicalSelected == "" {
		canonicalSelected = selected
	}

	if snap.NextHops >= snap.MaxSteps {
		meta["reason"] = "max_steps"
		meta["max_steps"] = snap.MaxSteps
		return &StepOutcome{StepType: roommodel.StepLose, Article: canonicalSelected, Metadata: meta, Terminal: true}, nil
	}

	return &StepOutcome{StepType: roommodel.StepMove, Article: canonicalSelected, Metadata: meta}, nil
}

// commit re-acquires the room lock, re-verifies the room/run are still
// running and that expectedCurrent still equals the run's last article,
// then appends the step. If the precondition fails, the commit is
// silently dropped (stale due to a concurrent restart/cancel).
func (m *Manager) commit(ctx context.Context, roomCode, runID, expectedCurrent string, outcome *StepOutcome) bool {
	if ctx.Err() != nil {
		// Cancelled between the unlocked step and the commit attempt: the
		// canceller already recorded the terminal state under the lock,
		// so this stale executor must not append anything.
		return false
	}

	committed := false
	var resultRoom *roommodel.Room

	_ = m.reg.WithLock(roomCode, func(room *roommodel.Room) error {
		if room.Status != roommodel.RoomRunning {
			return nil
		}
		run := room.FindRun(runID)
		if run == nil || run.Status != roommodel.RunRunning {
			return nil
		}

		actualCurrent := room.StartArticle
		if last := run.LastStep(); last != nil {
			actualCurrent = last.Article
		}
		if actualCurrent != expectedCurrent {
			return nil // stale snapshot; abort without mutating
		}

		t := time.Now().UTC()
		run.Steps = append(run.Steps, roommodel.Step{
			Type:    outcome.StepType,
			Article: outcome.Article,
			At:      t,
			Extra:   outcome.Metadata,
		})

		if outcome.Terminal {
			run.Status = roommodel.RunFinished
			run.FinishedAt = &t
			result := roommodel.RunResultLose
			if outcome.StepType == roommodel.StepWin {
				result = roommodel.RunResultWin
			}
			run.Result = &result

			reason, _ := outcome.Metadata["reason"].(string)
			metrics.LLMRunTerminations.WithLabelValues(string(result), reason).Inc()

			allTerminal := true
			for _, r := range room.Runs {
				if !r.IsTerminal() {
					allTerminal = false
					break
				}
			}
			if allTerminal {
				room.Status = roommodel.RoomFinished
				room.FinishedAt = &t
			}
		}

		room.Touch(t)
		committed = true
		resultRoom = room
		return nil
	})

	if committed && resultRoom != nil {
		m.hub.Broadcast(ctx, roomCode, resultRoom)
	}
	return committed
}

func titlesMatch(a, b string) bool {
	norm := func(s string) string {
		return strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "_", " ")))
	}
	return norm(a) == norm(b)
}

func logStepError(ctx context.Context, roomCode, runID string, err error) {
	logging.Warn(ctx, "llm executor step failed", zap.String("room_id", roomCode), zap.String("run_id", runID), zap.Error(err))
}
