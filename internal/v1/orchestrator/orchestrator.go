// Package orchestrator implements the per-room operations that mutate a
// Room's lifecycle: join, start, new_round, move, add_llm, cancel_run,
// restart_run, abandon_run. Every operation follows the same shape: read
// and validate, mutate under the room's lock, release the lock, then
// (unless the operation was a pre-lock no-op) broadcast the new snapshot.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/andrewginns/wikirace-arena/internal/v1/broadcast"
	"github.com/andrewginns/wikirace-arena/internal/v1/idgen"
	"github.com/andrewginns/wikirace-arena/internal/v1/metrics"
	"github.com/andrewginns/wikirace-arena/internal/v1/movevalidate"
	"github.com/andrewginns/wikirace-arena/internal/v1/roommodel"
	"github.com/andrewginns/wikirace-arena/internal/v1/roomreg"
)

// Graph is the subset of graphdb.Store the orchestrator needs directly
// (new_round re-resolves articles; move delegates the rest to
// movevalidate).
type Graph interface {
	movevalidate.Graph
}

// Executors spawns and tracks per-run background tasks. Implemented by
// internal/v1/llmexec.Manager.
type Executors interface {
	Spawn(roomCode, runID string)
}

// Error is an orchestrator-level failure carrying the HTTP status the
// original operation would map to.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

func badRequest(format string, a ...any) *Error { return &Error{400, fmt.Sprintf(format, a...)} }
func forbidden(format string, a ...any) *Error  { return &Error{403, fmt.Sprintf(format, a...)} }
func notFound(format string, a ...any) *Error   { return &Error{404, fmt.Sprintf(format, a...)} }
func conflict(format string, a ...any) *Error   { return &Error{409, fmt.Sprintf(format, a...)} }

// Orchestrator wires the room registry, the article graph, the executor
// spawner, and the broadcast hub together into the room operations of
// spec §4.2.
type Orchestrator struct {
	Reg       *roomreg.Registry
	Graph     Graph
	Hub       *broadcast.Hub
	Executors Executors

	MaxLLMRunsPerRoom int
}

// New builds an Orchestrator.
func New(reg *roomreg.Registry, graph Graph, hub *broadcast.Hub, executors Executors, maxLLMRunsPerRoom int) *Orchestrator {
	if maxLLMRunsPerRoom <= 0 {
		maxLLMRunsPerRoom = 8
	}
	return &Orchestrator{Reg: reg, Graph: graph, Hub: hub, Executors: executors, MaxLLMRunsPerRoom: maxLLMRunsPerRoom}
}

func now() time.Time { return time.Now().UTC() }

// broadcastRoom pushes room's snapshot to every attached socket. Always
// call this after releasing the room lock, never while holding it.
func (o *Orchestrator) broadcastRoom(ctx context.Context, room *roommodel.Room) {
	o.Hub.Broadcast(ctx, room.Code, room)
}

// Join adds a human player and a human run to the room. Reopens a
// finished room to running; starts the run immediately if the room is
// already running.
func (o *Orchestrator) Join(ctx context.Context, roomCode, name string) (*roommodel.Room, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", badRequest("name is required")
	}

	var result *roommodel.Room
	var playerID string
	err := o.Reg.WithLock(roomCode, func(room *roommodel.Room) error {
		player := &roommodel.Player{ID: idgen.NewPlayerID(), Name: name, JoinedAt: now()}
		playerID = player.ID
		run := &roommodel.Run{
			ID:       idgen.NewRunID(),
			Kind:     roommodel.RunKindHuman,
			PlayerID: player.ID,
			Status:   roommodel.RunNotStarted,
			MaxSteps: room.Rules.MaxHops,
		}

		if room.Status == roommodel.RoomFinished {
			room.Status = roommodel.RoomRunning
			room.FinishedAt = nil
		}
		if room.Status == roommodel.RoomRunning {
			t := now()
			run.Status = roommodel.RunRunning
			run.StartedAt = &t
			run.Steps = []roommodel.Step{{Type: roommodel.StepStart, Article: room.StartArticle, At: t}}
		}

		room.Players = append(room.Players, player)
		room.Runs = append(room.Runs, run)
		room.Touch(now())
		result = room
		return nil
	})
	if err != nil {
		return nil, "", translateRegErr(err)
	}

	o.broadcastRoom(ctx, result)
	return result, playerID, nil
}

// Start transitions a lobby room to running: owner-only. Calling start on
// a room that isn't in lobby is an idempotent no-op (current snapshot,
// no broadcast), matching a duplicate double-click of the start button.
func (o *Orchestrator) Start(ctx context.Context, roomCode, requestingPlayerID string) (*roommodel.Room, error) {
	var result *roommodel.Room
	var toSpawn []string
	didMutate := false

	err := o.Reg.WithLock(roomCode, func(room *roommodel.Room) error {
		if room.Status != roommodel.RoomLobby {
			result = room
			return nil
		}
		if room.OwnerPlayerID != requestingPlayerID {
			return forbidden("only the host can start the room")
		}

		t := now()
		room.Status = roommodel.RoomRunning
		room.StartedAt = &t

		for _, run := range room.Runs {
			if run.Status != roommodel.RunNotStarted {
				continue
			}
			run.Status = roommodel.RunRunning
			run.StartedAt = &t
			run.Steps = []roommodel.Step{{Type: roommodel.StepStart, Article: room.StartArticle, At: t}}
			if run.Kind == roommodel.RunKindLLM {
				toSpawn = append(toSpawn, run.ID)
			}
		}

		room.Touch(t)
		result = room
		didMutate = true
		return nil
	})
	if err != nil {
		return nil, translateRegErr(err)
	}

	if !didMutate {
		return result, nil
	}

	for _, runID := range toSpawn {
		o.Executors.Spawn(result.Code, runID)
	}
	o.broadcastRoom(ctx, result)
	return result, nil
}

// NewRound replaces start/destination, cancels every active executor,
// and resets every run to not_started; the room returns to lobby.
// Owner-only.
func (o *Orchestrator) NewRound(ctx context.Context, roomCode, start, destination, requestingPlayerID string) (*roommodel.Room, error) {
	startCanonical, destCanonical, err := o.resolveRoundArticles(ctx, start, destination)
	if err != nil {
		return nil, err
	}

	var result *roommodel.Room
	err = o.Reg.WithLockAndTasks(roomCode, func(room *roommodel.Room, cancelAll func(), cancelOne func(string)) error {
		if room.OwnerPlayerID != requestingPlayerID {
			return forbidden("only the host can start a new round")
		}

		cancelAll()

		room.StartArticle = startCanonical
		room.DestinationArticle = destCanonical
		room.Status = roommodel.RoomLobby
		room.StartedAt = nil
		room.FinishedAt = nil

		for _, run := range room.Runs {
			run.Status = roommodel.RunNotStarted
			run.StartedAt = nil
			run.FinishedAt = nil
			run.Result = nil
			run.Steps = nil
			if run.Kind == roommodel.RunKindHuman {
				run.MaxSteps = room.Rules.MaxHops
			}
		}

		room.Touch(now())
		result = room
		return nil
	})
	if err != nil {
		return nil, translateRegErr(err)
	}

	o.broadcastRoom(ctx, result)
	return result, nil
}

func (o *Orchestrator) resolveRoundArticles(ctx context.Context, start, destination string) (string, string, error) {
	startResolved, err := o.Graph.Resolve(ctx, start)
	if err != nil {
		return "", "", err
	}
	if startResolved == "" {
		return "", "", notFound("start article not found: %s", start)
	}
	startCanonical, err := o.Graph.Canonical(ctx, startResolved)
	if err != nil {
		return "", "", err
	}
	if startCanonical == "" {
		startCanonical = startResolved
	}

	destResolved, err := o.Graph.Resolve(ctx, destination)
	if err != nil {
		return "", "", err
	}
	if destResolved == "" {
		return "", "", notFound("destination article not found: %s", destination)
	}
	destCanonical, err := o.Graph.Canonical(ctx, destResolved)
	if err != nil {
		return "", "", err
	}
	if destCanonical == "" {
		destCanonical = destResolved
	}

	if strings.EqualFold(startCanonical, destCanonical) {
		return "", "", badRequest("start and destination articles must differ")
	}
	return startCanonical, destCanonical, nil
}

// Move validates and applies one step of the caller's human run. A move
// that canonicalizes to a no-op returns the unchanged current snapshot
// without broadcasting.
func (o *Orchestrator) Move(ctx context.Context, roomCode, playerID, toArticle string) (*roommodel.Room, error) {
	var result *roommodel.Room
	var outcome string
	didMutate := false

	err := o.Reg.WithLock(roomCode, func(room *roommodel.Room) error {
		if room.Status != roommodel.RoomRunning {
			return conflict("room is not running")
		}

		run := room.HumanRunFor(playerID)
		if run == nil {
			return notFound("no run for player %s", playerID)
		}
		if run.Status != roommodel.RunRunning {
			return conflict("run is not running")
		}

		last := run.LastStep()
		current := room.StartArticle
		if last != nil {
			current = last.Article
		}

		decision, err := movevalidate.Validate(ctx, o.Graph, movevalidate.Params{
			CurrentArticle:     current,
			ToArticle:          toArticle,
			DestinationArticle: room.DestinationArticle,
			CurrentHops:        run.CompletedHops(),
			MaxHops:            run.MaxSteps,
		})
		if err != nil {
			if verr, ok := err.(*movevalidate.Error); ok {
				outcome = "illegal"
				return &Error{Status: verr.Status, Message: verr.Message}
			}
			return err
		}

		if decision.Outcome == movevalidate.OutcomeNoOp {
			outcome = string(movevalidate.OutcomeNoOp)
			result = room
			return nil
		}

		t := now()
		step := roommodel.Step{Article: decision.Article, At: t, Extra: decision.Metadata}
		switch decision.Outcome {
		case movevalidate.OutcomeWin:
			step.Type = roommodel.StepWin
			win := roommodel.RunResultWin
			run.Result = &win
			run.Status = roommodel.RunFinished
			run.FinishedAt = &t
		case movevalidate.OutcomeLose:
			step.Type = roommodel.StepLose
			lose := roommodel.RunResultLose
			run.Result = &lose
			run.Status = roommodel.RunFinished
			run.FinishedAt = &t
		default:
			step.Type = roommodel.StepMove
		}
		run.Steps = append(run.Steps, step)
		outcome = string(step.Type)

		maybeFinishRoom(room)
		room.Touch(t)
		result = room
		didMutate = true
		return nil
	})
	if outcome != "" {
		metrics.MovesTotal.WithLabelValues(outcome).Inc()
	}
	if err != nil {
		return nil, translateRegErr(err)
	}

	if didMutate {
		o.broadcastRoom(ctx, result)
	}
	return result, nil
}

// AddLLM appends a new LLM run, owner-only, subject to the
// MaxLLMRunsPerRoom cap on non-finished LLM runs. If the room is already
// running the run starts immediately and an executor is spawned.
func (o *Orchestrator) AddLLM(ctx context.Context, roomCode, requestingPlayerID string, params roommodel.LLMParams, playerName string, maxSteps, maxLinks, maxTokens *int) (*roommodel.Room, error) {
	var result *roommodel.Room
	var spawnRunID string

	err := o.Reg.WithLock(roomCode, func(room *roommodel.Room) error {
		if room.OwnerPlayerID != requestingPlayerID {
			return forbidden("only the host can add an AI run")
		}

		active := 0
		for _, r := range room.Runs {
			if r.Kind == roommodel.RunKindLLM && r.Status != roommodel.RunFinished {
				active++
			}
		}
		if active >= o.MaxLLMRunsPerRoom {
			return badRequest("room already has the maximum number of active AI runs (%d)", o.MaxLLMRunsPerRoom)
		}

		steps := room.Rules.MaxHops
		if maxSteps != nil && *maxSteps > 0 {
			steps = *maxSteps
		}

		run := &roommodel.Run{
			ID:         idgen.NewRunID(),
			Kind:       roommodel.RunKindLLM,
			Status:     roommodel.RunNotStarted,
			PlayerName: playerName,
			LLM:        &params,
			MaxSteps:   steps,
			MaxLinks:   maxLinks,
			MaxTokens:  maxTokens,
		}

		if room.Status == roommodel.RoomFinished {
			room.Status = roommodel.RoomRunning
			room.FinishedAt = nil
		}
		if room.Status == roommodel.RoomRunning {
			t := now()
			run.Status = roommodel.RunRunning
			run.StartedAt = &t
			run.Steps = []roommodel.Step{{Type: roommodel.StepStart, Article: room.StartArticle, At: t}}
			spawnRunID = run.ID
		}

		room.Runs = append(room.Runs, run)
		room.Touch(now())
		result = room
		return nil
	})
	if err != nil {
		return nil, translateRegErr(err)
	}

	if spawnRunID != "" {
		o.Executors.Spawn(result.Code, spawnRunID)
	}
	o.broadcastRoom(ctx, result)
	return result, nil
}

// CancelRun stops an LLM run: removed outright while in lobby, forced to
// a terminal lose(reason=cancelled) while running. Owner-only.
func (o *Orchestrator) CancelRun(ctx context.Context, roomCode, runID, requestingPlayerID string) (*roommodel.Room, error) {
	var result *roommodel.Room

	err := o.Reg.WithLockAndTasks(roomCode, func(room *roommodel.Room, cancelAll func(), cancelOne func(string)) error {
		if room.OwnerPlayerID != requestingPlayerID {
			return forbidden("only the host can cancel an AI run")
		}

		run := room.FindRun(runID)
		if run == nil {
			return notFound("run not found: %s", runID)
		}
		if run.Kind != roommodel.RunKindLLM {
			return badRequest("only AI runs can be cancelled")
		}

		cancelOne(runID)

		if room.Status != roommodel.RoomRunning || run.Status != roommodel.RunRunning {
			room.Runs = removeRun(room.Runs, runID)
		} else {
			t := now()
			lastArticle := room.StartArticle
			if last := run.LastStep(); last != nil {
				lastArticle = last.Article
			}
			lose := roommodel.RunResultLose
			run.Status = roommodel.RunFinished
			run.Result = &lose
			run.FinishedAt = &t
			run.Steps = append(run.Steps, roommodel.Step{
				Type:    roommodel.StepLose,
				Article: lastArticle,
				At:      t,
				Extra:   map[string]any{"reason": "cancelled"},
			})
		}

		maybeFinishRoom(room)
		room.Touch(now())
		result = room
		return nil
	})
	if err != nil {
		return nil, translateRegErr(err)
	}

	metrics.LLMRunTerminations.WithLabelValues("lose", "cancelled").Inc()
	o.broadcastRoom(ctx, result)
	return result, nil
}

// RestartRun stops any existing executor for runID and restarts it: fresh
// `not_started` if the room is in lobby, or immediately `running` with a
// fresh start step and a new executor otherwise. Owner-only.
func (o *Orchestrator) RestartRun(ctx context.Context, roomCode, runID, requestingPlayerID string) (*roommodel.Room, error) {
	var result *roommodel.Room
	var spawn bool

	err := o.Reg.WithLockAndTasks(roomCode, func(room *roommodel.Room, cancelAll func(), cancelOne func(string)) error {
		if room.OwnerPlayerID != requestingPlayerID {
			return forbidden("only the host can restart an AI run")
		}

		run := room.FindRun(runID)
		if run == nil {
			return notFound("run not found: %s", runID)
		}
		if run.Kind != roommodel.RunKindLLM {
			return badRequest("only AI runs can be restarted")
		}

		cancelOne(runID)

		run.Result = nil
		run.FinishedAt = nil

		if room.Status == roommodel.RoomRunning {
			t := now()
			run.Status = roommodel.RunRunning
			run.StartedAt = &t
			run.Steps = []roommodel.Step{{Type: roommodel.StepStart, Article: room.StartArticle, At: t}}
			spawn = true
		} else {
			run.Status = roommodel.RunNotStarted
			run.StartedAt = nil
			run.Steps = nil
		}

		room.Touch(now())
		result = room
		return nil
	})
	if err != nil {
		return nil, translateRegErr(err)
	}

	if spawn {
		o.Executors.Spawn(result.Code, runID)
	}
	o.broadcastRoom(ctx, result)
	return result, nil
}

// AbandonRun lets the owning human player terminate their own run early.
func (o *Orchestrator) AbandonRun(ctx context.Context, roomCode, runID, requestingPlayerID string) (*roommodel.Room, error) {
	var result *roommodel.Room

	err := o.Reg.WithLock(roomCode, func(room *roommodel.Room) error {
		run := room.FindRun(runID)
		if run == nil {
			return notFound("run not found: %s", runID)
		}
		if run.Kind != roommodel.RunKindHuman {
			return badRequest("only human runs can be abandoned this way")
		}
		if run.PlayerID != requestingPlayerID {
			return forbidden("only the run's own player can abandon it")
		}

		t := now()
		abandoned := roommodel.RunResultAbandoned
		run.Status = roommodel.RunFinished
		run.Result = &abandoned
		run.FinishedAt = &t

		lastArticle := room.StartArticle
		if last := run.LastStep(); last != nil {
			lastArticle = last.Article
		}
		run.Steps = append(run.Steps, roommodel.Step{
			Type:    roommodel.StepLose,
			Article: lastArticle,
			At:      t,
			Extra:   map[string]any{"reason": "abandoned"},
		})

		maybeFinishRoom(room)
		room.Touch(t)
		result = room
		return nil
	})
	if err != nil {
		return nil, translateRegErr(err)
	}

	metrics.LLMRunTerminations.WithLabelValues("abandoned", "abandoned").Inc()
	o.broadcastRoom(ctx, result)
	return result, nil
}

// SetPlayerConnected flips a player's connected flag and broadcasts only
// if the value actually changed. Used by the WebSocket attach/detach
// handlers (§4.6): attach sets true, detach sets false unless another
// socket for the same player is still live.
func (o *Orchestrator) SetPlayerConnected(ctx context.Context, roomCode, playerID string, connected bool) {
	var result *roommodel.Room
	changed := false

	err := o.Reg.WithLock(roomCode, func(room *roommodel.Room) error {
		player := room.FindPlayer(playerID)
		if player == nil || player.Connected == connected {
			return nil
		}
		player.Connected = connected
		room.Touch(now())
		changed = true
		result = room
		return nil
	})
	if err != nil || !changed {
		return
	}
	o.broadcastRoom(ctx, result)
}

// maybeFinishRoom transitions the room to finished once every run is
// terminal, matching the teacher's "last racer standing" closing rule.
func maybeFinishRoom(room *roommodel.Room) {
	if len(room.Runs) == 0 {
		return
	}
	for _, r := range room.Runs {
		if !r.IsTerminal() {
			return
		}
	}
	if room.Status == roommodel.RoomRunning {
		t := now()
		room.Status = roommodel.RoomFinished
		room.FinishedAt = &t
	}
}

func removeRun(runs []*roommodel.Run, runID string) []*roommodel.Run {
	out := make([]*roommodel.Run, 0, len(runs))
	for _, r := range runs {
		if r.ID != runID {
			out = append(out, r)
		}
	}
	return out
}

func translateRegErr(err error) error {
	if err == roomreg.ErrNotFound {
		return notFound("room not found")
	}
	return err
}
