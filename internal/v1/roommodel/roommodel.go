// Package roommodel defines the core entities of a race: Room, Player, Run,
// and Step, plus the invariant checks the orchestrator relies on before and
// after every mutation.
package roommodel

import (
	"fmt"
	"time"
)

// RoomStatus is the lifecycle state of a Room.
type RoomStatus string

const (
	RoomLobby    RoomStatus = "lobby"
	RoomRunning  RoomStatus = "running"
	RoomFinished RoomStatus = "finished"
)

// RunKind distinguishes a human participant from an LLM-driven one.
type RunKind string

const (
	RunKindHuman RunKind = "human"
	RunKindLLM   RunKind = "llm"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunNotStarted RunStatus = "not_started"
	RunRunning    RunStatus = "running"
	RunFinished   RunStatus = "finished"
)

// RunResult is the terminal outcome of a finished Run.
type RunResult string

const (
	RunResultWin       RunResult = "win"
	RunResultLose      RunResult = "lose"
	RunResultAbandoned RunResult = "abandoned"
)

// StepType is the kind of event recorded by a Step.
type StepType string

const (
	StepStart StepType = "start"
	StepMove  StepType = "move"
	StepWin   StepType = "win"
	StepLose  StepType = "lose"
)

// Rules are the per-room race parameters. MaxLinks, MaxTokens are pointers
// because "unset" (use the caller/provider default) is a distinct state
// from the zero value.
type Rules struct {
	MaxHops           int  `json:"max_hops"`
	MaxLinks          *int `json:"max_links,omitempty"`
	MaxTokens         *int `json:"max_tokens,omitempty"`
	IncludeImageLinks bool `json:"include_image_links"`
	DisableLinksView  bool `json:"disable_links_view"`
}

// DefaultRules returns the rule set a newly created room starts with.
func DefaultRules() Rules {
	return Rules{MaxHops: 20}
}

// Validate checks the invariants on Rules alone (§3: "rules.max_hops ≥ 1;
// every present numeric option is positive").
func (r Rules) Validate() error {
	if r.MaxHops < 1 {
		return fmt.Errorf("max_hops must be >= 1, got %d", r.MaxHops)
	}
	if r.MaxLinks != nil && *r.MaxLinks <= 0 {
		return fmt.Errorf("max_links must be positive if set, got %d", *r.MaxLinks)
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive if set, got %d", *r.MaxTokens)
	}
	return nil
}

// Player is a human participant in a room.
type Player struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Connected bool      `json:"connected"`
	JoinedAt  time.Time `json:"joined_at"`
}

// Step is one recorded event within a Run.
type Step struct {
	Type    StepType       `json:"type"`
	Article string         `json:"article"`
	At      time.Time      `json:"at"`
	Extra   map[string]any `json:"-"`
}

// LLMParams carries the provider-facing configuration of an LLM run. Kept
// as a separate struct (rather than inlined on Run) because human runs
// never populate it.
type LLMParams struct {
	Model          string `json:"model"`
	APIBase        string `json:"api_base,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

// Run is one racer's attempt — a human player's moves, or an LLM-driven
// executor's loop.
type Run struct {
	ID         string     `json:"id"`
	Kind       RunKind    `json:"kind"`
	Status     RunStatus  `json:"status"`
	Result     *RunResult `json:"result,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Human-only.
	PlayerID string `json:"player_id,omitempty"`

	// LLM-only.
	PlayerName string     `json:"player_name,omitempty"`
	LLM        *LLMParams `json:"llm,omitempty"`
	MaxLinks   *int       `json:"max_links,omitempty"`
	MaxTokens  *int       `json:"max_tokens,omitempty"`

	MaxSteps int    `json:"max_steps"`
	Steps    []Step `json:"steps"`
}

// CompletedHops returns len(steps)-1 clamped at 0, per §3's hop-counting
// invariant.
func (r *Run) CompletedHops() int {
	if len(r.Steps) == 0 {
		return 0
	}
	return len(r.Steps) - 1
}

// IsTerminal reports whether the run has reached a finished state.
func (r *Run) IsTerminal() bool {
	return r.Status == RunFinished
}

// LastStep returns the most recently appended step, or nil if the run has
// not started.
func (r *Run) LastStep() *Step {
	if len(r.Steps) == 0 {
		return nil
	}
	return &r.Steps[len(r.Steps)-1]
}

// Validate checks the Step-sequence invariants of §3: append-only, a
// terminal last step iff status/result agree, and the first step is
// always `start`.
func (r *Run) Validate(startArticle string) error {
	if len(r.Steps) == 0 {
		if r.Status != RunNotStarted {
			return fmt.Errorf("run %s has no steps but status %q", r.ID, r.Status)
		}
		return nil
	}
	if r.Steps[0].Type != StepStart {
		return fmt.Errorf("run %s: first step must be %q, got %q", r.ID, StepStart, r.Steps[0].Type)
	}
	if r.Steps[0].Article != startArticle {
		return fmt.Errorf("run %s: start step article %q != room start %q", r.ID, r.Steps[0].Article, startArticle)
	}
	last := r.Steps[len(r.Steps)-1]
	isTerminalStep := last.Type == StepWin || last.Type == StepLose
	if isTerminalStep != (r.Status == RunFinished) {
		return fmt.Errorf("run %s: terminal step %v disagrees with status %q", r.ID, isTerminalStep, r.Status)
	}
	if r.Status == RunFinished && r.Result == nil {
		return fmt.Errorf("run %s: finished but result is nil", r.ID)
	}
	hops := r.CompletedHops()
	if hops > r.MaxSteps {
		return fmt.Errorf("run %s: completed hops %d exceeds max_steps %d", r.ID, hops, r.MaxSteps)
	}
	return nil
}

// Room is the unit of a race: a shared graph target, a roster of players,
// and the set of runs racing toward it.
type Room struct {
	Code string `json:"code"`

	StartArticle       string `json:"start_article"`
	DestinationArticle string `json:"destination_article"`
	Rules              Rules  `json:"rules"`

	OwnerPlayerID string     `json:"owner_player_id"`
	Status        RoomStatus `json:"status"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Players []*Player `json:"players"`
	Runs    []*Run    `json:"runs"`
}

// FindPlayer returns the player with the given id, or nil.
func (room *Room) FindPlayer(playerID string) *Player {
	for _, p := range room.Players {
		if p.ID == playerID {
			return p
		}
	}
	return nil
}

// FindRun returns the run with the given id, or nil.
func (room *Room) FindRun(runID string) *Run {
	for _, r := range room.Runs {
		if r.ID == runID {
			return r
		}
	}
	return nil
}

// HumanRunFor returns the human run belonging to playerID, or nil if that
// player hasn't started one.
func (room *Room) HumanRunFor(playerID string) *Run {
	for _, r := range room.Runs {
		if r.Kind == RunKindHuman && r.PlayerID == playerID {
			return r
		}
	}
	return nil
}

// Validate checks the room-level invariants of §3 against the current
// snapshot: owner belongs to the roster, every human run references a
// known player, start/destination differ, and every run is internally
// consistent.
func (room *Room) Validate() error {
	if err := room.Rules.Validate(); err != nil {
		return fmt.Errorf("room %s: %w", room.Code, err)
	}
	if room.StartArticle == room.DestinationArticle {
		return fmt.Errorf("room %s: start and destination articles must differ", room.Code)
	}
	if room.FindPlayer(room.OwnerPlayerID) == nil {
		return fmt.Errorf("room %s: owner_player_id %q not in roster", room.Code, room.OwnerPlayerID)
	}
	for _, r := range room.Runs {
		if r.Kind == RunKindHuman {
			if room.FindPlayer(r.PlayerID) == nil {
				return fmt.Errorf("room %s: human run %s references unknown player %q", room.Code, r.ID, r.PlayerID)
			}
		}
		if err := r.Validate(room.StartArticle); err != nil {
			return fmt.Errorf("room %s: %w", room.Code, err)
		}
	}
	return nil
}

// Touch updates UpdatedAt to now; called after every mutating operation so
// idle-reaping TTLs measure from the last real activity.
func (room *Room) Touch(now time.Time) {
	room.UpdatedAt = now
}
