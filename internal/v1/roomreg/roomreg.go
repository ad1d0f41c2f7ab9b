// Package roomreg owns the process-wide room table: the room map itself,
// one exclusive lock per room, and the set of live LLM-run executor
// cancellation handles. It does not implement any room operation's
// semantics — that's internal/v1/orchestrator — only the concurrency-safe
// bookkeeping every operation needs.
package roomreg

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/andrewginns/wikirace-arena/internal/v1/idgen"
	"github.com/andrewginns/wikirace-arena/internal/v1/logging"
	"github.com/andrewginns/wikirace-arena/internal/v1/metrics"
	"github.com/andrewginns/wikirace-arena/internal/v1/roommodel"
	"go.uber.org/zap"
)

// Graph is the subset of graphdb.Store the registry needs to resolve and
// canonicalize a room's start/destination articles at creation time.
type Graph interface {
	Resolve(ctx context.Context, title string) (string, error)
	Canonical(ctx context.Context, title string) (string, error)
}

// ErrNotFound is returned by Get/WithLock when no room matches the code.
var ErrNotFound = fmt.Errorf("roomreg: room not found")

// ErrSameArticle is returned when start and destination canonicalize equal.
var ErrSameArticle = fmt.Errorf("roomreg: start and destination articles must differ")

// ErrUnresolvedArticle is returned when start or destination doesn't
// resolve against the graph.
type ErrUnresolvedArticle struct{ Title string }

func (e *ErrUnresolvedArticle) Error() string {
	return fmt.Sprintf("roomreg: article not found: %s", e.Title)
}

// entry bundles a room with its exclusive lock and its live executor
// cancellation handles, keyed by run id.
type entry struct {
	mu    sync.Mutex
	room  *roommodel.Room
	tasks map[string]context.CancelFunc
}

// Registry is the process-wide room table.
type Registry struct {
	graph Graph

	membership sync.Mutex
	rooms      map[string]*entry
}

// New builds an empty Registry.
func New(graph Graph) *Registry {
	return &Registry{
		graph: graph,
		rooms: make(map[string]*entry),
	}
}

// Create resolves and canonicalizes start/destination, generates a unique
// room code plus owner player id and human run id, and installs the new
// room. Returns the room and the owner's player id.
func (r *Registry) Create(ctx context.Context, start, destination, ownerName string, rules roommodel.Rules) (*roommodel.Room, string, error) {
	startResolved, err := r.graph.Resolve(ctx, start)
	if err != nil {
		return nil, "", fmt.Errorf("roomreg: resolving start article: %w", err)
	}
	if startResolved == "" {
		return nil, "", &ErrUnresolvedArticle{Title: start}
	}
	startCanonical, err := r.graph.Canonical(ctx, startResolved)
	if err != nil {
		return nil, "", fmt.Errorf("roomreg: canonicalizing start article: %w", err)
	}
	if startCanonical == "" {
		startCanonical = startResolved
	}

	destResolved, err := r.graph.Resolve(ctx, destination)
	if err != nil {
		return nil, "", fmt.Errorf("roomreg: resolving destination article: %w", err)
	}
	if destResolved == "" {
		return nil, "", &ErrUnresolvedArticle{Title: destination}
	}
	destCanonical, err := r.graph.Canonical(ctx, destResolved)
	if err != nil {
		return nil, "", fmt.Errorf("roomreg: canonicalizing destination article: %w", err)
	}
	if destCanonical == "" {
		destCanonical = destResolved
	}

	if strings.EqualFold(startCanonical, destCanonical) {
		return nil, "", ErrSameArticle
	}

	if err := rules.Validate(); err != nil {
		return nil, "", fmt.Errorf("roomreg: %w", err)
	}

	now := time.Now().UTC()
	ownerID := idgen.NewPlayerID()
	owner := &roommodel.Player{ID: ownerID, Name: ownerName, Connected: false, JoinedAt: now}

	humanRun := &roommodel.Run{
		ID:       idgen.NewRunID(),
		Kind:     roommodel.RunKindHuman,
		Status:   roommodel.RunNotStarted,
		PlayerID: ownerID,
		MaxSteps: rules.MaxHops,
	}

	room := &roommodel.Room{
		StartArticle:       startCanonical,
		DestinationArticle: destCanonical,
		Rules:              rules,
		OwnerPlayerID:      ownerID,
		Status:             roommodel.RoomLobby,
		CreatedAt:          now,
		UpdatedAt:          now,
		Players:            []*roommodel.Player{owner},
		Runs:               []*roommodel.Run{humanRun},
	}

	code := r.insertWithUniqueCode(room)
	metrics.RoomsCreatedTotal.Inc()
	metrics.ActiveRooms.Inc()
	logging.Info(ctx, "room created", zap.String("room_id", code), zap.String("start_article", startCanonical), zap.String("destination_article", destCanonical))

	return room, ownerID, nil
}

// insertWithUniqueCode assigns room.Code and installs the entry, retrying
// on collision. The collision probability is vanishingly small (32^8
// keyspace) but the retry keeps the guarantee exact rather than
// probabilistic.
func (r *Registry) insertWithUniqueCode(room *roommodel.Room) string {
	r.membership.Lock()
	defer r.membership.Unlock()

	for {
		code := idgen.NewRoomCode()
		if _, exists := r.rooms[code]; exists {
			continue
		}
		room.Code = code
		r.rooms[code] = &entry{room: room, tasks: make(map[string]context.CancelFunc)}
		return code
	}
}

// Get returns a pointer to the live room for code, or ErrNotFound. The
// returned pointer is the registry's live room — callers not holding the
// room's lock must treat it as read-only.
func (r *Registry) Get(code string) (*roommodel.Room, error) {
	norm := idgen.NormalizeRoomCode(code)
	r.membership.Lock()
	e, ok := r.rooms[norm]
	r.membership.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.room, nil
}

// WithLock acquires the room's exclusive lock, runs fn against the live
// room, and releases the lock before returning. fn's mutations are
// visible to subsequent Get/WithLock calls immediately. Returning an error
// from fn does not roll back any mutation already applied — callers
// should validate before mutating.
func (r *Registry) WithLock(code string, fn func(room *roommodel.Room) error) error {
	norm := idgen.NormalizeRoomCode(code)
	r.membership.Lock()
	e, ok := r.rooms[norm]
	r.membership.Unlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.room)
}

// WithLockAndTasks behaves like WithLock but also gives fn a cancelAll and
// cancelOne callback bound to this room's executor-task set, usable
// without re-acquiring the room's lock. Use this (instead of calling
// CancelRoomTasks/CancelTask alongside a separate WithLock) whenever an
// operation must cancel executors and mutate the room as one atomic step
// — e.g. new_round, cancel_run, restart_run.
func (r *Registry) WithLockAndTasks(code string, fn func(room *roommodel.Room, cancelAll func(), cancelOne func(runID string)) error) error {
	norm := idgen.NormalizeRoomCode(code)
	r.membership.Lock()
	e, ok := r.rooms[norm]
	r.membership.Unlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cancelAll := func() {
		for runID, cancel := range e.tasks {
			cancel()
			delete(e.tasks, runID)
		}
	}
	cancelOne := func(runID string) {
		if cancel, exists := e.tasks[runID]; exists {
			cancel()
			delete(e.tasks, runID)
		}
	}
	return fn(e.room, cancelAll, cancelOne)
}

// RegisterTask records the cancel function for a live (room, run)
// executor, overwriting and cancelling any prior task for that run — the
// single-executor invariant of §4.5.
func (r *Registry) RegisterTask(code, runID string, cancel context.CancelFunc) {
	norm := idgen.NormalizeRoomCode(code)
	r.membership.Lock()
	e, ok := r.rooms[norm]
	r.membership.Unlock()
	if !ok {
		cancel()
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prior, exists := e.tasks[runID]; exists {
		prior()
	}
	e.tasks[runID] = cancel
}

// CancelTask stops the executor for (code, runID), if any, and forgets it.
func (r *Registry) CancelTask(code, runID string) {
	norm := idgen.NormalizeRoomCode(code)
	r.membership.Lock()
	e, ok := r.rooms[norm]
	r.membership.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, exists := e.tasks[runID]; exists {
		cancel()
		delete(e.tasks, runID)
	}
}

// CancelRoomTasks stops every executor running for code. new_round cancels
// through WithLockAndTasks and idle reaping through Delete instead.
func (r *Registry) CancelRoomTasks(code string) {
	norm := idgen.NormalizeRoomCode(code)
	r.membership.Lock()
	e, ok := r.rooms[norm]
	r.membership.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for runID, cancel := range e.tasks {
		cancel()
		delete(e.tasks, runID)
	}
}

// Delete removes a room and cancels any remaining executors for it.
func (r *Registry) Delete(code string) {
	norm := idgen.NormalizeRoomCode(code)
	r.membership.Lock()
	e, ok := r.rooms[norm]
	if ok {
		delete(r.rooms, norm)
	}
	r.membership.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	for _, cancel := range e.tasks {
		cancel()
	}
	e.mu.Unlock()
	metrics.ActiveRooms.Dec()
}

// IdleReap runs until ctx is cancelled, periodically deleting rooms whose
// UpdatedAt is older than ttl.
func (r *Registry) IdleReap(ctx context.Context, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapOnce(ctx, ttl)
		}
	}
}

func (r *Registry) reapOnce(ctx context.Context, ttl time.Duration) {
	cutoff := time.Now().UTC().Add(-ttl)

	r.membership.Lock()
	var stale []string
	for code, e := range r.rooms {
		e.mu.Lock()
		idle := e.room.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if idle {
			stale = append(stale, code)
		}
	}
	r.membership.Unlock()

	for _, code := range stale {
		r.Delete(code)
		metrics.RoomsReapedTotal.Inc()
		logging.Info(ctx, "room reaped for inactivity", zap.String("room_id", code))
	}
}
