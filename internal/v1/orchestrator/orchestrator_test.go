package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewginns/wikirace-arena/internal/v1/broadcast"
	"github.com/andrewginns/wikirace-arena/internal/v1/roommodel"
	"github.com/andrewginns/wikirace-arena/internal/v1/roomreg"
)

type fakeGraph struct {
	articles map[string][]string
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{articles: map[string][]string{
		"Cat":    {"Dog", "Animal"},
		"Dog":    {"Cat", "Animal"},
		"Animal": {"Mammal"},
		"Mammal": {},
	}}
}

func (g *fakeGraph) Resolve(ctx context.Context, title string) (string, error) {
	if _, ok := g.articles[title]; ok {
		return title, nil
	}
	return "", nil
}

func (g *fakeGraph) Canonical(ctx context.Context, title string) (string, error) {
	return g.Resolve(ctx, title)
}

func (g *fakeGraph) ArticleWithLinks(ctx context.Context, title string) (string, []string, bool, error) {
	links, ok := g.articles[title]
	if !ok {
		return "", nil, false, nil
	}
	return title, links, true, nil
}

type fakeExecutors struct {
	spawned []string
}

func (f *fakeExecutors) Spawn(roomCode, runID string) {
	f.spawned = append(f.spawned, roomCode+"/"+runID)
}

func newTestOrchestrator() (*Orchestrator, *roomreg.Registry, *fakeExecutors) {
	graph := newFakeGraph()
	reg := roomreg.New(graph)
	hub := broadcast.NewHub()
	execs := &fakeExecutors{}
	return New(reg, graph, hub, execs, 8), reg, execs
}

func createTestRoom(t *testing.T, reg *roomreg.Registry) (*roommodel.Room, string) {
	t.Helper()
	room, ownerID, err := reg.Create(context.Background(), "Cat", "Mammal", "Ada", roommodel.DefaultRules())
	require.NoError(t, err)
	return room, ownerID
}

func TestJoin_Lobby_StaysNotStarted(t *testing.T) {
	o, reg, _ := newTestOrchestrator()
	room, _ := createTestRoom(t, reg)

	updated, _, err := o.Join(context.Background(), room.Code, "Bob")
	require.NoError(t, err)
	require.Len(t, updated.Runs, 2)
	assert.Equal(t, roommodel.RunNotStarted, updated.Runs[1].Status)
}

func TestJoin_EmptyName(t *testing.T) {
	o, reg, _ := newTestOrchestrator()
	room, _ := createTestRoom(t, reg)

	_, _, err := o.Join(context.Background(), room.Code, "   ")
	require.Error(t, err)
}

func TestJoin_RunningRoom_StartsImmediately(t *testing.T) {
	o, reg, _ := newTestOrchestrator()
	room, owner := createTestRoom(t, reg)

	_, err := o.Start(context.Background(), room.Code, owner)
	require.NoError(t, err)

	updated, _, err := o.Join(context.Background(), room.Code, "Bob")
	require.NoError(t, err)
	newRun := updated.Runs[len(updated.Runs)-1]
	assert.Equal(t, roommodel.RunRunning, newRun.Status)
	require.Len(t, newRun.Steps, 1)
	assert.Equal(t, roommodel.StepStart, newRun.Steps[0].Type)
}

func TestJoin_FinishedRoom_Reopens(t *testing.T) {
	o, reg, _ := newTestOrchestrator()
	room, owner := createTestRoom(t, reg)
	_, err := o.Start(context.Background(), room.Code, owner)
	require.NoError(t, err)

	err = reg.WithLock(room.Code, func(r *roommodel.Room) error {
		r.Status = roommodel.RoomFinished
		return nil
	})
	require.NoError(t, err)

	updated, _, err := o.Join(context.Background(), room.Code, "Bob")
	require.NoError(t, err)
	assert.Equal(t, roommodel.RoomRunning, updated.Status)
}

func TestStart_OwnerOnly(t *testing.T) {
	o, reg, _ := newTestOrchestrator()
	room, _ := createTestRoom(t, reg)

	_, err := o.Start(context.Background(), room.Code, "player_not_owner")
	require.Error(t, err)
	oerr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, 403, oerr.Status)
}

func TestStart_SeedsRunsAndSpawnsLLM(t *testing.T) {
	o, reg, execs := newTestOrchestrator()
	room, owner := createTestRoom(t, reg)

	maxSteps := 5
	_, err := o.AddLLM(context.Background(), room.Code, owner, roommodel.LLMParams{Model: "gpt-test"}, "Bot", &maxSteps, nil, nil)
	require.NoError(t, err)

	updated, err := o.Start(context.Background(), room.Code, owner)
	require.NoError(t, err)
	assert.Equal(t, roommodel.RoomRunning, updated.Status)
	for _, r := range updated.Runs {
		assert.Equal(t, roommodel.RunRunning, r.Status)
		require.Len(t, r.Steps, 1)
	}
	assert.Len(t, execs.spawned, 1)
}

func TestStart_DuplicateIsNoOpNoBroadcast(t *testing.T) {
	o, reg, _ := newTestOrchestrator()
	room, owner := createTestRoom(t, reg)

	_, err := o.Start(context.Background(), room.Code, owner)
	require.NoError(t, err)

	again, err := o.Start(context.Background(), room.Code, owner)
	require.NoError(t, err)
	assert.Equal(t, roommodel.RoomRunning, again.Status)
}

func TestMove_OrdinaryMove(t *testing.T) {
	o, reg, _ := newTestOrchestrator()
	room, owner := createTestRoom(t, reg)
	_, err := o.Start(context.Background(), room.Code, owner)
	require.NoError(t, err)

	updated, err := o.Move(context.Background(), room.Code, owner, "Animal")
	require.NoError(t, err)
	run := updated.Runs[0]
	assert.Equal(t, "Animal", run.LastStep().Article)
	assert.Equal(t, roommodel.StepMove, run.LastStep().Type)
}

func TestMove_Win(t *testing.T) {
	o, reg, _ := newTestOrchestrator()
	room, owner := createTestRoom(t, reg)
	_, err := o.Start(context.Background(), room.Code, owner)
	require.NoError(t, err)

	_, err = o.Move(context.Background(), room.Code, owner, "Animal")
	require.NoError(t, err)
	updated, err := o.Move(context.Background(), room.Code, owner, "Mammal")
	require.NoError(t, err)

	run := updated.Runs[0]
	assert.Equal(t, roommodel.RunFinished, run.Status)
	assert.Equal(t, roommodel.RunResultWin, *run.Result)
	assert.Equal(t, roommodel.RoomFinished, updated.Status)
}

func TestMove_NoOp_DoesNotAppendStep(t *testing.T) {
	o, reg, _ := newTestOrchestrator()
	room, owner := createTestRoom(t, reg)
	_, err := o.Start(context.Background(), room.Code, owner)
	require.NoError(t, err)

	updated, err := o.Move(context.Background(), room.Code, owner, "Cat")
	require.NoError(t, err)
	assert.Len(t, updated.Runs[0].Steps, 1) // still just the start step
}

func TestMove_RoomNotRunning(t *testing.T) {
	o, reg, _ := newTestOrchestrator()
	room, owner := createTestRoom(t, reg)

	_, err := o.Move(context.Background(), room.Code, owner, "Animal")
	require.Error(t, err)
}

func TestNewRound_ResetsRunsAndCancelsExecutors(t *testing.T) {
	o, reg, _ := newTestOrchestrator()
	room, owner := createTestRoom(t, reg)
	_, err := o.Start(context.Background(), room.Code, owner)
	require.NoError(t, err)

	updated, err := o.NewRound(context.Background(), room.Code, "Dog", "Mammal", owner)
	require.NoError(t, err)
	assert.Equal(t, roommodel.RoomLobby, updated.Status)
	assert.Equal(t, "Dog", updated.StartArticle)
	for _, r := range updated.Runs {
		assert.Equal(t, roommodel.RunNotStarted, r.Status)
		assert.Empty(t, r.Steps)
	}
}

func TestNewRound_RejectsSameArticle(t *testing.T) {
	o, reg, _ := newTestOrchestrator()
	room, owner := createTestRoom(t, reg)

	_, err := o.NewRound(context.Background(), room.Code, "Cat", "Cat", owner)
	require.Error(t, err)
}

func TestAddLLM_CapEnforced(t *testing.T) {
	o, reg, _ := newTestOrchestrator()
	room, owner := createTestRoom(t, reg)
	o.MaxLLMRunsPerRoom = 1

	_, err := o.AddLLM(context.Background(), room.Code, owner, roommodel.LLMParams{Model: "m"}, "Bot1", nil, nil, nil)
	require.NoError(t, err)

	_, err = o.AddLLM(context.Background(), room.Code, owner, roommodel.LLMParams{Model: "m"}, "Bot2", nil, nil, nil)
	require.Error(t, err)
}

func TestCancelRun_InLobby_RemovesRun(t *testing.T) {
	o, reg, _ := newTestOrchestrator()
	room, owner := createTestRoom(t, reg)

	updated, err := o.AddLLM(context.Background(), room.Code, owner, roommodel.LLMParams{Model: "m"}, "Bot", nil, nil, nil)
	require.NoError(t, err)
	runID := updated.Runs[1].ID

	updated, err = o.CancelRun(context.Background(), room.Code, runID, owner)
	require.NoError(t, err)
	assert.Len(t, updated.Runs, 1)
}

func TestCancelRun_WhileRunning_TerminalLose(t *testing.T) {
	o, reg, _ := newTestOrchestrator()
	room, owner := createTestRoom(t, reg)

	maxSteps := 10
	updated, err := o.AddLLM(context.Background(), room.Code, owner, roommodel.LLMParams{Model: "m"}, "Bot", &maxSteps, nil, nil)
	require.NoError(t, err)
	runID := updated.Runs[1].ID

	_, err = o.Start(context.Background(), room.Code, owner)
	require.NoError(t, err)

	updated, err = o.CancelRun(context.Background(), room.Code, runID, owner)
	require.NoError(t, err)

	var llmRun *roommodel.Run
	for _, r := range updated.Runs {
		if r.ID == runID {
			llmRun = r
		}
	}
	require.NotNil(t, llmRun)
	assert.Equal(t, roommodel.RunFinished, llmRun.Status)
	assert.Equal(t, roommodel.RunResultLose, *llmRun.Result)
	assert.Equal(t, "cancelled", llmRun.LastStep().Extra["reason"])
}

func TestRestartRun_InLobby_ResetsToNotStarted(t *testing.T) {
	o, reg, _ := newTestOrchestrator()
	room, owner := createTestRoom(t, reg)

	updated, err := o.AddLLM(context.Background(), room.Code, owner, roommodel.LLMParams{Model: "m"}, "Bot", nil, nil, nil)
	require.NoError(t, err)
	runID := updated.Runs[1].ID

	updated, err = o.RestartRun(context.Background(), room.Code, runID, owner)
	require.NoError(t, err)
	for _, r := range updated.Runs {
		if r.ID == runID {
			assert.Equal(t, roommodel.RunNotStarted, r.Status)
		}
	}
}

func TestAbandonRun_OnlyOwningPlayer(t *testing.T) {
	o, reg, _ := newTestOrchestrator()
	room, owner := createTestRoom(t, reg)
	_, err := o.Start(context.Background(), room.Code, owner)
	require.NoError(t, err)

	runID := room.Runs[0].ID
	_, err = o.AbandonRun(context.Background(), room.Code, runID, "someone_else")
	require.Error(t, err)

	updated, err := o.AbandonRun(context.Background(), room.Code, runID, owner)
	require.NoError(t, err)
	assert.Equal(t, roommodel.RunResultAbandoned, *updated.Runs[0].Result)
}
