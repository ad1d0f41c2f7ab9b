package llmexec

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/andrewginns/wikirace-arena/internal/v1/broadcast"
	"github.com/andrewginns/wikirace-arena/internal/v1/llmgateway"
	"github.com/andrewginns/wikirace-arena/internal/v1/roommodel"
	"github.com/andrewginns/wikirace-arena/internal/v1/roomreg"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeGraph is a tiny in-memory article graph: title -> outbound links,
// all resolve/canonical to themselves.
type fakeGraph struct {
	links map[string][]string
}

func (g *fakeGraph) Resolve(ctx context.Context, title string) (string, error) {
	if _, ok := g.links[title]; ok {
		return title, nil
	}
	return "", nil
}

func (g *fakeGraph) Canonical(ctx context.Context, title string) (string, error) {
	return g.Resolve(ctx, title)
}

func (g *fakeGraph) ArticleWithLinks(ctx context.Context, title string) (string, []string, bool, error) {
	links, ok := g.links[title]
	if !ok {
		return "", nil, false, nil
	}
	return title, links, true, nil
}

// scriptedGateway returns one response per call in order, optionally
// blocking on a channel before replying and ignoring context
// cancellation entirely (scenario 6 posits a gateway that must be
// unblocked rather than one that reacts to Done()).
type scriptedGateway struct {
	mu        sync.Mutex
	responses []string
	calls     int
	block     <-chan struct{}
}

func (g *scriptedGateway) Call(ctx context.Context, prompt string, params llmgateway.Params) (string, *llmgateway.Usage, error) {
	if g.block != nil {
		<-g.block
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := g.calls
	g.calls++
	if idx >= len(g.responses) {
		return "", nil, errors.New("scriptedGateway: out of responses")
	}
	return g.responses[idx], nil, nil
}

func (g *fakeGraph) withLinks(from string, to ...string) *fakeGraph {
	g.links[from] = to
	return g
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{links: map[string][]string{}}
}

func baseSnap(graph *fakeGraph) *Snapshot {
	return &Snapshot{
		Current:     "Cat",
		Destination: "Dog",
		NextHops:    1,
		MaxSteps:    20,
		LLM:         roommodel.LLMParams{Model: "m"},
		PathSoFar:   []string{"Cat"},
	}
}

func TestComputeStep_ImmediateWin_AlreadyAtDestination(t *testing.T) {
	graph := newFakeGraph().withLinks("Cat", "Dog")
	snap := baseSnap(graph)
	snap.Current = "Dog"
	snap.Destination = "Dog"

	outcome, err := ComputeStep(context.Background(), graph, &scriptedGateway{}, 3, snap)
	require.NoError(t, err)
	assert.Equal(t, roommodel.StepWin, outcome.StepType)
	assert.Equal(t, "Dog", outcome.Article)
	assert.True(t, outcome.Terminal)
}

func TestComputeStep_Win_LLMSelectsDestination(t *testing.T) {
	graph := newFakeGraph().withLinks("Cat", "Dog", "Animal")
	snap := baseSnap(graph)
	gw := &scriptedGateway{responses: []string{"<answer>1</answer>"}}

	outcome, err := ComputeStep(context.Background(), graph, gw, 3, snap)
	require.NoError(t, err)
	assert.Equal(t, roommodel.StepWin, outcome.StepType)
	assert.Equal(t, "Dog", outcome.Article)
	assert.True(t, outcome.Terminal)
	assert.Equal(t, 1, gw.calls)
}

func TestComputeStep_Move_WhenNotReachedAndUnderMaxSteps(t *testing.T) {
	graph := newFakeGraph().withLinks("Cat", "Animal", "Dog")
	snap := baseSnap(graph)
	snap.NextHops = 1
	snap.MaxSteps = 20
	gw := &scriptedGateway{responses: []string{"<answer>1</answer>"}}

	outcome, err := ComputeStep(context.Background(), graph, gw, 3, snap)
	require.NoError(t, err)
	assert.Equal(t, roommodel.StepMove, outcome.StepType)
	assert.Equal(t, "Animal", outcome.Article)
	assert.False(t, outcome.Terminal)
}

func TestComputeStep_MaxStepsExhausted_CanonicalizesSelectedArticle(t *testing.T) {
	graph := newFakeGraph().withLinks("Cat", "Animal", "Dog")
	graph.links["Animal"] = []string{"Mammal"} // present so Canonical resolves it
	snap := baseSnap(graph)
	snap.NextHops = 20
	snap.MaxSteps = 20
	gw := &scriptedGateway{responses: []string{"<answer>1</answer>"}}

	outcome, err := ComputeStep(context.Background(), graph, gw, 3, snap)
	require.NoError(t, err)
	assert.Equal(t, roommodel.StepLose, outcome.StepType)
	assert.Equal(t, "Animal", outcome.Article) // canonical(selected) == selected here
	assert.Equal(t, "max_steps", outcome.Metadata["reason"])
	assert.True(t, outcome.Terminal)
}

func TestComputeStep_NoLinks(t *testing.T) {
	graph := newFakeGraph().withLinks("Cat")
	snap := baseSnap(graph)

	outcome, err := ComputeStep(context.Background(), graph, &scriptedGateway{}, 3, snap)
	require.NoError(t, err)
	assert.Equal(t, roommodel.StepLose, outcome.StepType)
	assert.Equal(t, "no_links", outcome.Metadata["reason"])
	assert.True(t, outcome.Terminal)
}

func TestComputeStep_ArticleNotFound(t *testing.T) {
	graph := newFakeGraph()
	snap := baseSnap(graph)

	outcome, err := ComputeStep(context.Background(), graph, &scriptedGateway{}, 3, snap)
	require.NoError(t, err)
	assert.Equal(t, roommodel.StepLose, outcome.StepType)
	assert.Equal(t, "article_not_found", outcome.Metadata["reason"])
	assert.True(t, outcome.Terminal)
}

func TestComputeStep_BadAnswer_ExhaustsTries(t *testing.T) {
	graph := newFakeGraph().withLinks("Cat", "Animal", "Dog")
	snap := baseSnap(graph)
	gw := &scriptedGateway{responses: []string{"nope", "still nope", "nope again"}}

	outcome, err := ComputeStep(context.Background(), graph, gw, 3, snap)
	require.NoError(t, err)
	assert.Equal(t, roommodel.StepLose, outcome.StepType)
	assert.Equal(t, "bad_answer", outcome.Metadata["reason"])
	assert.Equal(t, 3, outcome.Metadata["tries"])
	errs, ok := outcome.Metadata["answer_errors"].([]string)
	require.True(t, ok)
	assert.Len(t, errs, 3)
	assert.True(t, outcome.Terminal)
	assert.Equal(t, 3, gw.calls)
}

func TestComputeStep_LinksTruncatedToMaxLinks(t *testing.T) {
	graph := newFakeGraph().withLinks("Cat", "Animal", "Dog", "Mammal")
	snap := baseSnap(graph)
	one := 1
	snap.MaxLinks = &one
	gw := &scriptedGateway{responses: []string{"<answer>2</answer>"}} // out of range for truncated list of 1

	outcome, err := ComputeStep(context.Background(), graph, gw, 1, snap)
	require.NoError(t, err)
	assert.Equal(t, roommodel.StepLose, outcome.StepType)
	assert.Equal(t, "bad_answer", outcome.Metadata["reason"])
}

func newTestManager(t *testing.T, graph *fakeGraph, gw Gateway) (*Manager, *roomreg.Registry, *broadcast.Hub) {
	t.Helper()
	reg := roomreg.New(graph)
	hub := broadcast.NewHub()
	return New(reg, graph, gw, hub, 3), reg, hub
}

func createRunningRoomWithLLMRun(t *testing.T, reg *roomreg.Registry) (roomCode, runID string) {
	t.Helper()
	room, _, err := reg.Create(context.Background(), "Cat", "Dog", "Ada", roommodel.DefaultRules())
	require.NoError(t, err)

	var id string
	err = reg.WithLock(room.Code, func(r *roommodel.Room) error {
		run := &roommodel.Run{
			ID:       "run_llm0001",
			Kind:     roommodel.RunKindLLM,
			Status:   roommodel.RunRunning,
			LLM:      &roommodel.LLMParams{Model: "m"},
			MaxSteps: r.Rules.MaxHops,
			Steps:    []roommodel.Step{{Type: roommodel.StepStart, Article: r.StartArticle, At: time.Now().UTC()}},
		}
		id = run.ID
		r.Status = roommodel.RoomRunning
		r.Runs = append(r.Runs, run)
		return nil
	})
	require.NoError(t, err)
	return room.Code, id
}

func TestManager_Loop_CommitsWinAndStops(t *testing.T) {
	graph := newFakeGraph().withLinks("Cat", "Dog", "Animal")
	gw := &scriptedGateway{responses: []string{"<answer>1</answer>"}}
	mgr, reg, _ := newTestManager(t, graph, gw)

	roomCode, runID := createRunningRoomWithLLMRun(t, reg)
	mgr.loop(context.Background(), roomCode, runID)

	room, err := reg.Get(roomCode)
	require.NoError(t, err)
	run := room.FindRun(runID)
	require.NotNil(t, run)
	assert.Equal(t, roommodel.RunFinished, run.Status)
	assert.Equal(t, roommodel.RunResultWin, *run.Result)
	assert.Equal(t, "Dog", run.LastStep().Article)
}

func TestManager_Loop_BadAnswer_RecordsTriesAndErrors(t *testing.T) {
	graph := newFakeGraph().withLinks("Cat", "Dog", "Animal")
	gw := &scriptedGateway{responses: []string{"nope", "nope", "nope"}}
	mgr, reg, _ := newTestManager(t, graph, gw)

	roomCode, runID := createRunningRoomWithLLMRun(t, reg)
	mgr.loop(context.Background(), roomCode, runID)

	room, err := reg.Get(roomCode)
	require.NoError(t, err)
	run := room.FindRun(runID)
	require.NotNil(t, run)
	assert.Equal(t, roommodel.RunResultLose, *run.Result)
	last := run.LastStep()
	assert.Equal(t, "bad_answer", last.Extra["reason"])
	assert.Equal(t, 3, last.Extra["tries"])
	errs, ok := last.Extra["answer_errors"].([]string)
	require.True(t, ok)
	assert.Len(t, errs, 3)
}

// TestManager_Commit_StaleSnapshotDropsSilently exercises the restart race
// of spec §4.5/§8 scenario 6: a step computed against a snapshot that is no
// longer the run's current article (because a restart replaced it with a
// fresh start step in the meantime) must not be written.
func TestManager_Commit_StaleSnapshotDropsSilently(t *testing.T) {
	graph := newFakeGraph().withLinks("Cat", "Animal")
	mgr, reg, _ := newTestManager(t, graph, &scriptedGateway{})
	roomCode, runID := createRunningRoomWithLLMRun(t, reg)

	committed := mgr.commit(context.Background(), roomCode, runID, "NotTheCurrentArticle", &StepOutcome{
		StepType: roommodel.StepMove,
		Article:  "Animal",
	})
	assert.False(t, committed)

	room, err := reg.Get(roomCode)
	require.NoError(t, err)
	run := room.FindRun(runID)
	require.Len(t, run.Steps, 1) // only the original start step
}

// TestManager_Commit_CancelledContextDropsSilently covers the llmexec.go
// ctx.Err() guard added for the case where a gateway ignores cancellation
// (it is merely unblocked, as scenario 6 describes) but the expected
// current article happens to still match (a fresh restart start step
// leaves the article unchanged).
func TestManager_Commit_CancelledContextDropsSilently(t *testing.T) {
	graph := newFakeGraph().withLinks("Cat", "Animal")
	mgr, reg, _ := newTestManager(t, graph, &scriptedGateway{})
	roomCode, runID := createRunningRoomWithLLMRun(t, reg)

	room, err := reg.Get(roomCode)
	require.NoError(t, err)
	expectedCurrent := room.FindRun(runID).LastStep().Article

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	committed := mgr.commit(ctx, roomCode, runID, expectedCurrent, &StepOutcome{
		StepType: roommodel.StepMove,
		Article:  "Animal",
	})
	assert.False(t, committed)

	room, err = reg.Get(roomCode)
	require.NoError(t, err)
	assert.Len(t, room.FindRun(runID).Steps, 1)
}

// TestManager_RestartDuringInFlightCall_NoOrphanMove drives the full
// scenario 6 end to end: start an executor, let it block mid-call on the
// gateway, restart the run (replacing the start step and cancelling the
// prior executor's context), then unblock the stale gateway call. Exactly
// one start step should survive; no orphan move should appear.
func TestManager_RestartDuringInFlightCall_NoOrphanMove(t *testing.T) {
	graph := newFakeGraph().withLinks("Cat", "Animal")
	block := make(chan struct{})
	gw := &scriptedGateway{responses: []string{"<answer>1</answer>"}, block: block}
	mgr, reg, _ := newTestManager(t, graph, gw)
	roomCode, runID := createRunningRoomWithLLMRun(t, reg)

	ctx, cancel := context.WithCancel(context.Background())
	mgr.reg.RegisterTask(roomCode, runID, cancel)

	done := make(chan struct{})
	go func() {
		mgr.loop(ctx, roomCode, runID)
		close(done)
	}()

	// Give the loop a moment to snapshot and call into the blocked gateway.
	time.Sleep(20 * time.Millisecond)

	// Restart: cancel the prior executor's context and replace the start
	// step, exactly as orchestrator.RestartRun does under the room lock.
	mgr.reg.CancelTask(roomCode, runID)
	err := reg.WithLock(roomCode, func(r *roommodel.Room) error {
		run := r.FindRun(runID)
		run.Steps = []roommodel.Step{{Type: roommodel.StepStart, Article: r.StartArticle, At: time.Now().UTC()}}
		return nil
	})
	require.NoError(t, err)

	close(block) // unblock the stale gateway call

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("executor loop did not exit after cancellation")
	}

	room, err := reg.Get(roomCode)
	require.NoError(t, err)
	run := room.FindRun(runID)
	require.Len(t, run.Steps, 1)
	assert.Equal(t, roommodel.StepStart, run.Steps[0].Type)
}

// TestManager_SingleExecutorInvariant_RegisterTaskCancelsPrior verifies
// §4.5's "at most one executor per (room, run)" invariant: registering a
// second task for the same run cancels the first.
func TestManager_SingleExecutorInvariant_RegisterTaskCancelsPrior(t *testing.T) {
	graph := newFakeGraph()
	reg := roomreg.New(graph)
	room, _, err := reg.Create(context.Background(), "Cat", "Dog", "Ada", roommodel.DefaultRules())
	require.NoError(t, err)

	firstCtx, firstCancel := context.WithCancel(context.Background())
	reg.RegisterTask(room.Code, "run_1", firstCancel)

	_, secondCancel := context.WithCancel(context.Background())
	reg.RegisterTask(room.Code, "run_1", secondCancel)

	assert.Error(t, firstCtx.Err())
}
