package planner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/stepwise/internal/apperr"
	"github.com/ent0n29/stepwise/internal/eventbus"
	"github.com/ent0n29/stepwise/internal/model"
	"github.com/ent0n29/stepwise/internal/stepcontext"
	"github.com/ent0n29/stepwise/internal/tasks"
)

func setup(t *testing.T, replies ...string) (*Generator, *tasks.InMemoryStore, *model.Scripted, *eventbus.Bus, tasks.Task) {
	t.Helper()
	ctx := context.Background()
	store := tasks.NewInMemoryStore()
	thread, err := store.CreateThread(ctx, tasks.Thread{UserID: "u1"})
	require.NoError(t, err)
	task, err := store.StartTask(ctx, "u1", tasks.Task{ThreadID: thread.ID, Text: "book a flight to Rome"})
	require.NoError(t, err)

	llm := model.NewScripted(replies...)
	bus := eventbus.New(eventbus.NewMemoryTransport())
	return New(store, llm, bus, stepcontext.NewBuilder(nil), "plan", nil), store, llm, bus, task
}

func TestEnsureCreatesPlanOnce(t *testing.T) {
	ctx := context.Background()
	gen, store, llm, bus, task := setup(t, `{"subtasks":[{"subtask":"open the browser"},{"subtask":" search flights "},{"subtask":""}]}`)
	events, cancel, err := bus.Subscribe(ctx, task.ThreadID)
	require.NoError(t, err)
	defer cancel()

	plan, err := gen.Ensure(ctx, "u1", task, stepcontext.DesktopSnapshot{CurrentOS: "macOS"})
	require.NoError(t, err)

	again, err := gen.Ensure(ctx, "u1", task, stepcontext.DesktopSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, plan.ID, again.ID)
	require.Len(t, llm.Requests(), 1)
	assert.Equal(t, temperature, llm.Requests()[0].Temperature)

	current, err := store.CurrentSubtask(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, "open the browser", current.Text)
	assert.Equal(t, tasks.SubtaskTypeDesktop, current.Type)

	msgs, err := store.ListThreadMessages(ctx, "u1", task.ThreadID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, tasks.KindPlan, msgs[0].Kind)

	select {
	case payload := <-events:
		var evt eventbus.StatusEvent
		require.NoError(t, json.Unmarshal(payload, &evt))
		assert.Equal(t, eventbus.StatusPlanning, evt.Status)
		info := evt.SubtaskInfo.(map[string]any)
		assert.Equal(t, "Plan: 1- open the browser\n2- search flights", info["message"])
	case <-time.After(time.Second):
		t.Fatal("no planning broadcast")
	}
}

func TestEnsureRejectsEmptyPlan(t *testing.T) {
	gen, store, _, _, task := setup(t, `{"subtasks":[]}`)
	_, err := gen.Ensure(context.Background(), "u1", task, stepcontext.DesktopSnapshot{})
	assert.True(t, apperr.IsCode(err, apperr.CodeUpstreamModel))

	_, err = store.GetActivePlan(context.Background(), task.ID)
	assert.ErrorIs(t, err, tasks.ErrNotFound)
}

func TestEnsureSurfacesModelFailure(t *testing.T) {
	gen, _, _, _, task := setup(t)
	_, err := gen.Ensure(context.Background(), "u1", task, stepcontext.DesktopSnapshot{})
	assert.True(t, apperr.IsCode(err, apperr.CodeUpstreamModel))
}

func TestParseAndRender(t *testing.T) {
	r, _, err := Parse("```json\n{\"subtasks\":[{\"subtask\":\"a\"},{\"subtask\":\"b\"}]}\n```")
	require.NoError(t, err)
	assert.Equal(t, "1- a\n2- b", Render(r))

	_, _, err = Parse(`{"subtasks":"nope"}`)
	assert.Error(t, err)
}
