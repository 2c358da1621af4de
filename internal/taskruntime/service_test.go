package taskruntime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/stepwise/internal/actions"
	"github.com/ent0n29/stepwise/internal/apperr"
	"github.com/ent0n29/stepwise/internal/eventbus"
	"github.com/ent0n29/stepwise/internal/memory"
	"github.com/ent0n29/stepwise/internal/model"
	"github.com/ent0n29/stepwise/internal/prompts"
	"github.com/ent0n29/stepwise/internal/stepcontext"
	"github.com/ent0n29/stepwise/internal/tasks"
)

const user = "u1"

const desktopTask = `{"type":"desktop_task","is_browser_task":true,"needs_memory_from_previous_tasks":false}`

type fakeTools struct {
	mu    sync.Mutex
	calls []string
	reply string
	err   error
}

func (f *fakeTools) Invoke(_ context.Context, name string, _ map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.reply, f.err
}

type harness struct {
	svc      *Service
	store    *tasks.InMemoryStore
	mem      *memory.InMemoryStore
	bus      *eventbus.Bus
	classify *model.Scripted
	plan     *model.Scripted
	step     *model.Scripted
	tools    *fakeTools
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    tasks.NewInMemoryStore(),
		mem:      memory.NewInMemoryStore(),
		bus:      eventbus.New(eventbus.NewMemoryTransport(), eventbus.WithThinkingPace(0)),
		classify: model.NewScripted(),
		plan:     model.NewScripted(),
		step:     model.NewScripted(),
		tools:    &fakeTools{reply: "tool summary"},
	}
	h.svc = New(Deps{
		Store:  h.store,
		Memory: h.mem,
		Bus:    h.bus,
		Models: model.Set{
			Classifier:  h.classify,
			Title:       model.NewMockInvoker(model.RoleTitle),
			Planner:     h.plan,
			ComputerUse: h.step,
		},
		Prompts: prompts.Default(),
		Tools:   h.tools,
		Now:     func() time.Time { return time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC) },
	})
	return h
}

// start submits a desktop task and subscribes to its thread.
func (h *harness) start(t *testing.T, text string) (string, <-chan []byte) {
	t.Helper()
	h.classify.Push(model.Response{Text: desktopTask})
	res, err := h.svc.Submit(context.Background(), user, SubmitRequest{Text: text})
	require.NoError(t, err)
	require.NotEmpty(t, res.ThreadID)
	events, cancel, err := h.bus.Subscribe(context.Background(), res.ThreadID)
	require.NoError(t, err)
	t.Cleanup(cancel)
	return res.ThreadID, events
}

func (h *harness) latestTask(t *testing.T) tasks.Task {
	t.Helper()
	list, err := h.store.RecentTasks(context.Background(), user, tasks.RecentTasksQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

type event struct {
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Description string          `json:"description"`
	Thinking    string          `json:"thinking"`
	SubtaskInfo json.RawMessage `json:"subtask_info"`
}

func drain(t *testing.T, ch <-chan []byte) []event {
	t.Helper()
	var out []event
	for {
		select {
		case payload, ok := <-ch:
			if !ok {
				return out
			}
			var e event
			require.NoError(t, json.Unmarshal(payload, &e))
			out = append(out, e)
		default:
			return out
		}
	}
}

func statuses(events []event) []string {
	var out []string
	for _, e := range events {
		if e.Type == eventbus.TypeTaskStatus {
			out = append(out, e.Status)
		}
	}
	return out
}

func stepReply(actionsJSON string) string {
	return `{"current_state":{"next_goal":"keep going"},"actions":` + actionsJSON + `}`
}

func TestSubmitDesktopTaskStartsWork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	threadID, _ := h.start(t, "book a flight to Rome")

	thread, err := h.store.GetThread(ctx, user, threadID)
	require.NoError(t, err)
	assert.Equal(t, tasks.ThreadStatusWorking, thread.Status)
	assert.Equal(t, "book a flight to Rome", thread.Title)

	msgs, err := h.store.ListThreadMessages(ctx, user, threadID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, tasks.KindNormalMessage, msgs[0].Kind)
	assert.Equal(t, tasks.OriginUser, msgs[0].Origin)
	assert.Equal(t, tasks.KindClassification, msgs[1].Kind)
	assert.Contains(t, msgs[1].Text, `"thread_id":"`+threadID+`"`)

	h.classify.Push(model.Response{Text: desktopTask})
	_, err = h.svc.Submit(ctx, user, SubmitRequest{Text: "another one"})
	assert.True(t, apperr.IsCode(err, apperr.CodeConflict))
	assert.Equal(t, apperr.ReasonRunningThread, apperr.ReasonOf(err))
	assert.Len(t, h.classify.Requests(), 1, "a running thread is rejected before classification")
}

func TestSubmitBackgroundNonBrowserIsConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.classify.Push(model.Response{Text: `{"type":"desktop_task","is_browser_task":false}`})

	_, err := h.svc.Submit(ctx, user, SubmitRequest{Text: "rename my files", BackgroundMode: true})
	require.Error(t, err)
	assert.Equal(t, apperr.ReasonNotBrowserTaskBGMode, apperr.ReasonOf(err))

	list, err := h.store.RecentTasks(ctx, user, tasks.RecentTasksQuery{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, list)
	n, err := h.store.CountWorkingThreads(ctx, user)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmitConversationalCreatesNoTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.classify.Push(model.Response{Text: `{"type":"inquiry","response":"Hello!","mood":"cheerful"}`})

	res, err := h.svc.Submit(ctx, user, SubmitRequest{Text: "hi there"})
	require.NoError(t, err)
	assert.False(t, res.IsDesktopTask())

	thread, err := h.store.GetThread(ctx, user, res.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, tasks.ThreadStatusStandby, thread.Status)

	msgs, err := h.store.ListThreadMessages(ctx, user, res.ThreadID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{
		"type":"inquiry","response":"Hello!","mood":"cheerful","thread_id":"`+res.ThreadID+`",
		"is_background_mode_requested":false,"is_extended_thinking_mode_requested":false,
		"needs_memory_from_previous_tasks":false
	}`, msgs[1].Text)

	h.classify.Push(model.Response{Text: desktopTask})
	again, err := h.svc.Submit(ctx, user, SubmitRequest{ThreadID: res.ThreadID, Text: "open the calendar"})
	require.NoError(t, err)
	assert.Equal(t, res.ThreadID, again.ThreadID)
	assert.Equal(t, tasks.TaskStatusWorking, h.latestTask(t).Status)

	_, err = h.svc.Submit(ctx, user, SubmitRequest{Text: "   "})
	assert.True(t, apperr.IsCode(err, apperr.CodeInvalidArgument))
}

func TestEndToEndBookFlightToRome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	threadID, events := h.start(t, "book a flight to Rome")
	snap := stepcontext.DesktopSnapshot{CurrentOS: "macOS"}

	h.plan.Push(model.Response{Text: `{"subtasks":[{"subtask":"open the browser"},{"subtask":"search flights to Rome"},{"subtask":"book the cheapest"}]}`})
	for i := 0; i < 3; i++ {
		h.step.Push(model.Response{Text: stepReply(`[{"action":"subtask_completed"}]`)})
	}

	lastOrdering := 0
	var seen []string
	for {
		cur, err := h.svc.CurrentSubtask(ctx, user, threadID, snap)
		require.NoError(t, err)
		if cur.Completed() {
			break
		}
		seen = append(seen, cur.SubtaskText)
		assert.Equal(t, tasks.SubtaskTypeDesktop, cur.SubtaskType)

		task := h.latestTask(t)
		plan, err := h.store.GetActivePlan(ctx, task.ID)
		require.NoError(t, err)
		st, err := h.store.CurrentSubtask(ctx, plan.ID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, st.Ordering, lastOrdering)
		lastOrdering = st.Ordering

		_, err = h.svc.DesktopStep(ctx, user, threadID, snap)
		require.NoError(t, err)
		require.Less(t, len(seen), 4, "plan should be exhausted after three subtasks")
	}
	assert.Equal(t, []string{"open the browser", "search flights to Rome", "book the cheapest"}, seen)
	assert.Len(t, h.plan.Requests(), 1)

	task := h.latestTask(t)
	assert.Equal(t, tasks.TaskStatusCompleted, task.Status)
	thread, err := h.store.GetThread(ctx, user, threadID)
	require.NoError(t, err)
	assert.Equal(t, tasks.ThreadStatusStandby, thread.Status)

	got := statuses(drain(t, events))
	completed := 0
	for _, s := range got {
		if s == eventbus.StatusTaskCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, eventbus.StatusPlanning, got[0])
	assert.Equal(t, eventbus.StatusTaskCompleted, got[len(got)-1])

	// The plan is never regenerated and a finished task cannot complete twice.
	_, err = h.svc.CurrentSubtask(ctx, user, threadID, snap)
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))
	assert.Empty(t, drain(t, events))

	msgs, err := h.store.ListThreadMessages(ctx, user, threadID)
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Equal(t, tasks.KindDesktopUse, last.Kind)
	assert.JSONEq(t, `{"actions":[{"action":"task_completed"}]}`, last.Text)
}

func TestCompletionOnlyCountsAsSoleAction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	threadID, events := h.start(t, "book a flight to Rome")
	h.plan.Push(model.Response{Text: `{"subtasks":[{"subtask":"open the browser"}]}`})
	_, err := h.svc.CurrentSubtask(ctx, user, threadID, stepcontext.DesktopSnapshot{})
	require.NoError(t, err)
	drain(t, events)

	h.step.Push(model.Response{Text: stepReply(
		`[{"action":"task_completed"},{"action":"tool_use","params":{"tool":"save_to_memory","args":{"text":"gate B12"}}}]`)})
	_, err = h.svc.DesktopStep(ctx, user, threadID, stepcontext.DesktopSnapshot{})
	require.NoError(t, err)

	cur, err := h.svc.CurrentSubtask(ctx, user, threadID, stepcontext.DesktopSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, "open the browser", cur.SubtaskText)

	task := h.latestTask(t)
	entries, err := h.mem.ListByTasks(ctx, []string{task.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "gate B12", entries[0].Text)
	assert.Equal(t, []string{eventbus.StatusPlanning, eventbus.StatusUsingTool}, statuses(drain(t, events)))
}

func TestFailureStopsTheBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	threadID, events := h.start(t, "book a flight to Rome")
	h.plan.Push(model.Response{Text: `{"subtasks":[{"subtask":"open the browser"},{"subtask":"pay"}]}`})
	_, err := h.svc.CurrentSubtask(ctx, user, threadID, stepcontext.DesktopSnapshot{})
	require.NoError(t, err)
	drain(t, events)

	h.step.Push(model.Response{Text: stepReply(
		`[{"action":"subtask_failed"},{"action":"tool_use","params":{"tool":"fetch_url","args":{"url":"https://example.com"}}}]`)})
	_, err = h.svc.DesktopStep(ctx, user, threadID, stepcontext.DesktopSnapshot{})
	require.NoError(t, err)

	assert.Empty(t, h.tools.calls)
	task := h.latestTask(t)
	assert.Equal(t, tasks.TaskStatusFailed, task.Status)
	thread, err := h.store.GetThread(ctx, user, threadID)
	require.NoError(t, err)
	assert.Equal(t, tasks.ThreadStatusStandby, thread.Status)

	evts := drain(t, events)
	assert.Equal(t, []string{eventbus.StatusPlanning, eventbus.StatusTaskFailed}, statuses(evts))
	assert.Contains(t, string(evts[len(evts)-1].SubtaskInfo), "Task failed: open the browser")
	actionsSeen := 0
	for _, e := range evts {
		if e.Type == eventbus.TypeAgentAction {
			actionsSeen++
		}
	}
	assert.Equal(t, 1, actionsSeen)

	msgs, err := h.store.ListThreadMessages(ctx, user, threadID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"actions":[{"action":"task_failed"}]}`, msgs[len(msgs)-1].Text)
}

func TestStepMessageRoundTrips(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	threadID, _ := h.start(t, "book a flight to Rome")
	h.plan.Push(model.Response{Text: `{"subtasks":[{"subtask":"open the browser"}]}`})
	_, err := h.svc.CurrentSubtask(ctx, user, threadID, stepcontext.DesktopSnapshot{})
	require.NoError(t, err)

	reply := `{"current_state":{"next_goal":"click search","evaluation":"ok","save_to_memory":true,"memory":"price 120 EUR"},` +
		`"actions":[{"action":"left_click","params":{"x":10,"y":20}}],"confidence":0.7}`
	h.step.Push(model.Response{Text: "Here you go:\n```json\n" + reply + "\n```"})
	out, err := h.svc.DesktopStep(ctx, user, threadID, stepcontext.DesktopSnapshot{ScreenshotB64: "aGVsbG8="})
	require.NoError(t, err)
	assert.Equal(t, "click search", out.NextGoal())

	task := h.latestTask(t)
	stored, err := h.store.RecentMessages(ctx, task.ID, tasks.KindDesktopUse, 1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.JSONEq(t, reply, stored[0].Text)
	assert.NotEmpty(t, stored[0].SubtaskID)
	assert.Contains(t, stored[0].Prompt, "Current Subtask: open the browser")
	assert.NotContains(t, stored[0].Prompt, "aGVsbG8=")

	var back actions.StepOutput
	require.NoError(t, json.Unmarshal([]byte(stored[0].Text), &back))
	require.Len(t, back.Actions, 1)
	assert.Equal(t, "left_click", back.Actions[0].Name)
	assert.Equal(t, "price 120 EUR", back.MemoryToSave())

	entries, err := h.mem.ListByTasks(ctx, []string{task.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "price 120 EUR", entries[0].Text)
}

func TestDesktopStepRequiresDesktopSubtask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	threadID, _ := h.start(t, "book a flight to Rome")

	_, err := h.svc.DesktopStep(ctx, user, threadID, stepcontext.DesktopSnapshot{})
	require.Error(t, err)
	e, ok := apperr.From(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeNotFound, e.Code())
	assert.Equal(t, "No Current Desktop Task!", e.Message())

	_, err = h.svc.DesktopStep(ctx, user, "missing", stepcontext.DesktopSnapshot{})
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))
	assert.Empty(t, h.step.Requests())
}

func TestModelErrorsLeaveStateUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	threadID, _ := h.start(t, "book a flight to Rome")
	h.plan.Push(model.Response{Text: `{"subtasks":[{"subtask":"open the browser"}]}`})
	_, err := h.svc.CurrentSubtask(ctx, user, threadID, stepcontext.DesktopSnapshot{})
	require.NoError(t, err)
	task := h.latestTask(t)
	before, err := h.store.ListThreadMessages(ctx, user, threadID)
	require.NoError(t, err)

	h.step.PushError(errors.New("overloaded"))
	h.step.Push(model.Response{Text: "I cannot answer in JSON"})
	for i := 0; i < 2; i++ {
		_, err = h.svc.DesktopStep(ctx, user, threadID, stepcontext.DesktopSnapshot{})
		assert.True(t, apperr.IsCode(err, apperr.CodeUpstreamModel))
	}

	after, err := h.store.ListThreadMessages(ctx, user, threadID)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
	assert.Equal(t, tasks.TaskStatusWorking, h.latestTask(t).Status)
	assert.Equal(t, task.ID, h.latestTask(t).ID)
}

func TestToolOutputBecomesMemory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	threadID, _ := h.start(t, "book a flight to Rome")
	h.plan.Push(model.Response{Text: `{"subtasks":[{"subtask":"read the fare rules"}]}`})
	_, err := h.svc.CurrentSubtask(ctx, user, threadID, stepcontext.DesktopSnapshot{})
	require.NoError(t, err)

	h.step.Push(model.Response{Text: stepReply(
		`[{"action":"tool_use","params":{"tool":"fetch_url","args":{"url":"https://example.com/fares"}}}]`)})
	_, err = h.svc.DesktopStep(ctx, user, threadID, stepcontext.DesktopSnapshot{})
	require.NoError(t, err)

	h.tools.err = apperr.New(apperr.CodeTool, "Unsupported tool: teleport")
	h.step.Push(model.Response{Text: stepReply(`[{"action":"tool_use","params":{"tool":"teleport"}}]`)})
	_, err = h.svc.DesktopStep(ctx, user, threadID, stepcontext.DesktopSnapshot{})
	require.NoError(t, err)

	assert.Equal(t, []string{"fetch_url", "teleport"}, h.tools.calls)
	entries, err := h.mem.ListByTasks(ctx, []string{h.latestTask(t).ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tool summary", entries[0].Text)
}

func TestExtendedThinkingStreamsAndPersistsReasoning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.classify.Push(model.Response{Text: desktopTask})
	res, err := h.svc.Submit(ctx, user, SubmitRequest{Text: "book a flight to Rome", ExtendedThinkingMode: true})
	require.NoError(t, err)
	events, cancel, err := h.bus.Subscribe(ctx, res.ThreadID)
	require.NoError(t, err)
	defer cancel()

	h.plan.Push(model.Response{Text: `{"subtasks":[{"subtask":"open the browser"}]}`})
	_, err = h.svc.CurrentSubtask(ctx, user, res.ThreadID, stepcontext.DesktopSnapshot{})
	require.NoError(t, err)

	h.step.Push(model.Response{Parts: []model.Part{
		{Type: model.PartReasoning, Text: "The browser is closed.\n\nI should open it."},
		{Type: model.PartText, Text: stepReply(`[{"action":"launch_browser","params":{"url":"https://flights.example"}}]`)},
	}})
	_, err = h.svc.DesktopStep(ctx, user, res.ThreadID, stepcontext.DesktopSnapshot{})
	require.NoError(t, err)

	reqs := h.step.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].Thinking)
	assert.Equal(t, 1.0, reqs[0].Temperature)

	var thinking []string
	var description string
	for _, e := range drain(t, events) {
		switch e.Type {
		case eventbus.TypeAgentThinking:
			thinking = append(thinking, e.Thinking)
		case eventbus.TypeAgentAction:
			description = e.Description
		}
	}
	assert.Equal(t, []string{"The browser is closed.", "I should open it."}, thinking)
	assert.Equal(t, "Opening browser to https://flights.example", description)

	stored, err := h.store.RecentMessages(ctx, h.latestTask(t).ID, tasks.KindThinking, 5)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "The browser is closed.\n\nI should open it.", stored[0].ChainOfThought)
}

func TestBackgroundStepCompletesTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.classify.Push(model.Response{Text: `{"type":"desktop_task","is_browser_task":true,"is_background_mode_requested":true}`})
	res, err := h.svc.Submit(ctx, user, SubmitRequest{Text: "find flights to Rome"})
	require.NoError(t, err)
	assert.True(t, h.latestTask(t).BackgroundMode)
	events, cancel, err := h.bus.Subscribe(ctx, res.ThreadID)
	require.NoError(t, err)
	defer cancel()

	snap := stepcontext.BrowserSnapshot{CurrentURL: "https://flights.example"}
	h.step.Push(model.Response{Text: stepReply(`[{"action":"left_click","params":{"x":1,"y":2}}]`)})
	h.step.Push(model.Response{Text: stepReply(`[{"action":"task_completed"}]`)})
	_, err = h.svc.BackgroundStep(ctx, user, res.ThreadID, snap)
	require.NoError(t, err)
	_, err = h.svc.BackgroundStep(ctx, user, res.ThreadID, snap)
	require.NoError(t, err)

	reqs := h.step.Requests()
	require.Len(t, reqs, 2)
	var sawHistory bool
	for _, b := range reqs[1].Blocks {
		if b.Type == model.BlockText && len(b.Text) > 16 && b.Text[:16] == "Previous Actions" {
			sawHistory = true
			assert.Contains(t, b.Text, "current_state")
		}
	}
	assert.True(t, sawHistory)

	assert.Equal(t, tasks.TaskStatusCompleted, h.latestTask(t).Status)
	got := statuses(drain(t, events))
	assert.Equal(t, eventbus.StatusTaskCompleted, got[len(got)-1])

	_, err = h.svc.BackgroundStep(ctx, user, res.ThreadID, snap)
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))
}

func TestCancelTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	threadID, _ := h.start(t, "book a flight to Rome")
	h.plan.Push(model.Response{Text: `{"subtasks":[{"subtask":"open the browser"}]}`})
	_, err := h.svc.CurrentSubtask(ctx, user, threadID, stepcontext.DesktopSnapshot{})
	require.NoError(t, err)

	require.NoError(t, h.svc.CancelTask(ctx, user, threadID))
	assert.Equal(t, tasks.TaskStatusCanceled, h.latestTask(t).Status)

	msgs, err := h.store.ListThreadMessages(ctx, user, threadID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"actions":[{"action":"task_canceled"}]}`, msgs[len(msgs)-1].Text)

	err = h.svc.CancelTask(ctx, user, threadID)
	assert.Equal(t, apperr.ReasonNotRunning, apperr.ReasonOf(err))
	err = h.svc.CancelTask(ctx, user, "missing")
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))

	_, err = h.svc.DesktopStep(ctx, user, threadID, stepcontext.DesktopSnapshot{})
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))

	_, ok, err := h.svc.CurrentStatus(ctx, user, threadID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelWinsOverStepInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	threadID, _ := h.start(t, "book a flight to Rome")
	h.plan.Push(model.Response{Text: `{"subtasks":[{"subtask":"open the browser"}]}`})
	_, err := h.svc.CurrentSubtask(ctx, user, threadID, stepcontext.DesktopSnapshot{})
	require.NoError(t, err)

	cancelling := model.InvokerFunc(func(ctx context.Context, req model.Request) (model.Response, error) {
		require.NoError(t, h.svc.CancelTask(ctx, user, threadID))
		return model.Response{Text: stepReply(`[{"action":"subtask_failed"}]`)}, nil
	})
	h.svc.computerUse = cancelling

	_, err = h.svc.DesktopStep(ctx, user, threadID, stepcontext.DesktopSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, tasks.TaskStatusCanceled, h.latestTask(t).Status)
}

func TestCancelAllIsScopedToUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	threadID, _ := h.start(t, "book a flight to Rome")

	h.classify.Push(model.Response{Text: desktopTask})
	other, err := h.svc.Submit(ctx, "u2", SubmitRequest{Text: "order pizza"})
	require.NoError(t, err)

	require.NoError(t, h.svc.CancelAll(ctx, user))

	view, ok, err := h.svc.CurrentStatus(ctx, "u2", other.ThreadID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "order pizza", view.TaskText)

	_, ok, err = h.svc.CurrentStatus(ctx, user, threadID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcurrentStepsAreSerialized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	threadID, _ := h.start(t, "book a flight to Rome")
	h.plan.Push(model.Response{Text: `{"subtasks":[{"subtask":"one"},{"subtask":"two"},{"subtask":"three"}]}`})
	_, err := h.svc.CurrentSubtask(ctx, user, threadID, stepcontext.DesktopSnapshot{})
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
	)
	h.svc.computerUse = model.InvokerFunc(func(context.Context, model.Request) (model.Response, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return model.Response{Text: stepReply(`[{"action":"subtask_completed"}]`)}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.svc.DesktopStep(ctx, user, threadID, stepcontext.DesktopSnapshot{})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)

	task := h.latestTask(t)
	closed, err := h.store.ListClosedSubtasks(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, closed, 3)
}
