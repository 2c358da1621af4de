package stepcontext

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/stepwise/internal/actions"
	"github.com/ent0n29/stepwise/internal/memory"
	"github.com/ent0n29/stepwise/internal/model"
	"github.com/ent0n29/stepwise/internal/tasks"
)

// Look-back window sizes.
const (
	HistoryLimit       = 5
	PreviousTasksLimit = 10
)

// DesktopSnapshot is what the desktop client observed before a step.
type DesktopSnapshot struct {
	CurrentOS           string          `json:"current_os"`
	InteractiveElements json.RawMessage `json:"current_interactive_elements,omitempty"`
	RunningApps         json.RawMessage `json:"current_running_apps,omitempty"`
	ScreenshotB64       string          `json:"screenshot_b64,omitempty"`
}

// BrowserSnapshot is what the background browser observed before a step.
type BrowserSnapshot struct {
	CurrentURL    string          `json:"current_url"`
	OpenTabs      json.RawMessage `json:"current_open_tabs,omitempty"`
	ScreenshotB64 string          `json:"screenshot_b64,omitempty"`
}

type DesktopInput struct {
	Task             tasks.Task
	Subtask          tasks.Subtask
	History          []tasks.Message
	PreviousSubtasks []tasks.Subtask
	Memory           []memory.Entry
	Snapshot         DesktopSnapshot
}

type BackgroundInput struct {
	Task          tasks.Task
	History       []tasks.Message
	PreviousTasks []tasks.Task
	Memory        []memory.Entry
	Snapshot      BrowserSnapshot
}

type PlanInput struct {
	Task          tasks.Task
	PreviousTasks []tasks.Task
	Snapshot      DesktopSnapshot
}

// Context is the assembled user turn. Prompt holds the text blocks only, for persistence.
type Context struct {
	Blocks []model.Block
	Prompt []model.Block
}

// PromptJSON renders the text-only prompt for the step message.
func (c Context) PromptJSON() string {
	b, err := json.Marshal(c.Prompt)
	if err != nil {
		return ""
	}
	return string(b)
}

// Builder assembles model input. It performs no I/O.
type Builder struct {
	Images ImageFormat
	Now    func() time.Time
}

func NewBuilder(images ImageFormat) Builder {
	if images == nil {
		images = Base64Image{}
	}
	return Builder{Images: images, Now: time.Now}
}

func (b Builder) Desktop(in DesktopInput) Context {
	blocks := []model.Block{
		b.dateBlock(),
		model.TextBlock("Current Subtask: " + in.Subtask.Text),
		model.TextBlock(fmt.Sprintf("Current OS: %s \n\nCurrent Visible OS Native Interactive Elements: %s",
			in.Snapshot.CurrentOS, rawOrNull(in.Snapshot.InteractiveElements))),
		model.TextBlock("Current Running Apps: " + rawOrNull(in.Snapshot.RunningApps)),
	}
	if mem := memoryItems(in.Memory); mem != "" {
		blocks = append(blocks, model.TextBlock("Stored Memory Items: \n "+mem))
	}
	if hist := history(in.History, false); hist != "" {
		blocks = append(blocks, model.TextBlock(
			"Your Most Recent Actions (Limited to 5, newest first) These are the actions you most recently took "+
				"(you must take those into consideration when evaluating the current state and the next goal): \n "+hist))
	}
	if prev := previousSubtasks(in.PreviousSubtasks); prev != "" {
		blocks = append(blocks, model.TextBlock("Previous Subtasks: \n "+prev))
	}
	return b.finish(blocks, in.Snapshot.ScreenshotB64)
}

func (b Builder) Background(in BackgroundInput) Context {
	blocks := []model.Block{
		b.dateBlock(),
		model.TextBlock("Current Task: " + in.Task.Text),
		model.TextBlock("Current URL: " + in.Snapshot.CurrentURL),
		model.TextBlock("Current Open Tabs: " + rawOrNull(in.Snapshot.OpenTabs)),
	}
	if mem := memoryItems(in.Memory); mem != "" {
		blocks = append(blocks, model.TextBlock("Stored Memory Items: \n "+mem))
	}
	if hist := history(in.History, true); hist != "" {
		blocks = append(blocks, model.TextBlock("Previous Actions (Limited to 5, newest first): \n "+hist))
	}
	if prev := previousTasks(in.PreviousTasks); prev != "" {
		blocks = append(blocks, model.TextBlock("Previous Tasks: \n "+prev))
	}
	return b.finish(blocks, in.Snapshot.ScreenshotB64)
}

// Plan assembles the planner turn. It carries no date or image.
func (b Builder) Plan(in PlanInput) Context {
	blocks := []model.Block{
		model.TextBlock(fmt.Sprintf("Current OS: %s \n\nCurrent Visible OS Native Interactive Elements: %s",
			in.Snapshot.CurrentOS, rawOrNull(in.Snapshot.InteractiveElements))),
		model.TextBlock("Current Running Apps: " + rawOrNull(in.Snapshot.RunningApps)),
	}
	if prev := previousTasks(in.PreviousTasks); prev != "" {
		blocks = append(blocks, model.TextBlock("Previous Tasks (Limited to 10): \n "+prev))
	}
	blocks = append(blocks, model.TextBlock("Task: "+in.Task.Text))
	return Context{Blocks: blocks, Prompt: blocks}
}

func (b Builder) finish(blocks []model.Block, screenshot string) Context {
	prompt := append([]model.Block(nil), blocks...)
	if s := strings.TrimSpace(screenshot); s != "" {
		blocks = append(blocks, b.images().Block(s))
	}
	return Context{Blocks: blocks, Prompt: prompt}
}

func (b Builder) images() ImageFormat {
	if b.Images == nil {
		return Base64Image{}
	}
	return b.Images
}

func (b Builder) dateBlock() model.Block {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	return model.TextBlock("Today's date: " + now().Format("2006-01-02"))
}

func rawOrNull(raw json.RawMessage) string {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return "null"
	}
	return string(raw)
}

func memoryItems(entries []memory.Entry) string {
	if len(entries) == 0 {
		return ""
	}
	items := make([]map[string]string, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]string{"memory_item_text": e.Text})
	}
	return mustJSON(items)
}

// history renders stored step messages, newest first. Messages that are not step objects are
// skipped.
func history(msgs []tasks.Message, keepState bool) string {
	if len(msgs) == 0 {
		return ""
	}
	items := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		var out actions.StepOutput
		if err := json.Unmarshal([]byte(m.Text), &out); err != nil {
			continue
		}
		raw, err := out.History(keepState)
		if err != nil {
			continue
		}
		items = append(items, raw)
	}
	if len(items) == 0 {
		return ""
	}
	return mustJSON(items)
}

func previousSubtasks(subtasks []tasks.Subtask) string {
	if len(subtasks) == 0 {
		return ""
	}
	items := make([]map[string]string, 0, len(subtasks))
	for _, st := range subtasks {
		items = append(items, map[string]string{"subtask_text": st.Text, "status": string(st.Status)})
	}
	return mustJSON(items)
}

func previousTasks(list []tasks.Task) string {
	if len(list) == 0 {
		return ""
	}
	items := make([]map[string]string, 0, len(list))
	for _, t := range list {
		items = append(items, map[string]string{"task": t.Text, "status": string(t.Status)})
	}
	return mustJSON(items)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
