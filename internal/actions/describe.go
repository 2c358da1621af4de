package actions

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Describe renders an action as a present-tense sentence for the live feed. It never fails;
// unknown actions get a generic description and absent values render as None.
func Describe(a Action) string {
	p := params(a.Params)
	switch a.Name {
	case "left_click":
		return fmt.Sprintf("Clicking at position (%s, %s)", p.get("x"), p.get("y"))
	case "double_click":
		return fmt.Sprintf("Double-clicking at position (%s, %s)", p.get("x"), p.get("y"))
	case "right_click":
		return fmt.Sprintf("Right-clicking at position (%s, %s)", p.get("x"), p.get("y"))
	case "type":
		return fmt.Sprintf("Typing: '%s'", p.or("text", ""))
	case "key":
		return fmt.Sprintf("Pressing %s key", p.or("text", ""))
	case "key_combo":
		return "Pressing " + p.join("keys", " + ")
	case "scroll":
		return fmt.Sprintf("Scrolling %s %s times", p.or("scroll_direction", "down"), p.or("scroll_amount", "1"))
	case "wait":
		return fmt.Sprintf("Waiting %s seconds - %s", p.or("duration", "1"), p.or("reason", "for system response"))
	case "launch_browser":
		return "Opening browser to " + p.or("url", "")
	case "launch_app":
		return "Launching " + p.or("app_name", "application")
	case "focus_app":
		return "Switching to " + p.or("app_name", "application")
	case "request_screenshot":
		return "Taking a screenshot to analyze the current state"
	case "mouse_move":
		return fmt.Sprintf("Moving mouse to position (%s, %s)", p.get("x"), p.get("y"))
	case "left_click_drag":
		from, to := p.nested("from"), p.nested("to")
		return fmt.Sprintf("Dragging from (%s, %s) to (%s, %s)", from.get("x"), from.get("y"), to.get("x"), to.get("y"))
	case ToolUse:
		return "Using tool: " + p.or("tool", "unknown")
	case SubtaskCompleted:
		return "Subtask completed successfully"
	case SubtaskFailed:
		return "Subtask failed"
	case TaskCompleted:
		return "Task completed successfully"
	case TaskFailed:
		return "Task failed"
	default:
		return "Performing " + a.Name
	}
}

type params map[string]any

// get renders a value that may be absent.
func (p params) get(key string) string {
	v, ok := p[key]
	if !ok {
		return "None"
	}
	return render(v)
}

// or renders a value, falling back to def only when the key is absent.
func (p params) or(key, def string) string {
	v, ok := p[key]
	if !ok {
		return def
	}
	return render(v)
}

func (p params) nested(key string) params {
	m, _ := p[key].(map[string]any)
	return params(m)
}

func (p params) join(key, sep string) string {
	items, _ := p[key].([]any)
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, render(item))
	}
	return strings.Join(parts, sep)
}

func render(v any) string {
	switch t := v.(type) {
	case nil:
		return "None"
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "True"
		}
		return "False"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
