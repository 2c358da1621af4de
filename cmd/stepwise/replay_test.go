package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNormalizeReplayDefaults(t *testing.T) {
	opts, err := normalizeReplay(replayOptions{baseURL: "http://localhost:8080/", runs: 1, maxSteps: 5}, "")
	if err != nil {
		t.Fatalf("normalizeReplay() error = %v", err)
	}
	if opts.baseURL != "http://localhost:8080" {
		t.Fatalf("baseURL = %q", opts.baseURL)
	}
	if len(opts.texts) != len(defaultInstructions) {
		t.Fatalf("texts = %v, want defaults", opts.texts)
	}
	if opts.callTimeout != time.Second {
		t.Fatalf("callTimeout = %s, want clamp to 1s", opts.callTimeout)
	}
}

func TestNormalizeReplayRejectsBadOptions(t *testing.T) {
	base := replayOptions{baseURL: "http://localhost", runs: 1, maxSteps: 1}
	cases := map[string]struct {
		mutate func(*replayOptions)
		texts  string
	}{
		"empty base url": {mutate: func(o *replayOptions) { o.baseURL = " " }},
		"zero runs":      {mutate: func(o *replayOptions) { o.runs = 0 }},
		"zero steps":     {mutate: func(o *replayOptions) { o.maxSteps = 0 }},
		"blank texts":    {mutate: func(*replayOptions) {}, texts: " | "},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			opts := base
			tc.mutate(&opts)
			if _, err := normalizeReplay(opts, tc.texts); err == nil {
				t.Fatalf("normalizeReplay() expected error")
			}
		})
	}
}

func TestWSURLForThread(t *testing.T) {
	got, err := wsURLForThread("https://agent.example.com/api", "t 1", "tok")
	if err != nil {
		t.Fatalf("wsURLForThread() error = %v", err)
	}
	want := "wss://agent.example.com/api/v1/threads/t%201/ws?access_token=tok"
	if got != want {
		t.Fatalf("wsURLForThread() = %q, want %q", got, want)
	}
	if _, err := wsURLForThread("ftp://host", "t", ""); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestPercentile(t *testing.T) {
	samples := []time.Duration{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	if got := percentile(samples, 0.5); got != 60 {
		t.Fatalf("p50 = %d, want 60", got)
	}
	if got := percentile(samples, 0.95); got != 100 {
		t.Fatalf("p95 = %d, want 100", got)
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Fatalf("empty percentile = %d", got)
	}
}

func TestRunReplayDrivesTaskToCompletion(t *testing.T) {
	var remaining atomic.Int32
	remaining.Store(2)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/threads", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["task"] == "hello" {
			_ = json.NewEncoder(w).Encode(map[string]any{"type": "inquiry", "response": "hi"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"type": "desktop_task", "thread_id": "t1"})
	})
	mux.HandleFunc("/v1/threads/t1/current_subtask", func(w http.ResponseWriter, _ *http.Request) {
		if remaining.Load() == 0 {
			_ = json.NewEncoder(w).Encode(map[string]any{"action": "task_completed"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "s1", "subtask_text": "click"})
	})
	mux.HandleFunc("/v1/threads/t1/desktop_step", func(w http.ResponseWriter, _ *http.Request) {
		remaining.Add(-1)
		_ = json.NewEncoder(w).Encode([]any{})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	opts, err := normalizeReplay(replayOptions{baseURL: srv.URL, runs: 2, maxSteps: 10, callTimeout: 5 * time.Second}, "book a flight|hello")
	if err != nil {
		t.Fatalf("normalizeReplay() error = %v", err)
	}
	var out strings.Builder
	summary, err := runReplay(context.Background(), opts, &out)
	if err != nil {
		t.Fatalf("runReplay() error = %v", err)
	}
	if summary.completed != 1 || summary.chats != 1 || summary.canceled != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if got := len(summary.latencies["desktop_step"]); got != 2 {
		t.Fatalf("desktop_step samples = %d, want 2", got)
	}
	if got := len(summary.latencies["current_subtask"]); got != 3 {
		t.Fatalf("current_subtask samples = %d, want 3", got)
	}

	var report strings.Builder
	printSummary(&report, summary)
	if !strings.Contains(report.String(), "completed=1") || !strings.Contains(report.String(), "desktop_step") {
		t.Fatalf("unexpected report:\n%s", report.String())
	}
}
