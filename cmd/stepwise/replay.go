package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

type replayOptions struct {
	baseURL     string
	token       string
	runs        int
	maxSteps    int
	callTimeout time.Duration
	texts       []string
	verbose     bool
}

var defaultInstructions = []string{
	"Open the calculator and compute 12 times 7",
	"Book a flight to Rome for next Friday",
	"Find the weather forecast for Berlin",
}

var (
	replayOpts  replayOptions
	replayTexts string
)

func init() {
	f := replayCmd.Flags()
	f.StringVar(&replayOpts.baseURL, "base-url", "http://127.0.0.1:8080", "stepwise base URL")
	f.StringVar(&replayOpts.token, "token", "", "bearer access token (optional when the server runs with a dev user)")
	f.IntVar(&replayOpts.runs, "runs", 3, "number of instructions to replay")
	f.IntVar(&replayOpts.maxSteps, "max-steps", 25, "steps allowed per task before it is canceled")
	f.DurationVar(&replayOpts.callTimeout, "call-timeout", 60*time.Second, "timeout of each API call")
	f.StringVar(&replayTexts, "texts", "", "instructions separated by '|' (optional)")
	f.BoolVar(&replayOpts.verbose, "verbose", true, "print replay progress")
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Drive tasks end to end against a running server and report call latency",
	Long: `Submit instructions to a running server and act as a desktop client: fetch the current
subtask, run desktop steps until the plan is exhausted and count feed events on the way.

Examples:
  # Replay the built-in instructions against a local server on mock models
  stepwise replay --runs 3

  # Replay custom instructions with a token
  stepwise replay --token $TOKEN --texts "open mail|archive newsletters"`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts, err := normalizeReplay(replayOpts, replayTexts)
		if err != nil {
			return err
		}
		summary, err := runReplay(cmd.Context(), opts, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		printSummary(cmd.OutOrStdout(), summary)
		return nil
	},
}

func normalizeReplay(opts replayOptions, textsRaw string) (replayOptions, error) {
	opts.baseURL = strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
	if opts.baseURL == "" {
		return replayOptions{}, errors.New("base-url is required")
	}
	if opts.runs <= 0 {
		return replayOptions{}, errors.New("runs must be > 0")
	}
	if opts.maxSteps <= 0 {
		return replayOptions{}, errors.New("max-steps must be > 0")
	}
	if opts.callTimeout < time.Second {
		opts.callTimeout = time.Second
	}
	opts.texts = nil
	for _, part := range strings.Split(textsRaw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			opts.texts = append(opts.texts, t)
		}
	}
	if len(opts.texts) == 0 {
		if strings.TrimSpace(textsRaw) != "" {
			return replayOptions{}, errors.New("texts produced no non-empty instructions")
		}
		opts.texts = append([]string(nil), defaultInstructions...)
	}
	return opts, nil
}

type replaySummary struct {
	latencies map[string][]time.Duration
	completed int
	canceled  int
	chats     int
	events    int64
}

type apiClient struct {
	http    *http.Client
	baseURL string
	token   string
}

func (c apiClient) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return err
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d: %s", path, res.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

type submitReply struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
}

type subtaskReply struct {
	Action      string `json:"action"`
	SubtaskText string `json:"subtask_text"`
}

// desktopSnapshot is the fixed observation the replay client reports.
var desktopSnapshot = map[string]any{
	"current_os":           "replay",
	"current_running_apps": []string{"Finder"},
}

func runReplay(ctx context.Context, opts replayOptions, out io.Writer) (replaySummary, error) {
	client := apiClient{http: &http.Client{Timeout: opts.callTimeout}, baseURL: opts.baseURL, token: opts.token}
	summary := replaySummary{latencies: map[string][]time.Duration{}}
	timed := func(kind string, fn func() error) error {
		started := time.Now()
		err := fn()
		if err == nil {
			summary.latencies[kind] = append(summary.latencies[kind], time.Since(started))
		}
		return err
	}

	for i := 0; i < opts.runs; i++ {
		text := opts.texts[i%len(opts.texts)]
		var sub submitReply
		if err := timed("submit", func() error {
			return client.post(ctx, "/v1/threads", map[string]any{"task": text}, &sub)
		}); err != nil {
			return summary, fmt.Errorf("submit %q: %w", text, err)
		}
		if sub.Type != "desktop_task" {
			summary.chats++
			if opts.verbose {
				fmt.Fprintf(out, "replay: %q answered as %s\n", text, sub.Type)
			}
			continue
		}

		stopFeed, err := watchFeed(ctx, opts, sub.ThreadID, &summary.events)
		if err != nil && opts.verbose {
			fmt.Fprintf(out, "replay: feed unavailable: %v\n", err)
		}
		done, err := driveThread(ctx, client, sub.ThreadID, opts.maxSteps, timed)
		stopFeed()
		if err != nil {
			return summary, fmt.Errorf("drive %q: %w", text, err)
		}
		if done {
			summary.completed++
		} else {
			summary.canceled++
			if err := client.post(ctx, "/v1/threads/"+sub.ThreadID+"/cancel", nil, nil); err != nil {
				return summary, fmt.Errorf("cancel %q: %w", text, err)
			}
		}
		if opts.verbose {
			fmt.Fprintf(out, "replay: thread=%s completed=%t\n", sub.ThreadID, done)
		}
	}
	return summary, nil
}

// driveThread plays the desktop client until the plan is exhausted or maxSteps runs out.
func driveThread(ctx context.Context, client apiClient, threadID string, maxSteps int, timed func(string, func() error) error) (bool, error) {
	base := "/v1/threads/" + threadID
	for step := 0; step < maxSteps; step++ {
		var cur subtaskReply
		if err := timed("current_subtask", func() error {
			return client.post(ctx, base+"/current_subtask", desktopSnapshot, &cur)
		}); err != nil {
			return false, err
		}
		if cur.Action == "task_completed" {
			return true, nil
		}
		if err := timed("desktop_step", func() error {
			return client.post(ctx, base+"/desktop_step", desktopSnapshot, nil)
		}); err != nil {
			return false, err
		}
	}
	return false, nil
}

// watchFeed counts events on the thread's feed until the returned stop func is called.
func watchFeed(ctx context.Context, opts replayOptions, threadID string, events *int64) (func(), error) {
	wsURL, err := wsURLForThread(opts.baseURL, threadID, opts.token)
	if err != nil {
		return func() {}, err
	}
	conn, res, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if res != nil {
		res.Body.Close()
	}
	if err != nil {
		return func() {}, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			atomic.AddInt64(events, 1)
		}
	}()
	return func() {
		_ = conn.Close()
		<-done
	}, nil
}

func wsURLForThread(baseURL, threadID, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/threads/" + url.PathEscape(threadID) + "/ws"
	q := u.Query()
	if token != "" {
		q.Set("access_token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1)*q + 0.5)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func printSummary(w io.Writer, s replaySummary) {
	fmt.Fprintf(w, "tasks: completed=%d canceled=%d conversational=%d feed_events=%d\n",
		s.completed, s.canceled, s.chats, atomic.LoadInt64(&s.events))
	kinds := make([]string, 0, len(s.latencies))
	for k := range s.latencies {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		samples := append([]time.Duration(nil), s.latencies[k]...)
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		fmt.Fprintf(w, "%-16s n=%-4d p50=%-10s p95=%-10s max=%s\n", k, len(samples),
			percentile(samples, 0.50).Round(time.Millisecond),
			percentile(samples, 0.95).Round(time.Millisecond),
			samples[len(samples)-1].Round(time.Millisecond))
	}
}
