package observability

import (
	"math"
	"slices"
	"sync"
	"time"
)

// stageBudgets is the p95 each step stage is expected to stay under.
var stageBudgets = map[string]time.Duration{
	"context_build":         50 * time.Millisecond,
	"persist_step":          150 * time.Millisecond,
	"apply_actions":         2 * time.Second,
	"plan_generation":       8 * time.Second,
	"model_invoke":          10 * time.Second,
	"current_subtask_total": 9 * time.Second,
	"desktop_step_total":    15 * time.Second,
	"background_step_total": 15 * time.Second,
}

type StepStageStats struct {
	Stage      string  `json:"stage"`
	Samples    int     `json:"samples"`
	LastMS     float64 `json:"last_ms"`
	AvgMS      float64 `json:"avg_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	P99MS      float64 `json:"p99_ms"`
	BudgetMS   float64 `json:"budget_ms,omitempty"`
	OverBudget int     `json:"over_budget,omitempty"`
}

type StepStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []StepStageStats `json:"stages"`
	Transitions map[string]int   `json:"transitions,omitempty"`
}

// durationRing holds the most recent latencies of one stage.
type durationRing struct {
	buf  []time.Duration
	head int
	n    int
}

func (r *durationRing) push(d time.Duration) {
	r.buf[r.head] = d
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *durationRing) last() time.Duration {
	return r.buf[(r.head-1+len(r.buf))%len(r.buf)]
}

func (r *durationRing) sorted() []time.Duration {
	out := make([]time.Duration, r.n)
	if r.n < len(r.buf) {
		copy(out, r.buf[:r.n])
	} else {
		copy(out, r.buf)
	}
	slices.Sort(out)
	return out
}

// stepStageWindow keeps a bounded latency history per stage and a count of task transitions.
type stepStageWindow struct {
	mu          sync.Mutex
	size        int
	rings       map[string]*durationRing
	transitions map[string]int
}

func newStepStageWindow(size int) *stepStageWindow {
	if size <= 0 {
		size = 256
	}
	return &stepStageWindow{
		size:        size,
		rings:       map[string]*durationRing{},
		transitions: map[string]int{},
	}
}

func (w *stepStageWindow) Observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &durationRing{buf: make([]time.Duration, w.size)}
		w.rings[stage] = r
	}
	r.push(d)
}

func (w *stepStageWindow) CountTransition(status string) {
	if status == "" {
		return
	}
	w.mu.Lock()
	w.transitions[status]++
	w.mu.Unlock()
}

func (w *stepStageWindow) Snapshot() StepStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StepStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StepStageStats, 0, len(w.rings)),
	}
	for stage, r := range w.rings {
		if r.n == 0 {
			continue
		}
		samples := r.sorted()
		var sum time.Duration
		for _, d := range samples {
			sum += d
		}
		stats := StepStageStats{
			Stage:   stage,
			Samples: len(samples),
			LastMS:  millis(r.last()),
			AvgMS:   millis(sum / time.Duration(len(samples))),
			P50MS:   millis(interpolate(samples, 0.50)),
			P95MS:   millis(interpolate(samples, 0.95)),
			P99MS:   millis(interpolate(samples, 0.99)),
		}
		if budget, ok := stageBudgets[stage]; ok {
			stats.BudgetMS = millis(budget)
			_, idx := slices.BinarySearch(samples, budget+1)
			stats.OverBudget = len(samples) - idx
		}
		snap.Stages = append(snap.Stages, stats)
	}
	slices.SortFunc(snap.Stages, func(a, b StepStageStats) int {
		switch {
		case a.Stage < b.Stage:
			return -1
		case a.Stage > b.Stage:
			return 1
		}
		return 0
	})
	if len(w.transitions) > 0 {
		snap.Transitions = make(map[string]int, len(w.transitions))
		for k, v := range w.transitions {
			snap.Transitions[k] = v
		}
	}
	return snap
}

func (w *stepStageWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rings = map[string]*durationRing{}
	w.transitions = map[string]int{}
}

// interpolate returns the q-quantile of sorted samples with linear interpolation between ranks.
func interpolate(sorted []time.Duration, q float64) time.Duration {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + time.Duration(frac*float64(sorted[lo+1]-sorted[lo]))
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Millisecond)*100) / 100
}
