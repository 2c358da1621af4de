package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStepStageWindowSnapshot(t *testing.T) {
	w := newStepStageWindow(8)
	w.Observe("model_invoke", 500*time.Millisecond)
	w.Observe("model_invoke", 700*time.Millisecond)
	w.Observe("model_invoke", 12*time.Second)
	w.Observe("apply_actions", time.Millisecond)
	w.CountTransition("COMPLETED")
	w.CountTransition("COMPLETED")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 2 || snap.Stages[0].Stage != "apply_actions" {
		t.Fatalf("Stages = %+v, want apply_actions then model_invoke", snap.Stages)
	}
	s := snap.Stages[1]
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 12000 {
		t.Fatalf("LastMS = %.2f, want 12000", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.BudgetMS != 10000 || s.OverBudget != 1 {
		t.Fatalf("budget = %.2f over = %d, want 10000 and 1", s.BudgetMS, s.OverBudget)
	}
	if snap.Transitions["COMPLETED"] != 2 {
		t.Fatalf("Transitions = %v, want COMPLETED=2", snap.Transitions)
	}

	w.Reset()
	if got := len(w.Snapshot().Stages); got != 0 {
		t.Fatalf("len(Stages) after Reset = %d, want 0", got)
	}
}

func TestStageWindowWrapsAround(t *testing.T) {
	w := newStepStageWindow(2)
	for _, ms := range []time.Duration{10, 20, 30} {
		w.Observe("persist_step", ms*time.Millisecond)
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 2 || s.AvgMS != 25 || s.LastMS != 30 {
		t.Fatalf("stats = %+v, want 2 samples averaging 25", s)
	}
}

func TestInterpolate(t *testing.T) {
	samples := []time.Duration{100, 200, 300}
	if got := interpolate(samples, 0.75); got != 250 {
		t.Fatalf("interpolate(0.75) = %d, want 250", got)
	}
	if got := interpolate(nil, 0.5); got != 0 {
		t.Fatalf("interpolate(nil) = %d", got)
	}
}

func TestMetricsHandlerAndNilSafety(t *testing.T) {
	m := NewMetrics("stepwise", nil)
	m.ObserveStep("desktop_step", "ok", 40*time.Millisecond)
	m.ObserveStage("model_invoke", 30*time.Millisecond)
	m.ObserveTransition("COMPLETED")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`stepwise_steps_total{kind="desktop_step",outcome="ok"} 1`,
		`stepwise_task_transitions_total{status="COMPLETED"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
	if got := len(m.SnapshotStages().Stages); got != 2 {
		t.Fatalf("len(Stages) = %d, want 2", got)
	}

	var nilMetrics *Metrics
	nilMetrics.ObserveStep("x", "ok", time.Second)
	nilMetrics.ObserveStage("x", time.Second)
	nilMetrics.ObserveTransition("FAILED")
	if len(nilMetrics.SnapshotStages().Stages) != 0 {
		t.Fatalf("nil metrics returned stages")
	}
}
