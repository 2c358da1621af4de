package classifier

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ent0n29/stepwise/internal/model"
)

const maxTitleRunes = 60

// Titler names a new thread after its first instruction.
type Titler struct {
	llm    model.Invoker
	system string
	logger *zap.Logger
}

func NewTitler(llm model.Invoker, system string, logger *zap.Logger) *Titler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Titler{llm: llm, system: system, logger: logger}
}

// Title asks the model for a short title. Any failure falls back to the truncated instruction,
// so Title never fails.
func (t *Titler) Title(ctx context.Context, instruction string) string {
	fallback := Truncate(instruction, maxTitleRunes)
	if t == nil || t.llm == nil {
		return fallback
	}
	resp, err := t.llm.Invoke(ctx, model.Request{
		System:      t.system,
		Blocks:      []model.Block{model.TextBlock(instruction)},
		Temperature: 0.5,
	})
	if err != nil {
		t.logger.Warn("thread title generation failed", zap.Error(err))
		return fallback
	}
	title, _, _ := strings.Cut(strings.TrimSpace(resp.Output()), "\n")
	title = strings.TrimSpace(strings.Trim(strings.TrimSpace(title), `"'`))
	if title == "" {
		return fallback
	}
	return Truncate(title, maxTitleRunes)
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n <= 3 {
		return string(r[:n])
	}
	return strings.TrimSpace(string(r[:n-3])) + "..."
}
