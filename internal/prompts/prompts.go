package prompts

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Set is the system prompt for every model call site.
type Set struct {
	Classifier        string `yaml:"classifier"`
	Title             string `yaml:"title"`
	Planner           string `yaml:"planner"`
	ComputerUse       string `yaml:"computer_use"`
	BackgroundBrowser string `yaml:"background_browser"`
	Summarizer        string `yaml:"summarizer"`
}

// Default returns the built-in prompts.
func Default() Set {
	var s Set
	if err := yaml.Unmarshal(defaultPrompts, &s); err != nil {
		panic(fmt.Sprintf("embedded prompts are invalid: %v", err))
	}
	return s
}

// Load returns the built-in prompts with any prompt set in the file at path replacing its
// default. An empty path yields the defaults.
func Load(path string) (Set, error) {
	s := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Set{}, fmt.Errorf("read prompts file: %w", err)
	}
	var override Set
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return Set{}, fmt.Errorf("parse prompts file: %w", err)
	}
	merge(&s.Classifier, override.Classifier)
	merge(&s.Title, override.Title)
	merge(&s.Planner, override.Planner)
	merge(&s.ComputerUse, override.ComputerUse)
	merge(&s.BackgroundBrowser, override.BackgroundBrowser)
	merge(&s.Summarizer, override.Summarizer)
	return s, nil
}

func merge(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}
