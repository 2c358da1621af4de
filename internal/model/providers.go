package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderGemini    = "gemini"
	ProviderMock      = "mock"

	geminiOpenAIBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
)

// Role names a model call site. Each role may use its own provider.
type Role string

const (
	RoleClassifier  Role = "classifier"
	RoleTitle       Role = "title"
	RolePlanner     Role = "planner"
	RoleComputerUse Role = "computer_use"
	RoleSummarizer  Role = "summarizer"
)

// Settings addresses one model.
type Settings struct {
	Provider  string `koanf:"provider"`
	Name      string `koanf:"name"`
	APIKey    string `koanf:"api_key"`
	BaseURL   string `koanf:"base_url"`
	MaxTokens int    `koanf:"max_tokens"`
}

// Config holds the default model and per-role overrides.
type Config struct {
	Default     Settings `koanf:"default"`
	Classifier  Settings `koanf:"classifier"`
	Title       Settings `koanf:"title"`
	Planner     Settings `koanf:"planner"`
	ComputerUse Settings `koanf:"computer_use"`
	Summarizer  Settings `koanf:"summarizer"`
}

// For returns the role's settings with empty fields taken from the default.
func (c Config) For(role Role) Settings {
	var s Settings
	switch role {
	case RoleClassifier:
		s = c.Classifier
	case RoleTitle:
		s = c.Title
	case RolePlanner:
		s = c.Planner
	case RoleComputerUse:
		s = c.ComputerUse
	case RoleSummarizer:
		s = c.Summarizer
	}
	if strings.TrimSpace(s.Provider) == "" {
		s.Provider = c.Default.Provider
	}
	if s.Name == "" {
		s.Name = c.Default.Name
	}
	if s.APIKey == "" {
		s.APIKey = c.Default.APIKey
	}
	if s.BaseURL == "" {
		s.BaseURL = c.Default.BaseURL
	}
	if s.MaxTokens == 0 {
		s.MaxTokens = c.Default.MaxTokens
	}
	s.Provider = strings.ToLower(strings.TrimSpace(s.Provider))
	return s
}

// NewInvoker builds the invoker for one role.
func NewInvoker(role Role, s Settings) (Invoker, error) {
	switch s.Provider {
	case "", ProviderMock:
		return NewMockInvoker(role), nil
	case ProviderOpenAI, ProviderGemini:
		opts := []openai.Option{openai.WithToken(s.APIKey)}
		if s.Name != "" {
			opts = append(opts, openai.WithModel(s.Name))
		}
		baseURL := s.BaseURL
		if baseURL == "" && s.Provider == ProviderGemini {
			baseURL = geminiOpenAIBaseURL
		}
		if baseURL != "" {
			opts = append(opts, openai.WithBaseURL(baseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("init %s model: %w", s.Provider, err)
		}
		return withMaxTokens(NewLangChainInvoker(llm), s.MaxTokens), nil
	case ProviderAnthropic:
		opts := []anthropic.Option{anthropic.WithToken(s.APIKey)}
		if s.Name != "" {
			opts = append(opts, anthropic.WithModel(s.Name))
		}
		llm, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("init anthropic model: %w", err)
		}
		return withMaxTokens(NewLangChainInvoker(llm), s.MaxTokens), nil
	case ProviderOllama:
		opts := []ollama.Option{}
		if s.Name != "" {
			opts = append(opts, ollama.WithModel(s.Name))
		}
		if s.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(s.BaseURL))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("init ollama model: %w", err)
		}
		return withMaxTokens(NewLangChainInvoker(llm), s.MaxTokens), nil
	default:
		return nil, fmt.Errorf("unsupported model provider %q", s.Provider)
	}
}

func withMaxTokens(next Invoker, maxTokens int) Invoker {
	if maxTokens <= 0 {
		return next
	}
	return InvokerFunc(func(ctx context.Context, req Request) (Response, error) {
		if req.MaxTokens == 0 {
			req.MaxTokens = maxTokens
		}
		return next.Invoke(ctx, req)
	})
}

// Set holds one invoker per role.
type Set struct {
	Classifier  Invoker
	Title       Invoker
	Planner     Invoker
	ComputerUse Invoker
	Summarizer  Invoker
	// ComputerUseProvider selects the screenshot block shape.
	ComputerUseProvider string
}

// NewSet builds every role's invoker, each wrapped by wrap when non-nil.
func NewSet(cfg Config, wrap func(Role, Invoker) Invoker) (Set, error) {
	build := func(role Role) (Invoker, error) {
		inv, err := NewInvoker(role, cfg.For(role))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", role, err)
		}
		if wrap != nil {
			inv = wrap(role, inv)
		}
		return inv, nil
	}

	var (
		set Set
		err error
	)
	if set.Classifier, err = build(RoleClassifier); err != nil {
		return Set{}, err
	}
	if set.Title, err = build(RoleTitle); err != nil {
		return Set{}, err
	}
	if set.Planner, err = build(RolePlanner); err != nil {
		return Set{}, err
	}
	if set.ComputerUse, err = build(RoleComputerUse); err != nil {
		return Set{}, err
	}
	if set.Summarizer, err = build(RoleSummarizer); err != nil {
		return Set{}, err
	}
	set.ComputerUseProvider = cfg.For(RoleComputerUse).Provider
	return set, nil
}
