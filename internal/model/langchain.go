package model

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// LangChainInvoker calls any langchaingo chat model.
type LangChainInvoker struct {
	llm llms.Model
}

func NewLangChainInvoker(llm llms.Model) *LangChainInvoker {
	return &LangChainInvoker{llm: llm}
}

func (i *LangChainInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	parts, err := contentParts(req.Blocks)
	if err != nil {
		return Response{}, err
	}
	messages := make([]llms.MessageContent, 0, 2)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, llms.MessageContent{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextContent{Text: system}},
		})
	}
	messages = append(messages, llms.MessageContent{Role: llms.ChatMessageTypeHuman, Parts: parts})

	opts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.Thinking {
		opts = append(opts, llms.WithThinkingMode(llms.ThinkingModeMedium))
	}

	resp, err := i.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return Response{}, fmt.Errorf("generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Response{}, errors.New("model returned no choices")
	}
	choice := resp.Choices[0]

	out := Response{Text: choice.Content, Usage: usageOf(choice.GenerationInfo)}
	reasoning := choice.ReasoningContent
	if strings.TrimSpace(reasoning) == "" {
		reasoning = reasoningOf(choice.GenerationInfo)
	}
	if reasoning != "" {
		out.Parts = append(out.Parts, Part{Type: PartReasoning, Text: reasoning})
	}
	out.Parts = append(out.Parts, Part{Type: PartText, Text: choice.Content})
	return out, nil
}

func contentParts(blocks []Block) ([]llms.ContentPart, error) {
	parts := make([]llms.ContentPart, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case BlockText:
			parts = append(parts, llms.TextContent{Text: b.Text})
		case BlockImageURL:
			parts = append(parts, llms.ImageURLContent{URL: b.ImageURL})
		case BlockImage:
			if b.Source == nil {
				return nil, errors.New("image block without source")
			}
			data, err := base64.StdEncoding.DecodeString(b.Source.Data)
			if err != nil {
				return nil, fmt.Errorf("decode image block: %w", err)
			}
			parts = append(parts, llms.BinaryContent{MIMEType: b.Source.MediaType, Data: data})
		default:
			return nil, fmt.Errorf("unsupported block type %q", b.Type)
		}
	}
	return parts, nil
}

var (
	inputTokenKeys    = []string{"PromptTokens", "InputTokens", "prompt_tokens", "input_tokens"}
	outputTokenKeys   = []string{"CompletionTokens", "OutputTokens", "completion_tokens", "output_tokens"}
	totalTokenKeys    = []string{"TotalTokens", "total_tokens"}
	reasoningTextKeys = []string{"ReasoningContent", "reasoning_content", "thinking", "Thinking"}
)

func usageOf(info map[string]any) Usage {
	u := Usage{
		InputTokens:  intField(info, inputTokenKeys),
		OutputTokens: intField(info, outputTokenKeys),
		TotalTokens:  intField(info, totalTokenKeys),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}

func reasoningOf(info map[string]any) string {
	for _, k := range reasoningTextKeys {
		if s, ok := info[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func intField(info map[string]any, keys []string) int {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}
