package model

import (
	"context"
	"strings"
)

type BlockType string

const (
	BlockText     BlockType = "text"
	BlockImageURL BlockType = "image_url"
	BlockImage    BlockType = "image"
)

// Block is one piece of a user turn. The JSON shape is what gets persisted as a step prompt.
type Block struct {
	Type     BlockType    `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL string       `json:"image_url,omitempty"`
	Source   *ImageSource `json:"source,omitempty"`
}

// ImageSource is an inline base64 image.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// Request is one model call: a system prompt and a single user turn.
type Request struct {
	System      string
	Blocks      []Block
	Temperature float64
	Thinking    bool
	MaxTokens   int
}

type PartType string

const (
	PartText      PartType = "text"
	PartReasoning PartType = "reasoning"
)

type Part struct {
	Type PartType
	Text string
}

type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

type Response struct {
	Text  string
	Parts []Part
	Usage Usage
}

// Reasoning returns the reasoning segments in order.
func (r Response) Reasoning() []string {
	var out []string
	for _, p := range r.Parts {
		if p.Type == PartReasoning && strings.TrimSpace(p.Text) != "" {
			out = append(out, p.Text)
		}
	}
	return out
}

// Output returns the answer text, preferring typed text parts when present.
func (r Response) Output() string {
	var b strings.Builder
	for _, p := range r.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	if b.Len() > 0 {
		return b.String()
	}
	return r.Text
}

// Invoker calls a language model.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req Request) (Response, error)

func (f InvokerFunc) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
