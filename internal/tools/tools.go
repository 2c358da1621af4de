// Package tools runs the server-side tools a step may request: web pages, PDFs and YouTube
// transcripts, each summarized by the summarizer model.
package tools

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tmc/langchaingo/textsplitter"
	"go.uber.org/zap"

	"github.com/ent0n29/stepwise/internal/apperr"
	"github.com/ent0n29/stepwise/internal/model"
	"github.com/ent0n29/stepwise/internal/policy"
	"github.com/ent0n29/stepwise/internal/reliability"
)

// Tool names.
const (
	FetchURL              = "fetch_url"
	ReadPDF               = "read_pdf"
	SummarizeYouTubeVideo = "summarize_youtube_video"
	SaveToMemory          = "save_to_memory"
)

const (
	chunkSize           = 1000
	chunkOverlap        = 100
	summaryTemperature  = 1.0
	defaultMaxBodyBytes = 20 << 20
	defaultYouTubeBase  = "https://www.youtube.com"
)

// Invoker runs a named tool and returns its text output. Execution failures come back as text.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)
}

// Supported reports whether name is a server-side tool whose output becomes a memory entry.
func Supported(name string) bool {
	switch name {
	case FetchURL, ReadPDF, SummarizeYouTubeVideo:
		return true
	default:
		return false
	}
}

// Config tunes the tool runner.
type Config struct {
	FetchTimeout      time.Duration `koanf:"fetch_timeout"`
	MaxBodyBytes      int64         `koanf:"max_body_bytes"`
	FileRoot          string        `koanf:"file_root"`
	AllowPrivateHosts bool          `koanf:"allow_private_hosts"`
	YouTubeBaseURL    string        `koanf:"youtube_base_url"`
}

// Runner is the default Invoker.
type Runner struct {
	summarizer  model.Invoker
	system      string
	client      *http.Client
	splitter    textsplitter.TextSplitter
	targets     policy.Targets
	retry       reliability.Policy
	maxBody     int64
	youtubeBase string
	logger      *zap.Logger
	invocations *prometheus.CounterVec
}

type Option func(*Runner)

func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) {
		if c != nil {
			r.client = c
		}
	}
}

// WithInvocationCounter counts invocations by tool and outcome.
func WithInvocationCounter(c *prometheus.CounterVec) Option {
	return func(r *Runner) { r.invocations = c }
}

func WithRetryPolicy(p reliability.Policy) Option {
	return func(r *Runner) { r.retry = p }
}

func NewRunner(cfg Config, summarizer model.Invoker, system string, opts ...Option) *Runner {
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.YouTubeBaseURL), "/")
	if base == "" {
		base = defaultYouTubeBase
	}
	r := &Runner{
		summarizer: summarizer,
		system:     system,
		client:     &http.Client{Timeout: timeout},
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
		),
		targets:     policy.Targets{FileRoot: cfg.FileRoot, AllowPrivateHosts: cfg.AllowPrivateHosts},
		retry:       reliability.DefaultPolicy,
		maxBody:     maxBody,
		youtubeBase: base,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Invoke dispatches name. Unsupported names are a TOOL error; everything else returns text.
func (r *Runner) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	started := time.Now()
	var (
		out string
		err error
	)
	switch name {
	case FetchURL:
		out, err = r.fetchURL(ctx, stringArg(args, "url"))
	case ReadPDF:
		out, err = r.readPDF(ctx, stringArg(args, "file_path"), stringArg(args, "url"))
	case SummarizeYouTubeVideo:
		out, err = r.summarizeVideo(ctx, stringArg(args, "url"))
		if err != nil {
			out, err = "Error summarizing video: "+err.Error(), nil
		}
	default:
		r.count(name, "unsupported")
		return "", apperr.New(apperr.CodeTool, "Unsupported tool: "+name)
	}

	fields := []zap.Field{
		zap.String("tool", name),
		zap.String("args", policy.RedactArgs(args)),
		zap.Duration("elapsed", time.Since(started)),
	}
	if err != nil {
		r.count(name, "error")
		r.logger.Warn("tool failed", append(fields, zap.Error(err))...)
		return fmt.Sprintf("Error running %s: %v", name, err), nil
	}
	r.count(name, "ok")
	r.logger.Info("tool finished", append(fields, zap.Int("output_chars", len(out)))...)
	return out, nil
}

func (r *Runner) count(tool, outcome string) {
	if r.invocations != nil {
		r.invocations.WithLabelValues(tool, outcome).Inc()
	}
}

// summarize chunks text the way the loaders do and asks the summarizer for a digest.
func (r *Runner) summarize(ctx context.Context, instruction string, chunks []string) (string, error) {
	if len(chunks) == 0 {
		return "", errNoText
	}
	resp, err := r.summarizer.Invoke(ctx, model.Request{
		System:      r.system,
		Blocks:      []model.Block{model.TextBlock(instruction + "\n\n" + strings.Join(chunks, "\n\n"))},
		Temperature: summaryTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(resp.Output()), nil
}

func stringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
