package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/schema"

	"github.com/ent0n29/stepwise/internal/reliability"
)

const userAgent = "stepwise-tools/1.0"

var (
	errNoText      = errors.New("no readable text")
	errBodyTooBig  = errors.New("response body exceeds the size limit")
	errMissingArgs = errors.New("a url or file_path is required")
)

func (r *Runner) fetchURL(ctx context.Context, raw string) (string, error) {
	if raw == "" {
		return "", errors.New("url is required")
	}
	u, err := r.targets.CheckURL(raw)
	if err != nil {
		return "", err
	}
	body, err := r.get(ctx, u.String())
	if err != nil {
		return "", err
	}
	docs, err := documentloaders.NewHTML(bytes.NewReader(body)).LoadAndSplit(ctx, r.splitter)
	if err != nil {
		return "", fmt.Errorf("load html: %w", err)
	}
	return r.summarize(ctx, "Summarize the following:", contents(docs))
}

// readPDF prefers url over file_path.
func (r *Runner) readPDF(ctx context.Context, filePath, raw string) (string, error) {
	var (
		src  io.ReaderAt
		size int64
	)
	switch {
	case raw != "":
		u, err := r.targets.CheckURL(raw)
		if err != nil {
			return "", err
		}
		body, err := r.get(ctx, u.String())
		if err != nil {
			return "", err
		}
		src, size = bytes.NewReader(body), int64(len(body))
	case filePath != "":
		path, err := r.targets.CheckFile(filePath)
		if err != nil {
			return "", err
		}
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("open pdf: %w", err)
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return "", fmt.Errorf("stat pdf: %w", err)
		}
		src, size = f, info.Size()
	default:
		return "", errMissingArgs
	}

	docs, err := documentloaders.NewPDF(src, size).LoadAndSplit(ctx, r.splitter)
	if err != nil {
		return "", fmt.Errorf("load pdf: %w", err)
	}
	return r.summarize(ctx, "Summarize the following:", contents(docs))
}

// get downloads target, retrying transient failures.
func (r *Runner) get(ctx context.Context, target string) ([]byte, error) {
	var body []byte
	err := reliability.Do(ctx, r.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return reliability.Permanent(err)
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept-Language", "en-US,en;q=0.8")
		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			err := fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
			if reliability.IsRetryableHTTPStatus(resp.StatusCode) {
				return err
			}
			return reliability.Permanent(err)
		}
		b, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBody+1))
		if err != nil {
			return err
		}
		if int64(len(b)) > r.maxBody {
			return reliability.Permanent(errBodyTooBig)
		}
		body = b
		return nil
	})
	return body, err
}

func contents(docs []schema.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		if text := strings.TrimSpace(d.PageContent); text != "" {
			out = append(out, text)
		}
	}
	return out
}
