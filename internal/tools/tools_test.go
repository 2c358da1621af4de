package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/stepwise/internal/apperr"
	"github.com/ent0n29/stepwise/internal/model"
	"github.com/ent0n29/stepwise/internal/reliability"
)

func newTestRunner(t *testing.T, srv *httptest.Server, summarizer model.Invoker) *Runner {
	t.Helper()
	cfg := Config{AllowPrivateHosts: true, FetchTimeout: 5 * time.Second}
	if srv != nil {
		cfg.YouTubeBaseURL = srv.URL
	}
	return NewRunner(cfg, summarizer, "summarize",
		WithRetryPolicy(reliability.Policy{Attempts: 3, Base: time.Millisecond, Cap: time.Millisecond}))
}

func TestUnsupportedToolIsToolError(t *testing.T) {
	r := newTestRunner(t, nil, model.NewScripted())
	_, err := r.Invoke(context.Background(), "launch_rocket", nil)
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeTool))
	e, ok := apperr.From(err)
	require.True(t, ok)
	assert.Equal(t, "Unsupported tool: launch_rocket", e.Message())
	assert.False(t, Supported("launch_rocket"))
	assert.False(t, Supported(SaveToMemory))
	assert.True(t, Supported(FetchURL))
}

func TestFetchURLSummarizesPage(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "<html><body><h1>Cheap Rome flights</h1><p>Departures every morning.</p></body></html>")
	}))
	defer srv.Close()

	summarizer := model.NewScripted("Flights to Rome leave every morning.")
	out, err := newTestRunner(t, srv, summarizer).Invoke(context.Background(), FetchURL, map[string]any{"url": srv.URL + "/deals"})
	require.NoError(t, err)
	assert.Equal(t, "Flights to Rome leave every morning.", out)
	assert.Equal(t, int32(2), hits.Load())

	reqs := summarizer.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, 1.0, reqs[0].Temperature)
	assert.True(t, strings.HasPrefix(reqs[0].Blocks[0].Text, "Summarize the following:\n\n"))
	assert.Contains(t, reqs[0].Blocks[0].Text, "Cheap Rome flights")
}

func TestExecutionFailuresComeBackAsText(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	r := newTestRunner(t, srv, model.NewScripted())
	ctx := context.Background()

	out, err := r.Invoke(ctx, FetchURL, map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.Contains(t, out, "Error running fetch_url")
	assert.Contains(t, out, "status 404")

	out, err = r.Invoke(ctx, ReadPDF, map[string]any{})
	require.NoError(t, err)
	assert.Contains(t, out, errMissingArgs.Error())

	out, err = r.Invoke(ctx, ReadPDF, map[string]any{"file_path": "report.pdf"})
	require.NoError(t, err)
	assert.Contains(t, out, "reading local files is disabled")

	out, err = r.Invoke(ctx, SummarizeYouTubeVideo, map[string]any{"url": "https://example.com/video"})
	require.NoError(t, err)
	assert.Equal(t, "Error summarizing video: invalid YouTube URL format", out)
}

func TestVideoID(t *testing.T) {
	cases := map[string]string{
		"https://www.youtube.com/watch?v=abc123&t=10": "abc123",
		"https://youtu.be/xyz789?si=share":            "xyz789",
	}
	for link, want := range cases {
		got, err := VideoID(link)
		require.NoError(t, err, link)
		assert.Equal(t, want, got)
	}
	_, err := VideoID("https://youtu.be/")
	assert.ErrorIs(t, err, errInvalidVideoURL)
}

func TestSummarizeVideoPrefersEnglishTrack(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/watch", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "vid1", r.URL.Query().Get("v"))
		fmt.Fprintf(w, `<script>var ytInitialPlayerResponse = {"captions":{"captionTracks":[`+
			`{"baseUrl":"%[1]s/tt?lang=it","languageCode":"it"},`+
			`{"baseUrl":"%[1]s/tt?lang=en","languageCode":"en"}]}};</script>`, srv.URL)
	})
	mux.HandleFunc("/tt", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("lang") != "en" {
			http.Error(w, "wrong track", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `<?xml version="1.0"?><transcript><text start="0" dur="1">Welcome to Rome</text>`+
			`<text start="1" dur="1">It&amp;#39;s sunny</text></transcript>`)
	})

	summarizer := model.NewScripted("A sunny Rome tour.")
	out, err := newTestRunner(t, srv, summarizer).Invoke(context.Background(), SummarizeYouTubeVideo,
		map[string]any{"url": "https://www.youtube.com/watch?v=vid1"})
	require.NoError(t, err)
	assert.Equal(t, "A sunny Rome tour.", out)

	reqs := summarizer.Requests()
	require.Len(t, reqs, 1)
	prompt := reqs[0].Blocks[0].Text
	assert.True(t, strings.HasPrefix(prompt, "Summarize the following YouTube transcript:\n\n"))
	assert.Contains(t, prompt, "Welcome to Rome")
	assert.Contains(t, prompt, "It's sunny")
}
