package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"
)

var (
	errInvalidVideoURL = errors.New("invalid YouTube URL format")
	errNoTranscript    = errors.New("no transcript is available for this video")
)

type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"`
}

type transcriptXML struct {
	Texts []struct {
		Text string `xml:",chardata"`
	} `xml:"text"`
}

// VideoID extracts the id from a watch or youtu.be link.
func VideoID(link string) (string, error) {
	switch {
	case strings.Contains(link, "watch?v="):
		id := link[strings.LastIndex(link, "watch?v=")+len("watch?v="):]
		id, _, _ = strings.Cut(id, "&")
		if id != "" {
			return id, nil
		}
	case strings.Contains(link, "youtu.be/"):
		id := link[strings.LastIndex(link, "youtu.be/")+len("youtu.be/"):]
		id, _, _ = strings.Cut(id, "?")
		if id != "" {
			return id, nil
		}
	}
	return "", errInvalidVideoURL
}

func (r *Runner) summarizeVideo(ctx context.Context, link string) (string, error) {
	id, err := VideoID(link)
	if err != nil {
		return "", err
	}
	lines, err := r.transcript(ctx, id)
	if err != nil {
		return "", err
	}
	chunks, err := r.splitter.SplitText(strings.Join(lines, "\n"))
	if err != nil {
		return "", fmt.Errorf("split transcript: %w", err)
	}
	return r.summarize(ctx, "Summarize the following YouTube transcript:", chunks)
}

// transcript prefers an English track and falls back to the first one listed.
func (r *Runner) transcript(ctx context.Context, videoID string) ([]string, error) {
	page, err := r.get(ctx, r.youtubeBase+"/watch?v="+url.QueryEscape(videoID))
	if err != nil {
		return nil, err
	}
	tracks, err := captionTracks(page)
	if err != nil {
		return nil, err
	}
	track := tracks[0]
	for _, t := range tracks {
		if t.LanguageCode == "en" {
			track = t
			break
		}
	}

	body, err := r.get(ctx, track.BaseURL)
	if err != nil {
		return nil, err
	}
	var doc transcriptXML
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	lines := make([]string, 0, len(doc.Texts))
	for _, t := range doc.Texts {
		if text := strings.TrimSpace(html.UnescapeString(t.Text)); text != "" {
			lines = append(lines, text)
		}
	}
	if len(lines) == 0 {
		return nil, errNoTranscript
	}
	return lines, nil
}

// captionTracks reads the track list embedded in a watch page.
func captionTracks(page []byte) ([]captionTrack, error) {
	const marker = `"captionTracks":`
	i := bytes.Index(page, []byte(marker))
	if i < 0 {
		return nil, errNoTranscript
	}
	var tracks []captionTrack
	if err := json.NewDecoder(bytes.NewReader(page[i+len(marker):])).Decode(&tracks); err != nil {
		return nil, fmt.Errorf("decode caption tracks: %w", err)
	}
	kept := tracks[:0]
	for _, t := range tracks {
		if t.BaseURL != "" {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return nil, errNoTranscript
	}
	return kept, nil
}
