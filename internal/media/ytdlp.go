package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JeffreyAdu/church-media-automation/internal/config"
	"github.com/JeffreyAdu/church-media-automation/internal/failure"
)

const defaultPageSize = 50

// VideoInfo is one upstream video from a channel listing.
type VideoInfo struct {
	ExternalID   string
	URL          string
	Title        string
	Description  string
	ThumbnailURL string
	PublishedAt  *time.Time
	DurationSec  float64
}

// Download is a fetched audio file.
type Download struct {
	LocalPath   string
	Title       string
	DurationSec float64
}

// YTDLP lists channel uploads and downloads audio through the yt-dlp binary.
type YTDLP struct {
	path     string
	pageSize int
	timeout  time.Duration
	execFn   execFunc
}

func NewYTDLP(cfg config.Config) *YTDLP {
	return &YTDLP{
		path:     orDefault(cfg.YtdlpPath, "yt-dlp"),
		pageSize: defaultPageSize,
		timeout:  cfg.DownloadTimeout,
		execFn:   runCommand,
	}
}

type flatPlaylist struct {
	ID      string      `json:"id"`
	Entries []flatEntry `json:"entries"`
}

type flatEntry struct {
	ID          string  `json:"id"`
	URL         string  `json:"url"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Duration    float64 `json:"duration"`
	Timestamp   int64   `json:"timestamp"`
	UploadDate  string  `json:"upload_date"`
	Thumbnails  []struct {
		URL    string `json:"url"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	} `json:"thumbnails"`
}

// ListVideosSince walks a channel's uploads newest first, one page at a time, and
// stops at the first video published before since. Videos without a date are kept.
func (y *YTDLP) ListVideosSince(ctx context.Context, channelID string, since time.Time) ([]VideoInfo, error) {
	if strings.TrimSpace(channelID) == "" {
		return nil, failure.Validation("", "list videos", errors.New("channel id is required"))
	}
	source := channelURL(channelID)

	var out []VideoInfo
	for start := 1; ; start += y.pageSize {
		end := start + y.pageSize - 1
		args := []string{
			"--flat-playlist", "-J",
			"--extractor-args", "youtubetab:approximate_date",
			"--playlist-items", fmt.Sprintf("%d:%d", start, end),
			source,
		}
		stdout, stderr, err := y.execFn(ctx, y.path, args...)
		if err != nil {
			return out, classifyYtdlp(wrapExecError(y.path, args, stderr, err), "list videos")
		}

		var page flatPlaylist
		if err := json.Unmarshal(bytes.TrimSpace(stdout), &page); err != nil {
			return out, failure.Transient(failure.ReasonUpstream, "list videos", fmt.Errorf("parse yt-dlp listing: %w", err))
		}
		for _, e := range page.Entries {
			v := e.info()
			if v.ExternalID == "" {
				continue
			}
			if v.PublishedAt != nil && v.PublishedAt.Before(since) {
				return out, nil
			}
			out = append(out, v)
		}
		if len(page.Entries) < y.pageSize {
			return out, nil
		}
	}
}

func (e flatEntry) info() VideoInfo {
	v := VideoInfo{
		ExternalID:  strings.TrimSpace(e.ID),
		URL:         e.URL,
		Title:       strings.TrimSpace(e.Title),
		Description: e.Description,
		DurationSec: e.Duration,
	}
	if v.URL == "" || !strings.HasPrefix(v.URL, "http") {
		v.URL = WatchURL(v.ExternalID)
	}
	switch {
	case e.Timestamp > 0:
		t := time.Unix(e.Timestamp, 0).UTC()
		v.PublishedAt = &t
	case e.UploadDate != "":
		if t, err := time.Parse("20060102", e.UploadDate); err == nil {
			v.PublishedAt = &t
		}
	}
	best := 0
	for _, th := range e.Thumbnails {
		if th.URL != "" && th.Width*th.Height >= best {
			best = th.Width * th.Height
			v.ThumbnailURL = th.URL
		}
	}
	return v
}

// Download fetches the best audio stream of url into dir as <externalID>.<ext>.
func (y *YTDLP) Download(ctx context.Context, url, externalID, dir string) (Download, error) {
	if y.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, y.timeout)
		defer cancel()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Download{}, failure.Internal(failure.ReasonMedia, "download", err)
	}
	args := []string{
		"--no-playlist",
		"--no-progress",
		"--no-colors",
		"-f", "bestaudio/best",
		"-x", "--audio-format", "m4a",
		"-o", filepath.Join(dir, externalID+".%(ext)s"),
		"--print", "after_move:%(.{filepath,title,duration})j",
		url,
	}
	stdout, stderr, err := y.execFn(ctx, y.path, args...)
	if err != nil {
		return Download{}, classifyYtdlp(wrapExecError(y.path, args, stderr, err), "download")
	}

	var printed struct {
		Filepath string  `json:"filepath"`
		Title    string  `json:"title"`
		Duration float64 `json:"duration"`
	}
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &printed); err != nil || printed.Filepath == "" {
		return Download{}, failure.Internal(failure.ReasonMedia, "download", fmt.Errorf("yt-dlp did not report an output file: %q", tail(string(stdout), 200)))
	}
	if _, err := os.Stat(printed.Filepath); err != nil {
		return Download{}, failure.Internal(failure.ReasonMedia, "download", err)
	}
	return Download{LocalPath: printed.Filepath, Title: printed.Title, DurationSec: printed.Duration}, nil
}

// classifyYtdlp maps yt-dlp diagnostics onto failure classes where the error is raised.
func classifyYtdlp(err error, op string) error {
	var ee *ExecError
	if !errors.As(err, &ee) {
		return classify(err, failure.KindTransient, failure.ReasonUpstream, op)
	}
	if errors.Is(ee.Cause, context.DeadlineExceeded) || errors.Is(ee.Cause, context.Canceled) {
		return classify(ee.Cause, failure.KindTransient, failure.ReasonTimeout, op)
	}
	stderr := strings.ToLower(ee.Stderr)
	switch {
	case containsAny(stderr, "private video", "video unavailable", "has been removed", "members-only", "this live event", "does not exist"):
		return failure.Content(failure.ReasonUnavailable, op, err)
	case containsAny(stderr, "sign in to confirm", "http error 403", "blocked it", "not available in your country"):
		return failure.Content(failure.ReasonDownloadBlocked, op, err)
	default:
		return failure.Transient(failure.ReasonUpstream, op, err)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func channelURL(channelID string) string {
	if strings.HasPrefix(channelID, "http") {
		return channelID
	}
	return "https://www.youtube.com/channel/" + channelID + "/videos"
}

// WatchURL is the canonical page for a video id.
func WatchURL(externalID string) string {
	return "https://www.youtube.com/watch?v=" + externalID
}
