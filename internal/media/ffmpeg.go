package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/JeffreyAdu/church-media-automation/internal/config"
	"github.com/JeffreyAdu/church-media-automation/internal/failure"
)

// Span is a time range in seconds of the source audio.
type Span struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func (s Span) Duration() float64 { return s.End - s.Start }

// FFmpeg wraps the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	ffmpeg  string
	ffprobe string
	execFn  execFunc
}

func NewFFmpeg(cfg config.Config) *FFmpeg {
	return &FFmpeg{
		ffmpeg:  orDefault(cfg.FFmpegPath, "ffmpeg"),
		ffprobe: orDefault(cfg.FFprobePath, "ffprobe"),
		execFn:  runCommand,
	}
}

// Duration probes the container duration of path.
func (f *FFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	args := []string{"-v", "error", "-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1", path}
	stdout, stderr, err := f.execFn(ctx, f.ffprobe, args...)
	if err != nil {
		return 0, classify(wrapExecError(f.ffprobe, args, stderr, err), failure.KindInternal, failure.ReasonMedia, "probe duration")
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(stdout)), 64)
	if err != nil {
		return 0, failure.Internal(failure.ReasonMedia, "probe duration", fmt.Errorf("parse ffprobe output %q: %w", tail(string(stdout), 80), err))
	}
	return d, nil
}

var (
	silenceStartRe = regexp.MustCompile(`silence_start: (-?[\d.]+)`)
	silenceEndRe   = regexp.MustCompile(`silence_end: (-?[\d.]+)`)
)

// DetectSpeech returns the span between leading and trailing silence.
func (f *FFmpeg) DetectSpeech(ctx context.Context, input string) (Span, error) {
	total, err := f.Duration(ctx, input)
	if err != nil {
		return Span{}, err
	}
	args := []string{"-hide_banner", "-nostats", "-i", input, "-af", "silencedetect=noise=-35dB:d=2", "-f", "null", "-"}
	_, stderr, err := f.execFn(ctx, f.ffmpeg, args...)
	if err != nil {
		return Span{}, classify(wrapExecError(f.ffmpeg, args, stderr, err), failure.KindInternal, failure.ReasonMedia, "detect speech")
	}
	return speechSpan(stderr, total), nil
}

// speechSpan trims a silence that starts the file and one that runs to its end.
func speechSpan(log []byte, total float64) Span {
	span := Span{Start: 0, End: total}
	starts := parseMarks(silenceStartRe, log)
	ends := parseMarks(silenceEndRe, log)

	const edge = 0.5
	if len(starts) > 0 && starts[0] <= edge && len(ends) > 0 {
		span.Start = ends[0]
	}
	if n := len(starts); n > 0 {
		last := starts[n-1]
		trailing := len(ends) < n || ends[n-1] >= total-edge
		if trailing && last > span.Start {
			span.End = last
		}
	}
	if span.End <= span.Start {
		return Span{Start: 0, End: total}
	}
	return span
}

func parseMarks(re *regexp.Regexp, log []byte) []float64 {
	var out []float64
	for _, m := range re.FindAllSubmatch(log, -1) {
		v, err := strconv.ParseFloat(string(m[1]), 64)
		if err == nil {
			out = append(out, math.Max(v, 0))
		}
	}
	return out
}

// Compress renders span of input as 16 kHz mono MP3 for transcription.
func (f *FFmpeg) Compress(ctx context.Context, input, output string, span Span) error {
	args := []string{"-hide_banner", "-y"}
	args = append(args, spanArgs(span)...)
	args = append(args, "-i", input, "-vn", "-ac", "1", "-ar", "16000", "-c:a", "libmp3lame", "-b:a", "32k", output)
	return f.run(ctx, "compress audio", args)
}

// Extract renders span of input as the episode audio.
func (f *FFmpeg) Extract(ctx context.Context, input, output string, span Span) error {
	args := []string{"-hide_banner", "-y"}
	args = append(args, spanArgs(span)...)
	args = append(args, "-i", input, "-vn", "-ac", "2", "-ar", "44100", "-c:a", "libmp3lame", "-b:a", "128k", output)
	return f.run(ctx, "extract segment", args)
}

// Assemble concatenates parts in order into output. A single part is copied through.
func (f *FFmpeg) Assemble(ctx context.Context, parts []string, output string) error {
	if len(parts) == 0 {
		return failure.Internal(failure.ReasonMedia, "assemble", errors.New("no input parts"))
	}
	if len(parts) == 1 {
		data, err := os.ReadFile(parts[0])
		if err != nil {
			return failure.Internal(failure.ReasonMedia, "assemble", err)
		}
		if err := os.WriteFile(output, data, 0o644); err != nil {
			return failure.Internal(failure.ReasonMedia, "assemble", err)
		}
		return nil
	}
	args := []string{"-hide_banner", "-y"}
	var filter strings.Builder
	for i, p := range parts {
		args = append(args, "-i", p)
		fmt.Fprintf(&filter, "[%d:a]aresample=44100,aformat=channel_layouts=stereo[a%d];", i, i)
	}
	for i := range parts {
		fmt.Fprintf(&filter, "[a%d]", i)
	}
	fmt.Fprintf(&filter, "concat=n=%d:v=0:a=1[out]", len(parts))
	args = append(args, "-filter_complex", filter.String(), "-map", "[out]", "-c:a", "libmp3lame", "-b:a", "128k", output)
	return f.run(ctx, "assemble", args)
}

func (f *FFmpeg) run(ctx context.Context, op string, args []string) error {
	if dir := filepath.Dir(args[len(args)-1]); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return failure.Internal(failure.ReasonMedia, op, err)
		}
	}
	_, stderr, err := f.execFn(ctx, f.ffmpeg, args...)
	if err != nil {
		return classify(wrapExecError(f.ffmpeg, args, bytes.TrimSpace(stderr), err), failure.KindInternal, failure.ReasonMedia, op)
	}
	return nil
}

func spanArgs(span Span) []string {
	var args []string
	if span.Start > 0 {
		args = append(args, "-ss", formatSeconds(span.Start))
	}
	if span.End > span.Start {
		args = append(args, "-to", formatSeconds(span.End))
	}
	return args
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
