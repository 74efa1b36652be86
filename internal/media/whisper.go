package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/time/rate"

	"github.com/JeffreyAdu/church-media-automation/internal/config"
	"github.com/JeffreyAdu/church-media-automation/internal/failure"
)

// Segment is one timed piece of a transcript.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript is the transcriber output.
type Transcript struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

// Offset shifts every segment by sec, mapping trimmed-audio time back to source time.
func (t Transcript) Offset(sec float64) Transcript {
	if sec == 0 {
		return t
	}
	out := Transcript{Text: t.Text, Segments: make([]Segment, len(t.Segments))}
	for i, s := range t.Segments {
		out.Segments[i] = Segment{Start: s.Start + sec, End: s.End + sec, Text: s.Text}
	}
	return out
}

// Whisper runs the whisper CLI with JSON output.
type Whisper struct {
	cmd      string
	model    string
	device   string
	language string
	limiter  *rate.Limiter
	execFn   execFunc
}

func NewWhisper(cfg config.Config) *Whisper {
	limit := rate.Inf
	if cfg.WhisperRate > 0 {
		limit = rate.Limit(cfg.WhisperRate)
	}
	return &Whisper{
		cmd:      orDefault(cfg.WhisperCmd, "whisper"),
		model:    orDefault(cfg.WhisperModel, "small"),
		device:   orDefault(cfg.WhisperDevice, "cpu"),
		language: cfg.WhisperLanguage,
		limiter:  rate.NewLimiter(limit, 1),
		execFn:   runCommand,
	}
}

// Transcribe runs whisper into a scratch directory beside audioPath and parses its JSON output.
func (w *Whisper) Transcribe(ctx context.Context, audioPath string) (Transcript, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return Transcript{}, classify(err, failure.KindTransient, failure.ReasonTimeout, "transcribe")
	}
	outDir, err := os.MkdirTemp(filepath.Dir(audioPath), "whisper-")
	if err != nil {
		return Transcript{}, failure.Internal(failure.ReasonTranscription, "transcribe", err)
	}
	defer os.RemoveAll(outDir)

	args := []string{
		audioPath,
		"--model", w.model,
		"--output_format", "json",
		"--output_dir", outDir,
		"--device", w.device,
		"--task", "transcribe",
	}
	if w.language != "" && !strings.EqualFold(w.language, "auto") {
		args = append(args, "--language", w.language)
	}
	_, stderr, err := w.execFn(ctx, w.cmd, args...)
	if err != nil {
		return Transcript{}, classify(wrapExecError(w.cmd, args, stderr, err), failure.KindInternal, failure.ReasonTranscription, "transcribe")
	}

	base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	data, err := os.ReadFile(filepath.Join(outDir, base+".json"))
	if err != nil {
		return Transcript{}, failure.Internal(failure.ReasonTranscription, "transcribe", fmt.Errorf("whisper output not found: %w", err))
	}
	var tr Transcript
	if err := json.Unmarshal(data, &tr); err != nil {
		return Transcript{}, failure.Internal(failure.ReasonTranscription, "transcribe", fmt.Errorf("parse whisper output: %w", err))
	}
	tr.Text = strings.TrimSpace(tr.Text)
	if tr.Text == "" && len(tr.Segments) == 0 {
		return Transcript{}, failure.Content(failure.ReasonTranscription, "transcribe", errors.New("no speech recognised"))
	}
	return tr, nil
}
