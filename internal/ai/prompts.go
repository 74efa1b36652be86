package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/JeffreyAdu/church-media-automation/internal/failure"
	"github.com/JeffreyAdu/church-media-automation/internal/media"
)

// maxTranscriptChars bounds the transcript text sent in one prompt.
const maxTranscriptChars = 120000

// BoundaryResult locates the sermon within the source audio, in seconds.
type BoundaryResult struct {
	Found      bool    `json:"found"`
	StartSec   float64 `json:"start_sec" validate:"gte=0"`
	EndSec     float64 `json:"end_sec" validate:"gte=0"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

// MetadataResult describes the extracted sermon.
type MetadataResult struct {
	Title       string   `json:"title" validate:"required,max=200"`
	Description string   `json:"description" validate:"required,max=4000"`
	Speaker     string   `json:"speaker" validate:"max=200"`
	Scripture   []string `json:"scripture" validate:"dive,max=100"`
	Tags        []string `json:"tags" validate:"max=20,dive,max=50"`
}

// PublishDecision gates whether the episode goes live.
type PublishDecision struct {
	Publish bool   `json:"publish"`
	Reason  string `json:"reason" validate:"required,max=500"`
}

// VideoContext is the upstream metadata shown alongside the transcript.
type VideoContext struct {
	Title       string
	Description string
	DurationSec float64
}

const boundarySystem = `You locate the sermon inside the transcript of a church service recording.
The sermon is the main teaching message, usually the longest continuous monologue by one speaker.
Exclude worship songs, announcements, offerings and closing prayers.
Reply with a single JSON object and nothing else:
{"found": bool, "start_sec": number, "end_sec": number, "confidence": number between 0 and 1}
If there is no sermon, reply {"found": false, "start_sec": 0, "end_sec": 0, "confidence": 0}.`

const metadataSystem = `You write podcast episode metadata for a church sermon.
Reply with a single JSON object and nothing else:
{"title": string (max 200 chars), "description": string (2-4 sentences), "speaker": string or "",
 "scripture": [string], "tags": [string]}
Do not invent a speaker name that does not appear in the transcript or video metadata.`

const decisionSystem = `You decide whether an extracted sermon segment is suitable to publish as a podcast episode.
Reject segments that are mostly music, mostly silence, cut off mid-sentence at both ends, or not a sermon.
Reply with a single JSON object and nothing else:
{"publish": bool, "reason": string}`

// Boundary finds the sermon span in a source-timed transcript.
func (a *Analyzer) Boundary(ctx context.Context, video VideoContext, tr media.Transcript) (BoundaryResult, error) {
	prompt := fmt.Sprintf("Video title: %s\nVideo duration: %.0f seconds\n\nTranscript (timestamps in seconds):\n%s",
		video.Title, video.DurationSec, formatSegments(tr.Segments, maxTranscriptChars))
	var out BoundaryResult
	if err := a.ask(ctx, "ai boundary", boundarySystem, prompt, &out); err != nil {
		return BoundaryResult{}, err
	}
	if out.Found && out.EndSec <= out.StartSec {
		return BoundaryResult{}, failure.Validation(failure.ReasonAnalysis, "ai boundary",
			fmt.Errorf("end %.1f is not after start %.1f", out.EndSec, out.StartSec))
	}
	return out, nil
}

// Metadata writes episode metadata for the transcript of the sermon segment.
func (a *Analyzer) Metadata(ctx context.Context, video VideoContext, sermon media.Transcript) (MetadataResult, error) {
	prompt := fmt.Sprintf("Video title: %s\nVideo description: %s\n\nSermon transcript:\n%s",
		video.Title, clip(video.Description, 2000), clip(sermon.Text, maxTranscriptChars))
	var out MetadataResult
	err := a.ask(ctx, "ai metadata", metadataSystem, prompt, &out)
	return out, err
}

// PublishDecision judges the extracted segment.
func (a *Analyzer) PublishDecision(ctx context.Context, meta MetadataResult, span media.Span, sermon media.Transcript) (PublishDecision, error) {
	prompt := fmt.Sprintf("Title: %s\nDescription: %s\nSegment length: %.0f seconds\n\nSegment transcript:\n%s",
		meta.Title, meta.Description, span.Duration(), clip(sermon.Text, maxTranscriptChars/2))
	var out PublishDecision
	err := a.ask(ctx, "ai publish decision", decisionSystem, prompt, &out)
	return out, err
}

// Within returns the segments that overlap span, joined as plain text.
func Within(tr media.Transcript, span media.Span) media.Transcript {
	var out media.Transcript
	var text []string
	for _, s := range tr.Segments {
		if s.End <= span.Start || s.Start >= span.End {
			continue
		}
		out.Segments = append(out.Segments, s)
		text = append(text, strings.TrimSpace(s.Text))
	}
	out.Text = strings.Join(text, " ")
	return out
}

func formatSegments(segs []media.Segment, limit int) string {
	var b strings.Builder
	for _, s := range segs {
		line := fmt.Sprintf("[%.0f-%.0f] %s\n", s.Start, s.End, strings.TrimSpace(s.Text))
		if b.Len()+len(line) > limit {
			break
		}
		b.WriteString(line)
	}
	return b.String()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// decodeJSON reads the first JSON object in reply, tolerating code fences and prose.
func decodeJSON(reply string, out any) error {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return errors.New("reply contains no JSON object")
	}
	dec := json.NewDecoder(strings.NewReader(reply[start : end+1]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}
