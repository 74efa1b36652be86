package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeffreyAdu/church-media-automation/internal/failure"
)

const silenceLog = `
[silencedetect @ 0x1] silence_start: 0
[silencedetect @ 0x1] silence_end: 12.5 | silence_duration: 12.5
[silencedetect @ 0x1] silence_start: 600.25
[silencedetect @ 0x1] silence_end: 604 | silence_duration: 3.75
[silencedetect @ 0x1] silence_start: 3590
`

func TestSpeechSpanTrimsLeadingAndTrailingSilence(t *testing.T) {
	span := speechSpan([]byte(silenceLog), 3600)
	assert.InDelta(t, 12.5, span.Start, 0.001)
	assert.InDelta(t, 3590, span.End, 0.001)
}

func TestSpeechSpanKeepsWholeFileWithoutEdgeSilence(t *testing.T) {
	log := "[silencedetect] silence_start: 100\n[silencedetect] silence_end: 103 | silence_duration: 3\n"
	span := speechSpan([]byte(log), 500)
	assert.Equal(t, Span{Start: 0, End: 500}, span)
}

func TestDetectSpeechProbesThenScans(t *testing.T) {
	f := &FFmpeg{ffmpeg: "ffmpeg", ffprobe: "ffprobe"}
	f.execFn = func(_ context.Context, name string, _ ...string) ([]byte, []byte, error) {
		if name == "ffprobe" {
			return []byte("3600.000\n"), nil, nil
		}
		return nil, []byte(silenceLog), nil
	}
	span, err := f.DetectSpeech(context.Background(), "in.m4a")
	require.NoError(t, err)
	assert.InDelta(t, 3577.5, span.Duration(), 0.001)
}

func TestAssembleBuildsConcatFilter(t *testing.T) {
	var got []string
	f := &FFmpeg{ffmpeg: "ffmpeg", ffprobe: "ffprobe"}
	f.execFn = func(_ context.Context, _ string, args ...string) ([]byte, []byte, error) {
		got = args
		return nil, nil, nil
	}
	out := filepath.Join(t.TempDir(), "episode.mp3")
	require.NoError(t, f.Assemble(context.Background(), []string{"intro.mp3", "body.mp3", "outro.mp3"}, out))

	joined := strings.Join(got, " ")
	assert.Contains(t, joined, "-i intro.mp3 -i body.mp3 -i outro.mp3")
	assert.Contains(t, argValue(got, "-filter_complex"), "[a0][a1][a2]concat=n=3:v=0:a=1[out]")
	assert.Equal(t, out, got[len(got)-1])
}

func TestAssembleSinglePartCopies(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "body.mp3")
	require.NoError(t, os.WriteFile(in, []byte("mp3"), 0o644))
	f := &FFmpeg{ffmpeg: "ffmpeg", ffprobe: "ffprobe"}
	f.execFn = func(context.Context, string, ...string) ([]byte, []byte, error) {
		t.Fatal("ffmpeg should not run for a single part")
		return nil, nil, nil
	}
	out := filepath.Join(dir, "episode.mp3")
	require.NoError(t, f.Assemble(context.Background(), []string{in}, out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "mp3", string(data))
}

func TestExtractFailureIsInternalMediaError(t *testing.T) {
	f := &FFmpeg{ffmpeg: "ffmpeg", ffprobe: "ffprobe"}
	f.execFn = func(_ context.Context, _ string, args ...string) ([]byte, []byte, error) {
		assert.Equal(t, "10.000", argValue(args, "-ss"))
		assert.Equal(t, "70.500", argValue(args, "-to"))
		return nil, []byte("Invalid data found when processing input"), errors.New("exit status 1")
	}
	err := f.Extract(context.Background(), "in.m4a", filepath.Join(t.TempDir(), "out.mp3"), Span{Start: 10, End: 70.5})
	require.Error(t, err)
	assert.Equal(t, failure.KindInternal, failure.KindOf(err))
	assert.Equal(t, "Audio processing failed", failure.Message(err))
}
