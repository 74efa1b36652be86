// Package media drives the external tools that fetch, analyse and transcode audio:
// yt-dlp, ffmpeg/ffprobe and the whisper CLI. It also builds episode artwork.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/JeffreyAdu/church-media-automation/internal/failure"
)

// execFunc runs a command and returns its captured output. Tests swap it out.
type execFunc func(ctx context.Context, name string, args ...string) (stdout []byte, stderr []byte, err error)

// ExecError carries the output of a failed command for logging. Its text never
// reaches users; callers classify it with the failure package.
type ExecError struct {
	Cmd      string
	Args     []string
	ExitCode int
	Stderr   string
	Cause    error
}

func (e *ExecError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s: exit %d: %s", e.Cmd, e.ExitCode, tail(e.Stderr, 400))
	}
	return fmt.Sprintf("%s: %v", e.Cmd, e.Cause)
}

func (e *ExecError) Unwrap() error { return e.Cause }

func runCommand(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var outBuf, errBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	if err != nil && ctx.Err() != nil {
		// A killed process reports "signal: killed"; surface the deadline instead.
		err = fmt.Errorf("%w (%v)", ctx.Err(), err)
	}
	return outBuf.Bytes(), errBuf.Bytes(), err
}

func wrapExecError(cmd string, args []string, stderr []byte, cause error) error {
	exitCode := 0
	var ee *exec.ExitError
	if errors.As(cause, &ee) {
		exitCode = ee.ExitCode()
	}
	return &ExecError{
		Cmd:      cmd,
		Args:     args,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(string(stderr)),
		Cause:    cause,
	}
}

// classify tags err with kind and reason unless it is a context overrun, which keeps
// its own timeout classification.
func classify(err error, kind failure.Kind, reason failure.Reason, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.Transient(failure.ReasonTimeout, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return failure.New(failure.KindTransient, failure.ReasonCancelled, op, err)
	}
	return failure.New(kind, reason, op, err)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
