// Package failure classifies processing errors at the point they occur so that
// retry decisions and user-facing messages never depend on error text.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the retry class of a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient covers network blips and rate limits. Retried with backoff.
	KindTransient
	// KindContent covers unavailable, private or blocked media. Never retried.
	KindContent
	// KindInternal covers transcoding or transcription crashes. Retried once.
	KindInternal
	// KindProtocol covers bad signatures and malformed handshakes.
	KindProtocol
	// KindValidation covers AI output that fails to parse or validate. Never retried.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindContent:
		return "content"
	case KindInternal:
		return "internal"
	case KindProtocol:
		return "protocol"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Reason selects the user-facing message for a failure.
type Reason string

const (
	ReasonDownloadBlocked Reason = "download_blocked"
	ReasonUnavailable     Reason = "unavailable"
	ReasonTranscription   Reason = "transcription"
	ReasonAnalysis        Reason = "analysis"
	ReasonNoSegment       Reason = "no_segment"
	ReasonMedia           Reason = "media"
	ReasonStorage         Reason = "storage"
	ReasonTimeout         Reason = "timeout"
	ReasonUpstream        Reason = "upstream"
	ReasonCancelled       Reason = "cancelled"
)

var messages = map[Reason]string{
	ReasonDownloadBlocked: "Video download was blocked by the source",
	ReasonUnavailable:     "Video is unavailable or private",
	ReasonTranscription:   "Transcription failed",
	ReasonAnalysis:        "AI analysis returned an invalid result",
	ReasonNoSegment:       "No sermon segment was found in this video",
	ReasonMedia:           "Audio processing failed",
	ReasonStorage:         "Storage error while saving the episode",
	ReasonTimeout:         "Processing timed out",
	ReasonUpstream:        "Upstream service temporarily unavailable",
	ReasonCancelled:       "Cancelled by user",
}

// GenericMessage is returned for failures with no known reason.
const GenericMessage = "Processing failed"

// Error is a classified failure.
type Error struct {
	Kind   Kind
	Reason Reason
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a classification. A nil err still yields a failure.
func New(kind Kind, reason Reason, op string, err error) error {
	return &Error{Kind: kind, Reason: reason, Op: op, Err: err}
}

func Transient(reason Reason, op string, err error) error {
	return New(KindTransient, reason, op, err)
}

func Content(reason Reason, op string, err error) error {
	return New(KindContent, reason, op, err)
}

func Internal(reason Reason, op string, err error) error {
	return New(KindInternal, reason, op, err)
}

func Validation(reason Reason, op string, err error) error {
	return New(KindValidation, reason, op, err)
}

func Protocol(op string, err error) error {
	return New(KindProtocol, "", op, err)
}

// KindOf returns the classification of err. Deadline overruns are transient.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

// ReasonOf returns the reason attached to err, if any.
func ReasonOf(err error) Reason {
	var fe *Error
	if errors.As(err, &fe) && fe.Reason != "" {
		return fe.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCancelled
	}
	return ""
}

// Message returns a short, user-safe description of err. Raw error text is never included.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if msg, ok := messages[ReasonOf(err)]; ok {
		return msg
	}
	return GenericMessage
}

// MessageFor returns the user-safe text for reason.
func MessageFor(reason Reason) string {
	if msg, ok := messages[reason]; ok {
		return msg
	}
	return GenericMessage
}

// ShouldRetry applies the retry taxonomy for a job that has run attempts times.
func ShouldRetry(err error, attempts int) bool {
	switch KindOf(err) {
	case KindTransient, KindUnknown:
		return true
	case KindInternal:
		return attempts < 2
	default:
		return false
	}
}
