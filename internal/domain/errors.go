package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrHandleClosed       = errors.New("peer handle closed")
	ErrCandidateNotFound  = errors.New("candidate not found")
	ErrMonitorNotRunning  = errors.New("monitoring is not running")
	ErrReconnectExhausted = errors.New("reconnection attempts exhausted")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrMalformedPayload   = errors.New("malformed payload")
)

// DiscoveryError means the active session list could not be fetched or parsed.
type DiscoveryError struct {
	AssessmentID string
	Attempts     int
	Err          error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery for assessment %s failed after %d attempt(s): %v", e.AssessmentID, e.Attempts, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// SignalingError means an offer/answer/ICE/end exchange failed after retries.
type SignalingError struct {
	Op        string
	SessionID string
	Attempts  int
	Err       error
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling %s for session %s failed after %d attempt(s): %v", e.Op, e.SessionID, e.Attempts, e.Err)
}

func (e *SignalingError) Unwrap() error { return e.Err }

// MediaError means the connection produced no usable remote media.
type MediaError struct {
	CandidateID string
	Reason      string
	Err         error
}

func (e *MediaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media for candidate %s: %s: %v", e.CandidateID, e.Reason, e.Err)
	}
	return fmt.Sprintf("media for candidate %s: %s", e.CandidateID, e.Reason)
}

func (e *MediaError) Unwrap() error { return e.Err }

type TimeoutError struct {
	CandidateID string
	Phase       string
	After       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s for candidate %s timed out after %s", e.Phase, e.CandidateID, e.After)
}

// Timeout lets callers treat it like net.Error timeouts.
func (e *TimeoutError) Timeout() bool { return true }

// ErrorKind names the taxonomy bucket of err for labels and UI.
func ErrorKind(err error) string {
	var (
		de *DiscoveryError
		se *SignalingError
		me *MediaError
		te *TimeoutError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &de):
		return "discovery"
	case errors.As(err, &se):
		return "signaling"
	case errors.As(err, &te):
		return "timeout"
	case errors.As(err, &me):
		return "media"
	}
	return "internal"
}
