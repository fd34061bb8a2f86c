package domain

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds surfaced by the voice pipeline. Compare with errors.Is.
var (
	ErrPermissionDenied       = errors.New("microphone permission denied")
	ErrCapabilityUnavailable  = errors.New("capability unavailable")
	ErrDetectorFailure        = errors.New("voice activity detector failure")
	ErrTransientNetwork       = errors.New("transient network error")
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")
	ErrCaptureFailure         = errors.New("capture failure")
	ErrEmptyTranscript        = errors.New("no speech detected")
	ErrSessionBusy            = errors.New("session busy")
	ErrSessionClosed          = errors.New("session closed")
)

// VoiceError carries an error kind together with the operation that failed
// and the underlying cause.
type VoiceError struct {
	Kind error
	Op   string
	Err  error
}

// NewError wraps err with the given kind and operation name.
func NewError(kind error, op string, err error) *VoiceError {
	return &VoiceError{Kind: kind, Op: op, Err: err}
}

func (e *VoiceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *VoiceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

var kinds = []error{
	ErrPermissionDenied,
	ErrCapabilityUnavailable,
	ErrDetectorFailure,
	ErrTransientNetwork,
	ErrReconciliationMismatch,
	ErrCaptureFailure,
	ErrEmptyTranscript,
	ErrSessionBusy,
	ErrSessionClosed,
}

// KindOf returns the first known error kind found in err's chain, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsRetryable reports whether the same turn may be submitted again.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrCapabilityUnavailable) {
		return false
	}
	return errors.Is(err, ErrTransientNetwork) || errors.Is(err, context.DeadlineExceeded)
}
