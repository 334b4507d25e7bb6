package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Stage failure markers. Every error that ends a job wraps exactly one of the first four.
var (
	ErrNoSourcesFound         = errors.New("NoSourcesFound")
	ErrScriptGenerationFailed = errors.New("ScriptGenerationFailed")
	ErrSynthesisFailed        = errors.New("SynthesisFailed")
	ErrAssemblyFailed         = errors.New("AssemblyFailed")
	ErrExternalServiceTimeout = errors.New("ExternalServiceTimeout")
	ErrTransient              = errors.New("transient failure")
	ErrValidation             = errors.New("validation error")
)

var stageMarkers = []error{
	ErrNoSourcesFound,
	ErrScriptGenerationFailed,
	ErrSynthesisFailed,
	ErrAssemblyFailed,
}

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// TurnError identifies the dialogue turn whose synthesis failed.
type TurnError struct {
	TurnIndex int
	Attempts  int
	Err       error
}

func (e *TurnError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("turn %d could not be synthesized after %d attempts: %v", e.TurnIndex, e.Attempts, e.Err)
}

func (e *TurnError) Unwrap() []error {
	if e == nil {
		return nil
	}
	return []error{ErrSynthesisFailed, e.Err}
}

// TurnIndex extracts the failing turn index from a synthesis failure.
func TurnIndex(err error) (int, bool) {
	var te *TurnError
	if errors.As(err, &te) {
		return te.TurnIndex, true
	}
	return 0, false
}

// Kind returns the name of the outermost stage marker carried by err, or "InternalError".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, marker := range stageMarkers {
		if errors.Is(err, marker) {
			return marker.Error()
		}
	}
	if IsTimeout(err) {
		return ErrExternalServiceTimeout.Error()
	}
	return "InternalError"
}

// FailureMessage derives the human-readable job message for a terminal failure.
func FailureMessage(err error) string {
	if err == nil {
		return ""
	}
	kind := Kind(err)
	var te *TurnError
	if errors.As(err, &te) {
		return fmt.Sprintf("%s: %s", kind, te.Error())
	}
	detail := strings.TrimSpace(err.Error())
	detail = strings.TrimPrefix(detail, kind+": ")
	return fmt.Sprintf("%s: %s", kind, detail)
}

// IsTimeout reports whether err represents an exceeded per-call deadline.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrExternalServiceTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
