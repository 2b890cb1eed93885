// Package reliability maps pipeline failures to transport status codes and
// provides retry helpers for backend startup checks.
package reliability

import (
	"errors"
	"net/http"
	"time"

	"github.com/antoniostano/rachel/internal/asr"
	"github.com/antoniostano/rachel/internal/llm"
	"github.com/antoniostano/rachel/internal/pipeline"
	"github.com/antoniostano/rachel/internal/tts"
)

// StatusForError maps a pipeline error to the HTTP status it should surface
// as. Unknown errors are treated as internal failures.
func StatusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, asr.ErrEmptyAudio),
		errors.Is(err, asr.ErrInvalidAudio),
		errors.Is(err, pipeline.ErrEmptyText),
		errors.Is(err, tts.ErrVolumeOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, asr.ErrTokenRequired),
		errors.Is(err, asr.ErrTokenRejected):
		return http.StatusForbidden
	case errors.Is(err, tts.ErrModelNotConfigured):
		return http.StatusServiceUnavailable
	}

	var unavailable *asr.ModelUnavailableError
	if errors.As(err, &unavailable) {
		return http.StatusServiceUnavailable
	}
	var generation *llm.GenerationError
	if errors.As(err, &generation) {
		return http.StatusBadGateway
	}
	var synthesis *tts.SynthesisError
	if errors.As(err, &synthesis) {
		return http.StatusInternalServerError
	}

	return http.StatusInternalServerError
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
