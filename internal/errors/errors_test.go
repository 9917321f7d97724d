package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_HTTPStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    *Error
		status int
	}{
		{"bad input", BadInput("missing query"), http.StatusBadRequest},
		{"unprocessable", Unprocessable("top_k out of range"), http.StatusUnprocessableEntity},
		{"not found", NotFound("kb %q not found", "t1"), http.StatusNotFound},
		{"already exists", AlreadyExists("kb exists"), http.StatusConflict},
		{"safety", SafetyRejected("flagged"), http.StatusOK},
		{"rate limited", RateLimited("quota exhausted"), http.StatusTooManyRequests},
		{"upstream timeout", UpstreamTimeout("llm timed out"), http.StatusGatewayTimeout},
		{"upstream failure", UpstreamFailure("llm returned 500"), http.StatusBadGateway},
		{"storage", Storage("write failed"), http.StatusInternalServerError},
		{"internal", Internal("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.err.HTTPStatus())
		})
	}
}

func TestError_StatusOverride(t *testing.T) {
	err := SafetyRejected("flagged").WithStatus(http.StatusForbidden)
	assert.Equal(t, http.StatusForbidden, err.HTTPStatus())
}

func TestError_MessageFormat(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Storage("persist pairs").WithOperation("qa.add").WithCause(cause)

	assert.Contains(t, err.Error(), "storage-failure")
	assert.Contains(t, err.Error(), "qa.add")
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestError_Details(t *testing.T) {
	err := BadInput("unsupported mode").
		WithDetail("mode", "turbo").
		WithDetail("supported", []string{"naive", "hybrid"})

	require.NotNil(t, err.Details)
	assert.Equal(t, "turbo", err.Details["mode"])
}

func TestCodeOf_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code Code
	}{
		{"app error", NotFound("missing"), CodeNotFound},
		{"wrapped app error", fmt.Errorf("outer: %w", RateLimited("slow down")), CodeRateLimited},
		{"deadline", context.DeadlineExceeded, CodeUpstreamTimeout},
		{"foreign", errors.New("plain"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, CodeOf(tt.err))
		})
	}
}

func TestFrom_PreservesAndWraps(t *testing.T) {
	orig := AlreadyExists("kb %q exists", "default")
	assert.Same(t, orig, From(orig))

	wrapped := From(errors.New("plain"))
	assert.Equal(t, CodeInternal, wrapped.Code)
	assert.NotNil(t, wrapped.Cause)

	assert.Nil(t, From(nil))
}

func TestWrap_KeepsExistingCode(t *testing.T) {
	inner := NotFound("pair missing")
	err := Wrap(inner, CodeStorageFailure, "qa.get", "lookup failed")

	assert.Equal(t, CodeNotFound, err.Code)
	assert.True(t, errors.Is(err, inner))
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsNotFound(NotFound("x")))
	assert.True(t, IsBadInput(BadInput("x")))
	assert.True(t, IsAlreadyExists(AlreadyExists("x")))
	assert.True(t, IsRateLimited(RateLimited("x")))
	assert.True(t, IsSafetyRejected(SafetyRejected("x")))
	assert.False(t, IsNotFound(errors.New("x")))
}
