package errclass

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyHTTP(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		wantKind   Kind
		wantNil    bool
	}{
		{name: "success", statusCode: 200, wantNil: true},
		{name: "created", statusCode: 201, wantNil: true},
		{name: "rate limited", statusCode: 429, wantKind: Retryable},
		{name: "request timeout", statusCode: 408, wantKind: Retryable},
		{name: "server error", statusCode: 500, wantKind: Transient},
		{name: "bad gateway", statusCode: 502, wantKind: Transient},
		{name: "bad request", statusCode: 400, wantKind: Fatal},
		{name: "not found", statusCode: 404, wantKind: Fatal},
		{name: "network error", err: errors.New("dial tcp: connection refused"), wantKind: Retryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyHTTP(tt.err, tt.statusCode)
			if tt.wantNil {
				assert.NoError(t, got)
				return
			}
			assert.Equal(t, tt.wantKind, KindOf(got))
		})
	}
}

func TestClassifyNetwork(t *testing.T) {
	assert.Equal(t, Fatal, KindOf(ClassifyNetwork(context.Canceled)))
	assert.Equal(t, Retryable, KindOf(ClassifyNetwork(context.DeadlineExceeded)))
	assert.Equal(t, Fatal, KindOf(ClassifyNetwork(errors.New("invalid argument"))))
	assert.NoError(t, ClassifyNetwork(nil))
}

func TestClassifyNetworkPreservesClassification(t *testing.T) {
	orig := New(Transient, "upstream unavailable", errors.New("status 503"))
	wrapped := fmt.Errorf("tool call: %w", orig)
	assert.Equal(t, Transient, KindOf(ClassifyNetwork(wrapped)))
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := New(Retryable, "network failure", inner)
	assert.True(t, errors.Is(err, inner))
	assert.Contains(t, err.Error(), "retryable")
	assert.Contains(t, err.Error(), "boom")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(Retryable, "x", nil)))
	assert.True(t, IsRetryable(New(Transient, "x", nil)))
	assert.False(t, IsRetryable(New(Fatal, "x", nil)))
	assert.False(t, IsRetryable(errors.New("plain")))
}
