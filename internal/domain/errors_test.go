package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Registry.Get", ErrNotFound, "agent 'critic'")
	want := "Registry.Get: agent 'critic': not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Client.SendMessage", ErrDepthLimit, "")
	want := "Client.SendMessage: depth limit reached"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("RateLimiter.Execute", ErrQueueFull, "10 pending")
	if !errors.Is(err, ErrQueueFull) {
		t.Error("errors.Is should match ErrQueueFull")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := NewDomainError("Orchestrator.Orchestrate", ErrUnknownStrategy, "vote")
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "Orchestrator.Orchestrate" {
		t.Errorf("Op = %q, want %q", de.Op, "Orchestrator.Orchestrate")
	}
}

// --- ErrorCode tests ---

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeCircuitOpen, ErrorCodeOf(ErrCircuitOpen))
	assert.Equal(t, CodeQueueFull, ErrorCodeOf(ErrQueueFull))
	assert.Equal(t, CodeDepthLimit, ErrorCodeOf(ErrDepthLimit))
	assert.Equal(t, CodeAuthInvalid, ErrorCodeOf(ErrAuthInvalid))
}

func TestErrorCodeOf_DomainError(t *testing.T) {
	err := NewDomainError("Registry.Get", ErrNotFound, "agent 'foo'")
	assert.Equal(t, CodeNotFound, ErrorCodeOf(err))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", ErrTimeout)
	assert.Equal(t, CodeTimeout, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_SpecificBeatsCategory(t *testing.T) {
	// Both wrap a category sentinel; the specific code must win every time.
	for range 20 {
		assert.Equal(t, CodeRateLimited, ErrorCodeOf(fmt.Errorf("anthropic: %w", ErrRateLimited)))
		assert.Equal(t, CodeUnknownStrategy, ErrorCodeOf(WrapOp("Orchestrate", ErrUnknownStrategy)))
	}
	assert.True(t, errors.Is(ErrRateLimited, ErrProviderError))
	assert.True(t, errors.Is(ErrUnknownStrategy, ErrInvalidInput))
}

func TestErrorCodeOf_Joined(t *testing.T) {
	err := errors.Join(fmt.Errorf("plain"), ErrNoAgents)
	assert.Equal(t, CodeNoAgents, ErrorCodeOf(err))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
}

func TestErrorCodeOf_Nil(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestDomainError_Code(t *testing.T) {
	err := NewDomainError("Manager.Run", ErrInvalidInput, "empty topic")
	assert.Equal(t, CodeInvalidInput, err.Code())
}

func TestDomainError_CodeUnknownSentinel(t *testing.T) {
	err := NewDomainError("Op", fmt.Errorf("custom"), "detail")
	assert.Equal(t, CodeUnknown, err.Code())
}

func TestAllSentinelsHaveCodes(t *testing.T) {
	require.NotEmpty(t, errorCodeMap)
	for sentinel, code := range errorCodeMap {
		assert.NotEmpty(t, code, "sentinel %v has empty code", sentinel)
		assert.NotEqual(t, CodeUnknown, code, "sentinel %v maps to UNKNOWN", sentinel)
	}
}

// --- WrapOp tests ---

func TestWrapOp_Nil(t *testing.T) {
	assert.Nil(t, WrapOp("anything", nil))
}

func TestWrapOp_Format(t *testing.T) {
	err := WrapOp("Bus.Emit", ErrNotFound)
	assert.Equal(t, "Bus.Emit: not found", err.Error())
}

func TestWrapOp_PreservesIs(t *testing.T) {
	err := WrapOp("Client.SendMessage", ErrCircuitOpen)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, CodeCircuitOpen, ErrorCodeOf(err))
}

func TestWrapOp_Chain(t *testing.T) {
	inner := WrapOp("inner", ErrProviderError)
	outer := WrapOp("outer", inner)
	assert.Equal(t, "outer: inner: provider error", outer.Error())
	assert.True(t, errors.Is(outer, ErrProviderError))
}

// --- IsRetryableError tests ---

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"provider", ErrProviderError, true},
		{"rate limited", ErrRateLimited, true},
		{"queue full", ErrQueueFull, true},
		{"timeout", ErrTimeout, true},
		{"wrapped", fmt.Errorf("call: %w", ErrTimeout), true},
		{"domain error", NewDomainError("Backend.Call", ErrProviderError, "openai"), true},
		{"auth", ErrAuthInvalid, false},
		{"depth", ErrDepthLimit, false},
		{"invalid input", ErrInvalidInput, false},
		{"random", fmt.Errorf("random error"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}
