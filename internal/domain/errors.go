package domain

import (
	"errors"
	"fmt"
)

// Category sentinels shared across subsystems.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Resilience sentinels. Backend failure, capacity and timeout are recoverable
// through retry or fallback; a depth refusal is permanent for that call.
var (
	ErrCircuitOpen = fmt.Errorf("circuit open")
	ErrQueueFull   = fmt.Errorf("rate limiter queue full")
	ErrTimeout     = fmt.Errorf("operation timed out")
	ErrDepthLimit  = fmt.Errorf("depth limit reached")
)

// Backend sentinels. A throttled backend is a provider error and may be
// retried; rejected credentials are not.
var (
	ErrRateLimited = fmt.Errorf("backend rate limited: %w", ErrProviderError)
	ErrAuthInvalid = fmt.Errorf("backend credentials rejected")
)

// Orchestration sentinels.
var (
	ErrNoAgents         = fmt.Errorf("no agents available")
	ErrUnknownStrategy  = fmt.Errorf("unknown orchestration strategy: %w", ErrInvalidInput)
	ErrAutonomousPaused = fmt.Errorf("autonomous exchange limit reached")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Client.SendMessage")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err belongs to a recoverable kind:
// backend failure, capacity exceeded, or timeout.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrProviderError) ||
		errors.Is(err, ErrQueueFull) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrCircuitOpen)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
	CodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	CodeQueueFull        ErrorCode = "QUEUE_FULL"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeDepthLimit       ErrorCode = "DEPTH_LIMIT"
	CodeNoAgents         ErrorCode = "NO_AGENTS"
	CodeUnknownStrategy  ErrorCode = "UNKNOWN_STRATEGY"
	CodeAutonomousPaused ErrorCode = "AUTONOMOUS_PAUSED"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
	CodeAuthInvalid      ErrorCode = "AUTH_INVALID"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrInvalidInput:     CodeInvalidInput,
	ErrProviderError:    CodeProviderError,
	ErrCircuitOpen:      CodeCircuitOpen,
	ErrQueueFull:        CodeQueueFull,
	ErrTimeout:          CodeTimeout,
	ErrDepthLimit:       CodeDepthLimit,
	ErrNoAgents:         CodeNoAgents,
	ErrUnknownStrategy:  CodeUnknownStrategy,
	ErrAutonomousPaused: CodeAutonomousPaused,
	ErrConfigLoad:       CodeConfigLoad,
	ErrRateLimited:      CodeRateLimited,
	ErrAuthInvalid:      CodeAuthInvalid,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// The unwrap chain is walked outermost first so a specific sentinel that
// wraps a category sentinel (ErrRateLimited, ErrUnknownStrategy) wins.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	for e := err; e != nil; e = errors.Unwrap(e) {
		if code, ok := errorCodeMap[e]; ok {
			return code
		}
	}

	// Joined errors have no single unwrap chain.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
