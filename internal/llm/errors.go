package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"google.golang.org/genai"
)

// Error taxonomy. Callers test with errors.Is.
var (
	ErrTransientNetwork = errors.New("transient network error")
	ErrRateLimited      = errors.New("rate limited")
	ErrAuth             = errors.New("authentication failed")
	ErrMalformedRequest = errors.New("malformed request")
	ErrUnknownTool      = errors.New("unknown tool")
	ErrSchemaMismatch   = errors.New("tool arguments do not match schema")
	ErrApprovalDenied   = errors.New("approval denied")
	ErrCancelled        = errors.New("cancellation requested")
)

// APIError is a classified failure reported by a model backend.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	RetryAfter time.Duration // Zero when the backend gave no hint
	kind       error
}

func (e *APIError) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, "HTTP %d: ", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(e.kind.Error())
	}
	return b.String()
}

func (e *APIError) Unwrap() error { return e.kind }

// NewAPIError classifies an HTTP failure by its status code.
func NewAPIError(provider string, status int, message string, header http.Header) *APIError {
	e := &APIError{
		Provider:   provider,
		StatusCode: status,
		Message:    strings.TrimSpace(message),
		kind:       kindForStatus(status),
	}
	if header != nil {
		e.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), time.Now())
	}
	return e
}

func kindForStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	case status >= 400 && status < 500:
		return ErrMalformedRequest
	case status >= 500:
		return ErrTransientNetwork
	default:
		return ErrTransientNetwork
	}
}

// ParseRetryAfter reads a Retry-After value given as integer or fractional
// seconds, or as an HTTP date.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// retryAfterRegex matches Retry-After values embedded in error messages.
var retryAfterRegex = regexp.MustCompile(`(?i)retry[- ]?after[:\s]+(\d+(?:\.\d+)?)`)

// Classify maps any backend error onto the taxonomy. The returned error
// wraps err and unwraps to exactly one sentinel.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	for _, kind := range []error{ErrTransientNetwork, ErrRateLimited, ErrAuth, ErrMalformedRequest, ErrCancelled} {
		if errors.Is(err, kind) {
			return err
		}
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return fromStatus("anthropic", anthropicErr.StatusCode, err, anthropicErr.Response)
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return fromStatus("openai", openaiErr.StatusCode, err, openaiErr.Response)
	}
	var genaiErr genai.APIError
	if errors.As(err, &genaiErr) {
		return fromStatus("gemini", genaiErr.Code, err, nil)
	}
	var genaiErrPtr *genai.APIError
	if errors.As(err, &genaiErrPtr) {
		return fromStatus("gemini", genaiErrPtr.Code, err, nil)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTransientNetwork, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrTransientNetwork, err)
	}

	return classifyMessage(err)
}

func fromStatus(provider string, status int, err error, resp *http.Response) error {
	apiErr := &APIError{
		Provider:   provider,
		StatusCode: status,
		Message:    err.Error(),
		kind:       kindForStatus(status),
	}
	if resp != nil {
		apiErr.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return apiErr
}

// classifyMessage inspects the error text for providers whose errors carry
// no structured status.
func classifyMessage(err error) error {
	msg := strings.ToLower(err.Error())
	wrap := func(kind error) error {
		apiErr := &APIError{Message: err.Error(), kind: kind}
		if m := retryAfterRegex.FindStringSubmatch(msg); len(m) > 1 {
			apiErr.RetryAfter = ParseRetryAfter(m[1], time.Now())
		}
		return apiErr
	}

	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "resource exhausted"):
		return wrap(ErrRateLimited)
	case strings.Contains(msg, "401"),
		strings.Contains(msg, "403"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "permission denied"):
		return wrap(ErrAuth)
	case strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "eof"),
		strings.Contains(msg, "temporary failure"),
		strings.Contains(msg, "no such host"):
		return wrap(ErrTransientNetwork)
	case strings.Contains(msg, "400"),
		strings.Contains(msg, "404"),
		strings.Contains(msg, "422"),
		strings.Contains(msg, "invalid request"),
		strings.Contains(msg, "bad request"):
		return wrap(ErrMalformedRequest)
	}
	// Unrecognized failures are treated as fatal so a bug never loops.
	return wrap(ErrMalformedRequest)
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	err = Classify(err)
	return errors.Is(err, ErrTransientNetwork) || errors.Is(err, ErrRateLimited)
}

// retryAfterHint returns the backend's wait hint, if any.
func retryAfterHint(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}
