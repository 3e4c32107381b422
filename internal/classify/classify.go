package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Category is the user-facing class of a failure.
type Category uint8

const (
	Unknown Category = iota
	RateLimited
	ProviderError
	ConnectionUnavailable
	Cancelled
)

func (c Category) String() string {
	switch c {
	case RateLimited:
		return "rate_limited"
	case ProviderError:
		return "provider_error"
	case ConnectionUnavailable:
		return "connection_unavailable"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

const (
	msgRateLimited = "Rate limit exceeded. Please wait a moment before trying again."
	msgConnection  = "Connection error: The server is not running or cannot be reached. Please check if the local server is running."
	msgUnknown     = "An unexpected error occurred"
)

var (
	rateLimitDetail = regexp.MustCompile(`RateLimitError: ([^\n]+)`)
	retryHint       = regexp.MustCompile(`(?i)(?:retry[- ]after|try again in)[:\s]*(\d+(?:\.\d+)?)\s*(ms|s|sec|secs|seconds)?\b`)
)

// Failure is a classified error.
type Failure struct {
	Category   Category
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (f *Failure) Error() string {
	if f.Err != nil && f.Message == "" {
		return fmt.Sprintf("%s: %v", f.Category, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Category, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// FromChunk classifies the error payload of a stream chunk. It returns nil
// when the payload is absent or null.
func FromChunk(payload json.RawMessage) *Failure {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return nil
	}

	var text string
	if err := json.Unmarshal(payload, &text); err == nil {
		return fromText(text)
	}

	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err == nil {
		return &Failure{Category: ProviderError, Message: objectMessage(obj, payload)}
	}

	return &Failure{Category: ProviderError, Message: string(payload)}
}

func fromText(text string) *Failure {
	if strings.Contains(text, "RateLimitError") || strings.Contains(text, "rate_limit_error") {
		msg := msgRateLimited
		if m := rateLimitDetail.FindStringSubmatch(text); m != nil {
			msg = fmt.Sprintf("Rate limit exceeded: %s. Please wait a moment before trying again.", strings.TrimSpace(m[1]))
		}
		return &Failure{Category: RateLimited, Message: msg, RetryAfter: parseRetryHint(text)}
	}
	return &Failure{Category: ProviderError, Message: text}
}

func objectMessage(obj map[string]any, raw json.RawMessage) string {
	for _, key := range []string{"message", "description"} {
		v, ok := obj[key]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			if s != "" {
				return s
			}
			continue
		}
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return string(raw)
	}
	return compact.String()
}

func parseRetryHint(text string) time.Duration {
	m := retryHint.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	if strings.EqualFold(m[2], "ms") {
		return time.Duration(value * float64(time.Millisecond))
	}
	return time.Duration(value * float64(time.Second))
}

// statusError is implemented by transport errors that carry an HTTP status.
type statusError interface {
	error
	StatusCode() int
	RetryAfter() time.Duration
}

// FromError classifies a transport-level error. It returns nil for a nil error.
func FromError(err error) *Failure {
	if err == nil {
		return nil
	}

	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	if errors.Is(err, context.Canceled) {
		return &Failure{Category: Cancelled, Err: err}
	}

	var se statusError
	if errors.As(err, &se) {
		if se.StatusCode() == http.StatusTooManyRequests {
			return &Failure{Category: RateLimited, Message: msgRateLimited, RetryAfter: se.RetryAfter(), Err: err}
		}
		return &Failure{Category: ProviderError, Message: se.Error(), Err: err}
	}

	if isUnreachable(err) {
		return &Failure{Category: ConnectionUnavailable, Message: msgConnection, Err: err}
	}

	msg := err.Error()
	if msg == "" {
		msg = msgUnknown
	}
	return &Failure{Category: Unknown, Message: msg, Err: err}
}

func isUnreachable(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}
