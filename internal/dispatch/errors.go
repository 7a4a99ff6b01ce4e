package dispatch

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"
)

// Category classifies a delivery failure. Classification drives the retry
// policy: NETWORK and RATE_LIMIT are transient and retried, the rest are
// terminal on first occurrence.
type Category string

const (
	CategoryAuthentication Category = "AUTHENTICATION"
	CategoryNetwork        Category = "NETWORK"
	CategoryRateLimit      Category = "RATE_LIMIT"
	CategoryValidation     Category = "VALIDATION"
	CategoryUnknown        Category = "UNKNOWN"
)

// Retryable reports whether a failure of this category is worth another
// attempt within the same dispatch.
func (c Category) Retryable() bool {
	return c == CategoryNetwork || c == CategoryRateLimit
}

var (
	authMarkers = []string{
		"auth", "credential", "unauthorized", "invalid login",
		"username and password not accepted", "535", "530 5.7",
	}
	rateMarkers = []string{
		"rate limit", "ratelimit", "too many", "quota", "throttl",
		"421", "450 4.2", "452 4.2",
	}
	validationMarkers = []string{
		"invalid recipient", "invalid address", "malformed",
		"no such user", "mailbox unavailable", "recipient rejected",
		"550 5.1", "553",
	}
	networkMarkers = []string{
		"timeout", "timed out", "connection", "dial", "broken pipe",
		"reset by peer", "no such host", "eof", "temporarily unavailable",
	}
)

// Categorize maps a transport error onto the taxonomy. Matching is
// keyword-based because providers surface failures as opaque error strings;
// authentication and rate-limit markers win over network ones so that a
// "connection closed: auth failed" string is treated as fatal, not transient.
func Categorize(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	msg := strings.ToLower(err.Error())

	for _, m := range authMarkers {
		if strings.Contains(msg, m) {
			return CategoryAuthentication
		}
	}
	for _, m := range rateMarkers {
		if strings.Contains(msg, m) {
			return CategoryRateLimit
		}
	}
	for _, m := range validationMarkers {
		if strings.Contains(msg, m) {
			return CategoryValidation
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return CategoryNetwork
	}
	for _, m := range networkMarkers {
		if strings.Contains(msg, m) {
			return CategoryNetwork
		}
	}
	return CategoryUnknown
}

var (
	credentialKV = regexp.MustCompile(`(?i)\b(password|passwd|pwd|token|api[_-]?key|secret|authorization|bearer)\b[=:\s]+(?:bearer\s+)?\S+`)
	urlUserinfo  = regexp.MustCompile(`(\w+://)[^/@\s]+@`)
)

// Sanitize scrubs credential material from an error message before it is
// logged or published as an event.
func Sanitize(msg string) string {
	msg = credentialKV.ReplaceAllString(msg, "$1=[redacted]")
	msg = urlUserinfo.ReplaceAllString(msg, "$1[redacted]@")
	return msg
}
