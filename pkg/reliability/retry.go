package reliability

import (
	"math"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig holds the parameters of an exponential backoff schedule.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      bool
}

// SessionRetryConfig returns the schedule used by the mailbox session
// retry loop: baseDelay, 2*baseDelay, 4*baseDelay, ... without jitter,
// so that waits stay predictable and testable.
func SessionRetryConfig(maxAttempts int, baseDelay time.Duration) RetryConfig {
	return RetryConfig{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    0, // uncapped
		Factor:      2.0,
		Jitter:      false,
	}
}

// Delay returns the wait before retrying after the given failed attempt.
// Attempts are counted from 1, so Delay(1) == BaseDelay.
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := c.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	factor := c.Factor
	if factor <= 1.0 {
		factor = 2.0
	}

	d := float64(base) * math.Pow(factor, float64(attempt-1))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.Jitter {
		d += rand.Float64() * d * 0.25
		if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
			d = float64(c.MaxDelay)
		}
	}
	if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
		d = float64(base)
	}
	return time.Duration(d)
}

// ErrorCategory classifies errors for handling and log phrasing.
type ErrorCategory int

const (
	ErrorTemporary ErrorCategory = iota
	ErrorPermanent
	ErrorAuthentication
	ErrorNetwork
	ErrorTimeout
)

// String returns the category name used in log lines.
func (c ErrorCategory) String() string {
	switch c {
	case ErrorPermanent:
		return "permanent"
	case ErrorAuthentication:
		return "authentication"
	case ErrorNetwork:
		return "network"
	case ErrorTimeout:
		return "timeout"
	default:
		return "temporary"
	}
}

var authPatterns = []string{
	"authentication failed",
	"authenticationfailed",
	"login failed",
	"invalid credentials",
	"bad credentials",
	"access denied",
	"unauthorized",
}

var networkPatterns = []string{
	"connection refused",
	"connection reset",
	"network unreachable",
	"host unreachable",
	"no such host",
	"broken pipe",
	"connection lost",
	"use of closed network connection",
	"unexpected eof",
	"tls:",
	"ssl",
}

var timeoutPatterns = []string{
	"timeout",
	"i/o timeout",
	"deadline exceeded",
}

var permanentPatterns = []string{
	"no mailbox",
	"mailbox does not exist",
	"invalid mailbox",
	"permission denied",
	"quota exceeded",
}

// CategorizeError determines the category of an error. IMAP libraries
// surface most failures as opaque strings, so this matches on phrases.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ErrorTemporary
	}
	s := strings.ToLower(err.Error())

	for _, p := range authPatterns {
		if strings.Contains(s, p) {
			return ErrorAuthentication
		}
	}
	for _, p := range networkPatterns {
		if strings.Contains(s, p) {
			return ErrorNetwork
		}
	}
	for _, p := range timeoutPatterns {
		if strings.Contains(s, p) {
			return ErrorTimeout
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(s, p) {
			return ErrorPermanent
		}
	}
	return ErrorTemporary
}
