package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/convomux/convomux/internal/models"
)

// Retry policy constants shared by the adapters and the background services.
const (
	// MaxSendAttempts is the fixed attempt limit for a delivery call.
	MaxSendAttempts = 3
	// DefaultBackoffBase is the delay before the first retry; each
	// subsequent retry doubles it.
	DefaultBackoffBase = 2 * time.Second
)

// Backoff returns the delay before retry number attempt using the policy
// base * 2^(attempt-1). Attempt counts from 1.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(1<<(attempt-1))
}

// RetryDecision is the pure retry policy over (error kind, attempt count).
// It reports whether a failed attempt should be retried and, if so, after
// what delay. It never inspects anything beyond the error's classification,
// so the policy is testable without any transport in the loop.
func RetryDecision(err error, attempt int, base time.Duration) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	if !models.IsTransient(err) {
		return 0, false
	}
	if attempt >= MaxSendAttempts {
		return 0, false
	}
	return Backoff(base, attempt), true
}

// ComputeSignature returns the hex-encoded HMAC-SHA256 of payload under secret.
func ComputeSignature(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// hmacEqual compares two signatures in constant time.
func hmacEqual(expected, got string) bool {
	return hmac.Equal([]byte(expected), []byte(got))
}
