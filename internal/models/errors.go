package models

import "errors"

// Error classes the relay processor routes on. Anything that does not match
// one of these is treated as transient and retried by the queue.
var (
	// ErrConfiguration marks an account misconfiguration (missing scope or
	// credentials). Retrying can never succeed; the message is logged and
	// dropped.
	ErrConfiguration = errors.New("configuration error")

	// ErrRateLimited is the throttle's self-imposed refusal. The message is
	// re-enqueued without counting against its retry budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrPermanentReject marks an explicit content rejection by the remote
	// side. The message goes straight to the dead-letter channel.
	ErrPermanentReject = errors.New("permanently rejected")

	// ErrAuthExpired is surfaced after the one-shot credential refresh also
	// fails.
	ErrAuthExpired = errors.New("authorization expired")
)

// IsRetryable reports whether the relay should spend retry budget on err.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrPermanentReject):
		return false
	}
	return true
}
