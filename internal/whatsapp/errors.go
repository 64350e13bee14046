package whatsapp

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAlreadyInProgress reports lock contention on a device: another
	// trigger is already driving a pairing attempt. Callers must not retry;
	// the next poll tick will pick the device up again.
	ErrAlreadyInProgress = errors.New("pairing already in progress")

	// ErrInvalidPhone reports a phone number that failed normalization or
	// the 10-15 digit length bounds. Never retried.
	ErrInvalidPhone = errors.New("invalid phone number")

	// ErrNoConnectionMethod reports a device configured without qr/pairing.
	ErrNoConnectionMethod = errors.New("device has no connection method")

	// ErrPairingUnsupported reports a protocol client build without the
	// phone-pairing capability. This is a configuration/version error, not
	// something to degrade around with a fabricated code.
	ErrPairingUnsupported = errors.New("pairing not supported by protocol client")

	// ErrConnectRateLimited reports the tenant exceeded its connection
	// attempt quota.
	ErrConnectRateLimited = errors.New("connection attempts rate limited")

	// ErrAttemptsExhausted is the terminal pairing failure after the attempt
	// ceiling; it is always paired with a persisted error message.
	ErrAttemptsExhausted = errors.New("pairing attempts exhausted")
)

// PairError is a classified failure from the remote pairing endpoint.
// StatusCode follows the remote's HTTP-equivalent convention: 428 for
// precondition/timing failures, 429 for rate limiting.
type PairError struct {
	StatusCode int
	Message    string
}

func (e *PairError) Error() string {
	return fmt.Sprintf("pairing failed (%d): %s", e.StatusCode, e.Message)
}

type pairErrClass int

const (
	pairErrGeneric pairErrClass = iota
	// pairErrPrecondition: the handshake was not ready yet. A protocol
	// ordering issue, retried with a short fixed delay that does not consume
	// an attempt slot.
	pairErrPrecondition
	// pairErrRateLimited: remote capacity pushback. Long pause, persisted
	// message, counted against the attempt budget.
	pairErrRateLimited
)

func classifyPairError(err error) pairErrClass {
	var pe *PairError
	if errors.As(err, &pe) {
		switch pe.StatusCode {
		case 428:
			return pairErrPrecondition
		case 429:
			return pairErrRateLimited
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "precondition") || strings.Contains(msg, "428"):
		return pairErrPrecondition
	case strings.Contains(msg, "rate-overlimit") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return pairErrRateLimited
	}
	return pairErrGeneric
}
