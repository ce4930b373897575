package fusion

import (
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned for lookups against an unknown session.
var ErrSessionNotFound = errors.New("fusion: session not found")

// OutOfOrderError rejects a batch whose timestamp does not advance past the
// last accepted batch for the session. The batch is discarded wholesale; no
// session state is mutated.
type OutOfOrderError struct {
	SessionID string
	Got       time.Time
	Last      time.Time
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("fusion: out-of-order batch for session %s: %s <= last accepted %s",
		e.SessionID, e.Got.Format(time.RFC3339Nano), e.Last.Format(time.RFC3339Nano))
}

// IsOutOfOrder reports whether err is (or wraps) an OutOfOrderError.
func IsOutOfOrder(err error) bool {
	var oo *OutOfOrderError
	return errors.As(err, &oo)
}

// ValidationError rejects a batch that is malformed before any scoring starts
// (empty session/user ID, zero timestamp).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("fusion: invalid batch: %s %s", e.Field, e.Reason)
}
