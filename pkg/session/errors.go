package session

import "errors"

// ErrConcurrentUpdate is returned when the state compare-and-swap kept
// losing to concurrent writers after the retry budget was spent. The
// event itself is durable; only the projection update gave up.
var ErrConcurrentUpdate = errors.New("session: concurrent update, retries exhausted")

// ErrInvalidEvent is returned when an event fails validation before it
// reaches the log.
var ErrInvalidEvent = errors.New("session: invalid event")
