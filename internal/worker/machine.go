package worker

import (
	"errors"
	"fmt"

	"vigil/internal/models"
)

// Event is something that happens to an analysis while its job is processed.
type Event string

const (
	EventPickedUp      Event = "picked_up"      // a delivery of the job reached the handler
	EventAdvanced      Event = "advanced"       // classification done, analysis begins
	EventSucceeded     Event = "succeeded"      // the pipeline finished
	EventAttemptFailed Event = "attempt_failed" // the attempt failed and the broker will retry
	EventExhausted     Event = "exhausted"      // the attempt failed and no retries remain
)

// ErrInvalidTransition is returned for an event the current status does not accept.
var ErrInvalidTransition = errors.New("worker: invalid status transition")

type transitionKey struct {
	from  models.Status
	event Event
}

// transitions is the complete status machine. Anything missing is rejected,
// which covers every event on a terminal status.
var transitions = map[transitionKey]models.Status{
	{models.StatusPending, EventPickedUp}:     models.StatusClassifying,
	{models.StatusClassifying, EventPickedUp}: models.StatusClassifying,
	{models.StatusAnalyzing, EventPickedUp}:   models.StatusClassifying,

	{models.StatusClassifying, EventAdvanced}: models.StatusAnalyzing,

	{models.StatusClassifying, EventSucceeded}: models.StatusCompleted,
	{models.StatusAnalyzing, EventSucceeded}:   models.StatusCompleted,

	{models.StatusPending, EventAttemptFailed}:     models.StatusPending,
	{models.StatusClassifying, EventAttemptFailed}: models.StatusClassifying,
	{models.StatusAnalyzing, EventAttemptFailed}:   models.StatusAnalyzing,

	{models.StatusPending, EventExhausted}:     models.StatusFailed,
	{models.StatusClassifying, EventExhausted}: models.StatusFailed,
	{models.StatusAnalyzing, EventExhausted}:   models.StatusFailed,
}

// Next returns the status that follows from on ev.
func Next(from models.Status, ev Event) (models.Status, error) {
	to, ok := transitions[transitionKey{from, ev}]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
	}
	return to, nil
}

// EventFor maps the outcome of an attempt to its event.
func EventFor(runErr error, attempt Attempt) Event {
	switch {
	case runErr == nil:
		return EventSucceeded
	case attempt.Last():
		return EventExhausted
	default:
		return EventAttemptFailed
	}
}
