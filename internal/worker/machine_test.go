package worker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/models"
)

func TestNext(t *testing.T) {
	tests := []struct {
		from  models.Status
		event Event
		want  models.Status
	}{
		{models.StatusPending, EventPickedUp, models.StatusClassifying},
		{models.StatusClassifying, EventPickedUp, models.StatusClassifying},
		{models.StatusAnalyzing, EventPickedUp, models.StatusClassifying},
		{models.StatusClassifying, EventAdvanced, models.StatusAnalyzing},
		{models.StatusClassifying, EventSucceeded, models.StatusCompleted},
		{models.StatusAnalyzing, EventSucceeded, models.StatusCompleted},
		{models.StatusPending, EventAttemptFailed, models.StatusPending},
		{models.StatusClassifying, EventAttemptFailed, models.StatusClassifying},
		{models.StatusAnalyzing, EventAttemptFailed, models.StatusAnalyzing},
		{models.StatusPending, EventExhausted, models.StatusFailed},
		{models.StatusClassifying, EventExhausted, models.StatusFailed},
		{models.StatusAnalyzing, EventExhausted, models.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.event), func(t *testing.T) {
			got, err := Next(tt.from, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNext_RejectsTerminalAndUnknown(t *testing.T) {
	events := []Event{EventPickedUp, EventAdvanced, EventSucceeded, EventAttemptFailed, EventExhausted}
	for _, from := range []models.Status{models.StatusCompleted, models.StatusFailed} {
		for _, ev := range events {
			got, err := Next(from, ev)
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s on %s", ev, from)
			assert.Equal(t, from, got)
		}
	}

	_, err := Next(models.StatusPending, EventSucceeded)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = Next(models.StatusPending, EventAdvanced)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = Next(models.StatusAnalyzing, EventAdvanced)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEventFor(t *testing.T) {
	boom := errors.New("boom")
	assert.Equal(t, EventSucceeded, EventFor(nil, Attempt{Number: 3, Max: 3}))
	assert.Equal(t, EventAttemptFailed, EventFor(boom, Attempt{Number: 1, Max: 3}))
	assert.Equal(t, EventAttemptFailed, EventFor(boom, Attempt{Number: 2, Max: 3}))
	assert.Equal(t, EventExhausted, EventFor(boom, Attempt{Number: 3, Max: 3}))
	assert.Equal(t, EventExhausted, EventFor(boom, Attempt{Number: 1, Max: 1}))
}
