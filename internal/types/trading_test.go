package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	terminal := []string{StatusFilled, StatusCanceled, StatusRejected, StatusError}
	all := []string{StatusNew, StatusSent, StatusPartial, StatusFilled, StatusCanceled, StatusRejected, StatusError}

	for _, from := range terminal {
		assert.True(t, IsTerminalStatus(from))
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s -> %s must be forbidden", from, to)
		}
	}

	// No later state re-enters NEW or SENT.
	for _, from := range all {
		assert.False(t, CanTransition(from, StatusNew), "%s -> NEW must be forbidden", from)
		if from != StatusNew {
			assert.False(t, CanTransition(from, StatusSent), "%s -> SENT must be forbidden", from)
		}
	}

	assert.True(t, CanTransition(StatusNew, StatusSent))
	assert.True(t, CanTransition(StatusSent, StatusPartial))
	assert.True(t, CanTransition(StatusSent, StatusFilled))
	assert.True(t, CanTransition(StatusPartial, StatusFilled))
	assert.False(t, CanTransition(StatusNew, StatusPartial))
}
