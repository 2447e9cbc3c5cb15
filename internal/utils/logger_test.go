package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerRoundTrip(t *testing.T) {
	log := NewLogger("TimerTest")

	log.StartTimer("fetch")
	elapsed := log.StopTimer("fetch")
	assert.GreaterOrEqual(t, elapsed, time.Duration(0))

	// A stopped timer is gone; stopping again reports zero.
	assert.Equal(t, time.Duration(0), log.StopTimer("fetch"))
}

func TestStopTimerWithoutStart(t *testing.T) {
	log := NewLogger("TimerTest")
	assert.Equal(t, time.Duration(0), log.StopTimer("never-started"))
}
