package utils

import (
	"sync"

	"github.com/google/uuid"
)

// The current correlation ID is process-wide mutable state. Callers handling
// concurrent requests push and pop it per request.
var correlation = struct {
	sync.RWMutex
	id string
}{}

// NewCorrelationID generates a fresh correlation ID.
func NewCorrelationID() string {
	return uuid.NewString()
}

// SetCorrelationID sets the current correlation ID.
func SetCorrelationID(id string) {
	correlation.Lock()
	correlation.id = id
	correlation.Unlock()
}

// CurrentCorrelationID returns the current correlation ID, or "".
func CurrentCorrelationID() string {
	correlation.RLock()
	defer correlation.RUnlock()
	return correlation.id
}

// ClearCorrelationID clears the current correlation ID.
func ClearCorrelationID() {
	SetCorrelationID("")
}
