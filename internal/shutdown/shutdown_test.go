package shutdown

import (
	stderrors "errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanupRunsInRegistrationOrder(t *testing.T) {
	c := NewCoordinator()
	var order []string
	c.Register("first", func() error {
		order = append(order, "first")
		return nil
	})
	c.Register("second", func() error {
		order = append(order, "second")
		return nil
	})

	c.RunCleanup()
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestCleanupFailureDoesNotStopOthers(t *testing.T) {
	c := NewCoordinator()
	ran := false
	c.Register("failing", func() error { return stderrors.New("boom") })
	c.Register("after", func() error {
		ran = true
		return nil
	})

	c.RunCleanup()
	assert.True(t, ran)
}

func TestCleanupRunsExactlyOnce(t *testing.T) {
	c := NewCoordinator()
	count := 0
	c.Register("counted", func() error {
		count++
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RunCleanup()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, count)
}
