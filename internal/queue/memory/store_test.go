package memory

import (
	"testing"

	"github.com/cuongbtq/jobq/internal/queue"
	"github.com/cuongbtq/jobq/internal/queue/queuetest"
)

func TestStore_Conformance(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, clock queue.Clock) queue.Store {
		return New(WithClock(clock))
	})
}
