package consumer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNew tests the consumer constructor
func TestNew(t *testing.T) {
	tests := []struct {
		name            string
		workers         int
		expectedWorkers int
	}{
		{"Valid worker count", 5, 5},
		{"Zero workers", 0, 3},
		{"Negative workers", -1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(nil, nil, "billing_events", tt.workers)

			assert.NotNil(t, c)
			assert.Equal(t, tt.expectedWorkers, c.workers)
			assert.Equal(t, "billing_events", c.queue)
			assert.NotNil(t, c.stopCh)
			assert.False(t, c.running)
		})
	}
}

func TestStop_WithoutStart(t *testing.T) {
	c := New(nil, nil, "billing_events", 1)
	// Stopping a consumer that never started must not block or panic.
	c.Stop()
}
