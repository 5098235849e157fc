package sweeper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew_DefaultsIntervals(t *testing.T) {
	s := New(nil, Config{})
	assert.Equal(t, 30*time.Minute, s.config.ChargeInterval)
	assert.Equal(t, time.Hour, s.config.ReleaseInterval)

	s = New(nil, Config{ChargeInterval: time.Minute, ReleaseInterval: 5 * time.Minute})
	assert.Equal(t, time.Minute, s.config.ChargeInterval)
	assert.Equal(t, 5*time.Minute, s.config.ReleaseInterval)
}
