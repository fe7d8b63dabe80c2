package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockClock_AfterFunc(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	var fired []string
	c.AfterFunc(30*time.Second, func() { fired = append(fired, "late") })
	c.AfterFunc(10*time.Second, func() { fired = append(fired, "early") })

	c.Add(5 * time.Second)
	assert.Empty(t, fired)
	assert.Equal(t, 2, c.Pending())

	c.Add(30 * time.Second)
	assert.Equal(t, []string{"early", "late"}, fired)
	assert.Equal(t, start.Add(35*time.Second), c.Now())
	assert.Zero(t, c.Pending())
}

func TestMockClock_Stop(t *testing.T) {
	c := NewMockClock(time.Now())

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Add(time.Minute)
	assert.False(t, fired)
}
