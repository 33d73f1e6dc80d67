package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAfterAdvancesAndRecords(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	fired := <-c.After(2 * time.Second)
	assert.Equal(t, start.Add(2*time.Second), fired)

	<-c.After(3 * time.Second)
	assert.Equal(t, start.Add(5*time.Second), c.Now())
	assert.Equal(t, []time.Duration{2 * time.Second, 3 * time.Second}, c.Waits())

	c.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute+5*time.Second), c.Now())
}
