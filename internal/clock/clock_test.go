package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUTCClock(t *testing.T) {
	now := UTC{}.Now()
	assert.Equal(t, time.UTC, now.Location())
}

func TestFakeClock(t *testing.T) {
	loc := time.FixedZone("WAT", 3600)
	start := time.Date(2026, 1, 2, 10, 0, 0, 0, loc)
	fake := NewFakeClock(start)

	assert.Equal(t, time.UTC, fake.Now().Location())
	assert.True(t, fake.Now().Equal(start))

	fake.Advance(90 * time.Second)
	assert.True(t, fake.Now().Equal(start.Add(90*time.Second)))

	later := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	fake.Set(later)
	assert.Equal(t, later, fake.Now())
}
