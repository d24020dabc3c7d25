package data

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedTimeProvider(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	tp := NewFixedTimeProvider(start)

	assert.True(t, tp.Now().Equal(start))
	assert.Equal(t, time.UTC, tp.Now().Location())

	tp.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second).UTC(), tp.Now())

	tp.Set(start)
	assert.True(t, tp.Now().Equal(start))
}

func TestResolveTimeProvider(t *testing.T) {
	assert.IsType(t, RealTimeProvider{}, resolveTimeProvider(nil))
	fixed := NewFixedTimeProvider(time.Now())
	assert.Same(t, fixed, resolveTimeProvider(fixed))
}
