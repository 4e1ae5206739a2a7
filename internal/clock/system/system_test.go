package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClockNow(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.After(before) && got.Before(after), "%v outside [%v, %v]", got, before, after)
	assert.Zero(t, got.Nanosecond()%int(time.Microsecond), "sub-microsecond precision dropped")
	assert.False(t, clk.Now().Before(got))
}
