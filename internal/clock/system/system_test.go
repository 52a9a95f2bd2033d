package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNowIsUTCAndCurrent(t *testing.T) {
	t.Parallel()

	before := time.Now().Add(-time.Second)
	got := New().Now()
	require.Equal(t, time.UTC, got.Location())
	require.WithinRange(t, got, before, time.Now().Add(time.Second))
}

func TestNowTruncatesToMicroseconds(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("EST", -5*60*60)
	c := &Clock{now: func() time.Time { return time.Date(2026, 3, 1, 9, 30, 0, 123456789, loc) }}
	require.Equal(t, time.Date(2026, 3, 1, 14, 30, 0, 123456000, time.UTC), c.Now())
}
