package memtrack

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var sink [][]byte

func TestTrackerSeesAllocation(t *testing.T) {
	tr := Start(time.Millisecond)

	const chunk = 1 << 20
	for i := 0; i < 8; i++ {
		sink = append(sink, make([]byte, chunk))
	}
	time.Sleep(5 * time.Millisecond)

	stats := tr.Stop()
	runtime.KeepAlive(sink)
	sink = nil

	assert.GreaterOrEqual(t, stats.Peak, uint64(4*chunk))
	assert.GreaterOrEqual(t, stats.Allocated, uint64(8*chunk))
	assert.GreaterOrEqual(t, stats.Peak, stats.Current)
}

func TestTrackerIdle(t *testing.T) {
	tr := Start(0)
	stats := tr.Stop()

	// Nothing was allocated on purpose; the figures stay small.
	assert.Less(t, stats.Peak, uint64(1<<20))
}

func TestStopIsIdempotent(t *testing.T) {
	tr := Start(time.Millisecond)
	first := tr.Stop()
	second := tr.Stop()
	assert.Equal(t, first, second)
}

func TestAboveClampsAtZero(t *testing.T) {
	assert.Equal(t, uint64(0), above(5, 10))
	assert.Equal(t, uint64(5), above(15, 10))
}
