// Package memtrack tracks Go heap allocations over a bounded interval.
//
// A Tracker records the live heap at Start as a baseline and samples it
// until Stop, keeping the highest value seen. Reported numbers are bytes
// above the baseline. They describe heap objects allocated by the Go
// runtime (the embedded interpreter included), not the process RSS.
package memtrack

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	liveHeapMetric  = "/memory/classes/heap/objects:bytes"
	allocatedMetric = "/gc/heap/allocs:bytes"
)

// DefaultInterval is the sampling period used when Start gets a non-positive one.
const DefaultInterval = time.Millisecond

// Stats is a snapshot of tracked allocation, in bytes above the baseline.
type Stats struct {
	Current   uint64 // live heap at Stop
	Peak      uint64 // highest live heap observed
	Allocated uint64 // cumulative bytes allocated, freed or not
}

type Tracker struct {
	mu            sync.Mutex
	samples       []metrics.Sample
	baseLive      uint64
	baseAllocated uint64
	peakLive      uint64

	stop chan struct{}
	done chan struct{}
	once sync.Once
	last Stats
}

// Start forces a collection, records the baseline and begins sampling.
func Start(interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := &Tracker{
		samples: []metrics.Sample{
			{Name: liveHeapMetric},
			{Name: allocatedMetric},
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	runtime.GC()
	live, allocated := t.read()
	t.baseLive = live
	t.baseAllocated = allocated
	t.peakLive = live

	go t.loop(interval)
	return t
}

func (t *Tracker) loop(interval time.Duration) {
	defer close(t.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sample()
		}
	}
}

// read returns the current live heap and cumulative allocation counters.
func (t *Tracker) read() (live, allocated uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	metrics.Read(t.samples)
	return sampleValue(t.samples[0]), sampleValue(t.samples[1])
}

func (t *Tracker) sample() (live, allocated uint64) {
	live, allocated = t.read()
	t.mu.Lock()
	if live > t.peakLive {
		t.peakLive = live
	}
	t.mu.Unlock()
	return live, allocated
}

// Snapshot returns the current figures without stopping the tracker.
func (t *Tracker) Snapshot() Stats {
	live, allocated := t.sample()
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Current:   above(live, t.baseLive),
		Peak:      above(t.peakLive, t.baseLive),
		Allocated: above(allocated, t.baseAllocated),
	}
}

// Stop takes a final sample, halts the sampler and returns the result.
// Calling Stop more than once returns the first result.
func (t *Tracker) Stop() Stats {
	t.once.Do(func() {
		close(t.stop)
		<-t.done
		t.last = t.Snapshot()
	})
	return t.last
}

func sampleValue(s metrics.Sample) uint64 {
	if s.Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s.Value.Uint64()
}

func above(v, base uint64) uint64 {
	if v < base {
		return 0
	}
	return v - base
}
