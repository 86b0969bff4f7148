package supervisor

import (
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// rssWatcher samples a child's resident set size until stopped. The figure
// is diagnostic only; the reported memory_usage comes from the runner's
// own heap tracker.
type rssWatcher struct {
	peak   uint64
	stopCh chan struct{}
	done   chan struct{}
}

func watchRSS(pid int, interval time.Duration) *rssWatcher {
	w := &rssWatcher{
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.loop(int32(pid), interval)
	return w
}

func (w *rssWatcher) loop(pid int32, interval time.Duration) {
	defer close(w.done)

	proc, err := process.NewProcess(pid)
	if err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if info, err := proc.MemoryInfo(); err == nil && info != nil && info.RSS > w.peak {
			w.peak = info.RSS
		}
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// stop halts sampling and returns the peak RSS in bytes.
func (w *rssWatcher) stop() uint64 {
	close(w.stopCh)
	<-w.done
	return w.peak
}
