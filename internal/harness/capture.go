package harness

import (
	"bytes"
	"io"
	"os"
	"sync"
)

// capture drains a pipe into a bounded buffer while the interpreter writes
// to the other end.
type capture struct {
	r, w *os.File
	buf  *boundedBuffer
	done chan error
}

func newCapture(limit int64) (*capture, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	c := &capture{
		r:    r,
		w:    w,
		buf:  &boundedBuffer{limit: limit},
		done: make(chan error, 1),
	}
	go func() {
		_, err := io.Copy(c.buf, r)
		c.done <- err
	}()
	return c, nil
}

// finish closes the write end, waits for the drain and releases the pipe.
// It must be called exactly once.
func (c *capture) finish() (string, bool, error) {
	werr := c.w.Close()
	rerr := <-c.done
	c.r.Close()

	out, truncated := c.buf.result()
	if werr != nil {
		return out, truncated, werr
	}
	return out, truncated, rerr
}

// boundedBuffer keeps the first limit bytes and silently drops the rest so
// the writer never blocks.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - int64(b.buf.Len())
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if int64(len(p)) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) result() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String(), b.truncated
}
