package runnerd

import (
	"io"
	"sync"
)

// multiWriter fans writes out to a dynamic set of writers. Writers can be
// added and removed concurrently with writes; a write with no writers
// attached is dropped.
type multiWriter struct {
	mu      sync.Mutex
	writers []io.Writer
}

func newMultiWriter(writers ...io.Writer) *multiWriter {
	return &multiWriter{writers: writers}
}

func (t *multiWriter) Add(w io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writers = append(t.writers, w)
}

func (t *multiWriter) Remove(w io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := 0; i < len(t.writers); i++ {
		if t.writers[i] == w {
			t.writers = append(t.writers[:i], t.writers[i+1:]...)
		}
	}
}

func (t *multiWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, w := range t.writers {
		n, err := w.Write(p)
		if err != nil {
			return n, err
		}
		if n != len(p) {
			return n, io.ErrShortWrite
		}
	}
	return len(p), nil
}

const defaultTailSize = 64 * 1024

// tailBuffer retains the last cap bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	cap int
	buf []byte
}

func newTailBuffer(capacity int) *tailBuffer {
	if capacity <= 0 {
		capacity = defaultTailSize
	}
	return &tailBuffer{cap: capacity}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.cap {
		b.buf = b.buf[len(b.buf)-b.cap:]
	}
	return len(p), nil
}

func (b *tailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}
