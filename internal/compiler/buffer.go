package compiler

import (
	"sync"
)

// outputBuffer is a fixed-size ring that keeps the newest bytes written to
// it. It stops a runaway toolchain from exhausting memory.
type outputBuffer struct {
	buf       []byte
	size      int
	head      int // write position
	tail      int // read position
	full      bool
	truncated bool
	mu        sync.Mutex
}

// newOutputBuffer creates a ring of size bytes. Zero or less means 1MB.
func newOutputBuffer(size int) *outputBuffer {
	if size <= 0 {
		size = 1 << 20
	}
	return &outputBuffer{
		buf:  make([]byte, size),
		size: size,
	}
}

// Write implements io.Writer. When the ring is full the oldest byte is dropped.
func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range p {
		if b.full {
			b.tail = (b.tail + 1) % b.size
			b.truncated = true
		}
		b.buf[b.head] = c
		b.head = (b.head + 1) % b.size
		if b.head == b.tail {
			b.full = true
		}
	}
	return len(p), nil
}

// Bytes returns a copy of the retained bytes, oldest first.
func (b *outputBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case !b.full && b.head == b.tail:
		return []byte{}
	case b.head > b.tail:
		out := make([]byte, b.head-b.tail)
		copy(out, b.buf[b.tail:b.head])
		return out
	}

	// Wrapped, or completely full with head == tail.
	out := make([]byte, 0, b.size)
	out = append(out, b.buf[b.tail:]...)
	out = append(out, b.buf[:b.head]...)
	return out
}

// Truncated reports whether any byte was dropped.
func (b *outputBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
