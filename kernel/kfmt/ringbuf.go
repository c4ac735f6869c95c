package kfmt

import "io"

// ringBufferSize is the capacity of the early output buffer. Once full, the
// oldest bytes are overwritten.
const ringBufferSize = 4096

// ringBuffer keeps the most recent ringBufferSize bytes written to it.
type ringBuffer struct {
	buffer [ringBufferSize]byte

	// start indexes the oldest unread byte; count is the number of unread
	// bytes.
	start, count int
}

// Write appends p, discarding the oldest unread bytes when the buffer
// overflows.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[(rb.start+rb.count)%ringBufferSize] = b
		if rb.count == ringBufferSize {
			rb.start = (rb.start + 1) % ringBufferSize
			continue
		}
		rb.count++
	}

	return len(p), nil
}

// Read drains up to len(p) unread bytes into p. It returns io.EOF once the
// buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.count == 0 {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && rb.count > 0 {
		p[n] = rb.buffer[rb.start]
		rb.start = (rb.start + 1) % ringBufferSize
		rb.count--
		n++
	}

	return n, nil
}
