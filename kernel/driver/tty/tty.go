// Package tty keeps the kernel side of the machine terminals: bytes typed by
// the user that no process has read yet and the line currently being
// transmitted.
package tty

import "github.com/kazzmir/yalnix/abi"

// Terminal buffers the traffic of one machine terminal. A terminal transmits
// for at most one writer at a time.
type Terminal struct {
	input  []byte
	output [abi.TerminalMaxLine]byte
	busy   bool
}

// Receive appends a line delivered by the device to the input buffer. Bytes
// that do not fit in abi.TerminalMaxLine are dropped. It returns the number of
// bytes kept.
func (t *Terminal) Receive(line []byte) int {
	room := abi.TerminalMaxLine - len(t.input)
	if room < len(line) {
		line = line[:room]
	}
	t.input = append(t.input, line...)
	return len(line)
}

// Pending returns the number of unread input bytes.
func (t *Terminal) Pending() int {
	return len(t.input)
}

// Read moves up to len(buf) unread bytes into buf. Bytes that do not fit stay
// buffered for the next read.
func (t *Terminal) Read(buf []byte) int {
	n := copy(buf, t.input)
	t.input = t.input[:copy(t.input, t.input[n:])]
	return n
}

// Busy reports whether a transmission is in flight.
func (t *Terminal) Busy() bool {
	return t.busy
}

// BeginTransmit marks the terminal busy and stages data in the output buffer,
// truncated to abi.TerminalMaxLine. It returns the staged bytes.
func (t *Terminal) BeginTransmit(data []byte) []byte {
	t.busy = true
	return t.output[:copy(t.output[:], data)]
}

// EndTransmit releases the terminal for the next writer.
func (t *Terminal) EndTransmit() {
	t.busy = false
}
