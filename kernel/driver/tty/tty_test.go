package tty

import (
	"bytes"
	"testing"

	"github.com/kazzmir/yalnix/abi"
)

func TestTerminalInput(t *testing.T) {
	var term Terminal

	if term.Pending() != 0 {
		t.Fatal("expected a fresh terminal to have no input")
	}

	term.Receive([]byte("hello\n"))
	term.Receive([]byte("world\n"))

	specs := []struct {
		bufLen int
		exp    string
		left   int
	}{
		{3, "hel", 9},
		{4, "lo\nw", 5},
		{100, "orld\n", 0},
		{10, "", 0},
	}

	for specIndex, spec := range specs {
		buf := make([]byte, spec.bufLen)
		n := term.Read(buf)
		if got := string(buf[:n]); got != spec.exp {
			t.Errorf("[spec %d] expected to read %q; got %q", specIndex, spec.exp, got)
		}
		if term.Pending() != spec.left {
			t.Errorf("[spec %d] expected %d bytes left; got %d", specIndex, spec.left, term.Pending())
		}
	}
}

func TestTerminalInputLimit(t *testing.T) {
	var term Terminal

	line := bytes.Repeat([]byte{'x'}, abi.TerminalMaxLine-10)
	if n := term.Receive(line); n != len(line) {
		t.Fatalf("expected %d bytes to be kept; got %d", len(line), n)
	}
	if n := term.Receive(bytes.Repeat([]byte{'y'}, 20)); n != 10 {
		t.Fatalf("expected only 10 bytes to fit; got %d", n)
	}
	if term.Pending() != abi.TerminalMaxLine {
		t.Fatalf("expected a full buffer; got %d", term.Pending())
	}
}

func TestTerminalTransmit(t *testing.T) {
	var term Terminal

	staged := term.BeginTransmit([]byte("out"))
	if !term.Busy() || string(staged) != "out" {
		t.Fatalf("expected busy terminal staging %q; got %v %q", "out", term.Busy(), staged)
	}

	term.EndTransmit()
	if term.Busy() {
		t.Fatal("expected terminal to be free")
	}

	staged = term.BeginTransmit(make([]byte, abi.TerminalMaxLine+5))
	if len(staged) != abi.TerminalMaxLine {
		t.Fatalf("expected transmission to be truncated to %d; got %d", abi.TerminalMaxLine, len(staged))
	}
}
