package kfmt

import (
	"bytes"
	"testing"
)

func TestPrintfToRingBuffer(t *testing.T) {
	defer func() {
		outputSink = nil
		earlyPrintBuffer = ringBuffer{}
	}()

	outputSink = nil
	exp := "[boot] hello world\n"
	Printf("[%s] hello %s\n", "boot", "world")

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}

	Printf("after")
	if got := buf.String(); got != exp+"after" {
		t.Fatalf("expected output to go straight to the sink; got %q", got)
	}
}

func TestTracef(t *testing.T) {
	defer func(level int) {
		outputSink = nil
		traceLevel = level
	}(traceLevel)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	specs := []struct {
		level, msgLevel int
		exp             string
	}{
		{0, 1, ""},
		{1, 1, "msg 1"},
		{3, 2, "msg 2"},
		{2, 5, ""},
	}

	for specIndex, spec := range specs {
		buf.Reset()
		SetTraceLevel(spec.level)
		Tracef(spec.msgLevel, "msg %d", spec.msgLevel)

		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected to get %q; got %q", specIndex, spec.exp, got)
		}
	}

	if got := TraceLevel(); got != 2 {
		t.Errorf("expected TraceLevel to return 2; got %d", got)
	}
}

func TestFprintf(t *testing.T) {
	var buf bytes.Buffer

	exp := "pid 3 exited with 7"
	Fprintf(&buf, "pid %d exited with %d", 3, 7)

	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}
