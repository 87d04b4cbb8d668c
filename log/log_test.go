package log

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

var (
	sampleInt      = 3
	sampleBytes    = []byte("123")
	sampleList     = []int64{10, 0, -10}
	sampleDuration = time.Second
	sampleTime     = time.Unix(12345678, 0)

	errSample = errors.New("some error")
)

func doLogs() {
	// Some sample logs from existing code.
	Infof("appended %d leaves to ledger %x", sampleInt, sampleBytes)
	Debugw("ballot cast", "electionId", "E1", "boothId", "WEB-CLIENT")
	Errorf("cannot commit cast transaction: %v", errSample)
	Warnw("various types",
		"list", sampleList,
		"duration", sampleDuration,
		"time", sampleTime,
	)
	Error(errSample)
}

func TestCheckInvalidChars(t *testing.T) {
	t.Cleanup(func() { panicOnInvalidChars = false })

	v := []byte{'h', 'e', 'l', 'l', 'o', 0xff, 'w', 'o', 'r', 'l', 'd'}
	panicOnInvalidChars = false
	Init("debug", "stderr", nil)
	Debugf("%s", v)
	// should not panic since env var is false. if it panics, test will fail

	// now enable panic and try again: should recover() and never reach t.Errorf()
	panicOnInvalidChars = true
	Init("debug", "stderr", nil)
	defer func() { recover() }()
	Debugf("%s", v)
	t.Errorf("Debugf(%s) should have panicked because of invalid char", v)
}

func TestLevelFiltering(t *testing.T) {
	c := qt.New(t)
	buf := &bytes.Buffer{}
	logTestWriter = buf
	t.Cleanup(func() {
		logTestWriter = io.Discard
		Init(LogLevelError, "stderr", nil)
	})

	Init(LogLevelWarn, logTestWriterName, nil)
	c.Assert(Level(), qt.Equals, LogLevelWarn)
	Infow("hidden", "electionId", "E1")
	Warnw("visible", "electionId", "E2")
	c.Assert(strings.Contains(buf.String(), "hidden"), qt.IsFalse)
	c.Assert(strings.Contains(buf.String(), `"electionId":"E2"`), qt.IsTrue)
}

func TestErrorOutput(t *testing.T) {
	c := qt.New(t)
	errBuf := &bytes.Buffer{}
	logTestWriter = io.Discard
	t.Cleanup(func() { Init(LogLevelError, "stderr", nil) })

	Init(LogLevelDebug, logTestWriterName, errBuf)
	Debugw("debug line")
	Errorw(errSample, "integrity failure", "ballotId", "b1")
	c.Assert(strings.Contains(errBuf.String(), "debug line"), qt.IsFalse)
	c.Assert(strings.Contains(errBuf.String(), "integrity failure"), qt.IsTrue)
}

func BenchmarkLogger(b *testing.B) {
	logTestWriter = io.Discard // to not grow a buffer
	Init("debug", logTestWriterName, nil)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		doLogs()
	}
}
