package logfilter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestRun_FiltersStream(t *testing.T) {
	defer goleak.VerifyNone(t)

	input := strings.Join([]string{
		"2024-01-01 INFO ok",
		"  nothing",
		"2024-01-02 ERROR failed",
		"  at foo()",
		"2024-01-03 INFO fine",
		"2024-01-04 ERROR tail without newline",
	}, "\n")

	var out bytes.Buffer
	e := New(&out, Options{Keyword: "ERROR", Marker: NoMarker})
	require.NoError(t, Run(context.Background(), strings.NewReader(input), e))

	assert.Equal(t, "2024-01-02 ERROR failed\n  at foo()\n2024-01-04 ERROR tail without newline", out.String())
}

func TestRun_PassThroughIsExact(t *testing.T) {
	defer goleak.VerifyNone(t)

	input := "2024-01-01 a\r\n  b\n\n c\nno newline"
	var out bytes.Buffer
	require.NoError(t, Run(context.Background(), strings.NewReader(input), New(&out, Options{})))
	assert.Equal(t, input, out.String())
}

func TestRun_CancelFlushesPendingMatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	pr, pw := io.Pipe()
	defer pw.Close()

	var out bytes.Buffer
	e := New(&out, Options{Keyword: "ERROR", Marker: NoMarker})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, pr, e) }()

	_, err := pw.Write([]byte("2024-01-01 INFO ok\n2024-01-02 ERROR pending\n"))
	require.NoError(t, err)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, "2024-01-02 ERROR pending\n", out.String())
}

func TestRun_SinkErrorStopsBlockedReader(t *testing.T) {
	defer goleak.VerifyNone(t)

	pr, pw := io.Pipe()
	defer pw.Close()

	e := New(failingWriter{}, Options{})

	done := make(chan error, 1)
	go func() { done <- Run(context.Background(), pr, e) }()

	_, err := pw.Write([]byte("first line\n"))
	require.NoError(t, err)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sink closed")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after sink error")
	}
}

// gatedWriter blocks every Write until gate is closed.
type gatedWriter struct {
	gate chan struct{}
	mu   sync.Mutex
	buf  bytes.Buffer
}

func (w *gatedWriter) Write(p []byte) (int, error) {
	<-w.gate
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *gatedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestRun_CancelWithFullQueueKeepsReadLines(t *testing.T) {
	defer goleak.VerifyNone(t)

	pr, pw := io.Pipe()
	defer pw.Close()

	var sb strings.Builder
	for i := 0; i < 4*lineQueueSize; i++ {
		sb.WriteString("2024-01-01 line\n")
	}
	input := sb.String()

	w := &gatedWriter{gate: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, pr, New(w, Options{})) }()

	// The write returns once the whole chunk sits in the reader's buffer.
	_, err := pw.Write([]byte(input))
	require.NoError(t, err)
	// Let the queue fill up behind the blocked writer.
	time.Sleep(50 * time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)
	close(w.gate)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, input, w.String())
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestRun_ReadErrorIsWrapped(t *testing.T) {
	defer goleak.VerifyNone(t)

	err := Run(context.Background(), brokenReader{}, New(&bytes.Buffer{}, Options{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read log stream")
}
