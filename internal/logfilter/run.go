package logfilter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
)

const (
	// lineQueueSize is how many read lines may wait for the engine.
	lineQueueSize = 256

	readBufferSize = 64 * 1024
)

// Run feeds every line of r through e in arrival order until r is exhausted
// or ctx is cancelled, then closes e so a pending match is written.
//
// When r is an io.Closer it is closed on cancellation, which is what unblocks
// a read waiting on a follow-mode stream. Everything read before that point,
// including what is still buffered, is fed to the engine. Run returns nil for
// a clean end of stream and for cancellation.
func Run(ctx context.Context, r io.Reader, e *Engine) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}

	var g errgroup.Group

	lines := make(chan string, lineQueueSize)
	// fed closes when the engine stops taking lines, which only happens
	// early on a write error.
	fed := make(chan struct{})

	g.Go(func() error {
		defer close(lines)
		br := bufio.NewReaderSize(r, readBufferSize)
		for {
			line, err := br.ReadString('\n')
			if line != "" {
				select {
				case lines <- line:
				case <-fed:
					return nil
				}
			}
			if err == nil {
				continue
			}
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read log stream: %w", err)
		}
	})

	g.Go(func() error {
		defer close(fed)
		for line := range lines {
			if err := e.Feed(line); err != nil {
				cancel()
				return err
			}
		}
		return nil
	})

	err := g.Wait()
	if cerr := e.Close(); err == nil {
		err = cerr
	}
	return err
}
