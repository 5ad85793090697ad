package harness

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"

	"scriptloop/internal/guard"
)

// drainGrace bounds how long a timed-out evaluation is waited for after
// cancellation.
const drainGrace = 200 * time.Millisecond

// syncBuffer is a bytes.Buffer safe for the interpreter goroutine to write
// while the harness reads after a timeout.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type execution struct {
	stdout   string
	stderr   string
	err      error
	timedOut bool
}

// execute evaluates code in a brand-new interpreter seeded only with
// exports. The evaluation runs on its own goroutine and is abandoned when
// the budget expires.
func execute(ctx context.Context, code string, exports guard.Exports, budget time.Duration) execution {
	var stdout, stderr syncBuffer
	i := interp.New(interp.Options{Stdout: &stdout, Stderr: &stderr})
	if err := i.Use(interp.Exports(exports)); err != nil {
		return execution{err: fmt.Errorf("load symbols: %w", err)}
	}

	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- interp.Panic{Value: r}
			}
		}()
		_, err := i.EvalWithContext(runCtx, code)
		done <- err
	}()

	var ex execution
	select {
	case ex.err = <-done:
		if ex.err != nil && runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			ex.timedOut = true
		}
	case <-runCtx.Done():
		if ctx.Err() == nil {
			ex.timedOut = true
		}
		ex.err = runCtx.Err()
		select {
		case <-done:
		case <-time.After(drainGrace):
		}
	}
	ex.stdout = stdout.String()
	ex.stderr = stderr.String()
	return ex
}
