package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"golang.org/x/sync/errgroup"

	"scriptloop/internal/logging"
)

// ErrNoFinish marks a child whose stream ended without pipeline_finished.
var ErrNoFinish = errors.New("child exited without finishing")

// Summary is what the supervisor learned about one child.
type Summary struct {
	Mission    string
	PipelineID string
	Events     int
	Messages   int
	LastStage  string
	Finished   bool
	Success    bool
	Error      string
	Code       string
	Files      []string
}

// Supervisor runs missions in child processes.
type Supervisor struct {
	// Binary is the program to start, normally the running executable.
	Binary string
	// Args builds the arguments of the i-th child.
	Args func(i int, mission string) []string
	// MaxParallel bounds concurrent children. Zero means unbounded.
	MaxParallel int
	// Stderr receives the children's stderr. Nil discards it.
	Stderr io.Writer
	// OnEvent, when set, sees every event as it arrives. It may be called
	// from several goroutines.
	OnEvent func(mission string, ev Event)
}

// Run starts one child per mission and waits for all of them. A failing
// child is reported in its Summary; only cancellation fails the run.
func (s *Supervisor) Run(ctx context.Context, missions []string) ([]Summary, error) {
	out := make([]Summary, len(missions))
	g, gctx := errgroup.WithContext(ctx)
	if s.MaxParallel > 0 {
		g.SetLimit(s.MaxParallel)
	}
	for i, mission := range missions {
		g.Go(func() error {
			out[i] = s.runChild(gctx, i, mission)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, ctx.Err()
}

func (s *Supervisor) runChild(ctx context.Context, i int, mission string) Summary {
	sum := Summary{Mission: mission}
	if err := ctx.Err(); err != nil {
		sum.Error = err.Error()
		return sum
	}
	var args []string
	if s.Args != nil {
		args = s.Args(i, mission)
	}
	cmd := exec.CommandContext(ctx, s.Binary, args...)
	cmd.Stderr = s.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		sum.Error = err.Error()
		return sum
	}
	if err := cmd.Start(); err != nil {
		sum.Error = fmt.Sprintf("start child: %v", err)
		return sum
	}
	logging.Bridge("child %d started for %q", cmd.Process.Pid, mission)

	readErr := s.consume(stdout, &sum)
	if readErr != nil {
		// drain so the child is not blocked on a full pipe
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	switch {
	case readErr != nil:
		sum.Error = fmt.Sprintf("event stream: %v", readErr)
	case !sum.Finished:
		sum.Error = ErrNoFinish.Error()
		if waitErr != nil {
			sum.Error += ": " + waitErr.Error()
		}
	}
	logging.Bridge("child for %q done: finished=%v success=%v", mission, sum.Finished, sum.Success)
	return sum
}

// consume reads events until EOF, folding them into sum.
func (s *Supervisor) consume(r io.Reader, sum *Summary) error {
	rd := NewReader(r)
	for {
		ev, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		sum.Events++
		if sum.PipelineID == "" {
			sum.PipelineID = ev.PipelineID
		}
		if s.OnEvent != nil {
			s.OnEvent(sum.Mission, ev)
		}
		switch ev.Type {
		case TypeMessageAppended:
			sum.Messages++
		case TypeStageAdvanced:
			var p StagePayload
			if err := ev.Decode(&p); err != nil {
				return err
			}
			sum.LastStage = p.To
		case TypePipelineFinished:
			var p FinishedPayload
			if err := ev.Decode(&p); err != nil {
				return err
			}
			sum.Finished = true
			sum.Success = p.Success
			sum.Error = p.Error
			sum.Code = p.Code
			sum.Files = p.Files
		}
	}
}
