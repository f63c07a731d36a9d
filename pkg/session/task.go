package session

import (
	"context"
	"fmt"
)

// Task is the future of a run started with Session.Start.
type Task struct {
	done    chan struct{}
	outcome *Outcome
	err     error
}

func newTask() *Task {
	return &Task{done: make(chan struct{})}
}

func (t *Task) complete(outcome *Outcome, err error) {
	t.outcome = outcome
	t.err = err
	close(t.done)
}

// Done is closed when the run has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the run finishes or ctx ends. Giving up on the wait does
// not stop the run.
func (t *Task) Wait(ctx context.Context) (*Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, t.err
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for analysis: %w", ctx.Err())
	}
}
