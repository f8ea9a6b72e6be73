package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/0xPuncker/mozart-engraver/internal/job"
)

// Result is the outcome a GateExecutor reports for one command.
type Result struct {
	ExitCode int
	Err      error
}

// GateExecutor blocks every command until the test releases it, so tests
// control exactly when jobs finish.
type GateExecutor struct {
	// Outcome decides the result of a released command. Nil means success.
	Outcome func(cmd job.Command) Result
	// OnRelease runs right before a released command returns, e.g. to create
	// the files a real tool would write.
	OnRelease func(cmd job.Command)

	mu        sync.Mutex
	active    int
	maxActive int
	started   []job.Command

	startedCh chan job.Command
	release   chan struct{}
}

func NewGateExecutor() *GateExecutor {
	return &GateExecutor{
		startedCh: make(chan job.Command, 1024),
		release:   make(chan struct{}),
	}
}

func (g *GateExecutor) Execute(ctx context.Context, cmd job.Command, output func(job.Stream, string)) (int, error) {
	g.mu.Lock()
	g.active++
	if g.active > g.maxActive {
		g.maxActive = g.active
	}
	g.started = append(g.started, cmd)
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	}()

	g.startedCh <- cmd

	select {
	case <-g.release:
	case <-ctx.Done():
		return -1, ctx.Err()
	}

	if g.OnRelease != nil {
		g.OnRelease(cmd)
	}
	output(job.StreamStdout, "done: "+cmd.String())
	if g.Outcome == nil {
		return 0, nil
	}
	r := g.Outcome(cmd)
	return r.ExitCode, r.Err
}

// Release lets n waiting commands return.
func (g *GateExecutor) Release(t testing.TB, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case g.release <- struct{}{}:
		case <-time.After(2 * time.Second):
			t.Fatalf("no running command to release (%d of %d)", i, n)
		}
	}
}

// WaitStarted waits until n more commands have started and returns them.
func (g *GateExecutor) WaitStarted(t testing.TB, n int) []job.Command {
	t.Helper()
	cmds := make([]job.Command, 0, n)
	for i := 0; i < n; i++ {
		select {
		case cmd := <-g.startedCh:
			cmds = append(cmds, cmd)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for command %d of %d to start", i+1, n)
		}
	}
	return cmds
}

// AssertNoStart fails if a command starts within the given window.
func (g *GateExecutor) AssertNoStart(t testing.TB, window time.Duration) {
	t.Helper()
	select {
	case cmd := <-g.startedCh:
		t.Fatalf("unexpected command started: %s", cmd)
	case <-time.After(window):
	}
}

func (g *GateExecutor) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

func (g *GateExecutor) MaxActive() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxActive
}

func (g *GateExecutor) Started() []job.Command {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]job.Command, len(g.started))
	copy(out, g.started)
	return out
}
