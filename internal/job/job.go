package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrJobNotPending is returned when Run is called on a job that already ran.
var ErrJobNotPending = errors.New("job is not pending")

// State is the lifecycle position of a job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateAborted   State = "aborted"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateAborted
}

type Stream string

const (
	StreamStdout  Stream = "stdout"
	StreamStderr  Stream = "stderr"
	StreamMessage Stream = "message"
)

// LogLine is one line of captured process output.
type LogLine struct {
	Time   time.Time `json:"time"`
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
}

// Command is an external program invocation.
type Command struct {
	Name string   `json:"name"`
	Args []string `json:"args"`
	Dir  string   `json:"dir"`
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Job wraps a single external process run. A Job runs at most once.
type Job struct {
	ID      string
	Title   string
	Command Command

	executor Executor

	mu        sync.Mutex
	state     State
	exitCode  int
	err       error
	startedAt time.Time
	endedAt   time.Time
	log       []LogLine
	cancel    context.CancelFunc
	aborted   bool
}

func New(title string, cmd Command, executor Executor) *Job {
	if executor == nil {
		executor = &ExecExecutor{}
	}
	return &Job{
		ID:       uuid.NewString(),
		Title:    title,
		Command:  cmd,
		executor: executor,
		state:    StatePending,
		exitCode: -1,
	}
}

// Run executes the command and blocks until the process exits or is killed.
// The returned error is the process error; the job's terminal state is set
// in every case.
func (j *Job) Run(ctx context.Context) error {
	j.mu.Lock()
	if j.state == StateAborted {
		j.mu.Unlock()
		return context.Canceled
	}
	if j.state != StatePending {
		j.mu.Unlock()
		return ErrJobNotPending
	}
	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.state = StateRunning
	j.startedAt = time.Now()
	j.mu.Unlock()
	defer cancel()

	j.appendLine(StreamMessage, fmt.Sprintf("Starting %s", j.Command))

	exitCode, err := j.executor.Execute(runCtx, j.Command, func(stream Stream, text string) {
		j.appendLine(stream, text)
	})

	j.mu.Lock()
	defer j.mu.Unlock()
	j.endedAt = time.Now()
	j.exitCode = exitCode
	j.err = err
	switch {
	case j.aborted || (err != nil && ctx.Err() != nil):
		j.state = StateAborted
		j.log = append(j.log, LogLine{Time: j.endedAt, Stream: StreamMessage, Text: "Aborted"})
	case err != nil || exitCode != 0:
		if err == nil {
			err = fmt.Errorf("exit status %d", exitCode)
			j.err = err
		}
		j.state = StateFailed
		j.log = append(j.log, LogLine{Time: j.endedAt, Stream: StreamMessage,
			Text: fmt.Sprintf("Exited with error: %v (exit code %d)", err, exitCode)})
	default:
		j.state = StateSucceeded
		j.log = append(j.log, LogLine{Time: j.endedAt, Stream: StreamMessage,
			Text: fmt.Sprintf("Completed successfully in %s", j.endedAt.Sub(j.startedAt).Round(time.Millisecond))})
	}
	return err
}

// Abort kills the running process. A job that has not started yet will not
// start at all. Finished jobs are left untouched.
func (j *Job) Abort() {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.state {
	case StatePending:
		j.state = StateAborted
		j.log = append(j.log, LogLine{Time: time.Now(), Stream: StreamMessage, Text: "Aborted before start"})
	case StateRunning:
		j.aborted = true
		if j.cancel != nil {
			j.cancel()
		}
	}
}

func (j *Job) appendLine(stream Stream, text string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.log = append(j.log, LogLine{Time: time.Now(), Stream: stream, Text: text})
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) Success() bool {
	return j.State() == StateSucceeded
}

func (j *Job) ExitCode() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.exitCode
}

func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// History returns a copy of the captured output lines.
func (j *Job) History() []LogLine {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]LogLine, len(j.log))
	copy(out, j.log)
	return out
}

func (j *Job) StartedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startedAt
}

func (j *Job) EndedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.endedAt
}

// Elapsed is the run time so far, or the total run time once finished.
func (j *Job) Elapsed() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.startedAt.IsZero() {
		return 0
	}
	if j.endedAt.IsZero() {
		return time.Since(j.startedAt)
	}
	return j.endedAt.Sub(j.startedAt)
}
