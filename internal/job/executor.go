package job

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"
)

const (
	maxLineLength = 1024 * 1024
	// waitDelay bounds how long Wait keeps the output pipes open after a kill.
	waitDelay = 2 * time.Second
)

// Executor abstracts process execution for testability.
type Executor interface {
	Execute(ctx context.Context, cmd Command, output func(stream Stream, text string)) (int, error)
}

// ExecExecutor runs commands via os/exec and streams their output line by line.
// Cancelling ctx kills the process together with everything it spawned.
type ExecExecutor struct{}

func (e *ExecExecutor) Execute(ctx context.Context, c Command, output func(stream Stream, text string)) (int, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	var mu sync.Mutex
	emit := func(stream Stream, text string) {
		mu.Lock()
		defer mu.Unlock()
		output(stream, text)
	}
	stdout := &lineWriter{stream: StreamStdout, output: emit}
	stderr := &lineWriter{stream: StreamStderr, output: emit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return -1, err
	}

	err := cmd.Wait()
	stdout.Flush()
	stderr.Flush()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), err
		}
		return -1, err
	}
	return 0, nil
}

// lineWriter splits process output into lines.
type lineWriter struct {
	stream Stream
	output func(stream Stream, text string)

	mu  sync.Mutex
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.output(w.stream, string(bytes.TrimRight(w.buf[:i], "\r")))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLineLength {
		w.output(w.stream, string(w.buf))
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits a trailing line without newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.output(w.stream, string(bytes.TrimRight(w.buf, "\r")))
		w.buf = nil
	}
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, cmd Command, output func(stream Stream, text string)) (int, error)

func (f ExecutorFunc) Execute(ctx context.Context, cmd Command, output func(stream Stream, text string)) (int, error) {
	return f(ctx, cmd, output)
}
