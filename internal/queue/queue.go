package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/0xPuncker/mozart-engraver/internal/job"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidState = errors.New("invalid queue state")
	ErrQueueClosed  = errors.New("queue does not accept new jobs")
)

type Status string

const (
	StatusInactive Status = "inactive"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusIdle     Status = "idle"
	StatusAborted  Status = "aborted"
	StatusFinished Status = "finished"
)

// Mode controls what happens once the queue runs dry.
type Mode int

const (
	// ModeContinuous emits idle and waits for more jobs.
	ModeContinuous Mode = iota
	// ModeSingle finishes as soon as the last job is done.
	ModeSingle
)

// Hooks are called from the runner goroutine around one job's execution.
type Hooks interface {
	OnJobStarted(j *job.Job, runner int)
	OnJobDone(j *job.Job, runner int)
}

type Options struct {
	Runners int
	Mode    Mode
	Logger  *logrus.Logger
}

type entry struct {
	job   *job.Job
	hooks Hooks
}

// Queue distributes jobs over a fixed set of runners in FIFO order.
type Queue struct {
	logger *logrus.Logger

	mu        sync.Mutex
	status    Status
	mode      Mode
	closed    bool
	finished  bool
	pending   []entry
	runners   []*Runner
	startTime time.Time
	endTime   time.Time
	completed int

	subMu       sync.RWMutex
	subscribers map[EventType]map[SubscriptionID]Listener
	nextSubID   SubscriptionID

	wg sync.WaitGroup
}

func New(opts Options) *Queue {
	if opts.Runners <= 0 {
		opts.Runners = 1
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	q := &Queue{
		logger:      opts.Logger,
		status:      StatusInactive,
		mode:        opts.Mode,
		closed:      opts.Mode == ModeSingle,
		subscribers: make(map[EventType]map[SubscriptionID]Listener),
	}
	for i := 0; i < opts.Runners; i++ {
		q.runners = append(q.runners, &Runner{index: i})
	}
	return q
}

// AddJob appends a job to the pending list and dispatches it right away when
// the queue is running and a runner is free. hooks may be nil.
func (q *Queue) AddJob(j *job.Job, hooks Hooks) error {
	q.mu.Lock()
	if q.status == StatusAborted || q.status == StatusFinished {
		status := q.status
		q.mu.Unlock()
		return fmt.Errorf("%w: status %s", ErrQueueClosed, status)
	}
	q.pending = append(q.pending, entry{job: j, hooks: hooks})
	starts, events := q.dispatchLocked()
	q.mu.Unlock()

	q.logger.WithFields(logrus.Fields{
		"job_id": j.ID,
		"title":  j.Title,
	}).Debug("Job added to queue")

	q.launch(starts)
	q.emit(events)
	return nil
}

// Start begins processing. Only an inactive queue can be started.
func (q *Queue) Start() error {
	q.mu.Lock()
	if q.status != StatusInactive {
		status := q.status
		q.mu.Unlock()
		return fmt.Errorf("%w: can't start a %s queue", ErrInvalidState, status)
	}
	q.startTime = time.Now()
	q.status = StatusRunning
	starts, events := q.dispatchLocked()
	events = append(events, q.drainedLocked()...)
	q.mu.Unlock()

	q.logger.WithField("runners", len(q.runners)).Info("Job queue started")

	q.launch(starts)
	q.emit(events)
	return nil
}

// Pause stops dispatching new jobs. Running jobs are allowed to finish.
func (q *Queue) Pause() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.status != StatusRunning && q.status != StatusIdle {
		return fmt.Errorf("%w: can't pause a %s queue", ErrInvalidState, q.status)
	}
	q.status = StatusPaused
	q.logger.WithField("pending", len(q.pending)).Info("Job queue paused")
	return nil
}

// Resume restarts dispatching after Pause.
func (q *Queue) Resume() error {
	q.mu.Lock()
	if q.status != StatusPaused {
		status := q.status
		q.mu.Unlock()
		return fmt.Errorf("%w: can't resume a %s queue", ErrInvalidState, status)
	}
	q.status = StatusRunning
	starts, events := q.dispatchLocked()
	events = append(events, q.drainedLocked()...)
	q.mu.Unlock()

	q.logger.WithField("pending", q.Size()).Info("Job queue resumed")

	q.launch(starts)
	q.emit(events)
	return nil
}

// Abort discards all pending jobs. With force, running jobs are killed and end
// up in the aborted state; otherwise they are allowed to finish.
func (q *Queue) Abort(force bool) error {
	q.mu.Lock()
	switch q.status {
	case StatusRunning, StatusPaused, StatusIdle:
	default:
		status := q.status
		q.mu.Unlock()
		return fmt.Errorf("%w: can't abort a %s queue", ErrInvalidState, status)
	}

	q.status = StatusAborted
	q.closed = true
	discarded := q.pending
	q.pending = nil

	var running []*job.Job
	for _, r := range q.runners {
		if r.busy {
			running = append(running, r.job)
		}
	}

	events := []Event{{Type: EventAborted, Runner: -1, Status: StatusAborted}}
	if len(running) == 0 {
		events = append(events, q.finishLocked()...)
	}
	q.mu.Unlock()

	for _, e := range discarded {
		e.job.Abort()
	}
	if force {
		for _, j := range running {
			j.Abort()
		}
	}

	q.logger.WithFields(logrus.Fields{
		"force":     force,
		"discarded": len(discarded),
		"running":   len(running),
	}).Warn("Job queue aborted")

	q.emit(events)
	return nil
}

// Close marks the queue as complete: no further jobs will be added. The
// finished event fires once the remaining work has drained.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	var events []Event
	if q.status != StatusInactive && q.status != StatusAborted && len(q.pending) == 0 && q.busyLocked() == 0 {
		events = q.finishLocked()
	}
	q.mu.Unlock()
	q.emit(events)
}

// Wait blocks until all launched runner goroutines have returned.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// dispatchLocked hands pending jobs to idle runners. It only computes the
// assignments; the caller launches them after releasing the lock.
func (q *Queue) dispatchLocked() ([]assignment, []Event) {
	if q.status != StatusRunning && q.status != StatusIdle {
		return nil, nil
	}

	var starts []assignment
	var events []Event
	for _, r := range q.runners {
		if len(q.pending) == 0 {
			break
		}
		if r.busy {
			continue
		}
		e := q.pending[0]
		q.pending[0] = entry{}
		q.pending = q.pending[1:]
		r.assign(e.job)
		starts = append(starts, assignment{runner: r, entry: e})
		if len(q.pending) == 0 {
			events = append(events, Event{Type: EventEmptied, Runner: -1, Status: StatusRunning})
		}
	}
	if len(starts) > 0 {
		q.status = StatusRunning
	}
	return starts, events
}

// drainedLocked reports idle (or finished for a closed queue) once nothing
// is pending and no runner is busy.
func (q *Queue) drainedLocked() []Event {
	if len(q.pending) > 0 || q.busyLocked() > 0 {
		return nil
	}
	if q.closed {
		return q.finishLocked()
	}
	if q.status == StatusRunning {
		q.status = StatusIdle
	}
	return []Event{{Type: EventIdle, Runner: -1, Status: q.status}}
}

func (q *Queue) finishLocked() []Event {
	if q.finished {
		return nil
	}
	q.finished = true
	q.endTime = time.Now()
	if q.status != StatusAborted {
		q.status = StatusFinished
	}
	return []Event{{Type: EventFinished, Runner: -1, Status: q.status}}
}

func (q *Queue) launch(starts []assignment) {
	for _, a := range starts {
		q.wg.Add(1)
		go q.run(a)
	}
}

func (q *Queue) run(a assignment) {
	defer q.wg.Done()

	j := a.entry.job
	q.emit([]Event{{Type: EventJobStarted, Job: j, Runner: a.runner.index, Status: StatusRunning}})
	if a.entry.hooks != nil {
		a.entry.hooks.OnJobStarted(j, a.runner.index)
	}

	q.logger.WithFields(logrus.Fields{
		"job_id": j.ID,
		"title":  j.Title,
		"runner": a.runner.index,
	}).Debug("Job started")

	_ = j.Run(context.Background())

	q.logger.WithFields(logrus.Fields{
		"job_id":   j.ID,
		"title":    j.Title,
		"runner":   a.runner.index,
		"state":    j.State(),
		"duration": j.Elapsed().String(),
	}).Debug("Job done")

	// OnJobDone runs before the runner is released, so it always precedes
	// the idle event this completion may trigger.
	if a.entry.hooks != nil {
		a.entry.hooks.OnJobDone(j, a.runner.index)
	}
	q.jobCompleted(a.runner, j)
}

// jobCompleted frees the runner and lets the dispatch loop react.
func (q *Queue) jobCompleted(r *Runner, j *job.Job) {
	q.mu.Lock()
	r.release()
	q.completed++

	events := []Event{{Type: EventJobDone, Job: j, Runner: r.index, Status: q.status}}
	var starts []assignment
	switch q.status {
	case StatusAborted:
		if q.busyLocked() == 0 {
			events = append(events, q.finishLocked()...)
		}
	case StatusRunning, StatusIdle:
		var more []Event
		starts, more = q.dispatchLocked()
		events = append(events, more...)
		if len(starts) == 0 {
			events = append(events, q.drainedLocked()...)
		}
	case StatusPaused:
		events = append(events, q.drainedLocked()...)
	}
	q.mu.Unlock()

	q.launch(starts)
	q.emit(events)
}

func (q *Queue) busyLocked() int {
	n := 0
	for _, r := range q.runners {
		if r.busy {
			n++
		}
	}
	return n
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// Size returns the number of jobs not yet started.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Busy returns the number of runners currently executing a job.
func (q *Queue) Busy() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busyLocked()
}

// Completed returns the number of finished jobs for one runner, or for all
// runners when runner < 0.
func (q *Queue) Completed(runner int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if runner >= 0 && runner < len(q.runners) {
		return q.runners[runner].completed
	}
	return q.completed
}

func (q *Queue) Runners() int {
	return len(q.runners)
}

// RunnerJob returns the job currently held by a runner, if any.
func (q *Queue) RunnerJob(runner int) *job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if runner < 0 || runner >= len(q.runners) {
		return nil
	}
	return q.runners[runner].job
}

func (q *Queue) StartTime() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.startTime
}

func (q *Queue) Elapsed() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.startTime.IsZero() {
		return 0
	}
	if !q.endTime.IsZero() {
		return q.endTime.Sub(q.startTime)
	}
	return time.Since(q.startTime)
}
