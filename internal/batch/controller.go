package batch

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xPuncker/mozart-engraver/internal/catalogue"
	"github.com/0xPuncker/mozart-engraver/internal/config"
	"github.com/0xPuncker/mozart-engraver/internal/format"
	"github.com/0xPuncker/mozart-engraver/internal/handler"
	"github.com/0xPuncker/mozart-engraver/internal/job"
	"github.com/0xPuncker/mozart-engraver/internal/overview"
	"github.com/0xPuncker/mozart-engraver/internal/poller"
	"github.com/0xPuncker/mozart-engraver/internal/queue"
	"github.com/0xPuncker/mozart-engraver/internal/results"
	"github.com/0xPuncker/mozart-engraver/internal/uptodate"
	"github.com/0xPuncker/mozart-engraver/pkg/types"
	"github.com/0xPuncker/mozart-engraver/pkg/utils"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyStarted = errors.New("batch already started")
	ErrBatchDone      = errors.New("batch is not running")
	ErrNoExamples     = errors.New("no examples requested")
)

// OverviewType marks the overview compilation in progress reports.
const OverviewType types.OutputType = "OVERVIEW"

type Options struct {
	Examples []string           `json:"examples"`
	Overview types.OverviewMode `json:"overview"`
	// Visible lists the examples shown in a filtered overview. When nil,
	// Examples is used.
	Visible     []string `json:"visible,omitempty"`
	FilterNotes []string `json:"filter_notes,omitempty"`
}

// Checker decides whether an output can be skipped.
type Checker interface {
	UpToDate(example string, t types.OutputType) (bool, error)
}

type Deps struct {
	Executor     job.Executor
	Checker      Checker
	Results      *results.Store
	Catalogue    func() (*catalogue.Catalogue, error)
	Opener       Opener
	TickInterval time.Duration
}

// Controller drives one batch: engrave every stale example, convert the
// successful ones and optionally assemble the overview. All batch state is
// owned by a single loop goroutine; queue and handler notifications reach it
// through the mailbox.
type Controller struct {
	id       string
	settings *config.Settings
	deps     Deps
	logger   *logrus.Logger

	queue   *queue.Queue
	ticker  *poller.Poller
	mailbox *mailbox
	done    chan struct{}

	startOnce sync.Once
	looping   atomic.Bool

	// loop state
	opts      Options
	types     []types.OutputType
	phase     Phase
	status    string
	examples  []string
	handlers  []handler.Handler
	engraved  []*handler.EngraveHandler
	activity  []Activity
	idleSub   queue.SubscriptionID
	aborting  bool
	scheduled int
	skipped   int
	completed int
	failed    int
	aborted   int
	started   time.Time
	ended     time.Time
	summary   string
	document  string
	assembly  *handler.CommandHandler

	mu        sync.RWMutex
	snapshot  Progress
	observers []Observer
}

func NewController(settings *config.Settings, deps Deps, logger *logrus.Logger) *Controller {
	if deps.Checker == nil {
		deps.Checker = uptodate.New(settings)
	}
	if deps.Opener == nil {
		deps.Opener = BrowserOpener{}
	}
	if deps.Catalogue == nil {
		deps.Catalogue = func() (*catalogue.Catalogue, error) {
			return catalogue.Load(settings.CatalogueFile, settings.ProjectRoot)
		}
	}
	if deps.TickInterval <= 0 {
		deps.TickInterval = time.Second
	}

	c := &Controller{
		id:       uuid.NewString(),
		settings: settings,
		deps:     deps,
		logger:   logger,
		mailbox:  newMailbox(),
		done:     make(chan struct{}),
		phase:    PhaseSetup,
		types:    settings.Formats.Types(),
	}
	c.activity = make([]Activity, settings.Runners)
	for i := range c.activity {
		c.activity[i].Runner = i
	}
	c.ticker = poller.New("batch-progress", func() { c.mailbox.post(tickMsg{}) }, logger, deps.TickInterval)
	c.snapshot = c.progress()
	return c
}

func (c *Controller) ID() string {
	return c.id
}

// Observe registers an observer. Observers run on the controller loop and
// must not block.
func (c *Controller) Observe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Run creates the jobs and starts the queue. It returns once the batch is
// under way; use Wait or Done to learn about completion.
func (c *Controller) Run(opts Options) error {
	err := ErrAlreadyStarted
	c.startOnce.Do(func() {
		err = c.run(opts)
	})
	return err
}

func (c *Controller) run(opts Options) error {
	c.examples = lo.Uniq(opts.Examples)
	if len(c.examples) == 0 {
		return ErrNoExamples
	}
	if opts.Overview == types.OverviewVisible && opts.Visible == nil {
		opts.Visible = c.examples
	}
	c.opts = opts
	c.started = time.Now()

	c.queue = queue.New(queue.Options{
		Runners: c.settings.Runners,
		Mode:    queue.ModeContinuous,
		Logger:  c.logger,
	})
	c.queue.Subscribe(queue.EventFinished, func(queue.Event) {
		c.mailbox.post(finishedMsg{})
	})
	c.watchIdle(PhaseEngrave)

	c.createJobs()

	if len(c.handlers) == 0 {
		c.logger.WithFields(logrus.Fields{
			"batch_id": c.id,
			"skipped":  c.skipped,
		}).Info("All examples are up to date")
		c.status = StatusUpToDate
		c.queue.Unsubscribe(c.idleSub)
		c.finish()
		return nil
	}

	c.phase = PhaseEngrave
	c.status = StatusRunning
	c.logger.WithFields(logrus.Fields{
		"batch_id":  c.id,
		"examples":  len(c.examples),
		"scheduled": c.scheduled,
		"skipped":   c.skipped,
		"runners":   c.settings.Runners,
	}).Info("Batch started")

	c.publish()
	c.looping.Store(true)
	go c.loop()
	c.ticker.Start()
	if err := c.queue.Start(); err != nil {
		return fmt.Errorf("failed to start queue: %w", err)
	}
	return nil
}

// createJobs checks every example against its primary output and enqueues
// an engrave job for the stale ones. Counters move by the number of output
// types, since one engraving feeds all of them.
func (c *Controller) createJobs() {
	primary := c.settings.Formats.Primary()
	opts := c.handlerOptions()

	for _, ex := range c.examples {
		upToDate, err := c.deps.Checker.UpToDate(ex, primary.Type)
		if err != nil {
			c.logger.WithField("example", ex).Warnf("Up-to-date check failed, rebuilding: %v", err)
		}

		if upToDate {
			c.skipped += len(c.types)
			for _, t := range c.types {
				c.record(ex, t, types.ResultSkipped, -1, nil)
			}
			continue
		}

		c.scheduled += len(c.types)
		h := handler.NewEngrave(opts, ex)
		c.handlers = append(c.handlers, h)
		for _, t := range c.types {
			c.record(ex, t, types.ResultPending, -1, nil)
		}
		if err := h.Enqueue(c.queue); err != nil {
			c.logger.WithField("example", ex).Errorf("Failed to enqueue engrave job: %v", err)
		}
	}
}

func (c *Controller) handlerOptions() handler.Options {
	return handler.Options{
		Settings: c.settings,
		Executor: c.deps.Executor,
		Notifier: c,
		Logger:   c.logger,
	}
}

// HandlerStarted implements handler.Notifier.
func (c *Controller) HandlerStarted(h handler.Handler, runner int) {
	c.mailbox.post(handlerStarted{h: h, runner: runner})
}

// HandlerDone implements handler.Notifier.
func (c *Controller) HandlerDone(h handler.Handler, runner int) {
	c.mailbox.post(handlerDone{h: h, runner: runner})
}

// watchIdle replaces the idle subscription. Idle messages carry the phase
// they were subscribed for, so a stale one is recognised and dropped.
func (c *Controller) watchIdle(p Phase) {
	if c.idleSub != 0 {
		c.queue.Unsubscribe(c.idleSub)
	}
	c.idleSub = c.queue.Subscribe(queue.EventIdle, func(queue.Event) {
		c.mailbox.post(idleMsg{phase: p})
	})
}

func (c *Controller) loop() {
	for c.phase != PhaseDone {
		switch msg := c.mailbox.next().(type) {
		case handlerStarted:
			c.onStarted(msg.h, msg.runner)
		case handlerDone:
			c.onDone(msg.h, msg.runner)
		case idleMsg:
			c.onIdle(msg.phase)
		case finishedMsg:
			if c.aborting {
				c.finish()
				continue
			}
		case commandMsg:
			err := c.onCommand(msg.kind)
			if c.phase != PhaseDone {
				c.publish()
			}
			msg.reply <- err
			continue
		case tickMsg:
		}
		if c.phase != PhaseDone {
			c.publish()
		}
	}
}

func (c *Controller) onStarted(h handler.Handler, runner int) {
	if runner >= 0 && runner < len(c.activity) {
		c.activity[runner] = Activity{Runner: runner, Example: h.Example(), Type: h.Type()}
	}
	if h.Type() != OverviewType {
		c.record(h.Example(), h.Type(), types.ResultRunning, runner, h.Job())
	}
}

func (c *Controller) onDone(h handler.Handler, runner int) {
	if runner >= 0 && runner < len(c.activity) {
		c.activity[runner] = Activity{Runner: runner}
	}

	j := h.Job()
	fields := logrus.Fields{
		"batch_id": c.id,
		"example":  h.Example(),
		"type":     h.Type(),
		"runner":   runner,
		"duration": j.Elapsed().Round(time.Millisecond).String(),
	}

	var state types.ResultState
	switch j.State() {
	case job.StateAborted:
		c.aborted++
		state = types.ResultAborted
		c.logger.WithFields(fields).Info("Job aborted")
	case job.StateSucceeded:
		c.completed++
		state = types.ResultSucceeded
		if e, ok := h.(*handler.EngraveHandler); ok && !c.aborting {
			c.engraved = append(c.engraved, e)
		}
		c.logger.WithFields(fields).Debug("Job succeeded")
	default:
		c.completed++
		c.failed++
		state = types.ResultFailed
		fields["exit_code"] = j.ExitCode()
		c.logger.WithFields(fields).Warnf("Job failed: %v", j.Err())
	}

	if h.Type() != OverviewType {
		c.record(h.Example(), h.Type(), state, runner, j)
	}
}

func (c *Controller) onIdle(p Phase) {
	if c.aborting || p != c.phase {
		return
	}
	switch c.phase {
	case PhaseEngrave:
		c.enqueueConversions()
	case PhaseConvert:
		c.complete()
	case PhaseOverview:
		c.overviewDone()
	}
}

// enqueueConversions runs once all engrave jobs are done. The queue is held
// while the conversion jobs are added, unless the user already paused it.
func (c *Controller) enqueueConversions() {
	derived := c.settings.Formats.Derived()
	sources := lo.Filter(c.engraved, func(h *handler.EngraveHandler, _ int) bool {
		_, err := os.Stat(h.OutputFile())
		return err == nil
	})
	c.markNotBuilt(sources, derived)
	if len(derived) == 0 || len(sources) == 0 {
		c.complete()
		return
	}

	c.watchIdle(PhaseConvert)
	c.phase = PhaseConvert

	held := false
	switch c.queue.Status() {
	case queue.StatusRunning, queue.StatusIdle:
		if err := c.queue.Pause(); err == nil {
			held = true
		}
	}

	opts := c.handlerOptions()
	n := 0
	for _, src := range sources {
		for _, f := range derived {
			h, err := handler.NewConversion(opts, src.Example(), src.OutputFile(), f)
			if err != nil {
				c.logger.WithFields(logrus.Fields{
					"example": src.Example(),
					"type":    f.Type,
				}).Errorf("Failed to create conversion: %v", err)
				c.record(src.Example(), f.Type, types.ResultFailed, -1, nil)
				continue
			}
			c.handlers = append(c.handlers, h)
			if err := h.Enqueue(c.queue); err != nil {
				c.logger.WithField("example", src.Example()).Errorf("Failed to enqueue conversion: %v", err)
				c.record(src.Example(), f.Type, types.ResultFailed, -1, h.Job())
				continue
			}
			n++
		}
	}

	c.logger.WithFields(logrus.Fields{
		"batch_id":    c.id,
		"conversions": n,
	}).Info("Engraving done, converting")

	if held {
		if err := c.queue.Resume(); err != nil {
			c.logger.Errorf("Failed to resume queue: %v", err)
		}
	}
	if n == 0 {
		c.complete()
	}
}

// markNotBuilt settles the derived records of every engraving that left no
// output to convert.
func (c *Controller) markNotBuilt(sources []*handler.EngraveHandler, derived []format.Format) {
	built := lo.Map(sources, func(h *handler.EngraveHandler, _ int) string { return h.Example() })
	for _, h := range c.handlers {
		if _, ok := h.(*handler.EngraveHandler); !ok || lo.Contains(built, h.Example()) {
			continue
		}
		for _, f := range derived {
			c.record(h.Example(), f.Type, types.ResultNotBuilt, -1, nil)
		}
	}
}

// complete reports the result and, if requested, starts the overview.
func (c *Controller) complete() {
	c.ticker.Stop()
	c.ended = time.Now()
	if c.failed > 0 {
		c.status = StatusFailures
	} else {
		c.status = StatusSucceeded
	}
	c.summary = c.summaryLine()
	c.logger.WithField("batch_id", c.id).Info(c.summary)

	if c.opts.Overview == types.OverviewNone {
		c.finish()
		return
	}
	if err := c.startOverview(); err != nil {
		c.logger.WithField("batch_id", c.id).Errorf("Failed to create overview: %v", err)
		c.finish()
	}
}

func (c *Controller) startOverview() error {
	cat, err := c.deps.Catalogue()
	if err != nil {
		return err
	}

	opts := overview.Options{Name: c.settings.OverviewName}
	if c.opts.Overview == types.OverviewVisible {
		opts.Visible = c.opts.Visible
		opts.Notes = c.opts.FilterNotes
	}
	tex, err := overview.Write(cat, c.settings.ExportDir, opts)
	if err != nil {
		return err
	}

	c.watchIdle(PhaseOverview)
	c.phase = PhaseOverview
	c.document = overview.PDFPath(tex)

	c.assembly = handler.NewCommand(c.handlerOptions(), c.settings.OverviewName, OverviewType,
		overview.Command(c.settings.OverviewTool, tex), c.document)
	if err := c.assembly.Enqueue(c.queue); err != nil {
		return err
	}

	c.logger.WithField("file", tex).Info("Compiling overview")
	return nil
}

func (c *Controller) overviewDone() {
	if c.assembly != nil && c.assembly.Job().Success() {
		if err := c.deps.Opener.Open(c.document); err != nil {
			c.logger.WithField("file", c.document).Warnf("Failed to open overview: %v", err)
		}
	} else {
		c.logger.WithField("file", c.document).Warn("Overview compilation failed")
		c.document = ""
	}
	c.finish()
}

func (c *Controller) onCommand(kind commandKind) error {
	switch kind {
	case cmdPause:
		if err := c.queue.Pause(); err != nil {
			return err
		}
		c.ticker.Pause()
		c.status = StatusPaused
		c.logger.WithField("batch_id", c.id).Info("Batch paused")
	case cmdResume:
		if err := c.queue.Resume(); err != nil {
			return err
		}
		c.ticker.Resume()
		c.status = StatusRunning
		c.logger.WithField("batch_id", c.id).Info("Batch resumed")
	case cmdAbort:
		if c.aborting {
			return fmt.Errorf("%w: abort already requested", ErrBatchDone)
		}
		c.aborting = true
		c.status = StatusAborted
		c.ticker.Stop()
		if err := c.queue.Abort(true); err != nil {
			return err
		}
		c.logger.WithField("batch_id", c.id).Warn("Batch aborted by user")
	}
	return nil
}

// finish ends the loop. Every cell that never reached a terminal state is
// settled.
func (c *Controller) finish() {
	c.ticker.Stop()
	if c.ended.IsZero() {
		c.ended = time.Now()
	}
	for _, ex := range c.examples {
		for _, t := range c.types {
			c.settleRecord(ex, t)
		}
	}
	if c.aborting {
		c.summary = c.summaryLine()
	} else if c.queue != nil {
		c.queue.Unsubscribe(c.idleSub)
		c.queue.Close()
	}
	if c.summary == "" {
		c.summary = c.summaryLine()
	}
	for i := range c.activity {
		c.activity[i] = Activity{Runner: i}
	}
	c.phase = PhaseDone

	c.logger.WithFields(logrus.Fields{
		"batch_id":  c.id,
		"status":    c.status,
		"completed": c.completed,
		"failed":    c.failed,
		"aborted":   c.aborted,
		"skipped":   c.skipped,
	}).Info("Batch finished")

	c.publish()
	close(c.done)
}

func (c *Controller) summaryLine() string {
	return fmt.Sprintf("%d jobs done in %s, %d up-to-date jobs skipped",
		c.completed, utils.FormatElapsed(c.elapsed()), c.skipped)
}

func (c *Controller) elapsed() time.Duration {
	if c.started.IsZero() {
		return 0
	}
	if !c.ended.IsZero() {
		return c.ended.Sub(c.started)
	}
	return time.Since(c.started)
}

func (c *Controller) record(example string, t types.OutputType, state types.ResultState, runner int, j *job.Job) {
	if c.deps.Results != nil {
		c.deps.Results.PutJob(example, t, state, runner, j)
	}
}

// settleRecord gives a cell that never reached a terminal state its final
// one: aborted after an abort, not built otherwise.
func (c *Controller) settleRecord(example string, t types.OutputType) {
	if c.deps.Results == nil {
		return
	}
	r, ok := c.deps.Results.Get(example, t)
	if !ok || (r.State != types.ResultPending && r.State != types.ResultRunning) {
		return
	}
	if c.aborting {
		r.State = types.ResultAborted
	} else {
		r.State = types.ResultNotBuilt
	}
	c.deps.Results.Put(r)
}

func (c *Controller) progress() Progress {
	p := Progress{
		ID:        c.id,
		Phase:     c.phase,
		Status:    c.status,
		Scheduled: c.scheduled,
		Skipped:   c.skipped,
		Completed: c.completed,
		Failed:    c.failed,
		Aborted:   c.aborted,
		Runners:   append([]Activity(nil), c.activity...),
		Elapsed:   utils.FormatElapsed(c.elapsed()),
		Summary:   c.summary,
		Overview:  c.document,
		Done:      c.phase == PhaseDone,
	}
	switch {
	case p.Done && c.status == StatusUpToDate:
		p.Message = StatusUpToDate
	case p.Done || c.phase == PhaseOverview:
		p.Message = c.status + "\n" + c.summary
	case c.status == StatusPaused:
		p.Message = fmt.Sprintf("Paused: %s | %d (%d) jobs done, waiting for running jobs", p.Elapsed, c.completed, c.scheduled)
	default:
		p.Message = fmt.Sprintf("Processing: %s | %d (%d) jobs done", p.Elapsed, c.completed, c.scheduled)
	}
	return p
}

func (c *Controller) publish() {
	p := c.progress()

	c.mu.Lock()
	c.snapshot = p
	observers := append([]Observer(nil), c.observers...)
	c.mu.Unlock()

	for _, o := range observers {
		o(p)
	}
}

// Progress returns the latest published snapshot.
func (c *Controller) Progress() Progress {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.snapshot
	p.Runners = append([]Activity(nil), p.Runners...)
	return p
}

func (c *Controller) Pause() error {
	return c.command(cmdPause)
}

func (c *Controller) Resume() error {
	return c.command(cmdResume)
}

// Abort kills the running jobs and drops everything pending. The batch
// completes once the last runner is free.
func (c *Controller) Abort() error {
	return c.command(cmdAbort)
}

func (c *Controller) command(kind commandKind) error {
	select {
	case <-c.done:
		return ErrBatchDone
	default:
	}
	if !c.looping.Load() {
		return ErrBatchDone
	}

	reply := make(chan error, 1)
	c.mailbox.post(commandMsg{kind: kind, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-c.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrBatchDone
		}
	}
}

func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) Wait() Progress {
	<-c.done
	return c.Progress()
}

// Queue exposes the underlying queue for inspection.
func (c *Controller) Queue() *queue.Queue {
	return c.queue
}
