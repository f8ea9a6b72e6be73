package handler

import (
	"github.com/0xPuncker/mozart-engraver/internal/config"
	"github.com/0xPuncker/mozart-engraver/internal/job"
	"github.com/0xPuncker/mozart-engraver/internal/queue"
	"github.com/0xPuncker/mozart-engraver/pkg/types"
	"github.com/sirupsen/logrus"
)

// Handler ties one job to one (example, output type) pair.
type Handler interface {
	Example() string
	Type() types.OutputType
	Job() *job.Job
	// OutputFile is the canonical path of the file the job produces.
	OutputFile() string
	// Enqueue submits the job together with the handler's hooks.
	Enqueue(q *queue.Queue) error
}

// Notifier receives progress from handlers. It is called on the runner
// goroutine and must not block.
type Notifier interface {
	HandlerStarted(h Handler, runner int)
	HandlerDone(h Handler, runner int)
}

type Options struct {
	Settings *config.Settings
	Executor job.Executor
	Notifier Notifier
	Logger   *logrus.Logger
}

type base struct {
	example  string
	typ      types.OutputType
	job      *job.Job
	output   string
	notifier Notifier
	logger   *logrus.Logger
}

func newBase(opts Options, example string, typ types.OutputType, output string) base {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return base{
		example:  example,
		typ:      typ,
		output:   output,
		notifier: opts.Notifier,
		logger:   logger,
	}
}

func (b *base) Example() string        { return b.example }
func (b *base) Type() types.OutputType { return b.typ }
func (b *base) Job() *job.Job          { return b.job }
func (b *base) OutputFile() string     { return b.output }

// hooks adapts a handler to queue.Hooks. Cleanup always runs before the
// notifier sees the completion.
type hooks struct {
	handler Handler
	cleanup func()
	notify  Notifier
}

func (h hooks) OnJobStarted(_ *job.Job, runner int) {
	if h.notify != nil {
		h.notify.HandlerStarted(h.handler, runner)
	}
}

func (h hooks) OnJobDone(_ *job.Job, runner int) {
	if h.cleanup != nil {
		h.cleanup()
	}
	if h.notify != nil {
		h.notify.HandlerDone(h.handler, runner)
	}
}

func enqueue(q *queue.Queue, h Handler, cleanup func(), notify Notifier) error {
	return q.AddJob(h.Job(), hooks{handler: h, cleanup: cleanup, notify: notify})
}
