package handler

import (
	"github.com/0xPuncker/mozart-engraver/internal/job"
	"github.com/0xPuncker/mozart-engraver/internal/queue"
	"github.com/0xPuncker/mozart-engraver/pkg/types"
)

// CommandHandler runs a prepared command that leaves nothing to clean up,
// such as the overview compilation.
type CommandHandler struct {
	base
}

func NewCommand(opts Options, name string, typ types.OutputType, cmd job.Command, output string) *CommandHandler {
	h := &CommandHandler{base: newBase(opts, name, typ, output)}
	h.job = job.New(name, cmd, opts.Executor)
	return h
}

func (h *CommandHandler) Enqueue(q *queue.Queue) error {
	return enqueue(q, h, nil, h.notifier)
}
