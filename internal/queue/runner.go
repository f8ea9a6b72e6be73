package queue

import "github.com/0xPuncker/mozart-engraver/internal/job"

// Runner is one execution slot. Its fields are guarded by the queue mutex.
type Runner struct {
	index     int
	job       *job.Job
	busy      bool
	completed int
}

type assignment struct {
	runner *Runner
	entry  entry
}

func (r *Runner) assign(j *job.Job) {
	r.job = j
	r.busy = true
}

func (r *Runner) release() {
	r.job = nil
	r.busy = false
	r.completed++
}

func (r *Runner) Index() int {
	return r.index
}
