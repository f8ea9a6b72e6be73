package cron

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/0xPuncker/mozart-engraver/pkg/types"
	"github.com/0xPuncker/mozart-engraver/pkg/utils"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Task is the work behind a scheduled entry.
type Task func(entry types.ScheduledBatch) error

type scheduledJob struct {
	id    cron.EntryID
	entry types.ScheduledBatch
}

type Scheduler struct {
	cron           *cron.Cron
	logger         *logrus.Logger
	jobs           map[string]scheduledJob
	mu             sync.RWMutex
	started        bool
	tasks          map[string]Task
	maxConcurrent  int
	activeJobs     int
	activeJobsLock sync.Mutex
}

func NewScheduler(logger *logrus.Logger, config types.JobConfig) *Scheduler {
	maxConcurrent := config.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		logger:        logger,
		maxConcurrent: maxConcurrent,
		jobs:          make(map[string]scheduledJob),
		tasks:         make(map[string]Task),
	}
}

func (s *Scheduler) RegisterTask(name string, task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[name] = task
}

func (s *Scheduler) LoadPredefinedJobs(jobs []types.ScheduledBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Clear existing jobs
	for name, job := range s.jobs {
		s.cron.Remove(job.id)
		delete(s.jobs, name)
	}

	for _, job := range jobs {
		if !job.Enabled {
			s.logger.Infof("Skipping disabled job: %s", job.Name)
			continue
		}

		task, exists := s.tasks[job.TaskName]
		if !exists {
			return fmt.Errorf("task %s not registered", job.TaskName)
		}

		id, err := s.cron.AddFunc(job.Schedule, s.wrap(job, task))
		if err != nil {
			return fmt.Errorf("failed to schedule job %s: %w", job.Name, err)
		}
		s.jobs[job.Name] = scheduledJob{id: id, entry: job}

		s.logger.WithFields(logrus.Fields{
			"job_name":    job.Name,
			"schedule":    job.Schedule,
			"task":        job.TaskName,
			"enabled":     job.Enabled,
			"description": job.Description,
		}).Info("Job scheduled successfully")
	}

	return nil
}

func (s *Scheduler) wrap(job types.ScheduledBatch, task Task) func() {
	return func() {
		s.activeJobsLock.Lock()
		if s.activeJobs >= s.maxConcurrent {
			s.activeJobsLock.Unlock()
			s.logger.Warnf("Max concurrent jobs reached, skipping job: %s", job.Name)
			return
		}
		s.activeJobs++
		active := s.activeJobs
		s.activeJobsLock.Unlock()

		defer func() {
			s.activeJobsLock.Lock()
			s.activeJobs--
			s.activeJobsLock.Unlock()
		}()

		s.logger.WithFields(logrus.Fields{
			"job_name":    job.Name,
			"schedule":    job.Schedule,
			"task":        job.TaskName,
			"active_jobs": active,
		}).Info("Starting job execution")

		start := time.Now()

		if err := task(job); err != nil {
			s.logger.WithFields(logrus.Fields{
				"job_name": job.Name,
				"error":    err.Error(),
				"duration": utils.FormatDuration(time.Since(start)),
			}).Error("Job execution failed")
			return
		}
		s.logger.WithFields(logrus.Fields{
			"job_name": job.Name,
			"duration": utils.FormatDuration(time.Since(start)),
		}).Info("Job execution completed successfully")
	}
}

func (s *Scheduler) GetJobStatus(name string) (bool, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[name]
	if !exists {
		return false, "", fmt.Errorf("job %s not found", name)
	}

	return job.entry.Enabled, job.entry.Description, nil
}

// ListJobs returns the scheduled entries sorted by name.
func (s *Scheduler) ListJobs() []types.ScheduledBatch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]types.ScheduledBatch, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.entry)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })

	return jobs
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	s.cron.Start()
	s.started = true
	s.logger.Info("Scheduler started...")

	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.started = false
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}
