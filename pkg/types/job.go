package types

// ScheduledBatch represents a batch compilation triggered by the cron scheduler
type ScheduledBatch struct {
	Name        string       `json:"name"`
	Schedule    string       `json:"schedule"`
	TaskName    string       `json:"task"`
	Enabled     bool         `json:"enabled"`
	Description string       `json:"description"`
	Examples    []string     `json:"examples,omitempty"`
	Overview    OverviewMode `json:"overview,omitempty"`
}

// JobConfig represents the job scheduler configuration
type JobConfig struct {
	MaxConcurrent int              `json:"max_concurrent"`
	Predefined    []ScheduledBatch `json:"predefined"`
}
