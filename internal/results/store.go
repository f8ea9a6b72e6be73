package results

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/0xPuncker/mozart-engraver/internal/job"
	"github.com/0xPuncker/mozart-engraver/pkg/types"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

const (
	resultCacheKey = "result:%s:%s"
	resultPrefix   = "result:"
)

// Record is the state of one (example, type) cell of a batch.
type Record struct {
	Example  string            `json:"example"`
	Type     types.OutputType  `json:"type"`
	State    types.ResultState `json:"state"`
	Runner   int               `json:"runner"`
	JobID    string            `json:"job_id,omitempty"`
	Command  string            `json:"command,omitempty"`
	ExitCode int               `json:"exit_code"`
	Started  time.Time         `json:"started,omitempty"`
	Ended    time.Time         `json:"ended,omitempty"`
	Elapsed  string            `json:"elapsed,omitempty"`
	Log      []job.LogLine     `json:"log,omitempty"`
	Updated  time.Time         `json:"updated"`
}

// Store keeps the records of recent batches in memory. Entries expire after
// the retention period and nothing survives a restart.
type Store struct {
	cache     *cache.Cache
	retention time.Duration
	logger    *logrus.Logger

	mu    sync.Mutex
	order map[types.OutputType]int
}

func New(retention time.Duration, logger *logrus.Logger) *Store {
	if retention <= 0 {
		retention = cache.NoExpiration
	}
	cleanup := retention
	if cleanup == cache.NoExpiration || cleanup > 10*time.Minute {
		cleanup = 10 * time.Minute
	}
	return &Store{
		cache:     cache.New(retention, cleanup),
		retention: retention,
		logger:    logger,
		order:     make(map[types.OutputType]int),
	}
}

// SetTypeOrder fixes the column order used by List.
func (s *Store) SetTypeOrder(ts []types.OutputType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = make(map[types.OutputType]int, len(ts))
	for i, t := range ts {
		s.order[t] = i
	}
}

func (s *Store) Put(r Record) {
	r.Updated = time.Now()
	s.cache.Set(fmt.Sprintf(resultCacheKey, r.Example, r.Type), r, cache.DefaultExpiration)
	s.logger.WithFields(logrus.Fields{
		"example": r.Example,
		"type":    r.Type,
		"state":   r.State,
	}).Debug("Result updated")
}

// PutJob records the current state of a job.
func (s *Store) PutJob(example string, t types.OutputType, state types.ResultState, runner int, j *job.Job) {
	r := Record{
		Example:  example,
		Type:     t,
		State:    state,
		Runner:   runner,
		ExitCode: -1,
	}
	if j != nil {
		r.JobID = j.ID
		r.Command = j.Command.String()
		r.ExitCode = j.ExitCode()
		r.Started = j.StartedAt()
		r.Ended = j.EndedAt()
		if !r.Started.IsZero() {
			r.Elapsed = j.Elapsed().Round(time.Millisecond).String()
		}
		r.Log = j.History()
	}
	s.Put(r)
}

func (s *Store) Get(example string, t types.OutputType) (Record, bool) {
	v, found := s.cache.Get(fmt.Sprintf(resultCacheKey, example, t))
	if !found {
		return Record{}, false
	}
	return v.(Record), true
}

// List returns all records sorted by example, then by type order.
func (s *Store) List() []Record {
	s.mu.Lock()
	order := s.order
	s.mu.Unlock()

	var out []Record
	for k, item := range s.cache.Items() {
		if !strings.HasPrefix(k, resultPrefix) {
			continue
		}
		out = append(out, item.Object.(Record))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Example != out[j].Example {
			return out[i].Example < out[j].Example
		}
		oi, iok := order[out[i].Type]
		oj, jok := order[out[j].Type]
		if iok && jok && oi != oj {
			return oi < oj
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// Reset drops every record, e.g. when a new batch starts.
func (s *Store) Reset() {
	s.cache.Flush()
}
