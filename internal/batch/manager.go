package batch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/0xPuncker/mozart-engraver/internal/catalogue"
	"github.com/0xPuncker/mozart-engraver/internal/config"
	"github.com/sirupsen/logrus"
)

var ErrBatchRunning = errors.New("a batch is already running")

// SettingsFunc resolves the settings for a new batch. It is called on every
// Start so edits to the library root file are picked up.
type SettingsFunc func() (*config.Settings, error)

// Manager runs one batch at a time and fans its progress out to observers.
type Manager struct {
	settings SettingsFunc
	deps     Deps
	logger   *logrus.Logger

	mu        sync.Mutex
	current   *Controller
	observers []Observer
}

func NewManager(settings SettingsFunc, deps Deps, logger *logrus.Logger) *Manager {
	return &Manager{
		settings: settings,
		deps:     deps,
		logger:   logger,
	}
}

// Observe registers an observer for every future batch.
func (m *Manager) Observe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Catalogue loads the example list of the configured project.
func (m *Manager) Catalogue() (*catalogue.Catalogue, error) {
	s, err := m.settings()
	if err != nil {
		return nil, err
	}
	return m.catalogue(s)
}

// Start launches a batch. Without examples, every example of the catalogue
// is compiled.
func (m *Manager) Start(opts Options) (*Controller, error) {
	m.mu.Lock()
	previous := m.current
	if previous != nil {
		select {
		case <-previous.Done():
		default:
			m.mu.Unlock()
			return nil, ErrBatchRunning
		}
	}

	settings, err := m.settings()
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to resolve settings: %w", err)
	}

	if len(opts.Examples) == 0 {
		cat, err := m.catalogue(settings)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		opts.Examples = cat.Names()
	}

	if m.deps.Results != nil {
		m.deps.Results.Reset()
		m.deps.Results.SetTypeOrder(settings.Formats.Types())
	}

	c := NewController(settings, m.deps, m.logger)
	for _, o := range m.observers {
		c.Observe(o)
	}
	m.current = c
	m.mu.Unlock()

	// Observers may call back into the manager while Run publishes.
	if err := c.Run(opts); err != nil {
		m.mu.Lock()
		if m.current == c {
			m.current = previous
		}
		m.mu.Unlock()
		return nil, err
	}
	return c, nil
}

func (m *Manager) catalogue(s *config.Settings) (*catalogue.Catalogue, error) {
	if m.deps.Catalogue != nil {
		return m.deps.Catalogue()
	}
	return catalogue.Load(s.CatalogueFile, s.ProjectRoot)
}

// Current returns the running or most recent batch, if any.
func (m *Manager) Current() *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) Running() bool {
	c := m.Current()
	if c == nil {
		return false
	}
	select {
	case <-c.Done():
		return false
	default:
		return true
	}
}

func (m *Manager) Pause() error {
	c := m.Current()
	if c == nil {
		return ErrBatchDone
	}
	return c.Pause()
}

func (m *Manager) Resume() error {
	c := m.Current()
	if c == nil {
		return ErrBatchDone
	}
	return c.Resume()
}

func (m *Manager) Abort() error {
	c := m.Current()
	if c == nil {
		return ErrBatchDone
	}
	return c.Abort()
}

// Wait blocks until the current batch is done and returns its last
// progress. It returns immediately when no batch was started.
func (m *Manager) Wait() (Progress, bool) {
	c := m.Current()
	if c == nil {
		return Progress{}, false
	}
	return c.Wait(), true
}

// Run starts a batch and blocks until it is done.
func (m *Manager) Run(opts Options) (Progress, error) {
	c, err := m.Start(opts)
	if err != nil {
		return Progress{}, err
	}
	return c.Wait(), nil
}
