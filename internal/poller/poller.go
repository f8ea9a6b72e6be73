package poller

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Poller calls update on every tick until stopped. While paused, ticks are
// dropped.
type Poller struct {
	name     string
	update   func()
	logger   *logrus.Logger
	interval time.Duration
	paused   atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(name string, update func(), logger *logrus.Logger, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{
		name:     name,
		update:   update,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.logger.WithFields(logrus.Fields{
			"poller":   p.name,
			"interval": p.interval.String(),
		}).Debug("Poller started")

		for {
			select {
			case <-ticker.C:
				if !p.paused.Load() {
					p.update()
				}
			case <-p.stop:
				return
			}
		}
	}()
}

func (p *Poller) Pause() {
	p.paused.Store(true)
}

func (p *Poller) Resume() {
	p.paused.Store(false)
}

// Stop may be called more than once, and before Start.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
	p.logger.WithField("poller", p.name).Debug("Poller stopped")
}
