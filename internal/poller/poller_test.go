package poller

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/0xPuncker/mozart-engraver/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPollerConfiguration(t *testing.T) {
	testCases := []struct {
		name     string
		interval time.Duration
		want     time.Duration
	}{
		{"Default interval", 0, time.Second},
		{"Short interval", 100 * time.Millisecond, 100 * time.Millisecond},
		{"Long interval", time.Minute, time.Minute},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := New("progress", func() {}, testutil.Logger(), tc.interval)
			assert.NotNil(t, p)
			assert.Equal(t, tc.want, p.interval)
		})
	}
}

func TestPollerUpdateCycle(t *testing.T) {
	var ticks atomic.Int32
	p := New("progress", func() { ticks.Add(1) }, testutil.Logger(), 10*time.Millisecond)

	p.Start()
	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, 5*time.Millisecond)

	p.Stop()
	after := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())

	p.Stop()
}

func TestPollerPause(t *testing.T) {
	var ticks atomic.Int32
	p := New("progress", func() { ticks.Add(1) }, testutil.Logger(), 10*time.Millisecond)
	p.Pause()
	p.Start()
	defer p.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), ticks.Load())

	p.Resume()
	assert.Eventually(t, func() bool { return ticks.Load() > 0 }, time.Second, 5*time.Millisecond)
}

func TestPollerStopBeforeStart(t *testing.T) {
	p := New("progress", func() {}, testutil.Logger(), time.Second)
	assert.NotPanics(t, p.Stop)
}
