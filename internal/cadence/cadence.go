// Package cadence paces the session: a vsync timer at the negotiated
// refresh rate drives the host runtime's frame loop and the per-frame and
// per-second bookkeeping.
package cadence

import (
	"sync"
	"time"

	"github.com/veilstream/streamer/internal/logging"
)

var log = logging.L("cadence")

// Cadence runs the vsync timer. It never holds a lock while sleeping; the
// callback list is copied before each dispatch.
type Cadence struct {
	interval time.Duration

	mu       sync.Mutex
	onVsync  []func()
	onSecond []func(elapsed time.Duration)

	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates a cadence for the given refresh rate.
func New(refreshRateHz float32) *Cadence {
	if refreshRateHz <= 0 {
		refreshRateHz = 72
	}
	return &Cadence{
		interval: time.Duration(float64(time.Second) / float64(refreshRateHz)),
		done:     make(chan struct{}),
	}
}

// Interval reports the frame interval.
func (c *Cadence) Interval() time.Duration { return c.interval }

// OnVsync registers a callback fired every frame boundary.
func (c *Cadence) OnVsync(fn func()) {
	c.mu.Lock()
	c.onVsync = append(c.onVsync, fn)
	c.mu.Unlock()
}

// OnSecond registers a callback fired roughly once per second with the
// actual elapsed time (statistics bucket rolls, bitrate sampling).
func (c *Cadence) OnSecond(fn func(elapsed time.Duration)) {
	c.mu.Lock()
	c.onSecond = append(c.onSecond, fn)
	c.mu.Unlock()
}

// Start launches the timer loop.
func (c *Cadence) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	log.Info("Vsync timer started", "interval", c.interval)
}

func (c *Cadence) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	lastSecond := time.Now()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			vsync := append([]func(){}, c.onVsync...)
			second := append([]func(time.Duration){}, c.onSecond...)
			c.mu.Unlock()

			for _, fn := range vsync {
				fn()
			}

			if elapsed := time.Since(lastSecond); elapsed >= time.Second {
				lastSecond = time.Now()
				for _, fn := range second {
					fn(elapsed)
				}
			}
		}
	}
}

// Stop halts the timer and waits for the loop to exit.
func (c *Cadence) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
}
