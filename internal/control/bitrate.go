package control

import (
	"sync"
	"time"

	"github.com/veilstream/streamer/internal/logging"
	"github.com/veilstream/streamer/internal/protocol"
)

var log = logging.L("control")

// BitrateConfig bounds the dynamic bitrate controller.
type BitrateConfig struct {
	InitialBps int64
	MinBps     int64
	MaxBps     int64
	Cooldown   time.Duration
}

// ewmaAlpha gives ~70% weight to history, 30% to the newest sample, so a
// single transient spike cannot trigger an adjustment.
const ewmaAlpha = 0.3

// BitrateController computes the target bitrate from the client's periodic
// link reports: a smoothed minimum of the configured ceiling and the
// measured link capacity, moved by AIMD.
//
//   - Degrade: multiplicative 0.70x on sustained loss (fast congestion
//     reaction)
//   - Upgrade: additive +5% of ceiling after consecutive clean samples
//     (gentle probe, no overshoot spirals)
type BitrateController struct {
	mu  sync.Mutex
	cfg BitrateConfig

	target     int64
	lastAdjust time.Time
	now        func() time.Time

	smoothedLoss       float64
	smoothedThroughput float64
	samples            int
	stableCount        int
}

func NewBitrateController(cfg BitrateConfig) *BitrateController {
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 500 * time.Millisecond
	}
	target := cfg.InitialBps
	if target < cfg.MinBps {
		target = cfg.MinBps
	}
	if target > cfg.MaxBps {
		target = cfg.MaxBps
	}
	return &BitrateController{cfg: cfg, target: target, now: time.Now}
}

// Target reports the bitrate currently in force.
func (b *BitrateController) Target() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.target
}

// Update folds one client report in and returns the new target bitrate
// plus whether it changed. Changes are rate-limited by the cooldown.
func (b *BitrateController) Update(stats protocol.ClientStats) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	loss := float64(stats.PacketLossFraction)
	if loss < 0 {
		loss = 0
	}
	if loss > 1 {
		loss = 1
	}

	b.samples++
	if b.samples == 1 {
		b.smoothedLoss = loss
		b.smoothedThroughput = float64(stats.ObservedThroughputBps)
	} else {
		b.smoothedLoss = ewmaAlpha*loss + (1-ewmaAlpha)*b.smoothedLoss
		b.smoothedThroughput = ewmaAlpha*float64(stats.ObservedThroughputBps) + (1-ewmaAlpha)*b.smoothedThroughput
	}

	now := b.now()
	if !b.lastAdjust.IsZero() && now.Sub(b.lastAdjust) < b.cfg.Cooldown {
		return b.target, false
	}
	// Warmup: need a few samples before the EWMA means anything.
	if b.samples < 3 {
		return b.target, false
	}

	// The ceiling is the smoothed minimum of what was asked for and what
	// the link demonstrably carries (with 20% headroom over measured).
	ceiling := b.cfg.MaxBps
	if measured := int64(b.smoothedThroughput * 1.2); measured > 0 && measured < ceiling {
		ceiling = measured
	}
	if ceiling < b.cfg.MinBps {
		ceiling = b.cfg.MinBps
	}

	degrade := b.smoothedLoss >= 0.05
	upgrade := b.smoothedLoss <= 0.01

	if degrade {
		b.stableCount = 0
	} else if upgrade {
		b.stableCount++
	} else if b.stableCount > 0 {
		b.stableCount--
	}

	const stableRequired = 2

	newTarget := b.target
	action := "hold"
	switch {
	case degrade:
		action = "degrade"
		newTarget = int64(float64(newTarget) * 0.70)
	case b.stableCount >= stableRequired && b.target < ceiling:
		action = "upgrade"
		step := b.cfg.MaxBps / 20
		if step < 500_000 {
			step = 500_000
		}
		newTarget += step
		b.stableCount = 0
	}

	if newTarget > ceiling {
		newTarget = ceiling
	}
	if newTarget < b.cfg.MinBps {
		newTarget = b.cfg.MinBps
	}

	if newTarget == b.target {
		return b.target, false
	}

	prev := b.target
	b.target = newTarget
	b.lastAdjust = now

	log.Info("Bitrate adjustment",
		"action", action,
		"bitrate", newTarget,
		"prev", prev,
		"smoothedLoss", b.smoothedLoss,
		"measuredBps", int64(b.smoothedThroughput),
	)
	return newTarget, true
}
