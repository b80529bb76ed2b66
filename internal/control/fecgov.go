package control

import (
	"sync"
	"time"
)

// FEC percentage governor bounds, mirrored from the packetizer defaults.
const (
	fecInitialPercentage = 5
	fecMaxPercentage     = 10
	fecStepPercentage    = 5

	// failures this close together count as one continuous episode and
	// escalate the percentage.
	fecContinuousWindow = time.Minute

	// a path clean for this long earns its parity budget back.
	fecQuietWindow = time.Minute
)

// fecEscalateAfter is the consecutive-failure count that raises the
// percentage; isolated losses and a single follow-up do not.
const fecEscalateAfter = 3

// FecGovernor adjusts the parity percentage: raised after three
// consecutive failures, lowered after a quiet window. Parity is wasted
// when the path is clean and insufficient when it is not.
type FecGovernor struct {
	mu          sync.Mutex
	percentage  int
	consecutive int
	lastFailure time.Time
	now         func() time.Time
}

func NewFecGovernor() *FecGovernor {
	return &FecGovernor{percentage: fecInitialPercentage, now: time.Now}
}

// Percentage reports the current parity percentage, decayed if the path
// has been quiet.
func (g *FecGovernor) Percentage() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.percentage > fecInitialPercentage && !g.lastFailure.IsZero() &&
		g.now().Sub(g.lastFailure) >= fecQuietWindow {
		g.percentage = fecInitialPercentage
		g.consecutive = 0
	}
	return g.percentage
}

// OnFailure records an unrecoverable frame. Failures inside the
// continuous window count as one episode; the third consecutive failure
// escalates the percentage. Returns the percentage now in force.
func (g *FecGovernor) OnFailure() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if !g.lastFailure.IsZero() && now.Sub(g.lastFailure) < fecContinuousWindow {
		g.consecutive++
	} else {
		g.consecutive = 1
	}
	g.lastFailure = now

	if g.consecutive >= fecEscalateAfter {
		g.percentage += fecStepPercentage
		if g.percentage > fecMaxPercentage {
			g.percentage = fecMaxPercentage
		}
	}
	return g.percentage
}
