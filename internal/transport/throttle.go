package transport

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// slotDuration is the throttle accounting window.
const slotDuration = time.Millisecond

// Throttle enforces the on-wire byte budget
// (encode_bps * 1.2 + audio_bps) over millisecond slots, with an optional
// per-slot packet cap.
type Throttle struct {
	mu          sync.Mutex
	lim         *rate.Limiter
	pktsPerSlot int // 0 = unlimited

	slotStart time.Time
	slotPkts  int
}

// NewThrottle creates an unlimited throttle; SetBudget arms it.
func NewThrottle(pktsPerSlot int) *Throttle {
	return &Throttle{
		lim:         rate.NewLimiter(rate.Inf, 0),
		pktsPerSlot: pktsPerSlot,
	}
}

// SetBudget recomputes the byte budget from the current encode and audio
// rates. The 1.2 factor absorbs FEC parity and header overhead.
func (t *Throttle) SetBudget(encodeBps, audioBps int64) {
	bytesPerSec := float64(encodeBps)*1.2/8 + float64(audioBps)/8
	if bytesPerSec <= 0 {
		return
	}
	burst := int(bytesPerSec * slotDuration.Seconds())
	if burst < 2048 {
		burst = 2048 // never starve a full shard
	}
	t.mu.Lock()
	t.lim.SetLimit(rate.Limit(bytesPerSec))
	t.lim.SetBurst(burst)
	t.mu.Unlock()
}

// admitAt reports whether n bytes may go on the wire at the given instant.
// Split out from admit so tests can drive a synthetic clock.
func (t *Throttle) admitAt(now time.Time, n int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pktsPerSlot > 0 {
		if now.Sub(t.slotStart) >= slotDuration {
			t.slotStart = now
			t.slotPkts = 0
		}
		if t.slotPkts >= t.pktsPerSlot {
			return false
		}
	}
	if !t.lim.AllowN(now, n) {
		return false
	}
	t.slotPkts++
	return true
}

// admit is the production entry point.
func (t *Throttle) admit(n int) bool {
	return t.admitAt(time.Now(), n)
}
