// Package stats keeps the session's rolling counters: bytes and packets on
// the wire, FEC failures, encode latency, and host utilization. Writers
// touch atomics only; snapshots are lock-free reads.
package stats

import (
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// latencyBucketsUs bound the encode-latency histogram. The last bucket
// catches everything past 50 ms (a frame that late is already lost).
var latencyBucketsUs = []uint64{500, 1000, 2000, 3000, 5000, 7500, 10000, 15000, 20000, 30000, 50000}

// Histogram is a fixed-bucket latency histogram with atomic counters.
type Histogram struct {
	counts [len(latencyBucketsUs) + 1]atomic.Uint64
	sumUs  atomic.Uint64
	n      atomic.Uint64
}

func (h *Histogram) Observe(d time.Duration) {
	us := uint64(d.Microseconds())
	h.sumUs.Add(us)
	h.n.Add(1)
	for i, bound := range latencyBucketsUs {
		if us <= bound {
			h.counts[i].Add(1)
			return
		}
	}
	h.counts[len(latencyBucketsUs)].Add(1)
}

// Buckets returns the bucket bounds (µs) and counts; the final count is
// the overflow bucket.
func (h *Histogram) Buckets() ([]uint64, []uint64) {
	counts := make([]uint64, len(h.counts))
	for i := range h.counts {
		counts[i] = h.counts[i].Load()
	}
	return latencyBucketsUs, counts
}

// MeanUs reports the mean observed latency in microseconds.
func (h *Histogram) MeanUs() float64 {
	n := h.n.Load()
	if n == 0 {
		return 0
	}
	return float64(h.sumUs.Load()) / float64(n)
}

// Session aggregates every component's counters for one streaming session.
type Session struct {
	startTime time.Time

	BytesSent     atomic.Uint64
	PacketsSent   atomic.Uint64
	VideoFrames   atomic.Uint64
	AudioPackets  atomic.Uint64
	IDRsSent      atomic.Uint64
	FecFailures   atomic.Uint64
	FramesDropped atomic.Uint64

	EncodeLatency Histogram

	// bitrate window: bytes accumulated in the current one-second bucket,
	// rolled by the cadence tick.
	windowBytes atomic.Uint64
	lastRateBps atomic.Uint64
}

func NewSession() *Session {
	return &Session{startTime: time.Now()}
}

// AddWindowBytes feeds the rolling bitrate window.
func (s *Session) AddWindowBytes(n uint64) {
	s.windowBytes.Add(n)
	s.BytesSent.Add(n)
}

// RollWindow closes the current one-second bucket; called by cadence.
func (s *Session) RollWindow(elapsed time.Duration) {
	bytes := s.windowBytes.Swap(0)
	if elapsed <= 0 {
		return
	}
	bps := uint64(float64(bytes*8) / elapsed.Seconds())
	s.lastRateBps.Store(bps)
}

// Snapshot is a point-in-time copy for logging and the dashboard sink.
type Snapshot struct {
	Uptime        time.Duration `json:"uptimeNs"`
	BytesSent     uint64        `json:"bytesSent"`
	PacketsSent   uint64        `json:"packetsSent"`
	VideoFrames   uint64        `json:"videoFrames"`
	AudioPackets  uint64        `json:"audioPackets"`
	IDRsSent      uint64        `json:"idrsSent"`
	FecFailures   uint64        `json:"fecFailures"`
	FramesDropped uint64        `json:"framesDropped"`
	BitrateBps    uint64        `json:"bitrateBps"`
	EncodeMeanUs  float64       `json:"encodeMeanUs"`
	CPUPercent    float64       `json:"cpuPercent"`
	MemPercent    float64       `json:"memPercent"`
}

// Snapshot captures the counters plus host CPU/memory utilization.
func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		Uptime:        time.Since(s.startTime),
		BytesSent:     s.BytesSent.Load(),
		PacketsSent:   s.PacketsSent.Load(),
		VideoFrames:   s.VideoFrames.Load(),
		AudioPackets:  s.AudioPackets.Load(),
		IDRsSent:      s.IDRsSent.Load(),
		FecFailures:   s.FecFailures.Load(),
		FramesDropped: s.FramesDropped.Load(),
		BitrateBps:    s.lastRateBps.Load(),
		EncodeMeanUs:  s.EncodeLatency.MeanUs(),
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemPercent = vm.UsedPercent
	}
	return snap
}
