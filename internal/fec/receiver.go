package fec

import (
	"sync"

	"github.com/klauspost/reedsolomon"

	"github.com/veilstream/streamer/internal/protocol"
)

// DefaultWindow is how many frames may be in flight before the oldest
// incomplete one is declared lost.
const DefaultWindow = 3

// Frame is a fully reassembled encoded frame.
type Frame struct {
	VideoFrameIndex    uint64
	TrackingFrameIndex uint64
	SentTimeNs         uint64
	Recovered          bool // parity was needed
	Data               []byte
}

type assembly struct {
	dataShards   int
	parityShards int
	shardSize    int
	frameSize    int
	tracking     uint64
	sentTimeNs   uint64
	shards       [][]byte
	have         int
	haveData     int
	done         bool
}

// Receiver reassembles video shards into frames, recovering missing shards
// from parity. Mirrors the server packetizer; the two share the shard-count
// arithmetic above.
type Receiver struct {
	mu     sync.Mutex
	window int

	frames      map[uint64]*assembly
	highest     uint64
	nextDeliver uint64
	ready       []Frame

	fecFailure bool
	failures   uint64
	recovered  uint64
}

// NewReceiver creates a receiver with the given reorder window
// (DefaultWindow if below 2).
func NewReceiver(window int) *Receiver {
	if window < 2 {
		window = DefaultWindow
	}
	return &Receiver{
		window:      window,
		frames:      make(map[uint64]*assembly),
		nextDeliver: 1,
	}
}

// Push feeds one received video datagram. Malformed packets are ignored.
func (r *Receiver) Push(pkt []byte) {
	hdr, shard, err := protocol.ParseVideo(pkt)
	if err != nil || hdr.FrameByteSize == 0 || len(shard) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if hdr.VideoFrameIndex < r.nextDeliver {
		return // stale duplicate of an already-delivered or lost frame
	}

	a := r.frames[hdr.VideoFrameIndex]
	if a == nil {
		data, parity := ShardCounts(int(hdr.FrameByteSize), len(shard), int(hdr.FecPercentage))
		a = &assembly{
			dataShards:   data,
			parityShards: parity,
			shardSize:    len(shard),
			frameSize:    int(hdr.FrameByteSize),
			tracking:     hdr.TrackingFrameIndex,
			sentTimeNs:   hdr.SentTimeNs,
			shards:       make([][]byte, data+parity),
		}
		r.frames[hdr.VideoFrameIndex] = a
		if hdr.VideoFrameIndex > r.highest {
			r.highest = hdr.VideoFrameIndex
		}
	}

	idx := int(hdr.FecIndex)
	if a.done || idx >= len(a.shards) || len(shard) != a.shardSize || a.shards[idx] != nil {
		return
	}
	buf := make([]byte, len(shard))
	copy(buf, shard)
	a.shards[idx] = buf
	a.have++
	if idx < a.dataShards {
		a.haveData++
	}

	if a.have >= a.dataShards {
		r.tryDecode(hdr.VideoFrameIndex, a)
	}
	r.expireOld()
}

func (r *Receiver) tryDecode(index uint64, a *assembly) {
	recovered := a.haveData < a.dataShards
	if recovered {
		enc, err := reedsolomon.New(a.dataShards, a.parityShards)
		if err != nil {
			return
		}
		if err := enc.Reconstruct(a.shards); err != nil {
			return
		}
		r.recovered++
	}

	data := make([]byte, 0, a.frameSize)
	for i := 0; i < a.dataShards; i++ {
		data = append(data, a.shards[i]...)
	}
	data = data[:a.frameSize]

	// Keep the assembly marked done so duplicate shards of this frame are
	// ignored rather than rebuilding it; the delivery path reaps it.
	a.done = true
	a.shards = nil
	r.enqueue(Frame{
		VideoFrameIndex:    index,
		TrackingFrameIndex: a.tracking,
		SentTimeNs:         a.sentTimeNs,
		Recovered:          recovered,
		Data:               data,
	})
}

// enqueue inserts a completed frame into the in-order delivery queue.
func (r *Receiver) enqueue(f Frame) {
	pos := len(r.ready)
	for pos > 0 && r.ready[pos-1].VideoFrameIndex > f.VideoFrameIndex {
		pos--
	}
	r.ready = append(r.ready, Frame{})
	copy(r.ready[pos+1:], r.ready[pos:])
	r.ready[pos] = f
}

// expireOld declares frames lost once a frame newer by the window size has
// completed or started arriving. Loss sets the sticky fecFailure flag.
func (r *Receiver) expireOld() {
	for r.highest >= uint64(r.window) && r.nextDeliver <= r.highest-uint64(r.window) {
		idx := r.nextDeliver
		if len(r.ready) > 0 && r.ready[0].VideoFrameIndex == idx {
			break // deliverable, not lost
		}
		if a, ok := r.frames[idx]; ok && a.done {
			break
		}
		delete(r.frames, idx)
		r.fecFailure = true
		r.failures++
		r.nextDeliver++
	}
}

// Next yields the next whole frame in video-frame order, or false when none
// is deliverable yet.
func (r *Receiver) Next() (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.ready) == 0 || r.ready[0].VideoFrameIndex != r.nextDeliver {
		return Frame{}, false
	}
	f := r.ready[0]
	copy(r.ready, r.ready[1:])
	r.ready = r.ready[:len(r.ready)-1]
	delete(r.frames, f.VideoFrameIndex)
	r.nextDeliver++
	return f, true
}

// FecFailure reports the sticky failure flag. It is cleared by NotifyIDR
// when the stream resets decoder state.
func (r *Receiver) FecFailure() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fecFailure
}

// NotifyIDR clears the sticky failure flag; an IDR makes the decoder whole
// again regardless of what was lost before it.
func (r *Receiver) NotifyIDR() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fecFailure = false
}

// Stats reports lifetime loss and recovery counts.
func (r *Receiver) Stats() (failures, recovered uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures, r.recovered
}
