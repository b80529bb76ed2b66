package fec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/veilstream/streamer/internal/protocol"
)

const testMTU = 1400

func makeFrame(t *testing.T, size int, seed int64) []byte {
	t.Helper()
	frame := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(frame)
	return frame
}

func TestShardCounts(t *testing.T) {
	payload := PayloadPerShard(testMTU)
	if payload%64 != 0 || payload <= 0 || payload > testMTU-protocol.VideoHeaderSize {
		t.Fatalf("bad payload per shard: %d", payload)
	}

	cases := []struct {
		size, pct    int
		data, parity int
	}{
		{1, 0, 1, 0},
		{1, 10, 1, 1},
		{payload, 10, 1, 1},
		{payload + 1, 10, 2, 1},
		{50_000, 10, 38, 4},
		{10 * payload, 50, 10, 5},
	}
	for _, c := range cases {
		data, parity := ShardCounts(c.size, payload, c.pct)
		if data != c.data || parity != c.parity {
			t.Errorf("ShardCounts(%d, %d%%) = (%d, %d), want (%d, %d)",
				c.size, c.pct, data, parity, c.data, c.parity)
		}
	}
}

func TestShardInvariants(t *testing.T) {
	p := NewPacketizer(testMTU)
	frame := makeFrame(t, 50_000, 1)

	packets, err := p.Packetize(frame, 77, 10)
	if err != nil {
		t.Fatalf("Packetize: %v", err)
	}

	payload := PayloadPerShard(testMTU)
	data, parity := ShardCounts(len(frame), payload, 10)
	if len(packets) != data+parity {
		t.Fatalf("emitted %d shards, want %d", len(packets), data+parity)
	}

	seen := make(map[uint32]bool)
	for i, pkt := range packets {
		hdr, shard, err := protocol.ParseVideo(pkt)
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		if hdr.VideoFrameIndex != 1 || hdr.FrameByteSize != 50_000 || hdr.FecPercentage != 10 {
			t.Fatalf("packet %d header inconsistent: %+v", i, hdr)
		}
		if hdr.FecIndex != uint32(i) {
			t.Fatalf("packet %d fec_index %d not dense", i, hdr.FecIndex)
		}
		if len(shard) != payload {
			t.Fatalf("packet %d shard size %d != %d", i, len(shard), payload)
		}
		seen[hdr.FecIndex] = true
	}
	if len(seen) != data+parity {
		t.Fatalf("fec_index multiset has %d distinct values, want %d", len(seen), data+parity)
	}
}

func TestMonotonicVideoFrameIndex(t *testing.T) {
	p := NewPacketizer(testMTU)
	var last uint64
	for i := 0; i < 10; i++ {
		packets, err := p.Packetize(makeFrame(t, 2000+i, int64(i)), 0, 5)
		if err != nil {
			t.Fatalf("Packetize: %v", err)
		}
		hdr, _, _ := protocol.ParseVideo(packets[0])
		if hdr.VideoFrameIndex <= last {
			t.Fatalf("video frame index %d not strictly increasing after %d", hdr.VideoFrameIndex, last)
		}
		last = hdr.VideoFrameIndex
	}
}

func TestEmptyFrameRejected(t *testing.T) {
	p := NewPacketizer(testMTU)
	if _, err := p.Packetize(nil, 0, 5); err != ErrEmptyFrame {
		t.Fatalf("expected ErrEmptyFrame, got %v", err)
	}
}

func TestRoundTripWithDrops(t *testing.T) {
	sizes := []int{1, 100, PayloadPerShard(testMTU), PayloadPerShard(testMTU) + 1, 50_000, 1 << 20}
	pcts := []int{0, 5, 10, 50}

	rng := rand.New(rand.NewSource(42))
	for _, size := range sizes {
		for _, pct := range pcts {
			p := NewPacketizer(testMTU)
			frame := makeFrame(t, size, int64(size^pct))
			packets, err := p.Packetize(frame, 5, pct)
			if err != nil {
				t.Fatalf("Packetize(size=%d pct=%d): %v", size, pct, err)
			}

			_, parity := ShardCounts(size, PayloadPerShard(testMTU), pct)

			// Drop a random subset no larger than the parity count.
			dropped := map[int]bool{}
			for len(dropped) < parity {
				dropped[rng.Intn(len(packets))] = true
			}

			r := NewReceiver(2)
			for i, pkt := range packets {
				if !dropped[i] {
					r.Push(pkt)
				}
			}

			got, ok := r.Next()
			if !ok {
				t.Fatalf("size=%d pct=%d dropped=%d: frame not recovered", size, pct, len(dropped))
			}
			if !bytes.Equal(got.Data, frame) {
				t.Fatalf("size=%d pct=%d: recovered frame differs", size, pct)
			}
			if got.Recovered != (len(dropped) > 0) {
				t.Fatalf("size=%d pct=%d: Recovered=%v with %d drops", size, pct, got.Recovered, len(dropped))
			}
		}
	}
}

func TestRoundTripLargeFrame(t *testing.T) {
	if testing.Short() {
		t.Skip("4 MiB frame in short mode")
	}
	p := NewPacketizer(testMTU)
	frame := makeFrame(t, 4<<20, 7)
	packets, err := p.Packetize(frame, 0, 10)
	if err != nil {
		t.Fatalf("Packetize: %v", err)
	}
	_, parity := ShardCounts(len(frame), PayloadPerShard(testMTU), 10)

	r := NewReceiver(2)
	for i, pkt := range packets {
		if i < parity { // drop the first `parity` shards
			continue
		}
		r.Push(pkt)
	}
	got, ok := r.Next()
	if !ok || !bytes.Equal(got.Data, frame) {
		t.Fatal("4 MiB frame not recovered bit-exact")
	}
}

func TestReceiverDeclaresLossAndStickyFailure(t *testing.T) {
	p := NewPacketizer(testMTU)
	r := NewReceiver(2)

	// Frame 1: only one shard of many arrives.
	lossy, err := p.Packetize(makeFrame(t, 50_000, 9), 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	r.Push(lossy[0])

	// Frames 2..4 arrive whole, pushing frame 1 out of the window.
	for i := 0; i < 3; i++ {
		packets, err := p.Packetize(makeFrame(t, 3000, int64(i)), 0, 5)
		if err != nil {
			t.Fatal(err)
		}
		for _, pkt := range packets {
			r.Push(pkt)
		}
	}

	if !r.FecFailure() {
		t.Fatal("loss did not raise the fec failure flag")
	}
	failures, _ := r.Stats()
	if failures == 0 {
		t.Fatal("loss not counted")
	}

	// Later frames still deliver, in order, skipping the lost one.
	f, ok := r.Next()
	if !ok {
		t.Fatal("no frame deliverable after loss")
	}
	if f.VideoFrameIndex != 2 {
		t.Fatalf("first delivered frame is %d, want 2", f.VideoFrameIndex)
	}

	// The flag is sticky until the next IDR.
	if !r.FecFailure() {
		t.Fatal("failure flag not sticky")
	}
	r.NotifyIDR()
	if r.FecFailure() {
		t.Fatal("NotifyIDR did not clear the failure flag")
	}
}

func TestReceiverOutOfOrderWithinWindow(t *testing.T) {
	p := NewPacketizer(testMTU)
	r := NewReceiver(3)

	f1, _ := p.Packetize(makeFrame(t, 2000, 1), 0, 5)
	f2, _ := p.Packetize(makeFrame(t, 2000, 2), 0, 5)

	// Frame 2 fully arrives before frame 1.
	for _, pkt := range f2 {
		r.Push(pkt)
	}
	if _, ok := r.Next(); ok {
		t.Fatal("frame 2 delivered before frame 1")
	}
	for _, pkt := range f1 {
		r.Push(pkt)
	}

	a, ok := r.Next()
	b, ok2 := r.Next()
	if !ok || !ok2 || a.VideoFrameIndex != 1 || b.VideoFrameIndex != 2 {
		t.Fatalf("delivery order wrong: %v %v", a.VideoFrameIndex, b.VideoFrameIndex)
	}
}
