// Package fec slices encoded frames into MTU-sized shards with Reed-Solomon
// parity, and mirrors the client-side reassembly so both ends share one set
// of invariants.
package fec

import (
	"errors"
	"time"

	"github.com/klauspost/reedsolomon"

	"github.com/veilstream/streamer/internal/protocol"
)

// FEC percentage bounds driven by the control plane.
const (
	InitialPercentage = 5
	MaxPercentage     = 10
)

var ErrEmptyFrame = errors.New("empty encoded frame")

// shardAlign keeps every shard payload a multiple of 64 bytes, which the
// Reed-Solomon codec requires once a large frame spills past 256 shards.
const shardAlign = 64

// PayloadPerShard returns the usable shard payload for a given MTU.
func PayloadPerShard(mtu int) int {
	payload := mtu - protocol.VideoHeaderSize
	return payload - payload%shardAlign
}

// ShardCounts computes the data/parity shard split for a frame.
func ShardCounts(frameSize, payloadPerShard, fecPercentage int) (dataShards, parityShards int) {
	dataShards = (frameSize + payloadPerShard - 1) / payloadPerShard
	if dataShards == 0 {
		return 0, 0
	}
	parityShards = (dataShards*fecPercentage + 99) / 100
	if fecPercentage > 0 && parityShards < 1 {
		parityShards = 1
	}
	return dataShards, parityShards
}

// Packetizer turns one encoded frame into a burst of wire packets. Not
// safe for concurrent use; the send loop owns it.
type Packetizer struct {
	payloadPerShard int
	packetCounter   uint32
	videoFrameIndex uint64

	enc       reedsolomon.Encoder
	encData   int
	encParity int
}

// NewPacketizer creates a packetizer for the negotiated MTU.
func NewPacketizer(mtu int) *Packetizer {
	return &Packetizer{
		payloadPerShard: PayloadPerShard(mtu),
		videoFrameIndex: 1,
	}
}

// codec returns a Reed-Solomon encoder for the given geometry, reusing the
// previous one when the shape is unchanged (steady frame sizes reuse it
// almost every frame).
func (p *Packetizer) codec(dataShards, parityShards int) (reedsolomon.Encoder, error) {
	if p.enc != nil && p.encData == dataShards && p.encParity == parityShards {
		return p.enc, nil
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	p.enc = enc
	p.encData = dataShards
	p.encParity = parityShards
	return enc, nil
}

// Packetize shards the frame, computes parity and returns the full wire
// packets in emission order (ascending fec_index). Zero-length frames are
// rejected with ErrEmptyFrame; the caller drops them and counts the drop.
func (p *Packetizer) Packetize(frame []byte, trackingFrameIndex uint64, fecPercentage int) ([][]byte, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}

	dataShards, parityShards := ShardCounts(len(frame), p.payloadPerShard, fecPercentage)
	total := dataShards + parityShards

	// Lay the frame out as equal shards, zero-padding the tail.
	shards := make([][]byte, total)
	block := make([]byte, total*p.payloadPerShard)
	copy(block, frame)
	for i := range shards {
		shards[i] = block[i*p.payloadPerShard : (i+1)*p.payloadPerShard]
	}

	if parityShards > 0 {
		enc, err := p.codec(dataShards, parityShards)
		if err != nil {
			return nil, err
		}
		if err := enc.Encode(shards); err != nil {
			return nil, err
		}
	}

	hdr := protocol.VideoHeader{
		TrackingFrameIndex: trackingFrameIndex,
		VideoFrameIndex:    p.videoFrameIndex,
		SentTimeNs:         uint64(time.Now().UnixNano()),
		FrameByteSize:      uint32(len(frame)),
		FecPercentage:      uint16(fecPercentage),
	}

	packets := make([][]byte, total)
	for i, shard := range shards {
		hdr.PacketCounter = p.packetCounter
		hdr.FecIndex = uint32(i)
		packets[i] = protocol.AppendVideo(make([]byte, 0, protocol.VideoHeaderSize+len(shard)), hdr, shard)
		p.packetCounter++
	}

	p.videoFrameIndex++
	return packets, nil
}

// NextVideoFrameIndex reports the index the next frame will carry.
func (p *Packetizer) NextVideoFrameIndex() uint64 { return p.videoFrameIndex }
