package protocol

import "encoding/binary"

// VideoHeader precedes every video shard on the wire. Within one
// VideoFrameIndex all shards carry identical FrameByteSize and FecPercentage,
// and FecIndex is dense in [0, dataShards+parityShards).
type VideoHeader struct {
	PacketCounter      uint32
	TrackingFrameIndex uint64
	VideoFrameIndex    uint64
	SentTimeNs         uint64
	FrameByteSize      uint32
	FecIndex           uint32
	FecPercentage      uint16
}

// VideoHeaderSize is the on-wire size of the tag plus header.
const VideoHeaderSize = TagSize + 4 + 8 + 8 + 8 + 4 + 4 + 2

// AppendVideo writes tag, header and shard payload into dst.
func AppendVideo(dst []byte, h VideoHeader, shard []byte) []byte {
	var hdr [VideoHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], TypeVideo)
	binary.LittleEndian.PutUint32(hdr[4:], h.PacketCounter)
	binary.LittleEndian.PutUint64(hdr[8:], h.TrackingFrameIndex)
	binary.LittleEndian.PutUint64(hdr[16:], h.VideoFrameIndex)
	binary.LittleEndian.PutUint64(hdr[24:], h.SentTimeNs)
	binary.LittleEndian.PutUint32(hdr[32:], h.FrameByteSize)
	binary.LittleEndian.PutUint32(hdr[36:], h.FecIndex)
	binary.LittleEndian.PutUint16(hdr[40:], h.FecPercentage)
	dst = append(dst, hdr[:]...)
	return append(dst, shard...)
}

// ParseVideo decodes a video datagram, returning the header and the shard
// payload aliased into buf.
func ParseVideo(buf []byte) (VideoHeader, []byte, error) {
	var h VideoHeader
	if len(buf) < VideoHeaderSize {
		return h, nil, ErrShortPacket
	}
	if binary.LittleEndian.Uint32(buf) != TypeVideo {
		return h, nil, ErrBadTag
	}
	h.PacketCounter = binary.LittleEndian.Uint32(buf[4:])
	h.TrackingFrameIndex = binary.LittleEndian.Uint64(buf[8:])
	h.VideoFrameIndex = binary.LittleEndian.Uint64(buf[16:])
	h.SentTimeNs = binary.LittleEndian.Uint64(buf[24:])
	h.FrameByteSize = binary.LittleEndian.Uint32(buf[32:])
	h.FecIndex = binary.LittleEndian.Uint32(buf[36:])
	h.FecPercentage = binary.LittleEndian.Uint16(buf[40:])
	return h, buf[VideoHeaderSize:], nil
}

// AudioHeader precedes a self-contained PCM frame (16-bit signed, stereo,
// 48 kHz). Audio carries no FEC.
type AudioHeader struct {
	PacketCounter      uint32
	PresentationTimeUs uint64
	PacketIndex        uint32
}

const AudioHeaderSize = TagSize + 4 + 8 + 4

func AppendAudio(dst []byte, h AudioHeader, pcm []byte) []byte {
	var hdr [AudioHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], TypeAudio)
	binary.LittleEndian.PutUint32(hdr[4:], h.PacketCounter)
	binary.LittleEndian.PutUint64(hdr[8:], h.PresentationTimeUs)
	binary.LittleEndian.PutUint32(hdr[16:], h.PacketIndex)
	dst = append(dst, hdr[:]...)
	return append(dst, pcm...)
}

func ParseAudio(buf []byte) (AudioHeader, []byte, error) {
	var h AudioHeader
	if len(buf) < AudioHeaderSize {
		return h, nil, ErrShortPacket
	}
	if binary.LittleEndian.Uint32(buf) != TypeAudio {
		return h, nil, ErrBadTag
	}
	h.PacketCounter = binary.LittleEndian.Uint32(buf[4:])
	h.PresentationTimeUs = binary.LittleEndian.Uint64(buf[8:])
	h.PacketIndex = binary.LittleEndian.Uint32(buf[16:])
	return h, buf[AudioHeaderSize:], nil
}

// Hand paths for haptics routing.
const (
	LeftHandPath  uint64 = 0x1
	RightHandPath uint64 = 0x2
)

// Haptics asks a controller to vibrate.
type Haptics struct {
	Path      uint64 // LeftHandPath or RightHandPath
	DurationS float32
	Frequency float32
	Amplitude float32
}

const HapticsSize = TagSize + 8 + 4 + 4 + 4

func AppendHaptics(dst []byte, h Haptics) []byte {
	var buf [HapticsSize]byte
	binary.LittleEndian.PutUint32(buf[0:], TypeHaptics)
	binary.LittleEndian.PutUint64(buf[4:], h.Path)
	putF32(buf[12:], h.DurationS)
	putF32(buf[16:], h.Frequency)
	putF32(buf[20:], h.Amplitude)
	return append(dst, buf[:]...)
}

func ParseHaptics(buf []byte) (Haptics, error) {
	var h Haptics
	if len(buf) < HapticsSize {
		return h, ErrShortPacket
	}
	if binary.LittleEndian.Uint32(buf) != TypeHaptics {
		return h, ErrBadTag
	}
	h.Path = binary.LittleEndian.Uint64(buf[4:])
	h.DurationS = getF32(buf[12:])
	h.Frequency = getF32(buf[16:])
	h.Amplitude = getF32(buf[20:])
	return h, nil
}
