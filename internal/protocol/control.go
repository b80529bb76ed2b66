package protocol

import "encoding/binary"

// Stream-control kinds (first u32 after the tag).
const (
	ControlKeepalive   uint32 = 1
	ControlIDRRequest  uint32 = 2
	ControlClientStats uint32 = 3
	ControlDisconnect  uint32 = 4
)

// IDR request reasons.
const (
	IDRReasonStartup     uint32 = 1
	IDRReasonFecFailure  uint32 = 2
	IDRReasonDecodeError uint32 = 3
)

const KeepaliveSize = TagSize + 4

func AppendKeepalive(dst []byte) []byte {
	var buf [KeepaliveSize]byte
	binary.LittleEndian.PutUint32(buf[0:], TypeStreamControl)
	binary.LittleEndian.PutUint32(buf[4:], ControlKeepalive)
	return append(dst, buf[:]...)
}

const IDRRequestSize = TagSize + 4 + 4

func AppendIDRRequest(dst []byte, reason uint32) []byte {
	var buf [IDRRequestSize]byte
	binary.LittleEndian.PutUint32(buf[0:], TypeStreamControl)
	binary.LittleEndian.PutUint32(buf[4:], ControlIDRRequest)
	binary.LittleEndian.PutUint32(buf[8:], reason)
	return append(dst, buf[:]...)
}

func ParseIDRRequest(buf []byte) (uint32, error) {
	if len(buf) < IDRRequestSize {
		return 0, ErrShortPacket
	}
	return binary.LittleEndian.Uint32(buf[8:]), nil
}

// ClientStats is the client's periodic link report; the bitrate controller
// folds it into the smoothed capacity estimate.
type ClientStats struct {
	ObservedThroughputBps uint64
	PacketLossFraction    float32 // [0, 1]
	FecFailure            bool
	DecodeLatencyUs       uint32
}

const ClientStatsSize = TagSize + 4 + 8 + 4 + 1 + 3 + 4

func AppendClientStats(dst []byte, s ClientStats) []byte {
	var buf [ClientStatsSize]byte
	binary.LittleEndian.PutUint32(buf[0:], TypeStreamControl)
	binary.LittleEndian.PutUint32(buf[4:], ControlClientStats)
	binary.LittleEndian.PutUint64(buf[8:], s.ObservedThroughputBps)
	putF32(buf[16:], s.PacketLossFraction)
	if s.FecFailure {
		buf[20] = 1
	}
	binary.LittleEndian.PutUint32(buf[24:], s.DecodeLatencyUs)
	return append(dst, buf[:]...)
}

func ParseClientStats(buf []byte) (ClientStats, error) {
	var s ClientStats
	if len(buf) < ClientStatsSize {
		return s, ErrShortPacket
	}
	s.ObservedThroughputBps = binary.LittleEndian.Uint64(buf[8:])
	s.PacketLossFraction = getF32(buf[16:])
	s.FecFailure = buf[20] != 0
	s.DecodeLatencyUs = binary.LittleEndian.Uint32(buf[24:])
	return s, nil
}

// ControlKind returns the sub-kind of a TypeStreamControl datagram.
func ControlKind(buf []byte) (uint32, error) {
	if len(buf) < TagSize+4 {
		return 0, ErrShortPacket
	}
	if binary.LittleEndian.Uint32(buf) != TypeStreamControl {
		return 0, ErrBadTag
	}
	return binary.LittleEndian.Uint32(buf[4:]), nil
}
