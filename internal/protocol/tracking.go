package protocol

import "encoding/binary"

// Motion is the pose of a tracked device plus its derivatives. The
// orientation quaternion is (x, y, z, w).
type Motion struct {
	Position        [3]float32
	Orientation     [4]float32
	LinearVelocity  [3]float32
	AngularVelocity [3]float32
}

const motionSize = 13 * 4

func appendMotion(dst []byte, m Motion) []byte {
	var buf [motionSize]byte
	off := 0
	for _, v := range m.Position {
		putF32(buf[off:], v)
		off += 4
	}
	for _, v := range m.Orientation {
		putF32(buf[off:], v)
		off += 4
	}
	for _, v := range m.LinearVelocity {
		putF32(buf[off:], v)
		off += 4
	}
	for _, v := range m.AngularVelocity {
		putF32(buf[off:], v)
		off += 4
	}
	return append(dst, buf[:]...)
}

func parseMotion(buf []byte) Motion {
	var m Motion
	off := 0
	for i := range m.Position {
		m.Position[i] = getF32(buf[off:])
		off += 4
	}
	for i := range m.Orientation {
		m.Orientation[i] = getF32(buf[off:])
		off += 4
	}
	for i := range m.LinearVelocity {
		m.LinearVelocity[i] = getF32(buf[off:])
		off += 4
	}
	for i := range m.AngularVelocity {
		m.AngularVelocity[i] = getF32(buf[off:])
		off += 4
	}
	return m
}

// Tracking flags.
const (
	TrackingFlagHandSkeleton uint8 = 1 << 0
	TrackingFlagBattery      uint8 = 1 << 1
)

// Tracking is the client→server input packet: the pose the next frame
// should be rendered for, controller state and button bits.
type Tracking struct {
	TargetTimestampNs uint64
	HeadMotion        Motion
	ControllerMotion  [2]Motion
	Buttons           uint64
	Flags             uint8
	BatteryPercent    uint8
}

// TrackingSize is the fixed on-wire size; decoders ignore trailing bytes so
// the layout can grow (hand skeleton) without breaking old servers.
const TrackingSize = TagSize + 8 + 3*motionSize + 8 + 1 + 1 + 2 // +2 reserved

func AppendTracking(dst []byte, t Tracking) []byte {
	var head [TagSize + 8]byte
	binary.LittleEndian.PutUint32(head[0:], TypeTracking)
	binary.LittleEndian.PutUint64(head[4:], t.TargetTimestampNs)
	dst = append(dst, head[:]...)
	dst = appendMotion(dst, t.HeadMotion)
	dst = appendMotion(dst, t.ControllerMotion[0])
	dst = appendMotion(dst, t.ControllerMotion[1])
	var tail [12]byte
	binary.LittleEndian.PutUint64(tail[0:], t.Buttons)
	tail[8] = t.Flags
	tail[9] = t.BatteryPercent
	return append(dst, tail[:]...)
}

func ParseTracking(buf []byte) (Tracking, error) {
	var t Tracking
	if len(buf) < TrackingSize {
		return t, ErrShortPacket
	}
	if binary.LittleEndian.Uint32(buf) != TypeTracking {
		return t, ErrBadTag
	}
	t.TargetTimestampNs = binary.LittleEndian.Uint64(buf[4:])
	off := TagSize + 8
	t.HeadMotion = parseMotion(buf[off:])
	off += motionSize
	t.ControllerMotion[0] = parseMotion(buf[off:])
	off += motionSize
	t.ControllerMotion[1] = parseMotion(buf[off:])
	off += motionSize
	t.Buttons = binary.LittleEndian.Uint64(buf[off:])
	t.Flags = buf[off+8]
	t.BatteryPercent = buf[off+9]
	return t, nil
}

// Time sync modes. The client probes, the server echoes with its clock, the
// client closes the loop with the measured offset.
const (
	TimeSyncProbe  uint32 = 0
	TimeSyncReply  uint32 = 1
	TimeSyncReport uint32 = 2
)

type TimeSync struct {
	Mode         uint32
	Sequence     uint64
	ClientTimeNs uint64
	ServerTimeNs uint64
}

const TimeSyncSize = TagSize + 4 + 8 + 8 + 8

func AppendTimeSync(dst []byte, ts TimeSync) []byte {
	var buf [TimeSyncSize]byte
	binary.LittleEndian.PutUint32(buf[0:], TypeTimeSync)
	binary.LittleEndian.PutUint32(buf[4:], ts.Mode)
	binary.LittleEndian.PutUint64(buf[8:], ts.Sequence)
	binary.LittleEndian.PutUint64(buf[16:], ts.ClientTimeNs)
	binary.LittleEndian.PutUint64(buf[24:], ts.ServerTimeNs)
	return append(dst, buf[:]...)
}

func ParseTimeSync(buf []byte) (TimeSync, error) {
	var ts TimeSync
	if len(buf) < TimeSyncSize {
		return ts, ErrShortPacket
	}
	if binary.LittleEndian.Uint32(buf) != TypeTimeSync {
		return ts, ErrBadTag
	}
	ts.Mode = binary.LittleEndian.Uint32(buf[4:])
	ts.Sequence = binary.LittleEndian.Uint64(buf[8:])
	ts.ClientTimeNs = binary.LittleEndian.Uint64(buf[16:])
	ts.ServerTimeNs = binary.LittleEndian.Uint64(buf[24:])
	return ts, nil
}
