package protocol

import (
	"encoding/binary"
	"strings"
)

// ProtocolVersion gates the handshake; mismatched clients are refused with
// ConnectRefusedVersion.
const ProtocolVersion uint32 = 4

// Codec identifiers carried in handshake packets.
const (
	CodecH264 uint32 = 0
	CodecHEVC uint32 = 1
	CodecAV1  uint32 = 2
)

// Handshake kinds (first u32 after the tag).
const (
	HandshakeHello   uint32 = 1
	HandshakeConnect uint32 = 2
	HandshakeRefused uint32 = 3
)

// Refusal codes.
const (
	ConnectRefusedVersion  uint32 = 1
	ConnectRefusedCodec    uint32 = 2
	ConnectRefusedOccupied uint32 = 3
)

const deviceNameLen = 32

// Hello is the client's broadcast greeting.
type Hello struct {
	ProtocolVersion uint32
	DeviceName      string // at most 31 bytes on the wire
	SupportedCodecs []uint32
	PreferredWidth  uint32 // per-eye
	PreferredHeight uint32
	RefreshRates    []float32
}

// SanitizeDeviceName strips control and non-printable bytes so a hostile
// client cannot inject terminal escapes into host logs.
func SanitizeDeviceName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r >= 0x20 && r < 0x7f {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) >= deviceNameLen {
		s = s[:deviceNameLen-1]
	}
	return s
}

func AppendHello(dst []byte, h Hello) []byte {
	var head [TagSize + 4 + 4]byte
	binary.LittleEndian.PutUint32(head[0:], TypeHandshake)
	binary.LittleEndian.PutUint32(head[4:], HandshakeHello)
	binary.LittleEndian.PutUint32(head[8:], h.ProtocolVersion)
	dst = append(dst, head[:]...)

	var name [deviceNameLen]byte
	copy(name[:deviceNameLen-1], SanitizeDeviceName(h.DeviceName))
	dst = append(dst, name[:]...)

	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(h.SupportedCodecs)))
	for _, c := range h.SupportedCodecs {
		dst = binary.LittleEndian.AppendUint32(dst, c)
	}
	dst = binary.LittleEndian.AppendUint32(dst, h.PreferredWidth)
	dst = binary.LittleEndian.AppendUint32(dst, h.PreferredHeight)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(h.RefreshRates)))
	for _, hz := range h.RefreshRates {
		var f [4]byte
		putF32(f[:], hz)
		dst = append(dst, f[:]...)
	}
	return dst
}

func ParseHello(buf []byte) (Hello, error) {
	var h Hello
	const fixed = TagSize + 4 + 4 + deviceNameLen + 4
	if len(buf) < fixed {
		return h, ErrShortPacket
	}
	if binary.LittleEndian.Uint32(buf) != TypeHandshake ||
		binary.LittleEndian.Uint32(buf[4:]) != HandshakeHello {
		return h, ErrBadTag
	}
	h.ProtocolVersion = binary.LittleEndian.Uint32(buf[8:])
	name := buf[12 : 12+deviceNameLen]
	h.DeviceName = SanitizeDeviceName(string(name[:indexNull(name)]))

	off := 12 + deviceNameLen
	nCodecs := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if nCodecs > 8 || len(buf) < off+nCodecs*4+12 {
		return h, ErrShortPacket
	}
	for i := 0; i < nCodecs; i++ {
		h.SupportedCodecs = append(h.SupportedCodecs, binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	h.PreferredWidth = binary.LittleEndian.Uint32(buf[off:])
	h.PreferredHeight = binary.LittleEndian.Uint32(buf[off+4:])
	nRates := int(binary.LittleEndian.Uint32(buf[off+8:]))
	off += 12
	if nRates > 8 || len(buf) < off+nRates*4 {
		return h, ErrShortPacket
	}
	for i := 0; i < nRates; i++ {
		h.RefreshRates = append(h.RefreshRates, getF32(buf[off:]))
		off += 4
	}
	return h, nil
}

func indexNull(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return len(b)
}

// Connect is the server's acceptance reply; it fixes the session parameters.
type Connect struct {
	AcceptedCodec  uint32
	Width          uint32 // per-eye
	Height         uint32
	RefreshRate    float32
	MTU            uint16
	InitialBitrate uint64
	SessionID      [16]byte // UUID bytes
}

const ConnectSize = TagSize + 4 + 4 + 4 + 4 + 4 + 2 + 8 + 16

func AppendConnect(dst []byte, c Connect) []byte {
	var buf [ConnectSize]byte
	binary.LittleEndian.PutUint32(buf[0:], TypeHandshake)
	binary.LittleEndian.PutUint32(buf[4:], HandshakeConnect)
	binary.LittleEndian.PutUint32(buf[8:], c.AcceptedCodec)
	binary.LittleEndian.PutUint32(buf[12:], c.Width)
	binary.LittleEndian.PutUint32(buf[16:], c.Height)
	putF32(buf[20:], c.RefreshRate)
	binary.LittleEndian.PutUint16(buf[24:], c.MTU)
	binary.LittleEndian.PutUint64(buf[26:], c.InitialBitrate)
	copy(buf[34:], c.SessionID[:])
	return append(dst, buf[:]...)
}

func ParseConnect(buf []byte) (Connect, error) {
	var c Connect
	if len(buf) < ConnectSize {
		return c, ErrShortPacket
	}
	if binary.LittleEndian.Uint32(buf) != TypeHandshake ||
		binary.LittleEndian.Uint32(buf[4:]) != HandshakeConnect {
		return c, ErrBadTag
	}
	c.AcceptedCodec = binary.LittleEndian.Uint32(buf[8:])
	c.Width = binary.LittleEndian.Uint32(buf[12:])
	c.Height = binary.LittleEndian.Uint32(buf[16:])
	c.RefreshRate = getF32(buf[20:])
	c.MTU = binary.LittleEndian.Uint16(buf[24:])
	c.InitialBitrate = binary.LittleEndian.Uint64(buf[26:])
	copy(c.SessionID[:], buf[34:])
	return c, nil
}

const RefusedSize = TagSize + 4 + 4

// AppendRefused writes a handshake refusal with the given code.
func AppendRefused(dst []byte, code uint32) []byte {
	var buf [RefusedSize]byte
	binary.LittleEndian.PutUint32(buf[0:], TypeHandshake)
	binary.LittleEndian.PutUint32(buf[4:], HandshakeRefused)
	binary.LittleEndian.PutUint32(buf[8:], code)
	return append(dst, buf[:]...)
}

func ParseRefused(buf []byte) (uint32, error) {
	if len(buf) < RefusedSize {
		return 0, ErrShortPacket
	}
	if binary.LittleEndian.Uint32(buf) != TypeHandshake ||
		binary.LittleEndian.Uint32(buf[4:]) != HandshakeRefused {
		return 0, ErrBadTag
	}
	return binary.LittleEndian.Uint32(buf[8:]), nil
}

// HandshakeKind returns the handshake sub-kind of a TypeHandshake datagram.
func HandshakeKind(buf []byte) (uint32, error) {
	if len(buf) < TagSize+4 {
		return 0, ErrShortPacket
	}
	if binary.LittleEndian.Uint32(buf) != TypeHandshake {
		return 0, ErrBadTag
	}
	return binary.LittleEndian.Uint32(buf[4:]), nil
}
