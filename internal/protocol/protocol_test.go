package protocol

import (
	"bytes"
	"testing"
)

func TestVideoRoundTrip(t *testing.T) {
	h := VideoHeader{
		PacketCounter:      42,
		TrackingFrameIndex: 9001,
		VideoFrameIndex:    7,
		SentTimeNs:         123456789,
		FrameByteSize:      50000,
		FecIndex:           3,
		FecPercentage:      10,
	}
	shard := []byte{1, 2, 3, 4, 5}

	pkt := AppendVideo(nil, h, shard)
	if len(pkt) != VideoHeaderSize+len(shard) {
		t.Fatalf("packet size %d, want %d", len(pkt), VideoHeaderSize+len(shard))
	}

	got, payload, err := ParseVideo(pkt)
	if err != nil {
		t.Fatalf("ParseVideo: %v", err)
	}
	if got != h {
		t.Fatalf("header mismatch: %+v != %+v", got, h)
	}
	if !bytes.Equal(payload, shard) {
		t.Fatalf("payload mismatch: %v", payload)
	}
}

func TestVideoRejectsWrongTag(t *testing.T) {
	pkt := AppendAudio(nil, AudioHeader{}, make([]byte, 64))
	if _, _, err := ParseVideo(pkt); err != ErrBadTag {
		t.Fatalf("expected ErrBadTag, got %v", err)
	}
}

func TestTrackingRoundTrip(t *testing.T) {
	in := Tracking{
		TargetTimestampNs: 111222333,
		HeadMotion: Motion{
			Position:    [3]float32{0.1, 1.6, -0.3},
			Orientation: [4]float32{0, 0.7071, 0, 0.7071},
		},
		Buttons:        0xdeadbeef,
		Flags:          TrackingFlagBattery,
		BatteryPercent: 87,
	}
	in.ControllerMotion[1].Position = [3]float32{0.2, 1.1, -0.4}

	pkt := AppendTracking(nil, in)
	if len(pkt) < TrackingSize-2 {
		t.Fatalf("short tracking packet: %d", len(pkt))
	}

	// Decoders must tolerate trailing growth.
	pkt = append(pkt, 0, 0, 0, 0)
	out, err := ParseTracking(pkt)
	if err != nil {
		t.Fatalf("ParseTracking: %v", err)
	}
	if out.TargetTimestampNs != in.TargetTimestampNs ||
		out.HeadMotion != in.HeadMotion ||
		out.ControllerMotion != in.ControllerMotion ||
		out.Buttons != in.Buttons ||
		out.BatteryPercent != in.BatteryPercent {
		t.Fatalf("tracking mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestHelloRoundTrip(t *testing.T) {
	in := Hello{
		ProtocolVersion: ProtocolVersion,
		DeviceName:      "Quest 3",
		SupportedCodecs: []uint32{CodecH264, CodecAV1},
		PreferredWidth:  2064,
		PreferredHeight: 2208,
		RefreshRates:    []float32{72, 90, 120},
	}
	out, err := ParseHello(AppendHello(nil, in))
	if err != nil {
		t.Fatalf("ParseHello: %v", err)
	}
	if out.DeviceName != "Quest 3" || out.ProtocolVersion != ProtocolVersion {
		t.Fatalf("hello mismatch: %+v", out)
	}
	if len(out.SupportedCodecs) != 2 || out.SupportedCodecs[1] != CodecAV1 {
		t.Fatalf("codecs mismatch: %v", out.SupportedCodecs)
	}
	if len(out.RefreshRates) != 3 || out.RefreshRates[2] != 120 {
		t.Fatalf("rates mismatch: %v", out.RefreshRates)
	}
}

func TestSanitizeDeviceName(t *testing.T) {
	got := SanitizeDeviceName("bad\x1b[31mname\r\n")
	if got != "bad[31mname" {
		t.Fatalf("sanitize: %q", got)
	}
}

func TestConnectRoundTrip(t *testing.T) {
	in := Connect{
		AcceptedCodec:  CodecHEVC,
		Width:          1920,
		Height:         1920,
		RefreshRate:    90,
		MTU:            1400,
		InitialBitrate: 30_000_000,
	}
	copy(in.SessionID[:], "0123456789abcdef")
	out, err := ParseConnect(AppendConnect(nil, in))
	if err != nil {
		t.Fatalf("ParseConnect: %v", err)
	}
	if out != in {
		t.Fatalf("connect mismatch:\n got %+v\nwant %+v", out, in)
	}
}

func TestRefused(t *testing.T) {
	code, err := ParseRefused(AppendRefused(nil, ConnectRefusedVersion))
	if err != nil || code != ConnectRefusedVersion {
		t.Fatalf("refused: code=%d err=%v", code, err)
	}
}

func TestClientStatsRoundTrip(t *testing.T) {
	in := ClientStats{
		ObservedThroughputBps: 55_000_000,
		PacketLossFraction:    0.03,
		FecFailure:            true,
		DecodeLatencyUs:       4200,
	}
	out, err := ParseClientStats(AppendClientStats(nil, in))
	if err != nil {
		t.Fatalf("ParseClientStats: %v", err)
	}
	if out != in {
		t.Fatalf("stats mismatch: %+v != %+v", out, in)
	}
}

func TestHapticsRoundTrip(t *testing.T) {
	in := Haptics{Path: RightHandPath, DurationS: 0.05, Frequency: 160, Amplitude: 0.8}
	out, err := ParseHaptics(AppendHaptics(nil, in))
	if err != nil || out != in {
		t.Fatalf("haptics: %+v err=%v", out, err)
	}
}

func TestTagDispatch(t *testing.T) {
	cases := []struct {
		pkt  []byte
		want uint32
	}{
		{AppendKeepalive(nil), TypeStreamControl},
		{AppendTimeSync(nil, TimeSync{Mode: TimeSyncProbe}), TypeTimeSync},
		{AppendHaptics(nil, Haptics{}), TypeHaptics},
	}
	for _, c := range cases {
		tag, err := Tag(c.pkt)
		if err != nil || tag != c.want {
			t.Fatalf("tag=%d want=%d err=%v", tag, c.want, err)
		}
	}
	if _, err := Tag([]byte{1, 2}); err != ErrShortPacket {
		t.Fatalf("short tag: %v", err)
	}
}
