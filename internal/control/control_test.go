package control

import (
	"net"
	"testing"
	"time"

	"github.com/veilstream/streamer/internal/config"
	"github.com/veilstream/streamer/internal/encoder"
	"github.com/veilstream/streamer/internal/protocol"
)

func TestIDRSchedulerCoalesces(t *testing.T) {
	s := NewIDRScheduler()
	clock := time.Unix(100, 0)
	s.now = func() time.Time { return clock }

	s.Request()
	s.Request()
	s.Request()

	if !s.Take() {
		t.Fatal("pending request not taken")
	}
	if s.Take() {
		t.Fatal("coalesced requests produced a second IDR")
	}
}

func TestIDRSchedulerEnforcesSpacing(t *testing.T) {
	s := NewIDRScheduler()
	clock := time.Unix(100, 0)
	s.now = func() time.Time { return clock }

	s.Request()
	if !s.Take() {
		t.Fatal("first request not taken")
	}

	// A request inside the spacing window stays pending...
	s.Request()
	clock = clock.Add(minIDRSpacing / 2)
	if s.Take() {
		t.Fatal("IDR emitted inside the spacing window")
	}
	// ...and is honored once spacing elapses.
	clock = clock.Add(minIDRSpacing)
	if !s.Take() {
		t.Fatal("deferred request lost")
	}
}

func TestFecGovernorEscalation(t *testing.T) {
	g := NewFecGovernor()
	clock := time.Unix(1000, 0)
	g.now = func() time.Time { return clock }

	if g.Percentage() != fecInitialPercentage {
		t.Fatalf("initial percentage %d", g.Percentage())
	}

	// Two failures are not yet a storm: no escalation.
	if pct := g.OnFailure(); pct != fecInitialPercentage {
		t.Fatalf("isolated failure escalated to %d", pct)
	}
	clock = clock.Add(time.Second)
	if pct := g.OnFailure(); pct != fecInitialPercentage {
		t.Fatalf("second consecutive failure escalated to %d", pct)
	}

	// The third consecutive failure raises 5 -> 10.
	clock = clock.Add(time.Second)
	if pct := g.OnFailure(); pct != fecMaxPercentage {
		t.Fatalf("third consecutive failure did not escalate: %d", pct)
	}

	// Stays at max under continued failures.
	clock = clock.Add(time.Second)
	if pct := g.OnFailure(); pct != fecMaxPercentage {
		t.Fatalf("percentage overflowed the bound: %d", pct)
	}

	// A quiet minute earns the parity budget back.
	clock = clock.Add(fecQuietWindow + time.Second)
	if pct := g.Percentage(); pct != fecInitialPercentage {
		t.Fatalf("quiet window did not decay percentage: %d", pct)
	}
}

func makeController(t *testing.T) (*BitrateController, *time.Time) {
	t.Helper()
	c := NewBitrateController(BitrateConfig{
		InitialBps: 30_000_000,
		MinBps:     5_000_000,
		MaxBps:     100_000_000,
		Cooldown:   time.Millisecond,
	})
	clock := time.Unix(500, 0)
	c.now = func() time.Time { return clock }
	return c, &clock
}

func TestBitrateDegradeOnLoss(t *testing.T) {
	c, clock := makeController(t)

	lossy := protocol.ClientStats{ObservedThroughputBps: 40_000_000, PacketLossFraction: 0.2}
	var target int64
	var changed bool
	for i := 0; i < 5; i++ {
		*clock = clock.Add(100 * time.Millisecond)
		target, changed = c.Update(lossy)
	}
	if !changed && target >= 30_000_000 {
		t.Fatalf("sustained loss did not degrade: %d", target)
	}
	if target >= 30_000_000 {
		t.Fatalf("degraded target %d not below initial", target)
	}
}

func TestBitrateUpgradeCappedByMeasuredCapacity(t *testing.T) {
	c, clock := makeController(t)

	clean := protocol.ClientStats{ObservedThroughputBps: 35_000_000, PacketLossFraction: 0}
	var target int64
	for i := 0; i < 30; i++ {
		*clock = clock.Add(100 * time.Millisecond)
		target, _ = c.Update(clean)
	}
	// Ceiling is measured * 1.2 = 42 Mbps, far below the 100 Mbps config max.
	if target > 42_000_000 {
		t.Fatalf("target %d exceeded measured link capacity ceiling", target)
	}
	if target <= 30_000_000 {
		t.Fatalf("clean link did not upgrade: %d", target)
	}
}

func TestBitrateNoAdjustmentDuringWarmup(t *testing.T) {
	c, clock := makeController(t)

	lossy := protocol.ClientStats{ObservedThroughputBps: 40_000_000, PacketLossFraction: 0.5}
	if _, changed := c.Update(lossy); changed {
		t.Fatal("adjustment during warmup")
	}
	*clock = clock.Add(time.Microsecond)
	if _, changed := c.Update(lossy); changed {
		t.Fatal("adjustment during warmup")
	}
}

func TestHeartbeatExpiry(t *testing.T) {
	h := NewHeartbeat(10*time.Millisecond, nil, nil)
	if h.Expired() {
		t.Fatal("expired immediately after Touch")
	}
	time.Sleep(60 * time.Millisecond)
	if !h.Expired() {
		t.Fatal("not expired after 5x interval of silence")
	}
	h.Touch()
	if h.Expired() {
		t.Fatal("Touch did not rearm")
	}
}

func testPlaneConfig() *config.Config {
	cfg := config.Default()
	cfg.RenderWidth = 1920
	cfg.RenderHeight = 1088
	cfg.BindHost = "127.0.0.1"
	cfg.ControlPort = 0 // ephemeral
	return cfg
}

// dialPlane starts a plane on an ephemeral port and returns a client conn.
func dialPlane(t *testing.T, p *Plane) *net.UDPConn {
	t.Helper()
	if err := p.Start(); err != nil {
		t.Fatalf("plane start: %v", err)
	}
	t.Cleanup(p.Stop)

	p.mu.Lock()
	addr := p.conn.LocalAddr().(*net.UDPAddr)
	p.mu.Unlock()

	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func clientHello() protocol.Hello {
	return protocol.Hello{
		ProtocolVersion: protocol.ProtocolVersion,
		DeviceName:      "Test HMD",
		SupportedCodecs: []uint32{protocol.CodecH264, protocol.CodecHEVC},
		PreferredWidth:  1920,
		PreferredHeight: 1088,
		RefreshRates:    []float32{72, 90},
	}
}

func TestHandshakeAccept(t *testing.T) {
	var got Settings
	done := make(chan struct{})
	p := NewPlane(testPlaneConfig(), func(s Settings) { got = s; close(done) })
	conn := dialPlane(t, p)

	conn.Write(protocol.AppendHello(nil, clientHello()))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("no connect reply: %v", err)
	}
	reply, err := protocol.ParseConnect(buf[:n])
	if err != nil {
		t.Fatalf("reply not a connect: %v", err)
	}
	if reply.AcceptedCodec != protocol.CodecH264 {
		t.Fatalf("accepted codec %d, want h264 (server preference)", reply.AcceptedCodec)
	}
	if reply.RefreshRate != 90 {
		t.Fatalf("negotiated refresh %f, want 90", reply.RefreshRate)
	}
	if reply.MTU != 1400 {
		t.Fatalf("mtu %d", reply.MTU)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onConnect never fired")
	}
	if got.DeviceName != "Test HMD" || got.Codec != encoder.CodecH264 {
		t.Fatalf("settings: %+v", got)
	}
}

func TestHandshakeVersionMismatch(t *testing.T) {
	p := NewPlane(testPlaneConfig(), func(Settings) { t.Error("onConnect fired for bad version") })
	conn := dialPlane(t, p)

	hello := clientHello()
	hello.ProtocolVersion = protocol.ProtocolVersion + 1
	conn.Write(protocol.AppendHello(nil, hello))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("no refusal reply: %v", err)
	}
	code, err := protocol.ParseRefused(buf[:n])
	if err != nil || code != protocol.ConnectRefusedVersion {
		t.Fatalf("refusal code %d err %v", code, err)
	}
}

func TestHandshakeRefusedWhileOccupied(t *testing.T) {
	p := NewPlane(testPlaneConfig(), func(Settings) {})
	conn := dialPlane(t, p)
	p.SetConnected(true)

	conn.Write(protocol.AppendHello(nil, clientHello()))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	code, _ := protocol.ParseRefused(buf[:n])
	if code != protocol.ConnectRefusedOccupied {
		t.Fatalf("refusal code %d", code)
	}
}

func TestHandshakeNoCommonCodec(t *testing.T) {
	cfg := testPlaneConfig()
	cfg.CodecPreference = []string{"av1"}
	p := NewPlane(cfg, func(Settings) {})
	conn := dialPlane(t, p)

	conn.Write(protocol.AppendHello(nil, clientHello()))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	code, _ := protocol.ParseRefused(buf[:n])
	if code != protocol.ConnectRefusedCodec {
		t.Fatalf("refusal code %d", code)
	}
}
