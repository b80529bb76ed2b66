// Package control runs the session control plane: the hello/connect
// handshake, heartbeats, dynamic parameter negotiation and keyframe
// scheduling.
package control

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veilstream/streamer/internal/config"
	"github.com/veilstream/streamer/internal/encoder"
	"github.com/veilstream/streamer/internal/protocol"
)

// Settings is the outcome of a successful handshake: everything the
// streaming session needs to configure itself.
type Settings struct {
	SessionID   uuid.UUID
	DeviceName  string
	Codec       encoder.Codec
	EyeWidth    int
	EyeHeight   int
	RefreshRate float32
	MTU         int
	BitrateBps  int64
	Peer        *net.UDPAddr
}

// Plane owns the control socket and the handshake state machine. While a
// session is connected further HELLOs are refused.
type Plane struct {
	cfg *config.Config

	mu        sync.Mutex
	conn      *net.UDPConn
	connected bool

	onConnect func(Settings)

	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

func NewPlane(cfg *config.Config, onConnect func(Settings)) *Plane {
	return &Plane{cfg: cfg, onConnect: onConnect, done: make(chan struct{})}
}

// Start binds the broadcast-capable control port and serves handshakes.
func (p *Plane) Start() error {
	addr := &net.UDPAddr{IP: net.ParseIP(p.cfg.BindHost), Port: p.cfg.ControlPort}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("bind control port %d: %w", p.cfg.ControlPort, err)
	}

	p.mu.Lock()
	p.conn = conn
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.serve(conn)
	}()
	log.Info("Control plane listening", "port", p.cfg.ControlPort)
	return nil
}

// SetConnected flips the occupancy state; a disconnecting session calls
// SetConnected(false) to re-open the handshake.
func (p *Plane) SetConnected(connected bool) {
	p.mu.Lock()
	p.connected = connected
	p.mu.Unlock()
}

// Stop closes the control socket and waits for the serve loop.
func (p *Plane) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	close(p.done)
	if conn != nil {
		conn.Close()
	}
	p.wg.Wait()
}

func (p *Plane) serve(conn *net.UDPConn) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-p.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-p.done:
				return
			default:
				continue
			}
		}

		kind, err := protocol.HandshakeKind(buf[:n])
		if err != nil || kind != protocol.HandshakeHello {
			continue
		}
		p.handleHello(conn, buf[:n], peer)
	}
}

func (p *Plane) handleHello(conn *net.UDPConn, pkt []byte, peer *net.UDPAddr) {
	hello, err := protocol.ParseHello(pkt)
	if err != nil {
		log.Warn("Malformed hello", "peer", peer.String(), "error", err)
		return
	}

	refuse := func(code uint32) {
		conn.WriteToUDP(protocol.AppendRefused(nil, code), peer)
	}

	if hello.ProtocolVersion != protocol.ProtocolVersion {
		log.Warn("Protocol version mismatch",
			"peer", peer.String(),
			"client", hello.ProtocolVersion,
			"server", protocol.ProtocolVersion,
		)
		refuse(protocol.ConnectRefusedVersion)
		return
	}

	p.mu.Lock()
	occupied := p.connected
	p.mu.Unlock()
	if occupied {
		refuse(protocol.ConnectRefusedOccupied)
		return
	}

	codec, ok := p.negotiateCodec(hello.SupportedCodecs)
	if !ok {
		log.Warn("No codec in common", "peer", peer.String(), "clientCodecs", hello.SupportedCodecs)
		refuse(protocol.ConnectRefusedCodec)
		return
	}

	settings := Settings{
		SessionID:   uuid.New(),
		DeviceName:  hello.DeviceName,
		Codec:       codec,
		EyeWidth:    p.cfg.RenderWidth,
		EyeHeight:   p.cfg.RenderHeight,
		RefreshRate: p.negotiateRefreshRate(hello.RefreshRates),
		MTU:         p.cfg.MTU,
		BitrateBps:  p.cfg.InitialBitrateBps,
		Peer:        peer,
	}

	reply := protocol.Connect{
		AcceptedCodec:  codec.WireID(),
		Width:          uint32(settings.EyeWidth),
		Height:         uint32(settings.EyeHeight),
		RefreshRate:    settings.RefreshRate,
		MTU:            uint16(settings.MTU),
		InitialBitrate: uint64(settings.BitrateBps),
	}
	copy(reply.SessionID[:], settings.SessionID[:])

	if _, err := conn.WriteToUDP(protocol.AppendConnect(nil, reply), peer); err != nil {
		log.Warn("Connect reply failed", "peer", peer.String(), "error", err)
		return
	}

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	log.Info("Client connected",
		"sessionId", settings.SessionID.String(),
		"device", settings.DeviceName,
		"peer", peer.String(),
		"codec", codec.String(),
		"refreshRate", settings.RefreshRate,
	)
	if p.onConnect != nil {
		p.onConnect(settings)
	}
}

// negotiateCodec walks the server's preference order and picks the first
// codec the client also supports.
func (p *Plane) negotiateCodec(client []uint32) (encoder.Codec, bool) {
	supported := make(map[uint32]bool, len(client))
	for _, c := range client {
		supported[c] = true
	}
	for _, name := range p.cfg.CodecPreference {
		codec, err := encoder.ParseCodec(name)
		if err != nil {
			continue
		}
		if supported[codec.WireID()] {
			return codec, true
		}
	}
	return 0, false
}

// negotiateRefreshRate picks the highest client rate the server also
// offers, falling back to the server's first preference.
func (p *Plane) negotiateRefreshRate(client []float32) float32 {
	var best float32
	for _, hz := range client {
		for _, srv := range p.cfg.RefreshRates {
			if float64(hz) == srv && hz > best {
				best = hz
			}
		}
	}
	if best == 0 {
		return float32(p.cfg.RefreshRates[0])
	}
	return best
}
