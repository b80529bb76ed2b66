// Package session owns one streaming session end to end: it wires the
// control plane, compositor, encoder, packetizer and transport together
// and runs the thread set that moves frames from Present to the wire.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/veilstream/streamer/internal/cadence"
	"github.com/veilstream/streamer/internal/compositor"
	"github.com/veilstream/streamer/internal/config"
	"github.com/veilstream/streamer/internal/control"
	"github.com/veilstream/streamer/internal/encoder"
	"github.com/veilstream/streamer/internal/fec"
	"github.com/veilstream/streamer/internal/logging"
	"github.com/veilstream/streamer/internal/posehistory"
	"github.com/veilstream/streamer/internal/stats"
	"github.com/veilstream/streamer/internal/transport"
)

var log = logging.L("session")

// ErrFatal wraps conditions the host must treat as refusing to start.
var ErrFatal = errors.New("fatal streaming error")

// audioBitrateBps is fixed by the 48 kHz / 16-bit / stereo PCM format.
const audioBitrateBps = 48000 * 16 * 2

// Session is the long-lived server object. It idles on the handshake and
// runs the streaming datapath while a client is connected.
type Session struct {
	cfg *config.Config

	plane     *control.Plane
	transport *transport.Transport
	stats     *stats.Session
	dashboard *stats.DashboardSink

	device  compositor.Device
	table   *compositor.Table
	history *posehistory.History

	mu        sync.Mutex
	streaming bool
	settings  control.Settings
	enc       *encoder.Encoder
	comp      *compositor.Compositor
	pack      *fec.Packetizer
	cad       *cadence.Cadence
	hb        *control.Heartbeat
	idr       *control.IDRScheduler
	fecGov    *control.FecGovernor
	bitrate   *control.BitrateController

	// frameIDs binds encoder output timestamps back to tracking frames.
	frameIDs map[uint64]uint64

	audioCounter uint32
	audioIndex   uint32

	vsyncSubs []func()

	streamDone chan struct{}
	streamWG   sync.WaitGroup

	encodeWarn *logging.Limiter
}

// New builds an idle session from configuration. The device is pluggable
// so hosts bring their GPU surface and tests bring the software device.
func New(cfg *config.Config, device compositor.Device) *Session {
	if device == nil {
		device = compositor.NewSoftwareDevice()
	}
	s := &Session{
		cfg:        cfg,
		transport:  transport.New(0, cfg.ThrottlePktsPerSlot),
		stats:      stats.NewSession(),
		device:     device,
		table:      compositor.NewTable(),
		history:    posehistory.New(posehistory.DefaultCapacity),
		frameIDs:   make(map[uint64]uint64),
		encodeWarn: logging.NewLimiter(time.Second),
	}
	s.plane = control.NewPlane(cfg, s.onConnect)
	return s
}

// Start binds sockets and begins waiting for a client. Bind failures are
// fatal: the core refuses to start.
func (s *Session) Start() error {
	if err := s.transport.Bind(s.cfg.BindHost, s.cfg.StreamPort); err != nil {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	if err := s.plane.Start(); err != nil {
		s.transport.Shutdown()
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	if s.cfg.DashboardEnabled {
		s.dashboard = stats.NewDashboardSink(s.stats)
		if err := s.dashboard.Start(s.cfg.DashboardPort); err != nil {
			log.Warn("Dashboard sink unavailable", "error", err)
			s.dashboard = nil
		}
	}
	log.Info("Session started, awaiting handshake")
	return nil
}

// Shutdown tears the whole session down.
func (s *Session) Shutdown() {
	s.stopStreaming("shutdown")
	s.streamWG.Wait()
	s.plane.Stop()
	s.transport.Shutdown()
	if s.dashboard != nil {
		s.dashboard.Stop()
	}
}

// Stats exposes the session counters for the host.
func (s *Session) Stats() *stats.Session { return s.stats }

// OnVsync registers a host callback fired at every vsync boundary.
func (s *Session) OnVsync(fn func()) {
	s.mu.Lock()
	s.vsyncSubs = append(s.vsyncSubs, fn)
	s.mu.Unlock()
}

// onConnect transitions from handshake to streaming.
func (s *Session) onConnect(settings control.Settings) {
	s.mu.Lock()
	if s.streaming {
		s.mu.Unlock()
		return
	}
	s.settings = settings
	s.streaming = true
	s.streamDone = make(chan struct{})
	s.idr = control.NewIDRScheduler()
	s.fecGov = control.NewFecGovernor()
	s.bitrate = control.NewBitrateController(control.BitrateConfig{
		InitialBps: settings.BitrateBps,
		MinBps:     s.cfg.MinBitrateBps,
		MaxBps:     s.cfg.MaxBitrateBps,
	})
	s.pack = fec.NewPacketizer(settings.MTU)

	var fov *compositor.FoveationParams
	if s.cfg.FoveationEnabled {
		fov = &compositor.FoveationParams{
			CenterX: s.cfg.FoveationCenterX,
			CenterY: s.cfg.FoveationCenterY,
			EdgeX:   s.cfg.FoveationEdgeX,
			EdgeY:   s.cfg.FoveationEdgeY,
		}
	}
	s.comp = compositor.New(compositor.Config{
		EyeWidth:  settings.EyeWidth,
		EyeHeight: settings.EyeHeight,
		Foveation: fov,
		FullRange: s.cfg.ColorRangeFull,
	}, s.device, s.table, s.history, s.frameSink, s.fireVsync)

	outW, outH := s.comp.OutputSize()
	s.enc = encoder.New(s.stats.EncodeLatency.Observe)
	encCfg := encoder.Config{
		Width:         outW,
		Height:        outH,
		RefreshRateHz: settings.RefreshRate,
		Codec:         settings.Codec,
		BitrateBps:    settings.BitrateBps,
		RateControl:   s.cfg.RateControl,
		FullRange:     s.cfg.ColorRangeFull,
		PreferHW:      s.cfg.PreferHardware,
	}
	s.mu.Unlock()

	if err := s.enc.Initialize(encCfg); err != nil {
		log.Error("Encoder initialization failed across all backends", "error", err)
		s.stopStreaming("encoder init failed")
		return
	}

	s.transport.SetPeer(settings.Peer)
	s.transport.SetBudget(settings.BitrateBps, audioBitrateBps)

	s.mu.Lock()
	s.cad = cadence.New(settings.RefreshRate)
	s.cad.OnSecond(s.stats.RollWindow)
	s.hb = control.NewHeartbeat(
		time.Duration(s.cfg.HeartbeatIntervalSeconds)*time.Second,
		s.sendKeepalive,
		func() { s.stopStreaming("heartbeat timeout") },
	)
	done := s.streamDone
	hb := s.hb
	s.mu.Unlock()

	// First frame of a fresh stream is always an IDR.
	s.idr.Request()

	s.cad.Start()
	s.streamWG.Add(2)
	go func() {
		defer s.streamWG.Done()
		s.drainLoop(done)
	}()
	go func() {
		defer s.streamWG.Done()
		hb.Run(done)
	}()
	s.streamWG.Add(1)
	go func() {
		defer s.streamWG.Done()
		s.recvLoop(done)
	}()

	log.Info("Streaming started",
		"sessionId", settings.SessionID.String(),
		"codec", settings.Codec.String(),
		"backend", s.enc.BackendName(),
		"output", fmt.Sprintf("%dx%d", outW, outH),
	)
}

// stopStreaming tears down the per-connection state and reopens the
// handshake. Safe to call from any goroutine and idempotent.
func (s *Session) stopStreaming(reason string) {
	s.mu.Lock()
	if !s.streaming {
		s.mu.Unlock()
		return
	}
	s.streaming = false
	done := s.streamDone
	enc := s.enc
	cad := s.cad
	s.enc = nil
	s.comp = nil
	s.frameIDs = make(map[uint64]uint64)
	s.mu.Unlock()

	log.Info("Streaming stopped", "reason", reason)
	if done != nil {
		close(done)
	}

	// Finish teardown off-thread: stopStreaming is callable from the
	// stream goroutines themselves (heartbeat timeout, client disconnect),
	// which must be able to observe done and exit before the Wait.
	go func() {
		if cad != nil {
			cad.Stop()
		}
		s.streamWG.Wait()
		if enc != nil {
			enc.Close()
		}
		s.history.Clear()
		s.transport.SetPeer(nil)
		s.plane.SetConnected(false)
	}()
}

// fireVsync relays PostPresent to host subscribers.
func (s *Session) fireVsync() {
	s.mu.Lock()
	subs := append([]func(){}, s.vsyncSubs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}
