package session

import (
	"time"

	"github.com/veilstream/streamer/internal/encoder"
	"github.com/veilstream/streamer/internal/protocol"
)

// recvLoop dispatches inbound datagrams by type tag. Runs on its own
// goroutine; every handler is non-blocking.
func (s *Session) recvLoop(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case dgram, ok := <-s.transport.Incoming():
			if !ok {
				return
			}
			s.handleDatagram(dgram.Buf)
		}
	}
}

// handleDatagram routes one inbound packet. Malformed packets are counted
// and dropped; a hostile peer must not be able to wedge the loop.
func (s *Session) handleDatagram(buf []byte) {
	tag, err := protocol.Tag(buf)
	if err != nil {
		return
	}

	s.mu.Lock()
	hb := s.hb
	s.mu.Unlock()
	if hb != nil {
		hb.Touch()
	}

	switch tag {
	case protocol.TypeTracking:
		s.handleTracking(buf)
	case protocol.TypeTimeSync:
		s.handleTimeSync(buf)
	case protocol.TypeStreamControl:
		s.handleStreamControl(buf)
	}
}

// handleTracking records the pose the client wants the next frame rendered
// for. This is the single writer of the pose history.
func (s *Session) handleTracking(buf []byte) {
	tracking, err := protocol.ParseTracking(buf)
	if err != nil {
		return
	}
	s.history.Record(tracking.HeadMotion, tracking.TargetTimestampNs)
}

// handleTimeSync answers client probes with the server clock so the client
// can estimate offset and RTT.
func (s *Session) handleTimeSync(buf []byte) {
	ts, err := protocol.ParseTimeSync(buf)
	if err != nil || ts.Mode != protocol.TimeSyncProbe {
		return
	}
	ts.Mode = protocol.TimeSyncReply
	ts.ServerTimeNs = uint64(time.Now().UnixNano())
	s.transport.SendControl(protocol.AppendTimeSync(nil, ts))
}

// handleStreamControl processes keepalives, IDR requests and the client's
// periodic link reports.
func (s *Session) handleStreamControl(buf []byte) {
	kind, err := protocol.ControlKind(buf)
	if err != nil {
		return
	}

	switch kind {
	case protocol.ControlKeepalive:
		// Touch already happened; nothing else to do.

	case protocol.ControlIDRRequest:
		reason, err := protocol.ParseIDRRequest(buf)
		if err != nil {
			return
		}
		log.Debug("Client requested IDR", "reason", reason)
		s.RequestIDR()

	case protocol.ControlClientStats:
		stats, err := protocol.ParseClientStats(buf)
		if err != nil {
			return
		}
		s.applyClientStats(stats)

	case protocol.ControlDisconnect:
		s.stopStreaming("client disconnect")
	}
}

// applyClientStats folds a link report into the bitrate controller and the
// FEC governor, propagating changes at the next frame boundary.
func (s *Session) applyClientStats(report protocol.ClientStats) {
	s.mu.Lock()
	bitrate := s.bitrate
	fecGov := s.fecGov
	enc := s.enc
	settings := s.settings
	s.mu.Unlock()

	if report.FecFailure {
		s.stats.FecFailures.Add(1)
		if fecGov != nil {
			pct := fecGov.OnFailure()
			log.Warn("Client reported FEC failure", "fecPercentage", pct)
		}
		s.RequestIDR()
	}

	if bitrate == nil || enc == nil {
		return
	}
	if target, changed := bitrate.Update(report); changed {
		enc.SetParams(encoder.DynamicParams{
			Updated:    true,
			BitrateBps: target,
			Framerate:  settings.RefreshRate,
		})
		s.transport.SetBudget(target, audioBitrateBps)
		s.RequestIDR()
	}
}

// sendKeepalive is the heartbeat's outbound half.
func (s *Session) sendKeepalive() {
	s.transport.SendControl(protocol.AppendKeepalive(nil))
}
