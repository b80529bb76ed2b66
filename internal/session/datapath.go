package session

import (
	"time"

	"github.com/veilstream/streamer/internal/compositor"
	"github.com/veilstream/streamer/internal/encoder"
	"github.com/veilstream/streamer/internal/fec"
	"github.com/veilstream/streamer/internal/posehistory"
	"github.com/veilstream/streamer/internal/protocol"
)

// --- host runtime surface (Submit thread) ---

// CreateSwapTextureSet allocates shared textures for a host process.
func (s *Session) CreateSwapTextureSet(pid uint32, desc compositor.TextureDesc) ([3]uint64, error) {
	return s.table.CreateSwapTextureSet(s.device, pid, desc)
}

// DestroySwapTextureSet releases one handle.
func (s *Session) DestroySwapTextureSet(handle uint64) error {
	return s.table.DestroySwapTextureSet(handle)
}

// DestroyAllForPid reaps every texture a host process owns; must be called
// on host-process exit.
func (s *Session) DestroyAllForPid(pid uint32) {
	if n := s.table.DestroyAllForPid(pid); n > 0 {
		log.Info("Reaped textures for exited process", "pid", pid, "count", n)
	}
}

// SubmitLayer accumulates one stereo layer for the in-flight frame.
func (s *Session) SubmitLayer(pair compositor.LayerPair, poseRotation posehistory.Matrix3) {
	s.mu.Lock()
	comp := s.comp
	s.mu.Unlock()
	if comp != nil {
		comp.SubmitLayer(pair, poseRotation)
	}
}

// Present composes the frame and feeds the encoder.
func (s *Session) Present(syncHandle uint64) error {
	s.mu.Lock()
	comp := s.comp
	s.mu.Unlock()
	if comp == nil {
		return nil // not streaming; host keeps rendering into the void
	}
	return comp.Present(syncHandle)
}

// PostPresent signals vsync to pacing and host subscribers.
func (s *Session) PostPresent() {
	s.mu.Lock()
	comp := s.comp
	s.mu.Unlock()
	if comp != nil {
		comp.PostPresent()
	}
}

// NextSwapIndex advances a swap-chain index pair.
func (s *Session) NextSwapIndex(current [2]int) [2]int {
	return compositor.NextSwapIndex(current)
}

// frameSink receives composed frames from the compositor and pushes them
// into the encoder with the coalesced IDR decision for this boundary.
func (s *Session) frameSink(frame encoder.RawFrame, trackingFrameID uint64) error {
	s.mu.Lock()
	enc := s.enc
	idr := s.idr
	if frame.TargetTimestampNs != 0 {
		if len(s.frameIDs) > 256 {
			// A stalled encoder must not grow this unboundedly.
			s.frameIDs = make(map[uint64]uint64)
		}
		s.frameIDs[frame.TargetTimestampNs] = trackingFrameID
	}
	s.mu.Unlock()
	if enc == nil {
		return nil
	}

	if idr != nil && idr.Take() {
		frame.InsertIDR = true
	}
	return enc.PushFrame(frame)
}

// RequestIDR schedules a keyframe; callable by the host and by the control
// plane on client request or parameter reconfiguration.
func (s *Session) RequestIDR() {
	s.mu.Lock()
	idr := s.idr
	s.mu.Unlock()
	if idr != nil {
		idr.Request()
	}
}

// --- encoded-frame drain (Packetizer+Transport send thread) ---

// drainLoop pulls encoded frames, shards them and hands them to the
// transport. The poll interval keeps worst-case added latency well under a
// frame at 72-144 Hz.
func (s *Session) drainLoop(done <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Microsecond)
	defer ticker.Stop()

	// A backend holding frames for more than a second has stalled; one
	// rebuild is a transient, a failed rebuild is fatal to the stream.
	const stallCeiling = time.Second
	lastOutput := time.Now()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		enc := s.enc
		s.mu.Unlock()
		if enc == nil {
			return
		}

		produced := false
		for {
			pkt, ok := enc.PullEncoded()
			if !ok {
				break
			}
			produced = true
			s.emitFrame(pkt)
		}

		switch {
		case produced:
			lastOutput = time.Now()
		case enc.PendingFrames() == 0:
			lastOutput = time.Now() // idle, not stalled
		case time.Since(lastOutput) > stallCeiling:
			if err := enc.Rebuild(); err != nil {
				log.Error("Encoder rebuild failed, stopping stream", "error", err)
				s.stopStreaming("encoder failure")
				return
			}
			lastOutput = time.Now()
		}
	}
}

// emitFrame packetizes one encoded frame and enqueues every shard in
// ascending fec_index order.
func (s *Session) emitFrame(pkt *encoder.FramePacket) {
	if len(pkt.Data) == 0 {
		s.stats.FramesDropped.Add(1)
		return
	}

	s.mu.Lock()
	pack := s.pack
	fecGov := s.fecGov
	trackingID := s.frameIDs[pkt.TargetTimestampNs]
	delete(s.frameIDs, pkt.TargetTimestampNs)
	s.mu.Unlock()
	if pack == nil {
		return
	}

	fecPct := fec.InitialPercentage
	if fecGov != nil {
		fecPct = fecGov.Percentage()
	}
	shards, err := pack.Packetize(pkt.Data, trackingID, fecPct)
	if err != nil {
		s.stats.FramesDropped.Add(1)
		s.encodeWarn.Warn(log, "Frame packetization failed", "error", err)
		return
	}

	var bytes uint64
	for _, shard := range shards {
		if s.transport.SendVideo(shard) {
			bytes += uint64(len(shard))
		}
	}
	s.stats.AddWindowBytes(bytes)
	s.stats.PacketsSent.Add(uint64(len(shards)))
	s.stats.VideoFrames.Add(1)
	if pkt.IsIDR {
		s.stats.IDRsSent.Add(1)
	}
}

// --- outbound audio and haptics ---

// SendAudio splits a PCM buffer (16-bit signed, stereo, 48 kHz) into
// self-contained packets. presentationTimeUs stamps the first sample.
func (s *Session) SendAudio(pcm []byte, presentationTimeUs uint64) {
	s.mu.Lock()
	mtu := s.settings.MTU
	streaming := s.streaming
	s.mu.Unlock()
	if !streaming || len(pcm) == 0 {
		return
	}
	if mtu == 0 {
		mtu = 1400
	}

	chunk := mtu - protocol.AudioHeaderSize
	for off := 0; off < len(pcm); off += chunk {
		end := off + chunk
		if end > len(pcm) {
			end = len(pcm)
		}
		hdr := protocol.AudioHeader{
			PacketCounter:      s.audioCounter,
			PresentationTimeUs: presentationTimeUs + uint64(off/4)*1_000_000/48000,
			PacketIndex:        s.audioIndex,
		}
		s.audioCounter++
		s.audioIndex++
		s.transport.SendAudio(protocol.AppendAudio(nil, hdr, pcm[off:end]))
		s.stats.AudioPackets.Add(1)
	}
}

// SendHaptics routes a vibration to the controller in the given hand slot.
func (s *Session) SendHaptics(controller int, durationS, frequency, amplitude float32) {
	s.mu.Lock()
	hands := s.cfg.ControllerHands
	streaming := s.streaming
	s.mu.Unlock()
	if !streaming || controller < 0 || controller >= len(hands) {
		return
	}

	path := protocol.LeftHandPath
	if hands[controller] == 1 {
		path = protocol.RightHandPath
	}
	s.transport.SendHaptics(protocol.AppendHaptics(nil, protocol.Haptics{
		Path:      path,
		DurationS: durationS,
		Frequency: frequency,
		Amplitude: amplitude,
	}))
}
