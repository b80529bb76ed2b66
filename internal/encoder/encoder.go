// Package encoder turns composed frames into timestamped NAL/OBU byte
// streams. The front is codec-agnostic; backends register themselves in
// preference order and the first one that initializes wins.
package encoder

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/veilstream/streamer/internal/logging"
	"github.com/veilstream/streamer/internal/protocol"
)

var log = logging.L("encoder")

type Codec int

const (
	CodecH264 Codec = iota
	CodecHEVC
	CodecAV1
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecHEVC:
		return "hevc"
	case CodecAV1:
		return "av1"
	default:
		return fmt.Sprintf("codec(%d)", int(c))
	}
}

// WireID maps a codec onto its handshake identifier.
func (c Codec) WireID() uint32 {
	switch c {
	case CodecHEVC:
		return protocol.CodecHEVC
	case CodecAV1:
		return protocol.CodecAV1
	default:
		return protocol.CodecH264
	}
}

// ParseCodec resolves a config string ("h264", "hevc", "av1").
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "h264", "avc":
		return CodecH264, nil
	case "hevc", "h265":
		return CodecHEVC, nil
	case "av1":
		return CodecAV1, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", s)
	}
}

// CodecFromWire resolves a handshake codec id.
func CodecFromWire(id uint32) (Codec, error) {
	switch id {
	case protocol.CodecH264:
		return CodecH264, nil
	case protocol.CodecHEVC:
		return CodecHEVC, nil
	case protocol.CodecAV1:
		return CodecAV1, nil
	default:
		return 0, fmt.Errorf("unknown wire codec %d", id)
	}
}

// Config fixes the encoder geometry and tuning for one session.
type Config struct {
	Width         int // composed texture, both eyes side by side
	Height        int
	RefreshRateHz float32
	Codec         Codec
	BitrateBps    int64
	RateControl   string // "cbr" or "vbr"
	FullRange     bool
	PreferHW      bool
}

// RawFrame is one composed frame handed to the backend: NV12 pixels plus
// the render timestamp the pose matcher bound it to.
type RawFrame struct {
	NV12              []byte
	Width             int
	Height            int
	TargetTimestampNs uint64
	InsertIDR         bool
}

// FramePacket is one encoded frame ready for packetization.
type FramePacket struct {
	Data              []byte
	PTSNs             uint64
	TargetTimestampNs uint64
	IsIDR             bool
}

// DynamicParams overwrite the active config at the next frame boundary.
type DynamicParams struct {
	Updated    bool
	BitrateBps int64
	Framerate  float32
}

var (
	ErrNoBackend      = errors.New("no encoder backend could initialize")
	ErrNotInitialized = errors.New("encoder not initialized")

	// ErrNeedsRebuild is returned by a backend whose rate control cannot be
	// retuned live; the front tears it down and rebuilds with a forced IDR.
	ErrNeedsRebuild = errors.New("backend requires rebuild for new parameters")
)

type backend interface {
	Start(cfg Config) error
	Push(frame RawFrame) error
	Pull() (*FramePacket, bool)
	SetBitrate(bps int64) error
	ForceKeyUnit()
	Close() error
	Name() string
	Hardware() bool
}

type backendFactory func() backend

var (
	factoriesMu sync.Mutex
	factories   []backendFactory
)

func registerBackendFactory(f backendFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories = append(factories, f)
}

// Encoder is the codec-agnostic front shared by all backends.
type Encoder struct {
	mu      sync.Mutex
	cfg     Config
	backend backend
	pending *DynamicParams

	// onLatency receives one sample per encoded frame (push to pull).
	onLatency func(time.Duration)
	inFlight  map[uint64]time.Time
}

// New creates an uninitialized encoder. onLatency may be nil.
func New(onLatency func(time.Duration)) *Encoder {
	return &Encoder{
		onLatency: onLatency,
		inFlight:  make(map[uint64]time.Time),
	}
}

// Initialize walks the registered backends and keeps the first that starts.
// Failure of every backend is fatal to the session.
func (e *Encoder) Initialize(cfg Config) error {
	factoriesMu.Lock()
	candidates := append([]backendFactory(nil), factories...)
	factoriesMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, factory := range candidates {
		b := factory()
		if b.Hardware() && !cfg.PreferHW {
			continue
		}
		if err := b.Start(cfg); err != nil {
			log.Warn("Encoder backend failed to start", "backend", b.Name(), "error", err)
			continue
		}
		log.Info("Encoder backend started",
			"backend", b.Name(),
			"codec", cfg.Codec.String(),
			"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
			"bitrate", cfg.BitrateBps,
			"hardware", b.Hardware(),
		)
		e.backend = b
		e.cfg = cfg
		return nil
	}
	return ErrNoBackend
}

// PushFrame enqueues a frame for encoding and returns immediately. Pending
// dynamic parameters are applied first so no frame straddles a change.
func (e *Encoder) PushFrame(frame RawFrame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend == nil {
		return ErrNotInitialized
	}

	if p := e.pending; p != nil {
		e.pending = nil
		if err := e.applyParamsLocked(*p); err != nil {
			return err
		}
		// Any bitrate change, retuned live or by rebuild, makes this frame
		// an IDR whether or not one was requested.
		if e.cfg.BitrateBps != p.BitrateBps {
			frame.InsertIDR = true
		}
		e.cfg.BitrateBps = p.BitrateBps
		if p.Framerate > 0 {
			e.cfg.RefreshRateHz = p.Framerate
		}
	}

	if frame.InsertIDR {
		e.backend.ForceKeyUnit()
	}
	e.inFlight[frame.TargetTimestampNs] = time.Now()
	return e.backend.Push(frame)
}

// applyParamsLocked retunes the live backend, or rebuilds it when the
// backend cannot change rate control on the fly.
func (e *Encoder) applyParamsLocked(p DynamicParams) error {
	err := e.backend.SetBitrate(p.BitrateBps)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNeedsRebuild) {
		return err
	}

	log.Info("Rebuilding encoder for new parameters", "bitrate", p.BitrateBps, "framerate", p.Framerate)
	cfg := e.cfg
	cfg.BitrateBps = p.BitrateBps
	if p.Framerate > 0 {
		cfg.RefreshRateHz = p.Framerate
	}
	e.backend.Close()
	if err := e.backend.Start(cfg); err != nil {
		return fmt.Errorf("encoder rebuild: %w", err)
	}
	e.backend.ForceKeyUnit()
	return nil
}

// PullEncoded returns the next encoded frame, or false when the backend has
// not produced output. Non-blocking.
func (e *Encoder) PullEncoded() (*FramePacket, bool) {
	e.mu.Lock()
	b := e.backend
	e.mu.Unlock()
	if b == nil {
		return nil, false
	}

	pkt, ok := b.Pull()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	if start, found := e.inFlight[pkt.TargetTimestampNs]; found {
		delete(e.inFlight, pkt.TargetTimestampNs)
		if e.onLatency != nil {
			e.onLatency(time.Since(start))
		}
	}
	e.mu.Unlock()
	return pkt, true
}

// PendingFrames reports frames pushed but not yet pulled; the drain loop
// uses it to spot a stalled backend.
func (e *Encoder) PendingFrames() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inFlight)
}

// Rebuild tears the backend down and restarts it with the current
// configuration. Used when a transient backend error stops output; the
// next frame is forced IDR. A rebuild failure is persistent and fatal.
func (e *Encoder) Rebuild() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend == nil {
		return ErrNotInitialized
	}
	log.Warn("Rebuilding stalled encoder backend", "backend", e.backend.Name())
	e.backend.Close()
	e.inFlight = make(map[uint64]time.Time)
	if err := e.backend.Start(e.cfg); err != nil {
		return fmt.Errorf("encoder rebuild: %w", err)
	}
	e.backend.ForceKeyUnit()
	return nil
}

// SetParams schedules a parameter change for the next frame boundary.
func (e *Encoder) SetParams(p DynamicParams) {
	if !p.Updated {
		return
	}
	e.mu.Lock()
	e.pending = &p
	e.mu.Unlock()
}

// CodecID reports the operative codec.
func (e *Encoder) CodecID() Codec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Codec
}

// BackendName reports the active backend, or "" before Initialize.
func (e *Encoder) BackendName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend == nil {
		return ""
	}
	return e.backend.Name()
}

// Close shuts the backend down.
func (e *Encoder) Close() {
	e.mu.Lock()
	b := e.backend
	e.backend = nil
	e.mu.Unlock()
	if b != nil {
		b.Close()
	}
}
