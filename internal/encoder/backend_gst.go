//go:build cgo

package encoder

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"
	gstvideo "github.com/go-gst/go-gst/gst/video"
)

var gstInitOnce sync.Once

func initGStreamer() {
	gstInitOnce.Do(func() {
		gst.Init(nil)
	})
}

func init() {
	// Hardware first, software fallback last; Initialize walks this order.
	registerBackendFactory(func() backend { return &gstBackend{hardware: true} })
	registerBackendFactory(func() backend { return &gstBackend{} })
}

// elementChoices maps codec to candidate encoder elements, best first.
var elementChoices = map[Codec]struct {
	hardware []string
	software []string
	parser   string
	caps     string
}{
	CodecH264: {
		hardware: []string{"nvh264enc", "vah264enc", "qsvh264enc"},
		software: []string{"x264enc"},
		parser:   "h264parse config-interval=-1",
		caps:     "video/x-h264,stream-format=byte-stream",
	},
	CodecHEVC: {
		hardware: []string{"nvh265enc", "vah265enc", "qsvh265enc"},
		software: []string{"x265enc"},
		parser:   "h265parse config-interval=-1",
		caps:     "video/x-h265,stream-format=byte-stream",
	},
	CodecAV1: {
		hardware: []string{"nvav1enc", "vaav1enc"},
		software: []string{"svtav1enc"},
		parser:   "av1parse",
		caps:     "video/x-av1,stream-format=obu-stream",
	},
}

// gstBackend drives an appsrc → encoder → parser → appsink pipeline with
// every codec tuned for ultra low latency: no B-frames, no lookahead,
// infinite GOP, manual keyframes.
type gstBackend struct {
	hardware bool

	mu       sync.Mutex
	cfg      Config
	element  string
	pipeline *gst.Pipeline
	appsrc   *app.Source
	appsink  *app.Sink
	encoder  *gst.Element

	out     chan *FramePacket
	running atomic.Bool

	// liveRetune is false for elements that latch bitrate at start.
	liveRetune bool

	spsChecked atomic.Bool
}

func (b *gstBackend) Name() string {
	if b.element == "" {
		if b.hardware {
			return "gst-hw"
		}
		return "gst-sw"
	}
	return "gst:" + b.element
}

func (b *gstBackend) Hardware() bool { return b.hardware }

func (b *gstBackend) Start(cfg Config) error {
	initGStreamer()

	choices, ok := elementChoices[cfg.Codec]
	if !ok {
		return fmt.Errorf("unsupported codec %s", cfg.Codec)
	}
	candidates := choices.software
	if b.hardware {
		candidates = choices.hardware
	}

	var element string
	for _, cand := range candidates {
		if gst.Find(cand) != nil {
			element = cand
			break
		}
	}
	if element == "" {
		return fmt.Errorf("no %s encoder element available (tried %s)",
			cfg.Codec, strings.Join(candidates, ", "))
	}

	pipelineStr := buildPipeline(element, choices.parser, choices.caps, cfg)
	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		return fmt.Errorf("parse pipeline %q: %w", pipelineStr, err)
	}

	srcElem, err := pipeline.GetElementByName("videosrc")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return err
	}
	sinkElem, err := pipeline.GetElementByName("videosink")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return err
	}
	encElem, err := pipeline.GetElementByName("venc")
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return err
	}

	appsrc := app.SrcFromElement(srcElem)
	appsink := app.SinkFromElement(sinkElem)
	if appsrc == nil || appsink == nil {
		pipeline.SetState(gst.StateNull)
		return errors.New("pipeline ends are not app elements")
	}

	appsrc.SetProperty("format", gst.FormatTime)
	appsrc.SetProperty("is-live", true)
	colorimetry := "bt601"
	if cfg.FullRange {
		colorimetry = "bt601-full"
	}
	caps := gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,format=NV12,width=%d,height=%d,framerate=%d/1,colorimetry=%s",
		cfg.Width, cfg.Height, int(cfg.RefreshRateHz), colorimetry))
	appsrc.SetProperty("caps", caps)

	appsink.SetProperty("emit-signals", true)
	appsink.SetProperty("max-buffers", uint(2))
	appsink.SetProperty("drop", false)
	appsink.SetProperty("sync", false)

	b.mu.Lock()
	b.cfg = cfg
	b.element = element
	b.pipeline = pipeline
	b.appsrc = appsrc
	b.appsink = appsink
	b.encoder = encElem
	b.out = make(chan *FramePacket, 4)
	b.liveRetune = element != "svtav1enc"
	b.mu.Unlock()

	appsink.SetCallbacks(&app.SinkCallbacks{NewSampleFunc: b.onNewSample})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("pipeline start: %w", err)
	}
	b.running.Store(true)
	go b.watchBus()
	return nil
}

// buildPipeline assembles the launch string for one encoder element.
// Bitrate properties are kilobits across every element family.
func buildPipeline(element, parser, caps string, cfg Config) string {
	kbps := cfg.BitrateBps / 1000
	gop := 1 << 30 // effectively infinite; IDRs are forced manually

	var tuning string
	switch element {
	case "x264enc":
		pass := "pass=cbr"
		if cfg.RateControl == "vbr" {
			pass = "pass=qual"
		}
		tuning = fmt.Sprintf("tune=zerolatency speed-preset=superfast %s bframes=0 b-adapt=false ref=1 rc-lookahead=0 key-int-max=%d bitrate=%d aud=false insert-vui=true",
			pass, gop, kbps)
	case "x265enc":
		tuning = fmt.Sprintf("tune=zerolatency speed-preset=superfast key-int-max=%d bitrate=%d option-string=bframes=0:rc-lookahead=0:repeat-headers=1",
			gop, kbps)
	case "nvh264enc", "nvh265enc":
		rc := "cbr-ld-hq"
		if cfg.RateControl == "vbr" {
			rc = "vbr"
		}
		tuning = fmt.Sprintf("preset=low-latency-hq zerolatency=true rc-mode=%s gop-size=-1 bframes=0 bitrate=%d aud=false",
			rc, kbps)
	case "nvav1enc":
		tuning = fmt.Sprintf("preset=low-latency-hq gop-size=-1 bitrate=%d", kbps)
	case "vah264enc", "vah265enc":
		tuning = fmt.Sprintf("aud=false b-frames=0 ref-frames=1 rate-control=cbr key-int-max=%d bitrate=%d cpb-size=%d",
			gop, kbps, kbps)
	case "vaav1enc":
		tuning = fmt.Sprintf("b-frames=0 rate-control=cbr key-int-max=%d bitrate=%d", gop, kbps)
	case "svtav1enc":
		tuning = fmt.Sprintf("preset=10 intra-period-length=-1 target-bitrate=%d", kbps)
	}

	return fmt.Sprintf(
		"appsrc name=videosrc ! %s name=venc %s ! %s ! %s ! appsink name=videosink",
		element, tuning, parser, caps)
}

func (b *gstBackend) onNewSample(sink *app.Sink) gst.FlowReturn {
	if !b.running.Load() {
		return gst.FlowEOS
	}
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return gst.FlowOK
	}
	data := make([]byte, len(mapInfo.Bytes()))
	copy(data, mapInfo.Bytes())
	buffer.Unmap()

	b.mu.Lock()
	codec := b.cfg.Codec
	wantW, wantH := b.cfg.Width, b.cfg.Height
	out := b.out
	b.mu.Unlock()

	data = FilterAnnexB(codec, data)

	isIDR := !buffer.HasFlags(gst.BufferFlagDeltaUnit)
	if codec != CodecAV1 && isIDR {
		isIDR = ContainsIDR(codec, data)
	}
	if isIDR && codec != CodecAV1 && !hasParameterSets(codec, data) {
		log.Warn("IDR emitted without parameter sets", "codec", codec.String())
	}
	if isIDR && !b.spsChecked.Swap(true) && codec != CodecAV1 {
		if w, h, err := InspectSPS(codec, data); err == nil && (w != wantW || h != wantH) {
			log.Warn("Encoder geometry differs from configuration",
				"coded", fmt.Sprintf("%dx%d", w, h),
				"configured", fmt.Sprintf("%dx%d", wantW, wantH))
		}
	}

	var pts uint64
	if d := buffer.PresentationTimestamp().AsDuration(); d != nil {
		pts = uint64(d.Nanoseconds())
	}

	pkt := &FramePacket{
		Data:              data,
		PTSNs:             pts,
		TargetTimestampNs: pts,
		IsIDR:             isIDR,
	}
	select {
	case out <- pkt:
	default:
		// Drain loop stalled; dropping the oldest keeps latency bounded.
		select {
		case <-out:
		default:
		}
		select {
		case out <- pkt:
		default:
		}
	}
	return gst.FlowOK
}

func (b *gstBackend) watchBus() {
	b.mu.Lock()
	pipeline := b.pipeline
	b.mu.Unlock()
	if pipeline == nil {
		return
	}
	bus := pipeline.GetPipelineBus()
	if bus == nil {
		return
	}
	for b.running.Load() {
		msg := bus.TimedPop(gst.ClockTime(100 * time.Millisecond))
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			return
		case gst.MessageError:
			if gerr := msg.ParseError(); gerr != nil {
				log.Error("GStreamer pipeline error", "backend", b.Name(), "error", gerr.Error())
			}
			return
		case gst.MessageWarning:
			if gwarn := msg.ParseWarning(); gwarn != nil {
				log.Warn("GStreamer pipeline warning", "backend", b.Name(), "error", gwarn.Error())
			}
		}
	}
}

func (b *gstBackend) Push(frame RawFrame) error {
	b.mu.Lock()
	appsrc := b.appsrc
	b.mu.Unlock()
	if appsrc == nil || !b.running.Load() {
		return ErrNotInitialized
	}

	buffer := gst.NewBufferFromBytes(frame.NV12)
	buffer.SetPresentationTimestamp(gst.ClockTime(frame.TargetTimestampNs))

	if ret := appsrc.PushBuffer(buffer); ret != gst.FlowOK {
		return fmt.Errorf("appsrc push: flow %v", ret)
	}
	return nil
}

func (b *gstBackend) Pull() (*FramePacket, bool) {
	b.mu.Lock()
	out := b.out
	b.mu.Unlock()
	if out == nil {
		return nil, false
	}
	select {
	case pkt := <-out:
		return pkt, true
	default:
		return nil, false
	}
}

func (b *gstBackend) SetBitrate(bps int64) error {
	b.mu.Lock()
	enc := b.encoder
	element := b.element
	live := b.liveRetune
	b.mu.Unlock()
	if enc == nil {
		return ErrNotInitialized
	}
	if !live {
		return ErrNeedsRebuild
	}

	prop := "bitrate"
	if element == "svtav1enc" {
		prop = "target-bitrate"
	}
	if err := enc.SetProperty(prop, uint(bps/1000)); err != nil {
		return fmt.Errorf("retune %s: %w", element, err)
	}
	b.mu.Lock()
	b.cfg.BitrateBps = bps
	b.mu.Unlock()
	return nil
}

// ForceKeyUnit asks the encoder for an IDR with all headers, so the next
// keyframe carries (V)PS+SPS+PPS for a clean decoder reset.
func (b *gstBackend) ForceKeyUnit() {
	b.mu.Lock()
	enc := b.encoder
	b.mu.Unlock()
	if enc == nil {
		return
	}
	ev := gstvideo.NewUpstreamForceKeyUnitEvent(gst.ClockTimeNone, true, 0)
	if !enc.SendEvent(ev) {
		log.Warn("Force-key-unit event rejected", "backend", b.Name())
	}
}

func (b *gstBackend) Close() error {
	if !b.running.Swap(false) {
		return nil
	}
	b.mu.Lock()
	pipeline := b.pipeline
	appsrc := b.appsrc
	b.pipeline = nil
	b.appsrc = nil
	b.appsink = nil
	b.encoder = nil
	b.mu.Unlock()

	if appsrc != nil {
		appsrc.EndStream()
	}
	if pipeline != nil {
		pipeline.SetState(gst.StateNull)
	}
	return nil
}
