package compositor

import (
	"fmt"
	"sync"
	"time"

	"github.com/veilstream/streamer/internal/encoder"
	"github.com/veilstream/streamer/internal/logging"
	"github.com/veilstream/streamer/internal/posehistory"
)

var log = logging.L("compositor")

// MaxLayers bounds the per-frame layer list; excess submissions are
// dropped with a warning.
const MaxLayers = 10

// syncAcquireTimeout bounds the keyed-mutex wait; past it the frame is
// dropped rather than stalling the host's submit thread.
const syncAcquireTimeout = 10 * time.Millisecond

// Layer is one eye's view of a submitted layer.
type Layer struct {
	TextureID uint64
	UVBounds  [4]float32 // uMin, vMin, uMax, vMax
}

// LayerPair is a stereo layer submission.
type LayerPair struct {
	Left  Layer
	Right Layer
}

// FrameSink receives the composed frame plus the tracking frame id the
// pose matcher bound it to. Injected so the compositor holds no reference
// back to its driver.
type FrameSink func(frame encoder.RawFrame, trackingFrameID uint64) error

// Config fixes the compositor geometry for a session.
type Config struct {
	EyeWidth  int
	EyeHeight int
	Foveation *FoveationParams // nil disables the remap
	FullRange bool
}

// Counters are the compositor's contribution to session statistics.
type Counters struct {
	FramesComposed  uint64
	FramesDuplicate uint64
	FramesDropped   uint64
	LayersDropped   uint64
}

// Compositor accumulates layers on the host's submit thread and resolves
// them into encoder input on Present.
type Compositor struct {
	cfg     Config
	device  Device
	table   *Table
	history *posehistory.History
	sink    FrameSink
	onVsync func()

	fov  *FoveationMap
	outW int // composed texture, both eyes
	outH int

	mu           sync.Mutex
	layers       []LayerPair
	framePose    posehistory.Matrix3
	havePose     bool
	prevTargetNs uint64
	renderBuf    []byte // both-eyes BGRA at render resolution
	stagingBuf   []byte // post-remap BGRA
	counters     Counters

	layerWarn *logging.Limiter
	syncWarn  *logging.Limiter
}

// New wires a compositor. sink and onVsync may not be nil.
func New(cfg Config, device Device, table *Table, history *posehistory.History, sink FrameSink, onVsync func()) *Compositor {
	c := &Compositor{
		cfg:       cfg,
		device:    device,
		table:     table,
		history:   history,
		sink:      sink,
		onVsync:   onVsync,
		layerWarn: logging.NewLimiter(time.Second),
		syncWarn:  logging.NewLimiter(time.Second),
	}
	if cfg.Foveation != nil {
		c.fov = NewFoveationMap(*cfg.Foveation, cfg.EyeWidth, cfg.EyeHeight)
		c.outW = c.fov.OutWidth * 2
		c.outH = c.fov.OutHeight
	} else {
		c.outW = cfg.EyeWidth * 2
		c.outH = cfg.EyeHeight
	}
	c.renderBuf = make([]byte, cfg.EyeWidth*2*cfg.EyeHeight*4)
	if c.fov != nil {
		c.stagingBuf = make([]byte, c.outW*c.outH*4)
	}
	return c
}

// OutputSize reports the composed (encoder input) texture size.
func (c *Compositor) OutputSize() (w, h int) { return c.outW, c.outH }

// SubmitLayer accumulates one stereo layer for the current frame. The first
// layer's pose rotation is the one frame identity is matched under.
func (c *Compositor) SubmitLayer(pair LayerPair, poseRotation posehistory.Matrix3) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.layers) >= MaxLayers {
		c.counters.LayersDropped++
		c.layerWarn.Warn(log, "Layer limit exceeded, dropping layer", "limit", MaxLayers)
		return
	}
	if len(c.layers) == 0 {
		c.framePose = poseRotation
		c.havePose = true
	}
	c.layers = append(c.layers, pair)
}

// Present composites the accumulated layers, converts to NV12 and hands the
// frame to the sink. The layer list is consumed whether or not the frame
// survives. syncHandle names the texture guarded by the keyed mutex.
func (c *Compositor) Present(syncHandle uint64) error {
	c.mu.Lock()
	layers := c.layers
	c.layers = nil
	pose := c.framePose
	havePose := c.havePose
	c.havePose = false
	c.mu.Unlock()

	if len(layers) == 0 {
		return nil
	}

	syncTex, err := c.table.acquire(syncHandle)
	if err != nil {
		c.dropFrame()
		log.Warn("Present with unknown sync texture", "handle", syncHandle)
		return err
	}
	defer c.table.release(syncHandle)

	release, err := c.device.AcquireSync(syncTex, syncAcquireTimeout)
	if err != nil {
		c.dropFrame()
		c.syncWarn.Warn(log, "Keyed mutex timeout, dropping frame", "handle", syncHandle)
		return err
	}
	defer release()

	// Recover frame identity from the pose the layers were rendered with.
	var targetNs, frameID uint64
	if havePose {
		if entry, ok := c.history.BestMatch(pose); ok {
			targetNs = entry.TargetTimestampNs
			frameID = entry.FrameID
		}
	}

	// The host re-presenting the same rendered frame (timewarp-only tick)
	// produces the same target timestamp; skip the duplicate.
	c.mu.Lock()
	dup := targetNs != 0 && targetNs == c.prevTargetNs
	if !dup {
		c.prevTargetNs = targetNs
	}
	c.mu.Unlock()
	if dup {
		c.mu.Lock()
		c.counters.FramesDuplicate++
		c.mu.Unlock()
		return nil
	}

	c.composite(layers)

	frameBGRA := c.renderBuf
	frameW, frameH := c.cfg.EyeWidth*2, c.cfg.EyeHeight
	if c.fov != nil {
		c.fov.Apply(c.stagingBuf, 0, c.outW, c.renderBuf, 0, frameW)
		c.fov.Apply(c.stagingBuf, c.fov.OutWidth, c.outW, c.renderBuf, c.cfg.EyeWidth, frameW)
		frameBGRA = c.stagingBuf
		frameW, frameH = c.outW, c.outH
	}

	nv12 := bgraToNV12(frameBGRA, frameW, frameH, frameW*4, c.cfg.FullRange)

	frame := encoder.RawFrame{
		NV12:              nv12,
		Width:             frameW,
		Height:            frameH,
		TargetTimestampNs: targetNs,
	}
	if err := c.sink(frame, frameID); err != nil {
		c.dropFrame()
		return fmt.Errorf("frame sink: %w", err)
	}

	c.mu.Lock()
	c.counters.FramesComposed++
	c.mu.Unlock()
	return nil
}

// PostPresent signals vsync for pacing.
func (c *Compositor) PostPresent() {
	if c.onVsync != nil {
		c.onVsync()
	}
}

// composite draws the layer list into renderBuf. The first layer is blended
// with alpha=1 (some host apps zero their primary layer's alpha); later
// layers use source-alpha over.
func (c *Compositor) composite(layers []LayerPair) {
	for i := range c.renderBuf {
		c.renderBuf[i] = 0
	}
	for i, pair := range layers {
		opaque := i == 0
		c.drawEye(pair.Left, 0, opaque)
		c.drawEye(pair.Right, c.cfg.EyeWidth, opaque)
	}
}

// drawEye samples one layer texture across an eye viewport.
func (c *Compositor) drawEye(layer Layer, dstXOff int, opaque bool) {
	tex, err := c.table.acquire(layer.TextureID)
	if err != nil {
		c.mu.Lock()
		c.counters.LayersDropped++
		c.mu.Unlock()
		c.layerWarn.Warn(log, "Layer texture missing, dropping layer", "textureId", layer.TextureID)
		return
	}
	defer c.table.release(layer.TextureID)

	desc := tex.Desc()
	src := tex.Pixels()
	eyeW, eyeH := c.cfg.EyeWidth, c.cfg.EyeHeight
	stride := c.cfg.EyeWidth * 2 * 4

	uMin, vMin := float64(layer.UVBounds[0]), float64(layer.UVBounds[1])
	uMax, vMax := float64(layer.UVBounds[2]), float64(layer.UVBounds[3])
	if uMax <= uMin || vMax <= vMin {
		uMin, vMin, uMax, vMax = 0, 0, 1, 1
	}

	for y := 0; y < eyeH; y++ {
		v := vMin + (vMax-vMin)*(float64(y)+0.5)/float64(eyeH)
		sy := int(v * float64(desc.Height))
		if sy < 0 {
			sy = 0
		}
		if sy >= desc.Height {
			sy = desc.Height - 1
		}
		for x := 0; x < eyeW; x++ {
			u := uMin + (uMax-uMin)*(float64(x)+0.5)/float64(eyeW)
			sx := int(u * float64(desc.Width))
			if sx < 0 {
				sx = 0
			}
			if sx >= desc.Width {
				sx = desc.Width - 1
			}

			si := (sy*desc.Width + sx) * 4
			di := y*stride + (dstXOff+x)*4

			if opaque {
				c.renderBuf[di+0] = src[si+0]
				c.renderBuf[di+1] = src[si+1]
				c.renderBuf[di+2] = src[si+2]
				c.renderBuf[di+3] = 0xff
				continue
			}
			a := int(src[si+3])
			inv := 255 - a
			c.renderBuf[di+0] = byte((int(src[si+0])*a + int(c.renderBuf[di+0])*inv) / 255)
			c.renderBuf[di+1] = byte((int(src[si+1])*a + int(c.renderBuf[di+1])*inv) / 255)
			c.renderBuf[di+2] = byte((int(src[si+2])*a + int(c.renderBuf[di+2])*inv) / 255)
			c.renderBuf[di+3] = 0xff
		}
	}
}

func (c *Compositor) dropFrame() {
	c.mu.Lock()
	c.counters.FramesDropped++
	c.mu.Unlock()
}

// Stats snapshots the compositor counters.
func (c *Compositor) Stats() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// NextSwapIndex advances a pair of swap-chain indices modulo the triple
// buffer.
func NextSwapIndex(current [2]int) [2]int {
	return [2]int{(current[0] + 1) % 3, (current[1] + 1) % 3}
}
