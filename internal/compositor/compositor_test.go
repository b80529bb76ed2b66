package compositor

import (
	"testing"
	"time"

	"github.com/veilstream/streamer/internal/encoder"
	"github.com/veilstream/streamer/internal/posehistory"
	"github.com/veilstream/streamer/internal/protocol"
)

type sinkRecorder struct {
	frames []encoder.RawFrame
	ids    []uint64
}

func (s *sinkRecorder) sink(f encoder.RawFrame, id uint64) error {
	s.frames = append(s.frames, f)
	s.ids = append(s.ids, id)
	return nil
}

func newTestCompositor(t *testing.T, fov *FoveationParams) (*Compositor, *Table, *SoftwareDevice, *posehistory.History, *sinkRecorder) {
	t.Helper()
	device := NewSoftwareDevice()
	table := NewTable()
	history := posehistory.New(16)
	rec := &sinkRecorder{}
	c := New(Config{EyeWidth: 64, EyeHeight: 32, Foveation: fov}, device, table, history, rec.sink, func() {})
	return c, table, device, history, rec
}

func fillTexture(tex Texture, b, g, r, a byte) {
	pix := tex.Pixels()
	for i := 0; i < len(pix); i += 4 {
		pix[i], pix[i+1], pix[i+2], pix[i+3] = b, g, r, a
	}
}

func recordPose(h *posehistory.History, ts uint64) (uint64, posehistory.Matrix3) {
	q := [4]float32{0, 0, 0, 1}
	id := h.Record(protocol.Motion{Orientation: q, Position: [3]float32{0, 1.6, 0}}, ts)
	return id, posehistory.FromQuaternion(q)
}

func TestCreateAndDestroySwapTextureSet(t *testing.T) {
	_, table, device, _, _ := newTestCompositor(t, nil)

	handles, err := table.CreateSwapTextureSet(device, 100, TextureDesc{Width: 64, Height: 32})
	if err != nil {
		t.Fatalf("CreateSwapTextureSet: %v", err)
	}
	if table.Len() != 3 {
		t.Fatalf("table has %d entries, want 3", table.Len())
	}
	for _, h := range handles {
		if err := table.DestroySwapTextureSet(h); err != nil {
			t.Fatalf("destroy %d: %v", h, err)
		}
	}
	if table.Len() != 0 {
		t.Fatalf("table not empty after destroy: %d", table.Len())
	}
}

func TestDestroyAllForPid(t *testing.T) {
	_, table, device, _, _ := newTestCompositor(t, nil)
	table.CreateSwapTextureSet(device, 100, TextureDesc{Width: 8, Height: 8})
	table.CreateSwapTextureSet(device, 200, TextureDesc{Width: 8, Height: 8})

	if n := table.DestroyAllForPid(100); n != 3 {
		t.Fatalf("reaped %d textures for pid 100, want 3", n)
	}
	if table.Len() != 3 {
		t.Fatalf("pid 200's textures were reaped too: %d left", table.Len())
	}
}

func TestPresentComposesSideBySide(t *testing.T) {
	c, table, device, history, rec := newTestCompositor(t, nil)

	handles, _ := table.CreateSwapTextureSet(device, 1, TextureDesc{Width: 64, Height: 32})
	left, _ := table.acquire(handles[0])
	right, _ := table.acquire(handles[1])
	fillTexture(left, 0, 0, 255, 255)  // red
	fillTexture(right, 255, 0, 0, 255) // blue
	table.release(handles[0])
	table.release(handles[1])

	id, rot := recordPose(history, 1_000_000)
	c.SubmitLayer(LayerPair{
		Left:  Layer{TextureID: handles[0], UVBounds: [4]float32{0, 0, 1, 1}},
		Right: Layer{TextureID: handles[1], UVBounds: [4]float32{0, 0, 1, 1}},
	}, rot)

	if err := c.Present(handles[0]); err != nil {
		t.Fatalf("Present: %v", err)
	}

	if len(rec.frames) != 1 {
		t.Fatalf("sink got %d frames, want 1", len(rec.frames))
	}
	f := rec.frames[0]
	if f.Width != 128 || f.Height != 32 {
		t.Fatalf("composed size %dx%d, want 128x32", f.Width, f.Height)
	}
	if f.TargetTimestampNs != 1_000_000 || rec.ids[0] != id {
		t.Fatalf("pose binding wrong: ts=%d id=%d", f.TargetTimestampNs, rec.ids[0])
	}
	if len(f.NV12) != 128*32*3/2 {
		t.Fatalf("NV12 size %d", len(f.NV12))
	}

	// Red (left half) has higher luma than blue (right half) in BT.601.
	yLeft := f.NV12[16*128+10]
	yRight := f.NV12[16*128+100]
	if yLeft <= yRight {
		t.Fatalf("left/right composition swapped: Y %d vs %d", yLeft, yRight)
	}
}

func TestPresentSkipsDuplicateTimestamp(t *testing.T) {
	c, table, device, history, rec := newTestCompositor(t, nil)
	handles, _ := table.CreateSwapTextureSet(device, 1, TextureDesc{Width: 64, Height: 32})

	_, rot := recordPose(history, 5_000_000)
	pair := LayerPair{Left: Layer{TextureID: handles[0]}, Right: Layer{TextureID: handles[0]}}

	c.SubmitLayer(pair, rot)
	if err := c.Present(handles[0]); err != nil {
		t.Fatal(err)
	}
	c.SubmitLayer(pair, rot)
	if err := c.Present(handles[0]); err != nil {
		t.Fatal(err)
	}

	if len(rec.frames) != 1 {
		t.Fatalf("duplicate timestamp not suppressed: %d frames", len(rec.frames))
	}
	if c.Stats().FramesDuplicate != 1 {
		t.Fatalf("duplicate counter %d", c.Stats().FramesDuplicate)
	}
}

func TestPresentDropsFrameOnSyncTimeout(t *testing.T) {
	c, table, device, history, rec := newTestCompositor(t, nil)
	handles, _ := table.CreateSwapTextureSet(device, 1, TextureDesc{Width: 64, Height: 32})

	// Hold the keyed mutex from "another process".
	tex, _ := table.acquire(handles[0])
	release, err := device.AcquireSync(tex, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer release()
	defer table.release(handles[0])

	_, rot := recordPose(history, 1)
	c.SubmitLayer(LayerPair{Left: Layer{TextureID: handles[0]}, Right: Layer{TextureID: handles[0]}}, rot)

	if err := c.Present(handles[0]); err != ErrSyncTimeout {
		t.Fatalf("expected ErrSyncTimeout, got %v", err)
	}
	if len(rec.frames) != 0 {
		t.Fatal("frame emitted despite mutex timeout")
	}
	if c.Stats().FramesDropped != 1 {
		t.Fatalf("dropped counter %d", c.Stats().FramesDropped)
	}
}

func TestSubmitLayerLimitAndMissingTexture(t *testing.T) {
	c, table, device, history, rec := newTestCompositor(t, nil)
	handles, _ := table.CreateSwapTextureSet(device, 1, TextureDesc{Width: 64, Height: 32})

	_, rot := recordPose(history, 77)
	good := LayerPair{Left: Layer{TextureID: handles[0]}, Right: Layer{TextureID: handles[0]}}
	for i := 0; i < MaxLayers+3; i++ {
		c.SubmitLayer(good, rot)
	}
	if c.Stats().LayersDropped != 3 {
		t.Fatalf("layer overflow drops %d, want 3", c.Stats().LayersDropped)
	}

	// A layer naming an unknown texture is dropped; the frame survives.
	c.mu.Lock()
	c.layers = nil
	c.mu.Unlock()
	c.SubmitLayer(good, rot)
	c.SubmitLayer(LayerPair{Left: Layer{TextureID: 9999}, Right: Layer{TextureID: 9999}}, rot)
	if err := c.Present(handles[0]); err != nil {
		t.Fatalf("Present: %v", err)
	}
	if len(rec.frames) != 1 {
		t.Fatal("frame with one bad layer did not survive")
	}
}

func TestFoveatedOutputAligned(t *testing.T) {
	m := NewFoveationMap(FoveationParams{CenterX: 0.4, CenterY: 0.4, EdgeX: 4, EdgeY: 5}, 1920, 1080)

	// ceil((0.4 + 0.6/4) * 1920 / 32) * 32 and ceil((0.4 + 0.6/5) * 1080 / 32) * 32.
	if m.OutWidth != 1056 || m.OutHeight != 576 {
		t.Fatalf("foveated extent %dx%d, want 1056x576", m.OutWidth, m.OutHeight)
	}
	if m.OutWidth%encoderAlign != 0 || m.OutHeight%encoderAlign != 0 {
		t.Fatalf("foveated extent %dx%d not 32-aligned", m.OutWidth, m.OutHeight)
	}
}

func TestFoveationMapCoversSource(t *testing.T) {
	m := NewFoveationMap(FoveationParams{CenterX: 0.5, CenterY: 0.5, EdgeX: 2, EdgeY: 2}, 1920, 1080)

	if m.OutWidth%encoderAlign != 0 || m.OutHeight%encoderAlign != 0 {
		t.Fatalf("extent %dx%d not aligned", m.OutWidth, m.OutHeight)
	}

	// The map must be monotonic and span the full source axis.
	sx0, sy0 := m.Remap(0, 0)
	sxN, syN := m.Remap(m.OutWidth-1, m.OutHeight-1)
	if sx0 > 8 || sy0 > 8 {
		t.Fatalf("map does not start at source origin: (%d, %d)", sx0, sy0)
	}
	if sxN < 1920-16 || syN < 1080-16 {
		t.Fatalf("map does not reach source edge: (%d, %d)", sxN, syN)
	}
	prev := -1
	for ox := 0; ox < m.OutWidth; ox++ {
		sx, _ := m.Remap(ox, 0)
		if sx < prev {
			t.Fatalf("srcX not monotonic at %d: %d < %d", ox, sx, prev)
		}
		prev = sx
	}
}

func TestNextSwapIndex(t *testing.T) {
	idx := [2]int{0, 2}
	idx = NextSwapIndex(idx)
	if idx != [2]int{1, 0} {
		t.Fatalf("NextSwapIndex = %v", idx)
	}
}

func TestDestroyDeferredWhilePresentInFlight(t *testing.T) {
	_, table, device, _, _ := newTestCompositor(t, nil)
	handles, _ := table.CreateSwapTextureSet(device, 1, TextureDesc{Width: 8, Height: 8})

	if _, err := table.acquire(handles[0]); err != nil {
		t.Fatal(err)
	}
	if err := table.DestroySwapTextureSet(handles[0]); err != nil {
		t.Fatal(err)
	}
	// Still resolvable for the in-flight present? No: doomed entries refuse
	// new acquires but stay until released.
	if _, err := table.acquire(handles[0]); err != ErrUnknownTexture {
		t.Fatalf("doomed texture newly acquirable: %v", err)
	}
	table.release(handles[0])
	if table.Len() != 2 {
		t.Fatalf("doomed texture not reaped on release: %d", table.Len())
	}
}
