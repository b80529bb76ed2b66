// Package compositor draws the host runtime's layered stereo submission
// into one side-by-side texture at encoder resolution, optionally remapping
// to a foveated layout, and converts it to NV12 for the encoder.
package compositor

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// TextureDesc describes a shared texture's geometry.
type TextureDesc struct {
	Width       int
	Height      int
	Format      uint32 // opaque host format id; carried, not interpreted
	SampleCount int
}

// Texture is device memory holding BGRA pixels. Textures in the shared
// table are host-owned; the compositor never retains one past Present.
type Texture interface {
	Desc() TextureDesc
	// Pixels exposes the CPU-visible BGRA bytes, row-major, 4 bytes/pixel.
	Pixels() []byte
}

// Device abstracts texture allocation and cross-process synchronization.
// The production device wraps the host GPU's shared-handle surface; the
// software device below backs tests and headless runs.
type Device interface {
	CreateTexture(desc TextureDesc) (Texture, error)
	// AcquireSync takes the keyed mutex guarding tex, waiting at most
	// timeout. The returned release must be called on every exit path.
	AcquireSync(tex Texture, timeout time.Duration) (release func(), err error)
}

// ErrSyncTimeout is returned when a keyed mutex cannot be acquired inside
// the bound; the caller drops the frame and logs.
var ErrSyncTimeout = errors.New("keyed mutex acquisition timed out")

// SoftwareDevice implements Device with plain memory and per-texture
// mutexes semantics matching a keyed mutex (exclusive, timed acquire).
type SoftwareDevice struct{}

type softwareTexture struct {
	desc TextureDesc
	pix  []byte
	sem  chan struct{}
}

func NewSoftwareDevice() *SoftwareDevice { return &SoftwareDevice{} }

func (d *SoftwareDevice) CreateTexture(desc TextureDesc) (Texture, error) {
	if desc.Width <= 0 || desc.Height <= 0 {
		return nil, fmt.Errorf("invalid texture size %dx%d", desc.Width, desc.Height)
	}
	t := &softwareTexture{
		desc: desc,
		pix:  make([]byte, desc.Width*desc.Height*4),
		sem:  make(chan struct{}, 1),
	}
	t.sem <- struct{}{}
	return t, nil
}

func (d *SoftwareDevice) AcquireSync(tex Texture, timeout time.Duration) (func(), error) {
	st, ok := tex.(*softwareTexture)
	if !ok {
		return nil, errors.New("texture does not belong to this device")
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-st.sem:
		var once sync.Once
		return func() { once.Do(func() { st.sem <- struct{}{} }) }, nil
	case <-timer.C:
		return nil, ErrSyncTimeout
	}
}

func (t *softwareTexture) Desc() TextureDesc { return t.desc }
func (t *softwareTexture) Pixels() []byte    { return t.pix }
