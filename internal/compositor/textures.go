package compositor

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownTexture = errors.New("texture id not in shared table")
	ErrTextureBusy    = errors.New("texture destroyed while a present holds it")
)

type tableEntry struct {
	tex      Texture
	desc     TextureDesc
	ownerPid uint32
	// presents holds the count of in-flight Present passes reading this
	// texture; entries are never freed while one is in progress.
	presents int
	doomed   bool
}

// Table maps texture ids to shared textures, keyed by the handle published
// to the host. Mutated on swap-set create/destroy, read on every submit.
type Table struct {
	mu      sync.Mutex
	entries map[uint64]*tableEntry
	nextID  uint64
}

func NewTable() *Table {
	return &Table{entries: make(map[uint64]*tableEntry), nextID: 1}
}

// CreateSwapTextureSet allocates a triple-buffered set of shared textures
// for the given host process and returns their handles.
func (t *Table) CreateSwapTextureSet(device Device, pid uint32, desc TextureDesc) ([3]uint64, error) {
	var handles [3]uint64
	textures := make([]Texture, 0, 3)
	for i := 0; i < 3; i++ {
		tex, err := device.CreateTexture(desc)
		if err != nil {
			return handles, fmt.Errorf("swap texture %d: %w", i, err)
		}
		textures = append(textures, tex)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i, tex := range textures {
		id := t.nextID
		t.nextID++
		t.entries[id] = &tableEntry{tex: tex, desc: desc, ownerPid: pid}
		handles[i] = id
	}
	return handles, nil
}

// DestroySwapTextureSet removes one handle. A texture held by an in-flight
// present is doomed instead and reaped when the present releases it.
func (t *Table) DestroySwapTextureSet(handle uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[handle]
	if !ok {
		return ErrUnknownTexture
	}
	if e.presents > 0 {
		e.doomed = true
		return nil
	}
	delete(t.entries, handle)
	return nil
}

// DestroyAllForPid reaps every texture the given process owns. Must be
// called when a host process exits.
func (t *Table) DestroyAllForPid(pid uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, e := range t.entries {
		if e.ownerPid != pid {
			continue
		}
		n++
		if e.presents > 0 {
			e.doomed = true
			continue
		}
		delete(t.entries, id)
	}
	return n
}

// acquire pins a texture for the duration of a present pass.
func (t *Table) acquire(handle uint64) (Texture, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[handle]
	if !ok || e.doomed {
		return nil, ErrUnknownTexture
	}
	e.presents++
	return e.tex, nil
}

// release unpins a texture, reaping it if it was doomed mid-present.
func (t *Table) release(handle uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[handle]
	if !ok {
		return
	}
	e.presents--
	if e.presents <= 0 && e.doomed {
		delete(t.entries, handle)
	}
}

// Len reports live entries (doomed ones included until reaped).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
