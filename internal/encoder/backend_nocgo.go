//go:build !cgo

package encoder

// Without cgo there is no GStreamer binding and therefore no backend to
// register; Initialize reports ErrNoBackend, which the host surfaces as a
// fatal condition.
