package detour

import "sync"

// Static is a declarative "one detour per named site" handle meant to be
// held in a package-level var. It breaks a cyclic-ownership shape that's
// easy to back into otherwise — a global that owns a handle that owns a
// trampoline whose address is captured by a closure the global also owns
// — by storing only the target/replacement addresses itself and lazily
// instantiating the real *Detour on first use; the trampoline's address
// is read back from that Detour on demand and never captured by anything
// Static itself hands out.
type Static struct {
	once sync.Once

	target      uintptr
	replacement uintptr
	opts        Options

	handle  *Detour
	initErr error
}

// NewStatic declares a static detour site without touching target's
// bytes. The underlying Detour is constructed on the first call to Enable
// or TrampolineAddress.
func NewStatic(target, replacement uintptr, opts Options) *Static {
	return &Static{target: target, replacement: replacement, opts: opts}
}

func (s *Static) ensure() (*Detour, error) {
	s.once.Do(func() {
		s.handle, s.initErr = NewWithOptions(s.target, s.replacement, s.opts)
	})
	return s.handle, s.initErr
}

// Enable lazily constructs the underlying Detour on first call, then
// enables it. Idempotent like Detour.Enable.
func (s *Static) Enable() error {
	h, err := s.ensure()
	if err != nil {
		return err
	}
	return h.Enable()
}

// Disable is a no-op if the handle was never constructed (Enable was
// never called); otherwise it forwards to Detour.Disable.
func (s *Static) Disable() error {
	if s.handle == nil {
		return nil
	}
	return s.handle.Disable()
}

// SetDetour updates the replacement address. Before the handle is
// constructed this only updates the value Enable will use; afterward it
// forwards to Detour.SetDetour, which rewrites the live jump if enabled.
func (s *Static) SetDetour(newReplacement uintptr) error {
	s.replacement = newReplacement
	if s.handle == nil {
		return nil
	}
	return s.handle.SetDetour(newReplacement)
}

// TrampolineAddress lazily constructs the handle (without enabling it)
// if needed, then reads the trampoline address from it on demand — never
// a value captured at declaration time.
func (s *Static) TrampolineAddress() (uintptr, error) {
	h, err := s.ensure()
	if err != nil {
		return 0, err
	}
	return h.TrampolineAddress(), nil
}

// IsEnabled reports false for a Static that hasn't been constructed yet.
func (s *Static) IsEnabled() bool {
	return s.handle != nil && s.handle.IsEnabled()
}
