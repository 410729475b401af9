// Package patch overwrites and restores the bytes at a detour's target
// site. It owns the single process-wide mutex the concurrency model
// requires, the overlap-rejecting registry of installed patch ranges, and
// the atomic two-phase write discipline that keeps a concurrently
// executing thread from ever observing a torn, malformed instruction.
package patch

import (
	"fmt"
	"sync"

	"github.com/hexwrap/detourx/inspect"
	"github.com/hexwrap/detourx/internal/plog"
)

var patchLog = plog.NamedLogger("patch", "patcher")

// ErrOverlappingDetour is returned when a StealPlan's patch-site range
// intersects a range some other installed detour already owns.
var ErrOverlappingDetour = fmt.Errorf("patch: target range overlaps an already-installed detour")

// ErrProtectionDenied wraps an OS refusal to change a page's protection.
type ErrProtectionDenied struct{ Cause error }

func (e *ErrProtectionDenied) Error() string { return fmt.Sprintf("patch: protection denied: %v", e.Cause) }
func (e *ErrProtectionDenied) Unwrap() error  { return e.Cause }

type byteRange struct {
	start uintptr
	end   uintptr
}

func rangeOf(plan *inspect.StealPlan) byteRange {
	// The HotPatch mode touches both the padding (RedirectSite) and the
	// entry (PatchSite); the owned range spans both so a second detour
	// can never land its own long jump in bytes this one already claimed.
	lo, hi := plan.PatchSite, plan.PatchSite+uintptr(plan.StolenBytes)
	if plan.RedirectSite < lo {
		lo = plan.RedirectSite
	}
	if plan.Mode == inspect.ModeHotPatch {
		longJumpEnd := plan.RedirectSite + 5
		if longJumpEnd > hi {
			hi = longJumpEnd
		}
	}
	return byteRange{start: lo, end: hi}
}

func (r byteRange) overlaps(o byteRange) bool {
	return r.start < o.end && o.start < r.end
}

// Registry is the process-wide set of currently installed patch-site
// ranges. A single mutex serializes every install/uninstall in the
// process: a single-writer contract.
type Registry struct {
	mu     sync.Mutex
	active map[*inspect.StealPlan]byteRange
}

// NewRegistry creates an empty registry. Most callers want Default().
func NewRegistry() *Registry {
	return &Registry{active: make(map[*inspect.StealPlan]byteRange)}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide patch registry.
func Default() *Registry { return defaultRegistry }

// Install overwrites the target bytes described by plan with a redirect
// to destination, after checking the plan's range against every other
// range currently registered. On any failure the target is left exactly
// as it was found. Two different plans that claim overlapping bytes —
// including two plans for the exact same target address — are rejected
// with ErrOverlappingDetour; re-installing the very same plan pointer
// that is already active is the one case treated as idempotent, since
// that can only happen through Detour.Enable's own already-enabled check.
func (r *Registry) Install(plan *inspect.StealPlan, destination uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[plan]; ok {
		return nil
	}

	site := rangeOf(plan)
	for other := range r.active {
		if rangeOf(other).overlaps(site) {
			return ErrOverlappingDetour
		}
	}

	if err := writeRedirectForPlan(plan, destination); err != nil {
		return err
	}
	r.active[plan] = site
	patchLog.WithFields(map[string]interface{}{
		"patch_site": fmt.Sprintf("0x%x", uint64(plan.PatchSite)),
		"mode":       plan.Mode.String(),
		"bytes":      plan.StolenBytes,
	}).Debug("installed redirect")
	return nil
}

// Uninstall restores plan's SavedBytes and releases its range from the
// registry. Uninstalling a plan that was never installed is a no-op.
func (r *Registry) Uninstall(plan *inspect.StealPlan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[plan]; !ok {
		return nil
	}

	if err := restoreSavedBytes(plan); err != nil {
		return err
	}
	delete(r.active, plan)
	patchLog.WithFields(map[string]interface{}{
		"patch_site": fmt.Sprintf("0x%x", uint64(plan.PatchSite)),
	}).Debug("restored original bytes")
	return nil
}

// Rewrite updates only the destination of an already-installed redirect,
// re-running the protection-flip-and-write discipline without touching
// the registry (the range hasn't changed). Used by Detour.SetDetour.
func (r *Registry) Rewrite(plan *inspect.StealPlan, destination uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return writeRedirectForPlan(plan, destination)
}

// writeRedirectForPlan flips protection over the bytes the plan claims,
// writes the appropriate jump sequence for the plan's Mode, and restores
// protection — on every exit path, including failures mid-write.
func writeRedirectForPlan(plan *inspect.StealPlan, destination uintptr) error {
	switch plan.Mode {
	case inspect.ModeHotPatch:
		return installHotPatch(plan, destination)
	default:
		return installDirect(plan, destination)
	}
}

func installDirect(plan *inspect.StealPlan, destination uintptr) error {
	jump := encodeRel32Jump(plan.PatchSite, destination)
	return withWritableRegion(plan.PatchSite, len(jump), func(mem []byte) {
		writeAtomic(mem, jump)
	})
}

// installHotPatch writes the 5-byte long jump into the padding first —
// it has no effect until the entry's short jump enables it — then
// atomically flips the 2-byte entry to a short jump into that padding.
func installHotPatch(plan *inspect.StealPlan, destination uintptr) error {
	longJump := encodeRel32Jump(plan.RedirectSite, destination)
	if err := withWritableRegion(plan.RedirectSite, len(longJump), func(mem []byte) {
		copy(mem, longJump)
	}); err != nil {
		return err
	}

	shortJump := encodeShortJump(plan.PatchSite, plan.RedirectSite)
	return withWritableRegion(plan.PatchSite, len(shortJump), func(mem []byte) {
		writeAtomic(mem, shortJump)
	})
}

func restoreSavedBytes(plan *inspect.StealPlan) error {
	if plan.Mode == inspect.ModeHotPatch {
		// SavedBytes[0:5] is the padding, SavedBytes[5:7] is the entry —
		// see inspect.detectHotPatch.
		if len(plan.SavedBytes) < 7 {
			return fmt.Errorf("patch: hot-patch plan missing saved padding bytes")
		}
		if err := withWritableRegion(plan.RedirectSite, 5, func(mem []byte) {
			copy(mem, plan.SavedBytes[:5])
		}); err != nil {
			return err
		}
		return withWritableRegion(plan.PatchSite, 2, func(mem []byte) {
			writeAtomic(mem, plan.SavedBytes[5:7])
		})
	}

	return withWritableRegion(plan.PatchSite, len(plan.SavedBytes), func(mem []byte) {
		writeAtomic(mem, plan.SavedBytes)
	})
}

// encodeRel32Jump returns the 5-byte E9 encoding of a jump from src to
// dest.
func encodeRel32Jump(src, dest uintptr) []byte {
	rel := int32(int64(dest) - int64(src+5))
	return []byte{0xE9, byte(rel), byte(rel >> 8), byte(rel >> 16), byte(rel >> 24)}
}

// encodeShortJump returns the 2-byte EB encoding of a jump from src to
// dest, both within 8-bit reach of each other (true by construction: the
// hot-patch padding always sits exactly 5 bytes before the entry it backs).
func encodeShortJump(src, dest uintptr) []byte {
	rel := int8(int64(dest) - int64(src+2))
	return []byte{0xEB, byte(rel)}
}
