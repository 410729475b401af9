// Package detour ties the decoder, inspector, trampoline builder, and
// patcher into a single handle: construct once, then enable/disable
// idempotently while keeping a live trampoline address callers can use
// to reach the original behavior.
package detour

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
	"github.com/hexwrap/detourx/execmem"
	"github.com/hexwrap/detourx/inspect"
	"github.com/hexwrap/detourx/internal/plog"
	"github.com/hexwrap/detourx/patch"
	"github.com/hexwrap/detourx/trampoline"
)

var detourLog = plog.NamedLogger("detour", "handle")

// maxPrologueRead bounds how many bytes Analyze is handed: the longest
// x86 instruction is 15 bytes, and a StealPlan needs at most 5 whole
// instructions to guarantee 5 stolen bytes, so 5*15 is a safe ceiling.
const maxPrologueRead = 5 * 15

// Options configures a Detour's construction. The zero value is valid and
// uses the process-wide memory pool and patch registry.
type Options struct {
	Pool     *execmem.Pool
	Registry *patch.Registry
}

func (o Options) pool() *execmem.Pool {
	if o.Pool != nil {
		return o.Pool
	}
	return execmem.Default()
}

func (o Options) registry() *patch.Registry {
	if o.Registry != nil {
		return o.Registry
	}
	return patch.Default()
}

// Detour is a single redirection from target to replacement, together
// with the trampoline that still reaches target's original behavior.
type Detour struct {
	id          uuid.UUID
	target      uintptr
	replacement atomic.Uintptr
	tramp       *trampoline.Trampoline
	plan        *inspect.StealPlan
	registry    *patch.Registry
	enabled     atomic.Bool
	closed      atomic.Bool
}

// New analyzes target's prologue, builds a trampoline for it, and
// returns a Detour in the Disabled state, using the process-wide memory
// pool and patch registry. This is the one-shot entry point; see
// NewWithOptions for power-user control over which pool/registry a
// Detour uses.
func New(target, replacement uintptr) (*Detour, error) {
	return NewWithOptions(target, replacement, Options{})
}

// NewWithOptions is New with explicit control over the backing memory
// pool and patch registry.
func NewWithOptions(target, replacement uintptr, opts Options) (*Detour, error) {
	if target == 0 {
		return nil, newError("New", KindInvalidTarget, fmt.Errorf("target address is nil"))
	}
	if replacement == 0 {
		return nil, newError("New", KindInvalidTarget, fmt.Errorf("replacement address is nil"))
	}

	prologue := readTarget(target, maxPrologueRead)
	if prologue == nil {
		return nil, newError("New", KindInvalidTarget, fmt.Errorf("target address 0x%x is not readable", target))
	}

	plan, err := inspect.Analyze(target, prologue)
	if err != nil {
		return nil, classifyInspectError(err)
	}

	resumeAddr := target + uintptr(plan.StolenBytes)
	tramp, err := trampoline.Build(opts.pool(), target, plan.Instructions, resumeAddr)
	if err != nil {
		return nil, classifyTrampolineError(err)
	}

	d := &Detour{
		id:       uuid.New(),
		target:   target,
		tramp:    tramp,
		plan:     plan,
		registry: opts.registry(),
	}
	d.replacement.Store(replacement)

	detourLog.WithFields(map[string]interface{}{
		"id":          d.id.String(),
		"target":      fmt.Sprintf("0x%x", target),
		"replacement": fmt.Sprintf("0x%x", replacement),
		"mode":        plan.Mode.String(),
		"trampoline":  fmt.Sprintf("0x%x", tramp.Address()),
	}).Info("detour constructed")

	installedMu.Lock()
	installed[d.id] = d
	installedMu.Unlock()

	return d, nil
}

// ID returns the handle's correlation id, threaded through log lines and
// Installed()'s listing. An ambient addition for observability.
func (d *Detour) ID() uuid.UUID { return d.id }

// Target returns the address this detour redirects.
func (d *Detour) Target() uintptr { return d.target }

// TrampolineAddress returns the callable address of the trampoline,
// stable for the handle's lifetime.
func (d *Detour) TrampolineAddress() uintptr { return d.tramp.Address() }

// IsEnabled reports whether the redirect is currently installed.
func (d *Detour) IsEnabled() bool { return d.enabled.Load() }

// Enable installs the redirect. Idempotent: calling Enable on an already
// enabled Detour returns nil without re-patching.
func (d *Detour) Enable() error {
	if d.closed.Load() {
		return newError("Enable", KindAlreadyInState, fmt.Errorf("detour is closed"))
	}
	if d.enabled.Load() {
		return nil
	}

	dest := d.replacement.Load()
	if err := d.registry.Install(d.plan, dest); err != nil {
		return classifyPatchError("Enable", err)
	}
	d.enabled.Store(true)
	detourLog.WithFields(map[string]interface{}{"id": d.id.String()}).Info("detour enabled")
	return nil
}

// Disable reverts the target to its saved original bytes. Idempotent.
func (d *Detour) Disable() error {
	if d.closed.Load() && !d.enabled.Load() {
		return newError("Disable", KindAlreadyInState, fmt.Errorf("detour is closed"))
	}
	if !d.enabled.Load() {
		return nil
	}

	if err := d.registry.Uninstall(d.plan); err != nil {
		return classifyPatchError("Disable", err)
	}
	d.enabled.Store(false)
	detourLog.WithFields(map[string]interface{}{"id": d.id.String()}).Info("detour disabled")
	return nil
}

// SetDetour updates the redirect target. If currently enabled, only the
// installed jump's displacement is rewritten, under the patch registry's
// mutex; the target's stolen-bytes accounting is untouched.
func (d *Detour) SetDetour(newReplacement uintptr) error {
	if d.closed.Load() {
		return newError("SetDetour", KindAlreadyInState, fmt.Errorf("detour is closed"))
	}
	if newReplacement == 0 {
		return newError("SetDetour", KindInvalidTarget, fmt.Errorf("replacement address is nil"))
	}

	d.replacement.Store(newReplacement)
	if !d.enabled.Load() {
		return nil
	}
	if err := d.registry.Rewrite(d.plan, newReplacement); err != nil {
		return classifyPatchError("SetDetour", err)
	}
	detourLog.WithFields(map[string]interface{}{
		"id":          d.id.String(),
		"replacement": fmt.Sprintf("0x%x", newReplacement),
	}).Debug("redirect rewritten")
	return nil
}

// Close force-disables the detour and releases its trampoline. It is
// terminal: a closed Detour rejects further Enable/Disable/SetDetour
// calls with ErrAlreadyInState. If the forced disable fails (the OS
// refuses the protection flip), the trampoline is deliberately leaked
// rather than freed out from under a target that might still jump into
// it.
func (d *Detour) Close() error {
	if d.closed.Swap(true) {
		return nil
	}

	installedMu.Lock()
	delete(installed, d.id)
	installedMu.Unlock()

	if d.enabled.Load() {
		if err := d.registry.Uninstall(d.plan); err != nil {
			detourLog.WithFields(map[string]interface{}{
				"id": d.id.String(), "error": err.Error(),
			}).Error("forced disable failed on close, leaking trampoline")
			return classifyPatchError("Close", err)
		}
		d.enabled.Store(false)
	}

	if err := d.tramp.Release(); err != nil {
		return newError("Close", KindProtectionDenied, err)
	}
	return nil
}

// readTarget returns a view of the n bytes starting at addr, or nil if addr
// is null; no other address is rejected. There is no
// portable way to probe arbitrary readability from Go without OS-specific
// exception handling, so this is a best-effort sanity check; an actually
// unmapped address still faults, same as the native code this library
// instruments would.
func readTarget(addr uintptr, n int) []byte {
	if addr == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

var (
	installedMu sync.Mutex
	installed   = make(map[uuid.UUID]*Detour)
)

// Installed returns every currently constructed (not necessarily
// enabled) Detour in the process, used by cmd/detourctl's list
// subcommand.
func Installed() []*Detour {
	installedMu.Lock()
	defer installedMu.Unlock()
	out := make([]*Detour, 0, len(installed))
	for _, d := range installed {
		out = append(out, d)
	}
	return out
}

func classifyInspectError(err error) *Error {
	var unsupported *inspect.ErrUnsupportedInstruction
	switch {
	case errors.As(err, &unsupported):
		return newError("New", KindUnsupportedInstruction, err)
	case errors.Is(err, inspect.ErrNotEnoughBytes):
		return newError("New", KindNotEnoughBytes, err)
	case errors.Is(err, inspect.ErrAlreadyHooked):
		return newError("New", KindInvalidTarget, err)
	default:
		return newError("New", KindUnsupportedInstruction, err)
	}
}

func classifyTrampolineError(err error) *Error {
	if errors.Is(err, execmem.ErrNoReachableMemory) {
		return newError("New", KindOutOfExecutableMemoryInRange, err)
	}
	return newError("New", KindUnrelocatableOperand, err)
}

func classifyPatchError(op string, err error) *Error {
	if errors.Is(err, patch.ErrOverlappingDetour) {
		return newError(op, KindOverlappingDetour, err)
	}
	var denied *patch.ErrProtectionDenied
	if errors.As(err, &denied) {
		return newError(op, KindProtectionDenied, err)
	}
	return newError(op, KindProtectionDenied, err)
}
