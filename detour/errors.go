package detour

import (
	"errors"
	"fmt"
)

// Kind classifies why a detour operation failed. It is not a type
// hierarchy — every failure is an *Error carrying one of these.
type Kind uint8

const (
	KindNotEnoughBytes Kind = iota
	KindUnsupportedInstruction
	KindUnrelocatableOperand
	KindOutOfExecutableMemoryInRange
	KindProtectionDenied
	KindOverlappingDetour
	KindAlreadyInState
	KindInvalidTarget
)

func (k Kind) String() string {
	switch k {
	case KindNotEnoughBytes:
		return "NotEnoughBytes"
	case KindUnsupportedInstruction:
		return "UnsupportedInstruction"
	case KindUnrelocatableOperand:
		return "UnrelocatableOperand"
	case KindOutOfExecutableMemoryInRange:
		return "OutOfExecutableMemoryInRange"
	case KindProtectionDenied:
		return "ProtectionDenied"
	case KindOverlappingDetour:
		return "OverlappingDetour"
	case KindAlreadyInState:
		return "AlreadyInState"
	case KindInvalidTarget:
		return "InvalidTarget"
	default:
		return "Unknown"
	}
}

// Error is the typed error every detour.Package operation returns on
// failure. Kind lets callers errors.Is/errors.As against a taxonomy
// instead of matching error strings.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("detour: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("detour: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrOverlappingDetour) work without callers
// needing to compare Kind fields by hand.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newError(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// Sentinels usable with errors.Is, one per Kind.
var (
	ErrNotEnoughBytes               = &Error{Kind: KindNotEnoughBytes}
	ErrUnsupportedInstruction       = &Error{Kind: KindUnsupportedInstruction}
	ErrUnrelocatableOperand         = &Error{Kind: KindUnrelocatableOperand}
	ErrOutOfExecutableMemoryInRange = &Error{Kind: KindOutOfExecutableMemoryInRange}
	ErrProtectionDenied             = &Error{Kind: KindProtectionDenied}
	ErrOverlappingDetour            = &Error{Kind: KindOverlappingDetour}
	ErrAlreadyInState               = &Error{Kind: KindAlreadyInState}
	ErrInvalidTarget                = &Error{Kind: KindInvalidTarget}
)
