package decode

/*
 * decode - x86/x64 instruction decoder
 *
 * A length-and-classification decoder purpose-built for trampoline
 * construction: beyond instruction length, it resolves the absolute
 * target of branches and the absolute address of RIP-relative memory
 * operands, since both need rewriting once code moves to a new address.
 */

// Kind classifies an instruction for relocation purposes.
type Kind uint8

const (
	KindOrdinary Kind = iota
	KindShortBranch
	KindNearBranch
	KindCall
	KindReturn
	KindIndirectBranch
	KindRIPRelativeMemory
)

func (k Kind) String() string {
	switch k {
	case KindShortBranch:
		return "short-branch"
	case KindNearBranch:
		return "near-branch"
	case KindCall:
		return "call"
	case KindReturn:
		return "return"
	case KindIndirectBranch:
		return "indirect-branch"
	case KindRIPRelativeMemory:
		return "rip-relative"
	default:
		return "ordinary"
	}
}

// Properties mirrors the prefix/ModRM/SIB bookkeeping a decoder needs to
// reconstruct an instruction's byte layout.
type Properties struct {
	HasModRM        bool
	HasSIB          bool
	HasDisplacement bool
	HasImmediate    bool

	HasREX           bool
	Has66Prefix      bool
	Has67Prefix      bool
	HasSegmentPrefix bool
	HasREPPrefix     bool
	HasLockPrefix    bool

	IsTwoByteOpcode bool
	IsRelativeJump  bool
	IsRIPRelative   bool

	DisplacementSize uint8
	ImmediateSize    uint8
}

// Instruction is a fully decoded x86/x64 instruction.
type Instruction struct {
	Length  uint8
	Valid   bool
	Kind    Kind
	Opcode  uint8
	Opcode2 uint8

	Prefixes  []byte
	REXPrefix uint8

	ModRM uint8
	SIB   uint8

	Displacement []byte
	Immediate    []byte

	// DispFieldOffset is the byte offset of Displacement within the
	// instruction's own encoding, -1 if the instruction has none.
	DispFieldOffset int

	Properties Properties

	// Bytes is the raw encoded instruction, set once Length is known.
	Bytes []byte
}

// PrefixType categorizes a legacy or REX prefix byte.
type PrefixType uint8

const (
	PrefixTypeNone PrefixType = iota
	PrefixTypeSegment
	PrefixTypeRepeat
	PrefixTypeLock
	PrefixTypeOperandSize
	PrefixTypeAddressSize
	PrefixTypeREX
)

type prefixInfo struct {
	Byte byte
	Type PrefixType
}

var knownPrefixes = []prefixInfo{
	{0x26, PrefixTypeSegment},
	{0x2E, PrefixTypeSegment},
	{0x36, PrefixTypeSegment},
	{0x3E, PrefixTypeSegment},
	{0x64, PrefixTypeSegment},
	{0x65, PrefixTypeSegment},

	{0xF2, PrefixTypeRepeat},
	{0xF3, PrefixTypeRepeat},

	{0xF0, PrefixTypeLock},

	{0x66, PrefixTypeOperandSize},
	{0x67, PrefixTypeAddressSize},
}

var prefixMap = buildPrefixMap()

func buildPrefixMap() map[byte]PrefixType {
	m := make(map[byte]PrefixType, len(knownPrefixes))
	for _, p := range knownPrefixes {
		m[p.Byte] = p.Type
	}
	return m
}

// IsPrefix reports whether b is a legacy prefix or a byte in the REX range
// 0x40-0x4F. It takes no mode: in 32-bit code the REX-range bytes are
// INC/DEC opcodes, and telling the two apart is left to the caller.
func IsPrefix(b byte) bool {
	if _, ok := prefixMap[b]; ok {
		return true
	}
	return b >= 0x40 && b <= 0x4F
}

// GetPrefixType returns the PrefixType of b.
func GetPrefixType(b byte) PrefixType {
	if t, ok := prefixMap[b]; ok {
		return t
	}
	if b >= 0x40 && b <= 0x4F {
		return PrefixTypeREX
	}
	return PrefixTypeNone
}

func newInstruction() *Instruction {
	return &Instruction{
		Prefixes:        make([]byte, 0, 4),
		Displacement:    make([]byte, 0, 4),
		Immediate:       make([]byte, 0, 8),
		DispFieldOffset: -1,
	}
}

// Error reports why a byte sequence could not be decoded as an instruction.
type Error struct {
	Offset  int
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(offset int, msg string) *Error {
	return &Error{Offset: offset, Message: msg}
}
