package decode

import "fmt"

// decoder holds the state for parsing a single instruction.
type decoder struct {
	code   []byte
	offset int
	start  int
	instr  *Instruction
	mode64 bool
}

func newDecoder(code []byte, offset int, mode64 bool) *decoder {
	return &decoder{code: code, offset: offset, start: offset, instr: newInstruction(), mode64: mode64}
}

// Decode parses a single instruction at offset in code. mode64 selects
// 64-bit decoding rules (REX prefixes, RIP-relative addressing).
func Decode(code []byte, offset int, mode64 bool) (*Instruction, error) {
	d := newDecoder(code, offset, mode64)
	return d.decode()
}

// DecodeAll parses up to maxInstructions sequential instructions starting
// at the beginning of code.
func DecodeAll(code []byte, maxInstructions int, mode64 bool) ([]*Instruction, error) {
	out := make([]*Instruction, 0, maxInstructions)
	offset := 0
	for offset < len(code) && len(out) < maxInstructions {
		instr, err := Decode(code, offset, mode64)
		if err != nil {
			return out, fmt.Errorf("decode at offset %d: %w", offset, err)
		}
		out = append(out, instr)
		offset += int(instr.Length)
	}
	return out, nil
}

func (d *decoder) decode() (*Instruction, error) {
	if d.offset >= len(d.code) {
		return nil, newError(d.offset, "offset beyond code length")
	}

	if err := d.parsePrefixes(); err != nil {
		return nil, err
	}
	if err := d.parseOpcode(); err != nil {
		return nil, err
	}
	if err := d.parseModRM(); err != nil {
		return nil, err
	}
	if err := d.parseDisplacement(); err != nil {
		return nil, err
	}
	if err := d.parseImmediate(); err != nil {
		return nil, err
	}

	d.instr.Length = uint8(d.offset - d.start)
	if d.instr.Length == 0 || d.offset > len(d.code) {
		return nil, newError(d.start, "zero-length or truncated instruction")
	}
	d.instr.Valid = true
	d.instr.Bytes = append([]byte(nil), d.code[d.start:d.offset]...)
	d.classify()

	return d.instr, nil
}

func (d *decoder) parsePrefixes() error {
	const maxPrefixes = 15
	count := 0
	for d.offset < len(d.code) {
		if count >= maxPrefixes {
			return newError(d.offset, "too many prefixes")
		}
		b := d.code[d.offset]
		pt := GetPrefixType(b)
		if pt == PrefixTypeNone {
			break
		}
		if d.instr.Properties.HasREX {
			return newError(d.offset, "prefix following REX byte")
		}
		switch pt {
		case PrefixTypeSegment:
			d.instr.Properties.HasSegmentPrefix = true
			d.instr.Prefixes = append(d.instr.Prefixes, b)
		case PrefixTypeRepeat:
			d.instr.Properties.HasREPPrefix = true
			d.instr.Prefixes = append(d.instr.Prefixes, b)
		case PrefixTypeLock:
			d.instr.Properties.HasLockPrefix = true
			d.instr.Prefixes = append(d.instr.Prefixes, b)
		case PrefixTypeOperandSize:
			d.instr.Properties.Has66Prefix = true
			d.instr.Prefixes = append(d.instr.Prefixes, b)
		case PrefixTypeAddressSize:
			d.instr.Properties.Has67Prefix = true
			d.instr.Prefixes = append(d.instr.Prefixes, b)
		case PrefixTypeREX:
			if !d.mode64 {
				// 0x40-0x4F decode as INC/DEC in 32-bit mode, not a prefix;
				// prefix scanning stops here.
				goto done
			}
			d.instr.Properties.HasREX = true
			d.instr.REXPrefix = b
			d.instr.Prefixes = append(d.instr.Prefixes, b)
		}
		d.offset++
		count++
	}
done:
	return nil
}

func (d *decoder) parseOpcode() error {
	if d.offset >= len(d.code) {
		return newError(d.offset, "missing opcode byte")
	}
	op := d.code[d.offset]
	d.instr.Opcode = op
	d.offset++

	if op == 0x0F {
		if d.offset >= len(d.code) {
			return newError(d.offset, "missing second opcode byte")
		}
		d.instr.Properties.IsTwoByteOpcode = true
		d.instr.Opcode2 = d.code[d.offset]
		d.offset++
	}
	return nil
}

func (d *decoder) info() opcodeInfo {
	if d.instr.Properties.IsTwoByteOpcode {
		return lookup(d.instr.Opcode2, true)
	}
	return lookup(d.instr.Opcode, false)
}

func (d *decoder) parseModRM() error {
	info := d.info()
	if !info.hasModRM() {
		return nil
	}
	if d.offset >= len(d.code) {
		return newError(d.offset, "missing ModRM byte")
	}

	modrm := d.code[d.offset]
	d.instr.ModRM = modrm
	d.instr.Properties.HasModRM = true
	d.offset++

	mod := (modrm >> 6) & 0x03
	rm := modrm & 0x07

	needsSIB := false
	if mod != 3 && rm == 4 && !d.instr.Properties.Has67Prefix {
		needsSIB = true
	}

	if needsSIB {
		if d.offset >= len(d.code) {
			return newError(d.offset, "missing SIB byte")
		}
		d.instr.SIB = d.code[d.offset]
		d.instr.Properties.HasSIB = true
		d.offset++
	}

	switch mod {
	case 0:
		if rm == 5 && !needsSIB {
			// [disp32] in 32-bit mode, [RIP+disp32] in 64-bit mode.
			d.instr.Properties.DisplacementSize = 4
			d.instr.Properties.HasDisplacement = true
			if d.mode64 {
				d.instr.Properties.IsRIPRelative = true
			}
		} else if needsSIB && (d.instr.SIB&0x07) == 5 {
			d.instr.Properties.DisplacementSize = 4
			d.instr.Properties.HasDisplacement = true
		}
	case 1:
		d.instr.Properties.DisplacementSize = 1
		d.instr.Properties.HasDisplacement = true
	case 2:
		if d.instr.Properties.Has67Prefix {
			d.instr.Properties.DisplacementSize = 2
		} else {
			d.instr.Properties.DisplacementSize = 4
		}
		d.instr.Properties.HasDisplacement = true
	}

	reg := (modrm >> 3) & 0x07
	if d.instr.Opcode == 0xF6 && reg == 0 {
		d.instr.Properties.ImmediateSize = 1
		d.instr.Properties.HasImmediate = true
	} else if d.instr.Opcode == 0xF7 && reg == 0 {
		d.instr.Properties.ImmediateSize = d.operandSize()
		d.instr.Properties.HasImmediate = true
	}

	return nil
}

func (d *decoder) parseDisplacement() error {
	if !d.instr.Properties.HasDisplacement {
		return nil
	}
	size := int(d.instr.Properties.DisplacementSize)
	if d.offset+size > len(d.code) {
		return newError(d.offset, "displacement runs past end of buffer")
	}
	d.instr.DispFieldOffset = d.offset - d.start
	d.instr.Displacement = d.code[d.offset : d.offset+size]
	d.offset += size
	return nil
}

func (d *decoder) parseImmediate() error {
	info := d.info()

	var size uint8
	switch {
	case info.flags&flagImm8 != 0:
		size = 1
	case info.flags&flagImm16 != 0:
		size = 2
	case info.flags&flagImm32 != 0:
		size = 4
	case info.flags&(flagFullSize|flagPrefixSz) != 0:
		size = d.operandSize()
	}

	if d.instr.Opcode >= 0xA0 && d.instr.Opcode <= 0xA3 {
		// The operand is a moffs address, stored as a displacement rather
		// than an immediate: 8 bytes in 64-bit mode, 4 in 32-bit mode,
		// halved by a 0x67 prefix.
		moffs := 4
		if d.mode64 {
			moffs = 8
		}
		if d.instr.Properties.Has67Prefix {
			moffs /= 2
		}
		if d.offset+moffs > len(d.code) {
			return newError(d.offset, "moffs address runs past end of buffer")
		}
		d.instr.DispFieldOffset = d.offset - d.start
		d.instr.Displacement = d.code[d.offset : d.offset+moffs]
		d.instr.Properties.HasDisplacement = true
		d.instr.Properties.DisplacementSize = uint8(moffs)
		d.offset += moffs
		return nil
	}
	if d.instr.Opcode == 0xC8 {
		size = 3 // ENTER imm16, imm8
	}
	if d.instr.Opcode == 0x9A || d.instr.Opcode == 0xEA {
		size = 6
		if d.instr.Properties.Has66Prefix {
			size = 4
		}
	}

	if d.instr.Properties.HasImmediate {
		size = d.instr.Properties.ImmediateSize
	}
	if size == 0 {
		return nil
	}

	if d.offset+int(size) > len(d.code) {
		return newError(d.offset, "immediate runs past end of buffer")
	}
	d.instr.Immediate = d.code[d.offset : d.offset+int(size)]
	d.instr.Properties.HasImmediate = true
	d.instr.Properties.ImmediateSize = size
	d.offset += int(size)

	if info.isRelative() {
		d.instr.Properties.IsRelativeJump = true
	}
	return nil
}

func (d *decoder) operandSize() uint8 {
	if d.instr.Properties.HasREX && d.instr.REXPrefix&0x08 != 0 {
		return 8
	}
	if d.instr.Properties.Has66Prefix {
		return 2
	}
	return 4
}

// classify assigns Kind once the instruction is fully parsed.
func (d *decoder) classify() {
	i := d.instr
	op := i.Opcode

	switch {
	case i.Properties.IsRIPRelative:
		i.Kind = KindRIPRelativeMemory
	case op >= 0x70 && op <= 0x7F, op == 0xEB, op >= 0xE0 && op <= 0xE3:
		i.Kind = KindShortBranch
	case op == 0xE9:
		i.Kind = KindNearBranch
	case i.Properties.IsTwoByteOpcode && i.Opcode2 >= 0x80 && i.Opcode2 <= 0x8F:
		i.Kind = KindNearBranch
	case op == 0xE8:
		i.Kind = KindCall
	case op == 0xC2, op == 0xC3, op == 0xCA, op == 0xCB:
		i.Kind = KindReturn
	case op == 0xFF && i.Properties.HasModRM:
		reg := (i.ModRM >> 3) & 0x07
		if reg >= 2 && reg <= 5 {
			i.Kind = KindIndirectBranch
		}
	}
}

// IsControlFlow reports whether the instruction transfers control (branch,
// call, or return) rather than falling through.
func (i *Instruction) IsControlFlow() bool {
	switch i.Kind {
	case KindShortBranch, KindNearBranch, KindCall, KindReturn, KindIndirectBranch:
		return true
	default:
		return false
	}
}

// ResolveTarget computes the absolute address this instruction refers to,
// given the address at which it is (or will be) located. For branches and
// calls that is the branch target; for RIP-relative memory operands it is
// the address of the referenced data. ip is the instruction's own address,
// not the address of the byte after it.
func (i *Instruction) ResolveTarget(ip uint64) (uint64, error) {
	next := ip + uint64(i.Length)

	switch i.Kind {
	case KindShortBranch, KindNearBranch, KindCall:
		if !i.Properties.IsRelativeJump || len(i.Immediate) == 0 {
			return 0, fmt.Errorf("instruction has no relative displacement")
		}
		return uint64(int64(next) + signExtend(i.Immediate)), nil

	case KindRIPRelativeMemory:
		if len(i.Displacement) != 4 {
			return 0, fmt.Errorf("rip-relative instruction missing disp32")
		}
		return uint64(int64(next) + signExtend(i.Displacement)), nil

	default:
		return 0, fmt.Errorf("instruction kind %s has no resolvable target", i.Kind)
	}
}

func signExtend(b []byte) int64 {
	switch len(b) {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(uint16(b[0]) | uint16(b[1])<<8))
	case 4:
		return int64(int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24))
	default:
		return 0
	}
}
