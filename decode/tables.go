package decode

/*
 * decode - opcode classification tables
 *
 * Structured the way an assembler's own tables are structured: one
 * bit-flag word plus a category string per opcode, rather than packed
 * nibbles. The flags only carry what a length-and-relocation decoder
 * needs; full operand decoding (register names, memory forms) is out
 * of scope.
 */

type flag uint16

const (
	flagModRM    flag = 1 << 0
	flagImm8     flag = 1 << 1
	flagImm16    flag = 1 << 2
	flagImm32    flag = 1 << 3
	flagRelative flag = 1 << 4 // relative branch/call displacement
	flagFullSize flag = 1 << 5 // imm size follows operand size (16/32/64)
	flagPrefixSz flag = 1 << 6 // imm/disp size depends on 0x66 prefix
	flagTwoByte  flag = 1 << 7
)

type opcodeInfo struct {
	flags flag
	name  string
}

// primaryTable covers the one-byte opcode space.
var primaryTable = [256]opcodeInfo{
	0x00: {flagModRM, "ADD"}, 0x01: {flagModRM, "ADD"}, 0x02: {flagModRM, "ADD"}, 0x03: {flagModRM, "ADD"},
	0x04: {flagImm8, "ADD"}, 0x05: {flagFullSize | flagPrefixSz, "ADD"},
	0x06: {0, "PUSH ES"}, 0x07: {0, "POP ES"},
	0x08: {flagModRM, "OR"}, 0x09: {flagModRM, "OR"}, 0x0A: {flagModRM, "OR"}, 0x0B: {flagModRM, "OR"},
	0x0C: {flagImm8, "OR"}, 0x0D: {flagFullSize | flagPrefixSz, "OR"},
	0x0E: {0, "PUSH CS"}, 0x0F: {flagTwoByte, "2BYTE"},

	0x10: {flagModRM, "ADC"}, 0x11: {flagModRM, "ADC"}, 0x12: {flagModRM, "ADC"}, 0x13: {flagModRM, "ADC"},
	0x14: {flagImm8, "ADC"}, 0x15: {flagFullSize | flagPrefixSz, "ADC"},
	0x16: {0, "PUSH SS"}, 0x17: {0, "POP SS"},
	0x18: {flagModRM, "SBB"}, 0x19: {flagModRM, "SBB"}, 0x1A: {flagModRM, "SBB"}, 0x1B: {flagModRM, "SBB"},
	0x1C: {flagImm8, "SBB"}, 0x1D: {flagFullSize | flagPrefixSz, "SBB"},
	0x1E: {0, "PUSH DS"}, 0x1F: {0, "POP DS"},

	0x20: {flagModRM, "AND"}, 0x21: {flagModRM, "AND"}, 0x22: {flagModRM, "AND"}, 0x23: {flagModRM, "AND"},
	0x24: {flagImm8, "AND"}, 0x25: {flagFullSize | flagPrefixSz, "AND"},
	0x26: {0, "ES:"}, 0x27: {0, "DAA"},
	0x28: {flagModRM, "SUB"}, 0x29: {flagModRM, "SUB"}, 0x2A: {flagModRM, "SUB"}, 0x2B: {flagModRM, "SUB"},
	0x2C: {flagImm8, "SUB"}, 0x2D: {flagFullSize | flagPrefixSz, "SUB"},
	0x2E: {0, "CS:"}, 0x2F: {0, "DAS"},

	0x30: {flagModRM, "XOR"}, 0x31: {flagModRM, "XOR"}, 0x32: {flagModRM, "XOR"}, 0x33: {flagModRM, "XOR"},
	0x34: {flagImm8, "XOR"}, 0x35: {flagFullSize | flagPrefixSz, "XOR"},
	0x36: {0, "SS:"}, 0x37: {0, "AAA"},
	0x38: {flagModRM, "CMP"}, 0x39: {flagModRM, "CMP"}, 0x3A: {flagModRM, "CMP"}, 0x3B: {flagModRM, "CMP"},
	0x3C: {flagImm8, "CMP"}, 0x3D: {flagFullSize | flagPrefixSz, "CMP"},
	0x3E: {0, "DS:"}, 0x3F: {0, "AAS"},

	0x40: {0, "REX"}, 0x41: {0, "REX.B"}, 0x42: {0, "REX.X"}, 0x43: {0, "REX.XB"},
	0x44: {0, "REX.R"}, 0x45: {0, "REX.RB"}, 0x46: {0, "REX.RX"}, 0x47: {0, "REX.RXB"},
	0x48: {0, "REX.W"}, 0x49: {0, "REX.WB"}, 0x4A: {0, "REX.WX"}, 0x4B: {0, "REX.WXB"},
	0x4C: {0, "REX.WR"}, 0x4D: {0, "REX.WRB"}, 0x4E: {0, "REX.WRX"}, 0x4F: {0, "REX.WRXB"},

	0x50: {0, "PUSH"}, 0x51: {0, "PUSH"}, 0x52: {0, "PUSH"}, 0x53: {0, "PUSH"},
	0x54: {0, "PUSH"}, 0x55: {0, "PUSH"}, 0x56: {0, "PUSH"}, 0x57: {0, "PUSH"},
	0x58: {0, "POP"}, 0x59: {0, "POP"}, 0x5A: {0, "POP"}, 0x5B: {0, "POP"},
	0x5C: {0, "POP"}, 0x5D: {0, "POP"}, 0x5E: {0, "POP"}, 0x5F: {0, "POP"},

	0x60: {0, "PUSHA"}, 0x61: {0, "POPA"}, 0x62: {flagModRM, "BOUND"}, 0x63: {flagModRM, "MOVSXD"},
	0x64: {0, "FS:"}, 0x65: {0, "GS:"}, 0x66: {0, "OPSIZE"}, 0x67: {0, "ADDRSIZE"},
	0x68: {flagFullSize | flagPrefixSz, "PUSH"}, 0x69: {flagModRM | flagFullSize | flagPrefixSz, "IMUL"},
	0x6A: {flagImm8, "PUSH"}, 0x6B: {flagModRM | flagImm8, "IMUL"},
	0x6C: {0, "INSB"}, 0x6D: {0, "INSD"}, 0x6E: {0, "OUTSB"}, 0x6F: {0, "OUTSD"},

	0x70: {flagImm8 | flagRelative, "JO"}, 0x71: {flagImm8 | flagRelative, "JNO"},
	0x72: {flagImm8 | flagRelative, "JB"}, 0x73: {flagImm8 | flagRelative, "JAE"},
	0x74: {flagImm8 | flagRelative, "JE"}, 0x75: {flagImm8 | flagRelative, "JNE"},
	0x76: {flagImm8 | flagRelative, "JBE"}, 0x77: {flagImm8 | flagRelative, "JA"},
	0x78: {flagImm8 | flagRelative, "JS"}, 0x79: {flagImm8 | flagRelative, "JNS"},
	0x7A: {flagImm8 | flagRelative, "JP"}, 0x7B: {flagImm8 | flagRelative, "JNP"},
	0x7C: {flagImm8 | flagRelative, "JL"}, 0x7D: {flagImm8 | flagRelative, "JGE"},
	0x7E: {flagImm8 | flagRelative, "JLE"}, 0x7F: {flagImm8 | flagRelative, "JG"},

	0x80: {flagModRM | flagImm8, "GRP1"}, 0x81: {flagModRM | flagFullSize | flagPrefixSz, "GRP1"},
	0x82: {flagModRM | flagImm8, "GRP1"}, 0x83: {flagModRM | flagImm8, "GRP1"},
	0x84: {flagModRM, "TEST"}, 0x85: {flagModRM, "TEST"},
	0x86: {flagModRM, "XCHG"}, 0x87: {flagModRM, "XCHG"},
	0x88: {flagModRM, "MOV"}, 0x89: {flagModRM, "MOV"}, 0x8A: {flagModRM, "MOV"}, 0x8B: {flagModRM, "MOV"},
	0x8C: {flagModRM, "MOV"}, 0x8D: {flagModRM, "LEA"}, 0x8E: {flagModRM, "MOV"}, 0x8F: {flagModRM, "POP"},

	0x90: {0, "NOP"}, 0x91: {0, "XCHG"}, 0x92: {0, "XCHG"}, 0x93: {0, "XCHG"},
	0x94: {0, "XCHG"}, 0x95: {0, "XCHG"}, 0x96: {0, "XCHG"}, 0x97: {0, "XCHG"},
	0x98: {0, "CBW"}, 0x99: {0, "CWD"},
	0x9A: {flagImm32 | flagImm16, "CALLF"}, 0x9B: {0, "WAIT"},
	0x9C: {0, "PUSHF"}, 0x9D: {0, "POPF"}, 0x9E: {0, "SAHF"}, 0x9F: {0, "LAHF"},

	0xA0: {flagPrefixSz, "MOV"}, 0xA1: {flagPrefixSz, "MOV"}, 0xA2: {flagPrefixSz, "MOV"}, 0xA3: {flagPrefixSz, "MOV"},
	0xA4: {0, "MOVSB"}, 0xA5: {0, "MOVSD"}, 0xA6: {0, "CMPSB"}, 0xA7: {0, "CMPSD"},
	0xA8: {flagImm8, "TEST"}, 0xA9: {flagFullSize | flagPrefixSz, "TEST"},
	0xAA: {0, "STOSB"}, 0xAB: {0, "STOSD"}, 0xAC: {0, "LODSB"}, 0xAD: {0, "LODSD"},
	0xAE: {0, "SCASB"}, 0xAF: {0, "SCASD"},

	0xB0: {flagImm8, "MOV"}, 0xB1: {flagImm8, "MOV"}, 0xB2: {flagImm8, "MOV"}, 0xB3: {flagImm8, "MOV"},
	0xB4: {flagImm8, "MOV"}, 0xB5: {flagImm8, "MOV"}, 0xB6: {flagImm8, "MOV"}, 0xB7: {flagImm8, "MOV"},
	0xB8: {flagFullSize | flagPrefixSz, "MOV"}, 0xB9: {flagFullSize | flagPrefixSz, "MOV"},
	0xBA: {flagFullSize | flagPrefixSz, "MOV"}, 0xBB: {flagFullSize | flagPrefixSz, "MOV"},
	0xBC: {flagFullSize | flagPrefixSz, "MOV"}, 0xBD: {flagFullSize | flagPrefixSz, "MOV"},
	0xBE: {flagFullSize | flagPrefixSz, "MOV"}, 0xBF: {flagFullSize | flagPrefixSz, "MOV"},

	0xC0: {flagModRM | flagImm8, "GRP2"}, 0xC1: {flagModRM | flagImm8, "GRP2"},
	0xC2: {flagImm16, "RET"}, 0xC3: {0, "RET"},
	0xC4: {flagModRM, "LES"}, 0xC5: {flagModRM, "LDS"},
	0xC6: {flagModRM | flagImm8, "MOV"}, 0xC7: {flagModRM | flagFullSize | flagPrefixSz, "MOV"},
	0xC8: {flagImm16 | flagImm8, "ENTER"}, 0xC9: {0, "LEAVE"},
	0xCA: {flagImm16, "RETF"}, 0xCB: {0, "RETF"},
	0xCC: {0, "INT3"}, 0xCD: {flagImm8, "INT"}, 0xCE: {0, "INTO"}, 0xCF: {0, "IRET"},

	0xD0: {flagModRM, "GRP2"}, 0xD1: {flagModRM, "GRP2"}, 0xD2: {flagModRM, "GRP2"}, 0xD3: {flagModRM, "GRP2"},
	0xD4: {flagImm8, "AAM"}, 0xD5: {flagImm8, "AAD"}, 0xD6: {0, "SALC"}, 0xD7: {0, "XLAT"},
	0xD8: {flagModRM, "ESC"}, 0xD9: {flagModRM, "ESC"}, 0xDA: {flagModRM, "ESC"}, 0xDB: {flagModRM, "ESC"},
	0xDC: {flagModRM, "ESC"}, 0xDD: {flagModRM, "ESC"}, 0xDE: {flagModRM, "ESC"}, 0xDF: {flagModRM, "ESC"},

	0xE0: {flagImm8 | flagRelative, "LOOPNE"}, 0xE1: {flagImm8 | flagRelative, "LOOPE"},
	0xE2: {flagImm8 | flagRelative, "LOOP"}, 0xE3: {flagImm8 | flagRelative, "JCXZ"},
	0xE4: {flagImm8, "IN"}, 0xE5: {flagImm8, "IN"}, 0xE6: {flagImm8, "OUT"}, 0xE7: {flagImm8, "OUT"},
	0xE8: {flagFullSize | flagPrefixSz | flagRelative, "CALL"},
	0xE9: {flagFullSize | flagPrefixSz | flagRelative, "JMP"},
	0xEA: {flagImm32 | flagImm16, "JMPF"},
	0xEB: {flagImm8 | flagRelative, "JMP"},
	0xEC: {0, "IN"}, 0xED: {0, "IN"}, 0xEE: {0, "OUT"}, 0xEF: {0, "OUT"},

	0xF0: {0, "LOCK"}, 0xF1: {0, "INT1"}, 0xF2: {0, "REPNE"}, 0xF3: {0, "REP"},
	0xF4: {0, "HLT"}, 0xF5: {0, "CMC"},
	0xF6: {flagModRM | flagImm8, "GRP3"}, 0xF7: {flagModRM | flagFullSize | flagPrefixSz, "GRP3"},
	0xF8: {0, "CLC"}, 0xF9: {0, "STC"}, 0xFA: {0, "CLI"}, 0xFB: {0, "STI"},
	0xFC: {0, "CLD"}, 0xFD: {0, "STD"}, 0xFE: {flagModRM, "GRP4"}, 0xFF: {flagModRM, "GRP5"},
}

// secondaryTable covers the 0x0F-prefixed two-byte opcode space. Only the
// subset a prologue decoder is likely to meet is filled in; anything else
// decodes as a plain ModRM instruction with no special operand size.
var secondaryTable = [256]opcodeInfo{
	0x00: {flagModRM, "GRP6"}, 0x01: {flagModRM, "GRP7"}, 0x02: {flagModRM, "LAR"}, 0x03: {flagModRM, "LSL"},
	0x05: {0, "SYSCALL"}, 0x06: {0, "CLTS"}, 0x07: {0, "SYSRET"}, 0x08: {0, "INVD"}, 0x09: {0, "WBINVD"},
	0x0B: {0, "UD2"}, 0x0D: {flagModRM, "PREFETCH"},

	0x10: {flagModRM, "MOVUPS"}, 0x11: {flagModRM, "MOVUPS"}, 0x12: {flagModRM, "MOVLPS"}, 0x13: {flagModRM, "MOVLPS"},
	0x14: {flagModRM, "UNPCKLPS"}, 0x15: {flagModRM, "UNPCKHPS"}, 0x16: {flagModRM, "MOVHPS"}, 0x17: {flagModRM, "MOVHPS"},
	0x18: {flagModRM, "PREFETCH"}, 0x1F: {flagModRM, "NOP"},

	0x20: {flagModRM, "MOV"}, 0x21: {flagModRM, "MOV"}, 0x22: {flagModRM, "MOV"}, 0x23: {flagModRM, "MOV"},
	0x31: {0, "RDTSC"},

	0x40: {flagModRM, "CMOVO"}, 0x41: {flagModRM, "CMOVNO"}, 0x42: {flagModRM, "CMOVB"}, 0x43: {flagModRM, "CMOVAE"},
	0x44: {flagModRM, "CMOVE"}, 0x45: {flagModRM, "CMOVNE"}, 0x46: {flagModRM, "CMOVBE"}, 0x47: {flagModRM, "CMOVA"},
	0x48: {flagModRM, "CMOVS"}, 0x49: {flagModRM, "CMOVNS"}, 0x4A: {flagModRM, "CMOVP"}, 0x4B: {flagModRM, "CMOVNP"},
	0x4C: {flagModRM, "CMOVL"}, 0x4D: {flagModRM, "CMOVGE"}, 0x4E: {flagModRM, "CMOVLE"}, 0x4F: {flagModRM, "CMOVG"},

	0x80: {flagFullSize | flagPrefixSz | flagRelative, "JO"}, 0x81: {flagFullSize | flagPrefixSz | flagRelative, "JNO"},
	0x82: {flagFullSize | flagPrefixSz | flagRelative, "JB"}, 0x83: {flagFullSize | flagPrefixSz | flagRelative, "JAE"},
	0x84: {flagFullSize | flagPrefixSz | flagRelative, "JE"}, 0x85: {flagFullSize | flagPrefixSz | flagRelative, "JNE"},
	0x86: {flagFullSize | flagPrefixSz | flagRelative, "JBE"}, 0x87: {flagFullSize | flagPrefixSz | flagRelative, "JA"},
	0x88: {flagFullSize | flagPrefixSz | flagRelative, "JS"}, 0x89: {flagFullSize | flagPrefixSz | flagRelative, "JNS"},
	0x8A: {flagFullSize | flagPrefixSz | flagRelative, "JP"}, 0x8B: {flagFullSize | flagPrefixSz | flagRelative, "JNP"},
	0x8C: {flagFullSize | flagPrefixSz | flagRelative, "JL"}, 0x8D: {flagFullSize | flagPrefixSz | flagRelative, "JGE"},
	0x8E: {flagFullSize | flagPrefixSz | flagRelative, "JLE"}, 0x8F: {flagFullSize | flagPrefixSz | flagRelative, "JG"},

	0x90: {flagModRM, "SETO"}, 0x91: {flagModRM, "SETNO"}, 0x92: {flagModRM, "SETB"}, 0x93: {flagModRM, "SETAE"},
	0x94: {flagModRM, "SETE"}, 0x95: {flagModRM, "SETNE"}, 0x96: {flagModRM, "SETBE"}, 0x97: {flagModRM, "SETA"},
	0x98: {flagModRM, "SETS"}, 0x99: {flagModRM, "SETNS"}, 0x9A: {flagModRM, "SETP"}, 0x9B: {flagModRM, "SETNP"},
	0x9C: {flagModRM, "SETL"}, 0x9D: {flagModRM, "SETGE"}, 0x9E: {flagModRM, "SETLE"}, 0x9F: {flagModRM, "SETG"},

	0xA2: {0, "CPUID"}, 0xA3: {flagModRM, "BT"}, 0xA4: {flagModRM | flagImm8, "SHLD"}, 0xA5: {flagModRM, "SHLD"},
	0xAB: {flagModRM, "BTS"}, 0xAC: {flagModRM | flagImm8, "SHRD"}, 0xAD: {flagModRM, "SHRD"}, 0xAF: {flagModRM, "IMUL"},

	0xB0: {flagModRM, "CMPXCHG"}, 0xB1: {flagModRM, "CMPXCHG"}, 0xB3: {flagModRM, "BTR"},
	0xB6: {flagModRM, "MOVZX"}, 0xB7: {flagModRM, "MOVZX"},
	0xBA: {flagModRM | flagImm8, "GRP8"}, 0xBB: {flagModRM, "BTC"}, 0xBC: {flagModRM, "BSF"}, 0xBD: {flagModRM, "BSR"},
	0xBE: {flagModRM, "MOVSX"}, 0xBF: {flagModRM, "MOVSX"},

	0xC0: {flagModRM, "XADD"}, 0xC1: {flagModRM, "XADD"}, 0xC7: {flagModRM, "GRP9"},
	0xC8: {0, "BSWAP"}, 0xC9: {0, "BSWAP"}, 0xCA: {0, "BSWAP"}, 0xCB: {0, "BSWAP"},
	0xCC: {0, "BSWAP"}, 0xCD: {0, "BSWAP"}, 0xCE: {0, "BSWAP"}, 0xCF: {0, "BSWAP"},
}

func lookup(opcode byte, twoByte bool) opcodeInfo {
	if twoByte {
		if info := secondaryTable[opcode]; info.name != "" {
			return info
		}
		return opcodeInfo{flagModRM, ""}
	}
	return primaryTable[opcode]
}

func (info opcodeInfo) hasModRM() bool      { return info.flags&flagModRM != 0 }
func (info opcodeInfo) isRelative() bool    { return info.flags&flagRelative != 0 }
