package x64

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Reg is a general purpose register number as used in ModRM/REX encoding.
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
)

var regNames = [...]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi", "r8", "r9", "r10", "r11"}

func (r Reg) String() string { return regNames[r] }

func (r Reg) low() byte { return byte(r) & 7 }
func (r Reg) ext() bool { return r >= R8 }

func modrm(mod, reg, rm byte) byte { return mod<<6 | reg<<3 | rm }

// rexW returns a REX.W prefix with R set for reg and B set for rm.
func rexW(reg, rm Reg) byte {
	b := byte(0x48)
	if reg.ext() {
		b |= 0x04
	}
	if rm.ext() {
		b |= 0x01
	}
	return b
}

// asm accumulates machine code together with a human readable listing.
type asm struct {
	buf  []byte
	list strings.Builder
}

func (a *asm) pos() int { return len(a.buf) }

func (a *asm) emit(text string, bs ...byte) {
	a.buf = append(a.buf, bs...)
	if text != "" {
		fmt.Fprintf(&a.list, "  %s\n", text)
	}
}

func (a *asm) comment(format string, args ...interface{}) {
	fmt.Fprintf(&a.list, "; "+format+"\n", args...)
}

func (a *asm) label(name string) { fmt.Fprintf(&a.list, "%s:\n", name) }

func le32(v int32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return b[:]
}

func le64(v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// movLoad: mov reg, qword ptr [rbp-off]
func (a *asm) movLoad(reg Reg, off int32) {
	a.emit(fmt.Sprintf("mov %s, qword ptr [rbp-%d]", reg, off),
		cat([]byte{rexW(reg, RBP), 0x8B, modrm(2, reg.low(), RBP.low())}, le32(-off))...)
}

// movStore: mov qword ptr [rbp-off], reg
func (a *asm) movStore(off int32, reg Reg) {
	a.emit(fmt.Sprintf("mov qword ptr [rbp-%d], %s", off, reg),
		cat([]byte{rexW(reg, RBP), 0x89, modrm(2, reg.low(), RBP.low())}, le32(-off))...)
}

// movImm: mov reg, imm (sign-extended imm32 when it fits, movabs otherwise)
func (a *asm) movImm(reg Reg, v int64) {
	text := fmt.Sprintf("mov %s, %d", reg, v)
	if v >= -1<<31 && v < 1<<31 {
		a.emit(text, cat([]byte{rexW(0, reg), 0xC7, modrm(3, 0, reg.low())}, le32(int32(v)))...)
		return
	}
	a.emit(text, cat([]byte{rexW(0, reg), 0xB8 + reg.low()}, le64(v))...)
}

func (a *asm) zextByte()  { a.emit("movzx eax, al", 0x0F, 0xB6, 0xC0) }
func (a *asm) zextDword() { a.emit("mov eax, eax", 0x89, 0xC0) }
func (a *asm) sextDword() { a.emit("movsxd rax, eax", 0x48, 0x63, 0xC0) }

// setccOpcode maps a comparison predicate to the second opcode byte of SETcc.
var setccOpcode = map[string]struct {
	name string
	op   byte
}{
	"eq":  {"sete", 0x94},
	"ne":  {"setne", 0x95},
	"slt": {"setl", 0x9C},
	"sle": {"setle", 0x9E},
	"sgt": {"setg", 0x9F},
	"sge": {"setge", 0x9D},
	"ult": {"setb", 0x92}, // below (unsigned <)
	"ule": {"setbe", 0x96},
	"ugt": {"seta", 0x97}, // above (unsigned >)
	"uge": {"setae", 0x93},
}
