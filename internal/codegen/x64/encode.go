// Package x64 encodes lir modules into x86-64 machine code.
//
// Every SSA value and local slot gets an 8-byte stack slot below rbp and
// RAX/R10 serve as scratch registers, so each lir instruction lowers to a
// short, independent instruction sequence. Calls leave a relocation for the
// linker; branches inside a function are resolved here.
package x64

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/tapec-lang/tapec/internal/lir"
)

// ABI selects the calling convention used for calls to runtime primitives.
type ABI uint8

const (
	SysV  ABI = iota // System V AMD64: Linux, BSD, macOS
	Win64            // Microsoft x64
)

func (a ABI) String() string {
	if a == Win64 {
		return "win64"
	}
	return "sysv"
}

func (a ABI) argRegs() []Reg {
	if a == Win64 {
		return []Reg{RCX, RDX, R8, R9}
	}
	return []Reg{RDI, RSI, RDX, RCX, R8, R9}
}

// shadowSpace is the caller-reserved area Win64 requires at every call.
const shadowSpace = 32

// Symbol is a function defined in the text section.
type Symbol struct {
	Name   string
	Offset uint32
	Size   uint32
	Global bool
}

// Reloc asks the linker to patch the 32-bit PC-relative field at Offset with
// Symbol + Addend - P.
type Reloc struct {
	Offset uint32
	Symbol string
	Addend int64
}

// Code is the encoded text section of one module.
type Code struct {
	Text    []byte
	Symbols []Symbol
	Externs []string
	Relocs  []Reloc
	Listing string
}

type fixup struct {
	at    int
	label string
}

type funcEnc struct {
	*asm
	f      *lir.Function
	abi    ABI
	slots  map[string]int32
	allocs map[string]bool
	labels map[string]int
	fixups []fixup
	relocs *[]Reloc
}

// Encode lowers every function of m into one text section.
func Encode(m *lir.Module, abi ABI) (*Code, error) {
	a := &asm{}
	code := &Code{}
	fmt.Fprintf(&a.list, "; module %s (%s)\n", m.Name, abi)

	for _, e := range m.Externs {
		code.Externs = append(code.Externs, e.Name)
	}

	for _, f := range m.Functions {
		// Functions start on 16-byte boundaries, padded with int3.
		for a.pos()%16 != 0 {
			a.buf = append(a.buf, 0xCC)
		}
		start := a.pos()
		fe := &funcEnc{asm: a, f: f, abi: abi, relocs: &code.Relocs}
		if err := fe.encode(); err != nil {
			return nil, fmt.Errorf("failed to emit function %s: %w", f.Name, err)
		}
		code.Symbols = append(code.Symbols, Symbol{
			Name:   f.Name,
			Offset: uint32(start),
			Size:   uint32(a.pos() - start),
			Global: f.Exported,
		})
	}

	code.Text = a.buf
	code.Listing = a.list.String()
	return code, nil
}

func (fe *funcEnc) encode() error {
	fe.collectSlots()
	frameSize := int64(len(fe.slots)) * 8
	// Keep rsp 16-byte aligned at call sites.
	if rem := frameSize % 16; rem != 0 {
		frameSize += 16 - rem
	}

	fe.label(fe.f.Name)
	fe.emit("push rbp", 0x55)
	fe.emit("mov rbp, rsp", 0x48, 0x89, 0xE5)
	if frameSize > 0 {
		fe.emit(fmt.Sprintf("sub rsp, %d", frameSize), cat([]byte{0x48, 0x81, 0xEC}, le32(int32(frameSize)))...)
	}

	fe.labels = make(map[string]int, len(fe.f.Blocks))
	for i, bb := range fe.f.Blocks {
		next := ""
		if i+1 < len(fe.f.Blocks) {
			next = fe.f.Blocks[i+1].Label
		}
		fe.labels[bb.Label] = fe.pos()
		fe.label(bb.Label)
		for _, ins := range bb.Insns {
			if err := fe.insn(ins, next); err != nil {
				return fmt.Errorf("block %s: %s: %w", bb.Label, ins.Op(), err)
			}
		}
	}

	for _, fx := range fe.fixups {
		target, ok := fe.labels[fx.label]
		if !ok {
			return fmt.Errorf("branch to unknown block %s", fx.label)
		}
		binary.LittleEndian.PutUint32(fe.buf[fx.at:], uint32(int32(target-(fx.at+4))))
	}
	return nil
}

func (fe *funcEnc) collectSlots() {
	fe.slots = make(map[string]int32)
	fe.allocs = make(map[string]bool)
	next := int32(8)
	for _, bb := range fe.f.Blocks {
		for _, ins := range bb.Insns {
			d := ins.Def()
			if d == "" {
				continue
			}
			if _, ok := fe.slots[d]; ok {
				continue
			}
			fe.slots[d] = next
			next += 8
			if _, ok := ins.(lir.Alloc); ok {
				fe.allocs[d] = true
			}
		}
	}
}

// load places operand in reg.
func (fe *funcEnc) load(reg Reg, operand string) error {
	if off, ok := fe.slots[operand]; ok {
		fe.movLoad(reg, off)
		return nil
	}
	v, err := strconv.ParseInt(operand, 10, 64)
	if err != nil {
		return fmt.Errorf("unknown operand %q", operand)
	}
	fe.movImm(reg, v)
	return nil
}

func (fe *funcEnc) store(dst string, reg Reg) error {
	if dst == "" {
		return nil
	}
	off, ok := fe.slots[dst]
	if !ok {
		return fmt.Errorf("no slot for %s", dst)
	}
	fe.movStore(off, reg)
	return nil
}

// rel32 emits an instruction ending in a 32-bit displacement to label.
func (fe *funcEnc) rel32(text, label string, opcode ...byte) {
	fe.emit(fmt.Sprintf("%s %s", text, label), append(opcode, 0, 0, 0, 0)...)
	fe.fixups = append(fe.fixups, fixup{at: fe.pos() - 4, label: label})
}

func (fe *funcEnc) insn(ins lir.Insn, next string) error {
	switch v := ins.(type) {
	case lir.Alloc:
		fe.comment("alloca %s -> %s", v.Name, v.Dst)
		return nil

	case lir.Load:
		if fe.allocs[v.Addr] {
			fe.movLoad(RAX, fe.slots[v.Addr])
			return fe.store(v.Dst, RAX)
		}
		if err := fe.load(R10, v.Addr); err != nil {
			return err
		}
		switch v.Class {
		case lir.I8:
			fe.emit("movzx eax, byte ptr [r10]", 0x41, 0x0F, 0xB6, 0x02)
		case lir.I32:
			fe.emit("mov eax, dword ptr [r10]", 0x41, 0x8B, 0x02)
		case lir.I64, lir.Ptr:
			fe.emit("mov rax, qword ptr [r10]", 0x49, 0x8B, 0x02)
		default:
			return fmt.Errorf("unsupported load class %q", v.Class)
		}
		return fe.store(v.Dst, RAX)

	case lir.Store:
		if err := fe.load(RAX, v.Val); err != nil {
			return err
		}
		if fe.allocs[v.Addr] {
			fe.movStore(fe.slots[v.Addr], RAX)
			return nil
		}
		if err := fe.load(R10, v.Addr); err != nil {
			return err
		}
		switch v.Class {
		case lir.I8:
			fe.emit("mov byte ptr [r10], al", 0x41, 0x88, 0x02)
		case lir.I32:
			fe.emit("mov dword ptr [r10], eax", 0x41, 0x89, 0x02)
		case lir.I64, lir.Ptr:
			fe.emit("mov qword ptr [r10], rax", 0x49, 0x89, 0x02)
		default:
			return fmt.Errorf("unsupported store class %q", v.Class)
		}
		return nil

	case lir.Add:
		if err := fe.add(v.LHS, v.RHS); err != nil {
			return err
		}
		switch v.Class {
		case lir.I8:
			fe.zextByte()
		case lir.I32:
			fe.zextDword()
		}
		return fe.store(v.Dst, RAX)

	case lir.PtrAdd:
		if err := fe.add(v.Base, v.Offset); err != nil {
			return err
		}
		return fe.store(v.Dst, RAX)

	case lir.SExt:
		if err := fe.load(RAX, v.Src); err != nil {
			return err
		}
		switch {
		case v.From == lir.I8 && v.To == lir.I32:
			fe.emit("movsx eax, al", 0x0F, 0xBE, 0xC0)
		case v.From == lir.I8 && (v.To == lir.I64 || v.To == lir.Ptr):
			fe.emit("movsx rax, al", 0x48, 0x0F, 0xBE, 0xC0)
		case v.From == lir.I32 && v.To == lir.I64:
			fe.sextDword()
		default:
			return fmt.Errorf("unsupported sext %s to %s", v.From, v.To)
		}
		return fe.store(v.Dst, RAX)

	case lir.Trunc:
		if err := fe.load(RAX, v.Src); err != nil {
			return err
		}
		switch v.To {
		case lir.I8:
			fe.zextByte()
		case lir.I32:
			fe.zextDword()
		default:
			return fmt.Errorf("unsupported trunc to %s", v.To)
		}
		return fe.store(v.Dst, RAX)

	case lir.Cmp:
		return fe.cmp(v)

	case lir.Br:
		if v.Target == next {
			fe.comment("fallthrough %s", v.Target)
			return nil
		}
		fe.rel32("jmp", v.Target, 0xE9)
		return nil

	case lir.BrCond:
		if err := fe.load(RAX, v.Cond); err != nil {
			return err
		}
		fe.emit("test rax, rax", 0x48, 0x85, 0xC0)
		fe.rel32("jnz", v.True, 0x0F, 0x85)
		if v.False != next {
			fe.rel32("jmp", v.False, 0xE9)
		}
		return nil

	case lir.Call:
		return fe.call(v)

	case lir.Ret:
		if v.Src != "" {
			if err := fe.load(RAX, v.Src); err != nil {
				return err
			}
		}
		// Epilogue
		fe.emit("mov rsp, rbp", 0x48, 0x89, 0xEC)
		fe.emit("pop rbp", 0x5D)
		fe.emit("ret", 0xC3)
		return nil
	}

	return fmt.Errorf("unknown instruction %T", ins)
}

// add computes lhs + rhs into rax.
func (fe *funcEnc) add(lhs, rhs string) error {
	if err := fe.load(RAX, lhs); err != nil {
		return err
	}
	if err := fe.load(R10, rhs); err != nil {
		return err
	}
	fe.emit("add rax, r10", 0x4C, 0x01, 0xD0)
	return nil
}

func (fe *funcEnc) cmp(v lir.Cmp) error {
	setcc, ok := setccOpcode[v.Pred]
	if !ok {
		return fmt.Errorf("unknown predicate %q", v.Pred)
	}
	if err := fe.load(RAX, v.LHS); err != nil {
		return err
	}
	if err := fe.load(R10, v.RHS); err != nil {
		return err
	}
	switch v.Class {
	case lir.I8:
		fe.emit("cmp al, r10b", 0x44, 0x38, 0xD0)
	case lir.I32:
		fe.emit("cmp eax, r10d", 0x44, 0x39, 0xD0)
	case lir.I64, lir.Ptr:
		fe.emit("cmp rax, r10", 0x4C, 0x39, 0xD0)
	default:
		return fmt.Errorf("unsupported compare class %q", v.Class)
	}
	fe.emit(setcc.name+" al", 0x0F, setcc.op, 0xC0)
	fe.zextByte()
	return fe.store(v.Dst, RAX)
}

func (fe *funcEnc) call(v lir.Call) error {
	regs := fe.abi.argRegs()
	if len(v.Args) > len(regs) {
		return fmt.Errorf("call %s: %d arguments, at most %d supported", v.Callee, len(v.Args), len(regs))
	}
	for i, arg := range v.Args {
		if err := fe.load(regs[i], arg); err != nil {
			return err
		}
	}
	if fe.abi == Win64 {
		fe.emit(fmt.Sprintf("sub rsp, %d", shadowSpace), 0x48, 0x83, 0xEC, shadowSpace)
	}
	fe.emit("call "+v.Callee, 0xE8, 0, 0, 0, 0)
	*fe.relocs = append(*fe.relocs, Reloc{Offset: uint32(fe.pos() - 4), Symbol: v.Callee, Addend: -4})
	if fe.abi == Win64 {
		fe.emit(fmt.Sprintf("add rsp, %d", shadowSpace), 0x48, 0x83, 0xC4, shadowSpace)
	}
	if v.Dst == "" {
		return nil
	}
	// Normalise narrow results so the slot holds a well-defined 64-bit value.
	switch v.RetClass {
	case lir.I32:
		fe.sextDword()
	case lir.I8:
		fe.zextByte()
	}
	return fe.store(v.Dst, RAX)
}

// String summarises the symbols and relocations of c.
func (c *Code) String() string {
	var b strings.Builder
	for _, s := range c.Symbols {
		fmt.Fprintf(&b, "%s @%#x size %d\n", s.Name, s.Offset, s.Size)
	}
	for _, r := range c.Relocs {
		fmt.Fprintf(&b, "reloc %#x -> %s%+d\n", r.Offset, r.Symbol, r.Addend)
	}
	return b.String()
}
