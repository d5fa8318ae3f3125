// Package lir defines a Low-level IR close to the target ISA.
// It is suitable for straightforward instruction selection.
//
// Operands are strings: SSA values are written %tN, local slots are the names
// defined by Alloc, and integers are decimal immediates. A Load or Store whose
// address is a slot name reads or writes the slot itself; any other address is a
// pointer value and the access dereferences it with the instruction's class.
package lir

import (
	"fmt"
	"strings"
)

// Value classes.
const (
	Void = ""
	I8   = "i8"
	I32  = "i32"
	I64  = "i64"
	Ptr  = "ptr"
)

// Width returns the size in bytes of a value class.
func Width(class string) int {
	switch class {
	case I8:
		return 1
	case I32:
		return 4
	case I64, Ptr:
		return 8
	}
	return 0
}

// Module bundles functions for one object file.
type Module struct {
	Name      string
	Externs   []*Extern
	Functions []*Function
}

// Extern declares a function defined outside the module and resolved at link time.
type Extern struct {
	Name     string
	Params   []string
	RetClass string
}

// Function is a sequence of basic blocks of target-like instructions.
type Function struct {
	Name     string
	RetClass string
	Exported bool
	Blocks   []*BasicBlock
}

// BasicBlock contains a linear list of target-like instructions.
type BasicBlock struct {
	Label string
	Insns []Insn
}

// Insn is a target-agnostic instruction representation.
type Insn interface {
	Op() string
	// Operands returns the values read by the instruction.
	Operands() []string
	// Def returns the SSA value or slot written, or "".
	Def() string
	// rename returns a copy with read operands passed through f.
	rename(f func(string) string) Insn
}

// Alloc reserves an 8-byte local slot named Dst.
type Alloc struct{ Dst, Name string }

func (Alloc) Op() string                        { return "alloca" }
func (Alloc) Operands() []string                { return nil }
func (a Alloc) Def() string                     { return a.Dst }
func (a Alloc) rename(func(string) string) Insn { return a }
func (a Alloc) String() string {
	if a.Name != "" {
		return fmt.Sprintf("%s = alloca %s", a.Dst, a.Name)
	}

	return fmt.Sprintf("%s = alloca", a.Dst)
}

type Load struct{ Dst, Addr, Class string }

func (Load) Op() string           { return "load" }
func (l Load) Operands() []string { return []string{l.Addr} }
func (l Load) Def() string        { return l.Dst }
func (l Load) rename(f func(string) string) Insn {
	l.Addr = f(l.Addr)
	return l
}
func (l Load) String() string { return fmt.Sprintf("%s = load %s %s", l.Dst, l.Class, l.Addr) }

type Store struct{ Addr, Val, Class string }

func (Store) Op() string           { return "store" }
func (s Store) Operands() []string { return []string{s.Addr, s.Val} }
func (Store) Def() string          { return "" }
func (s Store) rename(f func(string) string) Insn {
	s.Addr, s.Val = f(s.Addr), f(s.Val)
	return s
}
func (s Store) String() string { return fmt.Sprintf("store %s %s, %s", s.Class, s.Addr, s.Val) }

// Add is integer addition that wraps at the width of Class.
type Add struct{ Dst, LHS, RHS, Class string }

func (Add) Op() string           { return "add" }
func (a Add) Operands() []string { return []string{a.LHS, a.RHS} }
func (a Add) Def() string        { return a.Dst }
func (a Add) rename(f func(string) string) Insn {
	a.LHS, a.RHS = f(a.LHS), f(a.RHS)
	return a
}
func (a Add) String() string { return fmt.Sprintf("%s = add %s %s, %s", a.Dst, a.Class, a.LHS, a.RHS) }

// PtrAdd advances pointer Base by Offset bytes. No bounds are checked.
type PtrAdd struct{ Dst, Base, Offset string }

func (PtrAdd) Op() string           { return "ptradd" }
func (p PtrAdd) Operands() []string { return []string{p.Base, p.Offset} }
func (p PtrAdd) Def() string        { return p.Dst }
func (p PtrAdd) rename(f func(string) string) Insn {
	p.Base, p.Offset = f(p.Base), f(p.Offset)
	return p
}
func (p PtrAdd) String() string { return fmt.Sprintf("%s = ptradd %s, %s", p.Dst, p.Base, p.Offset) }

// SExt sign-extends Src from class From to class To.
type SExt struct{ Dst, Src, From, To string }

func (SExt) Op() string           { return "sext" }
func (s SExt) Operands() []string { return []string{s.Src} }
func (s SExt) Def() string        { return s.Dst }
func (s SExt) rename(f func(string) string) Insn {
	s.Src = f(s.Src)
	return s
}
func (s SExt) String() string {
	return fmt.Sprintf("%s = sext %s %s to %s", s.Dst, s.From, s.Src, s.To)
}

// Trunc keeps the low bytes of Src that fit class To.
type Trunc struct{ Dst, Src, To string }

func (Trunc) Op() string           { return "trunc" }
func (t Trunc) Operands() []string { return []string{t.Src} }
func (t Trunc) Def() string        { return t.Dst }
func (t Trunc) rename(f func(string) string) Insn {
	t.Src = f(t.Src)
	return t
}
func (t Trunc) String() string { return fmt.Sprintf("%s = trunc %s to %s", t.Dst, t.Src, t.To) }

type Ret struct{ Src string }

func (Ret) Op() string { return "ret" }
func (r Ret) Operands() []string {
	if r.Src == "" {
		return nil
	}
	return []string{r.Src}
}
func (Ret) Def() string { return "" }
func (r Ret) rename(f func(string) string) Insn {
	if r.Src != "" {
		r.Src = f(r.Src)
	}
	return r
}
func (r Ret) String() string {
	if r.Src == "" {
		return "ret"
	}

	return fmt.Sprintf("ret %s", r.Src)
}

type Call struct {
	Dst        string
	Callee     string
	RetClass   string
	Args       []string
	ArgClasses []string
}

func (Call) Op() string           { return "call" }
func (c Call) Operands() []string { return c.Args }
func (c Call) Def() string        { return c.Dst }
func (c Call) rename(f func(string) string) Insn {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = f(a)
	}
	c.Args = args
	return c
}
func (c Call) String() string {
	var b strings.Builder
	if c.Dst != "" {
		fmt.Fprintf(&b, "%s = ", c.Dst)
	}

	fmt.Fprintf(&b, "call %s(", c.Callee)

	for i, a := range c.Args {
		if i > 0 {
			b.WriteString(", ")
		}

		b.WriteString(a)
	}

	b.WriteString(")")
	// Annotate classes as a comment for debugging.
	if len(c.ArgClasses) > 0 || c.RetClass != "" {
		b.WriteString(" ;")

		if len(c.ArgClasses) > 0 {
			b.WriteString(" args:")

			for i, cl := range c.ArgClasses {
				if i > 0 {
					b.WriteString(",")
				}

				if cl == "" {
					cl = "?"
				}

				b.WriteString(cl)
			}
		}

		if c.RetClass != "" {
			fmt.Fprintf(&b, " ret:%s", c.RetClass)
		}
	}

	return b.String()
}

// Compare and branching.
type Cmp struct{ Dst, Pred, LHS, RHS, Class string }

func (Cmp) Op() string           { return "cmp" }
func (c Cmp) Operands() []string { return []string{c.LHS, c.RHS} }
func (c Cmp) Def() string        { return c.Dst }
func (c Cmp) rename(f func(string) string) Insn {
	c.LHS, c.RHS = f(c.LHS), f(c.RHS)
	return c
}
func (c Cmp) String() string {
	return fmt.Sprintf("%s = cmp.%s %s %s, %s", c.Dst, c.Pred, c.Class, c.LHS, c.RHS)
}

type Br struct{ Target string }

func (Br) Op() string                        { return "br" }
func (Br) Operands() []string                { return nil }
func (Br) Def() string                       { return "" }
func (b Br) rename(func(string) string) Insn { return b }
func (b Br) String() string                  { return fmt.Sprintf("br %s", b.Target) }

type BrCond struct{ Cond, True, False string }

func (BrCond) Op() string           { return "brcond" }
func (b BrCond) Operands() []string { return []string{b.Cond} }
func (BrCond) Def() string          { return "" }
func (b BrCond) rename(f func(string) string) Insn {
	b.Cond = f(b.Cond)
	return b
}
func (b BrCond) String() string { return fmt.Sprintf("brcond %s, %s, %s", b.Cond, b.True, b.False) }

// IsTerminator reports whether ins ends a basic block.
func IsTerminator(ins Insn) bool {
	switch ins.(type) {
	case Br, BrCond, Ret:
		return true
	}
	return false
}

// Successors returns the labels control may reach after ins.
func Successors(ins Insn) []string {
	switch v := ins.(type) {
	case Br:
		return []string{v.Target}
	case BrCond:
		return []string{v.True, v.False}
	}
	return nil
}

// Extern returns the declaration named name, or nil.
func (m *Module) Extern(name string) *Extern {
	for _, e := range m.Externs {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// Function returns the function named name, or nil.
func (m *Module) Function(name string) *Function {
	for _, f := range m.Functions {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Block returns the block labelled label, or nil.
func (f *Function) Block(label string) *BasicBlock {
	for _, bb := range f.Blocks {
		if bb.Label == label {
			return bb
		}
	}
	return nil
}

// Slots returns the names defined by Alloc, in order.
func (f *Function) Slots() []string {
	var out []string
	for _, bb := range f.Blocks {
		for _, ins := range bb.Insns {
			if a, ok := ins.(Alloc); ok {
				out = append(out, a.Dst)
			}
		}
	}
	return out
}

func (m *Module) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "module %s\n", m.Name)

	for _, e := range m.Externs {
		ret := e.RetClass
		if ret == "" {
			ret = "void"
		}
		fmt.Fprintf(&b, "declare %s %s(%s)\n", ret, e.Name, strings.Join(e.Params, ", "))
	}

	for _, f := range m.Functions {
		b.WriteString(f.String())
		b.WriteByte('\n')
	}

	return b.String()
}

func (f *Function) String() string {
	var b strings.Builder

	ret := f.RetClass
	if ret == "" {
		ret = "void"
	}
	linkage := "internal"
	if f.Exported {
		linkage = "external"
	}
	fmt.Fprintf(&b, "func %s %s %s() {\n", linkage, ret, f.Name)

	for _, bb := range f.Blocks {
		if bb.Label != "" {
			fmt.Fprintf(&b, "%s:\n", bb.Label)
		}

		for _, ins := range bb.Insns {
			if s, ok := any(ins).(fmt.Stringer); ok {
				b.WriteString("  ")
				b.WriteString(s.String())
				b.WriteByte('\n')
			} else {
				fmt.Fprintf(&b, "  %s\n", ins.Op())
			}
		}
	}

	b.WriteString("}\n")

	return b.String()
}
