package codegen

import "github.com/tapec-lang/tapec/internal/lir"

// Primitive describes an externally linked runtime function the generated code
// calls. The core declares primitives but never implements them.
type Primitive struct {
	Name     string // role, used in diagnostics
	Symbol   string // link-time symbol
	Params   []string
	RetClass string
}

// Primitives is the set of runtime functions a generated program depends on.
type Primitives struct {
	Allocate   Primitive // zero-filled allocation: (count, elemSize) -> pointer
	Deallocate Primitive // (pointer) -> void
	ReadByte   Primitive // () -> i32, -1 at end of input
	WriteByte  Primitive // (i32) -> i32
}

// DefaultPrimitives binds the four primitives to their C library equivalents,
// so the object links against any hosted libc.
func DefaultPrimitives() Primitives {
	return Primitives{
		Allocate:   Primitive{Name: "allocate", Symbol: "calloc", Params: []string{lir.I64, lir.I64}, RetClass: lir.Ptr},
		Deallocate: Primitive{Name: "deallocate", Symbol: "free", Params: []string{lir.Ptr}},
		ReadByte:   Primitive{Name: "readByte", Symbol: "getchar", RetClass: lir.I32},
		WriteByte:  Primitive{Name: "writeByte", Symbol: "putchar", Params: []string{lir.I32}, RetClass: lir.I32},
	}
}

// All returns the primitives in declaration order.
func (p Primitives) All() []Primitive {
	return []Primitive{p.Allocate, p.Deallocate, p.ReadByte, p.WriteByte}
}

// WithSymbols returns a copy with the link-time symbols replaced where the
// corresponding argument is non-empty.
func (p Primitives) WithSymbols(allocate, deallocate, readByte, writeByte string) Primitives {
	set := func(dst *Primitive, sym string) {
		if sym != "" {
			dst.Symbol = sym
		}
	}
	set(&p.Allocate, allocate)
	set(&p.Deallocate, deallocate)
	set(&p.ReadByte, readByte)
	set(&p.WriteByte, writeByte)
	return p
}

func (p Primitive) extern() *lir.Extern {
	return &lir.Extern{Name: p.Symbol, Params: append([]string(nil), p.Params...), RetClass: p.RetClass}
}
