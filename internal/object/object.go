// Package object packages encoded x86-64 text into relocatable object files
// that a system linker can combine with libc.
package object

import (
	"fmt"
	"os"

	"github.com/tapec-lang/tapec/internal/codegen/x64"
	terrors "github.com/tapec-lang/tapec/internal/errors"
)

// Format is an object file container.
type Format uint8

const (
	ELF Format = iota
	COFF
	MachO
)

func (f Format) String() string {
	switch f {
	case ELF:
		return "elf"
	case COFF:
		return "coff"
	case MachO:
		return "macho"
	}
	return fmt.Sprintf("Format(%d)", uint8(f))
}

// Ext returns the conventional file extension for objects of format f.
func (f Format) Ext() string {
	if f == COFF {
		return ".obj"
	}
	return ".o"
}

// Options tune relocation output.
type Options struct {
	// Static requests plain PC-relative relocations instead of PLT-routed ones
	// where the format distinguishes them.
	Static bool
}

// Build returns the bytes of a relocatable object holding code.
func Build(format Format, code *x64.Code, opts Options) ([]byte, error) {
	p, err := newSymbolPlan(code)
	if err != nil {
		return nil, err
	}
	switch format {
	case ELF:
		return buildELF(code, p, opts)
	case COFF:
		return buildCOFF(code, p)
	case MachO:
		return buildMachO(code, p)
	}
	return nil, fmt.Errorf("unsupported object format %s", format)
}

// Write builds the object and writes it to path. A partially written file is
// removed before the error is returned.
func Write(path string, format Format, code *x64.Code, opts Options) error {
	if path == "" {
		return terrors.IO("write object", path, fmt.Errorf("empty output path"))
	}
	b, err := Build(format, code, opts)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		_ = os.Remove(path)
		return terrors.IO("write object", path, err)
	}
	return nil
}

// symbolPlan orders symbols the way all three formats want them: locals,
// then defined globals, then undefined references.
type symbolPlan struct {
	locals  []x64.Symbol
	globals []x64.Symbol
	undef   []string
	index   map[string]int
}

func newSymbolPlan(code *x64.Code) (*symbolPlan, error) {
	p := &symbolPlan{index: make(map[string]int)}
	defined := make(map[string]bool, len(code.Symbols))
	for _, s := range code.Symbols {
		if defined[s.Name] {
			return nil, fmt.Errorf("duplicate symbol %s", s.Name)
		}
		defined[s.Name] = true
		if s.Global {
			p.globals = append(p.globals, s)
		} else {
			p.locals = append(p.locals, s)
		}
	}
	for _, name := range code.Externs {
		if !defined[name] {
			p.undef = append(p.undef, name)
			defined[name] = true
		}
	}

	i := 0
	for _, s := range p.locals {
		p.index[s.Name] = i
		i++
	}
	for _, s := range p.globals {
		p.index[s.Name] = i
		i++
	}
	for _, name := range p.undef {
		p.index[name] = i
		i++
	}

	for _, r := range code.Relocs {
		if _, ok := p.index[r.Symbol]; !ok {
			return nil, fmt.Errorf("relocation against undeclared symbol %s", r.Symbol)
		}
	}
	return p, nil
}

func (p *symbolPlan) len() int { return len(p.locals) + len(p.globals) + len(p.undef) }

func align(v, a int) int { return (v + a - 1) &^ (a - 1) }
