package object

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/tapec-lang/tapec/internal/ast"
	"github.com/tapec-lang/tapec/internal/codegen"
	"github.com/tapec-lang/tapec/internal/codegen/x64"
	terrors "github.com/tapec-lang/tapec/internal/errors"
)

func encode(t *testing.T, src string, abi x64.ABI, opts ...codegen.Option) *x64.Code {
	t.Helper()
	m, err := codegen.Generate("prog", ast.FromString(src), opts...)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	code, err := x64.Encode(m, abi)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return code
}

var primitives = []string{"calloc", "free", "getchar", "putchar"}

func TestELFObject(t *testing.T) {
	code := encode(t, "+[->,.<]", x64.SysV)
	b, err := Build(ELF, code, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	f, err := elf.NewFile(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("elf.NewFile: %v", err)
	}
	if f.Class != elf.ELFCLASS64 || f.Type != elf.ET_REL || f.Machine != elf.EM_X86_64 {
		t.Fatalf("header = %v %v %v", f.Class, f.Type, f.Machine)
	}

	text := f.Section(".text")
	if text == nil {
		t.Fatal("missing .text")
	}
	data, err := text.Data()
	if err != nil || !bytes.Equal(data, code.Text) {
		t.Fatalf(".text differs from encoded code (err %v)", err)
	}
	if f.Section(".note.GNU-stack") == nil {
		t.Error("missing .note.GNU-stack")
	}

	syms, err := f.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	byName := map[string]elf.Symbol{}
	for _, s := range syms {
		byName[s.Name] = s
	}
	main, ok := byName["main"]
	if !ok || elf.ST_BIND(main.Info) != elf.STB_GLOBAL || elf.ST_TYPE(main.Info) != elf.STT_FUNC || main.Section != 1 {
		t.Fatalf("main symbol = %+v", main)
	}
	for _, name := range primitives {
		s, ok := byName[name]
		if !ok || s.Section != elf.SHN_UNDEF || elf.ST_BIND(s.Info) != elf.STB_GLOBAL {
			t.Errorf("primitive %s = %+v, want undefined global", name, s)
		}
	}

	rela := f.Section(".rela.text")
	if rela == nil || rela.Link != 3 || rela.Info != 1 {
		t.Fatalf("bad .rela.text header %+v", rela)
	}
	rd, _ := rela.Data()
	if len(rd) != 24*len(code.Relocs) {
		t.Fatalf("rela size %d for %d relocs", len(rd), len(code.Relocs))
	}
	for i, r := range code.Relocs {
		e := rd[i*24:]
		info := binary.LittleEndian.Uint64(e[8:])
		if off := binary.LittleEndian.Uint64(e); off != uint64(r.Offset) {
			t.Errorf("reloc %d offset %#x, want %#x", i, off, r.Offset)
		}
		if elf.R_X86_64(info&0xffffffff) != elf.R_X86_64_PLT32 {
			t.Errorf("reloc %d type %v", i, elf.R_X86_64(info&0xffffffff))
		}
		// f.Symbols omits the null symbol.
		if name := syms[info>>32-1].Name; name != r.Symbol {
			t.Errorf("reloc %d symbol %s, want %s", i, name, r.Symbol)
		}
		if int64(binary.LittleEndian.Uint64(e[16:])) != -4 {
			t.Errorf("reloc %d addend", i)
		}
	}

	symtab := f.Section(".symtab")
	if int(symtab.Info) != 2 {
		t.Errorf("first global index = %d, want 2", symtab.Info)
	}
}

func TestELFStaticUsesPC32(t *testing.T) {
	code := encode(t, ".", x64.SysV)
	b, err := Build(ELF, code, Options{Static: true})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	f, err := elf.NewFile(bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	rd, _ := f.Section(".rela.text").Data()
	for i := 0; i+24 <= len(rd); i += 24 {
		if typ := elf.R_X86_64(binary.LittleEndian.Uint32(rd[i+8:])); typ != elf.R_X86_64_PC32 {
			t.Errorf("type %v, want R_X86_64_PC32", typ)
		}
	}
}

func TestCOFFObject(t *testing.T) {
	prims := codegen.DefaultPrimitives().WithSymbols("tape_allocate", "", "", "")
	code := encode(t, ",[.,]", x64.Win64, codegen.WithPrimitives(prims))

	b, err := Build(COFF, code, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	f, err := pe.NewFile(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("pe.NewFile: %v", err)
	}
	if f.Machine != pe.IMAGE_FILE_MACHINE_AMD64 || len(f.Sections) != 1 {
		t.Fatalf("machine %#x sections %d", f.Machine, len(f.Sections))
	}
	text := f.Sections[0]
	if text.Name != ".text" || text.Characteristics != 0x60500020 {
		t.Fatalf("section %s characteristics %#x", text.Name, text.Characteristics)
	}
	data, _ := text.Data()
	if !bytes.Equal(data, code.Text) {
		t.Fatal(".text differs from encoded code")
	}

	var names []string
	for _, s := range f.Symbols {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	want := []string{"free", "getchar", "main", "putchar", "tape_allocate"}
	if len(names) != len(want) {
		t.Fatalf("symbols = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("symbols = %v, want %v", names, want)
		}
	}

	if len(text.Relocs) != len(code.Relocs) {
		t.Fatalf("relocs %d, want %d", len(text.Relocs), len(code.Relocs))
	}
	for i, r := range text.Relocs {
		if r.Type != 4 || r.VirtualAddress != code.Relocs[i].Offset {
			t.Errorf("reloc %d = %+v", i, r)
		}
		if got := f.Symbols[r.SymbolTableIndex].Name; got != code.Relocs[i].Symbol {
			t.Errorf("reloc %d symbol %s, want %s", i, got, code.Relocs[i].Symbol)
		}
	}
}

func TestMachOObject(t *testing.T) {
	code := encode(t, "+.", x64.SysV)
	b, err := Build(MachO, code, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	f, err := macho.NewFile(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("macho.NewFile: %v", err)
	}
	if f.Cpu != macho.CpuAmd64 || f.Type != macho.TypeObj {
		t.Fatalf("cpu %v type %v", f.Cpu, f.Type)
	}
	text := f.Section("__text")
	if text == nil || text.Seg != "__TEXT" || text.Align != 4 {
		t.Fatalf("bad __text section %+v", text)
	}
	data, _ := text.Data()
	if !bytes.Equal(data, code.Text) {
		t.Fatal("__text differs from encoded code")
	}

	if f.Symtab == nil || f.Dysymtab == nil {
		t.Fatal("missing symbol tables")
	}
	syms := f.Symtab.Syms
	if syms[0].Name != "_main" || syms[0].Type != N_SECT|N_EXT {
		t.Errorf("first symbol = %+v", syms[0])
	}
	if f.Dysymtab.Nextdefsym != 1 || f.Dysymtab.Nundefsym != 4 || f.Dysymtab.Iundefsym != 1 {
		t.Errorf("dysymtab = %+v", f.Dysymtab.DysymtabCmd)
	}
	for i, r := range text.Relocs {
		if r.Type != X86_64_RELOC_BRANCH || !r.Pcrel || !r.Extern || r.Len != 2 {
			t.Errorf("reloc %d = %+v", i, r)
		}
		if r.Addr != code.Relocs[i].Offset || syms[r.Value].Name != "_"+code.Relocs[i].Symbol {
			t.Errorf("reloc %d = %+v, want %+v", i, r, code.Relocs[i])
		}
	}
}

func TestBuildRejectsUnknownRelocation(t *testing.T) {
	code := &x64.Code{
		Text:    []byte{0xE8, 0, 0, 0, 0},
		Symbols: []x64.Symbol{{Name: "main", Size: 5, Global: true}},
		Relocs:  []x64.Reloc{{Offset: 1, Symbol: "missing", Addend: -4}},
	}
	for _, f := range []Format{ELF, COFF, MachO} {
		if _, err := Build(f, code, Options{}); err == nil {
			t.Errorf("%s: expected error", f)
		}
	}
}

func TestWrite(t *testing.T) {
	code := encode(t, "+", x64.SysV)
	dir := t.TempDir()

	path := filepath.Join(dir, "prog"+ELF.Ext())
	if err := Write(path, ELF, code, Options{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := elf.Open(path); err != nil {
		t.Fatalf("written file is not ELF: %v", err)
	}

	bad := filepath.Join(dir, "missing", "prog.o")
	err := Write(bad, ELF, code, Options{})
	if !errors.Is(err, terrors.ErrIO) {
		t.Fatalf("expected IO error, got %v", err)
	}
	if _, statErr := os.Stat(bad); !os.IsNotExist(statErr) {
		t.Errorf("partial output left behind")
	}

	if err := Write("", ELF, code, Options{}); !errors.Is(err, terrors.ErrIO) {
		t.Errorf("empty path: got %v", err)
	}
}

func TestFormatNames(t *testing.T) {
	cases := map[Format][2]string{
		ELF:   {"elf", ".o"},
		COFF:  {"coff", ".obj"},
		MachO: {"macho", ".o"},
	}
	for f, want := range cases {
		if f.String() != want[0] || f.Ext() != want[1] {
			t.Errorf("%d: %s %s", f, f.String(), f.Ext())
		}
	}
}
