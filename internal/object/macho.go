package object

import (
	"bytes"
	"encoding/binary"

	"github.com/tapec-lang/tapec/internal/codegen/x64"
)

// Mach-O 64-bit constants (mach-o/loader.h, mach-o/nlist.h, mach-o/x86_64/reloc.h).
const (
	MH_MAGIC_64            = 0xfeedfacf
	CPU_TYPE_X86_64        = 0x01000007
	CPU_SUBTYPE_X86_64_ALL = 0x00000003
	MH_OBJECT              = 0x1
	MH_SUBSECTIONS_VIA_SYM = 0x2000

	LC_SEGMENT_64 = 0x19
	LC_SYMTAB     = 0x2
	LC_DYSYMTAB   = 0xb

	S_ATTR_PURE_INSTRUCTIONS = 0x80000000
	S_ATTR_SOME_INSTRUCTIONS = 0x00000400

	N_UNDF = 0x0
	N_EXT  = 0x1
	N_SECT = 0xe

	X86_64_RELOC_BRANCH = 2
)

type machHeader64 struct {
	Magic      uint32
	CpuType    uint32
	CpuSubtype uint32
	FileType   uint32
	NCmds      uint32
	SizeOfCmds uint32
	Flags      uint32
	Reserved   uint32
}

type segmentCommand64 struct {
	Cmd      uint32
	Cmdsize  uint32
	Segname  [16]byte
	Vmaddr   uint64
	Vmsize   uint64
	Fileoff  uint64
	Filesize uint64
	Maxprot  int32
	Initprot int32
	Nsects   uint32
	Flags    uint32
}

type section64 struct {
	Sectname  [16]byte
	Segname   [16]byte
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32
}

type symtabCommand struct {
	Cmd     uint32
	Cmdsize uint32
	Symoff  uint32
	Nsyms   uint32
	Stroff  uint32
	Strsize uint32
}

type dysymtabCommand struct {
	Cmd            uint32
	Cmdsize        uint32
	Ilocalsym      uint32
	Nlocalsym      uint32
	Iextdefsym     uint32
	Nextdefsym     uint32
	Iundefsym      uint32
	Nundefsym      uint32
	Tocoff         uint32
	Ntoc           uint32
	Modtaboff      uint32
	Nmodtab        uint32
	Extrefsymoff   uint32
	Nextrefsyms    uint32
	Indirectsymoff uint32
	Nindirectsyms  uint32
	Extreloff      uint32
	Nextrel        uint32
	Locreloff      uint32
	Nlocrel        uint32
}

type nlist64 struct {
	Strx  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

func setPaddedName(dst *[16]byte, name string) {
	n := len(name)
	if n > 16 {
		n = 16
	}
	copy(dst[:], name[:n])
}

// machoName applies the C symbol prefix used by Darwin toolchains.
func machoName(name string) string { return "_" + name }

// buildMachO lays the file out as
// [mach_header_64][LC_SEGMENT_64 + __text][LC_SYMTAB][LC_DYSYMTAB]
// [__text data][relocations][symbols][strings].
func buildMachO(code *x64.Code, p *symbolPlan) ([]byte, error) {
	mhSize := binary.Size(machHeader64{})
	segSize := binary.Size(segmentCommand64{}) + binary.Size(section64{})
	symtabSize := binary.Size(symtabCommand{})
	dysymtabSize := binary.Size(dysymtabCommand{})
	cmdsize := segSize + symtabSize + dysymtabSize

	textOff := align(mhSize+cmdsize, 16)
	relocOff := align(textOff+len(code.Text), 4)
	symOff := align(relocOff+8*len(code.Relocs), 8)
	strOff := symOff + binary.Size(nlist64{})*p.len()

	strtab := &bytes.Buffer{}
	strtab.WriteByte(0)
	var syms []nlist64
	addSym := func(name string, typ, sect uint8, value uint64) {
		syms = append(syms, nlist64{Strx: uint32(strtab.Len()), Type: typ, Sect: sect, Value: value})
		strtab.WriteString(machoName(name))
		strtab.WriteByte(0)
	}
	for _, s := range p.locals {
		addSym(s.Name, N_SECT, 1, uint64(s.Offset))
	}
	for _, s := range p.globals {
		addSym(s.Name, N_SECT|N_EXT, 1, uint64(s.Offset))
	}
	for _, name := range p.undef {
		addSym(name, N_UNDF|N_EXT, 0, 0)
	}
	for strtab.Len()%8 != 0 {
		strtab.WriteByte(0)
	}

	buf := &bytes.Buffer{}
	buf.Grow(strOff + strtab.Len())

	mh := machHeader64{
		Magic:      MH_MAGIC_64,
		CpuType:    CPU_TYPE_X86_64,
		CpuSubtype: CPU_SUBTYPE_X86_64_ALL,
		FileType:   MH_OBJECT,
		NCmds:      3,
		SizeOfCmds: uint32(cmdsize),
		Flags:      MH_SUBSECTIONS_VIA_SYM,
	}
	if err := binary.Write(buf, binary.LittleEndian, mh); err != nil {
		return nil, err
	}

	// Object files carry one unnamed segment.
	seg := segmentCommand64{
		Cmd:      LC_SEGMENT_64,
		Cmdsize:  uint32(segSize),
		Vmsize:   uint64(len(code.Text)),
		Fileoff:  uint64(textOff),
		Filesize: uint64(len(code.Text)),
		Maxprot:  7,
		Initprot: 7,
		Nsects:   1,
	}
	if err := binary.Write(buf, binary.LittleEndian, seg); err != nil {
		return nil, err
	}
	sec := section64{
		Size:   uint64(len(code.Text)),
		Offset: uint32(textOff),
		Align:  4, // 2^4
		Reloff: uint32(relocOff),
		Nreloc: uint32(len(code.Relocs)),
		Flags:  S_ATTR_PURE_INSTRUCTIONS | S_ATTR_SOME_INSTRUCTIONS,
	}
	setPaddedName(&sec.Sectname, "__text")
	setPaddedName(&sec.Segname, "__TEXT")
	if err := binary.Write(buf, binary.LittleEndian, sec); err != nil {
		return nil, err
	}

	st := symtabCommand{
		Cmd:     LC_SYMTAB,
		Cmdsize: uint32(symtabSize),
		Symoff:  uint32(symOff),
		Nsyms:   uint32(p.len()),
		Stroff:  uint32(strOff),
		Strsize: uint32(strtab.Len()),
	}
	if err := binary.Write(buf, binary.LittleEndian, st); err != nil {
		return nil, err
	}
	dst := dysymtabCommand{
		Cmd:        LC_DYSYMTAB,
		Cmdsize:    uint32(dysymtabSize),
		Nlocalsym:  uint32(len(p.locals)),
		Iextdefsym: uint32(len(p.locals)),
		Nextdefsym: uint32(len(p.globals)),
		Iundefsym:  uint32(len(p.locals) + len(p.globals)),
		Nundefsym:  uint32(len(p.undef)),
	}
	if err := binary.Write(buf, binary.LittleEndian, dst); err != nil {
		return nil, err
	}

	padTo := func(pos int) {
		for buf.Len() < pos {
			buf.WriteByte(0)
		}
	}
	padTo(textOff)
	buf.Write(code.Text)

	// BRANCH displacements hold the addend relative to the end of the field,
	// which is zero for a plain call.
	padTo(relocOff)
	for _, r := range code.Relocs {
		info := uint32(p.index[r.Symbol]) | 1<<24 | 2<<25 | 1<<27 | X86_64_RELOC_BRANCH<<28
		binary.Write(buf, binary.LittleEndian, int32(r.Offset))
		binary.Write(buf, binary.LittleEndian, info)
	}

	padTo(symOff)
	if err := binary.Write(buf, binary.LittleEndian, syms); err != nil {
		return nil, err
	}
	buf.Write(strtab.Bytes())

	return buf.Bytes(), nil
}
