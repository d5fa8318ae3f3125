package object

import (
	"bytes"
	"encoding/binary"

	"github.com/tapec-lang/tapec/internal/codegen/x64"
)

// ELF64 constants.
const (
	ET_REL    = 1
	EM_X86_64 = 62

	SHT_PROGBITS = 1
	SHT_SYMTAB   = 2
	SHT_STRTAB   = 3
	SHT_RELA     = 4

	SHF_ALLOC     = 0x2
	SHF_EXECINSTR = 0x4
	SHF_INFO_LINK = 0x40

	STB_LOCAL   = 0
	STB_GLOBAL  = 1
	STT_NOTYPE  = 0
	STT_FUNC    = 2
	STT_SECTION = 3

	R_X86_64_PC32  = 2
	R_X86_64_PLT32 = 4
)

// Section indices of the fixed layout.
const (
	elfText = 1 + iota
	elfRela
	elfSymtab
	elfStrtab
	elfNote
	elfShstrtab
	elfSections
)

type elfSection struct {
	name      string
	typ       uint32
	flags     uint64
	data      []byte
	link      uint32
	info      uint32
	addralign uint64
	entsize   uint64
	off       uint64
}

// buildELF lays the file out as
// [ELF header][.text][.rela.text][.symtab][.strtab][.shstrtab][section headers].
func buildELF(code *x64.Code, p *symbolPlan, opts Options) ([]byte, error) {
	const (
		ehdrSize = 64
		shdrSize = 64
		symSize  = 24
		relaSize = 24
	)

	strtab := &bytes.Buffer{}
	strtab.WriteByte(0)
	addStr := func(s string) uint32 {
		off := uint32(strtab.Len())
		strtab.WriteString(s)
		strtab.WriteByte(0)
		return off
	}

	// Symbol 0 is null, symbol 1 the .text section; planned symbols follow.
	const symBase = 2
	symtab := &bytes.Buffer{}
	writeSym := func(name uint32, bind, typ byte, shndx uint16, value, size uint64) {
		var s [symSize]byte
		binary.LittleEndian.PutUint32(s[0:], name)
		s[4] = bind<<4 | typ
		binary.LittleEndian.PutUint16(s[6:], shndx)
		binary.LittleEndian.PutUint64(s[8:], value)
		binary.LittleEndian.PutUint64(s[16:], size)
		symtab.Write(s[:])
	}
	writeSym(0, STB_LOCAL, STT_NOTYPE, 0, 0, 0)
	writeSym(0, STB_LOCAL, STT_SECTION, elfText, 0, 0)
	for _, s := range p.locals {
		writeSym(addStr(s.Name), STB_LOCAL, STT_FUNC, elfText, uint64(s.Offset), uint64(s.Size))
	}
	for _, s := range p.globals {
		writeSym(addStr(s.Name), STB_GLOBAL, STT_FUNC, elfText, uint64(s.Offset), uint64(s.Size))
	}
	for _, name := range p.undef {
		writeSym(addStr(name), STB_GLOBAL, STT_NOTYPE, 0, 0, 0)
	}
	firstGlobal := uint32(symBase + len(p.locals))

	relType := uint64(R_X86_64_PLT32)
	if opts.Static {
		relType = R_X86_64_PC32
	}
	rela := &bytes.Buffer{}
	for _, r := range code.Relocs {
		var e [relaSize]byte
		sym := uint64(symBase + p.index[r.Symbol])
		binary.LittleEndian.PutUint64(e[0:], uint64(r.Offset))
		binary.LittleEndian.PutUint64(e[8:], sym<<32|relType)
		binary.LittleEndian.PutUint64(e[16:], uint64(r.Addend))
		rela.Write(e[:])
	}

	secs := make([]elfSection, elfSections)
	secs[elfText] = elfSection{name: ".text", typ: SHT_PROGBITS, flags: SHF_ALLOC | SHF_EXECINSTR, data: code.Text, addralign: 16}
	secs[elfRela] = elfSection{name: ".rela.text", typ: SHT_RELA, flags: SHF_INFO_LINK, data: rela.Bytes(),
		link: elfSymtab, info: elfText, addralign: 8, entsize: relaSize}
	secs[elfSymtab] = elfSection{name: ".symtab", typ: SHT_SYMTAB, data: symtab.Bytes(),
		link: elfStrtab, info: firstGlobal, addralign: 8, entsize: symSize}
	secs[elfStrtab] = elfSection{name: ".strtab", typ: SHT_STRTAB, data: strtab.Bytes(), addralign: 1}
	// An empty .note.GNU-stack marks the stack non-executable.
	secs[elfNote] = elfSection{name: ".note.GNU-stack", typ: SHT_PROGBITS, addralign: 1}
	secs[elfShstrtab] = elfSection{name: ".shstrtab", typ: SHT_STRTAB, addralign: 1}

	shstr := &bytes.Buffer{}
	shstr.WriteByte(0)
	nameOff := make([]uint32, elfSections)
	for i := 1; i < elfSections; i++ {
		nameOff[i] = uint32(shstr.Len())
		shstr.WriteString(secs[i].name)
		shstr.WriteByte(0)
	}
	secs[elfShstrtab].data = shstr.Bytes()

	cur := ehdrSize
	for i := 1; i < elfSections; i++ {
		cur = align(cur, int(secs[i].addralign))
		secs[i].off = uint64(cur)
		cur += len(secs[i].data)
	}
	shoff := align(cur, 8)

	file := &bytes.Buffer{}
	file.Grow(shoff + shdrSize*elfSections)

	ehdr := make([]byte, ehdrSize)
	copy(ehdr[0:4], []byte{0x7f, 'E', 'L', 'F'})
	ehdr[4] = 2 // ELFCLASS64
	ehdr[5] = 1 // ELFDATA2LSB
	ehdr[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(ehdr[16:], ET_REL)
	binary.LittleEndian.PutUint16(ehdr[18:], EM_X86_64)
	binary.LittleEndian.PutUint32(ehdr[20:], 1)             // e_version
	binary.LittleEndian.PutUint64(ehdr[40:], uint64(shoff)) // e_shoff
	binary.LittleEndian.PutUint16(ehdr[52:], ehdrSize)      // e_ehsize
	binary.LittleEndian.PutUint16(ehdr[58:], shdrSize)      // e_shentsize
	binary.LittleEndian.PutUint16(ehdr[60:], elfSections)   // e_shnum
	binary.LittleEndian.PutUint16(ehdr[62:], elfShstrtab)   // e_shstrndx
	file.Write(ehdr)

	padTo := func(pos int) {
		for file.Len() < pos {
			file.WriteByte(0)
		}
	}
	for i := 1; i < elfSections; i++ {
		padTo(int(secs[i].off))
		file.Write(secs[i].data)
	}
	padTo(shoff)

	file.Write(make([]byte, shdrSize))
	for i := 1; i < elfSections; i++ {
		s := secs[i]
		sh := make([]byte, shdrSize)
		binary.LittleEndian.PutUint32(sh[0:], nameOff[i])
		binary.LittleEndian.PutUint32(sh[4:], s.typ)
		binary.LittleEndian.PutUint64(sh[8:], s.flags)
		binary.LittleEndian.PutUint64(sh[24:], s.off)
		binary.LittleEndian.PutUint64(sh[32:], uint64(len(s.data)))
		binary.LittleEndian.PutUint32(sh[40:], s.link)
		binary.LittleEndian.PutUint32(sh[44:], s.info)
		binary.LittleEndian.PutUint64(sh[48:], s.addralign)
		binary.LittleEndian.PutUint64(sh[56:], s.entsize)
		file.Write(sh)
	}

	return file.Bytes(), nil
}
