package object

import (
	"bytes"
	"encoding/binary"

	"github.com/tapec-lang/tapec/internal/codegen/x64"
)

// COFF constants.
const (
	IMAGE_FILE_MACHINE_AMD64 = 0x8664

	IMAGE_SCN_CNT_CODE       = 0x00000020
	IMAGE_SCN_ALIGN_16BYTES  = 0x00500000
	IMAGE_SCN_MEM_EXECUTE    = 0x20000000
	IMAGE_SCN_MEM_READ       = 0x40000000
	IMAGE_REL_AMD64_REL32    = 0x0004
	IMAGE_SYM_CLASS_EXTERNAL = 2
	IMAGE_SYM_CLASS_STATIC   = 3
	IMAGE_SYM_DTYPE_FUNCTION = 0x20
)

// buildCOFF lays the file out as
// [file header][.text header][.text data][relocations][symbol table][string table].
// REL32 fields stay zero: the -4 addend is implied by the relocation type.
func buildCOFF(code *x64.Code, p *symbolPlan) ([]byte, error) {
	const (
		fileHeaderSize    = 20
		sectionHeaderSize = 40
		relocSize         = 10
		symbolSize        = 18
	)

	strtab := &bytes.Buffer{}
	symtab := &bytes.Buffer{}
	writeSym := func(name string, value uint32, section int16, class uint8) {
		nameField := make([]byte, 8)
		if len(name) <= 8 {
			copy(nameField, name)
		} else {
			// Zero first word, then the offset into the string table (which
			// counts its own 4-byte size field).
			binary.LittleEndian.PutUint32(nameField[4:], uint32(strtab.Len()+4))
			strtab.WriteString(name)
			strtab.WriteByte(0)
		}
		symtab.Write(nameField)
		binary.Write(symtab, binary.LittleEndian, value)
		binary.Write(symtab, binary.LittleEndian, section)
		binary.Write(symtab, binary.LittleEndian, uint16(IMAGE_SYM_DTYPE_FUNCTION))
		symtab.WriteByte(class)
		symtab.WriteByte(0) // NumberOfAuxSymbols
	}
	for _, s := range p.locals {
		writeSym(s.Name, s.Offset, 1, IMAGE_SYM_CLASS_STATIC)
	}
	for _, s := range p.globals {
		writeSym(s.Name, s.Offset, 1, IMAGE_SYM_CLASS_EXTERNAL)
	}
	for _, name := range p.undef {
		writeSym(name, 0, 0, IMAGE_SYM_CLASS_EXTERNAL)
	}

	textOff := align(fileHeaderSize+sectionHeaderSize, 16)
	relocOff := align(textOff+len(code.Text), 4)
	symOff := relocOff + relocSize*len(code.Relocs)

	buf := &bytes.Buffer{}
	buf.Grow(symOff + symtab.Len() + 4 + strtab.Len())

	// IMAGE_FILE_HEADER
	binary.Write(buf, binary.LittleEndian, uint16(IMAGE_FILE_MACHINE_AMD64))
	binary.Write(buf, binary.LittleEndian, uint16(1))       // NumberOfSections
	binary.Write(buf, binary.LittleEndian, uint32(0))       // TimeDateStamp
	binary.Write(buf, binary.LittleEndian, uint32(symOff))  // PointerToSymbolTable
	binary.Write(buf, binary.LittleEndian, uint32(p.len())) // NumberOfSymbols
	binary.Write(buf, binary.LittleEndian, uint16(0))       // SizeOfOptionalHeader
	binary.Write(buf, binary.LittleEndian, uint16(0))       // Characteristics

	// IMAGE_SECTION_HEADER for .text
	name := make([]byte, 8)
	copy(name, ".text")
	buf.Write(name)
	binary.Write(buf, binary.LittleEndian, uint32(0))                // VirtualSize
	binary.Write(buf, binary.LittleEndian, uint32(0))                // VirtualAddress
	binary.Write(buf, binary.LittleEndian, uint32(len(code.Text)))   // SizeOfRawData
	binary.Write(buf, binary.LittleEndian, uint32(textOff))          // PointerToRawData
	binary.Write(buf, binary.LittleEndian, uint32(relocOff))         // PointerToRelocations
	binary.Write(buf, binary.LittleEndian, uint32(0))                // PointerToLinenumbers
	binary.Write(buf, binary.LittleEndian, uint16(len(code.Relocs))) // NumberOfRelocations
	binary.Write(buf, binary.LittleEndian, uint16(0))                // NumberOfLinenumbers
	binary.Write(buf, binary.LittleEndian, uint32(IMAGE_SCN_CNT_CODE|IMAGE_SCN_ALIGN_16BYTES|IMAGE_SCN_MEM_EXECUTE|IMAGE_SCN_MEM_READ))

	padTo := func(pos int) {
		for buf.Len() < pos {
			buf.WriteByte(0)
		}
	}
	padTo(textOff)
	buf.Write(code.Text)

	padTo(relocOff)
	for _, r := range code.Relocs {
		binary.Write(buf, binary.LittleEndian, r.Offset)
		binary.Write(buf, binary.LittleEndian, uint32(p.index[r.Symbol]))
		binary.Write(buf, binary.LittleEndian, uint16(IMAGE_REL_AMD64_REL32))
	}

	buf.Write(symtab.Bytes())
	binary.Write(buf, binary.LittleEndian, uint32(4+strtab.Len()))
	buf.Write(strtab.Bytes())

	return buf.Bytes(), nil
}
