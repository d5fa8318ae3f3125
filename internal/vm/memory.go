package vm

import (
	"encoding/binary"
	"fmt"
	"sort"

	terrors "github.com/tapec-lang/tapec/internal/errors"
)

// Allocations are placed at increasing addresses, each followed by an
// unmapped gap.
const (
	heapBase  = 0x10000
	heapGap   = 0x1000
	heapLimit = 1 << 30
)

type block struct {
	base int64
	data []byte
	live bool
}

// arena is the heap behind the allocate and deallocate primitives.
type arena struct {
	blocks []*block // ordered by base
	next   int64
	live   int
}

func newArena() *arena { return &arena{next: heapBase} }

func fault(format string, args ...interface{}) error {
	return terrors.Runtime(terrors.CodeMemoryFault, fmt.Sprintf(format, args...), nil)
}

// alloc returns the address of n zeroed bytes, or 0 when the request cannot
// be satisfied.
func (a *arena) alloc(count, size int64) int64 {
	if count < 0 || size < 0 || (size != 0 && count > heapLimit/size) {
		return 0
	}
	n := count * size
	b := &block{base: a.next, data: make([]byte, n), live: true}
	a.blocks = append(a.blocks, b)
	a.next += (n + heapGap + 15) &^ 15
	a.live++
	return b.base
}

func (a *arena) free(addr int64) error {
	if addr == 0 {
		return nil
	}
	b := a.find(addr)
	if b == nil || b.base != addr {
		return fault("free of %#x, which is not the start of an allocation", addr)
	}
	if !b.live {
		return fault("double free of %#x", addr)
	}
	b.live = false
	b.data = nil
	a.live--
	return nil
}

func (a *arena) find(addr int64) *block {
	i := sort.Search(len(a.blocks), func(i int) bool { return a.blocks[i].base > addr }) - 1
	if i < 0 {
		return nil
	}
	b := a.blocks[i]
	if addr != b.base && addr >= b.base+int64(len(b.data)) {
		return nil
	}
	return b
}

// span returns the n bytes at addr.
func (a *arena) span(addr int64, n int) ([]byte, error) {
	b := a.find(addr)
	if b == nil {
		return nil, fault("access of %d bytes at %#x outside any allocation", n, addr)
	}
	if !b.live {
		return nil, fault("access at %#x after free", addr)
	}
	off := addr - b.base
	if off+int64(n) > int64(len(b.data)) {
		return nil, fault("access of %d bytes at %#x runs past the end of a %d byte allocation", n, addr, len(b.data))
	}
	return b.data[off : off+int64(n)], nil
}

func (a *arena) load(addr int64, width int) (int64, error) {
	s, err := a.span(addr, width)
	if err != nil {
		return 0, err
	}
	switch width {
	case 1:
		return int64(s[0]), nil
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(s))), nil
	}
	return int64(binary.LittleEndian.Uint64(s)), nil
}

func (a *arena) store(addr int64, width int, v int64) error {
	s, err := a.span(addr, width)
	if err != nil {
		return err
	}
	switch width {
	case 1:
		s[0] = byte(v)
	case 4:
		binary.LittleEndian.PutUint32(s, uint32(v))
	default:
		binary.LittleEndian.PutUint64(s, uint64(v))
	}
	return nil
}
