package lir

// ForwardSlotLoads replaces loads of a slot with the value most recently stored
// to it in the same block. Slots are never address-taken, so calls cannot
// clobber them. It returns the number of loads removed.
func ForwardSlotLoads(f *Function) int {
	slots := make(map[string]bool)
	for _, s := range f.Slots() {
		slots[s] = true
	}

	replace := make(map[string]string)
	resolve := func(s string) string {
		if r, ok := replace[s]; ok {
			return r
		}
		return s
	}

	removed := 0
	for _, bb := range f.Blocks {
		known := make(map[string]string)
		kept := bb.Insns[:0]
		for _, ins := range bb.Insns {
			ins = ins.rename(resolve)
			switch v := ins.(type) {
			case Store:
				if slots[v.Addr] {
					known[v.Addr] = v.Val
				}
			case Load:
				if val, ok := known[v.Addr]; ok && slots[v.Addr] {
					replace[v.Dst] = val
					removed++
					continue
				}
			}
			kept = append(kept, ins)
		}
		bb.Insns = kept
	}

	// Uses in later blocks are renamed in a second sweep.
	if removed > 0 {
		for _, bb := range f.Blocks {
			for i, ins := range bb.Insns {
				bb.Insns[i] = ins.rename(resolve)
			}
		}
	}

	return removed
}

// Optimize runs the block-local passes over every function of m and returns
// the number of instructions removed.
func Optimize(m *Module) int {
	n := 0
	for _, f := range m.Functions {
		n += ForwardSlotLoads(f)
	}
	return n
}

// Clone returns a copy of m that passes can rewrite without affecting m.
func (m *Module) Clone() *Module {
	c := &Module{Name: m.Name}
	for _, e := range m.Externs {
		ec := *e
		ec.Params = append([]string(nil), e.Params...)
		c.Externs = append(c.Externs, &ec)
	}
	for _, f := range m.Functions {
		fc := &Function{Name: f.Name, RetClass: f.RetClass, Exported: f.Exported}
		for _, bb := range f.Blocks {
			fc.Blocks = append(fc.Blocks, &BasicBlock{
				Label: bb.Label,
				Insns: append([]Insn(nil), bb.Insns...),
			})
		}
		c.Functions = append(c.Functions, fc)
	}
	return c
}
