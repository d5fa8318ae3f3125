package lir

import (
	"fmt"
	"strconv"
)

// IsImmediate reports whether operand is a decimal integer literal.
func IsImmediate(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

// Verify checks structural well-formedness of every function in m: each block
// ends in exactly one terminator, branch targets exist, every name is defined
// once, and calls match their callee's declaration.
func Verify(m *Module) error {
	names := make(map[string]bool)
	for _, e := range m.Externs {
		if names[e.Name] {
			return fmt.Errorf("duplicate symbol %s", e.Name)
		}
		names[e.Name] = true
	}
	for _, f := range m.Functions {
		if names[f.Name] {
			return fmt.Errorf("duplicate symbol %s", f.Name)
		}
		names[f.Name] = true
	}

	for _, f := range m.Functions {
		if err := verifyFunc(m, f); err != nil {
			return fmt.Errorf("func %s: %w", f.Name, err)
		}
	}

	return nil
}

func verifyFunc(m *Module, f *Function) error {
	if len(f.Blocks) == 0 {
		return fmt.Errorf("no blocks")
	}

	labels := make(map[string]bool, len(f.Blocks))
	defs := make(map[string]bool)
	for _, bb := range f.Blocks {
		if bb.Label == "" {
			return fmt.Errorf("unlabelled block")
		}
		if labels[bb.Label] {
			return fmt.Errorf("duplicate label %s", bb.Label)
		}
		labels[bb.Label] = true
		for _, ins := range bb.Insns {
			d := ins.Def()
			if d == "" {
				continue
			}
			if defs[d] {
				return fmt.Errorf("%s defined twice", d)
			}
			defs[d] = true
		}
	}

	for _, bb := range f.Blocks {
		if len(bb.Insns) == 0 {
			return fmt.Errorf("block %s is empty", bb.Label)
		}
		for i, ins := range bb.Insns {
			last := i == len(bb.Insns)-1
			if IsTerminator(ins) != last {
				if last {
					return fmt.Errorf("block %s does not end in a terminator", bb.Label)
				}
				return fmt.Errorf("block %s: terminator %s before end of block", bb.Label, ins.Op())
			}
			for _, succ := range Successors(ins) {
				if !labels[succ] {
					return fmt.Errorf("block %s: branch to unknown block %s", bb.Label, succ)
				}
			}
			for _, op := range ins.Operands() {
				if !defs[op] && !IsImmediate(op) {
					return fmt.Errorf("block %s: %s uses undefined value %s", bb.Label, ins.Op(), op)
				}
			}
			if c, ok := ins.(Call); ok {
				if err := verifyCall(m, c); err != nil {
					return fmt.Errorf("block %s: %w", bb.Label, err)
				}
			}
			if r, ok := ins.(Ret); ok && (r.Src == "") != (f.RetClass == Void) {
				return fmt.Errorf("block %s: return does not match result class %q", bb.Label, f.RetClass)
			}
		}
	}

	return nil
}

func verifyCall(m *Module, c Call) error {
	var params []string
	var ret string
	if e := m.Extern(c.Callee); e != nil {
		params, ret = e.Params, e.RetClass
	} else if fn := m.Function(c.Callee); fn != nil {
		ret = fn.RetClass
	} else {
		return fmt.Errorf("call to undeclared %s", c.Callee)
	}
	if len(c.Args) != len(params) {
		return fmt.Errorf("call %s: %d arguments, want %d", c.Callee, len(c.Args), len(params))
	}
	if c.RetClass != ret {
		return fmt.Errorf("call %s: result class %q, declared %q", c.Callee, c.RetClass, ret)
	}
	if c.Dst != "" && ret == Void {
		return fmt.Errorf("call %s: void result assigned to %s", c.Callee, c.Dst)
	}

	return nil
}
