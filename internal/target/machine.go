package target

import (
	"fmt"
	"strings"

	"github.com/tapec-lang/tapec/internal/codegen/x64"
	terrors "github.com/tapec-lang/tapec/internal/errors"
	"github.com/tapec-lang/tapec/internal/lir"
	"github.com/tapec-lang/tapec/internal/object"
)

// OptLevel selects how much the machine rewrites a module before encoding.
type OptLevel int

const (
	OptNone OptLevel = iota
	OptLess
	OptDefault
	OptAggressive
)

func (o OptLevel) String() string { return fmt.Sprintf("O%d", int(o)) }

// ParseOptLevel accepts "0" to "3", optionally prefixed with "O".
func ParseOptLevel(s string) (OptLevel, error) {
	switch strings.TrimPrefix(strings.ToUpper(s), "O") {
	case "0":
		return OptNone, nil
	case "1":
		return OptLess, nil
	case "", "2":
		return OptDefault, nil
	case "3":
		return OptAggressive, nil
	}
	return OptDefault, fmt.Errorf("invalid optimization level %q", s)
}

// RelocMode selects how calls to external symbols are relocated.
type RelocMode int

const (
	RelocDefault RelocMode = iota
	RelocStatic
	RelocPIC
	RelocDynamicNoPIC
)

var relocNames = map[string]RelocMode{
	"default":        RelocDefault,
	"static":         RelocStatic,
	"pic":            RelocPIC,
	"dynamic-no-pic": RelocDynamicNoPIC,
}

func (r RelocMode) String() string {
	for name, v := range relocNames {
		if v == r {
			return name
		}
	}
	return fmt.Sprintf("RelocMode(%d)", int(r))
}

func ParseRelocMode(s string) (RelocMode, error) {
	if s == "" {
		return RelocDefault, nil
	}
	if r, ok := relocNames[strings.ToLower(s)]; ok {
		return r, nil
	}
	return RelocDefault, fmt.Errorf("invalid relocation model %q", s)
}

// CodeModel bounds the distance between code and the symbols it references.
type CodeModel int

const (
	CodeModelDefault CodeModel = iota
	CodeModelSmall
	CodeModelKernel
	CodeModelMedium
	CodeModelLarge
)

var codeModelNames = map[string]CodeModel{
	"default": CodeModelDefault,
	"small":   CodeModelSmall,
	"kernel":  CodeModelKernel,
	"medium":  CodeModelMedium,
	"large":   CodeModelLarge,
}

func (c CodeModel) String() string {
	for name, v := range codeModelNames {
		if v == c {
			return name
		}
	}
	return fmt.Sprintf("CodeModel(%d)", int(c))
}

func ParseCodeModel(s string) (CodeModel, error) {
	if s == "" {
		return CodeModelDefault, nil
	}
	if c, ok := codeModelNames[strings.ToLower(s)]; ok {
		return c, nil
	}
	return CodeModelDefault, fmt.Errorf("invalid code model %q", s)
}

// Options configure a Machine. The zero value is the default configuration
// except for OptLevel, which NewMachine callers normally set to OptDefault.
type Options struct {
	OptLevel  OptLevel
	RelocMode RelocMode
	CodeModel CodeModel
}

// DefaultOptions returns the default optimization level and relocation/code models.
func DefaultOptions() Options {
	return Options{OptLevel: OptDefault, RelocMode: RelocDefault, CodeModel: CodeModelDefault}
}

// Machine encodes modules for one target.
type Machine struct {
	desc   Description
	opts   Options
	format object.Format
	abi    x64.ABI
}

// NewMachine builds a code generator for desc. It fails with a TargetMachine
// error when no generator exists for the triple or the options.
func NewMachine(desc Description, opts Options) (*Machine, error) {
	triple := desc.Triple.String()
	if desc.Triple.Arch != "x86_64" {
		return nil, terrors.TargetMachine(triple, "only x86_64 code generation is supported")
	}

	m := &Machine{desc: desc, opts: opts}
	switch desc.Triple.OS {
	case "linux", "freebsd", "netbsd", "openbsd":
		m.format, m.abi = object.ELF, x64.SysV
	case "darwin":
		m.format, m.abi = object.MachO, x64.SysV
	case "windows":
		m.format, m.abi = object.COFF, x64.Win64
	default:
		return nil, terrors.TargetMachine(triple, fmt.Sprintf("no object format for %s", desc.Triple.OS))
	}

	switch opts.CodeModel {
	case CodeModelDefault, CodeModelSmall, CodeModelMedium:
	default:
		// Calls are encoded as rel32, which these models do not allow.
		return nil, terrors.TargetMachine(triple, fmt.Sprintf("code model %s is not supported", opts.CodeModel))
	}
	if opts.OptLevel < OptNone || opts.OptLevel > OptAggressive {
		return nil, terrors.TargetMachine(triple, fmt.Sprintf("invalid optimization level %d", opts.OptLevel))
	}
	return m, nil
}

func (m *Machine) Description() Description { return m.desc }
func (m *Machine) Options() Options         { return m.opts }
func (m *Machine) Format() object.Format    { return m.format }
func (m *Machine) ABI() x64.ABI             { return m.abi }

// Prepare returns the module the machine will encode: mod itself at OptNone,
// otherwise an optimized copy.
func (m *Machine) Prepare(mod *lir.Module) (*lir.Module, error) {
	if m.opts.OptLevel == OptNone {
		return mod, nil
	}
	c := mod.Clone()
	lir.Optimize(c)
	if err := lir.Verify(c); err != nil {
		return nil, terrors.Generation("", "optimized module is malformed: "+err.Error())
	}
	return c, nil
}

// Encode prepares and encodes mod.
func (m *Machine) Encode(mod *lir.Module) (*x64.Code, error) {
	prepared, err := m.Prepare(mod)
	if err != nil {
		return nil, err
	}
	code, err := x64.Encode(prepared, m.abi)
	if err != nil {
		return nil, terrors.Generation("", fmt.Sprintf("encode for %s: %v", m.desc.Triple, err))
	}
	return code, nil
}

func (m *Machine) objectOptions() object.Options {
	switch m.opts.RelocMode {
	case RelocStatic, RelocDynamicNoPIC:
		return object.Options{Static: true}
	}
	return object.Options{}
}

// EmitObjectBytes returns the relocatable object for mod.
func (m *Machine) EmitObjectBytes(mod *lir.Module) ([]byte, error) {
	code, err := m.Encode(mod)
	if err != nil {
		return nil, err
	}
	b, err := object.Build(m.format, code, m.objectOptions())
	if err != nil {
		return nil, terrors.Generation("", err.Error())
	}
	return b, nil
}

// EmitObject writes exactly one relocatable object for mod to path.
func (m *Machine) EmitObject(mod *lir.Module, path string) error {
	code, err := m.Encode(mod)
	if err != nil {
		return err
	}
	return object.Write(path, m.format, code, m.objectOptions())
}

// Listing returns the assembly listing of mod as it would be encoded.
func (m *Machine) Listing(mod *lir.Module) (string, error) {
	code, err := m.Encode(mod)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("; target %s\n%s", m.desc, code.Listing), nil
}
