package target

import (
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"

	terrors "github.com/tapec-lang/tapec/internal/errors"
)

// Description is a resolved target: its triple, CPU name and feature string.
type Description struct {
	Triple   Triple
	CPU      string
	Features string
}

func (d Description) String() string {
	if d.Features == "" {
		return fmt.Sprintf("%s (%s)", d.Triple, d.CPU)
	}
	return fmt.Sprintf("%s (%s %s)", d.Triple, d.CPU, d.Features)
}

// Host describes the machine tapec is running on.
func Host() (Description, error) {
	machine, err := hostMachine()
	if err != nil {
		return Description{}, terrors.TargetResolution(runtime.GOOS+"/"+runtime.GOARCH, err)
	}
	arch, ok := archAliases[strings.ToLower(machine)]
	if !ok {
		return Description{}, terrors.TargetResolution(machine+"-"+runtime.GOOS,
			fmt.Errorf("unknown host architecture %q", machine))
	}
	osName, ok := canonicalOS(runtime.GOOS)
	if !ok {
		return Description{}, terrors.TargetResolution(arch+"-"+runtime.GOOS,
			fmt.Errorf("unknown host operating system %q", runtime.GOOS))
	}

	t := Triple{Arch: arch, Vendor: defaultVendor(osName), OS: osName, Env: defaultEnv(osName)}
	d := Description{Triple: t, CPU: "generic"}
	if arch == "x86_64" && runtime.GOARCH == "amd64" {
		d.CPU, d.Features = x86Level(), x86Features()
	}
	return d, nil
}

// Resolve parses triple, or describes the host when triple is empty. A named
// triple gets the baseline CPU for its architecture.
func Resolve(triple string) (Description, error) {
	if triple == "" {
		return Host()
	}
	t, err := ParseTriple(triple)
	if err != nil {
		return Description{}, err
	}
	d := Description{Triple: t, CPU: "generic"}
	if t.Arch == "x86_64" {
		d.CPU = "x86-64"
	}
	return d, nil
}

func defaultEnv(os string) string {
	switch os {
	case "linux":
		return "gnu"
	case "windows":
		return "msvc"
	}
	return ""
}

// x86Level maps the host's features onto the x86-64 micro-architecture levels.
func x86Level() string {
	x := cpu.X86
	v2 := x.HasSSE3 && x.HasSSSE3 && x.HasSSE41 && x.HasSSE42 && x.HasPOPCNT
	v3 := v2 && x.HasAVX && x.HasAVX2 && x.HasBMI1 && x.HasBMI2 && x.HasFMA && x.HasOSXSAVE
	v4 := v3 && x.HasAVX512F && x.HasAVX512BW && x.HasAVX512CD && x.HasAVX512DQ && x.HasAVX512VL
	switch {
	case v4:
		return "x86-64-v4"
	case v3:
		return "x86-64-v3"
	case v2:
		return "x86-64-v2"
	}
	return "x86-64"
}

func x86Features() string {
	x := cpu.X86
	flags := []struct {
		name string
		on   bool
	}{
		{"sse2", x.HasSSE2},
		{"sse3", x.HasSSE3},
		{"ssse3", x.HasSSSE3},
		{"sse4.1", x.HasSSE41},
		{"sse4.2", x.HasSSE42},
		{"popcnt", x.HasPOPCNT},
		{"aes", x.HasAES},
		{"pclmul", x.HasPCLMULQDQ},
		{"avx", x.HasAVX},
		{"avx2", x.HasAVX2},
		{"bmi", x.HasBMI1},
		{"bmi2", x.HasBMI2},
		{"fma", x.HasFMA},
		{"adx", x.HasADX},
		{"rdrnd", x.HasRDRAND},
		{"rdseed", x.HasRDSEED},
		{"avx512f", x.HasAVX512F},
		{"avx512bw", x.HasAVX512BW},
		{"avx512cd", x.HasAVX512CD},
		{"avx512dq", x.HasAVX512DQ},
		{"avx512vl", x.HasAVX512VL},
	}
	var out []string
	for _, f := range flags {
		if f.on {
			out = append(out, "+"+f.name)
		}
	}
	return strings.Join(out, ",")
}
