// Package target describes compilation targets and builds the machine that
// turns a generated module into a relocatable object for one of them.
package target

import (
	"fmt"
	"strings"

	terrors "github.com/tapec-lang/tapec/internal/errors"
)

// Triple is an arch-vendor-os[-env] target name.
type Triple struct {
	Arch   string
	Vendor string
	OS     string
	Env    string
}

var archAliases = map[string]string{
	"x86_64":  "x86_64",
	"amd64":   "x86_64",
	"x64":     "x86_64",
	"i386":    "i386",
	"i686":    "i386",
	"386":     "i386",
	"aarch64": "aarch64",
	"arm64":   "aarch64",
	"arm":     "arm",
	"riscv64": "riscv64",
	"ppc64le": "ppc64le",
	"s390x":   "s390x",
	"wasm32":  "wasm32",
}

var osAliases = map[string]string{
	"linux":   "linux",
	"darwin":  "darwin",
	"macos":   "darwin",
	"macosx":  "darwin",
	"windows": "windows",
	"win32":   "windows",
	"freebsd": "freebsd",
	"netbsd":  "netbsd",
	"openbsd": "openbsd",
	"wasi":    "wasi",
}

// canonicalOS strips a trailing version ("darwin23.1.0", "macosx14") before
// looking the name up.
func canonicalOS(s string) (string, bool) {
	name := strings.TrimRight(strings.ToLower(s), "0123456789.")
	c, ok := osAliases[name]
	return c, ok
}

// ParseTriple parses and normalises s. Unknown architectures or operating
// systems and malformed names are TargetResolution errors.
func ParseTriple(s string) (Triple, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) < 2 || len(parts) > 4 {
		return Triple{}, terrors.TargetResolution(s, fmt.Errorf("expected arch-vendor-os[-env]"))
	}
	for _, p := range parts {
		if p == "" {
			return Triple{}, terrors.TargetResolution(s, fmt.Errorf("empty component"))
		}
	}

	var t Triple
	arch, ok := archAliases[strings.ToLower(parts[0])]
	if !ok {
		return Triple{}, terrors.TargetResolution(s, fmt.Errorf("unknown architecture %q", parts[0]))
	}
	t.Arch = arch

	switch len(parts) {
	case 2:
		t.OS = parts[1]
	case 3:
		// arch-os-env or arch-vendor-os
		if _, ok := canonicalOS(parts[1]); ok {
			t.OS, t.Env = parts[1], parts[2]
		} else {
			t.Vendor, t.OS = parts[1], parts[2]
		}
	case 4:
		t.Vendor, t.OS, t.Env = parts[1], parts[2], parts[3]
	}

	osName, ok := canonicalOS(t.OS)
	if !ok {
		return Triple{}, terrors.TargetResolution(s, fmt.Errorf("unknown operating system %q", t.OS))
	}
	t.OS = osName
	if t.Vendor == "" {
		t.Vendor = defaultVendor(osName)
	}
	return t, nil
}

func defaultVendor(os string) string {
	switch os {
	case "darwin":
		return "apple"
	case "windows":
		return "pc"
	}
	return "unknown"
}

func (t Triple) String() string {
	s := t.Arch + "-" + t.Vendor + "-" + t.OS
	if t.Env != "" {
		s += "-" + t.Env
	}
	return s
}
