package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/tapec-lang/tapec/internal/codegen"
	"github.com/tapec-lang/tapec/internal/target"
)

// EnvTarget overrides the configured target triple.
const EnvTarget = "TAPEC_TARGET"

// RuntimeSymbols overrides the link-time names of the runtime primitives.
type RuntimeSymbols struct {
	Allocate   string `json:"allocate,omitempty"`
	Deallocate string `json:"deallocate,omitempty"`
	ReadByte   string `json:"read_byte,omitempty"`
	WriteByte  string `json:"write_byte,omitempty"`
}

// Config represents the compiler configuration
type Config struct {
	Verbose    bool           `json:"verbose"`
	Debug      bool           `json:"debug"`
	Target     string         `json:"target,omitempty"`
	OptLevel   string         `json:"opt_level,omitempty"`
	RelocMode  string         `json:"reloc_mode,omitempty"`
	CodeModel  string         `json:"code_model,omitempty"`
	Entry      string         `json:"entry,omitempty"`
	Runtime    RuntimeSymbols `json:"runtime"`
	OutputDir  string         `json:"output_dir,omitempty"`
	DebounceMS int            `json:"debounce_ms,omitempty"`
	// Requires is a semantic version constraint the compiler must satisfy.
	Requires string `json:"requires,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		OptLevel:   "2",
		Entry:      codegen.DefaultEntry,
		DebounceMS: 100,
	}
}

// LoadConfig loads configuration from file. A missing file yields the defaults.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath == "" {
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveConfig saves configuration to file
func (c *Config) SaveConfig(configPath string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv applies environment overrides read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if t := getenv(EnvTarget); t != "" {
		c.Target = t
	}
}

// CheckRequires fails when Requires is set and version does not satisfy it.
func (c *Config) CheckRequires(version string) error {
	if c.Requires == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(c.Requires)
	if err != nil {
		return fmt.Errorf("invalid requires constraint %q: %w", c.Requires, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid compiler version %q: %w", version, err)
	}
	if ok, errs := constraint.Validate(v); !ok {
		if len(errs) > 0 {
			return fmt.Errorf("tapec %s does not satisfy %q: %w", version, c.Requires, errs[0])
		}
		return fmt.Errorf("tapec %s does not satisfy %q", version, c.Requires)
	}
	return nil
}

// TargetOptions parses the optimization level and relocation/code models.
func (c *Config) TargetOptions() (target.Options, error) {
	opts := target.DefaultOptions()
	var err error
	if opts.OptLevel, err = target.ParseOptLevel(c.OptLevel); err != nil {
		return opts, err
	}
	if opts.RelocMode, err = target.ParseRelocMode(c.RelocMode); err != nil {
		return opts, err
	}
	if opts.CodeModel, err = target.ParseCodeModel(c.CodeModel); err != nil {
		return opts, err
	}
	return opts, nil
}

// Primitives returns the runtime primitive declarations with any overrides applied.
func (c *Config) Primitives() codegen.Primitives {
	r := c.Runtime
	return codegen.DefaultPrimitives().WithSymbols(r.Allocate, r.Deallocate, r.ReadByte, r.WriteByte)
}

// Debounce returns the watch mode quiet period.
func (c *Config) Debounce() time.Duration {
	if c.DebounceMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.DebounceMS) * time.Millisecond
}
