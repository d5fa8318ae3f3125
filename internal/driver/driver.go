// Package driver runs the compilation pipeline: parse, generate, encode and
// write one object file per source file.
package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tapec-lang/tapec/internal/ast"
	"github.com/tapec-lang/tapec/internal/cli"
	"github.com/tapec-lang/tapec/internal/codegen"
	terrors "github.com/tapec-lang/tapec/internal/errors"
	"github.com/tapec-lang/tapec/internal/lexer"
	"github.com/tapec-lang/tapec/internal/lir"
	"github.com/tapec-lang/tapec/internal/parser"
	"github.com/tapec-lang/tapec/internal/target"
)

// Driver compiles sources for one target machine. Compile and BuildAll may
// be called concurrently; each compilation owns its own engine.
type Driver struct {
	log     *cli.Logger
	machine *target.Machine
	prims   codegen.Primitives
	entry   string
	outDir  string
}

// New resolves the configured target and builds its machine.
func New(cfg *cli.Config, log *cli.Logger) (*Driver, error) {
	desc, err := target.Resolve(cfg.Target)
	if err != nil {
		return nil, err
	}
	opts, err := cfg.TargetOptions()
	if err != nil {
		return nil, err
	}
	m, err := target.NewMachine(desc, opts)
	if err != nil {
		return nil, err
	}
	log.Debug("target %s, %s, reloc %s, code model %s", desc, opts.OptLevel, opts.RelocMode, opts.CodeModel)
	return &Driver{
		log:     log,
		machine: m,
		prims:   cfg.Primitives(),
		entry:   cfg.Entry,
		outDir:  cfg.OutputDir,
	}, nil
}

// Machine returns the target machine objects are built for.
func (d *Driver) Machine() *target.Machine { return d.machine }

// Result describes one compiled source file.
type Result struct {
	Source   string
	Object   string
	Module   *lir.Module
	Stats    codegen.Stats
	Duration time.Duration
}

// ModuleName derives a module name from a source path.
func ModuleName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ObjectPath returns where the object for src is written.
func (d *Driver) ObjectPath(src string) string {
	name := ModuleName(src) + d.machine.Format().Ext()
	dir := d.outDir
	if dir == "" {
		dir = filepath.Dir(src)
	}
	return filepath.Join(dir, name)
}

// Generate lowers prog into a verified module.
func (d *Driver) Generate(name string, prog ast.Seq) (*lir.Module, codegen.Stats, error) {
	e := codegen.New(name, codegen.WithPrimitives(d.prims), codegen.WithEntry(d.entry))
	if err := e.Initialize(); err != nil {
		return nil, e.Stats(), err
	}
	if err := e.Emit(prog); err != nil {
		return nil, e.Stats(), err
	}
	m, err := e.Finalize()
	return m, e.Stats(), err
}

// Load parses and generates src without emitting an object.
func (d *Driver) Load(src string) (*lir.Module, codegen.Stats, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, codegen.Stats{}, terrors.IO("read source", src, err)
	}
	text := string(data)
	prog, err := parser.Parse(text, src)
	if err != nil {
		return nil, codegen.Stats{}, err
	}
	_, comments := lexer.Count(text)
	d.log.Trace("%s: %d instructions, %d comment bytes, loop depth %d", src, ast.Count(prog), comments, ast.Depth(prog))
	return d.Generate(ModuleName(src), prog)
}

// Compile builds src into out, or into ObjectPath(src) when out is empty.
func (d *Driver) Compile(src, out string) (*Result, error) {
	start := time.Now()
	if out == "" {
		out = d.ObjectPath(src)
	}
	m, stats, err := d.Load(src)
	if err != nil {
		return nil, err
	}
	if err := d.machine.EmitObject(m, out); err != nil {
		return nil, err
	}
	r := &Result{Source: src, Object: out, Module: m, Stats: stats, Duration: time.Since(start)}
	d.log.Info("%s -> %s (%d loops, %d folded, %s)", src, out, stats.Loops, stats.Folded, r.Duration.Round(time.Microsecond))
	return r, nil
}

// BuildAll compiles every source concurrently. It returns the results in
// input order, or the first error; remaining compilations are skipped once
// one fails. Sources that would share an object file are rejected before
// anything is written.
func (d *Driver) BuildAll(ctx context.Context, srcs []string) ([]*Result, error) {
	if err := d.checkOutputs(srcs); err != nil {
		return nil, err
	}
	results := make([]*Result, len(srcs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, src := range srcs {
		i, src := i, src
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := d.Compile(src, "")
			if err != nil {
				return fmt.Errorf("%s: %w", src, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// checkOutputs fails when two sources map to the same object path.
func (d *Driver) checkOutputs(srcs []string) error {
	owner := make(map[string]string, len(srcs))
	for _, src := range srcs {
		out := d.ObjectPath(src)
		key, err := filepath.Abs(out)
		if err != nil {
			key = filepath.Clean(out)
		}
		if prev, ok := owner[key]; ok {
			return terrors.IO("write object", out,
				fmt.Errorf("both %s and %s would be compiled to it", prev, src))
		}
		owner[key] = src
	}
	return nil
}

// Listing returns the assembly listing for m.
func (d *Driver) Listing(m *lir.Module) (string, error) { return d.machine.Listing(m) }
