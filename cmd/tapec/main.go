// Package main provides the entry point for the tapec compiler.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tapec-lang/tapec/internal/cli"
	"github.com/tapec-lang/tapec/internal/driver"
	"github.com/tapec-lang/tapec/internal/interp"
	"github.com/tapec-lang/tapec/internal/parser"
	"github.com/tapec-lang/tapec/internal/vm"
	"github.com/tapec-lang/tapec/internal/watch"
)

const toolName = "tapec"

func main() {
	var (
		showVersion = flag.Bool("version", false, "show version information")
		jsonOut     = flag.Bool("json", false, "print version information as JSON")
		output      = flag.String("o", "", "object file path (single input only)")
		emitLIR     = flag.Bool("emit-lir", false, "print the generated module instead of writing an object")
		emitAsm     = flag.Bool("emit-asm", false, "print the assembly listing instead of writing an object")
		runInterp   = flag.Bool("run", false, "interpret the program on stdin/stdout")
		runVM       = flag.Bool("vm", false, "execute the generated module on stdin/stdout")
		maxSteps    = flag.Int("max-steps", 0, "abort -run/-vm after this many steps (0 = unlimited)")
		traceRun    = flag.Bool("trace", false, "with -run, print each instruction and the first ten cells to stderr")
		targetFlag  = flag.String("target", "", "target triple (default: host)")
		optFlag     = flag.String("O", "", "optimization level 0-3")
		relocFlag   = flag.String("reloc", "", "relocation model: default|static|pic|dynamic-no-pic")
		cmFlag      = flag.String("code-model", "", "code model: default|small|kernel|medium|large")
		entryFlag   = flag.String("entry", "", "exported name of the generated routine")
		outDir      = flag.String("out-dir", "", "directory for object files")
		configPath  = flag.String("config", "", "configuration file (JSON)")
		watchMode   = flag.Bool("watch", false, "rebuild when inputs change")
		verbose     = flag.Bool("verbose", false, "verbose output")
		debugMode   = flag.Bool("debug", false, "debug output")
	)
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		if err := cli.PrintVersion(os.Stdout, toolName, *jsonOut); err != nil {
			cli.ExitWithError("%v", err)
		}
		return
	}

	cfg, err := cli.LoadConfig(*configPath)
	if err != nil {
		cli.ExitWithError("%v", err)
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.CheckRequires(cli.Version); err != nil {
		cli.ExitWithError("%v", err)
	}
	override(&cfg.Target, *targetFlag)
	override(&cfg.OptLevel, *optFlag)
	override(&cfg.RelocMode, *relocFlag)
	override(&cfg.CodeModel, *cmFlag)
	override(&cfg.Entry, *entryFlag)
	override(&cfg.OutputDir, *outDir)
	cfg.Verbose = cfg.Verbose || *verbose
	cfg.Debug = cfg.Debug || *debugMode

	log := cli.NewLogger(os.Stderr, cfg.Verbose, cfg.Debug)

	srcs := flag.Args()
	if len(srcs) == 0 {
		usage()
		cli.ExitWithCode(2, "")
	}
	if *output != "" && len(srcs) != 1 {
		cli.ExitWithCode(2, "Error: -o requires exactly one input")
	}

	if *runInterp {
		opts := []interp.Option{interp.WithMaxSteps(*maxSteps)}
		if *traceRun || cfg.Debug {
			opts = append(opts, interp.WithTrace(os.Stderr))
		}
		cli.HandleError(interpret(srcs[0], opts...), log)
		cli.ExitWithCode(0, "")
	}

	d, err := driver.New(cfg, log)
	cli.HandleError(err, log)

	switch {
	case *runVM:
		cli.HandleError(execute(d, cfg, srcs[0], *maxSteps), log)
	case *emitLIR || *emitAsm:
		cli.HandleError(dump(d, srcs, *emitAsm), log)
	case *output != "":
		cli.OnExit(func() { removeIfEmpty(*output) })
		_, err := d.Compile(srcs[0], *output)
		cli.HandleError(err, log)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if _, err := d.BuildAll(ctx, srcs); err != nil {
			if !*watchMode {
				cli.HandleError(err, log)
			}
			log.Error("%v", err)
		}
		if *watchMode {
			log.Info("watching %d file(s)", len(srcs))
			err := watch.Run(ctx, srcs, cfg.Debounce(), func(changed []string) {
				if _, err := d.BuildAll(ctx, changed); err != nil {
					log.Error("%v", err)
				}
			})
			stop()
			cli.HandleError(err, log)
		}
	}
	cli.ExitWithCode(0, "")
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func interpret(src string, opts ...interp.Option) error {
	prog, err := parser.ParseFile(src)
	if err != nil {
		return err
	}
	return interp.Run(prog, os.Stdin, os.Stdout, opts...)
}

func execute(d *driver.Driver, cfg *cli.Config, src string, maxSteps int) error {
	m, _, err := d.Load(src)
	if err != nil {
		return err
	}
	m, err = d.Machine().Prepare(m)
	if err != nil {
		return err
	}
	_, err = vm.Run(m, os.Stdin, os.Stdout,
		vm.WithPrimitives(cfg.Primitives()),
		vm.WithEntry(cfg.Entry),
		vm.WithMaxSteps(maxSteps))
	return err
}

func dump(d *driver.Driver, srcs []string, asm bool) error {
	for _, src := range srcs {
		m, _, err := d.Load(src)
		if err != nil {
			return err
		}
		if !asm {
			fmt.Print(m)
			continue
		}
		l, err := d.Listing(m)
		if err != nil {
			return err
		}
		fmt.Print(l)
	}
	return nil
}

// removeIfEmpty drops a zero-length object left by an interrupted write.
func removeIfEmpty(path string) {
	if fi, err := os.Stat(path); err == nil && fi.Size() == 0 {
		os.Remove(path)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "tapec - native compiler for tape programs\n\n")
	fmt.Fprintf(os.Stderr, "USAGE:\n    %s [OPTIONS] <INPUT_FILE>...\n\nOPTIONS:\n", toolName)
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nENVIRONMENT:\n    %s overrides the configured target triple\n", cli.EnvTarget)
	fmt.Fprintf(os.Stderr, "\nEXAMPLES:\n    %s hello.b && cc hello.o -o hello\n    %s -target x86_64-pc-windows-msvc hello.b\n    %s -run hello.b\n", toolName, toolName, toolName)
}
