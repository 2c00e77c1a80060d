// lox CLI - runs lox scripts, starts a REPL, or serves evaluation and
// editor tooling.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/chazu/loxvm/cache"
	"github.com/chazu/loxvm/compiler"
	"github.com/chazu/loxvm/manifest"
	"github.com/chazu/loxvm/pkg/bytecode"
	"github.com/chazu/loxvm/server"
	"github.com/chazu/loxvm/vm"

	_ "github.com/tliron/commonlog/simple"
)

// Exit codes follow the sysexits convention.
const (
	exitOK       = 0
	exitUsage    = 64
	exitCompile  = 65
	exitRuntime  = 70
	exitNoInput  = 74
	exitSoftware = 1
)

var logLevels = map[string]commonlog.Level{
	"none":    commonlog.None,
	"error":   commonlog.Error,
	"warning": commonlog.Warning,
	"notice":  commonlog.Notice,
	"info":    commonlog.Info,
	"debug":   commonlog.Debug,
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// options holds the resolved settings after config and flags are merged.
type options struct {
	logLevel    string
	disassemble bool
	trace       bool
	maxFrames   int
	serve       bool
	addr        string
	lsp         bool
	noCache     bool
	configPath  string
	script      string
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("lox", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	fs.StringVar(&opts.logLevel, "log-level", "warning", "Log level: none, error, warning, notice, info, debug")
	fs.BoolVar(&opts.disassemble, "disassemble", false, "Print compiled bytecode to stderr before running")
	fs.BoolVar(&opts.trace, "trace", false, "Trace every executed instruction to stderr")
	fs.IntVar(&opts.maxFrames, "max-frames", vm.DefaultMaxFrames, "Maximum call depth")
	fs.StringVar(&opts.configPath, "config", "", "Path to loxvm.toml (default: search upward from the script)")
	fs.BoolVar(&opts.serve, "serve", false, "Start the eval server (Connect HTTP/JSON)")
	fs.StringVar(&opts.addr, "addr", "localhost:7070", "Eval server address (used with -serve)")
	fs.BoolVar(&opts.lsp, "lsp", false, "Start the language server on stdio")
	fs.BoolVar(&opts.noCache, "no-cache", false, "Disable the compiled-program cache")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: lox [options] [script]\n\n")
		fmt.Fprintf(stderr, "Runs a lox script, or starts a REPL when no script is given.\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  lox                      # Start REPL\n")
		fmt.Fprintf(stderr, "  lox fib.lox              # Run a script\n")
		fmt.Fprintf(stderr, "  lox -disassemble fib.lox # Show bytecode, then run\n")
		fmt.Fprintf(stderr, "  lox -serve -addr :8080   # Serve /loxvm.v1.EvalService/Evaluate\n")
		fmt.Fprintf(stderr, "  lox -lsp                 # Language server for editors\n")
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() > 1 {
		fs.Usage()
		return exitUsage
	}
	opts.script = fs.Arg(0)

	m, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	opts = mergeConfig(fs, opts, m)

	level, ok := logLevels[opts.logLevel]
	if !ok {
		fmt.Fprintf(stderr, "Error: unknown log level %q\n", opts.logLevel)
		return exitUsage
	}
	commonlog.Configure(0, nil)
	commonlog.SetMaxLevel(level)
	log := commonlog.GetLogger("loxvm")

	compile := compileFunc(opts, m, stderr, log)

	vmOpts := []vm.Option{vm.WithCompiler(compile), vm.WithMaxFrames(opts.maxFrames)}
	if opts.trace {
		vmOpts = append(vmOpts, vm.WithTrace(stderr))
	}

	switch {
	case opts.lsp:
		if err := server.NewLSP(vm.New(vmOpts...)).Run(); err != nil {
			fmt.Fprintf(stderr, "LSP error: %v\n", err)
			return exitSoftware
		}
		return exitOK

	case opts.serve:
		if err := serve(opts.addr, compile, vmOpts, log); err != nil {
			fmt.Fprintf(stderr, "Server error: %v\n", err)
			return exitSoftware
		}
		return exitOK

	case opts.script != "":
		return runFile(opts.script, append(vmOpts, vm.WithOutput(stdout)), stderr)

	default:
		runREPL(vm.New(append(vmOpts, vm.WithOutput(stdout))...), stdin, stdout, stderr)
		return exitOK
	}
}

// loadConfig reads the file named by -config, or searches upward from the
// script's directory (or the working directory) for loxvm.toml.
func loadConfig(opts options) (*manifest.Manifest, error) {
	if opts.configPath != "" {
		return manifest.LoadFile(opts.configPath)
	}
	start := "."
	if opts.script != "" {
		start = filepath.Dir(opts.script)
	}
	m, err := manifest.FindAndLoad(start)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = manifest.Default()
	}
	return m, nil
}

// mergeConfig applies config values for every flag the user did not set.
func mergeConfig(fs *flag.FlagSet, opts options, m *manifest.Manifest) options {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["log-level"] && m.Log.Level != "" {
		opts.logLevel = m.Log.Level
	}
	if !set["disassemble"] {
		opts.disassemble = m.Compiler.Disassemble
	}
	if !set["trace"] {
		opts.trace = m.VM.Trace
	}
	if !set["max-frames"] && m.VM.MaxFrames > 0 {
		opts.maxFrames = m.VM.MaxFrames
	}
	if !set["addr"] && m.Server.Addr != "" {
		opts.addr = m.Server.Addr
	}
	if !m.Cache.Enabled {
		opts.noCache = true
	}
	return opts
}

// compileFunc builds the compiler pipeline: the cache when enabled, then
// optional disassembly of every compiled program.
func compileFunc(opts options, m *manifest.Manifest, stderr io.Writer, log commonlog.Logger) vm.CompileFunc {
	compile := vm.CompileFunc(compiler.CompileString)

	if !opts.noCache {
		store, err := cache.Open(context.Background(), m.Cache.Driver, m.CacheDSN())
		if err != nil {
			log.Warningf("compiled-program cache disabled: %s", err)
		} else {
			compile = store.Compiler(compile)
		}
	}

	if opts.disassemble {
		inner := compile
		compile = func(source string) (*bytecode.Function, error) {
			fn, err := inner(source)
			if err == nil {
				fmt.Fprint(stderr, bytecode.Disassemble(fn))
			}
			return fn, err
		}
	}
	return compile
}

// runFile runs a script and maps its outcome to an exit code.
func runFile(path string, vmOpts []vm.Option, stderr io.Writer) int {
	source, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "Could not read file %q: %v\n", path, err)
		return exitNoInput
	}

	err = vm.New(vmOpts...).Interpret(string(source))
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(stderr, err)
	if compiler.IsCompileError(err) {
		return exitCompile
	}
	return exitRuntime
}

// runREPL reads one line at a time; each line is compiled and run on its
// own, with globals carried over. The prompt is shown only on a terminal.
func runREPL(v *vm.VM, stdin io.Reader, stdout, stderr io.Writer) {
	interactive := false
	if f, ok := stdin.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}

	scanner := bufio.NewScanner(stdin)
	for {
		if interactive {
			fmt.Fprint(stdout, "> ")
		}
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "exit" {
			break
		}
		if line == "" {
			continue
		}

		if err := v.Interpret(line); err != nil {
			fmt.Fprintln(stderr, err)
		}
	}

	if interactive {
		fmt.Fprintln(stdout)
	}
}

// serve runs the eval server until SIGINT or SIGTERM.
func serve(addr string, compile vm.CompileFunc, vmOpts []vm.Option, log commonlog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(server.WithCompileFunc(compile), server.WithVMOptions(vmOpts...))
	defer srv.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Noticef("shutting down, %d sessions open", srv.Sessions().Len())
		return nil
	})
	return g.Wait()
}
