// jitski assembles a small lazily bound program, runs it and shows what
// the trampoline did to its call sites.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/jitski/jit"
	"github.com/colorfulnotion/jitski/jiterrors"
	log "github.com/colorfulnotion/jitski/log"
	"github.com/colorfulnotion/jitski/x86"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

const (
	funcF = 0
	funcG = 1
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "jitski",
		Short: "Lazy x86-64 JIT with a self-patching call trampoline",
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	var (
		logLevel string
		debug    string
		capacity int
		arg      uint64
		calls    int
		lazy     bool
		events   bool
		execute  bool
	)

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&debug, "debug", "", "Debug modules to enable (x86,jit,tramp,sandbox or all)")
	rootCmd.PersistentFlags().IntVar(&capacity, "capacity", jit.DefaultCapacity, "Function table capacity")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		log.InitLogger(logLevel)
		log.EnableModules(debug)
	}

	var runCmd = &cobra.Command{
		Use:   "run",
		Short: "Compile f(x) = g() + x lazily and call it",
		Run: func(cmd *cobra.Command, args []string) {
			if events {
				log.RecordEvents()
			}
			e := newDemoEngine(capacity)
			defer e.Close()

			for i := 0; i < calls; i++ {
				var (
					got uint64
					err error
				)
				if lazy {
					got, err = e.CallLazy(funcF, arg)
				} else {
					got, err = e.Call(funcF, arg)
				}
				if err != nil {
					fail("call f", err)
				}
				fmt.Printf("f(%d) = %d\n", arg, got)
			}
			st := e.Stats()
			fmt.Printf("compilations=%d resolutions=%d patches=%d\n", st.Compilations, st.Resolutions, st.Patches)
			printSites(e)

			if events {
				out, err := log.GetRecordedEvents()
				if err != nil {
					fail("events", err)
				}
				os.Stdout.Write(out)
			}
		},
	}
	runCmd.Flags().Uint64Var(&arg, "arg", 3, "Argument passed to f")
	runCmd.Flags().IntVar(&calls, "calls", 1, "Number of calls to make")
	runCmd.Flags().BoolVar(&lazy, "lazy", false, "Enter f through its lazy entry stub")
	runCmd.Flags().BoolVar(&events, "events", false, "Print compile and bind events as JSON lines")

	var disasmCmd = &cobra.Command{
		Use:   "disasm",
		Short: "Disassemble the trampoline and the compiled functions",
		Run: func(cmd *cobra.Command, args []string) {
			e := newDemoEngine(capacity)
			defer e.Close()
			if execute {
				if _, err := e.Call(funcF, arg); err != nil {
					fail("call f", err)
				}
			}
			for _, id := range []int{funcF, funcG} {
				if _, err := e.Resolve(id); err != nil {
					fail("resolve", err)
				}
			}

			tramp := e.TrampolineListing()
			printListing(e, "trampoline", &tramp)
			for _, id := range e.Table().Registered() {
				l, ok := e.Table().Listing(id)
				if ok {
					printListing(e, fmt.Sprintf("f%d", id), l)
				}
			}
			printSites(e)
		},
	}
	disasmCmd.Flags().BoolVar(&execute, "exec", false, "Call f once first so its call site is bound")
	disasmCmd.Flags().Uint64Var(&arg, "arg", 3, "Argument passed to f with --exec")

	var tableCmd = &cobra.Command{
		Use:   "table",
		Short: "Show the function table",
		Run: func(cmd *cobra.Command, args []string) {
			e := newDemoEngine(capacity)
			defer e.Close()
			if _, err := e.Resolve(funcF); err != nil {
				fail("resolve", err)
			}
			fmt.Print(e.Table().Tree().String())
		},
	}

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("jitski %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}

	rootCmd.AddCommand(runCmd, disasmCmd, tableCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func newDemoEngine(capacity int) *jit.Engine {
	cfg := jit.DefaultConfig()
	cfg.Capacity = capacity
	e, err := jit.New(cfg)
	if err != nil {
		fail("create engine", err)
	}
	if err := e.RegisterDemo(funcF, funcG); err != nil {
		fail("register", err)
	}
	log.Debug(log.JitMonitoring, "demo registered", "f", funcF, "g", funcG, "trampoline", fmt.Sprintf("%#x", e.Trampoline()))
	return e
}

func printListing(e *jit.Engine, name string, l *x86.Listing) {
	code, err := e.Code(l.Base, l.Size)
	if err != nil {
		fail("read code", err)
	}
	fmt.Printf("%s:\n%s\n", name, x86.Disassemble(code, l.Base))
}

func printSites(e *jit.Engine) {
	sites, err := e.CallSites()
	if err != nil {
		fail("call sites", err)
	}
	for _, s := range sites {
		fmt.Printf("site %#x in %s: %s -> %#x (binds=%d)\n", s.Addr, s.Owner, s.State, s.Target, s.Binds)
	}
}

func fail(what string, err error) {
	log.Error(log.JitMonitoring, what, "err", err, "code", jiterrors.GetErrorCodeWithName(err))
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}
