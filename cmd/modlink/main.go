// Modlink CLI - loads mod packages against a contract and drives their callbacks
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/modlink/contract"
	"github.com/chazu/modlink/lib/runtime"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	configPath := flag.String("config", "", "Path to modlink.toml (default: search upward from the working directory)")
	contractPath := flag.String("contract", "", "Contract JSON path (overrides config)")
	modsDir := flag.String("mods", "", "Mods directory (overrides config)")
	buildDir := flag.String("build-dir", "", "Build output directory (overrides config)")
	policy := flag.String("policy", "", "Load policy: strict or lenient (overrides config)")
	tick := flag.Duration("tick", 0, "Tick interval for run mode (overrides config)")
	entity := flag.String("entity", "World", "Entity whose callback run mode activates each tick")
	function := flag.String("function", "on_update", "Callback run mode activates each tick")
	checkMode := flag.Bool("check", false, "Validate the contract and every mod package, then exit")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: modlink [options]\n\n")
		fmt.Fprintf(os.Stderr, "Builds, loads, and validates mod packages against a contract, then drives\n")
		fmt.Fprintf(os.Stderr, "their callbacks on a fixed tick.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  modlink -check                      # Validate contract and mods, no dispatch\n")
		fmt.Fprintf(os.Stderr, "  modlink                             # Run the tick loop from ./modlink.toml\n")
		fmt.Fprintf(os.Stderr, "  modlink -mods ./mods -tick 100ms    # Run with overrides\n")
		fmt.Fprintf(os.Stderr, "  modlink -entity World -function on_update  # Choose the activated callback\n")
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *contractPath != "" {
		cfg.ContractPath = *contractPath
	}
	if *modsDir != "" {
		cfg.ModsDir = *modsDir
	}
	if *buildDir != "" {
		cfg.BuildDir = *buildDir
	}
	if *policy != "" {
		cfg.Policy, err = runtime.ParsePolicy(*policy)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	if *tick > 0 {
		cfg.TickInterval = *tick
	}
	if *verbose {
		cfg.Debug = true
	}

	if *checkMode {
		os.Exit(runCheck(cfg, *verbose))
	}
	os.Exit(runLoop(cfg, *entity, *function, *verbose))
}

// loadConfig reads the named modlink.toml, or searches upward from the
// working directory when none is given. No config file at all falls back
// to defaults.
func loadConfig(path string) (*runtime.Config, error) {
	if path != "" {
		return runtime.LoadConfig(path)
	}
	found, err := runtime.FindConfig(".")
	if err != nil {
		return nil, err
	}
	if found == "" {
		return runtime.DefaultConfig(), nil
	}
	return runtime.LoadConfig(found)
}

// builtinGameFunctions implements the printing functions for contracts
// that declare them with the argument list the implementations expect.
// A declaration with a different shape is left for the host to register.
func builtinGameFunctions(c *contract.Contract) []runtime.GameFunction {
	var fns []runtime.GameFunction
	if spec, ok := c.GameFunction("println"); ok && len(spec.Arguments) == 1 {
		fns = append(fns, runtime.GameFunction{
			Name: "println",
			Fn: func(args []runtime.Value) error {
				fmt.Println(args[0].AsString())
				return nil
			},
		})
	}
	if spec, ok := c.GameFunction("println_i32"); ok && len(spec.Arguments) == 1 && spec.Arguments[0].Type == contract.KindI32 {
		fns = append(fns, runtime.GameFunction{
			Name: "println_i32",
			Fn: func(args []runtime.Value) error {
				fmt.Println(args[0].I32Val)
				return nil
			},
		})
	}
	return fns
}

// runCheck builds and validates every mod package without dispatching
// anything. All failures are reported, not just the first.
func runCheck(cfg *runtime.Config, verbose bool) int {
	c, err := contract.Load(cfg.ContractPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Contract %s: %d entities, %d game functions\n",
		cfg.ContractPath, len(c.Entities), len(c.GameFunctions))

	cfg.Policy = runtime.PolicyLenient
	cfg.GameFunctions = builtinGameFunctions(c)

	eng, err := runtime.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer eng.Close()

	for _, m := range eng.Mods() {
		fmt.Printf("  %s: ok (%s %s)\n", m.Name, m.About.Name, m.About.Version)
		if verbose {
			for _, cb := range m.Descriptor.Callbacks {
				fmt.Printf("    implements %s/%s\n", cb.Entity, cb.Function)
			}
			for _, gf := range m.Descriptor.GameFunctions {
				fmt.Printf("    calls %s\n", gf)
			}
		}
	}
	for _, f := range eng.Report.Failed {
		fmt.Fprintf(os.Stderr, "  %s: %v\n", f.Mod, f)
	}

	if n := len(eng.Report.Failed); n > 0 {
		fmt.Fprintf(os.Stderr, "%d mod(s) failed validation\n", n)
		return 1
	}
	fmt.Printf("%d mod(s) ready\n", len(eng.Mods()))
	return 0
}

// runLoop hosts the engine: built-in game functions, a signal-bound
// context, and the fixed-rate tick loop activating one callback.
func runLoop(cfg *runtime.Config, entity, function string, verbose bool) int {
	verbosity := 1
	if verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)
	log := commonlog.GetLogger("modlink")

	c, err := contract.Load(cfg.ContractPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	cfg.GameFunctions = builtinGameFunctions(c)
	cfg.RuntimeErrorHandler = func(r runtime.RuntimeError) {
		if r.GameFunction != "" {
			log.Errorf("mod %s: %s/%s: game function %s: %s",
				r.Mod, r.Entity, r.Function, r.GameFunction, r.Err)
			return
		}
		log.Errorf("mod %s: %s/%s: %s", r.Mod, r.Entity, r.Function, r.Err)
	}

	eng, err := runtime.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer eng.Close()

	for _, f := range eng.Report.Failed {
		log.Warningf("skipped %s: %s", f.Mod, f.Err)
	}
	stats := eng.Stats()
	log.Infof("engine ready: %d mods, %d callbacks, %d game functions, tick %s",
		stats.Mods, stats.Callbacks, stats.GameFunctions, eng.TickInterval())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	err = eng.Run(ctx, func(tick uint64) error {
		if _, err := eng.Activate(entity, function); err != nil {
			// Mod failures are reported and the loop keeps going; only
			// host-side problems stop it.
			log.Errorf("tick %d: %s", tick, err)
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	log.Infof("shutting down after %s", time.Since(start).Round(time.Second))
	return 0
}
