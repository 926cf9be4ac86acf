package runtime

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chazu/modlink/contract"
)

// RuntimeError is the report handed to a configured error handler when
// mod code fails at dispatch time: a callback returning a failure
// status, or a game function called by a mod rejecting its arguments,
// returning an error, or panicking.
type RuntimeError struct {
	Entity       string
	Function     string
	Mod          string
	GameFunction string
	Status       int32
	Err          error
}

// GameFunction declares one host function registration. Args may be nil
// to take the argument list from the contract; when set, it must equal
// the contract's exactly.
type GameFunction struct {
	Name string
	Args []contract.ArgumentSpec
	Fn   GameFunc
}

// Config holds engine configuration
type Config struct {
	ContractPath string        // Path to the mod API contract (JSON)
	ModsDir      string        // Directory of mod packages, one per subdirectory
	BuildDir     string        // Build output root, one subdirectory per mod
	TickInterval time.Duration // Tick period for Run
	Policy       Policy        // Load failure policy (strict by default)

	BuildCommand []string  // External toolchain argv; {src} and {out} placeholders
	Toolchain    Toolchain // Overrides BuildCommand when set

	GameFunctions []GameFunction // Host functions, registered before any mod loads

	RuntimeErrorHandler func(RuntimeError) // Observational; errors are still returned

	Debug   bool // Enable debug output
	NoCache bool // Disable the build cache
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	contractPath := os.Getenv("MODLINK_CONTRACT")
	if contractPath == "" {
		contractPath = "mod_api.json"
	}
	modsDir := os.Getenv("MODLINK_MODS_DIR")
	if modsDir == "" {
		modsDir = "mods"
	}
	buildDir := os.Getenv("MODLINK_BUILD_DIR")
	if buildDir == "" {
		buildDir = "mods_build"
	}

	return &Config{
		ContractPath: contractPath,
		ModsDir:      modsDir,
		BuildDir:     buildDir,
		TickInterval: time.Second,
		Debug:        os.Getenv("MODLINK_DEBUG") != "",
	}
}

// Engine owns the contract, the game-function registry, and the loaded
// mod set, and exposes dispatch to the host's loop. The contract and
// registry are immutable once New returns; mods change only through
// RegenerateModifiedMods, which swaps in new handles before closing old
// ones.
type Engine struct {
	Contract *contract.Contract
	Registry *Registry
	Report   *LoadReport // Construction-time load outcome

	cfg        *Config
	trampoline *trampoline
	loader     *Loader
	dispatcher *Dispatcher
	cache      *BuildCache
	mods       []*LoadedMod

	closed bool
	mu     sync.Mutex
}

// New creates an engine: load and validate the contract, register the
// host's game functions, seal the registry, then build, load, and
// validate every mod under the configured policy.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	c, err := contract.Load(cfg.ContractPath)
	if err != nil {
		return nil, err
	}

	// Registration completes before any mod is loaded; loading checks
	// mod-declared game-function usage against the sealed registry.
	reg := NewRegistry(c)
	for _, gf := range cfg.GameFunctions {
		if gf.Args != nil {
			err = reg.RegisterSpec(gf.Name, gf.Args, gf.Fn)
		} else {
			err = reg.Register(gf.Name, gf.Fn)
		}
		if err != nil {
			return nil, err
		}
	}
	reg.Seal()

	tr := newTrampoline(reg, cfg.RuntimeErrorHandler)

	var cache *BuildCache
	if !cfg.NoCache {
		if err := os.MkdirAll(cfg.BuildDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating build dir: %w", err)
		}
		cache, err = OpenBuildCache(filepath.Join(cfg.BuildDir, "build_cache.db"))
		if err != nil {
			return nil, err
		}
	}

	tc := cfg.Toolchain
	if tc == nil {
		tc = &ExecToolchain{Command: cfg.BuildCommand, Debug: cfg.Debug}
	}

	loader := newLoader(c, reg, tc, cache, tr, cfg.Debug)
	report, err := loader.LoadAll(context.Background(), cfg.ModsDir, cfg.BuildDir, cfg.Policy)
	if err != nil {
		if cache != nil {
			cache.Close()
		}
		return nil, err
	}

	e := &Engine{
		Contract:   c,
		Registry:   reg,
		Report:     report,
		cfg:        cfg,
		trampoline: tr,
		loader:     loader,
		cache:      cache,
		mods:       report.Ready,
	}
	e.dispatcher = newDispatcher(c, tr, cfg.RuntimeErrorHandler)
	e.dispatcher.setMods(e.mods)

	if cfg.Debug {
		log.Printf("engine: %d mods ready, %d failed (%s policy)",
			len(report.Ready), len(report.Failed), cfg.Policy)
	}
	return e, nil
}

// NewEngine is the four-argument construction entry point: contract
// path, mods directory, build output directory, tick interval. Hosts
// that expose game functions use New with a Config so registration can
// precede mod loading.
func NewEngine(contractPath, modsDir, buildDir string, tick time.Duration) (*Engine, error) {
	cfg := DefaultConfig()
	cfg.ContractPath = contractPath
	cfg.ModsDir = modsDir
	cfg.BuildDir = buildDir
	cfg.TickInterval = tick
	return New(cfg)
}

// Activate invokes the named callback on every ready mod implementing
// it, in discovery order. Returns the number of invocations performed;
// zero with a nil error means no mod implements the pair.
func (e *Engine) Activate(entity, fn string, args ...Value) (int, error) {
	return e.dispatcher.Activate(entity, fn, args)
}

// Mods returns the currently dispatchable mod set in discovery order.
// The slice is read-only.
func (e *Engine) Mods() []*LoadedMod {
	return e.mods
}

// TickInterval returns the configured tick period.
func (e *Engine) TickInterval() time.Duration {
	return e.cfg.TickInterval
}

// RegenerateModifiedMods re-hashes every mod package and rebuilds and
// reloads the ones whose sources changed, then swaps the new handles
// into the dispatch set before closing the old ones. New packages are
// picked up; removed packages drop out. Must not run while a dispatch
// is in flight.
func (e *Engine) RegenerateModifiedMods(ctx context.Context) error {
	entries, err := os.ReadDir(e.cfg.ModsDir)
	if err != nil {
		return fmt.Errorf("reading mods directory: %w", err)
	}

	current := make(map[string]*LoadedMod, len(e.mods))
	for _, m := range e.mods {
		current[m.Name] = m
	}

	var newMods []*LoadedMod
	var retired []*LoadedMod
	seen := make(map[string]bool)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		seen[name] = true
		old := current[name]

		if old != nil {
			hash, err := HashModSources(old.Dir)
			if err == nil && hash == old.SourceHash {
				newMods = append(newMods, old)
				continue
			}
		}

		m, err := e.loader.LoadOne(ctx, e.cfg.ModsDir, e.cfg.BuildDir, name)
		if err != nil {
			if e.cfg.Policy == PolicyStrict {
				// Nothing has been swapped yet; close the fresh handles
				// and keep the old set intact.
				for _, fresh := range newMods {
					if current[fresh.Name] != fresh {
						fresh.close()
					}
				}
				return err
			}
			fmt.Fprintf(os.Stderr, "Warning: regenerating %s: %v\n", name, err)
			if old != nil {
				newMods = append(newMods, old)
			}
			continue
		}
		newMods = append(newMods, m)
		if old != nil {
			retired = append(retired, old)
		}
	}

	for name, old := range current {
		if !seen[name] {
			retired = append(retired, old)
			if e.cache != nil {
				if err := e.cache.Forget(name); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: build cache delete failed for %s: %v\n", name, err)
				}
			}
		}
	}

	// Swap first, then drop the replaced handles.
	e.mods = newMods
	e.dispatcher.setMods(newMods)
	for _, old := range retired {
		old.close()
	}

	if e.cfg.Debug && len(retired) > 0 {
		log.Printf("engine: regenerated, %d mods ready, %d handles retired", len(newMods), len(retired))
	}
	return nil
}

// Run drives a fixed-rate loop: each tick regenerates modified mods and
// then calls fn. Returns when ctx is done or fn fails. Hosts with their
// own loop call Activate directly instead.
func (e *Engine) Run(ctx context.Context, fn func(tick uint64) error) error {
	if e.cfg.TickInterval <= 0 {
		return fmt.Errorf("no tick interval configured")
	}

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	var tick uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.RegenerateModifiedMods(ctx); err != nil {
				return err
			}
			if err := fn(tick); err != nil {
				return err
			}
			tick++
		}
	}
}

// Close releases every loaded mod and the build cache. The host
// guarantees no call into mod code is in flight.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	for _, m := range e.mods {
		m.close()
	}
	e.mods = nil
	e.dispatcher.setMods(nil)

	if e.cache != nil {
		return e.cache.Close()
	}
	return nil
}

// Stats returns engine statistics
func (e *Engine) Stats() EngineStats {
	callbacks := 0
	for _, m := range e.mods {
		callbacks += len(m.entries)
	}
	return EngineStats{
		Mods:          len(e.mods),
		FailedMods:    len(e.Report.Failed),
		Callbacks:     callbacks,
		GameFunctions: e.Registry.Count(),
	}
}

// EngineStats contains engine statistics
type EngineStats struct {
	Mods          int
	FailedMods    int
	Callbacks     int
	GameFunctions int
}
