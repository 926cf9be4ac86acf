package runtime

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/chazu/modlink/contract"
)

// Policy selects how mod load failures affect engine construction.
type Policy int

const (
	// PolicyStrict aborts loading on the first mod that fails.
	PolicyStrict Policy = iota
	// PolicyLenient loads everything else and reports failures per mod.
	PolicyLenient
)

func (p Policy) String() string {
	switch p {
	case PolicyStrict:
		return "strict"
	case PolicyLenient:
		return "lenient"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy converts a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "strict":
		return PolicyStrict, nil
	case "lenient":
		return PolicyLenient, nil
	}
	return PolicyStrict, fmt.Errorf("unknown policy %q", s)
}

// LoadReport is the outcome of loading a mods directory.
type LoadReport struct {
	Ready  []*LoadedMod
	Failed []*ModError
}

// Loader carries mod packages through the pipeline: discover the package,
// build it with the external toolchain, open the artifact, validate it
// against the contract and registry, and bind the host trampoline.
type Loader struct {
	contract   *contract.Contract
	registry   *Registry
	toolchain  Toolchain
	cache      *BuildCache
	trampoline *trampoline
	openLib    libOpener
	debug      bool
}

func newLoader(c *contract.Contract, reg *Registry, tc Toolchain, cache *BuildCache, tr *trampoline, debug bool) *Loader {
	return &Loader{
		contract:   c,
		registry:   reg,
		toolchain:  tc,
		cache:      cache,
		trampoline: tr,
		openLib:    openLibrary,
		debug:      debug,
	}
}

// LoadAll loads every mod package under modsDir. One subdirectory is one
// package; packages are taken in sorted name order, which is also the
// dispatch order. Under PolicyStrict the first failure closes any mods
// already loaded and aborts; under PolicyLenient failures are collected
// and the rest load.
func (l *Loader) LoadAll(ctx context.Context, modsDir, buildDir string, policy Policy) (*LoadReport, error) {
	entries, err := os.ReadDir(modsDir)
	if err != nil {
		return nil, fmt.Errorf("reading mods directory: %w", err)
	}

	report := &LoadReport{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := l.LoadOne(ctx, modsDir, buildDir, e.Name())
		if err != nil {
			me, ok := err.(*ModError)
			if !ok {
				me = &ModError{Mod: e.Name(), Stage: StageDiscover, Err: err}
			}
			if policy == PolicyStrict {
				for _, ready := range report.Ready {
					ready.close()
				}
				return nil, me
			}
			report.Failed = append(report.Failed, me)
			continue
		}
		report.Ready = append(report.Ready, m)
	}
	return report, nil
}

// LoadOne carries a single package through
// Discovered → Built → Loaded → Validated → Ready. Any step failing
// moves the mod to Failed and returns a ModError naming the stage.
func (l *Loader) LoadOne(ctx context.Context, modsDir, buildDir, name string) (*LoadedMod, error) {
	srcDir := filepath.Join(modsDir, name)
	m := &LoadedMod{
		Name:    name,
		Dir:     srcDir,
		state:   StateDiscovered,
		entries: make(map[entryKey]uintptr),
	}

	about, err := contract.LoadAbout(filepath.Join(srcDir, "about.json"))
	if err != nil {
		m.state = StateFailed
		return nil, &ModError{Mod: name, Stage: StageDiscover, Err: err}
	}
	m.About = about

	artifact, hash, err := l.build(ctx, m, buildDir)
	if err != nil {
		m.state = StateFailed
		return nil, &ModError{Mod: name, Stage: StageBuild, Err: err}
	}
	m.Artifact = artifact
	m.SourceHash = hash
	m.state = StateBuilt

	desc, err := ReadDescriptor(artifact.DescriptorPath)
	if err != nil {
		m.state = StateFailed
		return nil, &ModError{Mod: name, Stage: StageLoad, Err: err}
	}
	m.Descriptor = desc

	lib, err := l.openLib(artifact.LibraryPath)
	if err != nil {
		m.state = StateFailed
		return nil, &ModError{Mod: name, Stage: StageLoad, Err: err}
	}
	m.lib = lib
	m.state = StateLoaded

	if err := l.validate(m); err != nil {
		m.close()
		m.state = StateFailed
		return nil, &ModError{Mod: name, Stage: StageValidate, Err: err}
	}
	m.state = StateValidated

	if err := l.bind(m); err != nil {
		m.close()
		m.state = StateFailed
		return nil, &ModError{Mod: name, Stage: StageValidate, Err: err}
	}
	m.state = StateReady

	if l.debug {
		log.Printf("loader: mod %s ready (%d callbacks, %d game function refs)",
			name, len(m.entries), len(desc.GameFunctions))
	}
	return m, nil
}

// build produces (or reuses) the mod's artifact. The cache is keyed by a
// content hash of the package sources; a hit with intact artifacts skips
// the toolchain entirely.
func (l *Loader) build(ctx context.Context, m *LoadedMod, buildDir string) (BuildArtifact, string, error) {
	hash, err := HashModSources(m.Dir)
	if err != nil {
		return BuildArtifact{}, "", err
	}

	if l.cache != nil {
		rec, err := l.cache.Lookup(m.Name)
		if err == nil && rec.SourceHash == hash {
			artifact := BuildArtifact{LibraryPath: rec.Artifact, DescriptorPath: rec.Descriptor}
			if artifactIntact(artifact) {
				if l.debug {
					log.Printf("loader: mod %s unchanged, reusing %s", m.Name, rec.Artifact)
				}
				return artifact, hash, nil
			}
		}
	}

	outDir := filepath.Join(buildDir, m.Name)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return BuildArtifact{}, "", fmt.Errorf("creating build output dir: %w", err)
	}

	artifact, err := l.toolchain.Build(ctx, m.Dir, outDir)
	if err != nil {
		return BuildArtifact{}, "", err
	}

	if l.cache != nil {
		rec := &BuildRecord{
			Mod:        m.Name,
			SourceHash: hash,
			Artifact:   artifact.LibraryPath,
			Descriptor: artifact.DescriptorPath,
			BuiltAt:    time.Now(),
		}
		if err := l.cache.Store(rec); err != nil {
			// The build itself succeeded; a cache write failure only
			// costs a rebuild next time.
			fmt.Fprintf(os.Stderr, "Warning: build cache write failed for %s: %v\n", m.Name, err)
		}
	}
	return artifact, hash, nil
}

func artifactIntact(a BuildArtifact) bool {
	if _, err := os.Stat(a.LibraryPath); err != nil {
		return false
	}
	if _, err := os.Stat(a.DescriptorPath); err != nil {
		return false
	}
	return true
}

// validate checks the descriptor against the contract and registry, and
// resolves an entry point for every declared callback. Contract pairs
// the descriptor does not mention are simply not implemented by this
// mod; descriptor entries the contract does not declare are errors.
func (l *Loader) validate(m *LoadedMod) error {
	for _, cb := range m.Descriptor.Callbacks {
		spec, ok := l.contract.OnFunction(cb.Entity, cb.Function)
		if !ok {
			return &UndeclaredCallbackError{Entity: cb.Entity, Function: cb.Function}
		}
		if cb.Arity != len(spec.Arguments) {
			return fmt.Errorf("callback %s/%s: %w", cb.Entity, cb.Function,
				&ArityMismatchError{Want: len(spec.Arguments), Got: cb.Arity})
		}
		addr, err := m.lib.Symbol(entrySymbol(cb.Entity, cb.Function))
		if err != nil {
			return err
		}
		m.entries[entryKey{cb.Entity, cb.Function}] = addr
	}

	for _, name := range m.Descriptor.GameFunctions {
		if !l.registry.Has(name) {
			return &UnknownFunctionError{Name: name}
		}
	}
	return nil
}

// bind hands the host-call trampoline to the mod. A mod that references
// game functions must export the bind symbol; one that references none
// may omit it.
func (l *Loader) bind(m *LoadedMod) error {
	addr, err := m.lib.Symbol(bindSymbol)
	if err != nil {
		if len(m.Descriptor.GameFunctions) == 0 {
			return nil
		}
		return fmt.Errorf("mod references game functions but exports no %s: %w", bindSymbol, err)
	}
	bindHostCall(addr, l.trampoline.addr)
	return nil
}
