package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// configFile is the modlink.toml schema. Paths are resolved relative
// to the file's directory.
type configFile struct {
	Contract contractSection `toml:"contract"`
	Mods     modsSection     `toml:"mods"`
	Build    buildSection    `toml:"build"`
	Engine   engineSection   `toml:"engine"`
}

type contractSection struct {
	Path string `toml:"path"`
}

type modsSection struct {
	Dir      string `toml:"dir"`
	BuildDir string `toml:"build-dir"`
	Policy   string `toml:"policy"`
}

type buildSection struct {
	Command []string `toml:"command"`
	NoCache bool     `toml:"no-cache"`
}

type engineSection struct {
	TickInterval duration `toml:"tick-interval"`
	Debug        bool     `toml:"debug"`
}

// duration supports "250ms"-style values in TOML.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// LoadConfig parses a modlink.toml file and applies it over
// DefaultConfig. Fields absent from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var f configFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if f.Contract.Path != "" {
		cfg.ContractPath = resolve(dir, f.Contract.Path)
	}
	if f.Mods.Dir != "" {
		cfg.ModsDir = resolve(dir, f.Mods.Dir)
	}
	if f.Mods.BuildDir != "" {
		cfg.BuildDir = resolve(dir, f.Mods.BuildDir)
	}
	if f.Mods.Policy != "" {
		cfg.Policy, err = ParsePolicy(f.Mods.Policy)
		if err != nil {
			return nil, fmt.Errorf("in %s: %w", path, err)
		}
	}
	if len(f.Build.Command) > 0 {
		cfg.BuildCommand = f.Build.Command
	}
	cfg.NoCache = f.Build.NoCache
	if f.Engine.TickInterval > 0 {
		cfg.TickInterval = time.Duration(f.Engine.TickInterval)
	}
	if f.Engine.Debug {
		cfg.Debug = true
	}
	return cfg, nil
}

// FindConfig walks up from startDir looking for a modlink.toml file.
// Returns the empty string if none is found.
func FindConfig(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		path := filepath.Join(dir, "modlink.toml")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return "", nil
		}
		dir = parent
	}
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
