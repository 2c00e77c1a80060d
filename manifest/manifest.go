// Package manifest handles loxvm.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the name of the configuration file looked up by FindAndLoad.
const FileName = "loxvm.toml"

// Manifest represents a loxvm.toml configuration.
type Manifest struct {
	VM       VMConfig       `toml:"vm"`
	Compiler CompilerConfig `toml:"compiler"`
	Log      LogConfig      `toml:"log"`
	Cache    CacheConfig    `toml:"cache"`
	Server   ServerConfig   `toml:"server"`

	// Dir is the directory containing the loxvm.toml file (set at load time).
	// Empty for the built-in defaults.
	Dir string `toml:"-"`
}

// VMConfig configures the virtual machine.
type VMConfig struct {
	MaxFrames int  `toml:"max-frames"` // 0 keeps the VM default
	Trace     bool `toml:"trace"`
}

// CompilerConfig configures the compiler.
type CompilerConfig struct {
	Disassemble bool `toml:"disassemble"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// CacheConfig configures the compiled-program cache.
type CacheConfig struct {
	Enabled bool   `toml:"enabled"`
	Driver  string `toml:"driver"`
	DSN     string `toml:"dsn"`
}

// ServerConfig configures the eval server.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// Default returns the configuration used when no loxvm.toml is found.
func Default() *Manifest {
	return &Manifest{
		Log:    LogConfig{Level: "warning"},
		Cache:  CacheConfig{Driver: "sqlite"},
		Server: ServerConfig{Addr: "localhost:7070"},
	}
}

// Load parses a loxvm.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile parses and validates the configuration file at path. Values the
// file leaves out keep their defaults.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if err := validate(raw); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}

	m := Default()
	if err := toml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a loxvm.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// StateDir returns the path to the .loxvm directory next to the manifest.
func (m *Manifest) StateDir() string {
	return filepath.Join(m.Dir, ".loxvm")
}

// CacheDSN returns the data source name for the cache. A sqlite cache
// without an explicit dsn lives in the state directory.
func (m *Manifest) CacheDSN() string {
	if m.Cache.DSN != "" || m.Cache.Driver != "sqlite" {
		return m.Cache.DSN
	}
	return filepath.Join(m.StateDir(), "cache.db")
}
