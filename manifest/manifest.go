// Package manifest handles krak.toml project configuration.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/chazu/krak/vm"
)

// FileName is the name of the project configuration file.
const FileName = "krak.toml"

// Manifest represents a krak.toml project configuration.
type Manifest struct {
	Project Project     `toml:"project"`
	Build   BuildConfig `toml:"build"`
	VM      VMConfig    `toml:"vm"`
	Log     LogConfig   `toml:"log"`
	Store   StoreConfig `toml:"store"`

	// Dir is the directory containing the krak.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name  string `toml:"name"`
	Entry string `toml:"entry"`
}

// BuildConfig controls how sources are protected.
type BuildConfig struct {
	Seed          uint64   `toml:"seed"` // zero picks a fresh build every time
	Hardening     bool     `toml:"hardening"`
	HardeningSalt int      `toml:"hardening-salt"`
	Output        string   `toml:"output"`
	Externs       []string `toml:"externs"`
}

// VMConfig sets the machine's chunking and integrity checks.
type VMConfig struct {
	ChunkInstructions int `toml:"chunk-instructions"`
	ChunkMS           int `toml:"chunk-ms"`
	VerifyEvery       int `toml:"verify-every"`
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// StoreConfig configures the build history database.
type StoreConfig struct {
	Path      string `toml:"path"`
	CacheSize int    `toml:"cache-size"`
}

// Default returns the configuration used when no krak.toml exists, rooted
// at dir.
func Default(dir string) *Manifest {
	m := &Manifest{Dir: dir}
	m.applyDefaults()
	return m
}

// Load parses a krak.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a krak.toml file,
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

func (m *Manifest) applyDefaults() {
	if m.Project.Entry == "" {
		m.Project.Entry = "main.js"
	}
	if m.Build.Output == "" {
		name := m.Project.Name
		if name == "" {
			name = "app"
		}
		m.Build.Output = name + ".krak"
	}
	budget := vm.DefaultBudget()
	if m.VM.ChunkInstructions == 0 {
		m.VM.ChunkInstructions = budget.Instructions
	}
	if m.VM.ChunkMS == 0 {
		m.VM.ChunkMS = int(budget.Slice / time.Millisecond)
	}
	if m.VM.VerifyEvery == 0 {
		m.VM.VerifyEvery = 10
	}
	if m.Store.Path == "" {
		m.Store.Path = filepath.Join(".krak", "builds.db")
	}
	if m.Store.CacheSize == 0 {
		m.Store.CacheSize = 64
	}
}

// Validate rejects settings the toolchain cannot honour.
func (m *Manifest) Validate() error {
	var errs []error
	if m.Build.HardeningSalt < 0 {
		errs = append(errs, errors.New("build.hardening-salt must not be negative"))
	}
	if m.VM.ChunkInstructions < 0 {
		errs = append(errs, errors.New("vm.chunk-instructions must be positive"))
	}
	if m.VM.ChunkMS < 0 {
		errs = append(errs, errors.New("vm.chunk-ms must be positive"))
	}
	if m.VM.VerifyEvery < 0 {
		errs = append(errs, errors.New("vm.verify-every must be positive"))
	}
	if m.Store.CacheSize < 0 {
		errs = append(errs, errors.New("store.cache-size must be positive"))
	}
	if m.Log.Verbosity < 0 {
		errs = append(errs, errors.New("log.verbosity must not be negative"))
	}
	return errors.Join(errs...)
}

// EntryPath returns the absolute path of the entry script.
func (m *Manifest) EntryPath() string {
	return m.resolve(m.Project.Entry)
}

// OutputPath returns the absolute path of the bundle written by a build.
func (m *Manifest) OutputPath() string {
	return m.resolve(m.Build.Output)
}

// StorePath returns the absolute path of the build history database.
func (m *Manifest) StorePath() string {
	return m.resolve(m.Store.Path)
}

// LogFile returns the absolute path of the log file, or "" for stderr.
func (m *Manifest) LogFile() string {
	if m.Log.File == "" {
		return ""
	}
	return m.resolve(m.Log.File)
}

// Budget returns the machine chunk budget.
func (m *Manifest) Budget() vm.Budget {
	return vm.Budget{
		Instructions: m.VM.ChunkInstructions,
		Slice:        time.Duration(m.VM.ChunkMS) * time.Millisecond,
	}
}

func (m *Manifest) resolve(p string) string {
	if filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}
