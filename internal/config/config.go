// Package config loads dtt.toml project files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const FileName = "dtt.toml"

// Config is the merged configuration of every file that was found.
type Config struct {
	Log      LogConfig       `toml:"log"`
	Parser   ParserConfig    `toml:"parser"`
	Bindings BindingsConfig  `toml:"bindings"`
	Contexts []ContextConfig `toml:"context"`

	// Sources lists the files merged into this configuration, lowest
	// precedence first.
	Sources []string `toml:"-"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`
	// Format is text or json.
	Format string `toml:"format"`
}

type ParserConfig struct {
	DebounceMS  int      `toml:"debounce_ms"`
	IncludeDirs []string `toml:"include_dirs"`
}

// Debounce returns the re-parse delay.
func (p ParserConfig) Debounce() time.Duration {
	return time.Duration(p.DebounceMS) * time.Millisecond
}

type BindingsConfig struct {
	Files []string `toml:"files"`
	// Dirs are scanned for *.yaml and *.yml bindings.
	Dirs []string `toml:"dirs"`
}

// ContextConfig names one configuration: a board file plus overlays.
type ContextConfig struct {
	Name      string   `toml:"name"`
	Board     string   `toml:"board"`
	Overlays  []string `toml:"overlays"`
	BoardInfo string   `toml:"board_info"`
}

func Default() *Config {
	return &Config{
		Log:    LogConfig{Level: "info", Format: "text"},
		Parser: ParserConfig{DebounceMS: 200},
	}
}

// Search locations below the project file. Variables so tests can move them.
var (
	systemFile = "/etc/dtt/" + FileName
	userFile   = func() string {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		return filepath.Join(home, ".config", "dtt", FileName)
	}
)

// LoadFull layers the defaults, the system file, the user file and
// <root>/dtt.toml, later files taking precedence. Missing files are skipped.
func LoadFull(root string) (*Config, error) {
	cfg := Default()
	paths := []string{systemFile, userFile()}
	if root != "" {
		paths = append(paths, filepath.Join(root, FileName))
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		layer, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		cfg.merge(layer)
	}
	return cfg, nil
}

// Load reads a single file on top of the defaults.
func Load(path string) (*Config, error) {
	layer, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	cfg.merge(layer)
	return cfg, nil
}

// LoadFile decodes path without applying defaults. Unknown keys are errors.
// Relative paths in the file are made relative to its directory.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var cfg Config
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var de *toml.DecodeError
		if errors.As(err, &de) {
			row, col := de.Position()
			return nil, fmt.Errorf("%s:%d:%d: %s", path, row, col, de.Error())
		}
		var se *toml.StrictMissingError
		if errors.As(err, &se) {
			return nil, fmt.Errorf("%s: %s", path, se.String())
		}
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg.resolve(filepath.Dir(abs))
	cfg.Sources = []string{abs}
	if err := cfg.check(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) resolve(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	all := func(ps []string) {
		for i, p := range ps {
			ps[i] = abs(p)
		}
	}
	all(c.Parser.IncludeDirs)
	all(c.Bindings.Files)
	all(c.Bindings.Dirs)
	for i := range c.Contexts {
		ctx := &c.Contexts[i]
		ctx.Board = abs(ctx.Board)
		ctx.BoardInfo = abs(ctx.BoardInfo)
		all(ctx.Overlays)
	}
}

func (c *Config) check() error {
	seen := make(map[string]bool)
	for i, ctx := range c.Contexts {
		if ctx.Name == "" {
			return fmt.Errorf("context #%d has no name", i+1)
		}
		if ctx.Board == "" {
			return fmt.Errorf("context %q has no board file", ctx.Name)
		}
		if seen[ctx.Name] {
			return fmt.Errorf("context %q defined twice", ctx.Name)
		}
		seen[ctx.Name] = true
	}
	if c.Parser.DebounceMS < 0 {
		return fmt.Errorf("parser.debounce_ms must not be negative")
	}
	return nil
}

// merge applies a higher-precedence layer. Scalars override when set, path
// lists accumulate, and contexts are replaced by name.
func (c *Config) merge(o *Config) {
	if o.Log.Level != "" {
		c.Log.Level = o.Log.Level
	}
	if o.Log.Format != "" {
		c.Log.Format = o.Log.Format
	}
	if o.Parser.DebounceMS != 0 {
		c.Parser.DebounceMS = o.Parser.DebounceMS
	}
	c.Parser.IncludeDirs = append(c.Parser.IncludeDirs, o.Parser.IncludeDirs...)
	c.Bindings.Files = append(c.Bindings.Files, o.Bindings.Files...)
	c.Bindings.Dirs = append(c.Bindings.Dirs, o.Bindings.Dirs...)
	for _, ctx := range o.Contexts {
		replaced := false
		for i := range c.Contexts {
			if c.Contexts[i].Name == ctx.Name {
				c.Contexts[i] = ctx
				replaced = true
			}
		}
		if !replaced {
			c.Contexts = append(c.Contexts, ctx)
		}
	}
	c.Sources = append(c.Sources, o.Sources...)
}

// Context returns the named context.
func (c *Config) Context(name string) (ContextConfig, bool) {
	for _, ctx := range c.Contexts {
		if ctx.Name == name {
			return ctx, true
		}
	}
	return ContextConfig{}, false
}

// BindingFiles returns the explicit binding files followed by the YAML files
// of every binding directory, each directory sorted by name.
func (c *Config) BindingFiles() ([]string, error) {
	out := append([]string(nil), c.Bindings.Files...)
	for _, dir := range c.Bindings.Dirs {
		var found []string
		for _, pattern := range []string{"*.yaml", "*.yml"} {
			m, err := filepath.Glob(filepath.Join(dir, pattern))
			if err != nil {
				return nil, fmt.Errorf("scanning binding dir %s: %w", dir, err)
			}
			found = append(found, m...)
		}
		sort.Strings(found)
		out = append(out, found...)
	}
	return out, nil
}
