package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	write(t, path, `
[log]
level = "debug"

[parser]
debounce_ms = 50
include_dirs = ["include", "/abs/include"]

[bindings]
dirs = ["dts/bindings"]

[[context]]
name = "app"
board = "boards/board.dts"
overlays = ["app.overlay"]
board_info = "boards/board.yaml"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format, "default kept")
	assert.Equal(t, 50*time.Millisecond, cfg.Parser.Debounce())
	assert.Equal(t, []string{filepath.Join(dir, "include"), "/abs/include"}, cfg.Parser.IncludeDirs)

	ctx, ok := cfg.Context("app")
	require.True(t, ok)
	assert.Equal(t, ContextConfig{
		Name:      "app",
		Board:     filepath.Join(dir, "boards/board.dts"),
		Overlays:  []string{filepath.Join(dir, "app.overlay")},
		BoardInfo: filepath.Join(dir, "boards/board.yaml"),
	}, ctx)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"unknown.toml":  "[parser]\ndebounce = 5\n",
		"syntax.toml":   "[log\nlevel = 1\n",
		"noname.toml":   "[[context]]\nboard = \"a.dts\"\n",
		"noboard.toml":  "[[context]]\nname = \"a\"\n",
		"twice.toml":    "[[context]]\nname = \"a\"\nboard = \"a.dts\"\n[[context]]\nname = \"a\"\nboard = \"b.dts\"\n",
		"negative.toml": "[parser]\ndebounce_ms = -1\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			write(t, path, content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), name)
		})
	}

	_, err := Load(filepath.Join(dir, "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadFullLayers(t *testing.T) {
	dir := t.TempDir()
	sys := filepath.Join(dir, "etc", FileName)
	user := filepath.Join(dir, "home", FileName)
	root := filepath.Join(dir, "project")

	oldSys, oldUser := systemFile, userFile
	t.Cleanup(func() { systemFile, userFile = oldSys, oldUser })
	systemFile = sys
	userFile = func() string { return user }

	write(t, sys, `
[log]
level = "warn"
format = "json"
[bindings]
files = ["/sys/a.yaml"]
[[context]]
name = "shared"
board = "/sys/board.dts"
`)
	write(t, user, `
[log]
level = "error"
[parser]
include_dirs = ["inc"]
`)
	write(t, filepath.Join(root, FileName), `
[log]
level = "debug"
[bindings]
files = ["local.yaml"]
[[context]]
name = "shared"
board = "board.dts"
[[context]]
name = "extra"
board = "extra.dts"
`)

	cfg, err := LoadFull(root)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 200, cfg.Parser.DebounceMS)
	assert.Equal(t, []string{filepath.Join(dir, "home", "inc")}, cfg.Parser.IncludeDirs)
	assert.Equal(t, []string{"/sys/a.yaml", filepath.Join(root, "local.yaml")}, cfg.Bindings.Files)
	require.Len(t, cfg.Contexts, 2)
	assert.Equal(t, filepath.Join(root, "board.dts"), cfg.Contexts[0].Board, "project file replaces the context")
	assert.Equal(t, "extra", cfg.Contexts[1].Name)
	assert.Len(t, cfg.Sources, 3)
}

func TestLoadFullWithoutFiles(t *testing.T) {
	oldSys, oldUser := systemFile, userFile
	t.Cleanup(func() { systemFile, userFile = oldSys, oldUser })
	systemFile = filepath.Join(t.TempDir(), "none.toml")
	userFile = func() string { return "" }

	cfg, err := LoadFull(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestBindingFiles(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "b", "z.yaml"), "")
	write(t, filepath.Join(dir, "b", "a.yml"), "")
	write(t, filepath.Join(dir, "b", "readme.txt"), "")

	cfg := Default()
	cfg.Bindings.Files = []string{"/x.yaml"}
	cfg.Bindings.Dirs = []string{filepath.Join(dir, "b")}
	files, err := cfg.BindingFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"/x.yaml", filepath.Join(dir, "b", "a.yml"), filepath.Join(dir, "b", "z.yaml")}, files)
}
