package board

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `identifier: vnd_board
name: Vendor Board
type: mcu
arch: arm
toolchain:
  - zephyr
  - gnuarmemb
ram: 256
flash: 1024
supported:
  - gpio
  - uart
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vnd_board.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	info, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, &Info{
		Identifier: "vnd_board",
		Name:       "Vendor Board",
		Type:       "mcu",
		Arch:       "arm",
		Toolchain:  []string{"zephyr", "gnuarmemb"},
		RAM:        256,
		Flash:      1024,
		Supported:  []string{"gpio", "uart"},
	}, info)
	assert.True(t, info.Supports("uart"))
	assert.False(t, info.Supports("i2c"))
	assert.Equal(t, "vnd_board (Vendor Board) arch=arm ram=256K flash=1024K", info.String())
}

func TestParseErrors(t *testing.T) {
	for name, data := range map[string]string{
		"empty":         "",
		"no identifier": "name: x\n",
		"unknown key":   "identifier: x\ncolour: red\n",
		"bad type":      "identifier: x\nram: lots\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNilInfo(t *testing.T) {
	var info *Info
	assert.False(t, info.Supports("gpio"))
	assert.Empty(t, info.String())
}
