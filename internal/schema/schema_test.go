package schema

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dts-community/dts-dev-tools/internal/diag"
	"github.com/dts-community/dts-dev-tools/internal/logger"
)

func writeBindings(t *testing.T, files map[string]string) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		paths = append(paths, p)
	}
	return dir, paths
}

const baseYAML = `
description: common properties
properties:
  reg:
    type: array
    required: true
  status:
    type: string
    enum: [okay, disabled]
  interrupts:
    type: array
`

const uartYAML = `
description: Vendor UART
compatible: "vnd,uart"
include: base.yaml
on-bus: apb
properties:
  current-speed:
    type: int
  status:
    type: string
    description: overridden
`

const gpioYAML = `
description: GPIO controller
compatible: "vnd,gpio"
include: [base.yaml]
properties:
  ngpios:
    type: integer
gpio-cells:
  - pin
  - flags
`

const ledsYAML = `
description: LED parent
compatible: "gpio-leds"
child-binding:
  description: one LED
  properties:
    gpios:
      type: phandle-array
      required: true
    label:
      type: string
`

func TestLoadAndResolve(t *testing.T) {
	_, paths := writeBindings(t, map[string]string{
		"base.yaml":      baseYAML,
		"vnd,uart.yaml":  uartYAML,
		"vnd,gpio.yaml":  gpioYAML,
		"gpio-leds.yaml": ledsYAML,
	})

	l := NewLoader(logger.Discard())
	require.NoError(t, l.Load(context.Background(), paths))
	assert.Empty(t, l.Diagnostics())

	ix := l.Index()
	assert.Equal(t, 4, ix.Len())

	uart := ix.Resolve("vnd,uart")
	require.NotNil(t, uart)
	assert.True(t, uart.Is("vnd,uart"))
	assert.Equal(t, "Vendor UART", uart.Description)
	assert.Equal(t, "apb", uart.OnBus)
	assert.Equal(t, KindInt, uart.Property("current-speed").Type)
	// inherited from base.yaml
	require.NotNil(t, uart.Property("reg"))
	assert.True(t, uart.Property("reg").Required)
	// the including document wins
	assert.Equal(t, "overridden", uart.Property("status").Description)

	gpio := ix.Resolve("vnd,gpio")
	require.NotNil(t, gpio)
	assert.Equal(t, KindInt, gpio.Property("ngpios").Type, "integer is an alias of int")
	names, ok := CellNames(gpio, "gpios")
	require.True(t, ok)
	assert.Equal(t, []string{"pin", "flags"}, names)
	names, ok = CellNames(gpio, "cs-gpios")
	require.True(t, ok)
	assert.Equal(t, []string{"pin", "flags"}, names)
	_, ok = CellNames(gpio, "pwms")
	assert.False(t, ok)

	leds := ix.Resolve("gpio-leds")
	child := leds.ChildBinding()
	require.NotNil(t, child)
	assert.Equal(t, "one LED", child.Description)
	assert.Equal(t, KindPhandleArray, child.Property("gpios").Type)
	assert.Nil(t, child.ChildBinding())

	assert.Nil(t, ix.Resolve("vnd,missing"))
}

func TestMalformedBindingIsSkipped(t *testing.T) {
	_, paths := writeBindings(t, map[string]string{
		"good.yaml": uartYAML,
		"bad.yaml": `
compatible: "vnd,bad"
properties:
  foo:
    type: not-a-kind
`,
		"broken.yaml": "compatible: [unterminated\n",
	})

	l := NewLoader(logger.Discard())
	require.NoError(t, l.Load(context.Background(), paths))

	ix := l.Index()
	assert.NotNil(t, ix.Resolve("vnd,uart"))
	assert.Nil(t, ix.Resolve("vnd,bad"))

	files := map[string]bool{}
	for _, d := range l.Diagnostics() {
		assert.Equal(t, diag.CodeSchema, d.Code)
		files[filepath.Base(d.File)] = true
	}
	assert.Equal(t, map[string]bool{"bad.yaml": true, "broken.yaml": true}, files)
}

func TestAddSchemaReplacesDocument(t *testing.T) {
	dir, _ := writeBindings(t, map[string]string{"uart.yaml": uartYAML})
	p := filepath.Join(dir, "uart.yaml")

	l := NewLoader(logger.Discard())
	require.NoError(t, l.AddSchema(p))
	first := l.Index()

	require.NoError(t, os.WriteFile(p, []byte("compatible: \"vnd,uart2\"\n"), 0o644))
	require.NoError(t, l.AddSchema(p))
	second := l.Index()

	// Indexes are snapshots; the earlier one is untouched.
	assert.NotNil(t, first.Resolve("vnd,uart"))
	assert.Nil(t, second.Resolve("vnd,uart"))
	assert.NotNil(t, second.Resolve("vnd,uart2"))
	assert.Equal(t, 1, second.Len())

	assert.Error(t, l.AddSchema(filepath.Join(dir, "missing.yaml")))
	assert.Len(t, l.Diagnostics(), 1)
}

func TestResolveOnBus(t *testing.T) {
	_, paths := writeBindings(t, map[string]string{
		"a-i2c.yaml": "compatible: \"vnd,sensor\"\non-bus: i2c\ndescription: i2c\n",
		"a-spi.yaml": "compatible: \"vnd,sensor\"\non-bus: spi\ndescription: spi\n",
		"ctrl.yaml":  "compatible: \"vnd,spi\"\nbus: [spi]\n",
	})
	l := NewLoader(logger.Discard())
	require.NoError(t, l.Load(context.Background(), paths))
	ix := l.Index()

	assert.Equal(t, "spi", ix.ResolveOnBus("vnd,sensor", []string{"spi"}).Description)
	assert.Equal(t, "i2c", ix.ResolveOnBus("vnd,sensor", []string{"i2c"}).Description)
	assert.True(t, ix.Resolve("vnd,spi").IsBus("spi"))
}

func TestSpecifier(t *testing.T) {
	cases := map[string]string{
		"gpios":       "gpio",
		"reset-gpios": "gpio",
		"pwms":        "pwm",
		"io-channels": "io-channel",
		"clocks":      "clock",
		"interrupts":  "interrupt",
		"mboxes":      "mbox",
		"dmas":        "dma",
	}
	for in, want := range cases {
		assert.Equal(t, want, Specifier(in, nil), in)
	}
	assert.Equal(t, "foo", Specifier("bars", &Property{SpecifierSpace: "foo"}))
}
