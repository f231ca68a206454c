package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dts-community/dts-dev-tools/internal/logger"
	"github.com/dts-community/dts-dev-tools/internal/schema"
)

var testBindings = map[string]string{
	"vnd,uart.yaml": `
description: Vendor UART
compatible: "vnd,uart"
properties:
  current-speed:
    type: int
`,
	"vnd,gpio.yaml": `
description: GPIO controller
compatible: "vnd,gpio"
gpio-cells: [pin, flags]
`,
	"vnd,spi.yaml": `
compatible: "vnd,spi"
bus: spi
`,
	"vnd,sensor-spi.yaml": `
description: sensor on spi
compatible: "vnd,sensor"
on-bus: spi
`,
	"vnd,sensor-i2c.yaml": `
description: sensor on i2c
compatible: "vnd,sensor"
on-bus: i2c
`,
	"vnd,intc.yaml": `
compatible: "vnd,intc"
interrupt-cells: [irq, priority]
`,
	"gpio-leds.yaml": `
compatible: "gpio-leds"
child-binding:
  description: LED
  properties:
    gpios:
      type: phandle-array
`,
}

func loadTestBindings(t *testing.T) *schema.Index {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for name, content := range testBindings {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		paths = append(paths, p)
	}
	l := schema.NewLoader(logger.Discard())
	require.NoError(t, l.Load(context.Background(), paths))
	require.Empty(t, l.Diagnostics())
	return l.Index()
}

const typedDTS = `/ {
	intc: intc {
		compatible = "vnd,intc";
		#interrupt-cells = <2>;
	};
	gpio0: gpio {
		compatible = "vnd,gpio";
		#gpio-cells = <2>;
	};
	uart {
		compatible = "vnd,other", "vnd,uart";
		interrupt-parent = <&intc>;
		interrupts = <5 1>;
	};
	spi {
		compatible = "vnd,spi";
		sensor {
			compatible = "vnd,sensor";
		};
	};
	leds {
		compatible = "gpio-leds";
		led {
			gpios = <&gpio0 3 0>, <&gpio0 4 1>;
		};
	};
	plain {
		compatible = "vnd,unknown";
	};
};
`

func TestTypeBinding(t *testing.T) {
	files := loadFiles(t, MapSource{"/t.dts": typedDTS}, "/t.dts")
	tree := Merge("typed", []string{"/t.dts"}, files, loadTestBindings(t))

	uart := tree.Type(tree.Node("/uart"))
	require.NotNil(t, uart)
	assert.Equal(t, "Vendor UART", uart.Description, "first compatible with a binding wins")

	sensor := tree.Type(tree.Node("/spi/sensor"))
	require.NotNil(t, sensor)
	assert.Equal(t, "sensor on spi", sensor.Description)

	led := tree.Type(tree.Node("/leds/led"))
	require.NotNil(t, led)
	assert.Equal(t, "LED", led.Description, "children fall back to the parent's child-binding")

	assert.Nil(t, tree.Type(tree.Node("/plain")), "untyped is a valid state")
	assert.Nil(t, tree.CellNames(tree.Node("/plain").Property("compatible")))
}

func TestCellNames(t *testing.T) {
	files := loadFiles(t, MapSource{"/t.dts": typedDTS}, "/t.dts")
	tree := Merge("typed", []string{"/t.dts"}, files, loadTestBindings(t))

	irq := tree.CellNames(tree.Node("/uart").Property("interrupts"))
	assert.Equal(t, [][]string{{"irq", "priority"}}, irq)

	gpios := tree.CellNames(tree.Node("/leds/led").Property("gpios"))
	assert.Equal(t, [][]string{{"phandle", "pin", "flags"}, {"phandle", "pin", "flags"}}, gpios)

	// without bindings nothing is typed
	bare := Merge("bare", []string{"/t.dts"}, files, nil)
	assert.Nil(t, bare.Type(bare.Node("/uart")))
	assert.Nil(t, bare.CellNames(bare.Node("/leds/led").Property("gpios")))
}
