package index

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pinsDTS = `/ {
	gpio0: gpio@1000 {
		gpio-controller;
		#gpio-cells = <2>;
	};
	pinctrl {
		compatible = "listenai,csk-pinctrl";
		uart_tx: uart_tx {
			pinctrls = <&pinmuxa 5 2>;
		};
		spare: spare {
			pinctrls = <&pinmuxb 1 3>;
		};
	};
	leds {
		led0 {
			gpios = <&gpio0 13 0>;
		};
	};
	uart {
		pinctrl-0 = <&uart_tx>;
		pinctrl-names = "default";
	};
	btn {
		gpios = <&gpio0 2 1>, <&gpio0 4 1>;
	};
};
`

func TestPins(t *testing.T) {
	tree := mergeTree(t, MapSource{"/p.dts": pinsDTS}, "/p.dts")

	var got []string
	for _, p := range tree.Pins() {
		prop := "-"
		if p.Property != nil {
			prop = p.Property.Node().Path + p.Property.Name
		}
		fn := "-"
		if p.HasFunc {
			fn = fmt.Sprint(p.Func)
		}
		got = append(got, fmt.Sprintf("%s %d %s %s %s", p.Port, p.Pin, fn, p.Node.Path, prop))
	}
	assert.Equal(t, []string{
		"&gpio0 2 - /btn/ /btn/gpios",
		"&gpio0 4 - /btn/ /btn/gpios",
		"&gpio0 13 - /leds/led0/ /leds/led0/gpios",
		"&gpioa 5 2 /pinctrl/uart_tx/ /uart/pinctrl-0",
		"&gpiob 1 3 /pinctrl/spare/ -",
	}, got)

	pins := tree.Pins()
	require.Len(t, pins, 5)
	assert.Same(t, tree.Node("&gpio0"), pins[0].Controller)
	assert.Nil(t, pins[3].Controller, "no gpioa label in this tree")
}

func TestPinctrlPropertyNames(t *testing.T) {
	assert.True(t, isPinctrlProperty("pinctrl-0"))
	assert.True(t, isPinctrlProperty("pinctrl-12"))
	assert.False(t, isPinctrlProperty("pinctrl-names"))
	assert.False(t, isPinctrlProperty("pinctrl-"))
	assert.False(t, isPinctrlProperty("pinctrls"))
}
