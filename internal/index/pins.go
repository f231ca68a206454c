package index

import (
	"regexp"
	"sort"
	"strings"

	"github.com/dts-community/dts-dev-tools/internal/parser"
)

// Pin is one use of a GPIO pin: a gpio specifier in a property, or an entry
// of a pin controller.
type Pin struct {
	// Port names the GPIO controller: "&label", or its path when it has no
	// label.
	Port string
	// Controller is nil when Port does not resolve.
	Controller *Node
	Pin        int64
	// Func is the mux function of pin controller entries.
	Func    int64
	HasFunc bool
	// Node is the consumer for gpio specifiers and the pin controller entry
	// otherwise.
	Node *Node
	// Property is the gpio property, or the pinctrl-N property that selects
	// the entry. It is nil for entries nothing selects.
	Property *Property
}

type pinmuxParser func(t *Tree, n *Node) (Pin, bool)

// pinmuxParsers decode the children of a pin controller, keyed by the
// controller's compatible.
var pinmuxParsers = map[string]pinmuxParser{
	"listenai,csk-pinctrl": parseCSKPinmux,
}

var cskPinmuxLabel = regexp.MustCompile(`^pinmux(.+)$`)

// parseCSKPinmux reads pinctrls = <&pinmuxX pin func>, where pinmuxX stands
// for port gpioX.
func parseCSKPinmux(t *Tree, n *Node) (Pin, bool) {
	p := n.Property("pinctrls")
	if p == nil {
		return Pin{}, false
	}
	cells := p.Cells()
	if len(cells) < 3 {
		return Pin{}, false
	}
	ref, ok := cells[0].(*parser.RefValue)
	if !ok {
		return Pin{}, false
	}
	m := cskPinmuxLabel.FindStringSubmatch(ref.Label)
	if m == nil {
		return Pin{}, false
	}
	pin, ok1 := intCell(cells[1])
	fn, ok2 := intCell(cells[2])
	if !ok1 || !ok2 {
		return Pin{}, false
	}
	port := "gpio" + m[1]
	return Pin{
		Port:       "&" + port,
		Controller: t.Label(port),
		Pin:        pin,
		Func:       fn,
		HasFunc:    true,
		Node:       n,
	}, true
}

func intCell(c parser.Cell) (int64, bool) {
	ic, ok := c.(*parser.IntCell)
	if !ok || !ic.Valid {
		return 0, false
	}
	return ic.Value, true
}

func portName(n *Node) string {
	if len(n.Labels) > 0 {
		return "&" + n.Labels[0]
	}
	return n.Path
}

func isPinctrlProperty(name string) bool {
	idx, ok := strings.CutPrefix(name, "pinctrl-")
	if !ok || idx == "" {
		return false
	}
	for _, r := range idx {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Pins returns every pin use sorted by port and pin: the first specifier
// cell of references to gpio-controller nodes, and the entries of known pin
// controllers, once per pinctrl-N property selecting them.
func (t *Tree) Pins() []Pin {
	var pins []Pin
	var muxes []Pin
	selected := make(map[*Node][]*Property)

	t.Walk(func(n *Node) {
		for _, p := range n.Properties() {
			for _, e := range t.PHandleEntries(p) {
				if isPinctrlProperty(p.Name) && e.Target != nil {
					selected[e.Target] = append(selected[e.Target], p)
					continue
				}
				if e.Target == nil || e.Target.Property("gpio-controller") == nil || len(e.Cells) == 0 {
					continue
				}
				pin, ok := intCell(e.Cells[0])
				if !ok {
					continue
				}
				pins = append(pins, Pin{
					Port:       portName(e.Target),
					Controller: e.Target,
					Pin:        pin,
					Node:       n,
					Property:   p,
				})
			}
		}
		if n.Parent == nil {
			return
		}
		for _, c := range n.Parent.Property("compatible").Strings() {
			if parse, ok := pinmuxParsers[c]; ok {
				if pin, ok := parse(t, n); ok {
					muxes = append(muxes, pin)
				}
				break
			}
		}
	})

	for _, mux := range muxes {
		refs := selected[mux.Node]
		if len(refs) == 0 {
			pins = append(pins, mux)
			continue
		}
		for _, p := range refs {
			use := mux
			use.Property = p
			pins = append(pins, use)
		}
	}
	sort.SliceStable(pins, func(i, j int) bool {
		if pins[i].Port != pins[j].Port {
			return pins[i].Port < pins[j].Port
		}
		return pins[i].Pin < pins[j].Pin
	})
	return pins
}
