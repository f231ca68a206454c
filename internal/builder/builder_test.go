package builder

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dts-community/dts-dev-tools/internal/index"
)

func mergeSources(t *testing.T, src index.MapSource, roots ...string) *index.Tree {
	t.Helper()
	files := map[string]*index.File{}
	for path := range src {
		f, err := index.ReadFile(path, nil, src)
		require.NoError(t, err)
		files[path] = f
	}
	return index.Merge("test", roots, files, nil)
}

func TestBuildMergedTree(t *testing.T) {
	tree := mergeSources(t, index.MapSource{
		"/b/base.dts": `/dts-v1/;
#include "soc.dtsi"
/ {
	model = "board";
};
`,
		"/b/soc.dtsi": `/ {
	soc {
		uart0: uart@4000 {
			reg = <0x4000 (1 << 8)>;
			status = "okay";
		};
	};
};
`,
		"/b/app.overlay": `&uart0 {
	status = "disabled";
	mac = [de ad be ef];
	small = /bits/ 8 <0x1ff>;
	gpios = <&gpio0 FLAG>;
	wakeup-source;
};
`,
	}, "/b/base.dts", "/b/app.overlay")

	want := `/dts-v1/;

/ {
	model = "board";

	soc {
		uart0: uart@4000 {
			reg = <0x4000 0x100>;
			status = "disabled";
			mac = [de ad be ef];
			small = /bits/ 8 <0xff>;
			gpios = <&gpio0 FLAG>;
			wakeup-source;
		};
	};
};
`
	var buf bytes.Buffer
	require.NoError(t, NewBuilder(tree).Build(&buf))
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("unexpected output (-want +got):\n%s", diff)
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	src := index.MapSource{
		"/a.dts": `/ {
	#address-cells = <1>;
	lbl: node@1 {
		compatible = "x,y", "z";
		label = "quote \" and \\ and\ttab";
		ref = &lbl;
		arr = <1 2 &lbl 3>;
	};
};
`,
		"/o.dts": `&lbl {
	extra = <0x10>;
	child { };
};
`,
	}
	first := NewBuilder(mergeSources(t, src, "/a.dts", "/o.dts")).String()
	again := NewBuilder(mergeSources(t, src, "/a.dts", "/o.dts")).String()
	assert.Equal(t, first, again)

	// The output parses back into the same tree.
	round := NewBuilder(mergeSources(t, index.MapSource{"/out.dts": first}, "/out.dts")).String()
	if diff := cmp.Diff(first, round); diff != "" {
		t.Errorf("round trip changed the tree (-first +round):\n%s", diff)
	}
}

func TestBuildNode(t *testing.T) {
	tree := mergeSources(t, index.MapSource{
		"/a.dts": "/ {\n\tsoc {\n\t\tlbl: dev@1 {\n\t\t\tok;\n\t\t};\n\t};\n};\n",
	}, "/a.dts")

	var buf bytes.Buffer
	require.NoError(t, NewBuilder(tree).BuildNode(&buf, tree.Node("&lbl")))
	assert.Equal(t, "lbl: dev@1 {\n\tok;\n};\n", buf.String())
}
