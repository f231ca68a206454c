package index

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const flashDTS = `/ {
	#address-cells = <1>;
	#size-cells = <1>;
	flash0: flash@0 {
		reg = <0x0 0x100000>;
		partitions {
			compatible = "fixed-partitions";
			#address-cells = <1>;
			#size-cells = <1>;
			storage@f0000 {
				label = "storage";
				reg = <0xf0000 0x8000>;
			};
			boot@0 {
				label = "mcuboot";
				reg = <0x0 0x10000>;
			};
			slot0@20000 {
				reg = <0x20000 0x60000>;
			};
			slot1@70000 {
				reg = <0x70000 0x10000>;
			};
		};
	};
	sram@20000000 {
		reg = <0x20000000 0x1000>;
	};
};
`

func TestPartitions(t *testing.T) {
	tree := mergeTree(t, MapSource{"/f.dts": flashDTS}, "/f.dts")

	layout, ok := tree.Partitions(tree.Node("&flash0"))
	require.True(t, ok)
	assert.Same(t, tree.Node("&flash0"), layout.Flash)
	assert.Equal(t, "/flash@0/partitions/", layout.Partitions.Path)
	assert.True(t, layout.HasCapacity)
	assert.Equal(t, uint64(0x100000), layout.Capacity)

	type entry struct {
		Name          string
		Address, Size uint64
		Overlap       uint64
	}
	var got []entry
	for _, p := range layout.Entries {
		got = append(got, entry{p.Name, p.Address, p.Size, p.Overlap})
	}
	want := []entry{
		{"mcuboot", 0x0, 0x10000, 0},
		{"slot0@20000", 0x20000, 0x60000, 0},
		{"slot1@70000", 0x70000, 0x10000, 0x10000},
		{"storage", 0xf0000, 0x8000, 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("partitions mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []Gap{
		{Address: 0x10000, Size: 0x10000},
		{Address: 0x80000, Size: 0x70000},
		{Address: 0xf8000, Size: 0x8000},
	}, layout.Gaps)

	same, ok := tree.Partitions(layout.Partitions)
	require.True(t, ok)
	assert.Equal(t, layout.Gaps, same.Gaps)

	_, ok = tree.Partitions(tree.Node("/sram@20000000"))
	assert.False(t, ok)
	_, ok = tree.Partitions(nil)
	assert.False(t, ok)

	all := tree.FlashLayouts()
	require.Len(t, all, 1)
	assert.Same(t, layout.Partitions, all[0].Partitions)
}
