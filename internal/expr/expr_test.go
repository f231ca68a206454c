package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalLiterals(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"(1 << 4)", 16},
		{"'A'", 65},
		{"0x10", 16},
		{"0x1f", 31},
		{"0x10UL", 16},
		{"10u", 10},
		{"017", 15},
		{"1.5f", 1},
		{"'\\n'", 10},
		{"-(2 + 3) * 4", -20},
		{"~0 & 0xff", 255},
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"8 >> 1 | 1", 5},
		{"3 > 2 && 1 != 0", 1},
		{"!5 || 0", 0},
		{"('a' + 1)", 98},
		{"7 % 4 ^ 1", 2},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, ok := Eval(tc.in)
			require.True(t, ok, "expected %q to evaluate", tc.in)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvalFailsClosed(t *testing.T) {
	for _, in := range []string{
		"foo(1)",
		"system(\"rm\")",
		"MACRO + 1",
		"(1 + 2",
		"1 + 2)",
		"1 = 2",
		"1 +",
		"1 / 0",
		"1 % 0",
		"'ab'",
		"",
		"1 << 99",
		"0x",
		"1 2",
		"12abc",
	} {
		t.Run(in, func(t *testing.T) {
			_, ok := Eval(in)
			assert.False(t, ok, "expected %q to be unresolved", in)
		})
	}
}

func TestStripSuffixes(t *testing.T) {
	assert.Equal(t, "0x10 + 5 + 1.0", StripSuffixes("0x10ULL + 5l + 1.0f"))
	assert.Equal(t, "0xff", StripSuffixes("0xff"))
}
