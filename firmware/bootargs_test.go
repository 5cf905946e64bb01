package firmware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protectedvm/fdtkit/fdt"
)

func TestParseBootArgs(t *testing.T) {
	args, err := parseBootArgs(`quiet  panic=-1 console=ttyAMA0 name="a b"`)
	require.NoError(t, err)
	require.Len(t, args, 4)

	assert.Equal(t, "quiet", args[0].Name())
	assert.Equal(t, "", args[0].Value())

	assert.Equal(t, "panic", args[1].Name())
	assert.Equal(t, "=-1", args[1].Value())
	assert.Equal(t, "panic=-1", args[1].String())

	assert.Equal(t, "console", args[2].Name())
	assert.Equal(t, "=ttyAMA0", args[2].Value())

	// quoted values keep their spaces
	assert.Equal(t, "name", args[3].Name())
	assert.Equal(t, `="a b"`, args[3].Value())
}

func TestParseBootArgsEmpty(t *testing.T) {
	args, err := parseBootArgs("")
	require.NoError(t, err)
	assert.Empty(t, args)

	args, err = parseBootArgs("   ")
	require.NoError(t, err)
	assert.Empty(t, args)
}

func TestParseBootArgsUnterminatedQuote(t *testing.T) {
	_, err := parseBootArgs(`name="a b`)
	require.ErrorIs(t, err, fdt.ErrBadValue)
}

func policyTree(t *testing.T, flags map[string]uint32) *fdt.Tree {
	t.Helper()
	b := newTreeBuilder()
	b.begin("")
	if flags != nil {
		b.begin("avf")
		b.begin("guest")
		b.begin("common")
		for _, name := range []string{"ramdump", "log"} {
			if v, ok := flags[name]; ok {
				b.propU32(name, v)
			}
		}
		b.end()
		b.end()
		b.end()
	}
	b.end()

	tr, err := fdt.FromSlice(b.finish())
	require.NoError(t, err)
	return tr
}

func TestHasCommonDebugPolicy(t *testing.T) {
	tr := policyTree(t, map[string]uint32{"ramdump": 1, "log": 0})

	on, err := hasCommonDebugPolicy(tr, "ramdump")
	require.NoError(t, err)
	assert.True(t, on)

	on, err = hasCommonDebugPolicy(tr, "log")
	require.NoError(t, err)
	assert.False(t, on)

	// absent node means every policy is off
	bare := policyTree(t, nil)
	on, err = hasCommonDebugPolicy(bare, "ramdump")
	require.NoError(t, err)
	assert.False(t, on)
}

func TestFilterBootArgs(t *testing.T) {
	args, err := parseBootArgs("panic=-1 crashkernel=17M console=ttyAMA0 root=/dev/vda")
	require.NoError(t, err)

	join := func(kept []BootArg) string {
		s := ""
		for i, a := range kept {
			if i > 0 {
				s += " "
			}
			s += a.String()
		}
		return s
	}

	kept, err := filterBootArgs(policyTree(t, nil), args)
	require.NoError(t, err)
	assert.Equal(t, "panic=-1", join(kept))

	kept, err = filterBootArgs(policyTree(t, map[string]uint32{"log": 1}), args)
	require.NoError(t, err)
	assert.Equal(t, "panic=-1 console=ttyAMA0", join(kept))

	kept, err = filterBootArgs(policyTree(t, map[string]uint32{"ramdump": 1, "log": 1}), args)
	require.NoError(t, err)
	assert.Equal(t, "panic=-1 crashkernel=17M console=ttyAMA0", join(kept))
}

func TestFilterRejectsOtherPanicValues(t *testing.T) {
	args, err := parseBootArgs("panic=0 panic panic=-1")
	require.NoError(t, err)
	kept, err := filterBootArgs(policyTree(t, nil), args)
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, "panic=-1", kept[0].String())
}
