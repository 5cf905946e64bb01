package firmware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protectedvm/fdtkit/fdt"
	"github.com/protectedvm/fdtkit/internal/format"
)

func nextStageConfig() NextStageConfig {
	return NextStageConfig{
		DiceRange: fdt.Range{Start: 0x8010_0000, End: 0x8010_2000},
		KaslrSeed: 0x1122_3344_5566_7788,
	}
}

// buildDebugPolicy assembles an overlay that installs debug policy flags
// under /avf/guest/common.
func buildDebugPolicy(t *testing.T, name string, value uint32) []byte {
	t.Helper()
	tr, err := fdt.CreateEmptyTree(make([]byte, 4096))
	require.NoError(t, err)

	root := tr.RootMut()
	frag, err := root.AddSubnode("fragment@0")
	require.NoError(t, err)
	require.NoError(t, frag.SetProp("target-path", append([]byte("/"), 0)))
	body, err := frag.AddSubnode("__overlay__")
	require.NoError(t, err)
	avf, err := body.AddSubnode("avf")
	require.NoError(t, err)
	guest, err := avf.AddSubnode("guest")
	require.NoError(t, err)
	common, err := guest.AddSubnode("common")
	require.NoError(t, err)
	require.NoError(t, common.SetPropU32(name, value))

	require.NoError(t, tr.Pack())
	return append([]byte(nil), tr.Bytes()...)
}

func TestModifyForNextStage(t *testing.T) {
	tr, _ := sanitizeInput(t, defaultInput())

	cfg := nextStageConfig()
	cfg.StrictBoot = true
	require.NoError(t, ModifyForNextStage(tr, cfg))

	chosen, err := tr.Chosen()
	require.NoError(t, err)
	seed, err := chosen.PropU64("kaslr-seed")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122_3344_5566_7788), seed)

	ok, err := chosen.HasProp("avf,strict-boot")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = chosen.HasProp("avf,new-instance")
	require.NoError(t, err)
	assert.False(t, ok)

	dice, err := tr.Node("/reserved-memory/dice")
	require.NoError(t, err)
	reg, err := dice.Prop("reg")
	require.NoError(t, err)
	require.Len(t, reg, 16)
	assert.Equal(t, uint64(0x8010_0000), format.ReadU64(reg, 0))
	assert.Equal(t, uint64(0x2000), format.ReadU64(reg, 8))

	// the handover blob is packed and valid
	_, err = fdt.FromSlice(append([]byte(nil), tr.Bytes()...))
	require.NoError(t, err)
}

func TestModifyFiltersBootargsWhenNotDebuggable(t *testing.T) {
	in := defaultInput()
	in.bootargs = "panic=-1 console=ttyAMA0 foo=bar"
	tr, _ := sanitizeInput(t, in)

	require.NoError(t, ModifyForNextStage(tr, nextStageConfig()))

	chosen, err := tr.Chosen()
	require.NoError(t, err)
	s, err := chosen.PropString("bootargs")
	require.NoError(t, err)
	assert.Equal(t, "panic=-1", s)
}

func TestModifyKeepsConsoleWithLogPolicy(t *testing.T) {
	in := defaultInput()
	in.bootargs = "panic=-1 console=ttyAMA0 foo=bar"
	tr, _ := sanitizeInput(t, in)

	cfg := nextStageConfig()
	cfg.DebugPolicy = buildDebugPolicy(t, "log", 1)
	require.NoError(t, ModifyForNextStage(tr, cfg))

	chosen, err := tr.Chosen()
	require.NoError(t, err)
	s, err := chosen.PropString("bootargs")
	require.NoError(t, err)
	assert.Equal(t, "panic=-1 console=ttyAMA0", s)
}

func TestModifyKeepsCrashkernelWithRamdumpPolicy(t *testing.T) {
	in := defaultInput()
	in.bootargs = "crashkernel=17M panic=0"
	tr, _ := sanitizeInput(t, in)

	cfg := nextStageConfig()
	cfg.DebugPolicy = buildDebugPolicy(t, "ramdump", 1)
	require.NoError(t, ModifyForNextStage(tr, cfg))

	chosen, err := tr.Chosen()
	require.NoError(t, err)
	s, err := chosen.PropString("bootargs")
	require.NoError(t, err)
	// panic=0 is not the allow-listed panic=-1 form
	assert.Equal(t, "crashkernel=17M", s)
}

func TestModifyKeepsBootargsWhenDebuggable(t *testing.T) {
	in := defaultInput()
	in.bootargs = "panic=-1 console=ttyAMA0 foo=bar"
	tr, _ := sanitizeInput(t, in)

	cfg := nextStageConfig()
	cfg.Debuggable = true
	require.NoError(t, ModifyForNextStage(tr, cfg))

	chosen, err := tr.Chosen()
	require.NoError(t, err)
	s, err := chosen.PropString("bootargs")
	require.NoError(t, err)
	assert.Equal(t, "panic=-1 console=ttyAMA0 foo=bar", s)
}

func TestCorruptDebugPolicyBehavesLikeNone(t *testing.T) {
	in := defaultInput()
	in.bootargs = "panic=-1 console=ttyAMA0"

	withPolicy, _ := sanitizeInput(t, in)
	cfg := nextStageConfig()
	cfg.DebugPolicy = []byte("not a device tree overlay")
	require.NoError(t, ModifyForNextStage(withPolicy, cfg))

	without, _ := sanitizeInput(t, in)
	require.NoError(t, ModifyForNextStage(without, nextStageConfig()))

	assert.Equal(t, without.Bytes(), withPolicy.Bytes())
}

func TestFailedDebugPolicyIsRecovered(t *testing.T) {
	// a fragment naming both a target phandle and a target path parses fine
	// but cannot be applied
	policy, err := fdt.CreateEmptyTree(make([]byte, 4096))
	require.NoError(t, err)
	root := policy.RootMut()
	frag, err := root.AddSubnode("fragment@0")
	require.NoError(t, err)
	require.NoError(t, frag.SetPropU32("target", 1))
	require.NoError(t, frag.SetProp("target-path", append([]byte("/"), 0)))
	_, err = frag.AddSubnode("__overlay__")
	require.NoError(t, err)
	require.NoError(t, policy.Pack())

	in := defaultInput()
	in.bootargs = "panic=-1 console=ttyAMA0"

	withPolicy, _ := sanitizeInput(t, in)
	cfg := nextStageConfig()
	cfg.DebugPolicy = append([]byte(nil), policy.Bytes()...)
	require.NoError(t, ModifyForNextStage(withPolicy, cfg))

	without, _ := sanitizeInput(t, in)
	require.NoError(t, ModifyForNextStage(without, nextStageConfig()))

	assert.Equal(t, without.Bytes(), withPolicy.Bytes())
}
