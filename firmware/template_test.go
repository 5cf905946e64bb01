package firmware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protectedvm/fdtkit/fdt"
)

func parseTemplate(t *testing.T) *fdt.Tree {
	t.Helper()
	tr, err := fdt.FromSlice(append([]byte(nil), Template()...))
	require.NoError(t, err)
	return tr
}

func TestTemplateIsValid(t *testing.T) {
	parseTemplate(t)
}

// TestTemplatePatchTargetWidths audits every property the patchers rewrite
// in place: an in-place write requires the template to carry the exact
// final width.
func TestTemplatePatchTargetWidths(t *testing.T) {
	tr := parseTemplate(t)

	propLen := func(path, name string) int {
		n, err := tr.Node(path)
		require.NoError(t, err, path)
		val, err := n.Prop(name)
		require.NoError(t, err, path+" "+name)
		return len(val)
	}

	assert.Equal(t, 16, propLen("/memory", "reg"))
	assert.Equal(t, 2*7*4, propLen("/pci", "ranges"))
	assert.Equal(t, maxPCIIRQs*pciIRQMaskCells*4, propLen("/pci", "interrupt-map-mask"))
	assert.Equal(t, maxPCIIRQs*pciIRQMapCells*4, propLen("/pci", "interrupt-map"))
	assert.Equal(t, 32, propLen("/intc", "reg"))
	assert.Equal(t, 4*3*4, propLen("/timer", "interrupts"))
	assert.Equal(t, 8, propLen("/chosen", "kaslr-seed"))
	assert.Equal(t, 16, propLen("/reserved-memory/swiotlb", "reg"))
	assert.Equal(t, 8, propLen("/reserved-memory/swiotlb", "size"))
	assert.Equal(t, 8, propLen("/reserved-memory/swiotlb", "alignment"))
	assert.Equal(t, 16, propLen("/reserved-memory/dice", "reg"))
}

func TestTemplatePlatformNodes(t *testing.T) {
	tr := parseTemplate(t)

	count := func(compatible string) int {
		n := 0
		it := tr.CompatibleNodes(compatible)
		for it.Next() {
			n++
		}
		require.NoError(t, it.Err())
		return n
	}

	assert.Equal(t, maxCPUs, count(cpuCompatible))
	assert.Equal(t, maxSerials, count(serialCompatible))
	assert.Equal(t, 1, count(gicCompatible))
	assert.Equal(t, 1, count(timerCompatible))
	assert.Equal(t, 1, count(pciCompatible))
	assert.Equal(t, 1, count(swiotlbCompatible))
	assert.Equal(t, 1, count(diceCompatible))

	// the interrupt controller is reachable through its phandle
	n, err := tr.NodeWithPhandle(fdt.Phandle(gicPhandle))
	require.NoError(t, err)
	ok, err := n.IsCompatible(gicCompatible)
	require.NoError(t, err)
	assert.True(t, ok)

	// boot markers start present so the next stage can delete them in place
	chosen, err := tr.Chosen()
	require.NoError(t, err)
	for _, name := range []string{"avf,strict-boot", "avf,new-instance"} {
		ok, err := chosen.HasProp(name)
		require.NoError(t, err)
		assert.True(t, ok, name)
	}
}
