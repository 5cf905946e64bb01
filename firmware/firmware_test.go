package firmware

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/protectedvm/fdtkit/fdt"
)

// inputSpec describes a host-provided guest tree for tests. The defaults
// pass every validation; individual tests bend one knob at a time.
type inputSpec struct {
	memStart uint64
	memSize  uint64
	numCPUs  int
	bootargs string

	pciRanges []uint32 // 14 cells, two entries
	irqMasks  [][]uint32
	irqMaps   [][]uint32

	serialAddrs []uint64

	swiotlbSize  uint64
	swiotlbAlign uint64

	vendorKey []byte
}

func defaultInput() *inputSpec {
	in := &inputSpec{
		memStart: MemStart,
		memSize:  0x1000_0000,
		numCPUs:  2,
		bootargs: "console=ttyAMA0",
		pciRanges: []uint32{
			0x0300_0000, 0x0, 0x1000_0000, 0x0, 0x1000_0000, 0x0, 0x100_0000,
			0x0300_0000, 0x2, 0x0, 0x2, 0x0, 0x0, 0x100_0000,
		},
		serialAddrs:  []uint64{0x3f8},
		swiotlbSize:  0x2000,
		swiotlbAlign: 0x1000,
	}
	for i := 0; i < 2; i++ {
		in.irqMasks = append(in.irqMasks, []uint32{0xf800, 0, 0, 0x7})
		in.irqMaps = append(in.irqMaps, []uint32{
			uint32(1<<11) * uint32(i+1), 0, 0, // device address
			1,    // INTA
			1,    // interrupt parent phandle
			0, 0, // parent address
			0,              // GIC_SPI
			uint32(4 + i),  // interrupt number
			4,              // IRQ_TYPE_LEVEL_HIGH
		})
	}
	return in
}

// build assembles the blob in document order with the same builder the
// template uses.
func (in *inputSpec) build() []byte {
	b := newTreeBuilder()
	b.begin("")
	b.propU32("#address-cells", 2)
	b.propU32("#size-cells", 2)

	if in.bootargs != "" {
		b.begin("chosen")
		b.propStr("bootargs", in.bootargs)
		b.end()
	}

	b.begin("memory")
	b.propStr("device_type", "memory")
	b.propU64("reg", in.memStart, in.memSize)
	b.end()

	b.begin("cpus")
	b.propU32("#address-cells", 1)
	b.propU32("#size-cells", 0)
	for i := 0; i < in.numCPUs; i++ {
		b.begin("cpu@" + itoa(i))
		b.propStr("device_type", "cpu")
		b.propStr("compatible", cpuCompatible)
		b.propU32("reg", uint32(i))
		b.end()
	}
	b.end()

	b.begin("pci")
	b.propStr("compatible", pciCompatible)
	b.propU32("#address-cells", 3)
	b.propU32("#size-cells", 2)
	b.propU32("ranges", in.pciRanges...)
	var masks, maps []uint32
	for _, m := range in.irqMasks {
		masks = append(masks, m...)
	}
	for _, m := range in.irqMaps {
		maps = append(maps, m...)
	}
	b.propU32("interrupt-map-mask", masks...)
	b.propU32("interrupt-map", maps...)
	b.end()

	for _, addr := range in.serialAddrs {
		b.begin("uart@" + hex(addr))
		b.propStr("compatible", serialCompatible)
		b.propU64("reg", addr, 8)
		b.end()
	}

	b.begin("reserved-memory")
	b.propU32("#address-cells", 2)
	b.propU32("#size-cells", 2)
	b.begin("swiotlb")
	b.propStr("compatible", swiotlbCompatible)
	b.propU64("size", in.swiotlbSize)
	b.propU64("alignment", in.swiotlbAlign)
	b.end()
	b.end()

	if in.vendorKey != nil {
		b.begin("avf")
		b.prop("vendor_public_key", in.vendorKey)
		b.end()
	}

	b.end()
	return b.finish()
}

// sanitizeInput runs the pipeline over the spec in a roomy buffer and
// returns the resulting tree together with the collected facts.
func sanitizeInput(t *testing.T, in *inputSpec) (*fdt.Tree, *DeviceTreeInfo) {
	t.Helper()
	buf := make([]byte, 32768)
	copy(buf, in.build())
	info, err := Sanitize(buf, nil, nil)
	require.NoError(t, err)
	tr, err := fdt.FromSlice(buf)
	require.NoError(t, err)
	return tr, info
}
