package firmware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protectedvm/fdtkit/fdt"
	"github.com/protectedvm/fdtkit/internal/format"
)

func sanitizeErr(t *testing.T, in *inputSpec) error {
	t.Helper()
	buf := make([]byte, 32768)
	copy(buf, in.build())
	_, err := Sanitize(buf, nil, nil)
	return err
}

func TestSanitizeCollectsFacts(t *testing.T) {
	in := defaultInput()
	in.vendorKey = []byte{0xaa, 0xbb, 0xcc}
	_, info := sanitizeInput(t, in)

	assert.Equal(t, fdt.Range{Start: 0x8000_0000, End: 0x9000_0000}, info.MemoryRange)
	assert.Equal(t, 2, info.NumCPUs)
	require.NotNil(t, info.Bootargs)
	assert.Equal(t, "console=ttyAMA0", *info.Bootargs)
	assert.Nil(t, info.KernelRange)
	assert.Nil(t, info.InitrdRange)
	assert.Equal(t, []uint64{0x3f8}, info.Serial.Addrs)
	assert.Equal(t, uint64(0x2000), info.Swiotlb.Size)
	require.NotNil(t, info.Swiotlb.Align)
	assert.Equal(t, uint64(0x1000), *info.Swiotlb.Align)
	assert.Nil(t, info.Swiotlb.Addr)
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc}, info.VendorPublicKey)
	assert.Len(t, info.PCI.IRQMasks, 2)
	assert.Len(t, info.PCI.IRQMaps, 2)
}

func TestSanitizePatchesMemory(t *testing.T) {
	tr, _ := sanitizeInput(t, defaultInput())

	mem, err := tr.Node("/memory")
	require.NoError(t, err)
	reg, err := mem.Prop("reg")
	require.NoError(t, err)
	require.Len(t, reg, 16)
	assert.Equal(t, MemStart, format.ReadU64(reg, 0))
	assert.Equal(t, uint64(0x1000_0000), format.ReadU64(reg, 8))
}

func TestSanitizeKeepsFirstCPUs(t *testing.T) {
	tr, _ := sanitizeInput(t, defaultInput())

	var names []string
	it := tr.CompatibleNodes(cpuCompatible)
	for it.Next() {
		name, err := it.Node().Name()
		require.NoError(t, err)
		names = append(names, name)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"cpu@0", "cpu@1"}, names)
}

func TestSanitizePrunesSerialPorts(t *testing.T) {
	tr, _ := sanitizeInput(t, defaultInput())

	var addrs []uint64
	it := tr.CompatibleNodes(serialCompatible)
	for it.Next() {
		regs, err := it.Node().Reg()
		require.NoError(t, err)
		require.True(t, regs.Next())
		addrs = append(addrs, regs.Reg().Addr)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []uint64{0x3f8}, addrs)
}

func TestSanitizePatchesPCI(t *testing.T) {
	in := defaultInput()
	tr, info := sanitizeInput(t, in)

	pci, err := tr.Node("/pci")
	require.NoError(t, err)

	ranges, err := pci.Prop("ranges")
	require.NoError(t, err)
	assert.Equal(t, info.PCI.encodeRanges(), ranges)

	masks, err := pci.Prop("interrupt-map-mask")
	require.NoError(t, err)
	assert.Len(t, masks, 2*pciIRQMaskCells*4)

	maps, err := pci.Prop("interrupt-map")
	require.NoError(t, err)
	assert.Len(t, maps, 2*pciIRQMapCells*4)
}

func TestSanitizePatchesSwiotlb(t *testing.T) {
	tr, _ := sanitizeInput(t, defaultInput())

	node, err := tr.Node("/reserved-memory/swiotlb")
	require.NoError(t, err)
	size, err := node.PropU64("size")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2000), size)
	align, err := node.PropU64("alignment")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), align)

	// the fixed-placement form was dropped for the dynamic pool
	ok, err := node.HasProp("reg")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSanitizePatchesGIC(t *testing.T) {
	tr, _ := sanitizeInput(t, defaultInput())

	intc, err := tr.Node("/intc")
	require.NoError(t, err)
	reg, err := intc.Prop("reg")
	require.NoError(t, err)
	require.Len(t, reg, 32)

	redistSize := uint64(2) * gicRedistSizePerCPU
	assert.Equal(t, uint64(gicDistAddr), format.ReadU64(reg, 0))
	assert.Equal(t, uint64(gicDistSize), format.ReadU64(reg, 8))
	assert.Equal(t, uint64(gicDistAddr)-redistSize, format.ReadU64(reg, 16))
	assert.Equal(t, redistSize, format.ReadU64(reg, 24))
}

func TestSanitizePatchesTimerCPUMask(t *testing.T) {
	tr, _ := sanitizeInput(t, defaultInput())

	timer, err := tr.Node("/timer")
	require.NoError(t, err)
	cells, err := timer.PropCells("interrupts")
	require.NoError(t, err)
	var got []uint32
	for cells.Next() {
		got = append(got, cells.Cell())
	}
	require.Len(t, got, 12)
	// two CPUs: mask 0b11 shifted into bits 8..15 of each flags cell
	for i := 2; i < len(got); i += 3 {
		assert.Equal(t, uint32(8|0x300), got[i])
	}
}

func TestSanitizeCarriesBootargsAndVendorKey(t *testing.T) {
	in := defaultInput()
	in.bootargs = "panic=-1 console=ttyAMA0 foo=bar"
	in.vendorKey = []byte{1, 2, 3, 4}
	tr, _ := sanitizeInput(t, in)

	chosen, err := tr.Chosen()
	require.NoError(t, err)
	s, err := chosen.PropString("bootargs")
	require.NoError(t, err)
	// sanitization copies the command line through; filtering happens in
	// the next-stage step
	assert.Equal(t, "panic=-1 console=ttyAMA0 foo=bar", s)

	avf, err := tr.Node("/avf")
	require.NoError(t, err)
	key, err := avf.Prop("vendor_public_key")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, key)
}

func TestSanitizeRejectsBadMemoryBase(t *testing.T) {
	in := defaultInput()
	in.memStart = 0x4000_0000
	require.ErrorIs(t, sanitizeErr(t, in), ErrInvalidDeviceTree)
}

func TestSanitizeRejectsUnalignedMemorySize(t *testing.T) {
	in := defaultInput()
	in.memSize = 0x1000_0800
	require.ErrorIs(t, sanitizeErr(t, in), ErrInvalidDeviceTree)
}

func TestSanitizeRejectsZeroCPUs(t *testing.T) {
	in := defaultInput()
	in.numCPUs = 0
	require.ErrorIs(t, sanitizeErr(t, in), ErrInvalidCPUCount)
}

func TestSanitizeRejectsIRQMapDeviations(t *testing.T) {
	// each case bends exactly one field of an otherwise valid entry
	poke := []struct {
		name  string
		cell  int
		value uint32
	}{
		{"device address", 0, 0x800},
		{"int pin", 3, 2},
		{"gic address", 5, 1},
		{"interrupt type", 7, 1},
		{"interrupt number", 8, 99},
		{"trigger type", 9, 1},
	}
	for _, tc := range poke {
		t.Run(tc.name, func(t *testing.T) {
			in := defaultInput()
			in.irqMaps[1][tc.cell] = tc.value
			require.ErrorIs(t, sanitizeErr(t, in), ErrInvalidDeviceTree)
		})
	}
}

func TestSanitizeRejectsBadIRQMask(t *testing.T) {
	in := defaultInput()
	in.irqMasks[0][3] = 0xf
	require.ErrorIs(t, sanitizeErr(t, in), ErrInvalidDeviceTree)
}

func TestSanitizeRejectsPrefetchablePCIRange(t *testing.T) {
	in := defaultInput()
	in.pciRanges[0] |= 0x4000_0000
	require.ErrorIs(t, sanitizeErr(t, in), ErrInvalidDeviceTree)
}

func TestSanitizeRejectsPCIRangeOverlappingMemory(t *testing.T) {
	in := defaultInput()
	// first range moved onto main memory, identity mapping kept
	in.pciRanges[1], in.pciRanges[2] = 0x0, 0x8000_0000
	in.pciRanges[3], in.pciRanges[4] = 0x0, 0x8000_0000
	require.ErrorIs(t, sanitizeErr(t, in), ErrInvalidDeviceTree)
}

func TestSanitizeRejectsNonIdentityPCIMapping(t *testing.T) {
	in := defaultInput()
	in.pciRanges[4] = 0x2000_0000 // cpu address no longer equals bus address
	require.ErrorIs(t, sanitizeErr(t, in), ErrInvalidDeviceTree)
}

func TestSanitizeRejectsBadSwiotlbSize(t *testing.T) {
	in := defaultInput()
	in.swiotlbSize = 0x1800
	require.ErrorIs(t, sanitizeErr(t, in), ErrInvalidDeviceTree)
}

func TestSanitizeRejectsGarbageInput(t *testing.T) {
	buf := make([]byte, 32768)
	copy(buf, "this is not a device tree")
	_, err := Sanitize(buf, nil, nil)
	require.ErrorIs(t, err, ErrInvalidDeviceTree)
}

func TestSanitizeOutputRevalidates(t *testing.T) {
	tr, _ := sanitizeInput(t, defaultInput())
	_, err := fdt.FromSlice(append([]byte(nil), tr.Bytes()...))
	require.NoError(t, err)
}
