package firmware

import (
	"github.com/protectedvm/fdtkit/internal/format"
)

// The known-good template tree. Sanitization throws the untrusted tree away
// and instantiates this instead, then writes the validated facts into it.
// Properties patched in place are sized here exactly as the patchers expect
// (16-byte memory reg, 56-byte PCI ranges, 32-byte GIC reg, 12-cell timer
// interrupts, full-width interrupt tables to be trimmed down); their values
// are placeholders.
//
// The template describes the same virtual platform the validators accept:
// one memory bank at MemStart, up to maxCPUs v8 CPUs, a GICv3, four 16550
// ports, a CAM PCI host bridge, and a reserved-memory region holding the
// DMA pool and the trust chain buffer.

const (
	maxCPUs = 16

	gicPhandle   = 1
	gicDistAddr  = 0x3fff_0000
	gicDistSize  = 0x0001_0000
	uartClockHz  = 1843200
	pciCAMBase   = 0x0001_0000
	pciCAMSize   = 0x0100_0000
	templateSize = 0x1000_0000 // placeholder memory size
)

var uartAddrs = [maxSerials]uint64{0x3f8, 0x2f8, 0x3e8, 0x2e8}

// templateDT is the compiled-in blob, assembled once at startup.
var templateDT = buildTemplate()

// Template returns the compiled-in template blob. Callers must treat it as
// read-only; Sanitize copies it into the working buffer.
func Template() []byte { return templateDT }

func buildTemplate() []byte {
	b := newTreeBuilder()

	b.begin("") // root
	b.propU32("#address-cells", 2)
	b.propU32("#size-cells", 2)
	b.propU32("interrupt-parent", gicPhandle)
	b.propStr("compatible", "linux,dummy-virt")

	b.begin("chosen")
	b.propU64("kaslr-seed", 0)
	b.propEmpty("avf,strict-boot")
	b.propEmpty("avf,new-instance")
	b.end()

	b.begin("memory")
	b.propStr("device_type", "memory")
	b.propU64("reg", MemStart, templateSize)
	b.end()

	b.begin("cpus")
	b.propU32("#address-cells", 1)
	b.propU32("#size-cells", 0)
	for i := 0; i < maxCPUs; i++ {
		b.begin("cpu@" + itoa(i))
		b.propStr("device_type", "cpu")
		b.propStr("compatible", cpuCompatible)
		b.propU32("reg", uint32(i))
		b.end()
	}
	b.end()

	redistSize, _ := gicPatchedSize(maxCPUs)
	b.begin("intc")
	b.propStr("compatible", gicCompatible)
	b.propU32("#interrupt-cells", 3)
	b.propEmpty("interrupt-controller")
	b.propU32("phandle", gicPhandle)
	b.propU64("reg", gicDistAddr, gicDistSize, gicDistAddr-redistSize, redistSize)
	b.end()

	b.begin("timer")
	b.propStr("compatible", timerCompatible)
	b.propEmpty("always-on")
	// four per-CPU PPIs, flags cell gets the CPU mask ORed in at patch time
	b.propU32("interrupts",
		1, 13, 8,
		1, 14, 8,
		1, 11, 8,
		1, 10, 8)
	b.end()

	for _, addr := range uartAddrs {
		b.begin("uart@" + hex(addr))
		b.propStr("compatible", serialCompatible)
		b.propU32("clock-frequency", uartClockHz)
		b.propU32("interrupts", 0, 0, 1)
		b.propU64("reg", addr, 8)
		b.end()
	}

	b.begin("pci")
	b.propStr("compatible", pciCompatible)
	b.propStr("device_type", "pci")
	b.propU32("#address-cells", 3)
	b.propU32("#size-cells", 2)
	b.propU64("reg", pciCAMBase, pciCAMSize)
	b.prop("ranges", templatePCIRanges())
	b.prop("interrupt-map-mask", templateIRQMasks())
	b.prop("interrupt-map", templateIRQMaps())
	b.end()

	b.begin("reserved-memory")
	b.propU32("#address-cells", 2)
	b.propU32("#size-cells", 2)
	b.propEmpty("ranges")

	b.begin("swiotlb")
	b.propStr("compatible", swiotlbCompatible)
	b.propU64("reg", 0, 0)
	b.propU64("size", 0)
	b.propU64("alignment", 0)
	b.end()

	b.begin("dice")
	b.propStr("compatible", diceCompatible)
	b.propEmpty("no-map")
	b.propU64("reg", 0, 0)
	b.end()

	b.end() // reserved-memory
	b.end() // root

	return b.finish()
}

// templatePCIRanges builds the 7-cells-per-entry placeholder that the PCI
// patcher overwrites in place: 64-bit non-prefetchable memory windows.
func templatePCIRanges() []byte {
	var b []byte
	for i := 0; i < 2; i++ {
		b = format.AppendU32(b, pciRangeMemory64<<24) // phys.hi flags
		b = format.AppendU64(b, 0)                    // bus address
		b = format.AppendU64(b, 0)                    // cpu address
		b = format.AppendU64(b, 0)                    // size
	}
	return b
}

func templateIRQMasks() []byte {
	var b []byte
	for i := 0; i < maxPCIIRQs; i++ {
		b = format.AppendU32(b, 0xf800)
		b = format.AppendU32(b, 0)
		b = format.AppendU32(b, 0)
		b = format.AppendU32(b, 0x7)
	}
	return b
}

// templateIRQMaps lays out the full-width interrupt map with the exact
// index-derived shape the validator requires, one INTA route per device
// slot to a sequential level-high SPI.
func templateIRQMaps() []byte {
	var b []byte
	for i := 0; i < maxPCIIRQs; i++ {
		b = format.AppendU32(b, uint32(1<<11)*uint32(i+1)) // device address phys.hi
		b = format.AppendU32(b, 0)
		b = format.AppendU32(b, 0)
		b = format.AppendU32(b, 1)          // INTA
		b = format.AppendU32(b, gicPhandle) // interrupt parent
		b = format.AppendU32(b, 0)          // parent address
		b = format.AppendU32(b, 0)
		b = format.AppendU32(b, 0)            // GIC_SPI
		b = format.AppendU32(b, uint32(4+i))  // interrupt number
		b = format.AppendU32(b, 4)            // IRQ_TYPE_LEVEL_HIGH
	}
	return b
}

// treeBuilder assembles a blob linearly: tokens are appended in document
// order, names are interned in the strings block, and finish lays the
// header and memory reservation terminator around the result.
type treeBuilder struct {
	strct   []byte
	strings []byte
	strOffs map[string]int
}

func newTreeBuilder() *treeBuilder {
	return &treeBuilder{strOffs: make(map[string]int)}
}

func (b *treeBuilder) begin(name string) {
	b.strct = format.AppendU32(b.strct, format.TokenBeginNode)
	b.strct = append(b.strct, name...)
	b.strct = append(b.strct, 0)
	b.pad()
}

func (b *treeBuilder) end() {
	b.strct = format.AppendU32(b.strct, format.TokenEndNode)
}

func (b *treeBuilder) prop(name string, val []byte) {
	b.strct = format.AppendU32(b.strct, format.TokenProp)
	b.strct = format.AppendU32(b.strct, uint32(len(val)))
	b.strct = format.AppendU32(b.strct, uint32(b.intern(name)))
	b.strct = append(b.strct, val...)
	b.pad()
}

func (b *treeBuilder) propEmpty(name string) { b.prop(name, nil) }

func (b *treeBuilder) propStr(name, s string) {
	b.prop(name, append([]byte(s), 0))
}

func (b *treeBuilder) propU32(name string, vs ...uint32) {
	var val []byte
	for _, v := range vs {
		val = format.AppendU32(val, v)
	}
	b.prop(name, val)
}

func (b *treeBuilder) propU64(name string, vs ...uint64) {
	var val []byte
	for _, v := range vs {
		val = format.AppendU64(val, v)
	}
	b.prop(name, val)
}

func (b *treeBuilder) pad() {
	for len(b.strct)%format.StructAlignment != 0 {
		b.strct = append(b.strct, 0)
	}
}

func (b *treeBuilder) intern(name string) int {
	if off, ok := b.strOffs[name]; ok {
		return off
	}
	off := len(b.strings)
	b.strings = append(b.strings, name...)
	b.strings = append(b.strings, 0)
	b.strOffs[name] = off
	return off
}

func (b *treeBuilder) finish() []byte {
	strct := format.AppendU32(b.strct, format.TokenEnd)

	rsvOff := format.AlignUp(format.HeaderSize, format.MemRsvAlignment)
	structOff := rsvOff + format.MemRsvEntrySize
	strOff := structOff + len(strct)
	total := strOff + len(b.strings)

	blob := make([]byte, total)
	h := format.HeaderView(blob)
	h.SetMagic(format.Magic)
	h.SetVersion(format.Version)
	h.SetLastCompVersion(format.LastCompVersion)
	h.SetTotalSize(total)
	h.SetOffMemRsvmap(rsvOff)
	h.SetOffDtStruct(structOff)
	h.SetSizeDtStruct(len(strct))
	h.SetOffDtStrings(strOff)
	h.SetSizeDtStrings(len(b.strings))
	copy(blob[structOff:], strct)
	copy(blob[strOff:], b.strings)
	return blob
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func hex(v uint64) string {
	if v == 0 {
		return "0"
	}
	const digits = "0123456789abcdef"
	var buf [16]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}
