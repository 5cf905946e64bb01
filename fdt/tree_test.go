package fdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protectedvm/fdtkit/internal/format"
)

func cells(vs ...uint32) []byte {
	var b []byte
	for _, v := range vs {
		b = format.AppendU32(b, v)
	}
	return b
}

func cells64(vs ...uint64) []byte {
	var b []byte
	for _, v := range vs {
		b = format.AppendU64(b, v)
	}
	return b
}

func newTestTree(t *testing.T, size int) *Tree {
	t.Helper()
	tr, err := CreateEmptyTree(make([]byte, size))
	require.NoError(t, err)
	return tr
}

func mustNode(t *testing.T, tr *Tree, path string) Node {
	t.Helper()
	n, err := tr.Node(path)
	require.NoError(t, err)
	return n
}

func mustNodeMut(t *testing.T, tr *Tree, path string) NodeMut {
	t.Helper()
	n, err := tr.NodeMut(path)
	require.NoError(t, err)
	return n
}

// buildDeviceTree assembles a small board-like tree. Subnodes are created
// newest-first since AddSubnode prepends, so document order ends up
// chosen, memory, soc.
func buildDeviceTree(t *testing.T) *Tree {
	t.Helper()
	tr := newTestTree(t, 8192)

	root := tr.RootMut()
	require.NoError(t, root.SetPropU32("#address-cells", 2))
	require.NoError(t, root.SetPropU32("#size-cells", 2))
	require.NoError(t, root.SetPropString("compatible", "test,board"))

	soc, err := root.AddSubnode("soc")
	require.NoError(t, err)
	require.NoError(t, soc.SetPropU32("#address-cells", 1))
	require.NoError(t, soc.SetPropU32("#size-cells", 1))
	uart, err := soc.AddSubnode("uart@3f8")
	require.NoError(t, err)
	require.NoError(t, uart.SetPropString("compatible", "ns16550a"))
	require.NoError(t, uart.SetPropU32("phandle", 7))
	require.NoError(t, uart.SetProp("reg", cells(0x3f8, 8)))

	root = tr.RootMut()
	mem, err := root.AddSubnode("memory")
	require.NoError(t, err)
	require.NoError(t, mem.SetPropString("device_type", "memory"))
	require.NoError(t, mem.SetProp("reg", cells64(0x8000_0000, 0x1000_0000)))

	root = tr.RootMut()
	chosen, err := root.AddSubnode("chosen")
	require.NoError(t, err)
	require.NoError(t, chosen.SetPropString("bootargs", "console=ttyAMA0"))

	return tr
}

func TestCreateEmptyTree(t *testing.T) {
	tr := newTestTree(t, 256)

	root := tr.Root()
	name, err := root.Name()
	require.NoError(t, err)
	assert.Equal(t, "", name)

	path, err := root.Path()
	require.NoError(t, err)
	assert.Equal(t, "/", path)

	assert.Equal(t, 256, tr.TotalSize())

	rsv, err := tr.MemoryReservations()
	require.NoError(t, err)
	assert.Empty(t, rsv)
}

func TestCreateEmptyTreeTooSmall(t *testing.T) {
	_, err := CreateEmptyTree(make([]byte, 40))
	require.ErrorIs(t, err, ErrNoSpace)
}

func TestNodeLookup(t *testing.T) {
	tr := buildDeviceTree(t)

	uart := mustNode(t, tr, "/soc/uart@3f8")
	name, err := uart.Name()
	require.NoError(t, err)
	assert.Equal(t, "uart@3f8", name)

	// A component without a unit address matches the addressed node.
	alias := mustNode(t, tr, "/soc/uart")
	aliasPath, err := alias.Path()
	require.NoError(t, err)
	assert.Equal(t, "/soc/uart@3f8", aliasPath)

	_, err = tr.Node("/soc/spi")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = tr.Node("relative/path")
	require.ErrorIs(t, err, ErrBadPath)

	soc := mustNode(t, tr, "/soc")
	sub, err := soc.Subnode("uart@3f8")
	require.NoError(t, err)
	subName, err := sub.Name()
	require.NoError(t, err)
	assert.Equal(t, "uart@3f8", subName)

	parent, err := sub.Parent()
	require.NoError(t, err)
	parentPath, err := parent.Path()
	require.NoError(t, err)
	assert.Equal(t, "/soc", parentPath)
}

func TestPropReaders(t *testing.T) {
	tr := buildDeviceTree(t)
	chosen, err := tr.Chosen()
	require.NoError(t, err)

	s, err := chosen.PropString("bootargs")
	require.NoError(t, err)
	assert.Equal(t, "console=ttyAMA0", s)

	uart := mustNode(t, tr, "/soc/uart@3f8")
	v, err := uart.PropU32("phandle")
	require.NoError(t, err)
	assert.Equal(t, uint32(7), v)

	mem := mustNode(t, tr, "/memory")
	raw, err := mem.Prop("reg")
	require.NoError(t, err)
	assert.Len(t, raw, 16)

	_, err = uart.PropU64("phandle")
	require.ErrorIs(t, err, ErrBadValue)
	_, err = uart.Prop("missing")
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := uart.HasProp("reg")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = uart.HasProp("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFirstMemoryRange(t *testing.T) {
	tr := buildDeviceTree(t)
	r, err := tr.FirstMemoryRange()
	require.NoError(t, err)
	assert.Equal(t, Range{Start: 0x8000_0000, End: 0x9000_0000}, r)
}

func TestMemoryRequiresDeviceType(t *testing.T) {
	tr := newTestTree(t, 1024)
	root := tr.RootMut()
	mem, err := root.AddSubnode("memory")
	require.NoError(t, err)
	require.NoError(t, mem.SetProp("reg", cells64(0x8000_0000, 0x1000_0000)))

	_, err = tr.Memory()
	require.ErrorIs(t, err, ErrBadValue)
}

func TestPhandleLookup(t *testing.T) {
	tr := buildDeviceTree(t)

	p, err := NewPhandle(7)
	require.NoError(t, err)
	n, err := tr.NodeWithPhandle(p)
	require.NoError(t, err)
	path, err := n.Path()
	require.NoError(t, err)
	assert.Equal(t, "/soc/uart@3f8", path)

	max, err := tr.MaxPhandle()
	require.NoError(t, err)
	assert.Equal(t, Phandle(7), max)

	other, err := NewPhandle(9)
	require.NoError(t, err)
	_, err = tr.NodeWithPhandle(other)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCompatibleNodes(t *testing.T) {
	tr := buildDeviceTree(t)

	var paths []string
	it := tr.CompatibleNodes("ns16550a")
	for it.Next() {
		p, err := it.Node().Path()
		require.NoError(t, err)
		paths = append(paths, p)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"/soc/uart@3f8"}, paths)

	uart := mustNode(t, tr, "/soc/uart@3f8")
	ok, err := uart.IsCompatible("ns16550a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = uart.IsCompatible("pl011")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubnodeAndDescendantIters(t *testing.T) {
	tr := buildDeviceTree(t)

	var children []string
	it := tr.Root().Subnodes()
	for it.Next() {
		name, err := it.Node().Name()
		require.NoError(t, err)
		children = append(children, name)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"chosen", "memory", "soc"}, children)

	var all []string
	depths := map[string]int{}
	dit := tr.Root().Descendants()
	for dit.Next() {
		name, err := dit.Node().Name()
		require.NoError(t, err)
		all = append(all, name)
		depths[name] = dit.Depth()
	}
	require.NoError(t, dit.Err())
	assert.Equal(t, []string{"chosen", "memory", "soc", "uart@3f8"}, all)
	assert.Equal(t, 1, depths["soc"])
	assert.Equal(t, 2, depths["uart@3f8"])
}

func TestPropertyIter(t *testing.T) {
	tr := buildDeviceTree(t)
	uart := mustNode(t, tr, "/soc/uart@3f8")

	var names []string
	it := uart.Properties()
	for it.Next() {
		name, err := it.Property().Name()
		require.NoError(t, err)
		names = append(names, name)
	}
	require.NoError(t, it.Err())
	// new properties are inserted right after the node header, so storage
	// order is the reverse of creation order
	assert.Equal(t, []string{"reg", "phandle", "compatible"}, names)
}

func TestFromSliceRejectsCorruptBlobs(t *testing.T) {
	tr := buildDeviceTree(t)
	require.NoError(t, tr.Pack())
	good := append([]byte(nil), tr.Bytes()...)

	_, err := FromSlice(good)
	require.NoError(t, err)

	bad := append([]byte(nil), good...)
	format.PutU32(bad, format.MagicOffset, 0xdeadbeef)
	_, err = FromSlice(bad)
	require.ErrorIs(t, err, ErrBadMagic)

	bad = append([]byte(nil), good...)
	format.PutU32(bad, format.VersionOffset, 16)
	_, err = FromSlice(bad)
	require.ErrorIs(t, err, ErrBadVersion)

	_, err = FromSlice(good[:20])
	require.ErrorIs(t, err, ErrTruncated)
}

func TestCopyFromSlice(t *testing.T) {
	src := buildDeviceTree(t)
	require.NoError(t, src.Pack())

	dst := newTestTree(t, 8192)
	stale := dst.Root()
	require.NoError(t, dst.CopyFromSlice(src.Bytes()))

	_, err := stale.Name()
	require.ErrorIs(t, err, ErrStaleHandle)

	chosen, err := dst.Chosen()
	require.NoError(t, err)
	s, err := chosen.PropString("bootargs")
	require.NoError(t, err)
	assert.Equal(t, "console=ttyAMA0", s)
}

func TestCopyFromSliceTooLarge(t *testing.T) {
	src := buildDeviceTree(t)
	require.NoError(t, src.Pack())

	dst := newTestTree(t, 64)
	require.ErrorIs(t, dst.CopyFromSlice(src.Bytes()), ErrNoSpace)
}

// TestGoldenBlob parses a hand-assembled blob to pin the wire layout:
// header field offsets, token values, and strings block indirection.
func TestGoldenBlob(t *testing.T) {
	var strct []byte
	strct = format.AppendU32(strct, format.TokenBeginNode)
	strct = append(strct, 0, 0, 0, 0) // root name "" plus padding
	strct = format.AppendU32(strct, format.TokenProp)
	strct = format.AppendU32(strct, 4) // value length
	strct = format.AppendU32(strct, 0) // name offset
	strct = format.AppendU32(strct, 0x11223344)
	strct = format.AppendU32(strct, format.TokenEndNode)
	strct = format.AppendU32(strct, format.TokenEnd)

	strings := append([]byte("magic-prop"), 0)

	rsvOff := 40
	structOff := rsvOff + 16
	strOff := structOff + len(strct)
	blob := make([]byte, strOff+len(strings))
	h := format.HeaderView(blob)
	h.SetMagic(format.Magic)
	h.SetVersion(17)
	h.SetLastCompVersion(16)
	h.SetTotalSize(len(blob))
	h.SetOffMemRsvmap(rsvOff)
	h.SetOffDtStruct(structOff)
	h.SetSizeDtStruct(len(strct))
	h.SetOffDtStrings(strOff)
	h.SetSizeDtStrings(len(strings))
	copy(blob[structOff:], strct)
	copy(blob[strOff:], strings)

	tr, err := FromSlice(blob)
	require.NoError(t, err)
	v, err := tr.Root().PropU32("magic-prop")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x11223344), v)
}

func TestRangeHelpers(t *testing.T) {
	outer := Range{Start: 0x1000, End: 0x2000}
	assert.True(t, Range{Start: 0x1000, End: 0x1800}.IsWithin(outer))
	assert.False(t, Range{Start: 0x800, End: 0x1800}.IsWithin(outer))
	assert.True(t, Range{Start: 0x1800, End: 0x2800}.Overlaps(outer))
	assert.False(t, Range{Start: 0x2000, End: 0x2800}.Overlaps(outer))
	assert.Equal(t, uint64(0x1000), outer.Len())
}
