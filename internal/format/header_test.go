package format

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// minimalHeader builds a header for an empty-ish blob:
// header(40) + rsvmap terminator(16) + struct(16) + no strings.
func minimalHeader(t *testing.T) []byte {
	t.Helper()
	buf := make([]byte, 128)
	h := HeaderView(buf)
	h.SetMagic(Magic)
	h.SetVersion(Version)
	h.SetLastCompVersion(LastCompVersion)
	h.SetOffMemRsvmap(HeaderSize)
	h.SetOffDtStruct(HeaderSize + MemRsvEntrySize)
	h.SetSizeDtStruct(16)
	h.SetOffDtStrings(HeaderSize + MemRsvEntrySize + 16)
	h.SetSizeDtStrings(0)
	h.SetTotalSize(HeaderSize + MemRsvEntrySize + 16)
	return buf
}

func TestHeaderValidate_OK(t *testing.T) {
	buf := minimalHeader(t)
	h, err := ParseHeader(buf)
	require.NoError(t, err)
	require.Equal(t, HeaderOK, h.Validate(len(buf)))
}

func TestHeaderValidate_BadMagic(t *testing.T) {
	buf := minimalHeader(t)
	PutU32(buf, MagicOffset, 0xdeadbeef)
	_, err := ParseHeader(buf)
	require.Error(t, err)

	h := HeaderView(buf)
	require.Equal(t, HeaderBadMagic, h.Validate(len(buf)))
}

func TestHeaderValidate_BadVersion(t *testing.T) {
	buf := minimalHeader(t)
	h := HeaderView(buf)
	h.SetVersion(16)
	require.Equal(t, HeaderBadVersion, h.Validate(len(buf)))
}

func TestHeaderValidate_Truncated(t *testing.T) {
	buf := minimalHeader(t)
	h := HeaderView(buf)

	// declared size beyond capacity
	h.SetTotalSize(len(buf) + 1)
	require.Equal(t, HeaderTruncated, h.Validate(len(buf)))

	// struct block sticking out of the declared size
	h.SetTotalSize(HeaderSize + MemRsvEntrySize + 16)
	h.SetSizeDtStruct(4096)
	require.Equal(t, HeaderTruncated, h.Validate(len(buf)))
}

func TestHeaderValidate_BadLayout(t *testing.T) {
	buf := minimalHeader(t)
	h := HeaderView(buf)

	// strings block overlapping the struct block
	h.SetOffDtStrings(h.OffDtStruct())
	require.Equal(t, HeaderBadLayout, h.Validate(len(buf)))
}

func TestHeaderValidate_BadAlignment(t *testing.T) {
	buf := minimalHeader(t)
	h := HeaderView(buf)
	h.SetOffDtStruct(h.OffDtStruct() + 2)
	require.Equal(t, HeaderBadAlignment, h.Validate(len(buf)))
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, AlignUp(0, 4))
	require.Equal(t, 4, AlignUp(1, 4))
	require.Equal(t, 4, AlignUp(4, 4))
	require.Equal(t, 8, AlignUp(5, 4))
	require.Equal(t, 48, AlignUp(41, 8))
}
