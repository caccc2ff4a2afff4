package transport

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestWireLayout(t *testing.T) {
	assert.Equal(t, 24, ioctlHdrSize)
	assert.Equal(t, 16, ioctlAttrSize)
	assert.Equal(t, uintptr(0xC0181B01), uintptr(rdmaVerbsIoctl))
}

func TestRequestBuilder(t *testing.T) {
	out := make([]byte, 16)
	req := NewRequest(0x1000, 0x1001, 4).
		AddIn(1, []byte{1, 2, 3, 4}).
		AddOut(2, out).
		AddConst(3, 42).
		AddObj(4, 7)

	require.Len(t, req.Attrs, 4)
	assert.Equal(t, AttrIn, req.Attr(1).Kind)
	assert.Equal(t, AttrFlagMandatory, req.Attr(1).Flags)
	assert.Zero(t, req.Attr(2).Flags)
	assert.Equal(t, uint64(0x04030201), req.Attr(1).Uint64())
	assert.Equal(t, uint64(42), req.Attr(3).Uint64())
	assert.Equal(t, uint64(7), req.Attr(4).Uint64())
	assert.Nil(t, req.Attr(99))
	assert.Equal(t, "obj", req.Attr(4).Kind.String())
}

func TestSetOutputTruncates(t *testing.T) {
	out := make([]byte, 4)
	req := NewRequest(0, 0, 1).AddOut(1, out)
	a := req.Attr(1)

	a.SetOutput([]byte{9, 9, 9, 9, 9, 9, 9, 9})
	assert.True(t, a.Written)
	assert.Equal(t, []byte{9, 9, 9, 9}, out)
	assert.NotZero(t, a.Flags&AttrFlagValidOutput)
}

func TestMarshalRequest(t *testing.T) {
	small := []byte{0xaa, 0xbb}
	large := make([]byte, 24)
	out := make([]byte, 12)
	req := NewRequest(0, 0, 5).
		AddConst(2, 9).
		AddIn(0, small).
		AddIn(0x1000, large).
		AddOut(0x1001, out).
		AddObj(5, 3)

	var pinner runtime.Pinner
	defer pinner.Unpin()
	buf, err := marshalRequest(req, DriverIDUnknown, &pinner)
	require.NoError(t, err)
	require.Len(t, buf, (24+5*16)/8)

	hdr := (*ioctlHdr)(unsafe.Pointer(&buf[0]))
	assert.Equal(t, uint16(24+5*16), hdr.Length)
	assert.Equal(t, uint16(5), hdr.NumAttrs)

	c := wireAttr(buf, 0)
	assert.Equal(t, uint16(2), c.AttrID)
	assert.Equal(t, uint16(8), c.Len)
	assert.Equal(t, uint64(9), c.Data)

	in := wireAttr(buf, 1)
	assert.Equal(t, uint16(2), in.Len)
	var inline [8]byte
	binary.NativeEndian.PutUint64(inline[:], in.Data)
	assert.Equal(t, small, inline[:2])

	ptr := wireAttr(buf, 2)
	assert.Equal(t, uint16(24), ptr.Len)
	assert.Equal(t, uint64(uintptr(unsafe.Pointer(&large[0]))), ptr.Data)

	o := wireAttr(buf, 3)
	assert.Equal(t, uint16(12), o.Len)
	assert.Equal(t, uint64(uintptr(unsafe.Pointer(&out[0]))), o.Data)
	assert.Zero(t, o.Flags)

	obj := wireAttr(buf, 4)
	assert.Zero(t, obj.Len)
	assert.Equal(t, uint64(3), obj.Data)

	// Kernel marks the output as filled.
	o.Flags |= AttrFlagValidOutput
	unmarshalOutputs(req, buf)
	assert.True(t, req.Attr(0x1001).Written)
	assert.False(t, req.Attr(0x1000).Written)
}

func TestMarshalRejectsOversizedAttr(t *testing.T) {
	req := NewRequest(0, 0, 1).AddIn(1, make([]byte, maxAttrLen+1))
	var pinner runtime.Pinner
	defer pinner.Unpin()
	_, err := marshalRequest(req, DriverIDUnknown, &pinner)
	assert.True(t, errors.Is(err, unix.EINVAL))
}

func TestDoorbell(t *testing.T) {
	page := make([]byte, 64)

	_, err := NewDoorbell(page, 2)
	assert.ErrorIs(t, err, unix.EINVAL)
	_, err = NewDoorbell(page, 64)
	assert.ErrorIs(t, err, unix.EINVAL)

	db, err := NewDoorbell(page, 8)
	require.NoError(t, err)
	db.Ring(0x1234)
	assert.Equal(t, uint32(0x1234), db.Load())
	assert.Equal(t, uint32(0x1234), binary.NativeEndian.Uint32(page[8:12]))
	assert.Len(t, db.Page(), 64)
}

func TestAllocBuffer(t *testing.T) {
	_, err := AllocBuffer(0)
	assert.ErrorIs(t, err, unix.EINVAL)

	b, err := AllocBuffer(4096)
	require.NoError(t, err)
	assert.Len(t, b, 4096)
	b[4095] = 1
	assert.NoError(t, b.Free())

	var empty Buffer
	assert.NoError(t, empty.Free())
}

func TestOpenMissingDevice(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "uverbs0"))
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.ENOENT)
}

func TestClosedConn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake")
	require.NoError(t, writeEmpty(path))

	c, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, path, c.Path())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err = c.Execute(NewRequest(0, 0, 0))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, unix.EBADF)
	_, err = c.Map(0, 4096)
	assert.ErrorIs(t, err, ErrClosed)
}

func writeEmpty(path string) error {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	return unix.Close(fd)
}
