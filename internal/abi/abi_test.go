package abi

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type layoutCase struct {
	name   string
	v      any
	size   uintptr
	fields []Field
}

func layoutCases() []layoutCase {
	return []layoutCase{
		{"AllocUcontextCmd", &AllocUcontextCmd{}, 8, []Field{
			{"CompMask", 0, 4}, {"Reserved4", 4, 4},
		}},
		{"AllocUcontextResp", &AllocUcontextResp{}, 12, []Field{
			{"CompMask", 0, 4}, {"UARN", 4, 2}, {"Reserved6", 6, 6},
		}},
		{"AllocPDResp", &AllocPDResp{}, 12, []Field{
			{"CompMask", 0, 4}, {"PDN", 4, 2}, {"Reserved6", 6, 6},
		}},
		{"CreateCQCmd", &CreateCQCmd{}, 16, []Field{
			{"CompMask", 0, 4}, {"CQDepth", 4, 4}, {"EQN", 8, 2}, {"Reserved10", 10, 6},
		}},
		{"CreateCQResp", &CreateCQResp{}, 16, []Field{
			{"CompMask", 0, 4}, {"CQIdx", 4, 2}, {"ActualDepth", 6, 2}, {"DBOff", 8, 4}, {"Reserved12", 12, 4},
		}},
		{"CreateQPCmd", &CreateQPCmd{}, 20, []Field{
			{"CompMask", 0, 4}, {"SQDepth", 4, 4}, {"RQDepth", 8, 4},
			{"SendCQIdx", 12, 2}, {"RecvCQIdx", 14, 2}, {"Reserved16", 16, 4},
		}},
		{"CreateQPResp", &CreateQPResp{}, 24, []Field{
			{"CompMask", 0, 4}, {"QPHandle", 4, 4}, {"QPNum", 8, 4},
			{"SQDBOffset", 12, 4}, {"RQDBOffset", 16, 4}, {"Reserved20", 20, 4},
		}},
		{"RegMRCmd", &RegMRCmd{}, 40, []Field{
			{"CompMask", 0, 4}, {"Start", 8, 8}, {"Length", 16, 8},
			{"VirtAddr", 24, 8}, {"AccessFlags", 32, 4}, {"Reserved36", 36, 4},
		}},
		{"RegMRResp", &RegMRResp{}, 16, []Field{
			{"CompMask", 0, 4}, {"LKey", 4, 4}, {"RKey", 8, 4}, {"Reserved12", 12, 4},
		}},
		{"CreateAHResp", &CreateAHResp{}, 8, []Field{
			{"CompMask", 0, 4}, {"AHN", 4, 2}, {"Reserved6", 6, 2},
		}},
		{"Method1Resp", &Method1Resp{}, 28, []Field{
			{"CompMask", 0, 4}, {"NICAddr", 4, 4}, {"PIDGranule", 8, 4}, {"PIDCount", 12, 4},
			{"PIDBits", 16, 4}, {"MinFreeShift", 20, 4}, {"Reserved24", 24, 4},
		}},
		{"Method2Resp", &Method2Resp{}, 32, []Field{
			{"CompMask", 0, 4}, {"MDHandle", 4, 4}, {"IOVA", 8, 8}, {"Length", 16, 8},
			{"AccessFlags", 24, 4}, {"Reserved28", 28, 4},
		}},
		{"Method3Resp", &Method3Resp{}, 28, []Field{
			{"CompMask", 0, 4}, {"TXQHandle", 4, 4}, {"TGQHandle", 8, 4}, {"CMDQHandle", 12, 4},
			{"EQHandle", 16, 4}, {"State", 20, 4}, {"Reserved24", 24, 4},
		}},
		{"DeviceAttr", &DeviceAttr{}, 32, []Field{
			{"CompMask", 0, 8}, {"MaxSQWR", 8, 4}, {"MaxRQWR", 12, 4}, {"MaxSQSGE", 16, 2},
			{"MaxRQSGE", 18, 2}, {"DeviceCaps", 20, 4}, {"MaxRDMASize", 24, 4}, {"Reserved", 28, 4},
		}},
		{"Method1Attr", &Method1Attr{}, 32, []Field{
			{"CompMask", 0, 8}, {"NICAddr", 8, 4}, {"PIDGranule", 12, 4}, {"PIDCount", 16, 4},
			{"PIDBits", 20, 4}, {"MinFreeShift", 24, 4}, {"Reserved", 28, 4},
		}},
		{"Method2Attr", &Method2Attr{}, 40, []Field{
			{"CompMask", 0, 8}, {"MDHandle", 8, 4}, {"IOVA", 16, 8}, {"Length", 24, 8},
			{"AccessFlags", 32, 4}, {"Reserved", 36, 4},
		}},
		{"Method3Attr", &Method3Attr{}, 32, []Field{
			{"CompMask", 0, 8}, {"TXQHandle", 8, 4}, {"TGQHandle", 12, 4}, {"CMDQHandle", 16, 4},
			{"EQHandle", 20, 4}, {"State", 24, 4}, {"Reserved", 28, 4},
		}},
	}
}

func TestRecordLayout(t *testing.T) {
	for _, tc := range layoutCases() {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.fields, Fields(tc.v)); diff != "" {
				t.Errorf("field layout mismatch (-want +got):\n%s", diff)
			}
			// binary.Size ignores Go alignment, so equality means no implicit padding.
			assert.Equal(t, int(tc.size), binary.Size(tc.v))
		})
	}
}

func TestFieldAvailBounds(t *testing.T) {
	for _, tc := range layoutCases() {
		t.Run(tc.name, func(t *testing.T) {
			for _, f := range Fields(tc.v) {
				assert.False(t, FieldAvail(f.Offset, f.Size, 0), "field %s available at inlen 0", f.Name)
				assert.True(t, FieldAvail(f.Offset, f.Size, uint32(tc.size)), "field %s unavailable at full size", f.Name)
			}
		})
	}
}

func TestFieldAvailEdge(t *testing.T) {
	var a Method2Attr
	off, size := unsafe.Offsetof(a.Length), unsafe.Sizeof(a.Length)

	assert.False(t, FieldAvail(off, size, uint32(off)))
	assert.False(t, FieldAvail(off, size, uint32(off+size-1)))
	assert.True(t, FieldAvail(off, size, uint32(off+size)))
}

func TestEncodeDecode(t *testing.T) {
	resp := CreateQPResp{QPHandle: 7, QPNum: 0x42, SQDBOffset: 0x1000, RQDBOffset: 0x2000}
	b := Encode(&resp)
	require.Len(t, b, int(unsafe.Sizeof(resp)))
	assert.Equal(t, uint32(0x42), binary.NativeEndian.Uint32(b[8:12]))

	var got CreateQPResp
	Decode(b, &got)
	assert.Equal(t, resp, got)

	// A short image only fills the leading fields.
	var short CreateQPResp
	Decode(b[:8], &short)
	assert.Equal(t, uint32(7), short.QPHandle)
	assert.Zero(t, short.QPNum)
}

func TestCopyAvailable(t *testing.T) {
	src := Method2Attr{CompMask: 1, MDHandle: 0xabc, IOVA: 0x1000, Length: 4096, AccessFlags: MRAccessLocalWrite}

	t.Run("full", func(t *testing.T) {
		var dst Method2Attr
		CopyAvailable(&dst, &src, uint32(unsafe.Sizeof(dst)))
		assert.Equal(t, src, dst)
	})

	t.Run("truncated", func(t *testing.T) {
		dst := Method2Attr{Length: 99, AccessFlags: 0x55}
		inlen := uint32(unsafe.Offsetof(dst.Length))
		CopyAvailable(&dst, &src, inlen)

		assert.Equal(t, uint64(1), dst.CompMask)
		assert.Equal(t, uint32(0xabc), dst.MDHandle)
		assert.Equal(t, uint64(0x1000), dst.IOVA)
		// Past inlen: untouched.
		assert.Equal(t, uint64(99), dst.Length)
		assert.Equal(t, uint32(0x55), dst.AccessFlags)
	})

	t.Run("oversized inlen", func(t *testing.T) {
		var dst DeviceAttr
		full := DeviceAttr{MaxSQWR: 16, DeviceCaps: uint32(DeviceCapRDMAWrite)}
		CopyAvailable(&dst, &full, 4096)
		assert.Equal(t, full, dst)
	})
}

func TestDeviceCapString(t *testing.T) {
	assert.Equal(t, "", DeviceCap(0).String())
	c := DeviceCapRDMARead | DeviceCapRDMAWrite | DeviceCapMulticast
	assert.Equal(t, "RDMA_READ,RDMA_WRITE,MULTICAST", c.String())
	assert.True(t, c.Has(DeviceCapRDMARead|DeviceCapRDMAWrite))
	assert.False(t, c.Has(DeviceCapAtomicOps))
}

func TestVendorIDs(t *testing.T) {
	assert.Equal(t, uint16(0x1000), ObjectGeneric)
	assert.Equal(t, uint16(0x1000), Method1)
	assert.Equal(t, uint16(0x1002), Method3)
	assert.Equal(t, uint16(0x1005), AttrMethod2MRHandle)
	assert.Equal(t, uint16(0x100f), AttrMethod3RespState)
}

func TestMethodName(t *testing.T) {
	assert.Equal(t, "method1", MethodName(Method1))
	assert.Equal(t, "method3", MethodName(Method3))
	assert.Empty(t, MethodName(0x10ff))
}
