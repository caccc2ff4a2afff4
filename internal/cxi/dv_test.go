package cxi

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/cxiverbs/internal/abi"
	"github.com/yuuki/cxiverbs/internal/simkernel"
	"github.com/yuuki/cxiverbs/internal/verbs"
	"golang.org/x/sys/unix"
)

const sentinel = 0xdeadbeef

func TestQueryDevice(t *testing.T) {
	_, ctx := newTestContext(t, DefaultOptions())

	var attr abi.DeviceAttr
	require.NoError(t, QueryDevice(ctx, &attr, uint32(unsafe.Sizeof(attr))))
	assert.Equal(t, ctx.MaxSQWR, attr.MaxSQWR)
	assert.Equal(t, ctx.MaxRQSGE, attr.MaxRQSGE)
	assert.Equal(t, uint32(ctx.DeviceCaps), attr.DeviceCaps)
	assert.Equal(t, ctx.MaxRDMASize, attr.MaxRDMASize)

	// Only comp_mask fits.
	attr = abi.DeviceAttr{MaxSQWR: sentinel}
	require.NoError(t, QueryDevice(ctx, &attr, abi.MinAttrLen))
	assert.Equal(t, uint32(sentinel), attr.MaxSQWR)

	assert.ErrorIs(t, QueryDevice(ctx, &attr, abi.MinAttrLen-1), unix.EINVAL)
	assert.ErrorIs(t, QueryDevice(ctx, nil, 64), unix.EINVAL)
}

func TestMethod1(t *testing.T) {
	k, ctx := newTestContext(t, DefaultOptions())
	cfg := simkernel.DefaultConfig()

	var attr abi.Method1Attr
	require.NoError(t, Method1(ctx, &attr, uint32(unsafe.Sizeof(attr))))
	assert.Equal(t, cfg.NICAddr, attr.NICAddr)
	assert.Equal(t, cfg.PIDGranule, attr.PIDGranule)
	assert.Equal(t, cfg.PIDCount, attr.PIDCount)
	assert.Equal(t, cfg.PIDBits, attr.PIDBits)
	assert.Equal(t, cfg.MinFreeShift, attr.MinFreeShift)
	assert.Equal(t, 1, k.Calls("method1"))

	k.FailNext("method1", unix.EPERM)
	assert.ErrorIs(t, Method1(ctx, &attr, uint32(unsafe.Sizeof(attr))), unix.EPERM)
}

func TestMethod2Truncation(t *testing.T) {
	_, ctx := newTestContext(t, DefaultOptions())
	pd, err := ctx.AllocPD()
	require.NoError(t, err)
	buf := make([]byte, 4096)
	mr, err := ctx.RegMR(pd, buf, verbs.AccessLocalWrite|verbs.AccessRemoteWrite)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ctx.DeregMR(mr)
		_ = ctx.DeallocPD(pd)
	})

	attr := abi.Method2Attr{Length: sentinel, AccessFlags: sentinel}
	inlen := uint32(unsafe.Offsetof(attr.Length))
	require.NoError(t, Method2(mr, &attr, inlen))
	assert.Equal(t, mr.(*MR).MDHandle, attr.MDHandle)
	assert.NotEqual(t, mr.VerbsMR().LKey, attr.MDHandle, "descriptor handle comes from the vendor response")
	assert.Equal(t, uint64(uintptr(unsafe.Pointer(&buf[0]))), attr.IOVA)
	assert.Equal(t, uint64(sentinel), attr.Length, "field past inlen untouched")
	assert.Equal(t, uint32(sentinel), attr.AccessFlags, "field past inlen untouched")

	attr = abi.Method2Attr{}
	require.NoError(t, Method2(mr, &attr, uint32(unsafe.Sizeof(attr))))
	assert.Equal(t, uint64(len(buf)), attr.Length)
	assert.NotZero(t, attr.AccessFlags&abi.MRAccessLocalRead)
	assert.NotZero(t, attr.AccessFlags&abi.MRAccessRemoteWrite)

	assert.ErrorIs(t, Method2(mr, &attr, 4), unix.EINVAL)
	assert.ErrorIs(t, Method2(mr, nil, uint32(unsafe.Sizeof(attr))), unix.EINVAL)
}

func TestMethod2UnknownMR(t *testing.T) {
	_, ctx := newTestContext(t, DefaultOptions())
	pd, err := ctx.AllocPD()
	require.NoError(t, err)
	mr, err := ctx.RegMR(pd, make([]byte, 64), verbs.AccessLocalWrite)
	require.NoError(t, err)
	require.NoError(t, ctx.DeregMR(mr))

	var attr abi.Method2Attr
	assert.ErrorIs(t, Method2(mr, &attr, uint32(unsafe.Sizeof(attr))), unix.ENOENT)
	require.NoError(t, ctx.DeallocPD(pd))
}

func TestMethod3(t *testing.T) {
	_, ctx := newTestContext(t, DefaultOptions())
	_, _, qp := newTestQP(t, ctx, 4)

	var attr abi.Method3Attr
	require.NoError(t, Method3(qp, &attr, uint32(unsafe.Sizeof(attr))))
	assert.NotZero(t, attr.TXQHandle)
	assert.NotEqual(t, attr.TXQHandle, attr.TGQHandle)
	assert.NotEqual(t, attr.TGQHandle, attr.CMDQHandle)
	assert.Equal(t, uint32(verbs.QPStateReset), attr.State)

	require.NoError(t, ctx.ModifyQP(qp, &verbs.QPAttr{State: verbs.QPStateInit}, verbs.QPAttrState))
	attr = abi.Method3Attr{State: sentinel}
	inlen := uint32(unsafe.Offsetof(attr.State))
	require.NoError(t, Method3(qp, &attr, inlen))
	assert.Equal(t, uint32(sentinel), attr.State)

	require.NoError(t, Method3(qp, &attr, uint32(unsafe.Sizeof(attr))))
	assert.Equal(t, uint32(verbs.QPStateInit), attr.State)
}
