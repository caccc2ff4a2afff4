package cxidv_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/cxiverbs/internal/simkernel"
	"github.com/yuuki/cxiverbs/internal/verbs"
	"github.com/yuuki/cxiverbs/pkg/cxidv"
	"golang.org/x/sys/unix"
)

func openSim(t *testing.T) verbs.ContextOps {
	t.Helper()
	k := simkernel.New(simkernel.DefaultConfig())
	ctx, err := verbs.OpenDevice(k.Device("cxi_0"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.FreeContext() })
	return ctx
}

func TestVersion(t *testing.T) {
	assert.Equal(t, "1.0.0", cxidv.Version())
	assert.True(t, cxidv.IsSupported(&verbs.Device{IBDevName: "cxi_1"}))
	assert.False(t, cxidv.IsSupported(&verbs.Device{IBDevName: "rxe0"}))
}

func TestFieldAvailable(t *testing.T) {
	assert.False(t, cxidv.FieldAvailable[cxidv.Method2Attr]("CompMask", 0))
	assert.True(t, cxidv.FieldAvailable[cxidv.Method2Attr]("CompMask", 8))
	assert.True(t, cxidv.FieldAvailable[cxidv.Method2Attr]("IOVA", 24))
	assert.False(t, cxidv.FieldAvailable[cxidv.Method2Attr]("Length", 24))
	assert.False(t, cxidv.FieldAvailable[cxidv.Method2Attr]("NoSuchField", 1024))

	for _, name := range []string{"CompMask", "MaxSQWR", "DeviceCaps", "MaxRDMASize"} {
		assert.True(t, cxidv.FieldAvailable[cxidv.DeviceAttr](name, cxidv.Size[cxidv.DeviceAttr]()), name)
	}
	assert.Equal(t, uint32(40), cxidv.Size[cxidv.Method2Attr]())
}

func TestQueries(t *testing.T) {
	ctx := openSim(t)

	var dev cxidv.DeviceAttr
	require.NoError(t, cxidv.QueryDevice(ctx, &dev, cxidv.Size[cxidv.DeviceAttr]()))
	assert.True(t, cxidv.DeviceCap(dev.DeviceCaps).Has(cxidv.CapRDMAWrite))
	assert.NotZero(t, dev.MaxSQWR)

	var info cxidv.Method1Attr
	require.NoError(t, cxidv.Method1(ctx, &info, cxidv.Size[cxidv.Method1Attr]()))
	assert.Equal(t, simkernel.DefaultConfig().NICAddr, info.NICAddr)

	pd, err := ctx.AllocPD()
	require.NoError(t, err)
	mr, err := ctx.RegMR(pd, make([]byte, 4096), verbs.AccessLocalWrite)
	require.NoError(t, err)
	cq, err := ctx.CreateCQ(8, 0)
	require.NoError(t, err)
	qp, err := ctx.CreateQP(pd, &verbs.QPInitAttr{
		SendCQ: cq,
		RecvCQ: cq,
		Cap:    verbs.QPCap{MaxSendWR: 4, MaxRecvWR: 4, MaxSendSGE: 1, MaxRecvSGE: 1},
		Type:   verbs.QPTypeRC,
	})
	require.NoError(t, err)

	mrAttr, err := cxidv.QueryMR(mr)
	require.NoError(t, err)
	assert.NotZero(t, mrAttr.MDHandle)
	assert.NotEqual(t, mr.VerbsMR().LKey, mrAttr.MDHandle, "descriptor handle comes from the vendor response")
	assert.Equal(t, uint64(4096), mrAttr.Length)

	qpAttr, err := cxidv.QueryQP(qp)
	require.NoError(t, err)
	assert.NotZero(t, qpAttr.TXQHandle)

	var short cxidv.Method3Attr
	require.NoError(t, cxidv.Method3(qp, &short, 12))
	assert.Zero(t, short.TGQHandle)

	require.NoError(t, ctx.DestroyQP(qp))
	require.NoError(t, ctx.DestroyCQ(cq))
	require.NoError(t, ctx.DeregMR(mr))
	require.NoError(t, ctx.DeallocPD(pd))
}

func TestErrno(t *testing.T) {
	assert.Zero(t, cxidv.Errno(nil))
	assert.Equal(t, int(unix.EINVAL), cxidv.Errno(unix.EINVAL))
	assert.Equal(t, int(unix.ENOMEM), cxidv.Errno(fmt.Errorf("wrapped: %w", unix.ENOMEM)))
	assert.Equal(t, int(unix.EIO), cxidv.Errno(fmt.Errorf("no code")))

	ctx := openSim(t)
	var attr cxidv.DeviceAttr
	assert.Equal(t, int(unix.EINVAL), cxidv.Errno(cxidv.QueryDevice(ctx, &attr, 0)))
}
