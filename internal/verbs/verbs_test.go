package verbs

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/cxiverbs/internal/transport"
	"golang.org/x/sys/unix"
)

// fakeConn records requests and answers them with canned outputs.
type fakeConn struct {
	requests []*transport.Request
	outputs  map[uint16][]byte
	err      error
	closed   bool
}

func (f *fakeConn) Execute(req *transport.Request) error {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return f.err
	}
	for id, b := range f.outputs {
		if a := req.Attr(id); a != nil && a.Kind == transport.AttrOut {
			a.SetOutput(b)
		}
	}
	return nil
}

func (f *fakeConn) Map(int64, int) ([]byte, error) { return nil, unix.ENOSYS }
func (f *fakeConn) Unmap([]byte) error             { return nil }
func (f *fakeConn) Close() error                   { f.closed = true; return nil }

func TestUAPISizes(t *testing.T) {
	cases := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"GetContextResp", unsafe.Sizeof(GetContextResp{}), 8},
		{"QueryDeviceResp", unsafe.Sizeof(QueryDeviceResp{}), 176},
		{"QueryPortCmd", unsafe.Sizeof(QueryPortCmd{}), 16},
		{"QueryPortResp", unsafe.Sizeof(QueryPortResp{}), 40},
		{"RegMRCmd", unsafe.Sizeof(RegMRCmd{}), 40},
		{"RegMRResp", unsafe.Sizeof(RegMRResp{}), 12},
		{"CreateCQCmd", unsafe.Sizeof(CreateCQCmd{}), 32},
		{"DestroyCQCmd", unsafe.Sizeof(DestroyCQCmd{}), 16},
		{"CreateQPCmd", unsafe.Sizeof(CreateQPCmd{}), 56},
		{"CreateQPResp", unsafe.Sizeof(CreateQPResp{}), 32},
		{"QPDest", unsafe.Sizeof(QPDest{}), 32},
		{"ModifyQPCmd", unsafe.Sizeof(ModifyQPCmd{}), 112},
		{"QueryQPResp", unsafe.Sizeof(QueryQPResp{}), 128},
		{"AHAttrWire", unsafe.Sizeof(AHAttrWire{}), 32},
		{"CreateAHCmd", unsafe.Sizeof(CreateAHCmd{}), 56},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.got, tc.name)
	}
}

func TestInvokeWriteRequest(t *testing.T) {
	core := make([]byte, 8)
	resp := make([]byte, 4)
	req := NewInvokeWrite(CmdAllocPDNum, core, resp, UData{Out: make([]byte, 12)})

	assert.Equal(t, ObjectDevice, req.Object)
	assert.Equal(t, MethodInvokeWrite, req.Method)
	require.Len(t, req.Attrs, 4)
	assert.Nil(t, req.Attr(AttrUHWIn))
	require.NotNil(t, req.Attr(AttrUHWOut))

	num, ok := WriteCmdOf(req)
	require.True(t, ok)
	assert.Equal(t, CmdAllocPDNum, num)
	assert.Equal(t, "alloc_pd", RequestName(req))

	other := transport.NewRequest(0x1000, 0x1001, 0)
	_, ok = WriteCmdOf(other)
	assert.False(t, ok)
	assert.Equal(t, "ioctl", RequestName(other))
}

func TestCmdAllocPD(t *testing.T) {
	out := make([]byte, 4)
	binary.NativeEndian.PutUint32(out, 17)
	conn := &fakeConn{outputs: map[uint16][]byte{AttrCoreOut: out}}
	c := &Context{Conn: conn}

	var pd PD
	require.NoError(t, CmdAllocPD(c, &pd, UData{}))
	assert.Equal(t, uint32(17), pd.Handle)
	assert.Same(t, c, pd.Context)

	require.Len(t, conn.requests, 1)
	num, _ := WriteCmdOf(conn.requests[0])
	assert.Equal(t, CmdAllocPDNum, num)
}

func TestCmdErrorPassthrough(t *testing.T) {
	conn := &fakeConn{err: unix.EPERM}
	c := &Context{Conn: conn}

	var pd PD
	err := CmdAllocPD(c, &pd, UData{})
	assert.Equal(t, unix.EPERM, err)
	assert.Zero(t, pd.Handle)

	var mr MR
	err = CmdRegMR(&PD{Context: c}, nil, 0, AccessLocalWrite, &mr, UData{})
	assert.ErrorIs(t, err, unix.EINVAL)
	assert.Len(t, conn.requests, 1, "validation failure must not reach the kernel")
}

func TestValidTransition(t *testing.T) {
	assert.True(t, ValidTransition(QPStateReset, QPStateInit))
	assert.True(t, ValidTransition(QPStateInit, QPStateRTR))
	assert.True(t, ValidTransition(QPStateRTR, QPStateRTS))
	assert.True(t, ValidTransition(QPStateRTS, QPStateSQD))
	assert.True(t, ValidTransition(QPStateSQE, QPStateRTS))
	assert.True(t, ValidTransition(QPStateRTS, QPStateErr))
	assert.True(t, ValidTransition(QPStateErr, QPStateReset))

	assert.False(t, ValidTransition(QPStateReset, QPStateRTS))
	assert.False(t, ValidTransition(QPStateInit, QPStateRTS))
	assert.False(t, ValidTransition(QPStateErr, QPStateRTS))

	assert.Equal(t, "RTS", QPStateRTS.String())
	assert.Equal(t, "QPState(9)", QPState(9).String())
}

func writeSysfs(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content+"\n"), 0o644))
	}
}

func TestDiscoverDevices(t *testing.T) {
	root := t.TempDir()
	writeSysfs(t, root, map[string]string{
		"class/infiniband_verbs/uverbs1/ibdev":         "cxi_1",
		"class/infiniband_verbs/uverbs1/abi_version":   "1",
		"class/infiniband_verbs/uverbs1/device/vendor": "0x17db",
		"class/infiniband_verbs/uverbs1/device/device": "0x0501",
		"class/infiniband_verbs/uverbs0/ibdev":         "cxi_0",
		"class/infiniband_verbs/uverbs0/abi_version":   "1",
		"class/infiniband_verbs/uverbs0/device/vendor": "0x1590",
		"class/infiniband_verbs/uverbs0/device/device": "0x0371",
		"class/infiniband/cxi_0/node_guid":             "0002:c903:0000:0001",
		"class/infiniband/cxi_0/fw_ver":                "1.5.0",
		// Broken entry: no abi_version.
		"class/infiniband_verbs/uverbs2/ibdev": "mlx5_0",
		"class/infiniband_verbs/abi_version":   "6",
	})

	devs, err := DiscoverDevices(root, "/dev/infiniband")
	require.NoError(t, err)
	require.Len(t, devs, 2)

	assert.Equal(t, "uverbs0", devs[0].Name)
	assert.Equal(t, "cxi_0", devs[0].IBDevName)
	assert.Equal(t, uint16(0x1590), devs[0].VendorID)
	assert.Equal(t, uint16(0x0371), devs[0].DeviceID)
	assert.Equal(t, 1, devs[0].ABIVersion)
	assert.Equal(t, "/dev/infiniband/uverbs0", devs[0].DevPath)
	assert.Equal(t, "1.5.0", devs[0].FWVer)
	assert.Equal(t, "0002:c903:0000:0001", devs[0].NodeGUID)

	assert.Equal(t, "cxi_1", devs[1].IBDevName)
	assert.Empty(t, devs[1].FWVer)
}

func TestDiscoverDevicesNoSysfs(t *testing.T) {
	devs, err := DiscoverDevices(t.TempDir(), DefaultDevRoot)
	require.NoError(t, err)
	assert.Empty(t, devs)
}

func testDriver(name string, alloc func(*Device, transport.Conn) (ContextOps, error)) *Driver {
	return &Driver{
		Name:         name,
		MatchTable:   []MatchEntry{{VendorID: 0x1590, DeviceID: 0x0371, Name: "test"}},
		MatchMinABI:  1,
		MatchMaxABI:  1,
		AllocContext: alloc,
	}
}

func TestDriverMatch(t *testing.T) {
	drv := testDriver("match", nil)

	e, err := drv.Match(&Device{VendorID: 0x1590, DeviceID: 0x0371, ABIVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, "test", e.Name)

	_, err = drv.Match(&Device{VendorID: 0x1590, DeviceID: 0x0371, ABIVersion: 2})
	assert.ErrorIs(t, err, ErrABIMismatch)
	assert.ErrorIs(t, err, unix.EPROTONOSUPPORT)

	_, err = drv.Match(&Device{VendorID: 0x15b3, DeviceID: 0x1017, ABIVersion: 1})
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestRegisterDuplicate(t *testing.T) {
	drv := testDriver("dup-test", nil)
	require.NoError(t, Register(drv))
	defer Unregister(drv.Name)

	err := Register(testDriver("dup-test", nil))
	assert.ErrorIs(t, err, ErrDriverExists)
}

func TestOpenDeviceABIMismatchSkipsEntryPoints(t *testing.T) {
	called := false
	drv := testDriver("abi-test", func(*Device, transport.Conn) (ContextOps, error) {
		called = true
		return nil, nil
	})
	require.NoError(t, Register(drv))
	defer Unregister(drv.Name)

	opened := false
	dev := &Device{
		IBDevName:  "cxi_0",
		VendorID:   0x1590,
		DeviceID:   0x0371,
		ABIVersion: 0,
		Opener: func(*Device) (transport.Conn, error) {
			opened = true
			return &fakeConn{}, nil
		},
	}

	_, err := OpenDevice(dev)
	assert.ErrorIs(t, err, ErrABIMismatch)
	assert.False(t, opened)
	assert.False(t, called)
}

func TestOpenDeviceClosesConnOnAllocFailure(t *testing.T) {
	drv := testDriver("fail-test", func(*Device, transport.Conn) (ContextOps, error) {
		return nil, unix.ENOMEM
	})
	require.NoError(t, Register(drv))
	defer Unregister(drv.Name)

	conn := &fakeConn{}
	dev := &Device{
		IBDevName:  "cxi_0",
		VendorID:   0x1590,
		DeviceID:   0x0371,
		ABIVersion: 1,
		Opener:     func(*Device) (transport.Conn, error) { return conn, nil },
	}

	_, err := OpenDevice(dev)
	assert.True(t, errors.Is(err, unix.ENOMEM))
	assert.True(t, conn.closed)
}

func TestCQEventCounter(t *testing.T) {
	var cq CQ
	cq.AckEvent()
	cq.AckEvent()
	assert.Equal(t, uint32(2), cq.CompEvents())
}
