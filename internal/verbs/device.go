package verbs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/cxiverbs/internal/transport"
)

// Default filesystem roots.
const (
	DefaultSysfsRoot = "/sys"
	DefaultDevRoot   = "/dev/infiniband"
)

// Opener opens the command channel for a device.
type Opener func(dev *Device) (transport.Conn, error)

// Device is one uverbs device as seen in sysfs.
type Device struct {
	Name       string // uverbsN
	IBDevName  string // kernel RDMA device name, e.g. cxi_0
	DevPath    string
	SysfsPath  string
	ABIVersion int
	VendorID   uint16
	DeviceID   uint16
	NodeGUID   string
	FWVer      string

	// Opener overrides how the device is opened. Nil means the character
	// device at DevPath.
	Opener Opener
}

// Open opens a command channel to the device.
func (d *Device) Open() (transport.Conn, error) {
	if d.Opener != nil {
		return d.Opener(d)
	}
	return transport.Open(d.DevPath)
}

func (d *Device) String() string {
	return fmt.Sprintf("%s(%s %04x:%04x abi=%d)", d.IBDevName, d.Name, d.VendorID, d.DeviceID, d.ABIVersion)
}

// DiscoverDevices lists the uverbs devices under sysfsRoot. Devices whose
// attributes cannot be read are skipped.
func DiscoverDevices(sysfsRoot, devRoot string) ([]*Device, error) {
	classPath := filepath.Join(sysfsRoot, "class", "infiniband_verbs")
	entries, err := os.ReadDir(classPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", classPath).Msg("No uverbs devices found in sysfs")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", classPath, err)
	}

	var devices []*Device
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "uverbs") {
			continue
		}
		dev, err := readDevice(classPath, entry.Name(), sysfsRoot, devRoot)
		if err != nil {
			log.Warn().Str("device", entry.Name()).Err(err).Msg("Skipping uverbs device")
			continue
		}
		log.Debug().Str("device", dev.IBDevName).Str("uverbs", dev.Name).Msg("Found uverbs device")
		devices = append(devices, dev)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return devices, nil
}

func readDevice(classPath, name, sysfsRoot, devRoot string) (*Device, error) {
	sysPath := filepath.Join(classPath, name)
	dev := &Device{
		Name:      name,
		DevPath:   filepath.Join(devRoot, name),
		SysfsPath: sysPath,
	}

	dev.IBDevName = readSysfsFile(filepath.Join(sysPath, "ibdev"))
	if dev.IBDevName == "" {
		return nil, fmt.Errorf("missing ibdev attribute")
	}

	abi, err := strconv.Atoi(readSysfsFile(filepath.Join(sysPath, "abi_version")))
	if err != nil {
		return nil, fmt.Errorf("invalid abi_version: %w", err)
	}
	dev.ABIVersion = abi

	vendor, err := parseHex16(readSysfsFile(filepath.Join(sysPath, "device", "vendor")))
	if err != nil {
		return nil, fmt.Errorf("invalid vendor id: %w", err)
	}
	device, err := parseHex16(readSysfsFile(filepath.Join(sysPath, "device", "device")))
	if err != nil {
		return nil, fmt.Errorf("invalid device id: %w", err)
	}
	dev.VendorID = vendor
	dev.DeviceID = device

	ibPath := filepath.Join(sysfsRoot, "class", "infiniband", dev.IBDevName)
	dev.NodeGUID = readSysfsFile(filepath.Join(ibPath, "node_guid"))
	dev.FWVer = readSysfsFile(filepath.Join(ibPath, "fw_ver"))

	return dev, nil
}

// readSysfsFile reads a sysfs attribute and returns its trimmed content, or
// the empty string if it cannot be read.
func readSysfsFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func parseHex16(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
