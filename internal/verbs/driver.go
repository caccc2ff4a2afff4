package verbs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/cxiverbs/internal/transport"
	"golang.org/x/sys/unix"
)

var (
	// ErrNoMatch is returned when no registered driver claims a device.
	ErrNoMatch = fmt.Errorf("verbs: no driver matches device: %w", unix.ENODEV)
	// ErrABIMismatch is returned when a driver claims a device by PCI id but
	// does not support the device's ABI version.
	ErrABIMismatch = fmt.Errorf("verbs: unsupported ABI version: %w", unix.EPROTONOSUPPORT)
	// ErrForeignResource is returned when a resource created by another
	// provider is passed to an operation.
	ErrForeignResource = fmt.Errorf("verbs: resource does not belong to this provider: %w", unix.EINVAL)
	// ErrDriverExists is returned when a driver name is registered twice.
	ErrDriverExists = fmt.Errorf("verbs: driver already registered: %w", unix.EEXIST)
)

// MatchEntry is one PCI vendor/device pair a driver claims.
type MatchEntry struct {
	VendorID uint16
	DeviceID uint16
	Name     string
}

// Driver is a provider registration record.
type Driver struct {
	Name        string
	MatchTable  []MatchEntry
	MatchMinABI int
	MatchMaxABI int
	// AllocContext builds a provider context on an open command channel. It
	// owns conn on success; on failure the framework closes it.
	AllocContext func(dev *Device, conn transport.Conn) (ContextOps, error)
}

// Match returns the entry that claims dev. A PCI match outside the driver's
// ABI range is reported as ErrABIMismatch.
func (d *Driver) Match(dev *Device) (*MatchEntry, error) {
	for i := range d.MatchTable {
		e := &d.MatchTable[i]
		if e.VendorID != dev.VendorID || e.DeviceID != dev.DeviceID {
			continue
		}
		if dev.ABIVersion < d.MatchMinABI || dev.ABIVersion > d.MatchMaxABI {
			return nil, fmt.Errorf("%s abi_version %d not in [%d, %d]: %w",
				dev.IBDevName, dev.ABIVersion, d.MatchMinABI, d.MatchMaxABI, ErrABIMismatch)
		}
		return e, nil
	}
	return nil, ErrNoMatch
}

var registry struct {
	sync.RWMutex
	drivers []*Driver
}

// Register adds a driver to the process-wide registry.
func Register(d *Driver) error {
	registry.Lock()
	defer registry.Unlock()
	for _, existing := range registry.drivers {
		if existing.Name == d.Name {
			return fmt.Errorf("%s: %w", d.Name, ErrDriverExists)
		}
	}
	registry.drivers = append(registry.drivers, d)
	log.Debug().Str("driver", d.Name).Int("match_entries", len(d.MatchTable)).Msg("Registered verbs driver")
	return nil
}

// Unregister removes a driver by name.
func Unregister(name string) {
	registry.Lock()
	defer registry.Unlock()
	for i, d := range registry.drivers {
		if d.Name == name {
			registry.drivers = append(registry.drivers[:i], registry.drivers[i+1:]...)
			return
		}
	}
}

// Drivers returns a snapshot of the registered drivers.
func Drivers() []*Driver {
	registry.RLock()
	defer registry.RUnlock()
	return append([]*Driver(nil), registry.drivers...)
}

// FindDriver returns the first registered driver that claims dev. An ABI
// mismatch is returned only when no other driver matches.
func FindDriver(dev *Device) (*Driver, *MatchEntry, error) {
	var mismatch error
	for _, d := range Drivers() {
		e, err := d.Match(dev)
		if err == nil {
			return d, e, nil
		}
		if errors.Is(err, ErrABIMismatch) && mismatch == nil {
			mismatch = err
		}
	}
	if mismatch != nil {
		return nil, nil, mismatch
	}
	return nil, nil, fmt.Errorf("%s: %w", dev, ErrNoMatch)
}

// OpenDevice matches dev against the registry, opens its command channel and
// allocates a provider context. No provider entry point runs unless the
// device matched.
func OpenDevice(dev *Device) (ContextOps, error) {
	drv, entry, err := FindDriver(dev)
	if err != nil {
		return nil, err
	}

	conn, err := dev.Open()
	if err != nil {
		return nil, err
	}

	ctx, err := drv.AllocContext(dev, conn)
	if err != nil {
		if cerr := conn.Close(); cerr != nil {
			log.Warn().Str("device", dev.IBDevName).Err(cerr).Msg("Failed to close command channel")
		}
		return nil, err
	}

	log.Debug().
		Str("device", dev.IBDevName).
		Str("driver", drv.Name).
		Str("match", entry.Name).
		Msg("Opened device context")
	return ctx, nil
}
