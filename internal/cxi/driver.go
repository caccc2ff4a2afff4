package cxi

import (
	"github.com/rs/zerolog/log"
	"github.com/yuuki/cxiverbs/internal/abi"
	"github.com/yuuki/cxiverbs/internal/config"
	"github.com/yuuki/cxiverbs/internal/telemetry"
	"github.com/yuuki/cxiverbs/internal/transport"
	"github.com/yuuki/cxiverbs/internal/verbs"
)

// Name is the driver name in the registry.
const Name = "cxi"

// MatchTable lists the devices the driver claims.
var MatchTable = []verbs.MatchEntry{
	{VendorID: 0x1590, DeviceID: 0x0371, Name: "cassini2"},
	{VendorID: 0x17db, DeviceID: 0x0501, Name: "cassini1"},
}

// NewDriver returns a registration record whose contexts use opts.
func NewDriver(opts Options) *verbs.Driver {
	return &verbs.Driver{
		Name:        Name,
		MatchTable:  MatchTable,
		MatchMinABI: abi.Version,
		MatchMaxABI: abi.Version,
		AllocContext: func(dev *verbs.Device, conn transport.Conn) (verbs.ContextOps, error) {
			ctx, err := NewContext(dev, conn, opts)
			if err != nil {
				return nil, err
			}
			return ctx, nil
		},
	}
}

// Install replaces the registered cxi driver with one using opts.
func Install(opts Options) error {
	verbs.Unregister(Name)
	return verbs.Register(NewDriver(opts))
}

// OptionsFromConfig builds driver options from the provider configuration.
func OptionsFromConfig(cfg *config.ProviderConfig, m *telemetry.Metrics) Options {
	opts := DefaultOptions()
	if cfg != nil {
		opts.QPTableSize = cfg.QPTableSize
		opts.CQESize = cfg.CQESize
	}
	opts.Metrics = m
	return opts.withDefaults()
}

func init() {
	if err := verbs.Register(NewDriver(DefaultOptions())); err != nil {
		log.Error().Str("driver", Name).Err(err).Msg("Failed to register driver")
	}
}
