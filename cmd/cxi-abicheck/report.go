package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/cxiverbs/internal/abi"
	"github.com/yuuki/cxiverbs/internal/verbs"
	"github.com/yuuki/cxiverbs/pkg/cxidv"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// maxProbes bounds how many devices are opened at once.
const maxProbes = 4

// Report is everything the tool prints.
type Report struct {
	ABIVersion int            `yaml:"abi_version"`
	DVVersion  string         `yaml:"dv_version"`
	Structs    []StructLayout `yaml:"structs,omitempty"`
	Devices    []DeviceReport `yaml:"devices,omitempty"`
}

type StructLayout struct {
	Name   string        `yaml:"name"`
	Size   uintptr       `yaml:"size"`
	Fields []FieldLayout `yaml:"fields"`
}

type FieldLayout struct {
	Name   string  `yaml:"name"`
	Offset uintptr `yaml:"offset"`
	Size   uintptr `yaml:"size"`
}

// DeviceReport is the match result of one uverbs device. Caps is only set
// when the device was probed.
type DeviceReport struct {
	Name       string `yaml:"name"`
	IBDev      string `yaml:"ibdev"`
	PCI        string `yaml:"pci"`
	ABIVersion int    `yaml:"abi_version"`
	Driver     string `yaml:"driver,omitempty"`
	Match      string `yaml:"match,omitempty"`
	Caps       string `yaml:"caps,omitempty"`
	Error      string `yaml:"error,omitempty"`
}

var abiRecords = []any{
	abi.AllocUcontextCmd{},
	abi.AllocUcontextResp{},
	abi.AllocPDResp{},
	abi.CreateCQCmd{},
	abi.CreateCQResp{},
	abi.CreateQPCmd{},
	abi.CreateQPResp{},
	abi.RegMRCmd{},
	abi.RegMRResp{},
	abi.CreateAHResp{},
	abi.Method1Resp{},
	abi.Method2Resp{},
	abi.Method3Resp{},
	abi.DeviceAttr{},
	abi.Method1Attr{},
	abi.Method2Attr{},
	abi.Method3Attr{},
}

// Layouts returns the byte layout of every ABI record.
func Layouts() []StructLayout {
	out := make([]StructLayout, 0, len(abiRecords))
	for _, rec := range abiRecords {
		t := reflect.TypeOf(rec)
		l := StructLayout{Name: t.Name(), Size: t.Size()}
		for _, f := range abi.Fields(rec) {
			l.Fields = append(l.Fields, FieldLayout{Name: f.Name, Offset: f.Offset, Size: f.Size})
		}
		out = append(out, l)
	}
	return out
}

// MatchDevices reports the registry match of every device. With probe set,
// matched devices are opened concurrently and their capabilities queried.
func MatchDevices(ctx context.Context, devices []*verbs.Device, probe bool) ([]DeviceReport, error) {
	reports := make([]DeviceReport, len(devices))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxProbes)
	for i, dev := range devices {
		i, dev := i, dev
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			reports[i] = matchDevice(dev, probe)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

func matchDevice(dev *verbs.Device, probe bool) DeviceReport {
	r := DeviceReport{
		Name:       dev.Name,
		IBDev:      dev.IBDevName,
		PCI:        fmt.Sprintf("%04x:%04x", dev.VendorID, dev.DeviceID),
		ABIVersion: dev.ABIVersion,
	}

	drv, entry, err := verbs.FindDriver(dev)
	if err != nil {
		if !errors.Is(err, verbs.ErrNoMatch) {
			r.Error = err.Error()
		}
		return r
	}
	r.Driver = drv.Name
	r.Match = entry.Name
	if !probe {
		return r
	}

	caps, err := probeDevice(dev)
	if err != nil {
		log.Warn().Str("device", dev.IBDevName).Err(err).Msg("Probe failed")
		r.Error = err.Error()
		return r
	}
	r.Caps = caps
	return r
}

func probeDevice(dev *verbs.Device) (string, error) {
	ctx, err := verbs.OpenDevice(dev)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := ctx.FreeContext(); err != nil {
			log.Warn().Str("device", dev.IBDevName).Err(err).Msg("Failed to free context")
		}
	}()

	var attr cxidv.DeviceAttr
	if err := cxidv.QueryDevice(ctx, &attr, cxidv.Size[cxidv.DeviceAttr]()); err != nil {
		return "", err
	}
	return cxidv.DeviceCap(attr.DeviceCaps).String(), nil
}

// WriteYAML encodes r as YAML.
func WriteYAML(w io.Writer, r *Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return enc.Close()
}

// WriteText prints r as aligned tables.
func WriteText(w io.Writer, r *Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "abi_version\t%d\n", r.ABIVersion)
	fmt.Fprintf(tw, "dv_version\t%s\n", r.DVVersion)

	for _, s := range r.Structs {
		fmt.Fprintf(tw, "\n%s\tsize=%d\n", s.Name, s.Size)
		for _, f := range s.Fields {
			fmt.Fprintf(tw, "  %s\t%d\t%d\n", f.Name, f.Offset, f.Size)
		}
	}

	if len(r.Devices) > 0 {
		fmt.Fprintf(tw, "\nDEVICE\tIBDEV\tPCI\tABI\tDRIVER\tMATCH\tCAPS\tERROR\n")
		for _, d := range r.Devices {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
				d.Name, d.IBDev, d.PCI, d.ABIVersion, orDash(d.Driver), orDash(d.Match), orDash(d.Caps), orDash(d.Error))
		}
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
