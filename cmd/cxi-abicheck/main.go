package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/yuuki/cxiverbs/internal/abi"
	"github.com/yuuki/cxiverbs/internal/config"
	"github.com/yuuki/cxiverbs/internal/cxi"
	"github.com/yuuki/cxiverbs/internal/telemetry"
	"github.com/yuuki/cxiverbs/internal/verbs"
	"github.com/yuuki/cxiverbs/pkg/cxidv"
)

func main() {
	// Set up command line flags
	flagSet := pflag.NewFlagSet("cxi-abicheck", pflag.ExitOnError)
	config.SetupProviderFlags(flagSet)
	flagSet.String("format", "text", "Output format (text, yaml)")
	flagSet.Bool("layout", true, "Print the ABI record layouts")
	flagSet.Bool("devices", true, "List local uverbs devices and their driver match")
	flagSet.Bool("probe", false, "Open matched devices and query their capabilities")
	flagSet.Bool("create-config", false, "Create a default configuration file")
	flagSet.String("config-output", "cxi.yaml", "Path where to write the default configuration")
	flagSet.Bool("version", false, "Show version information")

	// Parse flags
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if version, _ := flagSet.GetBool("version"); version {
		fmt.Printf("cxi-abicheck abi=%d dv=%s\n", abi.Version, cxidv.Version())
		os.Exit(0)
	}

	if createConfig, _ := flagSet.GetBool("create-config"); createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.CreateDefaultProviderConfig(configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.LoadProviderConfig("", flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if err := config.InitLogging(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}

	if err := run(flagSet, cfg); err != nil {
		log.Fatal().Err(err).Msg("cxi-abicheck failed")
	}
}

func run(flagSet *pflag.FlagSet, cfg *config.ProviderConfig) error {
	ctx := context.Background()

	metrics, err := telemetry.Setup(ctx, cfg.MetricsEndpoint, time.Duration(cfg.MetricsIntervalMS)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}
	defer func() {
		if err := metrics.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down metrics")
		}
	}()
	if err := cxi.Install(cxi.OptionsFromConfig(cfg, metrics)); err != nil {
		return err
	}

	report := &Report{ABIVersion: abi.Version, DVVersion: cxidv.Version()}
	if layout, _ := flagSet.GetBool("layout"); layout {
		report.Structs = Layouts()
	}
	if listDevices, _ := flagSet.GetBool("devices"); listDevices {
		devices, err := verbs.DiscoverDevices(cfg.SysfsRoot, cfg.DevRoot)
		if err != nil {
			return err
		}
		probe, _ := flagSet.GetBool("probe")
		if report.Devices, err = MatchDevices(ctx, devices, probe); err != nil {
			return err
		}
	}

	format, _ := flagSet.GetString("format")
	switch format {
	case "text":
		return WriteText(os.Stdout, report)
	case "yaml":
		return WriteYAML(os.Stdout, report)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
