package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ProviderConfig holds configuration for the CXI provider
type ProviderConfig struct {
	SysfsRoot         string
	DevRoot           string
	LogLevel          string
	QPTableSize       int
	CQESize           int
	MetricsEndpoint   string
	MetricsIntervalMS uint32
}

func setProviderDefaults(v *viper.Viper) {
	v.SetDefault("sysfs_root", "/sys")
	v.SetDefault("dev_root", "/dev/infiniband")
	v.SetDefault("log_level", "warn")
	v.SetDefault("qp_table_size", 1024)
	v.SetDefault("cqe_size", 64)
	v.SetDefault("metrics_endpoint", "")
	v.SetDefault("metrics_interval_ms", 10000) // 10 seconds
}

// SetupProviderFlags sets up the command line flags shared by provider tools
func SetupProviderFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.String("sysfs-root", "/sys", "Root of the sysfs tree")
	flagSet.String("dev-root", "/dev/infiniband", "Directory holding uverbs character devices")
	flagSet.String("log-level", "warn", "Log level (debug, info, warn, error)")
	flagSet.Int("qp-table-size", 1024, "QP table slots per context")
	flagSet.Int("cqe-size", 64, "Completion entry size in bytes")
	flagSet.String("metrics-endpoint", "", "OTLP metrics endpoint (grpc://, grpcs://, http://, https://)")
	flagSet.Uint32("metrics-interval-ms", 10000, "Metrics export interval")
}

// LoadProviderConfig loads the provider configuration from a file, environment
// variables and, when flagSet is not nil, command line flags
func LoadProviderConfig(configPath string, flagSet *pflag.FlagSet) (*ProviderConfig, error) {
	v := viper.New()
	setProviderDefaults(v)

	// Environment variables
	v.SetEnvPrefix("CXI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flagSet != nil {
		if err := bindProviderFlags(v, flagSet); err != nil {
			return nil, err
		}
		if configPath == "" {
			configPath = v.GetString("config")
		}
	}

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("cxi")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.cxi")
		v.AddConfigPath("/etc/cxi")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing default file is fine, an explicit one must exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &ProviderConfig{
		SysfsRoot:         v.GetString("sysfs_root"),
		DevRoot:           v.GetString("dev_root"),
		LogLevel:          v.GetString("log_level"),
		QPTableSize:       v.GetInt("qp_table_size"),
		CQESize:           v.GetInt("cqe_size"),
		MetricsEndpoint:   v.GetString("metrics_endpoint"),
		MetricsIntervalMS: v.GetUint32("metrics_interval_ms"),
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// bindProviderFlags binds only the flags the user actually set, so defaults
// from the file and environment are not shadowed by flag defaults.
func bindProviderFlags(v *viper.Viper, flagSet *pflag.FlagSet) error {
	var err error
	flagSet.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		if bindErr := v.BindPFlag(key, f); bindErr != nil {
			err = fmt.Errorf("failed to bind flag %s: %w", f.Name, bindErr)
		}
	})
	return err
}

// Validate checks value ranges
func (c *ProviderConfig) Validate() error {
	if c.QPTableSize <= 0 {
		return fmt.Errorf("qp_table_size must be positive, got %d", c.QPTableSize)
	}
	if c.CQESize <= 0 || c.CQESize&(c.CQESize-1) != 0 {
		return fmt.Errorf("cqe_size must be a power of two, got %d", c.CQESize)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// CreateDefaultProviderConfig creates a default configuration file for the
// provider
func CreateDefaultProviderConfig(path string) error {
	configContent := `# CXI provider configuration
sysfs_root: "/sys"
dev_root: "/dev/infiniband"
log_level: "warn" # debug, info, warn, error
qp_table_size: 1024
cqe_size: 64
metrics_endpoint: "" # empty uses the global OpenTelemetry provider
metrics_interval_ms: 10000 # 10 seconds
`

	return writeConfigFile(path, configContent)
}
