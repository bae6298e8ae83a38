package cfg

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// ProviderConfiguration selects and parameterizes the group
// communication provider.
type ProviderConfiguration struct {
	Name    string `toml:"name"`    // Registered provider name, e.g. "nats"
	URL     string `toml:"url"`     // Transport URL, e.g. "nats://127.0.0.1:4222"
	Options string `toml:"options"` // Raw provider option string, "key=value;key=value"
}

// ClusterConfiguration carries the connect-time cluster parameters.
type ClusterConfiguration struct {
	Name      string `toml:"name"`
	Address   string `toml:"address"`
	Donor     string `toml:"donor"`     // Preferred SST donor, empty for automatic
	Bootstrap bool   `toml:"bootstrap"` // Bootstrap a new cluster from this node
}

// SSTConfiguration controls state snapshot transfers.
type SSTConfiguration struct {
	Method     string `toml:"method"`      // "rsync", "logical-dump", ...
	BeforeInit bool   `toml:"before_init"` // Physical methods transfer before storage init
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
	Debug   int    `toml:"debug"`  // wsrep debug trace level, 0 disables
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// AdminConfiguration for the HTTP admin endpoints
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Bind    string `toml:"bind"`
}

// Configuration is the main configuration structure. Identity fields
// are immutable once the server state has been constructed.
type Configuration struct {
	NodeName           string `toml:"node_name"`
	NodeID             string `toml:"node_id"` // UUID; used as given, empty leaves the server id undefined
	IncomingAddress    string `toml:"incoming_address"`
	GroupAddress       string `toml:"group_address"`
	DataDir            string `toml:"data_dir"`
	InitialPosition    string `toml:"initial_position"` // "uuid:seqno"
	MaxProtocolVersion int    `toml:"max_protocol_version"`
	RollbackMode       string `toml:"rollback_mode"` // "async" or "sync"

	Provider   ProviderConfiguration   `toml:"provider"`
	Cluster    ClusterConfiguration    `toml:"cluster"`
	SST        SSTConfiguration        `toml:"sst"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "wsrepd.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeNameFlag   = flag.String("node-name", "", "Node name (overrides config)")
	BootstrapFlag  = flag.Bool("bootstrap", false, "Bootstrap a new cluster (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeName:           "wsrep-node",
	DataDir:            "./wsrep-data",
	InitialPosition:    "",
	MaxProtocolVersion: 5,
	RollbackMode:       "async",

	Provider: ProviderConfiguration{
		Name: "nats",
		URL:  "nats://127.0.0.1:4222",
	},

	Cluster: ClusterConfiguration{
		Name: "wsrep-cluster",
	},

	SST: SSTConfiguration{
		Method:     "logical-dump",
		BeforeInit: false,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},

	Admin: AdminConfiguration{
		Enabled: true,
		Bind:    "127.0.0.1:8070",
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeNameFlag != "" {
		Config.NodeName = *NodeNameFlag
	}
	if *BootstrapFlag {
		Config.Cluster.Bootstrap = true
	}
	return nil
}

// Validate checks configuration invariants before startup.
func Validate() error {
	if Config.NodeName == "" {
		return fmt.Errorf("node_name must not be empty")
	}
	if Config.Cluster.Name == "" {
		return fmt.Errorf("cluster.name must not be empty")
	}
	switch Config.RollbackMode {
	case "async", "sync":
	default:
		return fmt.Errorf("rollback_mode must be \"async\" or \"sync\", got %q", Config.RollbackMode)
	}
	switch Config.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be \"console\" or \"json\", got %q", Config.Logging.Format)
	}
	if Config.Provider.Name == "" {
		return fmt.Errorf("provider.name must not be empty")
	}
	return nil
}
