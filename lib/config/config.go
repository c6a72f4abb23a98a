// Package config loads router configuration through viper: defaults
// first, then an optional YAML config file. Unknown keys warn and are
// otherwise ignored.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/go-lokinet/go-lokinet/lib/types"
	"github.com/go-lokinet/go-lokinet/lib/util/logger"
)

var (
	CfgFile string
	log     = logger.GetLogger()
)

const BaseDirName = ".go-lokinet"

// RouterConfig is the typed view of the viper state.
type RouterConfig struct {
	// DataDir holds keys, our RC and the profiles file
	DataDir string
	// NetID tags the overlay we join
	NetID string
	// ServiceNode accepts inbound links and transit traffic
	ServiceNode bool
	// PublicIP/PublicPort advertised in our RC when set
	PublicIP   string
	PublicPort uint64
	// Nickname is an optional human tag in our RC
	Nickname string

	NodeDB    *NodeDBConfig
	Bootstrap *BootstrapConfig
	Paths     *PathsConfig
	DHT       *DHTConfig

	// MinConnectedRouters is the session count the tick dials toward
	MinConnectedRouters int
	// MinRequiredRouters is the nodedb size below which we bootstrap
	MinRequiredRouters int
	// ConnectTries is the establish retry budget per peer
	ConnectTries int
	// NTPHost is queried once at startup when non-empty
	NTPHost string
}

type NodeDBConfig struct {
	Dir string
}

type BootstrapConfig struct {
	// RCFiles are raw bencoded RC files to load and dial
	RCFiles []string
}

type PathsConfig struct {
	NumPaths int
	NumHops  int
}

type DHTConfig struct {
	ExploreInterval time.Duration
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return BaseDirName
	}
	return filepath.Join(home, BaseDirName)
}

// InitConfig points viper at the config file (or the default location)
// and registers defaults.
func InitConfig() {
	if CfgFile != "" {
		viper.SetConfigFile(CfgFile)
	} else {
		viper.AddConfigPath(defaultDataDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	setDefaults()
	known := make(map[string]struct{})
	for _, k := range viper.AllKeys() {
		known[k] = struct{}{}
	}
	if err := viper.ReadInConfig(); err != nil {
		if _, missing := err.(viper.ConfigFileNotFoundError); missing || os.IsNotExist(err) {
			log.Debug("no config file, using defaults")
		} else {
			log.WithError(err).Warn("failed to read config file")
		}
	}
	for _, k := range viper.AllKeys() {
		if _, ok := known[k]; !ok {
			log.WithField("key", k).Warn("unknown config key")
		}
	}
}

func setDefaults() {
	viper.SetDefault("data_dir", defaultDataDir())
	viper.SetDefault("netid", types.DefaultNetID)
	viper.SetDefault("service_node", false)
	viper.SetDefault("public_ip", "")
	viper.SetDefault("public_port", 1090)
	viper.SetDefault("nickname", "")
	viper.SetDefault("nodedb.dir", filepath.Join(defaultDataDir(), "netdb"))
	viper.SetDefault("bootstrap.rc_files", []string{})
	viper.SetDefault("paths.num_paths", 4)
	viper.SetDefault("paths.num_hops", 4)
	viper.SetDefault("dht.explore_interval", time.Minute)
	viper.SetDefault("limits.min_connected_routers", 2)
	viper.SetDefault("limits.min_required_routers", 4)
	viper.SetDefault("limits.connect_tries", 5)
	viper.SetDefault("ntp_host", "")
}

// NewRouterConfigFromViper builds a typed config from the current viper
// settings.
func NewRouterConfigFromViper() *RouterConfig {
	return &RouterConfig{
		DataDir:     viper.GetString("data_dir"),
		NetID:       viper.GetString("netid"),
		ServiceNode: viper.GetBool("service_node"),
		PublicIP:    viper.GetString("public_ip"),
		PublicPort:  viper.GetUint64("public_port"),
		Nickname:    viper.GetString("nickname"),
		NodeDB: &NodeDBConfig{
			Dir: viper.GetString("nodedb.dir"),
		},
		Bootstrap: &BootstrapConfig{
			RCFiles: viper.GetStringSlice("bootstrap.rc_files"),
		},
		Paths: &PathsConfig{
			NumPaths: viper.GetInt("paths.num_paths"),
			NumHops:  viper.GetInt("paths.num_hops"),
		},
		DHT: &DHTConfig{
			ExploreInterval: viper.GetDuration("dht.explore_interval"),
		},
		MinConnectedRouters: viper.GetInt("limits.min_connected_routers"),
		MinRequiredRouters:  viper.GetInt("limits.min_required_routers"),
		ConnectTries:        viper.GetInt("limits.connect_tries"),
		NTPHost:             viper.GetString("ntp_host"),
	}
}

// Default returns a config without touching viper, for embedding and
// tests.
func Default(dataDir string) *RouterConfig {
	return &RouterConfig{
		DataDir:             dataDir,
		NetID:               types.DefaultNetID,
		PublicPort:          1090,
		NodeDB:              &NodeDBConfig{Dir: filepath.Join(dataDir, "netdb")},
		Bootstrap:           &BootstrapConfig{},
		Paths:               &PathsConfig{NumPaths: 4, NumHops: 4},
		DHT:                 &DHTConfig{ExploreInterval: time.Minute},
		MinConnectedRouters: 2,
		MinRequiredRouters:  4,
		ConnectTries:        5,
	}
}

// Validate rejects configs a running router cannot apply; reloads use
// this before touching anything.
func (c *RouterConfig) Validate() bool {
	if c.DataDir == "" || c.NodeDB == nil || c.NodeDB.Dir == "" {
		return false
	}
	if c.NetID == "" || len(c.NetID) > types.MaxNetIDSize {
		return false
	}
	if c.Paths == nil || c.Paths.NumHops < 1 || c.Paths.NumHops > 8 {
		return false
	}
	return true
}
