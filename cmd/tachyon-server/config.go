package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	derror "github.com/tachyon-project/tachyon/pkg/errors"
)

const (
	backendMem  = "mem"
	backendEtcd = "etcd"

	defaultEtcdEndpoints   = "http://127.0.0.1:2379"
	defaultEtcdDialTimeout = 3 * time.Second
	defaultKeyPrefix       = "/tachyon/"
)

// EtcdConf is the etcd backend section of the server config.
type EtcdConf struct {
	// Endpoints is a comma separated list of client URLs.
	Endpoints   string        `toml:"endpoints" json:"endpoints"`
	DialTimeout time.Duration `toml:"dial-timeout" json:"dial-timeout"`
	KeyPrefix   string        `toml:"key-prefix" json:"key-prefix"`
	Username    string        `toml:"username" json:"username"`
	Password    string        `toml:"password" json:"-"`
}

// Config is the configuration of the placement server.
type Config struct {
	flagSet *flag.FlagSet

	LogLevel  string `toml:"log-level" json:"log-level"`
	LogFile   string `toml:"log-file" json:"log-file"`
	LogFormat string `toml:"log-format" json:"log-format"`

	ConfigFile string `toml:"config-file" json:"config-file"`

	// Backend selects the topology store: "mem" or "etcd".
	Backend string    `toml:"backend" json:"backend"`
	Etcd    *EtcdConf `toml:"etcd" json:"etcd"`

	printVersion bool
}

// NewConfig creates a config for the placement server.
func NewConfig() *Config {
	cfg := &Config{
		Etcd: &EtcdConf{},
	}
	cfg.flagSet = flag.NewFlagSet("tachyon-server", flag.ContinueOnError)
	fs := cfg.flagSet

	fs.BoolVar(&cfg.printVersion, "V", false, "prints version and exit")
	fs.StringVar(&cfg.ConfigFile, "config", "", "path to config file")
	fs.StringVar(&cfg.LogLevel, "L", "info", "log level: debug, info, warn, error, fatal")
	fs.StringVar(&cfg.LogFile, "log-file", "", "log file path")
	fs.StringVar(&cfg.LogFormat, "log-format", "text", `the format of the log, "text" or "json"`)
	fs.StringVar(&cfg.Backend, "backend", backendMem, `topology store backend, "mem" or "etcd"`)
	fs.StringVar(&cfg.Etcd.Endpoints, "etcd-endpoints", defaultEtcdEndpoints, "comma separated etcd client URLs")
	fs.StringVar(&cfg.Etcd.KeyPrefix, "etcd-key-prefix", defaultKeyPrefix, "prefix of all keys written to etcd")

	return cfg
}

func (c *Config) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		log.L().Error("marshal config to json", zap.Reflect("server config", c), zap.Error(err))
	}
	return string(cfg)
}

// Toml returns TOML format representation of the config.
func (c *Config) Toml() (string, error) {
	var b bytes.Buffer
	err := toml.NewEncoder(&b).Encode(c)
	if err != nil {
		log.L().Error("marshal config to toml", zap.Error(err))
	}
	return b.String(), err
}

// Parse parses flag definitions from the argument list.
func (c *Config) Parse(arguments []string) error {
	// Parse first to get config file.
	err := c.flagSet.Parse(arguments)
	if err != nil {
		return derror.Wrap(derror.ErrConfigParseFlagSet, err)
	}

	if c.ConfigFile != "" {
		if err := c.configFromFile(c.ConfigFile); err != nil {
			return err
		}
	}

	// Parse again to replace file values with command line options.
	err = c.flagSet.Parse(arguments)
	if err != nil {
		return derror.Wrap(derror.ErrConfigParseFlagSet, err)
	}

	if len(c.flagSet.Args()) != 0 {
		return derror.ErrConfigInvalidFlag.GenWithStackByArgs(c.flagSet.Arg(0))
	}
	return c.adjust()
}

func (c *Config) adjust() error {
	switch c.Backend {
	case backendMem, backendEtcd:
	default:
		return derror.ErrConfigUnknownBackend.GenWithStackByArgs(c.Backend)
	}
	if c.Etcd.Endpoints == "" {
		c.Etcd.Endpoints = defaultEtcdEndpoints
	}
	if c.Etcd.DialTimeout == 0 {
		c.Etcd.DialTimeout = defaultEtcdDialTimeout
	}
	if c.Etcd.KeyPrefix == "" {
		c.Etcd.KeyPrefix = defaultKeyPrefix
	}
	return nil
}

// configFromFile loads config from file.
func (c *Config) configFromFile(path string) error {
	metaData, err := toml.DecodeFile(path, c)
	if err != nil {
		return derror.Wrap(derror.ErrConfigDecodeFile, err)
	}
	undecoded := metaData.Undecoded()
	if len(undecoded) > 0 {
		var undecodedItems []string
		for _, item := range undecoded {
			undecodedItems = append(undecodedItems, item.String())
		}
		return derror.ErrConfigUnknownItem.GenWithStackByArgs(strings.Join(undecodedItems, ","))
	}
	return nil
}
