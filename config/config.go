// Package config loads the indexer's runtime configuration: data
// directories, cache-flush thresholds, reorg limit, and node RPC
// connection details.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// RPCConfig holds connection details for the upstream full node.
type RPCConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Config is the top-level process configuration.
type Config struct {
	DataDir    string `yaml:"data_dir"`
	APIPort    string `yaml:"api_port"`
	ShardCount int    `yaml:"shard_count"`

	// UTXOCacheMB and HistCacheMB are the soft flush ceilings from
	// spec.md section 4.5 / 5 ("utxo_MB", "hist_MB").
	UTXOCacheMB int `yaml:"utxo_cache_mb"`
	HistCacheMB int `yaml:"hist_cache_mb"`

	// ReorgLimit bounds how many blocks of undo history are retained.
	ReorgLimit int `yaml:"reorg_limit"`

	// DBCacheEntryCount bounds the UTXO cache's db_cache LRU tier.
	DBCacheEntryCount int `yaml:"db_cache_entry_count"`

	Coin Coin      `yaml:"coin"`
	RPC  RPCConfig `yaml:"rpc"`
}

var Global *Config

func defaults() *Config {
	return &Config{
		DataDir:           "data",
		APIPort:           "8080",
		ShardCount:        1,
		UTXOCacheMB:       1200,
		HistCacheMB:       300,
		ReorgLimit:        200,
		DBCacheEntryCount: 2_000_000,
		Coin:              DefaultCoin(),
		RPC: RPCConfig{
			Host: "localhost",
			Port: "8332",
		},
	}
}

// Load reads YAML config from path (falling back to built-in defaults for
// any field it doesn't set), then applies environment variable and
// -config flag overrides. It mirrors the teacher's LoadConfig: flag beats
// path argument, env beats file, file beats built-in default.
func Load(path string) (*Config, error) {
	configFlag := flag.Lookup("config")
	var fromFlag string
	if configFlag == nil {
		configPathFlag := flag.String("config", "", "path to config file")
		flag.Parse()
		fromFlag = *configPathFlag
	} else {
		fromFlag = configFlag.Value.String()
	}

	cfg := defaults()

	configPath := fromFlag
	if configPath == "" {
		configPath = path
	}

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		cfg.APIPort = v
	}
	if v := os.Getenv("RPC_HOST"); v != "" {
		cfg.RPC.Host = v
	}
	if v := os.Getenv("RPC_PORT"); v != "" {
		cfg.RPC.Port = v
	}
	if v := os.Getenv("RPC_USER"); v != "" {
		cfg.RPC.User = v
	}
	if v := os.Getenv("RPC_PASS"); v != "" {
		cfg.RPC.Password = v
	}
	if v := os.Getenv("REORG_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n >= 0 {
			cfg.ReorgLimit = n
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	Global = cfg
	return cfg, nil
}
