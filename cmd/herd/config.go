package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's startup configuration: defaultConfig overlaid
// with a flat YAML file, following the file-overlay convention
// cmd/warren's apply command uses for resource files. No command-line
// flag overrides a field.
type Config struct {
	NodeID        string `yaml:"nodeId"`
	BindAddr      string `yaml:"bindAddr"` // primary addr:port for control traffic
	IOAddr        string `yaml:"ioAddr"`   // optional data-plane addr:port
	DataDir       string `yaml:"dataDir"`  // object store root
	FarmDir       string `yaml:"farmDir"`  // farm archive root
	ClusterName   string `yaml:"clusterDriver"` // "raft" or "zookeeper"
	ClusterOpt    string `yaml:"clusterOption"` // driver-specific option string (spec.md 4.C init(option))
	DefaultCopies uint8  `yaml:"defaultCopies"`
	MetricsAddr   string `yaml:"metricsAddr"`
	ControlAddr   string `yaml:"controlAddr"` // gRPC admin surface (internal/control)
}

func defaultConfig() Config {
	return Config{
		DataDir:       "./herd-data/obj",
		FarmDir:       "./herd-data/farm",
		ClusterName:   "raft",
		DefaultCopies: 3,
		MetricsAddr:   "127.0.0.1:9090",
		ControlAddr:   "127.0.0.1:7001",
	}
}

// loadConfig reads path (if non-empty) as a YAML overlay on top of
// defaultConfig, mirroring cmd/warren's apply.go yaml.Unmarshal pattern.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("herd: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("herd: parse config %s: %w", path, err)
	}
	return cfg, nil
}
