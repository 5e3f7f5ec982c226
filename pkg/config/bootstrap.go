package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// BootstrapConfig holds the initial configuration loaded from
// controller_config.yaml. It covers only what is needed to bring the process
// up; everything operational lives in the robot config file it points to.
type BootstrapConfig struct {
	Logging LoggingConfig         `yaml:"logging"`
	Server  BootstrapServerConfig `yaml:"server"`
	Driver  DriverBootstrap       `yaml:"driver"`
	Data    DataConfig            `yaml:"data"`
}

// LoggingConfig holds logging settings from bootstrap
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogPath string `yaml:"log_path,omitempty"`
}

// BootstrapServerConfig holds bootstrap HTTP server settings
type BootstrapServerConfig struct {
	HTTPPort int `yaml:"http_port"`
}

// DriverBootstrap selects and tunes the hardware driver.
type DriverBootstrap struct {
	// Kind is "mock" or "bridge".
	Kind string `yaml:"kind"`
	// RequestTimeoutMs bounds one bridge request/reply exchange.
	RequestTimeoutMs int `yaml:"request_timeout_ms"`
}

// DataConfig holds data directory settings from bootstrap
type DataConfig struct {
	Directory           string `yaml:"directory"`
	RobotConfigFilename string `yaml:"robot_config_file"`
}

// LoadBootstrapConfig loads the bootstrap configuration from
// controller_config.yaml and applies environment overrides.
func LoadBootstrapConfig(configDir string) (*BootstrapConfig, error) {
	bootstrapConfigPath := filepath.Join(configDir, "controller_config.yaml")

	data, err := ioutil.ReadFile(bootstrapConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error reading bootstrap config file '%s': %w", bootstrapConfigPath, err)
	}

	var bootstrapCfg BootstrapConfig
	if err := yaml.Unmarshal(data, &bootstrapCfg); err != nil {
		return nil, fmt.Errorf("error parsing bootstrap config file '%s': %w", bootstrapConfigPath, err)
	}

	bootstrapCfg.applyEnvOverrides()

	if bootstrapCfg.Data.Directory == "" {
		return nil, fmt.Errorf("missing required field in bootstrap config: data.directory")
	}
	if bootstrapCfg.Data.RobotConfigFilename == "" {
		return nil, fmt.Errorf("missing required field in bootstrap config: data.robot_config_file")
	}
	switch bootstrapCfg.Driver.Kind {
	case "mock", "bridge":
	case "":
		bootstrapCfg.Driver.Kind = "mock"
	default:
		return nil, fmt.Errorf("invalid driver.kind '%s': must be 'mock' or 'bridge'", bootstrapCfg.Driver.Kind)
	}

	return &bootstrapCfg, nil
}

// applyEnvOverrides lets deployment environments adjust bootstrap settings
// without editing the YAML. Loaded .env values arrive here as well.
func (c *BootstrapConfig) applyEnvOverrides() {
	if v := os.Getenv("UR10_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("UR10_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("UR10_DRIVER"); v != "" {
		c.Driver.Kind = v
	}
	if v := os.Getenv("UR10_DATA_DIR"); v != "" {
		c.Data.Directory = v
	}
}
