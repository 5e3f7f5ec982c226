package services

import (
	"fmt"
	"io/ioutil"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/j-secco/ur10-kiosk-controller/pkg/config"
	customlog "github.com/j-secco/ur10-kiosk-controller/pkg/log"
)

// ConfigNotifier is told when the operational configuration changes, so
// connected clients can refresh. Decouples this service from the broadcaster.
type ConfigNotifier interface {
	NotifyConfigUpdated(configID string)
}

// RobotConfigService manages the operational robot configuration: load from
// disk, expose to the API, validate and persist edits.
type RobotConfigService interface {
	LoadConfig() error
	GetCurrentConfig() *config.Config
	GetCurrentConfigYAML() ([]byte, error)
	UpdateConfig(newConfigYAML []byte) error
	SetNotifier(n ConfigNotifier)
}

type robotConfigService struct {
	configPath string
	logger     customlog.Logger
	notifier   ConfigNotifier
	current    *config.Config
	mu         sync.RWMutex
}

// NewRobotConfigService creates the service and attempts an initial load. A
// missing file is tolerated; the config can be supplied through the API.
func NewRobotConfigService(configPath string, logger customlog.Logger) (RobotConfigService, error) {
	if configPath == "" {
		return nil, fmt.Errorf("robot configuration path cannot be empty")
	}

	service := &robotConfigService{
		configPath: configPath,
		logger:     logger,
	}

	if err := service.LoadConfig(); err != nil {
		logger.Warnf("Initial load of robot config '%s' failed: %v", configPath, err)
		return service, nil
	}

	logger.Infof("RobotConfigService initialized from %s", configPath)
	return service, nil
}

// LoadConfig reads the robot config file from disk and swaps it in.
func (s *robotConfigService) LoadConfig() error {
	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		s.logger.Errorf("Error loading robot config '%s': %v", s.configPath, err)
		return err
	}

	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()

	s.logger.Infof("Loaded robot configuration ID: %s, version: %s", cfg.ConfigID, cfg.Version)
	return nil
}

// GetCurrentConfig returns the loaded configuration. Read-only; edits go
// through UpdateConfig.
func (s *robotConfigService) GetCurrentConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// GetCurrentConfigYAML returns the raw on-disk YAML, for display before
// editing.
func (s *robotConfigService) GetCurrentConfigYAML() ([]byte, error) {
	s.mu.RLock()
	path := s.configPath
	s.mu.RUnlock()

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading robot config file '%s': %w", path, err)
	}
	return data, nil
}

// UpdateConfig validates the new YAML, persists it, swaps it in and notifies.
// Persist happens before the swap so a write failure never leaves memory and
// disk disagreeing.
func (s *robotConfigService) UpdateConfig(newConfigYAML []byte) error {
	var newCfg config.Config
	if err := yaml.Unmarshal(newConfigYAML, &newCfg); err != nil {
		return fmt.Errorf("invalid YAML format: %w", err)
	}
	if newCfg.ConfigID == "" || newCfg.Version == "" {
		return fmt.Errorf("validation failed: missing required fields (ConfigID, Version)")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	s.mu.Lock()
	if err := s.persistLocked(newConfigYAML); err != nil {
		s.mu.Unlock()
		return err
	}
	oldID := "none"
	if s.current != nil {
		oldID = s.current.ConfigID
	}
	s.current = &newCfg
	notifier := s.notifier
	s.mu.Unlock()

	s.logger.Infof("Robot configuration updated: %s -> %s (version %s)", oldID, newCfg.ConfigID, newCfg.Version)

	if notifier != nil {
		go notifier.NotifyConfigUpdated(newCfg.ConfigID)
	}
	return nil
}

func (s *robotConfigService) persistLocked(yamlData []byte) error {
	if err := ioutil.WriteFile(s.configPath, yamlData, 0644); err != nil {
		return fmt.Errorf("error writing robot config file '%s': %w", s.configPath, err)
	}
	s.logger.Infof("Persisted robot configuration to %s", s.configPath)
	return nil
}

// SetNotifier injects the notifier after construction.
func (s *robotConfigService) SetNotifier(n ConfigNotifier) {
	s.mu.Lock()
	s.notifier = n
	s.mu.Unlock()
}
