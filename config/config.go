package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "blockcast"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 7946
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"

	// EnvDataDir overrides the data directory.
	EnvDataDir = "BLOCKCAST_DATA_DIR"
	// EnvConfigPath points at an explicit config file, JSON or YAML.
	EnvConfigPath = "BLOCKCAST_CONFIG"

	configFileName = "config.json"
	defaultName    = "blockcast node"
)

// NodeConfig contains persistent local-node settings.
type NodeConfig struct {
	PeerID           string         `json:"peer_id" yaml:"peer_id"`
	PeerName         string         `json:"peer_name" yaml:"peer_name"`
	PortMode         string         `json:"port_mode" yaml:"port_mode"`
	ListeningPort    int            `json:"listening_port" yaml:"listening_port"`
	Peers            []string       `json:"peers,omitempty" yaml:"peers,omitempty"`
	DisableDiscovery bool           `json:"disable_discovery,omitempty" yaml:"disable_discovery,omitempty"`
	DownloadDir      string         `json:"download_dir" yaml:"download_dir"`
	MetricsListen    string         `json:"metrics_listen,omitempty" yaml:"metrics_listen,omitempty"`
	LogLevel         string         `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	LogFormat        string         `json:"log_format,omitempty" yaml:"log_format,omitempty"`
	Transfer         TransferConfig `json:"transfer" yaml:"transfer"`
}

// TransferConfig is the block transfer tuning. Zero values fall back to the
// engine defaults.
type TransferConfig struct {
	BlockSize           int   `json:"block_size,omitempty" yaml:"block_size,omitempty"`
	TickIntervalMs      int64 `json:"tick_interval_ms,omitempty" yaml:"tick_interval_ms,omitempty"`
	RequestIntervalMs   int64 `json:"request_interval_ms,omitempty" yaml:"request_interval_ms,omitempty"`
	MinWaitFloorMs      int64 `json:"min_wait_floor_ms,omitempty" yaml:"min_wait_floor_ms,omitempty"`
	MinWaitIncrementMs  int64 `json:"min_wait_increment_ms,omitempty" yaml:"min_wait_increment_ms,omitempty"`
	LifetimeSeconds     int64 `json:"lifetime_seconds,omitempty" yaml:"lifetime_seconds,omitempty"`
	MaxPayloadSizeBytes int64 `json:"max_payload_size_bytes,omitempty" yaml:"max_payload_size_bytes,omitempty"`
	MaxResendsPerTick   int   `json:"max_resends_per_tick,omitempty" yaml:"max_resends_per_tick,omitempty"`
	ServeBlockZero      bool  `json:"serve_block_zero,omitempty" yaml:"serve_block_zero,omitempty"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If BLOCKCAST_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvDataDir); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the config file path for a data directory, honoring
// BLOCKCAST_CONFIG.
func ConfigPath(dataDir string) string {
	if override := os.Getenv(EnvConfigPath); override != "" {
		return override
	}
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "files"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// Load reads a config file from disk. YAML is used for .yaml/.yml paths,
// JSON otherwise.
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if isYAML(path) {
		err = yaml.Unmarshal(raw, &cfg)
	} else {
		err = json.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes the config file to disk.
func Save(path string, cfg *NodeConfig) error {
	var (
		raw []byte
		err error
	)
	if isYAML(path) {
		raw, err = yaml.Marshal(cfg)
	} else {
		raw, err = json.MarshalIndent(cfg, "", "  ")
		raw = append(raw, '\n')
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the config,
// its path and the data directory.
func LoadOrCreate() (*NodeConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

func hostName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultName
}

func defaultConfig(dataDir string) *NodeConfig {
	return &NodeConfig{
		PeerID:        uuid.NewString(),
		PeerName:      hostName(),
		PortMode:      PortModeAutomatic,
		ListeningPort: 0,
		DownloadDir:   filepath.Join(dataDir, "files"),
	}
}

func normalizeDefaults(cfg *NodeConfig, dataDir string) bool {
	updated := false

	if cfg.PeerID == "" {
		cfg.PeerID = uuid.NewString()
		updated = true
	}

	if strings.TrimSpace(cfg.PeerName) == "" {
		cfg.PeerName = hostName()
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, "files")
		updated = true
	}

	if cfg.Transfer.BlockSize < 0 {
		cfg.Transfer.BlockSize = 0
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}

// ListenAddress returns the TCP listen address for the configured port mode.
func (c *NodeConfig) ListenAddress() string {
	if c.PortMode == PortModeFixed && c.ListeningPort > 0 {
		return fmt.Sprintf(":%d", c.ListeningPort)
	}
	return ":0"
}
