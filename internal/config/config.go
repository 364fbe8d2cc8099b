package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

var (
	ErrMissingField  = errors.New("config: missing required field")
	ErrFolderClash   = errors.New("config: listener and target folders must be distinct")
	ErrMissingQuery  = errors.New("config: verification query required when rounds > 0")
	ErrFolderInvalid = errors.New("config: role folder is not usable")
)

// Config is the full harness configuration. It is loaded once per run
// and never mutated afterwards.
type Config struct {
	Server   ServerConfig `toml:"server"`
	Build    BuildConfig  `toml:"build"`
	Listener RoleConfig   `toml:"listener"`
	Target   RoleConfig   `toml:"target"`
	Verify   VerifyConfig `toml:"verify"`
	Timing   TimingConfig `toml:"timing"`
	LogLevel string       `toml:"log_level"`
}

type ServerConfig struct {
	Address string        `toml:"address"`
	Port    int           `toml:"port"`
	Domain  string        `toml:"domain"`
	SSH     SSHConfig     `toml:"ssh"`
	Service ServiceConfig `toml:"service"`
}

type SSHConfig struct {
	User                  string `toml:"user"`
	KeyPath               string `toml:"key_path"`
	Port                  int    `toml:"port"`
	ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds"`
	InsecureSkipHostKey   bool   `toml:"insecure_skip_host_key"`
	KnownHostsPath        string `toml:"known_hosts_path"`
}

type ServiceConfig struct {
	Name             string `toml:"name"`
	ProcessPattern   string `toml:"process_pattern"`
	BinaryRemotePath string `toml:"binary_remote_path"`
}

type BuildConfig struct {
	SourceDir    string `toml:"source_dir"`
	ServerGOOS   string `toml:"server_goos"`
	ServerGOARCH string `toml:"server_goarch"`
}

// RoleConfig describes one local client role. The endpoint block is
// only meaningful for the listener role, which exposes the tunneled
// service locally.
type RoleConfig struct {
	Folder   string          `toml:"folder"`
	ClientID string          `toml:"client_id"`
	Secret   string          `toml:"secret"`
	Endpoint *EndpointConfig `toml:"endpoint"`
}

type EndpointConfig struct {
	Address  string `toml:"address"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Query    string `toml:"query"`
}

type VerifyConfig struct {
	Rounds                int `toml:"rounds"`
	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int `toml:"read_timeout_seconds"`
}

// TimingConfig carries the settle and cooldown tunables. They encode
// observed service startup and session teardown latency, not derived
// invariants; adjust them when the deployed service's timing changes.
type TimingConfig struct {
	GracefulStopSeconds  int `toml:"graceful_stop_seconds"`
	ServiceSettleSeconds int `toml:"service_settle_seconds"`
	TargetSettleSeconds  int `toml:"target_settle_seconds"`
	SessionSettleSeconds int `toml:"session_settle_seconds"`
	RoundCooldownSeconds int `toml:"round_cooldown_seconds"`
}

func Load(path string) (Config, error) {
	var cfg Config
	if err := loadToml(path, &cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := expandFolders(&cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.SSH.Port == 0 {
		cfg.Server.SSH.Port = 22
	}
	if cfg.Server.SSH.ConnectTimeoutSeconds == 0 {
		cfg.Server.SSH.ConnectTimeoutSeconds = 5
	}
	if cfg.Build.ServerGOOS == "" {
		cfg.Build.ServerGOOS = "linux"
	}
	if cfg.Build.ServerGOARCH == "" {
		cfg.Build.ServerGOARCH = "amd64"
	}
	if cfg.Build.SourceDir == "" {
		cfg.Build.SourceDir = "."
	}
	if cfg.Verify.Rounds == 0 {
		cfg.Verify.Rounds = 3
	}
	if cfg.Verify.ConnectTimeoutSeconds == 0 {
		cfg.Verify.ConnectTimeoutSeconds = 15
	}
	if cfg.Verify.ReadTimeoutSeconds == 0 {
		cfg.Verify.ReadTimeoutSeconds = 30
	}
	if cfg.Timing.GracefulStopSeconds == 0 {
		cfg.Timing.GracefulStopSeconds = 10
	}
	if cfg.Timing.ServiceSettleSeconds == 0 {
		cfg.Timing.ServiceSettleSeconds = 3
	}
	if cfg.Timing.TargetSettleSeconds == 0 {
		cfg.Timing.TargetSettleSeconds = 3
	}
	if cfg.Timing.SessionSettleSeconds == 0 {
		cfg.Timing.SessionSettleSeconds = 5
	}
	if cfg.Timing.RoundCooldownSeconds == 0 {
		cfg.Timing.RoundCooldownSeconds = 5
	}
	if cfg.Server.Service.ProcessPattern == "" && cfg.Server.Service.Name != "" {
		cfg.Server.Service.ProcessPattern = strings.TrimSuffix(cfg.Server.Service.Name, ".service")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func expandFolders(cfg *Config) error {
	var err error
	if cfg.Listener.Folder, err = expandHome(cfg.Listener.Folder); err != nil {
		return err
	}
	if cfg.Target.Folder, err = expandHome(cfg.Target.Folder); err != nil {
		return err
	}
	if cfg.Server.SSH.KeyPath, err = expandHome(cfg.Server.SSH.KeyPath); err != nil {
		return err
	}
	return nil
}

func expandHome(path string) (string, error) {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("%w: cannot expand %q", ErrFolderInvalid, path)
	}
	if path == "~" {
		return home, nil
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

func Validate(cfg Config) error {
	required := []struct {
		name  string
		value string
	}{
		{"server.address", cfg.Server.Address},
		{"server.domain", cfg.Server.Domain},
		{"server.ssh.user", cfg.Server.SSH.User},
		{"server.ssh.key_path", cfg.Server.SSH.KeyPath},
		{"server.service.name", cfg.Server.Service.Name},
		{"server.service.binary_remote_path", cfg.Server.Service.BinaryRemotePath},
		{"listener.folder", cfg.Listener.Folder},
		{"listener.client_id", cfg.Listener.ClientID},
		{"listener.secret", cfg.Listener.Secret},
		{"target.folder", cfg.Target.Folder},
		{"target.client_id", cfg.Target.ClientID},
		{"target.secret", cfg.Target.Secret},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, field.name)
		}
	}
	if filepath.Clean(cfg.Listener.Folder) == filepath.Clean(cfg.Target.Folder) {
		return fmt.Errorf("%w: %s", ErrFolderClash, cfg.Listener.Folder)
	}
	if cfg.Verify.Rounds > 0 {
		if cfg.Listener.Endpoint == nil {
			return fmt.Errorf("%w: listener.endpoint", ErrMissingField)
		}
		if strings.TrimSpace(cfg.Listener.Endpoint.Query) == "" {
			return ErrMissingQuery
		}
		if strings.TrimSpace(cfg.Listener.Endpoint.Address) == "" {
			return fmt.Errorf("%w: listener.endpoint.address", ErrMissingField)
		}
		if cfg.Listener.Endpoint.Port == 0 {
			return fmt.Errorf("%w: listener.endpoint.port", ErrMissingField)
		}
	}
	return nil
}
