package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides: server.addr is PREDEX_SERVER_ADDR.
const EnvPrefix = "PREDEX"

// DefaultPaths are tried in order when Load is given no paths.
var DefaultPaths = []string{"./config.yaml", "./configs/config.yaml", "/etc/predex/config.yaml"}

// Loader layers defaults, YAML files and environment variables, and can
// watch the last loaded file for changes.
type Loader struct {
	v      *viper.Viper
	logger *zap.Logger

	mu      sync.RWMutex
	current *Config
	files   []string
}

func NewLoader(logger *zap.Logger) *Loader {
	return &Loader{v: viper.New(), logger: logger.Named("config")}
}

// Load reads configuration; missing files are skipped.
func (l *Loader) Load(paths ...string) (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(paths) == 0 {
		paths = DefaultPaths
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v); err != nil {
		return nil, err
	}

	var loaded []string
	for _, path := range paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			l.logger.Debug("config file not found, skipping", zap.String("path", path))
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
		loaded = append(loaded, path)
	}
	if len(loaded) == 0 {
		l.logger.Warn("no configuration files found, using defaults and environment")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	l.v, l.current, l.files = v, cfg, loaded
	l.logger.Info("configuration loaded", zap.Strings("files", loaded), zap.Int("markets", len(cfg.Markets)))
	return cfg, nil
}

// setDefaults registers Default() key by key so that every key is known to
// AutomaticEnv and survives a file reload.
func setDefaults(v *viper.Viper) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("encode defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("decode defaults: %w", err)
	}
	for key, val := range tree {
		v.SetDefault(key, val)
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Current returns the last successfully loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch reloads the last loaded file on change and passes the new
// configuration to onChange. Invalid edits are logged and ignored.
func (l *Loader) Watch(onChange func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.files) == 0 {
		l.logger.Debug("nothing to watch")
		return
	}
	v := l.v
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			l.logger.Error("config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()
		l.logger.Info("configuration reloaded", zap.String("file", e.Name))
		onChange(cfg)
	})
	v.WatchConfig()
}

// Load is a convenience for NewLoader(logger).Load(paths...).
func Load(logger *zap.Logger, paths ...string) (*Config, error) {
	return NewLoader(logger).Load(paths...)
}

// WriteDefault writes the default configuration as YAML to path.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
