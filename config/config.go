package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/c360/astrobuf/errors"
	"github.com/c360/astrobuf/server"
	"github.com/c360/astrobuf/storage"
	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration as read from YAML.
type Config struct {
	Server   ServerConfig             `yaml:"server"`
	Data     DataConfig               `yaml:"data"`
	Chunkers map[string]ChunkerConfig `yaml:"chunkers,omitempty"`
	Metrics  MetricsConfig            `yaml:"metrics"`
	Log      LogConfig                `yaml:"log"`
}

// ServerConfig configures the listeners and session behaviour.
type ServerConfig struct {
	Listeners    []server.ListenerConfig `yaml:"listeners"`
	ReadTimeout  time.Duration           `yaml:"read_timeout"`
	WriteTimeout time.Duration           `yaml:"write_timeout"`
	DataWait     time.Duration           `yaml:"data_wait"`
	MaxSessions  int                     `yaml:"max_sessions"`
}

// BufferConfig sizes the buffer of one data type.
type BufferConfig struct {
	Name            string `yaml:"name"`
	MaxSize         int64  `yaml:"max_size"`
	MaxChunkSize    int    `yaml:"max_chunk_size"`
	MaxChunks       int    `yaml:"max_chunks,omitempty"`
	OverwriteOldest bool   `yaml:"overwrite_oldest,omitempty"`
}

func (b BufferConfig) toStorage(kind storage.Kind) storage.BufferConfig {
	return storage.BufferConfig{
		Name:            b.Name,
		Kind:            kind,
		MaxSize:         b.MaxSize,
		MaxChunkSize:    b.MaxChunkSize,
		MaxChunks:       b.MaxChunks,
		OverwriteOldest: b.OverwriteOldest,
	}
}

// DataConfig declares the stream and service data types the server buffers.
type DataConfig struct {
	Streams  []BufferConfig `yaml:"streams"`
	Services []BufferConfig `yaml:"services"`

	// AllowUnknownTypes lets chunkers write data types not declared above;
	// they get a stream buffer sized by Default.
	AllowUnknownTypes bool         `yaml:"allow_unknown_types"`
	Default           BufferConfig `yaml:"default"`
}

// ChunkerConfig selects a chunker implementation by type and passes it its
// implementation-specific options.
type ChunkerConfig struct {
	Type     string  `yaml:"type"`
	DataType string  `yaml:"data_type"`
	Disabled bool    `yaml:"disabled,omitempty"`
	Options  Options `yaml:"options,omitempty"`
}

// MetricsConfig configures the Prometheus and health HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for anything a file leaves unset.
func Default() *Config {
	srv := server.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Listeners:    srv.Listeners,
			ReadTimeout:  srv.ReadTimeout,
			WriteTimeout: srv.WriteTimeout,
		},
		Data: DataConfig{
			Default: BufferConfig{MaxSize: 16 << 20, MaxChunkSize: 1 << 20},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
			Path:    "/metrics",
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Validate checks the whole configuration. Every error is a fatal config
// error naming the offending field.
func (c *Config) Validate() error {
	if err := c.ToServerConfig().Validate(); err != nil {
		return err
	}

	mgr := c.ToManagerConfig()
	names := make(map[string]string)
	check := func(kind string, bufs []storage.BufferConfig) error {
		for _, b := range bufs {
			if err := b.Validate(); err != nil {
				return err
			}
			if prev, dup := names[b.Name]; dup {
				return errors.ConfigError("data", kind,
					"data type %q declared twice (already a %s)", b.Name, prev)
			}
			names[b.Name] = kind
		}
		return nil
	}
	if err := check("stream", mgr.Streams); err != nil {
		return err
	}
	if err := check("service", mgr.Services); err != nil {
		return err
	}
	if c.Data.AllowUnknownTypes {
		def := mgr.Default
		def.Name = "default"
		if err := def.Validate(); err != nil {
			return err
		}
	}

	for _, name := range c.ChunkerNames() {
		ch := c.Chunkers[name]
		component := "chunker:" + name
		if ch.Type == "" {
			return errors.ConfigError(component, "type", "must not be empty")
		}
		if ch.DataType == "" {
			return errors.ConfigError(component, "data_type", "must not be empty")
		}
		if _, known := names[ch.DataType]; !known && !c.Data.AllowUnknownTypes {
			return errors.ConfigError(component, "data_type", "unknown data type %q", ch.DataType)
		}
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			return errors.ConfigError("metrics", "address", "%q: %v", c.Metrics.Address, err)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return errors.ConfigError("metrics", "path", "must start with '/', got %q", c.Metrics.Path)
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return errors.ConfigError("log", "level", "unknown level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return errors.ConfigError("log", "format", "unknown format %q", c.Log.Format)
	}
	return nil
}

// ToServerConfig converts the server and data sections.
func (c *Config) ToServerConfig() server.Config {
	return server.Config{
		Listeners:    c.Server.Listeners,
		ReadTimeout:  c.Server.ReadTimeout,
		WriteTimeout: c.Server.WriteTimeout,
		DataWait:     c.Server.DataWait,
		MaxSessions:  c.Server.MaxSessions,
		Data:         c.ToManagerConfig(),
	}
}

// ToManagerConfig converts the data section.
func (c *Config) ToManagerConfig() storage.ManagerConfig {
	mgr := storage.ManagerConfig{
		AllowUnknownTypes: c.Data.AllowUnknownTypes,
		Default:           c.Data.Default.toStorage(storage.Stream),
	}
	for _, b := range c.Data.Streams {
		mgr.Streams = append(mgr.Streams, b.toStorage(storage.Stream))
	}
	for _, b := range c.Data.Services {
		mgr.Services = append(mgr.Services, b.toStorage(storage.Service))
	}
	return mgr
}

// ChunkerNames returns the enabled chunker names in sorted order.
func (c *Config) ChunkerNames() []string {
	names := make([]string, 0, len(c.Chunkers))
	for name, ch := range c.Chunkers {
		if !ch.Disabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// String renders the configuration as YAML for logging.
func (c *Config) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return string(data)
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader that validates and honours ASTROBUF_*
// environment overrides.
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  "ASTROBUF",
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier
// ones key by key.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges the defaults, every layer and the environment, then validates.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRawYAML(path)
		if err != nil {
			return nil, errors.WrapFatal(fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, path, err),
				"Loader", "Load", "read layer")
		}
		merged = deepMergeMaps(merged, raw)
	}

	cfg, err := fromMap(merged)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"Loader", "Load", "decode config")
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Parse decodes a single YAML document over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "config", "Parse", "decode yaml")
	}
	base, err := toMap(Default())
	if err != nil {
		return nil, err
	}
	cfg, err := fromMap(deepMergeMaps(base, raw))
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "config", "Parse", "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadRawYAML(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := validateDepth(raw, 0); err != nil {
		return nil, err
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromMap(m map[string]any) (*Config, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// deepMergeMaps merges override into base. Nested mappings merge key by key;
// anything else, sequences included, is replaced.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		baseMap, baseIsMap := result[k].(map[string]any)
		overrideMap, overrideIsMap := v.(map[string]any)
		if baseIsMap && overrideIsMap {
			result[k] = deepMergeMaps(baseMap, overrideMap)
			continue
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	get := func(name string) (string, bool, error) {
		key := l.envPrefix + "_" + name
		val, ok := l.lookupEnv(key)
		if !ok || val == "" {
			return "", false, nil
		}
		if err := validateEnvVar(key, val); err != nil {
			return "", false, errors.ConfigError("env", key, "%v", err)
		}
		return val, true, nil
	}

	if val, ok, err := get("LISTEN"); err != nil {
		return err
	} else if ok {
		var listeners []server.ListenerConfig
		for _, addr := range strings.Split(val, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				listeners = append(listeners, server.ListenerConfig{Address: addr})
			}
		}
		cfg.Server.Listeners = listeners
	}

	if val, ok, err := get("DATA_WAIT"); err != nil {
		return err
	} else if ok {
		d, perr := parseDurationWithDays(val)
		if perr != nil {
			return errors.ConfigError("env", l.envPrefix+"_DATA_WAIT", "%v", perr)
		}
		cfg.Server.DataWait = d
	}

	if val, ok, err := get("MAX_SESSIONS"); err != nil {
		return err
	} else if ok {
		n, perr := strconv.Atoi(val)
		if perr != nil {
			return errors.ConfigError("env", l.envPrefix+"_MAX_SESSIONS", "%v", perr)
		}
		cfg.Server.MaxSessions = n
	}

	if val, ok, err := get("METRICS_ADDRESS"); err != nil {
		return err
	} else if ok {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = val
	}

	if val, ok, err := get("LOG_LEVEL"); err != nil {
		return err
	} else if ok {
		cfg.Log.Level = val
	}

	if val, ok, err := get("LOG_FORMAT"); err != nil {
		return err
	} else if ok {
		cfg.Log.Format = val
	}
	return nil
}
