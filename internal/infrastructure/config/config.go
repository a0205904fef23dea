package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/klauspost/compress/zstd"
	"github.com/pelletier/go-toml/v2"

	"github.com/GriffinCanCode/vizflow/internal/archive"
	"github.com/GriffinCanCode/vizflow/internal/insitu/coupling"
	"github.com/GriffinCanCode/vizflow/internal/insitu/orchestrator"
	"github.com/GriffinCanCode/vizflow/internal/shm"
)

// EnvPrefix is prepended to every environment variable, e.g. VIZFLOW_SHM_BACKEND.
const EnvPrefix = "VIZFLOW"

// ErrInvalid marks a configuration that failed validation.
var ErrInvalid = errors.New("config: invalid configuration")

// Config holds all application configuration.
type Config struct {
	Shm      ShmConfig      `split_words:"true" yaml:"shm" toml:"shm"`
	Channel  ChannelConfig  `split_words:"true" yaml:"channel" toml:"channel"`
	Coupling CouplingConfig `split_words:"true" yaml:"coupling" toml:"coupling"`
	Archive  ArchiveConfig  `split_words:"true" yaml:"archive" toml:"archive"`
	Logging  LogConfig      `split_words:"true" yaml:"logging" toml:"logging"`
	Server   ServerConfig   `split_words:"true" yaml:"server" toml:"server"`
}

// ShmConfig selects where shared segments live.
type ShmConfig struct {
	Backend    string `split_words:"true" default:"file" yaml:"backend" toml:"backend"`
	Dir        string `split_words:"true" default:"/dev/shm" yaml:"dir" toml:"dir"`
	ArenaSize  int    `split_words:"true" default:"67108864" yaml:"arena_size" toml:"arena_size"`
	Slots      int    `split_words:"true" default:"4096" yaml:"slots" toml:"slots"`
	DirEntries int    `split_words:"true" default:"1024" yaml:"dir_entries" toml:"dir_entries"`
	Prefix     string `split_words:"true" default:"vizflow" yaml:"prefix" toml:"prefix"`
	NameLog    string `split_words:"true" yaml:"name_log" toml:"name_log"`
}

// ChannelConfig sizes message channels.
type ChannelConfig struct {
	Capacity  int `split_words:"true" default:"64" yaml:"capacity" toml:"capacity"`
	ChunkSize int `split_words:"true" default:"65536" yaml:"chunk_size" toml:"chunk_size"`
}

// CouplingConfig holds the module side of a simulation session.
type CouplingConfig struct {
	HandshakePath string `split_words:"true" yaml:"handshake" toml:"handshake"`
	Rank          int    `split_words:"true" default:"0" yaml:"rank" toml:"rank"`
	MPISize       int    `split_words:"true" default:"1" yaml:"mpi_size" toml:"mpi_size"`
	ModuleID      int    `split_words:"true" default:"1" yaml:"module_id" toml:"module_id"`
	ModuleName    string `split_words:"true" default:"vizflow" yaml:"module_name" toml:"module_name"`

	EndTimeout  Duration `split_words:"true" default:"5s" yaml:"end_timeout" toml:"end_timeout"`
	SendTimeout Duration `split_words:"true" default:"5s" yaml:"send_timeout" toml:"send_timeout"`

	Spins           int      `split_words:"true" default:"64" yaml:"spins" toml:"spins"`
	InitialInterval Duration `split_words:"true" default:"50us" yaml:"backoff_initial" toml:"backoff_initial"`
	MaxInterval     Duration `split_words:"true" default:"10ms" yaml:"backoff_max" toml:"backoff_max"`
	Multiplier      float64  `split_words:"true" default:"2" yaml:"backoff_multiplier" toml:"backoff_multiplier"`
	Jitter          float64  `split_words:"true" default:"0.2" yaml:"backoff_jitter" toml:"backoff_jitter"`
	CloseTimeout    Duration `split_words:"true" default:"1s" yaml:"close_timeout" toml:"close_timeout"`

	BreakerThreshold uint32   `split_words:"true" default:"5" yaml:"breaker_threshold" toml:"breaker_threshold"`
	BreakerTimeout   Duration `split_words:"true" default:"30s" yaml:"breaker_timeout" toml:"breaker_timeout"`

	Frequency     int64 `split_words:"true" default:"1" yaml:"frequency" toml:"frequency"`
	KeepTimesteps int64 `split_words:"true" default:"1" yaml:"keep_timesteps" toml:"keep_timesteps"`
}

// ArchiveConfig controls inline object frames.
type ArchiveConfig struct {
	Compress bool   `split_words:"true" default:"false" yaml:"compress" toml:"compress"`
	Level    string `split_words:"true" default:"fastest" yaml:"level" toml:"level"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `split_words:"true" default:"info" yaml:"level" toml:"level"`
	Development bool   `split_words:"true" default:"false" yaml:"development" toml:"development"`
}

// ServerConfig holds the status server configuration.
type ServerConfig struct {
	Enabled bool   `split_words:"true" default:"true" yaml:"enabled" toml:"enabled"`
	Host    string `split_words:"true" default:"127.0.0.1" yaml:"host" toml:"host"`
	Port    string `split_words:"true" default:"9464" yaml:"port" toml:"port"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// Duration is a time.Duration written as "5s" in files and the environment.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile loads the environment, then overlays the file at path. Values
// present in the file win. An empty path behaves like Load.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := overlay(&cfg, filepath.Ext(path), data); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func overlay(cfg *Config, ext string, data []byte) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml":
		return toml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Shm: ShmConfig{
			Backend:    "file",
			Dir:        shm.DefaultDir,
			ArenaSize:  64 << 20,
			Slots:      4096,
			DirEntries: 1024,
			Prefix:     "vizflow",
		},
		Channel: ChannelConfig{
			Capacity:  64,
			ChunkSize: 64 << 10,
		},
		Coupling: CouplingConfig{
			MPISize:          1,
			ModuleID:         1,
			ModuleName:       "vizflow",
			EndTimeout:       Duration{5 * time.Second},
			SendTimeout:      Duration{5 * time.Second},
			Spins:            64,
			InitialInterval:  Duration{50 * time.Microsecond},
			MaxInterval:      Duration{10 * time.Millisecond},
			Multiplier:       2,
			Jitter:           0.2,
			CloseTimeout:     Duration{time.Second},
			BreakerThreshold: 5,
			BreakerTimeout:   Duration{30 * time.Second},
			Frequency:        1,
			KeepTimesteps:    1,
		},
		Archive: ArchiveConfig{
			Level: "fastest",
		},
		Logging: LogConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    "9464",
		},
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Shm.Backend {
	case "file", "heap":
	default:
		bad("shm backend %q is not file or heap", c.Shm.Backend)
	}
	if c.Shm.ArenaSize <= 0 {
		bad("arena size %d", c.Shm.ArenaSize)
	}
	if c.Shm.Prefix == "" {
		bad("empty shm prefix")
	}
	if c.Channel.Capacity <= 0 || c.Channel.ChunkSize <= 0 {
		bad("channel capacity %d, chunk size %d", c.Channel.Capacity, c.Channel.ChunkSize)
	}
	if c.Coupling.Rank < 0 || c.Coupling.MPISize < 1 || c.Coupling.Rank >= c.Coupling.MPISize {
		bad("rank %d of %d", c.Coupling.Rank, c.Coupling.MPISize)
	}
	if c.Coupling.Frequency < 1 {
		bad("frequency %d", c.Coupling.Frequency)
	}
	if c.Coupling.Multiplier < 1 {
		bad("backoff multiplier %g", c.Coupling.Multiplier)
	}
	if c.Coupling.Jitter < 0 || c.Coupling.Jitter >= 1 {
		bad("backoff jitter %g", c.Coupling.Jitter)
	}
	if _, err := c.Archive.EncoderLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// EncoderLevel parses the archive compression level.
func (a ArchiveConfig) EncoderLevel() (zstd.EncoderLevel, error) {
	ok, level := zstd.EncoderLevelFromString(a.Level)
	if !ok {
		return 0, fmt.Errorf("%w: archive level %q", ErrInvalid, a.Level)
	}
	return level, nil
}

// ArchiveOptions converts the archive section for archive.Marshal.
func (c *Config) ArchiveOptions() archive.Options {
	level, err := c.Archive.EncoderLevel()
	if err != nil {
		level = zstd.SpeedFastest
	}
	return archive.Options{Compress: c.Archive.Compress, Level: level}
}

// ArenaOptions converts the shm section for shm.Create.
func (c *Config) ArenaOptions() shm.Options {
	return shm.Options{Slots: c.Shm.Slots, DirEntries: c.Shm.DirEntries}
}

// Orchestrator converts the coupling and channel sections.
func (c *Config) Orchestrator() orchestrator.Config {
	k := c.Coupling
	return orchestrator.Config{
		HandshakePath:    k.HandshakePath,
		Rank:             k.Rank,
		MPISize:          k.MPISize,
		ModuleID:         k.ModuleID,
		ModuleName:       k.ModuleName,
		ChannelPrefix:    c.Shm.Prefix,
		ChannelCapacity:  c.Channel.Capacity,
		ChunkSize:        c.Channel.ChunkSize,
		EndTimeout:       k.EndTimeout.Duration,
		SendTimeout:      k.SendTimeout.Duration,
		Frequency:        k.Frequency,
		KeepTimesteps:    k.KeepTimesteps,
		BreakerThreshold: k.BreakerThreshold,
		BreakerTimeout:   k.BreakerTimeout.Duration,
		Worker: coupling.Options{
			Spins:           k.Spins,
			InitialInterval: k.InitialInterval.Duration,
			MaxInterval:     k.MaxInterval.Duration,
			Multiplier:      k.Multiplier,
			Jitter:          k.Jitter,
			CloseTimeout:    k.CloseTimeout.Duration,
		},
	}
}
