package framelink

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the file form of the connection settings.
// Durations are written as Go duration strings ("8s", "250ms").
type Config struct {
	Address        string        `toml:"address" yaml:"address"`
	ConnectTimeout time.Duration `toml:"connect_timeout" yaml:"connect_timeout"`

	WriteBufferSize int `toml:"write_buffer_size" yaml:"write_buffer_size"`
	ReadBufferSize  int `toml:"read_buffer_size" yaml:"read_buffer_size"`
	IdleBuffers     int `toml:"idle_buffers" yaml:"idle_buffers"`
	MaxFrameSize    int `toml:"max_frame_size" yaml:"max_frame_size"`

	KeepAlive         time.Duration `toml:"keep_alive" yaml:"keep_alive"`
	Timeout           time.Duration `toml:"timeout" yaml:"timeout"`
	AcquireTimeout    time.Duration `toml:"acquire_timeout" yaml:"acquire_timeout"`
	SuperviseInterval time.Duration `toml:"supervise_interval" yaml:"supervise_interval"`

	// Compression names the body compression applied by the codec:
	// "", "none", "zstd" or "lz4".
	Compression string `toml:"compression" yaml:"compression"`
}

// DefaultConfig returns the built-in connection defaults.
func DefaultConfig() Config {
	return Config{
		Address:           "127.0.0.1:9070",
		ConnectTimeout:    defaultConnectTimeout,
		WriteBufferSize:   defaultWriteBufferSize,
		ReadBufferSize:    defaultReadBufferSize,
		IdleBuffers:       defaultIdleBuffers,
		MaxFrameSize:      defaultMaxFrameSize,
		KeepAlive:         defaultKeepAlive,
		Timeout:           defaultTimeout,
		AcquireTimeout:    defaultAcquireTimeout,
		SuperviseInterval: defaultSuperviseInterval,
	}
}

// LoadConfig reads a TOML (.toml) or YAML (.yaml, .yml) file on top of
// DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config load failed (%s)", path)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		return Config{}, errors.Errorf("config load failed (%s): unknown format %q", path, ext)
	}
	if err != nil {
		return Config{}, errors.Wrapf(err, "config parse failed (%s)", path)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrapf(err, "config invalid (%s)", path)
	}
	return cfg, nil
}

// Validate checks the settings that have no sensible fallback.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		return errors.New("address is required")
	}
	if c.IdleBuffers < 0 {
		return errors.New("idle_buffers must not be negative")
	}
	if c.WriteBufferSize < 0 || c.ReadBufferSize < 0 || c.MaxFrameSize < 0 {
		return errors.New("buffer sizes must not be negative")
	}
	if c.AcquireTimeout < 0 || c.ConnectTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	switch strings.ToLower(c.Compression) {
	case "", "none", "zstd", "lz4":
	default:
		return errors.Errorf("unknown compression %q", c.Compression)
	}
	return nil
}

// Options converts the connection settings into Conn options. The codec
// is not part of the file and must be added by the caller.
func (c Config) Options() []Option {
	return []Option{
		WriteBufferSizeOption(c.WriteBufferSize),
		ReadBufferSizeOption(c.ReadBufferSize),
		IdleBuffersOption(c.IdleBuffers),
		MessageMaxSize(c.MaxFrameSize),
		KeepAliveOption(c.KeepAlive),
		TimeoutOption(c.Timeout),
		AcquireTimeoutOption(c.AcquireTimeout),
	}
}

// LoopOptions converts the supervisor settings into Loop options.
func (c Config) LoopOptions() []LoopOption {
	return []LoopOption{
		SuperviseIntervalOption(c.SuperviseInterval),
	}
}
