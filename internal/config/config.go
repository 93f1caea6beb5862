package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/gatestream/internal/arb"
	"github.com/danmuck/gatestream/internal/auth"
	"github.com/danmuck/gatestream/internal/logproxy"
	"github.com/danmuck/gatestream/internal/plugin"
	"github.com/danmuck/gatestream/internal/protocol/session"
)

var ErrInvalidConfig = errors.New("config: invalid")

type AdminConfig struct {
	Enabled     bool
	Addr        string
	CorsOrigins []string
	Token       string
}

type PluginConfig struct {
	Name       string
	Definition string
	LogLevel   string
	ArbCmds    []arb.Cmd
}

// Config describes one gatectl process: the plugin chain it hosts, the link
// timeouts and the optional admin server.
type Config struct {
	Name       string
	LogLevel   logproxy.Level
	SinkBuffer int
	ListenAddr string
	Session    session.Config
	Admin      AdminConfig
	Plugins    []PluginConfig
}

func Default() Config {
	return Config{
		Name:       "gatectl",
		LogLevel:   logproxy.Info,
		SinkBuffer: 256,
		ListenAddr: "127.0.0.1:0",
		Session:    session.DefaultConfig(),
		Admin:      AdminConfig{Addr: "127.0.0.1:9400", Token: os.Getenv(auth.TokenEnv)},
		Plugins: []PluginConfig{
			{Name: "front", Definition: "circuit"},
			{Name: "op", Definition: "forward"},
			{Name: "back", Definition: "bits"},
		},
	}
}

type fileConfig struct {
	Name       string       `toml:"name"`
	SinkBuffer int          `toml:"sink_buffer"`
	Log        fileLog      `toml:"log"`
	Session    fileSession  `toml:"session"`
	Admin      fileAdmin    `toml:"admin"`
	Plugins    []filePlugin `toml:"plugins"`
}

type fileLog struct {
	Level string `toml:"level"`
}

type fileSession struct {
	Listen             string `toml:"listen"`
	ConnectTimeout     string `toml:"connect_timeout"`
	ReadTimeout        string `toml:"read_timeout"`
	WriteTimeout       string `toml:"write_timeout"`
	FlushTimeout       string `toml:"flush_timeout"`
	QueueDepth         int    `toml:"queue_depth"`
	Workers            int    `toml:"workers"`
	MaxConnectAttempts int    `toml:"max_connect_attempts"`
}

type fileAdmin struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
	Token       string   `toml:"token"`
}

type filePlugin struct {
	Name       string       `toml:"name"`
	Definition string       `toml:"definition"`
	LogLevel   string       `toml:"log_level"`
	ArbCmds    []fileArbCmd `toml:"arb_cmds"`
}

type fileArbCmd struct {
	Interface string   `toml:"interface"`
	Operation string   `toml:"operation"`
	JSON      string   `toml:"json"`
	Args      []string `toml:"args"`
}

// Load reads a TOML file. Keys that are absent keep their defaults.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	return fromFile(raw, meta)
}

// Parse is Load for in-memory TOML.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	return fromFile(raw, meta)
}

func fromFile(raw fileConfig, meta toml.MetaData) (Config, error) {
	cfg := Default()
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %s", ErrInvalidConfig, undecoded[0])
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("sink_buffer") {
		cfg.SinkBuffer = raw.SinkBuffer
	}
	if meta.IsDefined("log", "level") {
		lvl, err := logproxy.ParseLevel(raw.Log.Level)
		if err != nil {
			return Config{}, fmt.Errorf("parse log.level: %w", err)
		}
		cfg.LogLevel = lvl
	}

	if meta.IsDefined("session", "listen") {
		cfg.ListenAddr = strings.TrimSpace(raw.Session.Listen)
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.Session.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"read_timeout", raw.Session.ReadTimeout, &cfg.Session.ReadTimeout},
		{"write_timeout", raw.Session.WriteTimeout, &cfg.Session.WriteTimeout},
		{"flush_timeout", raw.Session.FlushTimeout, &cfg.Session.FlushTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse session.%s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("session", "queue_depth") {
		cfg.Session.QueueDepth = raw.Session.QueueDepth
	}
	if meta.IsDefined("session", "workers") {
		cfg.Session.Workers = raw.Session.Workers
	}
	if meta.IsDefined("session", "max_connect_attempts") {
		cfg.Session.MaxConnectAttempts = raw.Session.MaxConnectAttempts
	}

	if meta.IsDefined("admin", "enabled") {
		cfg.Admin.Enabled = raw.Admin.Enabled
	}
	if meta.IsDefined("admin", "addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CorsOrigins = raw.Admin.CorsOrigins
	}
	if meta.IsDefined("admin", "token") {
		cfg.Admin.Token = strings.TrimSpace(raw.Admin.Token)
	}
	if v := os.Getenv(auth.TokenEnv); v != "" {
		cfg.Admin.Token = v
	}

	if meta.IsDefined("plugins") {
		plugins, err := pluginsFrom(raw.Plugins)
		if err != nil {
			return Config{}, err
		}
		cfg.Plugins = plugins
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func pluginsFrom(in []filePlugin) ([]PluginConfig, error) {
	out := make([]PluginConfig, 0, len(in))
	for i, p := range in {
		pc := PluginConfig{
			Name:       strings.TrimSpace(p.Name),
			Definition: strings.TrimSpace(p.Definition),
			LogLevel:   strings.TrimSpace(p.LogLevel),
		}
		for j, c := range p.ArbCmds {
			args := make([][]byte, len(c.Args))
			for k, a := range c.Args {
				args[k] = []byte(a)
			}
			data, err := arb.NewData([]byte(c.JSON), args...)
			if err != nil {
				return nil, fmt.Errorf("plugins[%d].arb_cmds[%d]: %w", i, j, err)
			}
			cmd, err := arb.NewCmd(c.Interface, c.Operation, data)
			if err != nil {
				return nil, fmt.Errorf("plugins[%d].arb_cmds[%d]: %w", i, j, err)
			}
			pc.ArbCmds = append(pc.ArbCmds, cmd)
		}
		out = append(out, pc)
	}
	return out, nil
}

func Validate(cfg Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidConfig)
	}
	if cfg.SinkBuffer < 0 {
		return fmt.Errorf("%w: sink_buffer must not be negative", ErrInvalidConfig)
	}
	if cfg.ListenAddr == "" {
		return fmt.Errorf("%w: missing session.listen", ErrInvalidConfig)
	}
	if _, _, err := session.ParseEndpoint(cfg.ListenAddr); err != nil {
		return fmt.Errorf("%w: session.listen: %v", ErrInvalidConfig, err)
	}
	s := cfg.Session
	if s.ConnectTimeout < 0 || s.ReadTimeout < 0 || s.WriteTimeout < 0 || s.FlushTimeout < 0 {
		return fmt.Errorf("%w: session timeouts must not be negative", ErrInvalidConfig)
	}
	if s.QueueDepth < 0 || s.Workers < 0 || s.MaxConnectAttempts < 0 {
		return fmt.Errorf("%w: session counts must not be negative", ErrInvalidConfig)
	}
	if cfg.Admin.Enabled && cfg.Admin.Addr == "" {
		return fmt.Errorf("%w: admin.addr required when admin is enabled", ErrInvalidConfig)
	}
	if len(cfg.Plugins) < 2 {
		return fmt.Errorf("%w: a chain needs at least 2 plugins, got %d", ErrInvalidConfig, len(cfg.Plugins))
	}
	seen := make(map[string]bool, len(cfg.Plugins))
	for i, p := range cfg.Plugins {
		if err := ValidatePlugin(p, i, len(cfg.Plugins)); err != nil {
			return fmt.Errorf("plugins[%d] invalid: %w", i, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("plugins[%d] invalid: %w: duplicate name %q", i, ErrInvalidConfig, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// ValidatePlugin checks that the definition supports the role implied by
// position i in a chain of n plugins.
func ValidatePlugin(p PluginConfig, i, n int) error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	def, ok := plugin.Get(p.Definition)
	if !ok {
		return fmt.Errorf("%w: unknown definition %q (have %s)", ErrInvalidConfig, p.Definition, strings.Join(plugin.Names(), ", "))
	}
	switch {
	case i == 0 && def.Frontend == nil:
		return fmt.Errorf("%w: %s cannot be a frontend", ErrInvalidConfig, p.Definition)
	case i == n-1 && def.Backend == nil:
		return fmt.Errorf("%w: %s cannot be a backend", ErrInvalidConfig, p.Definition)
	case i > 0 && i < n-1 && def.Operator == nil:
		return fmt.Errorf("%w: %s cannot be an operator", ErrInvalidConfig, p.Definition)
	}
	if p.LogLevel != "" {
		if _, err := logproxy.ParseLevel(p.LogLevel); err != nil {
			return fmt.Errorf("%w: log_level: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}
