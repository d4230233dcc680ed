package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/NodePath81/fbping/internal/util"
	"gopkg.in/yaml.v3"
)

const (
	defaultProbeInterval    = 1 * time.Second
	defaultProbeTimeout     = 10 * time.Second
	defaultProbeTick        = 100 * time.Millisecond
	defaultReconnectBackoff = 10 * time.Second
	defaultTCPNoDelay       = true

	defaultReportInterval = 60 * time.Second

	defaultListenAddr  = "0.0.0.0"
	defaultIdleTimeout = 60 * time.Second
	defaultReaperTick  = 1 * time.Second
	defaultMaxSessions = 128

	defaultControlAddr           = "127.0.0.1"
	defaultControlMetricsEnabled = true
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ClientConfig drives the fbping client: where to probe, how often, and
// where reports go.
type ClientConfig struct {
	Server  ServerEndpoint `yaml:"server"`
	Probe   ProbeConfig    `yaml:"probe"`
	Report  ReportConfig   `yaml:"report"`
	Control ControlConfig  `yaml:"control"`
	Log     LogConfig      `yaml:"log"`
}

type ServerEndpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ProbeConfig struct {
	Interval         Duration `yaml:"interval"`
	Timeout          Duration `yaml:"timeout"`
	Tick             Duration `yaml:"tick"`
	ReconnectBackoff Duration `yaml:"reconnect_backoff"`
	TCPNoDelay       *bool    `yaml:"tcp_nodelay"`
}

func (p ProbeConfig) NoDelay() bool {
	return util.BoolValue(p.TCPNoDelay, defaultTCPNoDelay)
}

type ReportConfig struct {
	Interval Duration `yaml:"interval"`
	Output   string   `yaml:"output"`
}

// ServerConfig drives fbpingd: one TCP plus one UDP listener on a shared
// port, and session expiry policy.
type ServerConfig struct {
	Listen   ListenConfig  `yaml:"listen"`
	Sessions SessionConfig `yaml:"sessions"`
	Control  ControlConfig `yaml:"control"`
	Geo      GeoConfig     `yaml:"geo"`
	Log      LogConfig     `yaml:"log"`
}

type ListenConfig struct {
	Addr string `yaml:"addr"`
	Port int    `yaml:"port"`
}

type SessionConfig struct {
	IdleTimeout Duration `yaml:"idle_timeout"`
	ReaperTick  Duration `yaml:"reaper_tick"`
	MaxSessions int      `yaml:"max_sessions"`
}

type GeoConfig struct {
	MMDBPath string `yaml:"mmdb_path"`
}

// ControlConfig describes the optional HTTP control endpoint. It stays
// off unless a bind port is configured.
type ControlConfig struct {
	BindAddr  string               `yaml:"bind_addr"`
	BindPort  int                  `yaml:"bind_port"`
	AuthToken string               `yaml:"auth_token"`
	Metrics   ControlMetricsConfig `yaml:"metrics"`
}

type ControlMetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

func (c ControlConfig) IsEnabled() bool {
	return c.BindPort != 0
}

func (m ControlMetricsConfig) IsEnabled() bool {
	return util.BoolValue(m.Enabled, defaultControlMetricsEnabled)
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func LoadClientConfig(path string) (ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ClientConfig{}, err
	}
	var cfg ClientConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return ClientConfig{}, err
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// ClientFromFlags builds a client config from command line values,
// applying the same defaults and validation as a config file.
func ClientFromFlags(host string, port int, interval, timeout time.Duration, output string) (ClientConfig, error) {
	cfg := ClientConfig{
		Server: ServerEndpoint{Host: host, Port: port},
		Probe: ProbeConfig{
			Interval: Duration(interval),
			Timeout:  Duration(timeout),
		},
		Report: ReportConfig{Output: output},
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func LoadServerConfig(path string) (ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ServerConfig{}, err
	}
	var cfg ServerConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return ServerConfig{}, err
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// ServerFromFlags builds a server config from command line values,
// applying the same defaults and validation as a config file.
func ServerFromFlags(addr string, port int) (ServerConfig, error) {
	cfg := ServerConfig{
		Listen: ListenConfig{Addr: addr, Port: port},
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// ApplyFlags overrides file settings with command line values and
// revalidates. Zero values leave the file setting alone.
func (c *ClientConfig) ApplyFlags(host string, port int, interval, timeout time.Duration, output string) error {
	if host != "" {
		c.Server.Host = host
	}
	if port != 0 {
		c.Server.Port = port
	}
	if interval != 0 {
		c.Probe.Interval = Duration(interval)
	}
	if timeout != 0 {
		c.Probe.Timeout = Duration(timeout)
	}
	if output != "" {
		c.Report.Output = output
	}
	return c.validate()
}

// ApplyFlags overrides file settings with command line values and
// revalidates. Zero values leave the file setting alone.
func (c *ServerConfig) ApplyFlags(addr string, port int) error {
	if addr != "" {
		c.Listen.Addr = addr
	}
	if port != 0 {
		c.Listen.Port = port
	}
	return c.validate()
}

func (c *ClientConfig) setDefaults() {
	if c.Probe.Interval == 0 {
		c.Probe.Interval = Duration(defaultProbeInterval)
	}
	if c.Probe.Timeout == 0 {
		c.Probe.Timeout = Duration(defaultProbeTimeout)
	}
	if c.Probe.Tick == 0 {
		c.Probe.Tick = Duration(defaultProbeTick)
	}
	if c.Probe.ReconnectBackoff == 0 {
		c.Probe.ReconnectBackoff = Duration(defaultReconnectBackoff)
	}
	if c.Report.Interval == 0 {
		c.Report.Interval = Duration(defaultReportInterval)
	}
	if c.Control.BindAddr == "" {
		c.Control.BindAddr = defaultControlAddr
	}
}

func (c *ClientConfig) validate() error {
	c.Server.Host = strings.TrimSpace(c.Server.Host)
	if c.Server.Host == "" {
		return errors.New("server.host must not be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be in 1..65535")
	}
	if c.Probe.Interval.Duration() <= 0 {
		return errors.New("probe.interval must be > 0")
	}
	if c.Probe.Timeout.Duration() <= 0 {
		return errors.New("probe.timeout must be > 0")
	}
	if c.Probe.Tick.Duration() <= 0 {
		return errors.New("probe.tick must be > 0")
	}
	if c.Probe.ReconnectBackoff.Duration() <= 0 {
		return errors.New("probe.reconnect_backoff must be > 0")
	}
	if c.Report.Interval.Duration() <= 0 {
		return errors.New("report.interval must be > 0")
	}
	if err := c.Control.validate(); err != nil {
		return err
	}
	if _, err := util.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

func (c *ServerConfig) setDefaults() {
	if c.Listen.Addr == "" {
		c.Listen.Addr = defaultListenAddr
	}
	if c.Sessions.IdleTimeout == 0 {
		c.Sessions.IdleTimeout = Duration(defaultIdleTimeout)
	}
	if c.Sessions.ReaperTick == 0 {
		c.Sessions.ReaperTick = Duration(defaultReaperTick)
	}
	if c.Sessions.MaxSessions == 0 {
		c.Sessions.MaxSessions = defaultMaxSessions
	}
	if c.Control.BindAddr == "" {
		c.Control.BindAddr = defaultControlAddr
	}
}

func (c *ServerConfig) validate() error {
	c.Listen.Addr = strings.TrimSpace(c.Listen.Addr)
	if c.Listen.Addr == "" {
		return errors.New("listen.addr must not be empty")
	}
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return errors.New("listen.port must be in 1..65535")
	}
	if c.Sessions.IdleTimeout.Duration() <= 0 {
		return errors.New("sessions.idle_timeout must be > 0")
	}
	if c.Sessions.ReaperTick.Duration() <= 0 {
		return errors.New("sessions.reaper_tick must be > 0")
	}
	if c.Sessions.MaxSessions <= 0 {
		return errors.New("sessions.max_sessions must be > 0")
	}
	if err := c.Control.validate(); err != nil {
		return err
	}
	if _, err := util.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

func (c *ControlConfig) validate() error {
	if !c.IsEnabled() {
		return nil
	}
	if c.BindPort < 0 || c.BindPort > 65535 {
		return errors.New("control.bind_port must be in 1..65535")
	}
	if strings.TrimSpace(c.BindAddr) == "" {
		return errors.New("control.bind_addr must not be empty")
	}
	if c.AuthToken == "" {
		return errors.New("control.auth_token must not be empty")
	}
	return nil
}
