// Package config loads approxy's YAML configuration.
//
// Scalar sections go through viper so they get defaults and duration
// parsing. The two rule maps are decoded separately with yaml.v3 because
// their order is significant and their keys (upstream addresses) contain
// dots, which viper treats as key separators.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/die-net/approxy/internal/dialer"
	"github.com/die-net/approxy/internal/route"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "config.yml"

const (
	domainMapKey = "proxy_domain_map"
	appMapKey    = "proxy_app_map"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Dial      DialConfig      `mapstructure:"dial"`

	// DomainRules and AppRules keep file order.
	DomainRules []route.Spec `mapstructure:"-"`
	AppRules    []route.Spec `mapstructure:"-"`

	// Path is the file the configuration was read from, if any.
	Path string `mapstructure:"-"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// Backlog is accepted for compatibility; Go sizes the listen queue
	// from the kernel's somaxconn.
	Backlog int `mapstructure:"backlog"`

	// ExcludedServices are network services the system proxy toggle skips.
	ExcludedServices []string `mapstructure:"excluded_services"`

	// SystemProxy controls whether the OS proxy settings are changed.
	SystemProxy bool `mapstructure:"system_proxy"`
}

// Addr is host:port for the listener.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

func (d DashboardConfig) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`
	// Format is text or json.
	Format string `mapstructure:"format"`
	// File, when set, receives logs in addition to stderr.
	File string `mapstructure:"file"`
}

type RegistryConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	StaleTimeout  time.Duration `mapstructure:"stale_timeout"`
	IdleAfter     time.Duration `mapstructure:"idle_after"`
}

type DialConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	KeepAlive          time.Duration `mapstructure:"keepalive"`
}

// Dialer converts the dial section for the dialer package.
func (d DialConfig) Dialer() dialer.Config {
	return dialer.Config{
		DialTimeout:        d.Timeout,
		NegotiationTimeout: d.NegotiationTimeout,
		KeepAlive:          d.KeepAliveConfig(),
	}
}

// KeepAliveConfig disables keepalive for a non-positive interval.
func (d DialConfig) KeepAliveConfig() net.KeepAliveConfig {
	if d.KeepAlive <= 0 {
		return net.KeepAliveConfig{Enable: false}
	}
	return net.KeepAliveConfig{Enable: true, Idle: d.KeepAlive, Interval: d.KeepAlive, Count: 3}
}

// Default returns a Config with every default applied and no rules.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8080,
			Backlog:     511,
			SystemProxy: true,
		},
		Dashboard: DashboardConfig{
			Host: "127.0.0.1",
			Port: 8081,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Registry: RegistryConfig{
			SweepInterval: 30 * time.Second,
			StaleTimeout:  5 * time.Minute,
			IdleAfter:     30 * time.Second,
		},
		Dial: DialConfig{
			Timeout:            10 * time.Second,
			NegotiationTimeout: 10 * time.Second,
			KeepAlive:          30 * time.Second,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.backlog", d.Server.Backlog)
	v.SetDefault("server.excluded_services", []string{})
	v.SetDefault("server.system_proxy", d.Server.SystemProxy)

	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.host", d.Dashboard.Host)
	v.SetDefault("dashboard.port", d.Dashboard.Port)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)

	v.SetDefault("registry.sweep_interval", d.Registry.SweepInterval)
	v.SetDefault("registry.stale_timeout", d.Registry.StaleTimeout)
	v.SetDefault("registry.idle_after", d.Registry.IdleAfter)

	v.SetDefault("dial.timeout", d.Dial.Timeout)
	v.SetDefault("dial.negotiation_timeout", d.Dial.NegotiationTimeout)
	v.SetDefault("dial.keepalive", d.Dial.KeepAlive)
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes and validates YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	var err error
	cfg.DomainRules, cfg.AppRules, err = parseRuleMaps(data)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ports, logging options and every rule.
func (c *Config) Validate() error {
	if err := validPort("server.port", c.Server.Port); err != nil {
		return err
	}
	if c.Dashboard.Enabled {
		if err := validPort("dashboard.port", c.Dashboard.Port); err != nil {
			return err
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: logging.level %q", ErrInvalid, c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: logging.format %q", ErrInvalid, c.Logging.Format)
	}
	if c.Registry.SweepInterval <= 0 || c.Registry.StaleTimeout <= 0 {
		return fmt.Errorf("%w: registry intervals must be positive", ErrInvalid)
	}
	if _, err := c.Rules(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func validPort(name string, p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("%w: %s %d must be 1-65535", ErrInvalid, name, p)
	}
	return nil
}

// Rules compiles the rule maps.
func (c *Config) Rules() (*route.Rules, error) {
	return route.Compile(c.DomainRules, c.AppRules, c.Dial.Dialer())
}

// parseRuleMaps pulls the two rule maps out of the document in order.
func parseRuleMaps(data []byte) (domains, apps []route.Spec, err error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, nil, fmt.Errorf("%w: top level must be a mapping", ErrInvalid)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i].Value, root.Content[i+1]
		switch key {
		case domainMapKey:
			domains, err = decodeRuleMap(key, val)
		case appMapKey:
			apps, err = decodeRuleMap(key, val)
		}
		if err != nil {
			return nil, nil, err
		}
	}
	return domains, apps, nil
}

func decodeRuleMap(name string, n *yaml.Node) ([]route.Spec, error) {
	if n.Kind == yaml.ScalarNode && n.Tag == "!!null" {
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: %s must be a mapping (line %d)", ErrInvalid, name, n.Line)
	}

	specs := make([]route.Spec, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		var patterns []string
		switch v.Kind {
		case yaml.SequenceNode:
			if err := v.Decode(&patterns); err != nil {
				return nil, fmt.Errorf("%w: %s[%s] (line %d): %w", ErrInvalid, name, k.Value, v.Line, err)
			}
		case yaml.ScalarNode:
			if v.Value != "" {
				patterns = []string{v.Value}
			}
		default:
			return nil, fmt.Errorf("%w: %s[%s] must be a list (line %d)", ErrInvalid, name, k.Value, v.Line)
		}
		specs = append(specs, route.Spec{Upstream: k.Value, Patterns: patterns})
	}
	return specs, nil
}
