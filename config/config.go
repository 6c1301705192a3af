package config

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/c360/semscope/component"
	"github.com/c360/semscope/errors"
)

// DefaultRootContainer is the container the daemon runs in when platform.root is unset
const DefaultRootContainer = "main"

// EnvPrefix prefixes the environment variables that override file settings
const EnvPrefix = "SEMSCOPE"

// ComponentConfigs holds the component descriptions, keyed by component name
type ComponentConfigs map[string]ComponentConfig

// Config describes a daemon and the microscope it runs
type Config struct {
	Version    string           `yaml:"version,omitempty"    json:"version,omitempty"    validate:"omitempty,semver"`
	Platform   PlatformConfig   `yaml:"platform"             json:"platform"`
	NATS       NATSConfig       `yaml:"nats"                 json:"nats"`
	Metrics    MetricsConfig    `yaml:"metrics"              json:"metrics"`
	Log        LogConfig        `yaml:"log"                  json:"log"`
	Timeouts   TimeoutConfig    `yaml:"timeouts"             json:"timeouts"`
	Containers []string         `yaml:"containers,omitempty" json:"containers,omitempty" validate:"dive,required"`
	Components ComponentConfigs `yaml:"components"           json:"components"           validate:"dive"`
}

// PlatformConfig identifies the microscope
type PlatformConfig struct {
	ID    string `yaml:"id"              json:"id"              validate:"required"`
	Model string `yaml:"model,omitempty" json:"model,omitempty"`
	// Root is the container the daemon itself runs; components without a container go there
	Root string `yaml:"root,omitempty" json:"root,omitempty"`
}

// NATSConfig defines the broker connection
type NATSConfig struct {
	URLs           []string      `yaml:"urls,omitempty"            json:"urls,omitempty"            validate:"required_without=Embed,dive,url"`
	Embed          bool          `yaml:"embed,omitempty"           json:"embed,omitempty"`
	StoreDir       string        `yaml:"store_dir,omitempty"       json:"store_dir,omitempty"`
	MaxReconnects  int           `yaml:"max_reconnects,omitempty"  json:"max_reconnects,omitempty"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait,omitempty"  json:"reconnect_wait,omitempty"  validate:"gte=0"`
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty" json:"connect_timeout,omitempty" validate:"gte=0"`
	PingInterval   time.Duration `yaml:"ping_interval,omitempty"   json:"ping_interval,omitempty"   validate:"gte=0"`
	DrainTimeout   time.Duration `yaml:"drain_timeout,omitempty"   json:"drain_timeout,omitempty"   validate:"gte=0"`
	Username       string        `yaml:"username,omitempty"        json:"username,omitempty"`
	Password       string        `yaml:"password,omitempty"        json:"password,omitempty"`
	Token          string        `yaml:"token,omitempty"           json:"token,omitempty"`
}

// MetricsConfig controls the metrics and health endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"        json:"enabled"`
	Port    int    `yaml:"port,omitempty" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Path    string `yaml:"path,omitempty" json:"path,omitempty" validate:"omitempty,startswith=/"`
}

// LogConfig selects the log level and format
type LogConfig struct {
	Level  string `yaml:"level,omitempty"  json:"level,omitempty"  validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format,omitempty" json:"format,omitempty" validate:"omitempty,oneof=json text"`
}

// TimeoutConfig holds the container timing settings
type TimeoutConfig struct {
	Heartbeat        time.Duration `yaml:"heartbeat,omitempty"         json:"heartbeat,omitempty"         validate:"gte=0"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout,omitempty" json:"heartbeat_timeout,omitempty" validate:"omitempty,gtfield=Heartbeat"`
	Request          time.Duration `yaml:"request,omitempty"           json:"request,omitempty"           validate:"gte=0"`
	Ready            time.Duration `yaml:"ready,omitempty"             json:"ready,omitempty"             validate:"gte=0"`
	Stop             time.Duration `yaml:"stop,omitempty"              json:"stop,omitempty"              validate:"gte=0"`
}

// ComponentConfig describes one component of the microscope
type ComponentConfig struct {
	Class     string            `yaml:"class,omitempty"     json:"class,omitempty"     validate:"required_without=Creator"`
	Role      string            `yaml:"role"                json:"role"                validate:"required"`
	Container string            `yaml:"container,omitempty" json:"container,omitempty"`
	Init      map[string]any    `yaml:"init,omitempty"      json:"init,omitempty"`
	Children  map[string]string `yaml:"children,omitempty"  json:"children,omitempty"`
	Affects   []string          `yaml:"affects,omitempty"   json:"affects,omitempty"`
	// Creator names the component that builds this one; it is then looked up, not instantiated
	Creator string `yaml:"creator,omitempty" json:"creator,omitempty"`
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "SafeConfig", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Defaults returns the settings used for everything a file leaves out
func Defaults() *Config {
	return &Config{
		Platform: PlatformConfig{Root: DefaultRootContainer},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
		Log:     LogConfig{Level: "info", Format: "json"},
		Timeouts: TimeoutConfig{
			Heartbeat:        time.Second,
			HeartbeatTimeout: 3 * time.Second,
			Request:          30 * time.Second,
			Ready:            30 * time.Second,
			Stop:             10 * time.Second,
		},
	}
}

// RootContainer returns the name of the daemon's own container
func (c *Config) RootContainer() string {
	if c.Platform.Root == "" {
		return DefaultRootContainer
	}
	return c.Platform.Root
}

// ChildContainers returns the containers the daemon launches, root excluded
func (c *Config) ChildContainers() []string {
	root := c.RootContainer()
	var out []string
	for _, name := range c.Containers {
		if name != root && !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

// ContainerOf returns the container a component is instantiated in
func (c *Config) ContainerOf(name string) string {
	if cc, ok := c.Components[name]; ok && cc.Container != "" {
		return cc.Container
	}
	return c.RootContainer()
}

// Validate checks the struct constraints, then that every name the description refers
// to is declared
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, describeValidation(err)),
			"Config", "Validate", "check fields")
	}
	if err := c.validateReferences(); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Config", "Validate", "check references")
	}
	return nil
}

func (c *Config) validateReferences() error {
	root := c.RootContainer()
	containers := map[string]bool{root: true}
	for _, name := range append([]string{root}, c.Containers...) {
		if err := component.ValidateComponentName(name); err != nil {
			return fmt.Errorf("container %q: %w", name, err)
		}
		containers[name] = true
	}

	for _, name := range sortedNames(c.Components) {
		cc := c.Components[name]
		if err := component.ValidateComponentName(name); err != nil {
			return fmt.Errorf("component %q: %w", name, err)
		}
		if cc.Container != "" && !containers[cc.Container] {
			return fmt.Errorf("component %s: container %q is not declared", name, cc.Container)
		}
		if err := component.ValidateArgs(component.Args(cc.Init)); err != nil {
			return fmt.Errorf("component %s: init: %w", name, err)
		}
		for role, child := range cc.Children {
			if _, ok := c.Components[child]; !ok {
				return fmt.Errorf("component %s: child %s (%s) is not declared", name, child, role)
			}
			if child == name {
				return fmt.Errorf("component %s is its own child", name)
			}
		}
		for _, affected := range cc.Affects {
			if _, ok := c.Components[affected]; !ok {
				return fmt.Errorf("component %s: affects undeclared component %s", name, affected)
			}
		}
		if cc.Creator != "" {
			creator, ok := c.Components[cc.Creator]
			if !ok {
				return fmt.Errorf("component %s: creator %s is not declared", name, cc.Creator)
			}
			if !mapContains(creator.Children, name) {
				return fmt.Errorf("component %s: creator %s does not list it as a child", name, cc.Creator)
			}
		}
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s fails %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s fails %s", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func mapContains(m map[string]string, value string) bool {
	for _, v := range m {
		if v == value {
			return true
		}
	}
	return false
}

func sortedNames(components ComponentConfigs) []string {
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
	}
}

// AddLayer adds a configuration file layer. Later layers override the fields they set;
// a component described again replaces the earlier description.
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

// Load reads every layer over the defaults, then applies environment overrides
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()
	for _, path := range l.layers {
		data, err := readConfigFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "read "+path)
		}
		if err := decodeLayer(data, cfg); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %s: %w", errors.ErrInvalidConfig, path, err), "Loader", "Load", "parse layer")
		}
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

// Parse decodes a YAML description over the defaults and validates it
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := decodeLayer(data, cfg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Config", "Parse", "decode")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeLayer(data []byte, cfg *Config) error {
	if err := validateYAMLDepth(data); err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !stderrors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	overrides := []struct {
		key   string
		apply func(string)
	}{
		{"_NATS_URL", func(v string) { cfg.NATS.URLs = strings.Split(v, ",") }},
		{"_LOG_LEVEL", func(v string) { cfg.Log.Level = strings.ToLower(v) }},
		{"_LOG_FORMAT", func(v string) { cfg.Log.Format = strings.ToLower(v) }},
		{"_PLATFORM_ID", func(v string) { cfg.Platform.ID = v }},
		{"_NATS_TOKEN", func(v string) { cfg.NATS.Token = v }},
	}
	for _, o := range overrides {
		key := l.envPrefix + o.key
		val := os.Getenv(key)
		if val == "" {
			continue
		}
		if err := checkEnvValue(key, val); err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Loader", "applyEnvOverrides", "read "+key)
		}
		o.apply(val)
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.WrapFatal(err, "Config", "SaveToFile", "encode")
	}
	return writeConfigFile(path, data)
}

// String returns the YAML form of the config
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// CompareVersions compares two semver version strings
// Returns:
//
//	-1 if v1 < v2
//	 0 if v1 == v2
//	 1 if v1 > v2
//	error if either version is invalid
func CompareVersions(v1, v2 string) (int, error) {
	a, err := parseSemVer(v1)
	if err != nil {
		return 0, fmt.Errorf("invalid version '%s': %w", v1, err)
	}
	b, err := parseSemVer(v2)
	if err != nil {
		return 0, fmt.Errorf("invalid version '%s': %w", v2, err)
	}
	return slices.Compare(a[:], b[:]), nil
}

// parseSemVer parses a semantic version string (e.g., "1.2.3") into major, minor, patch
func parseSemVer(version string) ([3]int, error) {
	var out [3]int
	if version == "" {
		return out, fmt.Errorf("version cannot be empty")
	}
	version = strings.TrimPrefix(version, "v")
	if i := strings.IndexAny(version, "-+"); i >= 0 {
		version = version[:i]
	}
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return out, fmt.Errorf("version must be in format 'major.minor.patch', got '%s'", version)
	}
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return out, fmt.Errorf("invalid version part '%s': %w", part, err)
		}
		out[i] = n
	}
	return out, nil
}
