// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the realm manager configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	// Root is the base directory for realm runtime data. Other path
	// fields may reference it as ${REALM_ROOT}.
	Root string `yaml:"root"`

	// RootURL is the manifest URL of the root component.
	RootURL string `yaml:"root_url"`

	Manifests ManifestsConfig `yaml:"manifests"`
	Control   ControlConfig   `yaml:"control"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Events    EventsConfig    `yaml:"events"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Launcher  LauncherConfig  `yaml:"launcher"`

	// BuiltinCapabilities are offered to the root component from above
	// the root.
	BuiltinCapabilities []BuiltinCapability `yaml:"builtin_capabilities"`

	// BuiltinRunners are the runners available in the root environment.
	BuiltinRunners []string `yaml:"builtin_runners"`

	Policy PolicyConfig `yaml:"policy"`

	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains the fields that may be overridden per environment.
type Overrides struct {
	RootURL   string           `yaml:"root_url,omitempty"`
	Manifests *ManifestsConfig `yaml:"manifests,omitempty"`
	Control   *ControlConfig   `yaml:"control,omitempty"`
	Metrics   *MetricsConfig   `yaml:"metrics,omitempty"`
	Events    *EventsConfig    `yaml:"events,omitempty"`
}

// ManifestsConfig configures the file manifest resolver.
type ManifestsConfig struct {
	// Dirs are searched in order for file:// manifest URLs with
	// relative paths.
	Dirs []string `yaml:"dirs"`

	// Watch invalidates cached manifests when their files change.
	Watch bool `yaml:"watch"`
}

// ControlConfig configures the administrative socket.
type ControlConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// MetricsConfig configures the Prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// EventsConfig configures event dispatch and the audit log.
type EventsConfig struct {
	// SyncTimeout bounds how long a transition waits for synchronous
	// subscribers to resume an event.
	SyncTimeout time.Duration `yaml:"sync_timeout"`

	// Buffer is the default per-subscriber channel capacity.
	Buffer int `yaml:"buffer"`

	// LogPath enables the audit log when non-empty.
	LogPath string `yaml:"log_path"`

	// LogCompression is one of none, zstd, lz4.
	LogCompression string `yaml:"log_compression"`
}

// ResolverConfig configures manifest resolution.
type ResolverConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// LifecycleConfig configures instance lifecycle.
type LifecycleConfig struct {
	// StopTimeout bounds program stop when the environment does not
	// set its own.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// LauncherConfig configures the exec launcher.
type LauncherConfig struct {
	// RunDir holds per-instance namespace description files.
	RunDir string `yaml:"run_dir"`
}

// BuiltinCapability is a capability provided by the manager itself.
type BuiltinCapability struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`
	Path string `yaml:"path,omitempty"`
}

// PolicyConfig holds routing policy rules.
type PolicyConfig struct {
	Allow      []AllowRule    `yaml:"allow"`
	Boundaries []BoundaryRule `yaml:"boundaries"`
}

// AllowRule restricts which targets may receive a capability from a
// matching source. Source and Allowed are moniker globs.
type AllowRule struct {
	Kind       string   `yaml:"kind,omitempty"`
	Capability string   `yaml:"capability"`
	Source     string   `yaml:"source"`
	Allowed    []string `yaml:"allowed"`
}

// BoundaryRule forbids a capability's routing chain from passing
// through instances matching Boundary, other than its endpoints.
type BoundaryRule struct {
	Capability string `yaml:"capability"`
	Boundary   string `yaml:"boundary"`
}

var (
	capabilityKinds   = []string{"protocol", "directory", "storage", "runner", "resolver"}
	compressionKinds  = []string{"none", "zstd", "lz4"}
	variableReference = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)
)

// Default returns the configuration used as the base before the file
// is applied.
func Default() *Config {
	homeDirectory, _ := os.UserHomeDir()
	root := filepath.Join(homeDirectory, ".cache", "realm")

	return &Config{
		Environment: Development,
		Root:        root,
		Manifests:   ManifestsConfig{Watch: true},
		Control:     ControlConfig{SocketPath: "/run/realm/control.sock"},
		Events: EventsConfig{
			SyncTimeout:    30 * time.Second,
			Buffer:         64,
			LogCompression: "zstd",
		},
		Resolver:  ResolverConfig{Timeout: 10 * time.Second},
		Lifecycle: LifecycleConfig{StopTimeout: 5 * time.Second},
		Launcher:  LauncherConfig{RunDir: filepath.Join(root, "run")},
	}
}

// Load loads the file named by REALM_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("REALM_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("REALM_CONFIG environment variable not set; " +
			"set it to the path of your realm.yaml config file, or use --config flag")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path, applies the matching
// environment section, and expands variables in path fields.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = &Overrides{Manifests: &ManifestsConfig{Dirs: c.Manifests.Dirs, Watch: false}}
		}
	}
	if overrides == nil {
		return
	}

	if overrides.RootURL != "" {
		c.RootURL = overrides.RootURL
	}
	if overrides.Manifests != nil {
		if len(overrides.Manifests.Dirs) > 0 {
			c.Manifests.Dirs = overrides.Manifests.Dirs
		}
		c.Manifests.Watch = overrides.Manifests.Watch
	}
	if overrides.Control != nil && overrides.Control.SocketPath != "" {
		c.Control.SocketPath = overrides.Control.SocketPath
	}
	if overrides.Metrics != nil && overrides.Metrics.Address != "" {
		c.Metrics.Address = overrides.Metrics.Address
	}
	if overrides.Events != nil {
		if overrides.Events.SyncTimeout != 0 {
			c.Events.SyncTimeout = overrides.Events.SyncTimeout
		}
		if overrides.Events.Buffer != 0 {
			c.Events.Buffer = overrides.Events.Buffer
		}
		if overrides.Events.LogPath != "" {
			c.Events.LogPath = overrides.Events.LogPath
		}
		if overrides.Events.LogCompression != "" {
			c.Events.LogCompression = overrides.Events.LogCompression
		}
	}
}

func (c *Config) expandVariables() {
	variables := map[string]string{
		"REALM_ROOT": c.Root,
		"HOME":       os.Getenv("HOME"),
	}
	c.Root = expandVars(c.Root, variables)
	variables["REALM_ROOT"] = c.Root

	c.RootURL = expandVars(c.RootURL, variables)
	for i, directory := range c.Manifests.Dirs {
		c.Manifests.Dirs[i] = expandVars(directory, variables)
	}
	c.Control.SocketPath = expandVars(c.Control.SocketPath, variables)
	c.Events.LogPath = expandVars(c.Events.LogPath, variables)
	c.Launcher.RunDir = expandVars(c.Launcher.RunDir, variables)
	for i := range c.BuiltinCapabilities {
		c.BuiltinCapabilities[i].Path = expandVars(c.BuiltinCapabilities[i].Path, variables)
	}
}

// expandVars replaces ${VAR} and ${VAR:-default}. Provided variables
// take precedence over the process environment.
func expandVars(s string, variables map[string]string) string {
	return variableReference.ReplaceAllStringFunc(s, func(match string) string {
		parts := variableReference.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value, ok := variables[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// Validate reports every configuration error at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.RootURL == "" {
		errs = append(errs, errors.New("root_url is required"))
	}
	if c.Control.SocketPath == "" {
		errs = append(errs, errors.New("control.socket_path is required"))
	}
	if c.Events.SyncTimeout <= 0 {
		errs = append(errs, errors.New("events.sync_timeout must be positive"))
	}
	if c.Events.Buffer < 0 {
		errs = append(errs, errors.New("events.buffer must not be negative"))
	}
	if !slices.Contains(compressionKinds, c.Events.LogCompression) {
		errs = append(errs, fmt.Errorf("events.log_compression must be one of: %v", compressionKinds))
	}
	if c.Resolver.Timeout <= 0 {
		errs = append(errs, errors.New("resolver.timeout must be positive"))
	}
	if c.Lifecycle.StopTimeout <= 0 {
		errs = append(errs, errors.New("lifecycle.stop_timeout must be positive"))
	}

	seen := make(map[string]bool)
	for i, builtin := range c.BuiltinCapabilities {
		if !slices.Contains(capabilityKinds, builtin.Kind) {
			errs = append(errs, fmt.Errorf("builtin_capabilities[%d]: kind must be one of: %v", i, capabilityKinds))
		}
		if builtin.Name == "" {
			errs = append(errs, fmt.Errorf("builtin_capabilities[%d]: name is required", i))
		}
		key := builtin.Kind + "/" + builtin.Name
		if seen[key] {
			errs = append(errs, fmt.Errorf("builtin_capabilities[%d]: duplicate %s %q", i, builtin.Kind, builtin.Name))
		}
		seen[key] = true
	}
	for i, rule := range c.Policy.Allow {
		if rule.Capability == "" || rule.Source == "" {
			errs = append(errs, fmt.Errorf("policy.allow[%d]: capability and source are required", i))
		}
		if rule.Kind != "" && !slices.Contains(capabilityKinds, rule.Kind) {
			errs = append(errs, fmt.Errorf("policy.allow[%d]: kind must be one of: %v", i, capabilityKinds))
		}
	}
	for i, rule := range c.Policy.Boundaries {
		if rule.Capability == "" || rule.Boundary == "" {
			errs = append(errs, fmt.Errorf("policy.boundaries[%d]: capability and boundary are required", i))
		}
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the runtime directories.
func (c *Config) EnsurePaths() error {
	directories := []string{c.Root, c.Launcher.RunDir, filepath.Dir(c.Control.SocketPath)}
	if c.Events.LogPath != "" {
		directories = append(directories, filepath.Dir(c.Events.LogPath))
	}
	for _, directory := range directories {
		if directory == "" || directory == "." {
			continue
		}
		if err := os.MkdirAll(directory, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", directory, err)
		}
	}
	return nil
}
