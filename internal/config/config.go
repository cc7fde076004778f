// Package config implements the layered configuration surface from
// spec.md §4.2: built-in defaults < configuration file < environment
// variables < command-line arguments, with typed accessors, per-key
// validation, and reload change notifications.
//
// Grounded on the teacher's pkg/config/config.go (viper SetConfigName /
// AddConfigPath / MergeInConfig / AutomaticEnv / Unmarshal sequence) and
// walletserver/config/config.go (godotenv preload before reading env).
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the environment-variable prefix transformed into
// dotted config keys, e.g. P2P_TRACKER_PORT -> tracker.port.
const EnvPrefix = "P2P"

// Validator checks a single configuration key's current value.
type Validator func(v *viper.Viper) error

// Event describes a configuration reload.
type Event struct {
	ChangedKeys []string
}

// Listener is notified after a successful Reload.
type Listener func(Event)

// Config is a process-wide, read-mostly layered key/value store.
type Config struct {
	v *viper.Viper

	mu         sync.RWMutex
	validators map[string][]Validator
	listeners  []Listener
}

// New constructs a Config seeded with defaults. Defaults use dotted keys
// matching spec.md §6's configuration key table.
func New(defaults map[string]any) *Config {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetConfigType("yaml")
	return &Config{v: v, validators: make(map[string][]Validator)}
}

// Defaults returns the built-in default key/value table from spec.md §6.
func Defaults() map[string]any {
	return map[string]any{
		"tracker.port":                     6000,
		"tracker.thread.pool.size":         10,
		"tracker.peer.timeout.ms":          90000,
		"tracker.cleanup.interval.ms":      60000,
		"indexserver.port":                 6001,
		"indexserver.thread.pool.size":     10,
		"indexserver.storage.dir":          "data",
		"indexserver.storage.file":         "file_index.dat",
		"indexserver.cache.ttl.ms":         60000,
		"indexserver.cache.refresh.ms":     300000,
		"indexserver.connection.pool.max":  100,
		"indexserver.connection.timeout.ms": 5000,
		"peer.port.base":                   7000,
		"peer.socket.timeout.ms":           30000,
		"peer.heartbeat.interval.seconds":  30,
		"healthcheck.enabled":              true,
		"healthcheck.port":                 8080,
		"healthcheck.path":                 "/health",
		"bootstrap.auto.start":             true,
		"bootstrap.startup.timeout.seconds": 30,
		"bootstrap.dynamic.ports":          false,
		"discovery.distributed.enabled":    false,
		"discovery.gossip.port":            8765,
		"discovery.gossip.interval.ms":     30000,
		"discovery.gossip.bootstrap.peers": "",
		"discovery.gossip.multicast.group": "239.255.0.1:8765",
	}
}

// LoadFile merges the YAML file at path on top of the current defaults.
// A missing file is not an error (the defaults stand alone); a malformed
// file is.
func (c *Config) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	c.v.SetConfigFile(path)
	if err := c.v.MergeInConfig(); err != nil {
		return fmt.Errorf("config: load file %s: %w", path, err)
	}
	return nil
}

// LoadDotEnv preloads a .env file's contents into the process environment
// so BindEnv's AutomaticEnv lookups can see them. A missing file is not
// an error.
func (c *Config) LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load .env %s: %w", path, err)
	}
	return nil
}

// BindEnv registers the P2P_ prefix transform: P2P_TRACKER_PORT becomes
// tracker.port.
func (c *Config) BindEnv() {
	c.v.SetEnvPrefix(EnvPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	c.v.AutomaticEnv()
}

// ApplyArgs parses --key=value command-line arguments, the highest
// precedence source.
func (c *Config) ApplyArgs(args []string) error {
	for _, a := range args {
		if !strings.HasPrefix(a, "--") {
			continue
		}
		kv := strings.SplitN(strings.TrimPrefix(a, "--"), "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("config: malformed argument %q, expected --key=value", a)
		}
		c.v.Set(strings.ToLower(kv[0]), kv[1])
	}
	return nil
}

// GetString, GetInt, GetInt64, GetBool are typed accessors over the
// merged configuration.
func (c *Config) GetString(key string) string { return c.v.GetString(key) }
func (c *Config) GetInt(key string) int        { return c.v.GetInt(key) }
func (c *Config) GetInt64(key string) int64    { return c.v.GetInt64(key) }
func (c *Config) GetBool(key string) bool      { return c.v.GetBool(key) }

// Set overrides key's value directly, used by dynamic-port publication.
func (c *Config) Set(key string, value any) { c.v.Set(key, value) }

// IsSet reports whether key has any value (default, file, env, or arg).
func (c *Config) IsSet(key string) bool { return c.v.IsSet(key) }

// RegisterValidator adds a predicate checked by Validate for key.
func (c *Config) RegisterValidator(key string, fn Validator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validators[key] = append(c.validators[key], fn)
}

// Validate runs every registered validator and returns all violations.
func (c *Config) Validate() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var errs []error
	for _, fns := range c.validators {
		for _, fn := range fns {
			if err := fn(c.v); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

// OnChange registers a listener invoked by Reload.
func (c *Config) OnChange(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Reload re-reads the bound configuration file, if any, and notifies
// listeners of the keys that changed.
func (c *Config) Reload() error {
	before := c.v.AllSettings()
	if err := c.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("config: reload: %w", err)
		}
	}
	after := c.v.AllSettings()

	var changed []string
	for k, av := range after {
		if bv, ok := before[k]; !ok || fmt.Sprint(bv) != fmt.Sprint(av) {
			changed = append(changed, k)
		}
	}

	c.mu.RLock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.RUnlock()
	for _, l := range listeners {
		l(Event{ChangedKeys: changed})
	}
	return nil
}

// FindAvailablePort increments from base until an unused TCP port is
// found, used when bootstrap.dynamic.ports is enabled.
func FindAvailablePort(base int) (int, error) {
	for port := base; port < base+1000 && port <= 65535; port++ {
		addr := fmt.Sprintf(":%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			continue
		}
		_ = ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("config: no available port found starting at %d", base)
}

// ValidatePort returns an error unless port is in [1, 65535].
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("config: port %d out of range [1, 65535]", port)
	}
	return nil
}

// ParseEnvKey converts an environment variable name (P2P_TRACKER_PORT)
// into its dotted config key (tracker.port), exposed for diagnostics and
// tests independent of viper's own internal transform.
func ParseEnvKey(envVar string) (string, bool) {
	if !strings.HasPrefix(envVar, EnvPrefix+"_") {
		return "", false
	}
	rest := strings.TrimPrefix(envVar, EnvPrefix+"_")
	return strings.ToLower(strings.ReplaceAll(rest, "_", ".")), true
}
