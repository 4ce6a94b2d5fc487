package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cruciblehq/cruxpy/internal/health"
	"github.com/cruciblehq/cruxpy/internal/paths"
	"github.com/cruciblehq/cruxpy/internal/supervisor"
	"github.com/spf13/viper"
)

// Prefix of the environment variables read into the settings.
const envPrefix = "CRUXPY"

// Default containerd socket address and namespace.
const (
	DefaultContainerdAddress   = "/run/containerd/containerd.sock"
	DefaultContainerdNamespace = "cruxpy"
)

// Containerd connection settings.
type Containerd struct {
	Address   string `mapstructure:"address"`
	Namespace string `mapstructure:"namespace"`
}

// All cruxpy settings.
type Settings struct {
	Supervisor supervisor.Config `mapstructure:"supervisor"`
	Health     health.Config     `mapstructure:"health"`
	HealthURL  string            `mapstructure:"health_url"` // Target of probe and run.
	Containerd Containerd        `mapstructure:"containerd"`
	Socket     string            `mapstructure:"socket"` // Control socket. Empty uses the xdg runtime dir.
	Cache      string            `mapstructure:"cache"`  // Base image cache. Empty uses the xdg cache dir.
}

// Returns the built-in settings.
func Default() Settings {
	return Settings{
		Supervisor: supervisor.DefaultConfig(),
		Health:     health.DefaultConfig(),
		HealthURL:  health.DefaultURL,
		Containerd: Containerd{
			Address:   DefaultContainerdAddress,
			Namespace: DefaultContainerdNamespace,
		},
	}
}

// Loads settings from defaults, the settings file, and the environment.
//
// A non-empty path names the file to read and must exist. Otherwise the
// default locations are searched and a missing file is not an error. Returns
// the settings and the path of the file read, or "" when none was.
func Load(path string) (*Settings, string, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, "", err
	}
	if resolved != "" {
		v.SetConfigFile(resolved)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, "", fmt.Errorf("%w: %s: %w", ErrConfig, resolved, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrConfig, err)
	}
	s.Supervisor.Env = upperKeys(s.Supervisor.Env)
	return &s, resolved, nil
}

// Returns the settings file to read, or "" when there is none.
func resolvePath(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: settings file: %w", ErrConfig, err)
		}
		return path, nil
	}

	name := paths.SettingsName + ".yaml"
	for _, dir := range []string{".", paths.Config()} {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}
	return "", nil
}

// Viper folds keys to lower case. Worker environment names are restored to
// the conventional upper case.
func upperKeys(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[strings.ToUpper(k)] = v
	}
	return out
}

// Registers every key with its default so the environment can override it.
func setDefaults(v *viper.Viper, d Settings) {
	sup := d.Supervisor
	v.SetDefault("supervisor.bind", sup.Bind)
	v.SetDefault("supervisor.workers", sup.Workers)
	v.SetDefault("supervisor.timeout", sup.Timeout)
	v.SetDefault("supervisor.keep_alive", sup.KeepAlive)
	v.SetDefault("supervisor.max_requests", sup.MaxRequests)
	v.SetDefault("supervisor.max_requests_jitter", sup.MaxRequestsJitter)
	v.SetDefault("supervisor.graceful_timeout", sup.GracefulTimeout)
	v.SetDefault("supervisor.boot_timeout", sup.BootTimeout)
	v.SetDefault("supervisor.app", sup.App)
	v.SetDefault("supervisor.command", sup.Command)
	v.SetDefault("supervisor.dir", sup.Dir)
	v.SetDefault("supervisor.env", map[string]string{})
	v.SetDefault("supervisor.uid", sup.UID)
	v.SetDefault("supervisor.gid", sup.GID)
	v.SetDefault("supervisor.reload", sup.Reload)
	v.SetDefault("supervisor.run_dir", sup.RunDir)

	v.SetDefault("health_url", d.HealthURL)
	v.SetDefault("health.interval", d.Health.Interval)
	v.SetDefault("health.timeout", d.Health.Timeout)
	v.SetDefault("health.start_period", d.Health.StartPeriod)
	v.SetDefault("health.retries", d.Health.Retries)

	v.SetDefault("containerd.address", d.Containerd.Address)
	v.SetDefault("containerd.namespace", d.Containerd.Namespace)

	v.SetDefault("socket", d.Socket)
	v.SetDefault("cache", d.Cache)
}
