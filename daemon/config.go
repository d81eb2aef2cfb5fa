package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/toolconn/connection"
	"github.com/petal-labs/toolconn/tool"
)

const (
	projectConfigName = "toolconn.yaml"
	homeConfigDir     = ".toolconn"
	homeConfigName    = "config.yaml"
)

// ConfigFile is the startup config shape of toolconn.yaml.
type ConfigFile struct {
	Retry  RetryConfig                `yaml:"retry"`
	Log    LogConfig                  `yaml:"log"`
	Retest RetestConfig               `yaml:"retest"`
	Probe  ProbeConfig                `yaml:"probe"`
	Tools  map[string]ToolDeclaration `yaml:"tools"`
}

// RetryConfig tunes the connection controller.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts,omitempty"`
	Delay       time.Duration `yaml:"delay,omitempty"`
}

// LogConfig tunes the connection event log.
type LogConfig struct {
	Capacity  int           `yaml:"capacity,omitempty"`
	Retention time.Duration `yaml:"retention,omitempty"`
}

// RetestConfig tunes the scheduled re-test sweep. An empty schedule keeps
// the default; "off" disables the sweep.
type RetestConfig struct {
	Schedule    string `yaml:"schedule,omitempty"`
	Concurrency int    `yaml:"concurrency,omitempty"`
}

// ProbeConfig tunes connection probes.
type ProbeConfig struct {
	Mode    string        `yaml:"mode,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// ToolDeclaration defines one tool in toolconn.yaml. The map key is the
// tool name unless Name is set.
type ToolDeclaration struct {
	Name           string `yaml:"name,omitempty"`
	ConnectionType string `yaml:"connection_type"`
	Endpoint       string `yaml:"endpoint"`
	AuthMethod     string `yaml:"auth_method,omitempty"`
	Username       string `yaml:"username,omitempty"`
	Password       string `yaml:"password,omitempty"`
	Token          string `yaml:"token,omitempty"`
	APIKey         string `yaml:"api_key,omitempty"`
}

// RetestDisabled reports whether the config turns the re-test sweep off.
func (c RetestConfig) RetestDisabled() bool {
	return strings.EqualFold(strings.TrimSpace(c.Schedule), "off")
}

// DiscoverConfigPath resolves config location with first-match semantics.
func DiscoverConfigPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverConfigPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverConfigPathFrom is a testable variant of DiscoverConfigPath.
func DiscoverConfigPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// LoadConfig reads and parses a config file. String values of tool
// declarations and the retest schedule are env-expanded.
func LoadConfig(path string) (ConfigFile, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return ConfigFile{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	var cfg ConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ConfigFile{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if cfg.Retry.MaxAttempts < 0 {
		return ConfigFile{}, fmt.Errorf("config %q: retry.max_attempts must not be negative", path)
	}
	if cfg.Retry.Delay < 0 {
		return ConfigFile{}, fmt.Errorf("config %q: retry.delay must not be negative", path)
	}

	cfg.Retest.Schedule = strings.TrimSpace(expandEnvValue(cfg.Retest.Schedule))
	for name, decl := range cfg.Tools {
		cfg.Tools[name] = decl.expand()
	}
	return cfg, nil
}

// RegisterToolsFromConfig creates the declared tools, or updates existing
// tools with the same name, in name order.
func RegisterToolsFromConfig(ctx context.Context, service *tool.Service, cfg ConfigFile) ([]tool.Tool, error) {
	if service == nil {
		return nil, ErrNilService
	}
	if len(cfg.Tools) == 0 {
		return nil, nil
	}

	existing, err := service.List(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]string, len(existing))
	for _, t := range existing {
		byName[t.Name] = t.ID
	}

	keys := make([]string, 0, len(cfg.Tools))
	for key := range cfg.Tools {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	registered := make([]tool.Tool, 0, len(keys))
	for _, key := range keys {
		input := cfg.Tools[key].toInput(key)

		var (
			t   tool.Tool
			err error
		)
		if id, ok := byName[input.Name]; ok {
			t, err = service.Update(ctx, id, updateFromInput(input))
		} else {
			t, err = service.Create(ctx, input)
		}
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", key, err)
		}
		byName[t.Name] = t.ID
		registered = append(registered, t)
	}
	return registered, nil
}

func (d ToolDeclaration) expand() ToolDeclaration {
	return ToolDeclaration{
		Name:           expandEnvValue(d.Name),
		ConnectionType: expandEnvValue(d.ConnectionType),
		Endpoint:       expandEnvValue(d.Endpoint),
		AuthMethod:     expandEnvValue(d.AuthMethod),
		Username:       expandEnvValue(d.Username),
		Password:       expandEnvValue(d.Password),
		Token:          expandEnvValue(d.Token),
		APIKey:         expandEnvValue(d.APIKey),
	}
}

func (d ToolDeclaration) toInput(key string) tool.ToolInput {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		name = strings.TrimSpace(key)
	}
	return tool.ToolInput{
		Name:           name,
		ConnectionType: connection.ConnectionType(strings.ToLower(strings.TrimSpace(d.ConnectionType))),
		Endpoint:       strings.TrimSpace(d.Endpoint),
		AuthMethod:     connection.AuthMethod(strings.ToLower(strings.TrimSpace(d.AuthMethod))),
		Username:       d.Username,
		Password:       d.Password,
		Token:          d.Token,
		APIKey:         d.APIKey,
	}
}

func updateFromInput(in tool.ToolInput) tool.UpdateToolInput {
	authMethod := in.AuthMethod
	if authMethod == "" {
		authMethod = connection.AuthMethodNone
	}
	return tool.UpdateToolInput{
		Name:           &in.Name,
		ConnectionType: &in.ConnectionType,
		Endpoint:       &in.Endpoint,
		AuthMethod:     &authMethod,
		Username:       &in.Username,
		Password:       &in.Password,
		Token:          &in.Token,
		APIKey:         &in.APIKey,
	}
}

func expandEnvValue(value string) string {
	return os.ExpandEnv(value)
}
