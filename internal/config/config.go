package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	FieldMergePermissive  = "permissive"
	FieldMergeRestrictive = "restrictive"
)

// Config models issueflow.yml.
type Config struct {
	Server struct {
		Addr      string          `yaml:"addr"`
		BasePath  string          `yaml:"base_path"`
		RateLimit RateLimitConfig `yaml:"rate_limit"`
		Metrics   *bool           `yaml:"metrics"`
	} `yaml:"server"`
	Database struct {
		Driver          string        `yaml:"driver"`
		DSN             string        `yaml:"dsn"`
		MaxOpenConns    int           `yaml:"max_open_conns"`
		MaxIdleConns    int           `yaml:"max_idle_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	} `yaml:"database"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		// DevLogin exposes POST /auth/dev/login, which mints tokens for any actor.
		DevLogin bool `yaml:"dev_login"`
	} `yaml:"auth"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Workflow struct {
		FieldMerge string `yaml:"field_merge"`
	} `yaml:"workflow"`
	Seed     SeedConfig      `yaml:"seed"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// SeedConfig lists the registries created on an empty database.
type SeedConfig struct {
	Statuses []SeedStatus  `yaml:"statuses"`
	Trackers []SeedTracker `yaml:"trackers"`
	Roles    []SeedRole    `yaml:"roles"`
}

type SeedStatus struct {
	Name     string `yaml:"name"`
	IsClosed bool   `yaml:"is_closed"`
}

type SeedTracker struct {
	Name               string   `yaml:"name"`
	DefaultStatus      string   `yaml:"default_status"`
	DisabledCoreFields []string `yaml:"disabled_core_fields"`
}

type SeedRole struct {
	Name        string   `yaml:"name"`
	Builtin     int      `yaml:"builtin"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// MetricsEnabled defaults to true when unset.
func (c *Config) MetricsEnabled() bool {
	return c.Server.Metrics == nil || *c.Server.Metrics
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("config.database.dsn is required for driver postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	switch c.Workflow.FieldMerge {
	case "", FieldMergePermissive, FieldMergeRestrictive:
	default:
		return fmt.Errorf("config.workflow.field_merge must be %s or %s, got %q", FieldMergePermissive, FieldMergeRestrictive, c.Workflow.FieldMerge)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.RateLimit.RPS < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("config.server.rate_limit values must not be negative")
	}
	statuses := map[string]struct{}{}
	for _, s := range c.Seed.Statuses {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("config.seed.statuses contains empty name")
		}
		if _, dup := statuses[s.Name]; dup {
			return fmt.Errorf("config.seed.statuses has duplicate %s", s.Name)
		}
		statuses[s.Name] = struct{}{}
	}
	for _, t := range c.Seed.Trackers {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("config.seed.trackers contains empty name")
		}
		if t.DefaultStatus != "" {
			if _, ok := statuses[t.DefaultStatus]; !ok {
				return fmt.Errorf("tracker %s references unknown default status %s", t.Name, t.DefaultStatus)
			}
		}
	}
	for _, r := range c.Seed.Roles {
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("config.seed.roles contains empty name")
		}
		for _, perm := range r.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", r.Name)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "issueflow.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ifl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the parsed default template.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  rate_limit:
    rps: 20
    burst: 40

database:
  driver: sqlite
  max_open_conns: 10
  max_idle_conns: 5
  conn_max_lifetime: 30m

log:
  level: info

workflow:
  # permissive: read_only only when every role says so, required when any role does.
  # restrictive: any read_only wins, then any required.
  field_merge: permissive

seed:
  statuses:
    - name: New
    - name: Assigned
    - name: Resolved
    - name: Feedback
    - name: Closed
      is_closed: true
    - name: Rejected
      is_closed: true
  trackers:
    - name: Bug
      default_status: New
    - name: Feature
      default_status: New
    - name: Support
      default_status: New
      disabled_core_fields: [estimated_hours, done_ratio]
  roles:
    - name: Manager
      permissions: [add_issues, edit_issues, view_issues, manage_workflow]
    - name: Developer
      permissions: [add_issues, edit_issues, view_issues]
    - name: Reporter
      permissions: [add_issues, view_issues]
    - name: Observer
      permissions: [view_issues]
`
