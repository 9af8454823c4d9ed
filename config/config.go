package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/opsloop/opsloop/internal/run"
)

// Config holds all configuration for the run orchestration service.
type Config struct {
	General  GeneralConfig      `mapstructure:"general"`
	Server   ServerConfig       `mapstructure:"server"`
	LLM      LLMConfig          `mapstructure:"llm"`
	Planner  PlannerConfig      `mapstructure:"planner"`
	MCP      MCPConfig          `mapstructure:"mcp"`
	Profiles map[string]Profile `mapstructure:"agent_profiles"`
	Storage  StorageConfig      `mapstructure:"storage"`
	Queue    QueueConfig        `mapstructure:"queue"`
	Router   RouterConfig       `mapstructure:"router"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address          string `mapstructure:"address"`
	JWTSecret        string `mapstructure:"jwt_secret"`
	RunStreamEnabled bool   `mapstructure:"run_stream_enabled"`
	MaxGoalLength    int    `mapstructure:"max_goal_length"`
}

// LLMConfig contains LLM provider configurations.
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration.
type LLMProvider struct {
	Type        string        `mapstructure:"type"` // openai, ollama
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// LLMRoutingConfig selects which provider serves each concern.
type LLMRoutingConfig struct {
	Planning string `mapstructure:"planning"` // planner loop decisions
	Routing  string `mapstructure:"routing"`  // legacy task routing (optional)
	Fallback string `mapstructure:"fallback"`
}

// PlannerConfig bounds the planner loop.
type PlannerConfig struct {
	MaxSteps      int           `mapstructure:"max_steps"`
	LLMTimeout    time.Duration `mapstructure:"llm_timeout"` // 0 = unbounded
	ToolTimeout   time.Duration `mapstructure:"tool_timeout"`
	ContextBudget int           `mapstructure:"context_budget"` // max history chars in prompt
	FilterEnabled bool          `mapstructure:"prompt_filter_enabled"`
}

// MCPConfig lists the configured tool servers.
type MCPConfig struct {
	Servers map[string]ToolServer `mapstructure:"servers"`
}

// ToolServer describes one external MCP tool server.
type ToolServer struct {
	Name      string            `mapstructure:"name"`
	Transport string            `mapstructure:"transport"` // stdio | sse
	Command   string            `mapstructure:"command"`
	Args      []string          `mapstructure:"args"`
	Env       map[string]string `mapstructure:"env"`
	URL       string            `mapstructure:"url"`
	Enabled   bool              `mapstructure:"enabled"`
}

func (t ToolServer) Validate() error {
	switch t.Transport {
	case "stdio":
		if strings.TrimSpace(t.Command) == "" {
			return fmt.Errorf("stdio tool server requires command")
		}
	case "sse":
		if strings.TrimSpace(t.URL) == "" {
			return fmt.Errorf("sse tool server requires url")
		}
	default:
		return fmt.Errorf("unknown transport %q (stdio|sse)", t.Transport)
	}
	return nil
}

// Profile mirrors run.AgentProfile in config form.
type Profile struct {
	Name                  string   `mapstructure:"name"`
	Description           string   `mapstructure:"description"`
	RolePrompt            string   `mapstructure:"role_prompt"`
	AllowedToolServers    []string `mapstructure:"allowed_tool_servers"`
	ApprovalRequiredTools []string `mapstructure:"approval_required_tools"`
	ModelOverride         string   `mapstructure:"model_override"`
	Enabled               bool     `mapstructure:"enabled"`
}

// RouterConfig controls the legacy task router fallback.
type RouterConfig struct {
	LLMRoutingEnabled bool `mapstructure:"llm_routing_enabled"`
}

// StorageConfig contains database connection settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DSN builds the connection string, preferring an explicit URL.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, host, port, p.DBName, ssl)
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// QueueConfig enables the external run queue; when disabled the planner runs
// in-process from the HTTP handler.
type QueueConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	RunStream string `mapstructure:"run_stream"`
	Group     string `mapstructure:"group"`
}

// AgentProfiles converts the configured profile map to domain profiles,
// keeping only enabled entries.
func (c *Config) AgentProfiles() map[string]run.AgentProfile {
	out := make(map[string]run.AgentProfile, len(c.Profiles))
	for id, p := range c.Profiles {
		if !p.Enabled {
			continue
		}
		out[id] = run.AgentProfile{
			ID:                    id,
			Name:                  p.Name,
			Description:           p.Description,
			RolePrompt:            p.RolePrompt,
			AllowedToolServerIDs:  p.AllowedToolServers,
			ApprovalRequiredTools: p.ApprovalRequiredTools,
			ModelOverride:         p.ModelOverride,
			Enabled:               true,
		}
	}
	return out
}

// EnabledToolServers returns the enabled server descriptors keyed by id.
func (c *Config) EnabledToolServers() map[string]ToolServer {
	out := make(map[string]ToolServer)
	for id, srv := range c.MCP.Servers {
		if srv.Enabled {
			out[id] = srv
		}
	}
	return out
}

// LoadConfig loads config from file, with OPSLOOP_* env overrides.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("server.run_stream_enabled", true)
	viper.SetDefault("server.max_goal_length", 4000)
	viper.SetDefault("planner.max_steps", 15)
	viper.SetDefault("planner.llm_timeout", "120s")
	viper.SetDefault("planner.tool_timeout", "60s")
	viper.SetDefault("planner.context_budget", 8000)
	viper.SetDefault("planner.prompt_filter_enabled", true)
	viper.SetDefault("queue.run_stream", "run.enqueued")
	viper.SetDefault("queue.group", "opsloop-workers")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("OPSLOOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	for id, srv := range config.EnabledToolServers() {
		if err := srv.Validate(); err != nil {
			panic(fmt.Errorf("mcp server %s: %w", id, err))
		}
	}
	return &config
}
