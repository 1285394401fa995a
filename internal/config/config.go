package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"HandoverDesk/internal/database"
)

// Config 服务配置
type Config struct {
	Env     EnvironmentType `mapstructure:"env"`
	Server  ServerConfig    `mapstructure:"server"`
	Chat    ChatConfig      `mapstructure:"chat"`
	Gateway GatewayConfig   `mapstructure:"gateway"`
	Storage StorageConfig   `mapstructure:"storage"`
	Auth    AuthConfig      `mapstructure:"auth"`
	Events  EventsConfig    `mapstructure:"events"`
}

// ServerConfig 监听与连接参数
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	HTTPAddr          string        `mapstructure:"http_addr"`
	ReadBufferSize    int           `mapstructure:"read_buffer_size"`
	WriteBufferSize   int           `mapstructure:"write_buffer_size"`
	EnableCompression bool          `mapstructure:"enable_compression"`
	MaxConnections    int           `mapstructure:"max_connections"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
}

// ChatConfig 会话文案与投递队列
type ChatConfig struct {
	BotName           string `mapstructure:"bot_name"`
	WelcomeMessage    string `mapstructure:"welcome_message"`
	HandoverNotice    string `mapstructure:"handover_notice"`
	AgentJoinedNotice string `mapstructure:"agent_joined_notice"`
	ClosedNotice      string `mapstructure:"closed_notice"`
	OutboxLimit       int    `mapstructure:"outbox_limit"`
	// 坐席离线超过该时长后不再接收告警
	AgentExpiry time.Duration `mapstructure:"agent_expiry"`
}

// GatewayConfig 应答网关，超时、文案与升级阈值可热更新
type GatewayConfig struct {
	Transport             string        `mapstructure:"transport"`
	HTTPURL               string        `mapstructure:"http_url"`
	AuthToken             string        `mapstructure:"auth_token"`
	GRPCAddr              string        `mapstructure:"grpc_addr"`
	Timeout               time.Duration `mapstructure:"timeout"`
	ApologyText           string        `mapstructure:"apology_text"`
	FallbackPhrases       []string      `mapstructure:"fallback_phrases"`
	EscalateAfterFailures int           `mapstructure:"escalate_after_failures"`
}

// StorageConfig 持久化后端
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

// PostgresConfig PostgreSQL 连接参数
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// SQLiteConfig 本地数据库文件
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// AgentCredential 坐席凭证
type AgentCredential struct {
	ID    string `mapstructure:"id"`
	Token string `mapstructure:"token"`
}

// AuthConfig 坐席认证。Agents 为空时不校验令牌（仅限本地开发）
type AuthConfig struct {
	Agents []AgentCredential `mapstructure:"agents"`
}

// EventsConfig 事件流
type EventsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Transport 与 Backend 的取值
const (
	TransportStatic = "static"
	TransportHTTP   = "http"
	TransportGRPC   = "grpc"

	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Load 加载配置。path 为空时在 ./configs、../configs 和当前目录搜索 handover.yaml，
// 文件不存在时使用默认值。环境变量 HANDOVER_* 覆盖文件中的值。
func Load(path string) (*Config, error) {
	cfg, _, err := load(path)
	return cfg, err
}

func load(path string) (*Config, *viper.Viper, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}
	if err := mergeEnvironment(v); err != nil {
		return nil, nil, err
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("handover")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("HANDOVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaultValues(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return &cfg, nil
}

// setDefaultValues 设置默认配置值
func setDefaultValues(v *viper.Viper) {
	v.SetDefault("env", string(EnvLocal))

	// Server默认值
	v.SetDefault("server.addr", "127.0.0.1:18080")
	v.SetDefault("server.http_addr", "127.0.0.1:18081")
	v.SetDefault("server.read_buffer_size", 1024)
	v.SetDefault("server.write_buffer_size", 1024)
	v.SetDefault("server.enable_compression", false)
	v.SetDefault("server.max_connections", 1000)
	v.SetDefault("server.ping_interval", "20s")
	v.SetDefault("server.read_timeout", "60s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Chat默认值
	v.SetDefault("chat.bot_name", "HelpBot")
	v.SetDefault("chat.welcome_message", "Hi! I'm the virtual assistant. How can I help you today?")
	v.SetDefault("chat.handover_notice", "You've asked to talk to a human. An agent will join shortly.")
	v.SetDefault("chat.agent_joined_notice", "An agent has joined the chat.")
	v.SetDefault("chat.closed_notice", "This chat has ended.")
	v.SetDefault("chat.outbox_limit", 1024)
	v.SetDefault("chat.agent_expiry", "30m")

	// Gateway默认值
	v.SetDefault("gateway.transport", TransportStatic)
	v.SetDefault("gateway.http_url", "http://127.0.0.1:18090/api/v1/qa")
	v.SetDefault("gateway.auth_token", "")
	v.SetDefault("gateway.grpc_addr", "127.0.0.1:18091")
	v.SetDefault("gateway.timeout", "15s")
	v.SetDefault("gateway.apology_text", "Sorry, I'm having trouble answering right now. Please try again in a moment.")
	v.SetDefault("gateway.fallback_phrases", []string{"I'm not able to help with that. Let me connect you with a human agent."})
	v.SetDefault("gateway.escalate_after_failures", 3)

	// Storage默认值
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.user", "postgres")
	v.SetDefault("storage.postgres.password", "")
	v.SetDefault("storage.postgres.dbname", "handover")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.sqlite.path", "./data/handover.db")

	v.SetDefault("auth.agents", []map[string]string{})
	v.SetDefault("events.enabled", true)
}

// Validate 验证配置有效性
func (c *Config) Validate() error {
	if !c.Env.IsValid() {
		return fmt.Errorf("invalid env: %q", c.Env)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("invalid server.max_connections: %d", c.Server.MaxConnections)
	}
	if c.Server.PingInterval <= 0 || c.Server.ReadTimeout <= c.Server.PingInterval {
		return fmt.Errorf("server.read_timeout (%v) must exceed server.ping_interval (%v)",
			c.Server.ReadTimeout, c.Server.PingInterval)
	}
	if c.Chat.OutboxLimit < 1 {
		return fmt.Errorf("invalid chat.outbox_limit: %d", c.Chat.OutboxLimit)
	}
	if c.Chat.AgentExpiry <= 0 {
		return fmt.Errorf("invalid chat.agent_expiry: %v", c.Chat.AgentExpiry)
	}

	switch c.Gateway.Transport {
	case TransportStatic:
	case TransportHTTP:
		if c.Gateway.HTTPURL == "" {
			return fmt.Errorf("gateway.http_url is required for http transport")
		}
	case TransportGRPC:
		if c.Gateway.GRPCAddr == "" {
			return fmt.Errorf("gateway.grpc_addr is required for grpc transport")
		}
	default:
		return fmt.Errorf("unknown gateway.transport: %q", c.Gateway.Transport)
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("invalid gateway.timeout: %v", c.Gateway.Timeout)
	}
	if c.Gateway.EscalateAfterFailures < 0 {
		return fmt.Errorf("invalid gateway.escalate_after_failures: %d", c.Gateway.EscalateAfterFailures)
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.Postgres.Host == "" || c.Storage.Postgres.DBName == "" {
			return fmt.Errorf("storage.postgres.host and dbname are required")
		}
	case BackendSQLite:
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required")
		}
	default:
		return fmt.Errorf("unknown storage.backend: %q", c.Storage.Backend)
	}

	seen := make(map[string]bool, len(c.Auth.Agents))
	for _, a := range c.Auth.Agents {
		if a.ID == "" || a.Token == "" {
			return fmt.Errorf("auth.agents entries need id and token")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id in auth.agents: %s", a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

// Database 转换为数据库连接配置
func (p PostgresConfig) Database() *database.Config {
	dc := database.DefaultConfig()
	dc.Host = p.Host
	dc.Port = p.Port
	dc.User = p.User
	dc.Password = p.Password
	dc.DBName = p.DBName
	dc.SSLMode = p.SSLMode
	if p.MaxConns > 0 {
		dc.MaxConns = p.MaxConns
	}
	return dc
}

// AgentTokens 坐席ID到令牌的映射
func (c *Config) AgentTokens() map[string]string {
	out := make(map[string]string, len(c.Auth.Agents))
	for _, a := range c.Auth.Agents {
		out[a.ID] = a.Token
	}
	return out
}
