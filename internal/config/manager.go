package config

import (
	"fmt"
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager 统一配置管理器，缓存已加载的配置并在文件变化时通知订阅者
type Manager struct {
	mu           sync.RWMutex
	config       *Config
	viper        *viper.Viper
	path         string
	watchEnabled bool

	subMu       sync.Mutex
	subscribers []func(*Config)
}

// ManagerOption 配置管理器选项
type ManagerOption func(*Manager)

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) ManagerOption {
	return func(m *Manager) {
		m.path = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.watchEnabled = enabled
	}
}

// NewManager 创建配置管理器
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load 加载配置，已加载时返回缓存
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config != nil {
		return m.config, nil
	}

	cfg, v, err := load(m.path)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	m.config = cfg
	m.viper = v

	if m.watchEnabled && v.ConfigFileUsed() != "" {
		m.watch()
	}
	return cfg, nil
}

// Get 当前配置（如果未加载则自动加载）
func (m *Manager) Get() (*Config, error) {
	m.mu.RLock()
	if m.config != nil {
		defer m.mu.RUnlock()
		return m.config, nil
	}
	m.mu.RUnlock()

	return m.Load()
}

// Subscribe 注册配置变更回调。回调在重新加载成功后按注册顺序调用
func (m *Manager) Subscribe(fn func(*Config)) {
	m.subMu.Lock()
	m.subscribers = append(m.subscribers, fn)
	m.subMu.Unlock()
}

// Reload 重新读取配置文件。验证失败时保留旧配置
func (m *Manager) Reload() error {
	m.mu.Lock()
	if m.viper == nil {
		m.mu.Unlock()
		return fmt.Errorf("配置尚未加载")
	}
	if err := m.viper.ReadInConfig(); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("重新读取配置失败: %w", err)
	}
	if err := mergeEnvironment(m.viper); err != nil {
		m.mu.Unlock()
		return err
	}
	cfg, err := decode(m.viper)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("重新加载配置失败: %w", err)
	}
	m.config = cfg
	m.mu.Unlock()

	m.notify(cfg)
	return nil
}

func (m *Manager) notify(cfg *Config) {
	m.subMu.Lock()
	subs := make([]func(*Config), len(m.subscribers))
	copy(subs, m.subscribers)
	m.subMu.Unlock()

	for _, fn := range subs {
		fn(cfg)
	}
}

// watch 监控配置文件变化，调用方持有 m.mu
func (m *Manager) watch() {
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("Config file changed: %s (%s)", e.Name, e.Op)
		if err := m.Reload(); err != nil {
			log.Printf("Config reload rejected: %v", err)
			return
		}
		log.Printf("Configuration reloaded successfully")
	})
	m.viper.WatchConfig()
}

// ConfigFileUsed 实际加载的配置文件，未找到文件时为空
func (m *Manager) ConfigFileUsed() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.viper == nil {
		return ""
	}
	return m.viper.ConfigFileUsed()
}

// Summary 配置摘要信息
func (m *Manager) Summary() map[string]interface{} {
	cfg, err := m.Get()
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	return map[string]interface{}{
		"env":               cfg.Env,
		"config_file":       m.ConfigFileUsed(),
		"server_addr":       cfg.Server.Addr,
		"http_addr":         cfg.Server.HTTPAddr,
		"gateway_transport": cfg.Gateway.Transport,
		"gateway_timeout":   cfg.Gateway.Timeout.String(),
		"storage_backend":   cfg.Storage.Backend,
		"agents":            len(cfg.Auth.Agents),
	}
}
