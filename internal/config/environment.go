package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// EnvironmentType 环境类型枚举
type EnvironmentType string

const (
	EnvDevelopment EnvironmentType = "development"
	EnvTesting     EnvironmentType = "testing"
	EnvStaging     EnvironmentType = "staging"
	EnvProduction  EnvironmentType = "production"
	EnvLocal       EnvironmentType = "local"
)

// String 实现字符串接口
func (e EnvironmentType) String() string {
	return string(e)
}

// IsValid 检查环境类型是否有效
func (e EnvironmentType) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction, EnvLocal:
		return true
	default:
		return false
	}
}

// mergeEnvironment 合并环境覆盖文件 handover.<env>.yaml（与主配置同目录），不存在时跳过
func mergeEnvironment(v *viper.Viper) error {
	env := EnvironmentType(v.GetString("env"))
	if !env.IsValid() {
		return fmt.Errorf("invalid env: %q", env)
	}
	base := v.ConfigFileUsed()
	if base == "" {
		return nil
	}

	overlay := environmentFile(base, env)
	if _, err := os.Stat(overlay); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("检查环境配置失败: %w", err)
	}

	f, err := os.Open(overlay)
	if err != nil {
		return fmt.Errorf("打开环境配置失败: %w", err)
	}
	defer f.Close()
	if err := v.MergeConfig(f); err != nil {
		return fmt.Errorf("合并环境配置 %s 失败: %w", overlay, err)
	}
	return nil
}

// environmentFile configs/handover.yaml + staging → configs/handover.staging.yaml
func environmentFile(base string, env EnvironmentType) string {
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)] + "." + string(env) + ext
}
