package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"
)

func DefaultConfigPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("获取可执行文件路径失败: %w", err)
	}
	exeDir := filepath.Dir(exe)
	return filepath.Join(exeDir, "config", "config.yaml"), nil
}

// Default 返回全部取默认值的配置
func Default() *Config {
	v := newDefaultViper()
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func WriteFile(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("cfg 不能为空")
	}
	if path == "" {
		return fmt.Errorf("path 不能为空")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	payload := map[string]any{
		"app": map[string]any{
			"name":      cfg.App.Name,
			"log_level": cfg.App.LogLevel,
			"log_path":  cfg.App.LogPath,
		},
		"storage": map[string]any{
			"driver":  cfg.Storage.Driver,
			"db_path": cfg.Storage.DBPath,
			"dsn":     cfg.Storage.DSN,
		},
		"trail": map[string]any{
			"enabled":            cfg.Trail.Enabled,
			"track_associations": cfg.Trail.TrackAssociations,
			"serializer":         cfg.Trail.Serializer,
			"watch_config":       cfg.Trail.WatchConfig,
			"nats": map[string]any{
				"url":     cfg.Trail.NATS.URL,
				"subject": cfg.Trail.NATS.Subject,
			},
		},
		"http": map[string]any{
			"actor_header":      cfg.HTTP.ActorHeader,
			"request_id_header": cfg.HTTP.RequestIDHeader,
		},
	}

	b, err := yaml.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}
	return nil
}
