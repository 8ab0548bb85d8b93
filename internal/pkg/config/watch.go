package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

func newDefaultViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

// Watch 加载配置并监听文件变化；新配置解析成功后回调 onChange，失败时保留旧配置
func Watch(configPath string, onChange func(*Config)) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return cfg, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(v)
		if err != nil {
			slog.Warn("配置变更解析失败，保留旧配置", "path", e.Name, "error", err)
			return
		}
		slog.Info("配置已重新加载", "path", e.Name)
		if onChange != nil {
			onChange(next)
		}
	})
	v.WatchConfig()
	return cfg, nil
}
