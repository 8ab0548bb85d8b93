package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Storage StorageConfig `mapstructure:"storage"`
	Trail   TrailConfig   `mapstructure:"trail"`
	HTTP    HTTPConfig    `mapstructure:"http"`
}

// AppConfig 应用配置
type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
	LogPath  string `mapstructure:"log_path"`
}

// StorageConfig 存储配置，sqlite 使用 db_path，其余驱动使用 dsn
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	DBPath string `mapstructure:"db_path"`
	DSN    string `mapstructure:"dsn"`
}

// TrailConfig 版本记录配置
type TrailConfig struct {
	Enabled           bool       `mapstructure:"enabled"`
	TrackAssociations bool       `mapstructure:"track_associations"`
	Serializer        string     `mapstructure:"serializer"`
	WatchConfig       bool       `mapstructure:"watch_config"`
	NATS              NATSConfig `mapstructure:"nats"`
}

// NATSConfig 版本事件转发，url 为空时不启用
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// HTTPConfig 请求上下文采集
type HTTPConfig struct {
	ActorHeader     string `mapstructure:"actor_header"`
	RequestIDHeader string `mapstructure:"request_id_header"`
}

// DataSource 当前驱动使用的连接串
func (s StorageConfig) DataSource() string {
	if s.Driver == "" || s.Driver == "sqlite" {
		return s.DBPath
	}
	return s.DSN
}

// Load 加载配置文件
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 设置配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// 默认查找路径
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// 支持环境变量
	v.SetEnvPrefix("TRAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			slog.Warn("配置文件未找到，使用默认配置")
		} else {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	} else {
		slog.Info("加载配置文件", "path", v.ConfigFileUsed())
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	// 处理环境变量占位符
	cfg.Storage.DSN = expandEnv(cfg.Storage.DSN)
	cfg.Trail.NATS.URL = expandEnv(cfg.Trail.NATS.URL)

	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// 处理相对路径
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.DBPath != ":memory:" {
		cfg.Storage.DBPath = resolvePath(cfg.Storage.DBPath)
	}

	return &cfg, nil
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver)
	}
	if c.Storage.DataSource() == "" {
		return fmt.Errorf("storage 未配置连接信息")
	}
	switch strings.ToLower(c.Trail.Serializer) {
	case "json", "yaml", "yml":
	default:
		return fmt.Errorf("不支持的序列化器: %s", c.Trail.Serializer)
	}
	return nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	// App
	v.SetDefault("app.name", "worktrail")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_path", "")

	// Storage
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.db_path", "./data/trail.db")
	v.SetDefault("storage.dsn", "")

	// Trail
	v.SetDefault("trail.enabled", true)
	v.SetDefault("trail.track_associations", false)
	v.SetDefault("trail.serializer", "json")
	v.SetDefault("trail.watch_config", false)
	v.SetDefault("trail.nats.url", "")
	v.SetDefault("trail.nats.subject", "trail.versions")

	// HTTP
	v.SetDefault("http.actor_header", "X-Actor")
	v.SetDefault("http.request_id_header", "X-Request-ID")
}

// expandEnv 展开环境变量占位符 ${VAR}
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		envVar := s[2 : len(s)-1]
		return os.Getenv(envVar)
	}
	return s
}

// resolvePath 解析相对路径为绝对路径
func resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}

	// 获取可执行文件目录
	exe, err := os.Executable()
	if err != nil {
		return path
	}

	exeDir := filepath.Dir(exe)
	return filepath.Join(exeDir, path)
}

// LoggerOptions 日志选项
type LoggerOptions struct {
	Level     string
	Path      string // 为空时只输出到 stdout
	Component string
}

// ParseLevel 解析日志级别，未知值按 info 处理
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var logLevel = new(slog.LevelVar)

// SetLogLevel 调整默认 logger 的级别，可在运行期调用
func SetLogLevel(level string) {
	logLevel.Set(ParseLevel(level))
}

// SetupLogger 根据配置设置默认 logger，返回的 Closer 用于关闭日志文件
func SetupLogger(opts LoggerOptions) (io.Closer, error) {
	var (
		w      io.Writer = os.Stdout
		closer io.Closer
	)
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}
		f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("打开日志文件失败: %w", err)
		}
		w = io.MultiWriter(os.Stdout, f)
		closer = f
	}

	SetLogLevel(opts.Level)
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	logger := slog.New(handler)
	if opts.Component != "" {
		logger = logger.With("component", opts.Component)
	}
	slog.SetDefault(logger)
	return closer, nil
}
