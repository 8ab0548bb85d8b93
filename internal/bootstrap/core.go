package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/yuqie6/WorkTrail/internal/eventbus"
	"github.com/yuqie6/WorkTrail/internal/pkg/config"
	"github.com/yuqie6/WorkTrail/internal/repository"
	"github.com/yuqie6/WorkTrail/internal/trail"
)

// Core 持有跨二进制共享的核心依赖
type Core struct {
	Cfg       *config.Config
	DB        *repository.Database
	Trail     *trail.Trail
	Hub       *eventbus.Hub
	LogCloser io.Closer

	Repos struct {
		Versions     *repository.VersionRepository
		Associations *repository.AssociationRepository
	}

	nats      *nats.Conn
	forwarder *eventbus.Forwarder
}

// NewCore 加载配置并构建核心依赖；开启 watch_config 时配置变更会实时生效
func NewCore(cfgPath string) (*Core, error) {
	// 回调可能早于 Core 构建完成触发
	var current atomic.Pointer[Core]
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if cfg.Trail.WatchConfig {
		cfg, err = config.Watch(cfgPath, func(next *config.Config) {
			if c := current.Load(); c != nil {
				c.ApplyConfig(next)
			}
		})
		if err != nil {
			return nil, err
		}
	}
	logCloser, err := config.SetupLogger(config.LoggerOptions{
		Level:     cfg.App.LogLevel,
		Path:      cfg.App.LogPath,
		Component: filepath.Base(os.Args[0]),
	})
	if err != nil {
		return nil, err
	}

	c, err := NewCoreFromConfig(cfg)
	if err != nil {
		if logCloser != nil {
			_ = logCloser.Close()
		}
		return nil, err
	}
	c.LogCloser = logCloser
	current.Store(c)
	return c, nil
}

// NewCoreFromConfig 按已加载的配置构建核心依赖
func NewCoreFromConfig(cfg *config.Config) (*Core, error) {
	db, err := repository.NewDatabase(cfg.Storage.Driver, cfg.Storage.DataSource())
	if err != nil {
		return nil, err
	}

	serializer, err := trail.SerializerByName(cfg.Trail.Serializer)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	c := &Core{Cfg: cfg, DB: db, Hub: eventbus.NewHub()}
	c.Repos.Versions = repository.NewVersionRepository(db.DB)
	c.Repos.Associations = repository.NewAssociationRepository(db.DB)

	if db.SafeMode {
		// 安全模式：只读命令可用，不构建记录引擎
		return c, nil
	}

	c.Trail, err = trail.New(db.DB, trail.Options{
		TrackAssociations: cfg.Trail.TrackAssociations,
		Serializer:        serializer,
		Hub:               c.Hub,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("初始化版本记录失败: %w", err)
	}
	c.Trail.SetEnabled(cfg.Trail.Enabled)

	if cfg.Trail.NATS.URL != "" {
		conn, err := eventbus.ConnectNATS(cfg.Trail.NATS.URL)
		if err != nil {
			// 事件转发是可选能力，连接失败不影响记录
			slog.Warn("版本事件转发未启用", "error", err)
		} else {
			c.nats = conn
			c.forwarder = eventbus.NewForwarder(c.Hub, conn, cfg.Trail.NATS.Subject)
		}
	}

	return c, nil
}

// Start 启动后台任务（事件转发），ctx 结束时退出
func (c *Core) Start(ctx context.Context) {
	if c.forwarder != nil {
		go c.forwarder.Run(ctx)
	}
}

// ApplyConfig 应用可热更新的配置项
func (c *Core) ApplyConfig(cfg *config.Config) {
	if c.Trail != nil {
		c.Trail.SetEnabled(cfg.Trail.Enabled)
	}
	config.SetLogLevel(cfg.App.LogLevel)
	slog.Info("配置已应用", "trail_enabled", cfg.Trail.Enabled, "log_level", cfg.App.LogLevel)
}

// RequireWritable 安全模式下拒绝写操作
func (c *Core) RequireWritable() error {
	if c.DB != nil && c.DB.SafeMode {
		return fmt.Errorf("数据库处于安全模式: %s", c.DB.MigrationError)
	}
	return nil
}

// Close 关闭核心依赖资源
func (c *Core) Close() error {
	if c == nil {
		return nil
	}
	if c.nats != nil {
		c.nats.Close()
	}
	var dbErr error
	if c.DB != nil {
		dbErr = c.DB.Close()
	}
	if c.LogCloser != nil {
		_ = c.LogCloser.Close()
	}
	return dbErr
}

// Forwarding 是否已启用 NATS 事件转发
func (c *Core) Forwarding() bool {
	return c != nil && c.forwarder != nil
}
