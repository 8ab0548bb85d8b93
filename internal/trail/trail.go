package trail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yuqie6/WorkTrail/internal/eventbus"
	"github.com/yuqie6/WorkTrail/internal/schema"
	"gorm.io/gorm"
)

// 版本事件
const (
	EventCreate  = schema.EventCreate
	EventUpdate  = schema.EventUpdate
	EventDestroy = schema.EventDestroy
)

// Options 引擎选项
type Options struct {
	TrackAssociations bool
	Serializer        Serializer       // 默认 JSON
	Now               func() time.Time // 默认 time.Now
	Hub               *eventbus.Hub    // 可选，版本写入后广播
}

// Trail 版本记录引擎，持有全局开关与已注册模型
type Trail struct {
	db                *gorm.DB
	disabled          atomic.Bool
	suppressed        atomic.Int32 // WithoutVersioning 的嵌套层数
	trackAssociations bool
	serializer        Serializer
	now               func() time.Time
	hub               *eventbus.Hub
	columns           versionColumns
	precision         time.Duration // 数据库时间列能保存的精度

	mu     sync.RWMutex
	models map[string]*modelConfig
}

// versionColumns versions 表的实际形态，初始化时探测一次
type versionColumns struct {
	objectChanges bool
	transactionID bool
	metadata      bool
	objectJSON    bool
	changesJSON   bool
	associations  bool
}

type txKey struct{}

// New 创建引擎；versions 表必须已存在
func New(db *gorm.DB, opts Options) (*Trail, error) {
	if db == nil {
		return nil, errors.New("trail: db 不能为空")
	}
	t := &Trail{
		db:                db,
		trackAssociations: opts.TrackAssociations,
		serializer:        opts.Serializer,
		now:               opts.Now,
		hub:               opts.Hub,
		precision:         timePrecision(db.Dialector.Name()),
		models:            make(map[string]*modelConfig),
	}
	if t.serializer == nil {
		t.serializer = JSONSerializer{}
	}
	if t.now == nil {
		t.now = time.Now
	}
	if err := t.inspect(); err != nil {
		return nil, err
	}
	return t, nil
}

// timePrecision 各方言时间列的精度：MySQL datetime(3) 到毫秒，其余按微秒。
// 写入前截断，内存中的版本与库里读回的一致。
func timePrecision(dialect string) time.Duration {
	if dialect == "mysql" {
		return time.Millisecond
	}
	return time.Microsecond
}

func (t *Trail) inspect() error {
	m := t.db.Migrator()
	if !m.HasTable(&schema.Version{}) {
		return errors.New("trail: versions 表不存在，请先执行迁移")
	}
	t.columns.objectChanges = m.HasColumn(&schema.Version{}, "object_changes")
	t.columns.transactionID = m.HasColumn(&schema.Version{}, "transaction_id")
	t.columns.metadata = m.HasColumn(&schema.Version{}, "metadata")
	t.columns.associations = m.HasTable(&schema.VersionAssociation{})

	types, err := m.ColumnTypes(&schema.Version{})
	if err != nil {
		return fmt.Errorf("trail: 读取 versions 列类型失败: %w", err)
	}
	for _, ct := range types {
		switch ct.Name() {
		case "object":
			t.columns.objectJSON = isJSONColumn(ct.DatabaseTypeName())
		case "object_changes":
			t.columns.changesJSON = isJSONColumn(ct.DatabaseTypeName())
		}
	}

	if t.trackAssociations && !t.columns.associations {
		slog.Warn("已开启关联跟踪，但 version_associations 表不存在，关联快照将被跳过")
	}
	return nil
}

func isJSONColumn(typeName string) bool {
	switch strings.ToUpper(typeName) {
	case "JSON", "JSONB":
		return true
	}
	return false
}

// omitted 表中缺失的可选列
func (t *Trail) omitted() []string {
	var out []string
	if !t.columns.objectChanges {
		out = append(out, "object_changes")
	}
	if !t.columns.transactionID {
		out = append(out, "transaction_id")
	}
	if !t.columns.metadata {
		out = append(out, "metadata")
	}
	return out
}

// codec 原生 JSON 列始终以 JSON 写入
func (t *Trail) codec(jsonColumn bool) Serializer {
	if jsonColumn {
		return JSONSerializer{}
	}
	return t.serializer
}

// Enabled 全局开关打开且不在任何 WithoutVersioning 作用域内
func (t *Trail) Enabled() bool { return !t.disabled.Load() && t.suppressed.Load() == 0 }

// SetEnabled 设置全局开关，不影响正在执行的 WithoutVersioning
func (t *Trail) SetEnabled(enabled bool) { t.disabled.Store(!enabled) }

// WithoutVersioning 在 fn 执行期间关闭全局版本记录；并发或交错的作用域各自计数
func (t *Trail) WithoutVersioning(fn func() error) error {
	if fn == nil {
		return ErrNoBlock
	}
	t.suppressed.Add(1)
	defer t.suppressed.Add(-1)
	return fn()
}

// TrackingAssociations 是否记录关联快照
func (t *Trail) TrackingAssociations() bool {
	return t.trackAssociations && t.columns.associations
}

// Transaction 在一个数据库事务内执行 fn；事务内产生的版本共享同一个 transaction_id。
// 嵌套调用走保存点并沿用外层的关联 id。同一 Request 上并发的事务互不干扰。
func (t *Trail) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return ErrNoBlock
	}
	parent := unitFrom(ctx)
	u := &unit{parent: parent}
	err := t.DB(ctx).Transaction(func(tx *gorm.DB) error {
		inner := context.WithValue(ctx, unitKey{}, u)
		return fn(context.WithValue(inner, txKey{}, tx))
	})
	if err != nil {
		// 连接表写入已回滚，暂存的成员变更随单元丢弃
		return err
	}
	if parent != nil {
		parent.pending.absorb(&u.pending)
	} else {
		FromContext(ctx).staged().absorb(&u.pending)
	}
	return nil
}

// DB 返回上下文中的事务连接，没有事务时返回底层连接
func (t *Trail) DB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return t.db.WithContext(ctx)
}

// switchedOn 全局、上下文、模型、作用域四级开关都打开时才记录
func (t *Trail) switchedOn(ctx context.Context, cfg *modelConfig) bool {
	req := FromContext(ctx)
	return t.Enabled() && req.Enabled() && cfg.Enabled() && req.typeEnabled(cfg.name)
}

func (t *Trail) register(cfg *modelConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.models[cfg.name]; exists {
		return &ConfigError{Model: cfg.name, Problems: []string{"重复注册"}}
	}
	t.models[cfg.name] = cfg
	return nil
}

// isTracked 目标类型已注册且处于开启状态
func (t *Trail) isTracked(name string) bool {
	t.mu.RLock()
	cfg, ok := t.models[name]
	t.mu.RUnlock()
	return ok && cfg.Enabled()
}

// Registered 已注册的类型名
func (t *Trail) Registered() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.models))
	for name := range t.models {
		out = append(out, name)
	}
	return out
}

func (t *Trail) publish(v *schema.Version) {
	if t.hub == nil {
		return
	}
	data := map[string]any{
		"id":        v.ID,
		"item_type": v.ItemType,
		"item_id":   v.ItemID,
		"event":     v.Event,
		"whodunnit": v.Whodunnit,
	}
	if v.TransactionID != nil {
		data["transaction_id"] = *v.TransactionID
	}
	t.hub.Publish(eventbus.Event{
		Type:      eventbus.TypeVersionCreated,
		Timestamp: v.CreatedAt.UnixMilli(),
		Data:      data,
	})
}

// Decoded 不依赖模型定义的版本内容，值保持序列化器读回的原样
type Decoded struct {
	Object  map[string]any `json:"object,omitempty"`
	Changes map[string]any `json:"object_changes,omitempty"`
}

// Decode 解码版本的 object 与 object_changes，供只读查询展示
func (t *Trail) Decode(v *schema.Version) (*Decoded, error) {
	out := &Decoded{}
	if v.Object != nil && *v.Object != "" {
		obj, err := t.codec(t.columns.objectJSON).Load([]byte(*v.Object))
		if err != nil {
			return nil, fmt.Errorf("反序列化对象失败: %w", err)
		}
		out.Object = obj
	}
	if v.ObjectChanges != nil && *v.ObjectChanges != "" {
		changes, err := t.codec(t.columns.changesJSON).Load([]byte(*v.ObjectChanges))
		if err != nil {
			return nil, fmt.Errorf("反序列化变化失败: %w", err)
		}
		out.Changes = changes
	}
	return out, nil
}
