package trail

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/yuqie6/WorkTrail/internal/repository"
	"github.com/yuqie6/WorkTrail/internal/schema"
	"gorm.io/gorm"
	gormschema "gorm.io/gorm/schema"
)

// ModelOptions 单个实体类型的跟踪配置
type ModelOptions struct {
	Name string // item_type，默认取结构体名

	Ignore []Rule   // 变化不触发版本，但仍写入 object
	Only   []Rule   // 非空时只有这些列的变化触发版本
	Skip   []string // 既不触发版本也不写入 object

	Meta map[string]Meta // 写入版本 metadata

	On     []string  // 记录哪些事件，默认全部
	If     Predicate // 为假时不记录
	Unless Predicate // 为真时不记录

	SkipChanges bool // 不写 object_changes

	Associations []string         // 需要快照的 belongs-to / many2many 字段名
	Polymorphic  []PolymorphicRef // 多态 belongs-to
	JoinTables   []string         // 目标类型不受跟踪时仍按连接表快照的 many2many 字段名
}

// PolymorphicRef 多态关联：TypeKey 列保存目标类型名
type PolymorphicRef struct {
	ForeignKey string
	TypeKey    string
}

type belongsToRef struct {
	name       string
	foreignKey string
	target     string
}

type habtmRef struct {
	name      string
	target    string
	joinTable string
	ownerKey  string
	memberKey string
	joinOnly  bool
}

// modelConfig 与实体 Go 类型无关的注册信息
type modelConfig struct {
	name     string
	sch      *gormschema.Schema
	desc     *Descriptor
	opts     ModelOptions
	disabled atomic.Bool
	detector detector
	zero     Attributes
	events   map[string]bool

	belongsTo   []belongsToRef
	polymorphic []PolymorphicRef
	habtm       []habtmRef
}

func (c *modelConfig) Enabled() bool { return !c.disabled.Load() }

// wants 事件在 On 范围内且 If/Unless 放行
func (c *modelConfig) wants(event string, current Attributes) bool {
	if len(c.events) > 0 && !c.events[event] {
		return false
	}
	snapshot := current.Clone()
	if c.opts.If != nil && !c.opts.If(snapshot) {
		return false
	}
	if c.opts.Unless != nil && c.opts.Unless(snapshot) {
		return false
	}
	return true
}

func (c *modelConfig) findHabtm(name string) (habtmRef, bool) {
	for _, h := range c.habtm {
		if h.name == name {
			return h, true
		}
	}
	return habtmRef{}, false
}

// snapshot 读取实体当前属性
func (c *modelConfig) snapshot(ctx context.Context, rv reflect.Value) (Attributes, error) {
	out := make(Attributes, len(c.desc.Attributes))
	for _, a := range c.desc.Attributes {
		field := c.sch.FieldsByDBName[a.Name]
		raw, _ := field.ValueOf(ctx, rv)
		v, err := canonical(a.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("读取属性 %s 失败: %w", a.Name, err)
		}
		out[a.Name] = v
	}
	return out, nil
}

// Model 已注册的实体类型
type Model[T any] struct {
	*modelConfig
	trail *Trail
}

// Register 为实体类型开启版本跟踪
func Register[T any](tr *Trail, opts ModelOptions) (*Model[T], error) {
	var zero T
	stmt := &gorm.Statement{DB: tr.db}
	if err := stmt.Parse(&zero); err != nil {
		return nil, fmt.Errorf("trail: 解析模型失败: %w", err)
	}
	sch := stmt.Schema

	cfg := &modelConfig{
		name: opts.Name,
		sch:  sch,
		opts: opts,
	}
	if cfg.name == "" {
		cfg.name = sch.Name
	}
	desc, err := describe(sch)
	if err != nil {
		return nil, &ConfigError{Model: cfg.name, Problems: []string{err.Error()}}
	}
	cfg.desc = desc
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.detector = detector{
		ignore:     opts.Ignore,
		only:       opts.Only,
		skip:       toSet(opts.Skip),
		timestamps: toSet(desc.Timestamps),
	}
	if cfg.zero, err = cfg.snapshot(context.Background(), reflect.ValueOf(&zero).Elem()); err != nil {
		return nil, err
	}
	if len(opts.On) > 0 {
		cfg.events = make(map[string]bool, len(opts.On))
		for _, e := range opts.On {
			cfg.events[e] = true
		}
	}

	if err := tr.register(cfg); err != nil {
		return nil, err
	}
	return &Model[T]{modelConfig: cfg, trail: tr}, nil
}

// MustRegister 注册失败时 panic，用于包初始化
func MustRegister[T any](tr *Trail, opts ModelOptions) *Model[T] {
	m, err := Register[T](tr, opts)
	if err != nil {
		panic(err)
	}
	return m
}

var (
	timeType    = reflect.TypeOf(time.Time{})
	scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
)

func describe(sch *gormschema.Schema) (*Descriptor, error) {
	if sch.PrioritizedPrimaryField == nil {
		return nil, errors.New("模型缺少主键")
	}
	var (
		attrs      []Attribute
		timestamps []string
	)
	for _, name := range sch.DBNames {
		field := sch.FieldsByDBName[name]
		if field == nil || !field.Readable {
			continue
		}
		attrs = append(attrs, Attribute{Name: name, Type: attrTypeOf(field)})
		if field.AutoUpdateTime > 0 {
			timestamps = append(timestamps, name)
		}
	}
	return NewDescriptor(sch.PrioritizedPrimaryField.DBName, attrs, timestamps...), nil
}

func attrTypeOf(field *gormschema.Field) AttrType {
	ft := field.IndirectFieldType
	if ft == timeType {
		return TypeTime
	}
	if reflect.PointerTo(ft).Implements(scannerType) {
		return TypeValue
	}
	switch field.DataType {
	case gormschema.Bool:
		return TypeBoolean
	case gormschema.Int, gormschema.Uint:
		return TypeInteger
	case gormschema.Float:
		return TypeFloat
	case gormschema.String:
		return TypeString
	case gormschema.Time:
		return TypeTime
	case gormschema.Bytes:
		return TypeBytes
	}
	switch ft.Kind() {
	case reflect.Bool:
		return TypeBoolean
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return TypeInteger
	case reflect.Float32, reflect.Float64:
		return TypeFloat
	case reflect.String:
		return TypeString
	}
	return TypeValue
}

// validate 检查配置引用的列与关联
func (c *modelConfig) validate() error {
	var problems []string
	check := func(kind, name string) {
		if !c.desc.Has(name) {
			problems = append(problems, fmt.Sprintf("%s 引用了不存在的属性 %s", kind, name))
		}
	}
	for _, r := range c.opts.Ignore {
		for _, name := range r.attrs {
			check("ignore", name)
		}
	}
	for _, r := range c.opts.Only {
		for _, name := range r.attrs {
			check("only", name)
		}
	}
	for _, name := range c.opts.Skip {
		check("skip", name)
		if name == c.desc.PrimaryKey {
			problems = append(problems, "skip 不能包含主键")
		}
	}
	for key, m := range c.opts.Meta {
		if attr, ok := m.(MetaAttr); ok && !c.desc.Has(string(attr)) {
			problems = append(problems, fmt.Sprintf("meta %s 引用了不存在的属性 %s", key, attr))
		}
	}
	only := staticNames(c.opts.Only)
	for name := range staticNames(c.opts.Ignore) {
		if _, ok := only[name]; ok {
			problems = append(problems, fmt.Sprintf("属性 %s 同时出现在 ignore 与 only 中", name))
		}
	}
	for _, e := range c.opts.On {
		switch e {
		case EventCreate, EventUpdate, EventDestroy:
		default:
			problems = append(problems, fmt.Sprintf("未知事件 %s", e))
		}
	}
	for _, p := range c.opts.Polymorphic {
		check("polymorphic", p.ForeignKey)
		check("polymorphic", p.TypeKey)
	}
	problems = append(problems, c.resolveAssociations()...)

	if len(problems) > 0 {
		return &ConfigError{Model: c.name, Problems: problems}
	}
	c.polymorphic = c.opts.Polymorphic
	return nil
}

func (c *modelConfig) resolveAssociations() []string {
	var problems []string
	joinOnly := toSet(c.opts.JoinTables)
	names := append([]string(nil), c.opts.Associations...)
	for _, name := range c.opts.JoinTables {
		if !contains(names, name) {
			names = append(names, name)
		}
	}

	for _, name := range names {
		rel, ok := c.sch.Relationships.Relations[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("关联 %s 不存在", name))
			continue
		}
		switch rel.Type {
		case gormschema.BelongsTo:
			if len(rel.References) != 1 {
				problems = append(problems, fmt.Sprintf("关联 %s 不支持复合外键", name))
				continue
			}
			c.belongsTo = append(c.belongsTo, belongsToRef{
				name:       name,
				foreignKey: rel.References[0].ForeignKey.DBName,
				target:     rel.FieldSchema.Name,
			})
		case gormschema.Many2Many:
			ref := habtmRef{name: name, target: rel.FieldSchema.Name, joinTable: rel.JoinTable.Table}
			for _, r := range rel.References {
				if r.OwnPrimaryKey {
					ref.ownerKey = r.ForeignKey.DBName
				} else {
					ref.memberKey = r.ForeignKey.DBName
				}
			}
			if ref.ownerKey == "" || ref.memberKey == "" {
				problems = append(problems, fmt.Sprintf("关联 %s 的连接表缺少外键", name))
				continue
			}
			_, ref.joinOnly = joinOnly[name]
			c.habtm = append(c.habtm, ref)
		default:
			problems = append(problems, fmt.Sprintf("关联 %s 的类型 %s 不支持快照", name, rel.Type))
		}
	}
	for name := range joinOnly {
		if rel, ok := c.sch.Relationships.Relations[name]; ok && rel.Type != gormschema.Many2Many {
			problems = append(problems, fmt.Sprintf("join_tables 只接受多对多关联: %s", name))
		}
	}
	return problems
}

// Name 版本中的 item_type
func (m *Model[T]) Name() string { return m.name }

// Descriptor 属性描述
func (m *Model[T]) Descriptor() *Descriptor { return m.desc }

// Enable 开启该类型的版本记录
func (m *Model[T]) Enable() { m.disabled.Store(false) }

// Disable 关闭该类型的版本记录
func (m *Model[T]) Disable() { m.disabled.Store(true) }

// Track 包装一个实体；主键非零时视为已持久化并以当前值为基线
func (m *Model[T]) Track(ctx context.Context, item *T) (*RecordTrail[T], error) {
	r := &RecordTrail[T]{model: m, item: item}
	if r.ID() != 0 {
		attrs, err := m.snapshot(ctx, r.value())
		if err != nil {
			return nil, err
		}
		r.original = attrs
	}
	return r, nil
}

// New 包装一个新实体
func (m *Model[T]) New(item *T) *RecordTrail[T] {
	if item == nil {
		item = new(T)
	}
	return &RecordTrail[T]{model: m, item: item}
}

// Find 按主键加载实体，不存在时返回 nil
func (m *Model[T]) Find(ctx context.Context, id int64) (*RecordTrail[T], error) {
	item := new(T)
	err := m.trail.DB(ctx).Where(map[string]any{m.desc.PrimaryKey: id}).Take(item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("加载 %s 失败: %w", m.name, err)
	}
	return m.Track(ctx, item)
}

// Versions 实体的全部版本，按时间顺序
func (m *Model[T]) Versions(ctx context.Context, id int64) ([]schema.Version, error) {
	return m.versions(ctx).ListByItem(ctx, m.name, id)
}

func (m *Model[T]) versions(ctx context.Context) *repository.VersionRepository {
	return repository.NewVersionRepository(m.trail.DB(ctx))
}

// WithoutVersioning 在 fn 执行期间关闭该类型在当前上下文中的版本记录
func (m *Model[T]) WithoutVersioning(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return ErrNoBlock
	}
	ctx, req := ensureRequest(ctx)
	defer req.suppressType(m.name)()
	return fn(ctx)
}

// Changes 解码版本的 object_changes
func (m *Model[T]) Changes(v *schema.Version) (map[string][2]any, error) {
	if v == nil || v.ObjectChanges == nil || *v.ObjectChanges == "" {
		return nil, nil
	}
	return decodeChanges(m.trail.codec(m.trail.columns.changesJSON), m.desc, *v.ObjectChanges)
}

func toSet(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
