package trail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/yuqie6/WorkTrail/internal/schema"
)

// RecordTrail 被跟踪的实体实例：负责写库、脏检查与版本记录
type RecordTrail[T any] struct {
	model *Model[T]
	item  *T

	original  Attributes      // 最近一次持久化时的属性，nil 表示尚未持久化
	source    *schema.Version // 由版本重建时的来源版本
	destroyed bool
	appearNew bool
	pending   pendingSet // 上下文没有 Request 时暂存的多对多变更
}

// Item 被包装的实体
func (r *RecordTrail[T]) Item() *T { return r.item }

// Model 所属模型
func (r *RecordTrail[T]) Model() *Model[T] { return r.model }

func (r *RecordTrail[T]) value() reflect.Value {
	return reflect.ValueOf(r.item).Elem()
}

// ID 主键值
func (r *RecordTrail[T]) ID() int64 {
	field := r.model.sch.PrioritizedPrimaryField
	raw, _ := field.ValueOf(context.Background(), r.value())
	id, err := canonical(TypeInteger, raw)
	if err != nil || id == nil {
		return 0
	}
	return id.(int64)
}

// NewRecord 是否尚未持久化；AppearAsNewRecord 期间按主键是否为空判断
func (r *RecordTrail[T]) NewRecord() bool {
	if r.appearNew {
		return r.ID() == 0
	}
	if r.source != nil {
		return false
	}
	return r.original == nil
}

// Persisted 已持久化且未删除
func (r *RecordTrail[T]) Persisted() bool {
	return !r.NewRecord() && !r.destroyed
}

// Destroyed 是否已被删除
func (r *RecordTrail[T]) Destroyed() bool { return r.destroyed }

// Live 是否为当前存活的记录（而非由版本重建）
func (r *RecordTrail[T]) Live() bool { return r.source == nil }

// SourceVersion 重建来源版本；删除后指向 destroy 版本
func (r *RecordTrail[T]) SourceVersion() *schema.Version { return r.source }

// AppearAsNewRecord 在 fn 执行期间按“新记录”语义对外呈现
func (r *RecordTrail[T]) AppearAsNewRecord(fn func() error) error {
	if fn == nil {
		return ErrNoBlock
	}
	prev := r.appearNew
	r.appearNew = true
	defer func() { r.appearNew = prev }()
	return fn()
}

// Changes 相对基线的全部变化
func (r *RecordTrail[T]) Changes(ctx context.Context) (map[string][2]any, error) {
	cs, err := r.changeSet(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][2]any, len(cs.Changed))
	for _, name := range cs.Changed {
		out[name] = [2]any{cs.Previous[name], cs.Current[name]}
	}
	return out, nil
}

// ChangesApplied 以当前值作为新的基线
func (r *RecordTrail[T]) ChangesApplied(ctx context.Context) error {
	attrs, err := r.model.snapshot(ctx, r.value())
	if err != nil {
		return err
	}
	r.original = attrs
	return nil
}

func (r *RecordTrail[T]) changeSet(ctx context.Context) (ChangeSet, error) {
	current, err := r.model.snapshot(ctx, r.value())
	if err != nil {
		return ChangeSet{}, err
	}
	previous := r.original
	if previous == nil {
		previous = r.model.zero
	}
	return r.model.detector.detect(r.model.desc, previous, current), nil
}

// state 交给版本构建器的只读视图
func (r *RecordTrail[T]) state(ctx context.Context) (recordState, error) {
	current, err := r.model.snapshot(ctx, r.value())
	if err != nil {
		return recordState{}, err
	}
	st := recordState{
		cfg:      r.model.modelConfig,
		id:       r.ID(),
		current:  current,
		previous: r.original,
		pending:  r.pendingChanges(ctx),
	}
	return st, nil
}

// Save 新记录插入，已有记录更新；按配置记录 create/update 版本
func (r *RecordTrail[T]) Save(ctx context.Context) error {
	if r.destroyed {
		return fmt.Errorf("%s 已删除，不能再次保存", r.model.name)
	}
	// 重建自已删除记录时按原主键重新插入
	if r.NewRecord() || r.original == nil {
		return r.Create(ctx)
	}
	return r.update(ctx)
}

// Create 插入记录并记录 create 版本
func (r *RecordTrail[T]) Create(ctx context.Context) error {
	tr := r.model.trail
	return tr.Transaction(ctx, func(ctx context.Context) error {
		if err := tr.DB(ctx).Create(r.item).Error; err != nil {
			return fmt.Errorf("创建 %s 失败: %w", r.model.name, err)
		}
		if err := r.afterWrite(ctx, EventCreate, false); err != nil {
			return err
		}
		return r.settle(ctx)
	})
}

func (r *RecordTrail[T]) update(ctx context.Context) error {
	tr := r.model.trail
	return tr.Transaction(ctx, func(ctx context.Context) error {
		if err := tr.DB(ctx).Save(r.item).Error; err != nil {
			return fmt.Errorf("更新 %s 失败: %w", r.model.name, err)
		}
		if err := r.afterWrite(ctx, EventUpdate, false); err != nil {
			return err
		}
		return r.settle(ctx)
	})
}

// Destroy 记录 destroy 版本后删除记录；删除后 SourceVersion 指向该版本
func (r *RecordTrail[T]) Destroy(ctx context.Context) error {
	if r.NewRecord() || r.destroyed {
		return nil
	}
	tr := r.model.trail
	return tr.Transaction(ctx, func(ctx context.Context) error {
		st, err := r.state(ctx)
		if err != nil {
			return err
		}
		if r.model.wants(EventDestroy, st.current) {
			if v := tr.recordDestroy(ctx, st); v != nil {
				r.source = v
				r.clearPending(ctx)
			}
		}
		if err := tr.DB(ctx).Delete(r.item).Error; err != nil {
			return fmt.Errorf("删除 %s 失败: %w", r.model.name, err)
		}
		r.destroyed = true
		return nil
	})
}

// afterWrite 写库后的版本回调
func (r *RecordTrail[T]) afterWrite(ctx context.Context, event string, force bool) error {
	st, err := r.state(ctx)
	if err != nil {
		return err
	}
	if !force && !r.model.wants(event, st.current) {
		return nil
	}
	var v *schema.Version
	switch event {
	case EventCreate:
		v = r.model.trail.recordCreate(ctx, st)
	case EventUpdate:
		v = r.model.trail.recordUpdate(ctx, st, force)
	}
	if v != nil {
		r.clearPending(ctx)
	}
	return nil
}

// settle 写库成功后刷新基线；重建出的记录保存后成为存活记录
func (r *RecordTrail[T]) settle(ctx context.Context) error {
	r.source = nil
	r.destroyed = false
	return r.ChangesApplied(ctx)
}

// RecordCreate 记录 create 版本，不写实体本身
func (r *RecordTrail[T]) RecordCreate(ctx context.Context) {
	st, err := r.state(ctx)
	if err != nil {
		slog.Warn("读取记录状态失败", "item_type", r.model.name, "error", err)
		return
	}
	if r.model.trail.recordCreate(ctx, st) != nil {
		r.clearPending(ctx)
	}
}

// RecordUpdate 记录 update 版本；force 为真时即使没有值得记录的变化也写入
func (r *RecordTrail[T]) RecordUpdate(ctx context.Context, force bool) {
	st, err := r.state(ctx)
	if err != nil {
		slog.Warn("读取记录状态失败", "item_type", r.model.name, "error", err)
		return
	}
	if r.model.trail.recordUpdate(ctx, st, force) != nil {
		r.clearPending(ctx)
	}
}

// RecordDestroy 记录 destroy 版本，不删除实体；未持久化的记录不产生版本
func (r *RecordTrail[T]) RecordDestroy(ctx context.Context) {
	st, err := r.state(ctx)
	if err != nil {
		slog.Warn("读取记录状态失败", "item_type", r.model.name, "error", err)
		return
	}
	if r.NewRecord() {
		st.previous = nil
	}
	if v := r.model.trail.recordDestroy(ctx, st); v != nil {
		r.source = v
		r.clearPending(ctx)
	}
}

// TouchWithVersion 把时间戳列（及 attrs）设为当前时间，并强制记录 update 版本
func (r *RecordTrail[T]) TouchWithVersion(ctx context.Context, attrs ...string) error {
	if !r.Persisted() {
		return ErrNotPersisted
	}
	tr := r.model.trail
	names := append([]string(nil), r.model.desc.Timestamps...)
	for _, name := range attrs {
		if !r.model.desc.Has(name) {
			return fmt.Errorf("%s 没有属性 %s", r.model.name, name)
		}
		if !contains(names, name) {
			names = append(names, name)
		}
	}

	now := tr.now().UTC().Truncate(tr.precision)
	rv := r.value()
	columns := make(map[string]any, len(names))
	before := make(map[string]any, len(names))
	// 事务失败时把内存中的时间戳还原，实体与库保持一致
	restore := func() {
		for name, value := range before {
			_ = r.model.sch.FieldsByDBName[name].Set(ctx, rv, value)
		}
	}
	for _, name := range names {
		field := r.model.sch.FieldsByDBName[name]
		before[name], _ = field.ValueOf(ctx, rv)
		if err := field.Set(ctx, rv, now); err != nil {
			restore()
			return fmt.Errorf("设置 %s 失败: %w", name, err)
		}
		columns[name], _ = field.ValueOf(ctx, rv)
	}

	err := tr.Transaction(ctx, func(ctx context.Context) error {
		if err := r.afterWrite(ctx, EventUpdate, true); err != nil {
			return err
		}
		if len(columns) > 0 {
			if err := tr.DB(ctx).Model(r.item).UpdateColumns(columns).Error; err != nil {
				return fmt.Errorf("更新 %s 时间戳失败: %w", r.model.name, err)
			}
		}
		return r.settle(ctx)
	})
	if err != nil {
		restore()
	}
	return err
}

// WithoutVersioning 在 fn 执行期间关闭该类型在当前上下文中的版本记录
func (r *RecordTrail[T]) WithoutVersioning(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.model.WithoutVersioning(ctx, fn)
}

// Whodunnit 以 actor 身份执行 fn
func (r *RecordTrail[T]) Whodunnit(ctx context.Context, actor string, fn func(ctx context.Context, r *RecordTrail[T]) error) error {
	if fn == nil {
		return ErrNoBlock
	}
	return WithActor(ctx, actor, func(ctx context.Context) error {
		return fn(ctx, r)
	})
}

// Originator 最近一个版本（重建记录为其来源版本）的操作者
func (r *RecordTrail[T]) Originator(ctx context.Context) (string, error) {
	v := r.source
	if v == nil {
		var err error
		if v, err = r.model.versions(ctx).Last(ctx, r.model.name, r.ID()); err != nil {
			return "", err
		}
	}
	if v == nil {
		return "", nil
	}
	return v.Whodunnit, nil
}

// Versions 本记录的全部版本
func (r *RecordTrail[T]) Versions(ctx context.Context) ([]schema.Version, error) {
	if r.ID() == 0 {
		return nil, ErrNotPersisted
	}
	return r.model.Versions(ctx, r.ID())
}

var errNoAssociation = errors.New("未配置的多对多关联")

// AppendMembers 向多对多关联添加成员；变更在下一次记录版本前暂存，
// 以便快照反映保存前的成员关系
func (r *RecordTrail[T]) AppendMembers(ctx context.Context, assoc string, ids ...int64) error {
	return r.changeMembers(ctx, assoc, ids, nil)
}

// RemoveMembers 从多对多关联移除成员
func (r *RecordTrail[T]) RemoveMembers(ctx context.Context, assoc string, ids ...int64) error {
	return r.changeMembers(ctx, assoc, nil, ids)
}

func (r *RecordTrail[T]) changeMembers(ctx context.Context, assoc string, added, removed []int64) error {
	if r.NewRecord() {
		return ErrNotPersisted
	}
	ref, ok := r.model.findHabtm(assoc)
	if !ok {
		return fmt.Errorf("%s.%s: %w", r.model.name, assoc, errNoAssociation)
	}
	db := r.model.trail.DB(ctx)
	owner := r.ID()
	for _, id := range added {
		if err := db.Table(ref.joinTable).Create(map[string]any{ref.ownerKey: owner, ref.memberKey: id}).Error; err != nil {
			return fmt.Errorf("写入连接表 %s 失败: %w", ref.joinTable, err)
		}
	}
	if len(removed) > 0 {
		q := fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s IN ?",
			db.Statement.Quote(ref.joinTable), db.Statement.Quote(ref.ownerKey), db.Statement.Quote(ref.memberKey))
		if err := db.Exec(q, owner, removed).Error; err != nil {
			return fmt.Errorf("删除连接表 %s 记录失败: %w", ref.joinTable, err)
		}
	}

	key := pendingKey{itemType: r.model.name, itemID: owner}
	if u := unitFrom(ctx); u != nil {
		u.staged().stage(key, assoc, added, removed)
		return nil
	}
	if req := FromContext(ctx); req != nil {
		req.staged().stage(key, assoc, added, removed)
		return nil
	}
	if r.pending == nil {
		r.pending = make(pendingSet)
	}
	r.pending[assoc] = r.pending[assoc].merge(added, removed)
	return nil
}

// pendingChanges 依次合并 Request、各层工作单元与记录自身暂存的变更
func (r *RecordTrail[T]) pendingChanges(ctx context.Context) pendingSet {
	key := pendingKey{itemType: r.model.name, itemID: r.ID()}
	out := FromContext(ctx).staged().get(key)
	add := func(set pendingSet) {
		for assoc, c := range set {
			if out == nil {
				out = make(pendingSet)
			}
			out[assoc] = out[assoc].merge(c.added, c.removed)
		}
	}
	for _, u := range unitFrom(ctx).chain() {
		add(u.staged().get(key))
	}
	add(r.pending)
	return out
}

func (r *RecordTrail[T]) clearPending(ctx context.Context) {
	key := pendingKey{itemType: r.model.name, itemID: r.ID()}
	FromContext(ctx).staged().clear(key)
	for _, u := range unitFrom(ctx).chain() {
		u.staged().clear(key)
	}
	r.pending = nil
}
