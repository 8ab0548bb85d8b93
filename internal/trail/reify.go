package trail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/yuqie6/WorkTrail/internal/schema"
	"gorm.io/gorm"
)

// Reify 按版本快照重建实体；create 版本没有快照，返回 nil
func (m *Model[T]) Reify(ctx context.Context, v *schema.Version) (*RecordTrail[T], error) {
	if v == nil || v.Object == nil || *v.Object == "" {
		return nil, nil
	}
	if v.ItemType != m.name {
		if !m.trail.isTracked(v.ItemType) {
			return nil, fmt.Errorf("版本 %d 的类型 %s: %w", v.ID, v.ItemType, ErrNotRegistered)
		}
		return nil, fmt.Errorf("版本 %d 属于 %s，不能重建为 %s", v.ID, v.ItemType, m.name)
	}
	attrs, unknown, err := decodeObject(m.trail.codec(m.trail.columns.objectJSON), m.desc, *v.Object)
	if err != nil {
		return nil, err
	}
	if len(unknown) > 0 {
		slog.Warn("重建时忽略未知属性", "item_type", m.name, "version_id", v.ID, "attributes", unknown)
	}

	item := new(T)
	rv := reflect.ValueOf(item).Elem()
	for _, a := range m.desc.Attributes {
		value, ok := attrs[a.Name]
		if !ok {
			continue
		}
		field := m.sch.FieldsByDBName[a.Name]
		if err := field.Set(ctx, rv, value); err != nil {
			return nil, fmt.Errorf("还原属性 %s 失败: %w", a.Name, err)
		}
	}
	if err := m.sch.PrioritizedPrimaryField.Set(ctx, rv, v.ItemID); err != nil {
		return nil, fmt.Errorf("还原主键失败: %w", err)
	}

	// 以存活记录为基线，保存重建结果时记录的是相对当前状态的变化
	r := &RecordTrail[T]{model: m, item: item, source: v}
	live := new(T)
	err = m.trail.DB(ctx).Where(map[string]any{m.desc.PrimaryKey: v.ItemID}).Take(live).Error
	switch {
	case err == nil:
		if r.original, err = m.snapshot(ctx, reflect.ValueOf(live).Elem()); err != nil {
			return nil, err
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, fmt.Errorf("加载 %s 失败: %w", m.name, err)
	}
	return r, nil
}

// VersionAt 返回 ts 时刻的实体：取 ts 之后第一个版本重建；
// 没有更晚的版本时返回当前记录，已删除则返回 nil
func (r *RecordTrail[T]) VersionAt(ctx context.Context, ts time.Time) (*RecordTrail[T], error) {
	v, err := r.model.versions(ctx).FirstAfter(ctx, r.model.name, r.ID(), ts.UTC())
	if err != nil {
		return nil, err
	}
	if v != nil {
		return r.model.Reify(ctx, v)
	}
	if r.destroyed {
		return nil, nil
	}
	return r, nil
}

// VersionsBetween 返回 [start, end] 内每个版本时刻的实体状态
func (r *RecordTrail[T]) VersionsBetween(ctx context.Context, start, end time.Time) ([]*RecordTrail[T], error) {
	versions, err := r.model.versions(ctx).Between(ctx, r.model.name, r.ID(), start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	var out []*RecordTrail[T]
	for _, v := range versions {
		rec, err := r.VersionAt(ctx, v.CreatedAt)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// PreviousVersion 上一个状态：存活记录取最新版本，重建记录取来源版本的前一个
func (r *RecordTrail[T]) PreviousVersion(ctx context.Context) (*RecordTrail[T], error) {
	repo := r.model.versions(ctx)
	var (
		v   *schema.Version
		err error
	)
	if r.source != nil {
		v, err = repo.Previous(ctx, r.source)
	} else {
		v, err = repo.Last(ctx, r.model.name, r.ID())
	}
	if err != nil || v == nil {
		return nil, err
	}
	return r.model.Reify(ctx, v)
}

// NextVersion 下一个状态：存活记录返回 nil；来源版本已是最新时返回存活记录
func (r *RecordTrail[T]) NextVersion(ctx context.Context) (*RecordTrail[T], error) {
	if r.source == nil {
		return nil, nil
	}
	v, err := r.model.versions(ctx).Next(ctx, r.source)
	if err != nil {
		return nil, err
	}
	if v != nil {
		return r.model.Reify(ctx, v)
	}
	return r.model.Find(ctx, r.ID())
}

// Attributes 当前属性快照
func (r *RecordTrail[T]) Attributes(ctx context.Context) (Attributes, error) {
	return r.model.snapshot(ctx, r.value())
}
