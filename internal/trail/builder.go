package trail

import (
	"context"
	"log/slog"

	"github.com/yuqie6/WorkTrail/internal/repository"
	"github.com/yuqie6/WorkTrail/internal/schema"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// recordState 构建版本所需的实体视图
type recordState struct {
	cfg      *modelConfig
	id       int64
	current  Attributes
	previous Attributes // nil 表示从未持久化
	pending  pendingSet
}

func (t *Trail) recordCreate(ctx context.Context, st recordState) *schema.Version {
	if !t.switchedOn(ctx, st.cfg) {
		return nil
	}
	cs := st.cfg.detector.detect(st.cfg.desc, st.cfg.zero, st.current)
	v := t.newVersion(ctx, st, EventCreate)
	v.Metadata = t.metadata(ctx, st, cs, EventCreate)

	if t.recordsChanges(st.cfg) {
		diff := cs.Diff()
		for name, pair := range diff {
			diff[name] = [2]any{nil, pair[1]}
		}
		if !t.encodeChanges(st, v, diff) {
			return nil
		}
	}
	return t.persist(ctx, st, v)
}

func (t *Trail) recordUpdate(ctx context.Context, st recordState, force bool) *schema.Version {
	if !t.switchedOn(ctx, st.cfg) {
		return nil
	}
	previous := st.previous
	if previous == nil {
		previous = st.current
	}
	cs := st.cfg.detector.detect(st.cfg.desc, previous, st.current)
	if !force && !cs.ChangedNotably() {
		return nil
	}
	v := t.newVersion(ctx, st, EventUpdate)
	v.Metadata = t.metadata(ctx, st, cs, EventUpdate)
	if !t.encodeObject(st, v, previous) {
		return nil
	}
	if t.recordsChanges(st.cfg) && !t.encodeChanges(st, v, cs.Diff()) {
		return nil
	}
	return t.persist(ctx, st, v)
}

func (t *Trail) recordDestroy(ctx context.Context, st recordState) *schema.Version {
	if !t.switchedOn(ctx, st.cfg) || st.previous == nil {
		return nil
	}
	cs := st.cfg.detector.detect(st.cfg.desc, st.previous, st.current)
	v := t.newVersion(ctx, st, EventDestroy)
	v.Metadata = t.metadata(ctx, st, cs, EventDestroy)
	if !t.encodeObject(st, v, st.previous) {
		return nil
	}
	return t.persist(ctx, st, v)
}

func (t *Trail) newVersion(ctx context.Context, st recordState, event string) *schema.Version {
	return &schema.Version{
		ItemType:  st.cfg.name,
		ItemID:    st.id,
		Event:     event,
		Whodunnit: FromContext(ctx).Whodunnit(),
		CreatedAt: t.now().UTC().Truncate(t.precision),
	}
}

func (t *Trail) recordsChanges(cfg *modelConfig) bool {
	return t.columns.objectChanges && !cfg.opts.SkipChanges
}

func (t *Trail) encodeObject(st recordState, v *schema.Version, attrs Attributes) bool {
	data, err := encodeObject(t.codec(t.columns.objectJSON), st.cfg.desc, attrs.without(st.cfg.detector.skip))
	if err != nil {
		t.logFailure(st, v.Event, err)
		return false
	}
	v.Object = &data
	return true
}

func (t *Trail) encodeChanges(st recordState, v *schema.Version, diff map[string][2]any) bool {
	data, err := encodeChanges(t.codec(t.columns.changesJSON), st.cfg.desc, diff)
	if err != nil {
		t.logFailure(st, v.Event, err)
		return false
	}
	v.ObjectChanges = &data
	return true
}

// metadata 依次求值 meta 配置，再合并上下文信息（不覆盖已有键）
func (t *Trail) metadata(ctx context.Context, st recordState, cs ChangeSet, event string) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	src := metaSource{
		current:  st.current,
		previous: st.previous,
		changed:  cs.changedSet(),
		event:    event,
	}
	for key, m := range st.cfg.opts.Meta {
		out[key] = storableMeta(m.resolve(src))
	}
	for key, v := range FromContext(ctx).ControllerInfo() {
		if _, exists := out[key]; !exists {
			out[key] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func storableMeta(v any) any {
	if b, ok := v.([]byte); ok {
		return storable(TypeBytes, b)
	}
	return v
}

// persist 在嵌套事务中写入版本、回填关联 id 并保存关联快照；
// 任何一步失败都回滚本次版本并记录日志，宿主写入不受影响
func (t *Trail) persist(ctx context.Context, st recordState, v *schema.Version) *schema.Version {
	u := unitFrom(ctx)
	if t.columns.transactionID {
		v.TransactionID = u.TransactionID()
	}
	adopted := false

	err := t.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repository.NewVersionRepository(tx).Create(ctx, v, t.omitted()...); err != nil {
			return err
		}
		var err error
		if adopted, err = t.correlate(ctx, tx, v); err != nil {
			return err
		}
		return t.saveAssociations(ctx, tx, st, v)
	})
	if err != nil {
		t.logFailure(st, v.Event, err)
		v.ID = 0
		return nil
	}
	if adopted {
		u.adopt(*v.TransactionID)
	}
	t.publish(v)
	return v
}

func (t *Trail) logFailure(st recordState, event string, err error) {
	slog.Warn("无法为记录创建版本",
		"item_type", st.cfg.name,
		"item_id", st.id,
		"event", event,
		"error", err,
	)
}
