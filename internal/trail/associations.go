package trail

import (
	"context"
	"fmt"

	"github.com/yuqie6/WorkTrail/internal/repository"
	"github.com/yuqie6/WorkTrail/internal/schema"
	"gorm.io/gorm"
)

// saveAssociations 记录版本时刻的关联成员：
// belongs-to 按版本挂载，多对多按工作单元挂载
func (t *Trail) saveAssociations(ctx context.Context, tx *gorm.DB, st recordState, v *schema.Version) error {
	if !t.TrackingAssociations() {
		return nil
	}
	var records []schema.VersionAssociation

	for _, bt := range st.cfg.belongsTo {
		if !t.isTracked(bt.target) {
			continue
		}
		records = append(records, schema.VersionAssociation{
			VersionID:      &v.ID,
			ForeignKeyName: bt.foreignKey,
			ForeignKeyID:   idPtr(st.current[bt.foreignKey]),
		})
	}

	for _, p := range st.cfg.polymorphic {
		target, _ := st.current[p.TypeKey].(string)
		if target == "" || !t.isTracked(target) {
			continue
		}
		records = append(records, schema.VersionAssociation{
			VersionID:      &v.ID,
			ForeignKeyName: p.ForeignKey,
			ForeignKeyID:   idPtr(st.current[p.ForeignKey]),
		})
	}

	if v.TransactionID != nil {
		for _, h := range st.cfg.habtm {
			if !h.joinOnly && !t.isTracked(h.target) {
				continue
			}
			persisted, err := memberIDs(ctx, tx, h, st.id)
			if err != nil {
				return err
			}
			for _, id := range membershipBefore(persisted, st.pending[h.name]) {
				id := id
				records = append(records, schema.VersionAssociation{
					TransactionID:  v.TransactionID,
					ForeignKeyName: h.name,
					ForeignKeyID:   &id,
				})
			}
		}
	}

	return repository.NewAssociationRepository(tx).BatchInsert(ctx, records)
}

func memberIDs(ctx context.Context, tx *gorm.DB, h habtmRef, owner int64) ([]int64, error) {
	var ids []int64
	if err := tx.WithContext(ctx).Table(h.joinTable).
		Where(map[string]any{h.ownerKey: owner}).
		Order(h.memberKey).
		Pluck(h.memberKey, &ids).Error; err != nil {
		return nil, fmt.Errorf("读取连接表 %s 失败: %w", h.joinTable, err)
	}
	return ids, nil
}

// membershipBefore 由当前成员还原暂存变更之前的成员：
// 加回已移除的，去掉新加入的
func membershipBefore(persisted []int64, change pendingChange) []int64 {
	out := make([]int64, 0, len(persisted)+len(change.removed))
	seen := make(map[int64]struct{}, cap(out))
	add := func(id int64) {
		if indexOf(change.added, id) >= 0 {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range persisted {
		add(id)
	}
	for _, id := range change.removed {
		add(id)
	}
	return out
}

func idPtr(v any) *int64 {
	id, err := canonical(TypeInteger, v)
	if err != nil || id == nil {
		return nil
	}
	n := id.(int64)
	return &n
}
