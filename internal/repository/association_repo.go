package repository

import (
	"context"
	"fmt"

	"github.com/yuqie6/WorkTrail/internal/schema"
	"gorm.io/gorm"
)

// AssociationRepository 版本关联快照仓储
type AssociationRepository struct {
	db *gorm.DB
}

// NewAssociationRepository 创建关联快照仓储
func NewAssociationRepository(db *gorm.DB) *AssociationRepository {
	return &AssociationRepository{db: db}
}

// BatchInsert 批量写入关联快照
func (r *AssociationRepository) BatchInsert(ctx context.Context, records []schema.VersionAssociation) error {
	if len(records) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(records, 200).Error; err != nil {
		return fmt.Errorf("批量创建关联快照失败: %w", err)
	}
	return nil
}

// ListByVersionID 查询挂在某版本上的关联快照
func (r *AssociationRepository) ListByVersionID(ctx context.Context, versionID int64) ([]schema.VersionAssociation, error) {
	var out []schema.VersionAssociation
	if err := r.db.WithContext(ctx).
		Where("version_id = ?", versionID).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("查询关联快照失败: %w", err)
	}
	return out, nil
}

// ListByTransactionID 查询挂在某工作单元上的关联快照
func (r *AssociationRepository) ListByTransactionID(ctx context.Context, transactionID int64) ([]schema.VersionAssociation, error) {
	var out []schema.VersionAssociation
	if err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("查询关联快照失败: %w", err)
	}
	return out, nil
}
