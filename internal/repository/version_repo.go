package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yuqie6/WorkTrail/internal/schema"
	"gorm.io/gorm"
)

// VersionRepository 版本仓储
type VersionRepository struct {
	db *gorm.DB
}

// NewVersionRepository 创建版本仓储
func NewVersionRepository(db *gorm.DB) *VersionRepository {
	return &VersionRepository{db: db}
}

// Create 写入一条版本记录，omit 为表中不存在的可选列
func (r *VersionRepository) Create(ctx context.Context, v *schema.Version, omit ...string) error {
	q := r.db.WithContext(ctx)
	if len(omit) > 0 {
		q = q.Omit(omit...)
	}
	if err := q.Create(v).Error; err != nil {
		return fmt.Errorf("创建版本记录失败: %w", err)
	}
	slog.Debug("版本记录已保存", "item_type", v.ItemType, "item_id", v.ItemID, "event", v.Event, "id", v.ID)
	return nil
}

// BackfillTransactionID 将版本自身 ID 回填为 transaction_id（单条原子更新）
func (r *VersionRepository) BackfillTransactionID(ctx context.Context, id int64) error {
	if err := r.db.WithContext(ctx).Model(&schema.Version{}).
		Where("id = ?", id).
		UpdateColumn("transaction_id", id).Error; err != nil {
		return fmt.Errorf("回填 transaction_id 失败: %w", err)
	}
	return nil
}

// GetByID 根据 ID 查询版本
func (r *VersionRepository) GetByID(ctx context.Context, id int64) (*schema.Version, error) {
	var v schema.Version
	if err := r.db.WithContext(ctx).First(&v, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询版本失败: %w", err)
	}
	return &v, nil
}

func (r *VersionRepository) item(ctx context.Context, itemType string, itemID int64) *gorm.DB {
	return r.db.WithContext(ctx).Where("item_type = ? AND item_id = ?", itemType, itemID)
}

// ListByItem 按时间顺序返回实体的全部版本（同一时刻按 ID 排序）
func (r *VersionRepository) ListByItem(ctx context.Context, itemType string, itemID int64) ([]schema.Version, error) {
	var versions []schema.Version
	if err := r.item(ctx, itemType, itemID).
		Order("created_at ASC, id ASC").
		Find(&versions).Error; err != nil {
		return nil, fmt.Errorf("查询版本失败: %w", err)
	}
	return versions, nil
}

// FirstAfter 返回时间严格晚于 ts 的第一个版本
func (r *VersionRepository) FirstAfter(ctx context.Context, itemType string, itemID int64, ts time.Time) (*schema.Version, error) {
	return r.first(r.item(ctx, itemType, itemID).
		Where("created_at > ?", ts).
		Order("created_at ASC, id ASC"))
}

// Between 返回时间落在 [start, end] 内的版本
func (r *VersionRepository) Between(ctx context.Context, itemType string, itemID int64, start, end time.Time) ([]schema.Version, error) {
	var versions []schema.Version
	if err := r.item(ctx, itemType, itemID).
		Where("created_at >= ? AND created_at <= ?", start, end).
		Order("created_at ASC, id ASC").
		Find(&versions).Error; err != nil {
		return nil, fmt.Errorf("查询版本失败: %w", err)
	}
	return versions, nil
}

// Last 返回实体最新的版本
func (r *VersionRepository) Last(ctx context.Context, itemType string, itemID int64) (*schema.Version, error) {
	return r.first(r.item(ctx, itemType, itemID).Order("created_at DESC, id DESC"))
}

// Next 返回同一实体在 v 之后的相邻版本
func (r *VersionRepository) Next(ctx context.Context, v *schema.Version) (*schema.Version, error) {
	return r.first(r.item(ctx, v.ItemType, v.ItemID).
		Where("created_at > ? OR (created_at = ? AND id > ?)", v.CreatedAt, v.CreatedAt, v.ID).
		Order("created_at ASC, id ASC"))
}

// Previous 返回同一实体在 v 之前的相邻版本
func (r *VersionRepository) Previous(ctx context.Context, v *schema.Version) (*schema.Version, error) {
	return r.first(r.item(ctx, v.ItemType, v.ItemID).
		Where("created_at < ? OR (created_at = ? AND id < ?)", v.CreatedAt, v.CreatedAt, v.ID).
		Order("created_at DESC, id DESC"))
}

// ListByTransaction 返回同一工作单元内产生的版本
func (r *VersionRepository) ListByTransaction(ctx context.Context, transactionID int64) ([]schema.Version, error) {
	var versions []schema.Version
	if err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("id ASC").
		Find(&versions).Error; err != nil {
		return nil, fmt.Errorf("查询事务版本失败: %w", err)
	}
	return versions, nil
}

// ListRecent 返回最近的版本，itemType 为空时不过滤类型
func (r *VersionRepository) ListRecent(ctx context.Context, itemType string, limit int) ([]schema.Version, error) {
	if limit <= 0 {
		limit = 50
	}
	q := r.db.WithContext(ctx)
	if itemType != "" {
		q = q.Where("item_type = ?", itemType)
	}
	var versions []schema.Version
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&versions).Error; err != nil {
		return nil, fmt.Errorf("查询最近版本失败: %w", err)
	}
	return versions, nil
}

// CountByItem 统计实体的版本数量
func (r *VersionRepository) CountByItem(ctx context.Context, itemType string, itemID int64) (int64, error) {
	var count int64
	if err := r.item(ctx, itemType, itemID).Model(&schema.Version{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("统计版本数量失败: %w", err)
	}
	return count, nil
}

func (r *VersionRepository) first(q *gorm.DB) (*schema.Version, error) {
	var v schema.Version
	if err := q.Limit(1).Take(&v).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("查询版本失败: %w", err)
	}
	return &v, nil
}
