package schema

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 版本事件类型
const (
	EventCreate  = "create"
	EventUpdate  = "update"
	EventDestroy = "destroy"
)

// Version 被跟踪实体的一次变更记录
// 创建后不可变，唯一例外是首次写入时回填 transaction_id
type Version struct {
	ID            int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	ItemType      string            `gorm:"size:255;not null;index:idx_versions_item,priority:1" json:"item_type"`
	ItemID        int64             `gorm:"not null;index:idx_versions_item,priority:2" json:"item_id"`
	Event         string            `gorm:"size:20;not null" json:"event"`
	Whodunnit     string            `gorm:"size:255" json:"whodunnit,omitempty"`
	Object        *string           `gorm:"type:text" json:"object,omitempty"`         // 变更前完整快照（create 为空）
	ObjectChanges *string           `gorm:"type:text" json:"object_changes,omitempty"` // 属性 -> [旧值, 新值]
	TransactionID *int64            `gorm:"index" json:"transaction_id,omitempty"`
	Metadata      datatypes.JSONMap `json:"metadata,omitempty"` // 自定义元数据与请求上下文信息
	CreatedAt     time.Time         `gorm:"index" json:"created_at"`
}

// TableName 指定表名
func (Version) TableName() string {
	return "versions"
}

// ValidationError 版本记录校验失败
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "版本记录校验失败: " + strings.Join(e.Errors, ", ")
}

// Validate 校验必填字段
func (v *Version) Validate() error {
	var errs []string
	if strings.TrimSpace(v.ItemType) == "" {
		errs = append(errs, "item_type 不能为空")
	}
	if v.ItemID == 0 {
		errs = append(errs, "item_id 不能为空")
	}
	switch v.Event {
	case "":
		errs = append(errs, "event 不能为空")
	case EventCreate, EventUpdate, EventDestroy:
	default:
		errs = append(errs, fmt.Sprintf("event 取值非法: %s", v.Event))
	}
	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// BeforeCreate 写入前校验，失败时 gorm 放弃本次插入
func (v *Version) BeforeCreate(tx *gorm.DB) error {
	return v.Validate()
}

// VersionAssociation 版本时刻的一条关联成员快照
// belongs-to 关联挂在 VersionID 上，多对多关联挂在 TransactionID 上
type VersionAssociation struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	VersionID      *int64 `gorm:"index"`
	TransactionID  *int64 `gorm:"index"`
	ForeignKeyName string `gorm:"size:255;not null;index"`
	ForeignKeyID   *int64 `gorm:"index"`
}

// TableName 指定表名
func (VersionAssociation) TableName() string {
	return "version_associations"
}
