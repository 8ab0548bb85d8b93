package dto

// 注意：本包用于承载“对外契约”的 DTO（与 HTTP API / CLI 输出保持稳定）。
// 不要在这里放 GORM/持久化细节；内部持久化 schema 请见 internal/schema。

type VersionDTO struct {
	ID            int64          `json:"id"`
	ItemType      string         `json:"item_type"`
	ItemID        int64          `json:"item_id"`
	Event         string         `json:"event"`
	Whodunnit     string         `json:"whodunnit,omitempty"`
	TransactionID *int64         `json:"transaction_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     string         `json:"created_at"`
}

type AssociationDTO struct {
	ForeignKeyName string `json:"foreign_key_name"`
	ForeignKeyID   *int64 `json:"foreign_key_id"`
}

type VersionDetailDTO struct {
	VersionDTO
	Object       map[string]any   `json:"object,omitempty"`
	Changes      map[string]any   `json:"object_changes,omitempty"`
	Associations []AssociationDTO `json:"associations,omitempty"`
}

type TransactionDTO struct {
	TransactionID int64            `json:"transaction_id"`
	Versions      []VersionDTO     `json:"versions"`
	Associations  []AssociationDTO `json:"associations,omitempty"` // 多对多成员快照
}
