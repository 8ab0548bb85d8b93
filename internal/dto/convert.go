package dto

import (
	"time"

	"github.com/yuqie6/WorkTrail/internal/schema"
)

func FromVersion(v schema.Version) VersionDTO {
	out := VersionDTO{
		ID:            v.ID,
		ItemType:      v.ItemType,
		ItemID:        v.ItemID,
		Event:         v.Event,
		Whodunnit:     v.Whodunnit,
		TransactionID: v.TransactionID,
		CreatedAt:     v.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(v.Metadata) > 0 {
		out.Metadata = map[string]any(v.Metadata)
	}
	return out
}

func FromVersions(vs []schema.Version) []VersionDTO {
	out := make([]VersionDTO, 0, len(vs))
	for _, v := range vs {
		out = append(out, FromVersion(v))
	}
	return out
}

func FromAssociations(rows []schema.VersionAssociation) []AssociationDTO {
	if len(rows) == 0 {
		return nil
	}
	out := make([]AssociationDTO, 0, len(rows))
	for _, r := range rows {
		out = append(out, AssociationDTO{ForeignKeyName: r.ForeignKeyName, ForeignKeyID: r.ForeignKeyID})
	}
	return out
}
