package repository

import (
	"context"
	"testing"
	"time"

	"github.com/yuqie6/WorkTrail/internal/schema"
	"github.com/yuqie6/WorkTrail/internal/testutil"
)

func seedVersions(t *testing.T, repo *VersionRepository, base time.Time) []*schema.Version {
	t.Helper()
	ctx := context.Background()
	events := []string{schema.EventCreate, schema.EventUpdate, schema.EventUpdate, schema.EventDestroy}
	out := make([]*schema.Version, 0, len(events))
	for i, ev := range events {
		v := &schema.Version{
			ItemType:  "Widget",
			ItemID:    7,
			Event:     ev,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.Create(ctx, v); err != nil {
			t.Fatalf("Create %s: %v", ev, err)
		}
		out = append(out, v)
	}
	// 其他实体的版本不应出现在查询结果中
	if err := repo.Create(ctx, &schema.Version{ItemType: "Widget", ItemID: 8, Event: schema.EventCreate, CreatedAt: base}); err != nil {
		t.Fatalf("Create other: %v", err)
	}
	return out
}

func TestVersionRepositoryNavigation(t *testing.T) {
	db := testutil.OpenTestDB(t)
	repo := NewVersionRepository(db)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	seeded := seedVersions(t, repo, base)

	all, err := repo.ListByItem(ctx, "Widget", 7)
	if err != nil || len(all) != 4 {
		t.Fatalf("ListByItem err=%v len=%d, want 4", err, len(all))
	}
	for i := range all {
		if all[i].ID != seeded[i].ID {
			t.Fatalf("order mismatch at %d: got %d want %d", i, all[i].ID, seeded[i].ID)
		}
	}

	next, err := repo.Next(ctx, &all[1])
	if err != nil || next == nil || next.ID != all[2].ID {
		t.Fatalf("Next = %+v err=%v, want id %d", next, err, all[2].ID)
	}
	prev, err := repo.Previous(ctx, &all[1])
	if err != nil || prev == nil || prev.ID != all[0].ID {
		t.Fatalf("Previous = %+v err=%v, want id %d", prev, err, all[0].ID)
	}
	if none, _ := repo.Previous(ctx, &all[0]); none != nil {
		t.Fatalf("Previous of first = %+v, want nil", none)
	}
	if none, _ := repo.Next(ctx, &all[3]); none != nil {
		t.Fatalf("Next of last = %+v, want nil", none)
	}

	last, err := repo.Last(ctx, "Widget", 7)
	if err != nil || last == nil || last.Event != schema.EventDestroy {
		t.Fatalf("Last = %+v err=%v", last, err)
	}
}

func TestVersionRepositoryTimeQueries(t *testing.T) {
	db := testutil.OpenTestDB(t)
	repo := NewVersionRepository(db)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	seedVersions(t, repo, base)

	// 严格晚于：恰好等于某版本时间时取下一个版本
	v, err := repo.FirstAfter(ctx, "Widget", 7, base.Add(time.Minute))
	if err != nil || v == nil || !v.CreatedAt.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("FirstAfter = %+v err=%v", v, err)
	}
	if v, _ := repo.FirstAfter(ctx, "Widget", 7, base.Add(time.Hour)); v != nil {
		t.Fatalf("FirstAfter past the end = %+v, want nil", v)
	}

	between, err := repo.Between(ctx, "Widget", 7, base.Add(time.Minute), base.Add(2*time.Minute))
	if err != nil || len(between) != 2 {
		t.Fatalf("Between err=%v len=%d, want 2", err, len(between))
	}

	count, err := repo.CountByItem(ctx, "Widget", 7)
	if err != nil || count != 4 {
		t.Fatalf("CountByItem = %d err=%v", count, err)
	}
}

func TestVersionRepositoryBackfillTransactionID(t *testing.T) {
	db := testutil.OpenTestDB(t)
	repo := NewVersionRepository(db)
	ctx := context.Background()

	v := &schema.Version{ItemType: "Widget", ItemID: 1, Event: schema.EventCreate, CreatedAt: time.Now().UTC()}
	if err := repo.Create(ctx, v); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.BackfillTransactionID(ctx, v.ID); err != nil {
		t.Fatalf("BackfillTransactionID: %v", err)
	}

	got, err := repo.GetByID(ctx, v.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID err=%v", err)
	}
	if got.TransactionID == nil || *got.TransactionID != v.ID {
		t.Fatalf("TransactionID = %v, want %d", got.TransactionID, v.ID)
	}

	grouped, err := repo.ListByTransaction(ctx, v.ID)
	if err != nil || len(grouped) != 1 {
		t.Fatalf("ListByTransaction err=%v len=%d", err, len(grouped))
	}

	missing, err := repo.GetByID(ctx, 9999)
	if err != nil || missing != nil {
		t.Fatalf("GetByID(missing) = %+v err=%v, want nil,nil", missing, err)
	}
}

func TestVersionRepositoryCreateRejectsInvalid(t *testing.T) {
	db := testutil.OpenTestDB(t)
	repo := NewVersionRepository(db)

	if err := repo.Create(context.Background(), &schema.Version{Event: schema.EventUpdate}); err == nil {
		t.Fatal("Create invalid version: want error")
	}
	var count int64
	db.Model(&schema.Version{}).Count(&count)
	if count != 0 {
		t.Fatalf("count=%d, want 0", count)
	}
}

func TestAssociationRepository(t *testing.T) {
	db := testutil.OpenTestDB(t)
	repo := NewAssociationRepository(db)
	ctx := context.Background()

	vid, txid, fk := int64(3), int64(9), int64(42)
	records := []schema.VersionAssociation{
		{VersionID: &vid, ForeignKeyName: "author_id", ForeignKeyID: &fk},
		{TransactionID: &txid, ForeignKeyName: "tags", ForeignKeyID: &fk},
	}
	if err := repo.BatchInsert(ctx, records); err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}
	if err := repo.BatchInsert(ctx, nil); err != nil {
		t.Fatalf("BatchInsert(nil): %v", err)
	}

	byVersion, err := repo.ListByVersionID(ctx, vid)
	if err != nil || len(byVersion) != 1 || byVersion[0].ForeignKeyName != "author_id" {
		t.Fatalf("ListByVersionID = %+v err=%v", byVersion, err)
	}
	byTx, err := repo.ListByTransactionID(ctx, txid)
	if err != nil || len(byTx) != 1 || byTx[0].ForeignKeyName != "tags" {
		t.Fatalf("ListByTransactionID = %+v err=%v", byTx, err)
	}
}
