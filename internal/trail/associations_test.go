package trail

import (
	"context"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/yuqie6/WorkTrail/internal/repository"
	"github.com/yuqie6/WorkTrail/internal/schema"
)

func mustRegister[T any](t *testing.T, tr *Trail, opts ModelOptions) *Model[T] {
	t.Helper()
	m, err := Register[T](tr, opts)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return m
}

func saveNew[T any](t *testing.T, ctx context.Context, m *Model[T], item *T) *RecordTrail[T] {
	t.Helper()
	r := m.New(item)
	if err := r.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return r
}

func memberIDsOf(records []schema.VersionAssociation, name string) []int64 {
	var out []int64
	for _, r := range records {
		if r.ForeignKeyName == name && r.ForeignKeyID != nil {
			out = append(out, *r.ForeignKeyID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestBelongsToSnapshot(t *testing.T) {
	f := newFixture(t, Options{TrackAssociations: true}, ModelOptions{Associations: []string{"Author"}})
	authors := mustRegister[Author](t, f.trail, ModelOptions{})
	ctx := NewContext(context.Background())

	author := saveNew(t, ctx, authors, &Author{Name: "ann"})
	authorID := author.ID()
	w := f.create(ctx, &Widget{Name: "a", AuthorID: &authorID})

	repo := repository.NewAssociationRepository(f.db)
	vs := f.versions(w.ID())
	records, err := repo.ListByVersionID(context.Background(), vs[0].ID)
	if err != nil {
		t.Fatalf("ListByVersionID: %v", err)
	}
	if len(records) != 1 || records[0].ForeignKeyName != "author_id" || *records[0].ForeignKeyID != authorID {
		t.Fatalf("records=%+v", records)
	}

	authors.Disable()
	w.Item().Name = "b"
	f.save(ctx, w)
	vs = f.versions(w.ID())
	if records, _ := repo.ListByVersionID(context.Background(), vs[1].ID); len(records) != 0 {
		t.Fatalf("untracked target should not be snapshotted: %+v", records)
	}
}

func TestPolymorphicSnapshot(t *testing.T) {
	f := newFixture(t, Options{TrackAssociations: true}, ModelOptions{})
	comments := mustRegister[Comment](t, f.trail, ModelOptions{
		Polymorphic: []PolymorphicRef{{ForeignKey: "subject_id", TypeKey: "subject_type"}},
	})
	ctx := NewContext(context.Background())
	w := f.create(ctx, &Widget{Name: "a"})

	onWidget := saveNew(t, ctx, comments, &Comment{Body: "hi", SubjectID: w.ID(), SubjectType: "Widget"})
	onOther := saveNew(t, ctx, comments, &Comment{Body: "yo", SubjectID: 3, SubjectType: "Gadget"})

	repo := repository.NewAssociationRepository(f.db)
	vs, _ := comments.Versions(context.Background(), onWidget.ID())
	records, _ := repo.ListByVersionID(context.Background(), vs[0].ID)
	if diff := cmp.Diff([]int64{w.ID()}, memberIDsOf(records, "subject_id")); diff != "" {
		t.Fatalf("polymorphic snapshot (-want +got):\n%s", diff)
	}

	vs, _ = comments.Versions(context.Background(), onOther.ID())
	if records, _ := repo.ListByVersionID(context.Background(), vs[0].ID); len(records) != 0 {
		t.Fatalf("untracked polymorphic target snapshotted: %+v", records)
	}
}

func TestManyToManySnapshotUsesMembershipBeforeSave(t *testing.T) {
	f := newFixture(t, Options{TrackAssociations: true}, ModelOptions{Associations: []string{"Tags"}})
	tags := mustRegister[Tag](t, f.trail, ModelOptions{})
	ctx := NewContext(context.Background())

	t1 := saveNew(t, ctx, tags, &Tag{Label: "one"})
	t2 := saveNew(t, ctx, tags, &Tag{Label: "two"})
	w := f.create(ctx, &Widget{Name: "a"})

	if err := w.AppendMembers(ctx, "Tags", t1.ID()); err != nil {
		t.Fatalf("AppendMembers: %v", err)
	}
	w.Item().Name = "b"
	f.save(ctx, w)

	repo := repository.NewAssociationRepository(f.db)
	snapshot := func() []int64 {
		t.Helper()
		vs := f.versions(w.ID())
		last := vs[len(vs)-1]
		if last.TransactionID == nil {
			t.Fatalf("version without transaction id")
		}
		records, err := repo.ListByTransactionID(context.Background(), *last.TransactionID)
		if err != nil {
			t.Fatalf("ListByTransactionID: %v", err)
		}
		return memberIDsOf(records, "Tags")
	}
	if got := snapshot(); len(got) != 0 {
		t.Fatalf("snapshot should exclude the pending addition, got %v", got)
	}

	if err := w.AppendMembers(ctx, "Tags", t2.ID()); err != nil {
		t.Fatalf("AppendMembers: %v", err)
	}
	if err := w.RemoveMembers(ctx, "Tags", t1.ID()); err != nil {
		t.Fatalf("RemoveMembers: %v", err)
	}
	w.Item().Name = "c"
	f.save(ctx, w)
	if diff := cmp.Diff([]int64{t1.ID()}, snapshot()); diff != "" {
		t.Fatalf("snapshot (-want +got):\n%s", diff)
	}

	w.Item().Name = "d"
	f.save(ctx, w)
	if diff := cmp.Diff([]int64{t2.ID()}, snapshot()); diff != "" {
		t.Fatalf("snapshot after consuming pending (-want +got):\n%s", diff)
	}
}

func TestJoinTableWithUntrackedTarget(t *testing.T) {
	f := newFixture(t, Options{TrackAssociations: true}, ModelOptions{JoinTables: []string{"Tags"}})
	ctx := context.Background()

	tag := Tag{Label: "x"}
	if err := f.db.Create(&tag).Error; err != nil {
		t.Fatalf("create tag: %v", err)
	}
	w := f.create(ctx, &Widget{Name: "a"})
	if err := w.AppendMembers(ctx, "Tags", tag.ID); err != nil {
		t.Fatalf("AppendMembers: %v", err)
	}
	w.Item().Name = "b"
	f.save(ctx, w)
	w.Item().Name = "c"
	f.save(ctx, w)

	vs := f.versions(w.ID())
	last := vs[len(vs)-1]
	records, _ := repository.NewAssociationRepository(f.db).ListByTransactionID(ctx, *last.TransactionID)
	if diff := cmp.Diff([]int64{tag.ID}, memberIDsOf(records, "Tags")); diff != "" {
		t.Fatalf("join-table snapshot (-want +got):\n%s", diff)
	}
}

func TestAssociationsOffByDefault(t *testing.T) {
	f := newFixture(t, Options{}, ModelOptions{Associations: []string{"Author"}})
	mustRegister[Author](t, f.trail, ModelOptions{})
	ctx := NewContext(context.Background())
	author := Author{Name: "ann"}
	if err := f.db.Create(&author).Error; err != nil {
		t.Fatalf("create author: %v", err)
	}
	w := f.create(ctx, &Widget{Name: "a", AuthorID: &author.ID})
	vs := f.versions(w.ID())
	if records, _ := repository.NewAssociationRepository(f.db).ListByVersionID(ctx, vs[0].ID); len(records) != 0 {
		t.Fatalf("associations recorded while tracking is off: %+v", records)
	}
}

func TestMembersRequirePersistedRecord(t *testing.T) {
	f := newFixture(t, Options{TrackAssociations: true}, ModelOptions{Associations: []string{"Tags"}})
	ctx := NewContext(context.Background())
	if err := f.widgets.New(nil).AppendMembers(ctx, "Tags", 1); err == nil {
		t.Fatalf("expected error for unsaved record")
	}
	w := f.create(ctx, &Widget{Name: "a"})
	if err := w.AppendMembers(ctx, "Author", 1); err == nil {
		t.Fatalf("expected error for non many2many association")
	}
}
