package trail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/yuqie6/WorkTrail/internal/schema"
)

// history 创建 v1 -> v2 -> v3 三个状态
func history(t *testing.T, f *fixture, ctx context.Context) (*RecordTrail[Widget], []schema.Version) {
	t.Helper()
	w := f.create(ctx, &Widget{Name: "v1"})
	w.Item().Name = "v2"
	f.save(ctx, w)
	w.Item().Name = "v3"
	f.save(ctx, w)
	return w, f.versions(w.ID())
}

func nameOf(r *RecordTrail[Widget]) string {
	if r == nil {
		return "<nil>"
	}
	return r.Item().Name
}

func TestVersionAt(t *testing.T) {
	f := newFixture(t, Options{}, ModelOptions{})
	ctx := NewContext(context.Background())
	w, vs := history(t, f, ctx)

	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"before creation", vs[0].CreatedAt.Add(-30 * time.Second), "<nil>"},
		{"after creation", vs[0].CreatedAt.Add(30 * time.Second), "v1"},
		{"exactly at an update", vs[1].CreatedAt, "v2"},
		{"after last version", vs[2].CreatedAt.Add(time.Hour), "v3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := w.VersionAt(ctx, tt.at)
			if err != nil {
				t.Fatalf("VersionAt: %v", err)
			}
			if nameOf(got) != tt.want {
				t.Fatalf("name=%s, want %s", nameOf(got), tt.want)
			}
		})
	}

	live, _ := w.VersionAt(ctx, vs[2].CreatedAt.Add(time.Hour))
	if live != w || !live.Live() {
		t.Fatalf("future timestamp should return the live record")
	}
	past, _ := w.VersionAt(ctx, vs[0].CreatedAt.Add(30*time.Second))
	if past.Live() || past.SourceVersion().ID != vs[1].ID {
		t.Fatalf("reified record should remember its source version")
	}
}

func TestVersionAtAfterDestroy(t *testing.T) {
	f := newFixture(t, Options{}, ModelOptions{})
	ctx := NewContext(context.Background())
	w, _ := history(t, f, ctx)
	if err := w.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	vs := f.versions(w.ID())

	got, err := w.VersionAt(ctx, vs[3].CreatedAt.Add(time.Hour))
	if err != nil || got != nil {
		t.Fatalf("after destroy got=%s err=%v, want nil", nameOf(got), err)
	}
	got, _ = w.VersionAt(ctx, vs[2].CreatedAt.Add(30*time.Second))
	if nameOf(got) != "v3" {
		t.Fatalf("before destroy name=%s, want v3", nameOf(got))
	}
}

func TestVersionsBetween(t *testing.T) {
	f := newFixture(t, Options{}, ModelOptions{})
	ctx := NewContext(context.Background())
	w, vs := history(t, f, ctx)

	got, err := w.VersionsBetween(ctx, vs[0].CreatedAt, vs[2].CreatedAt)
	if err != nil {
		t.Fatalf("VersionsBetween: %v", err)
	}
	names := make([]string, len(got))
	for i, r := range got {
		names[i] = nameOf(r)
	}
	if diff := cmp.Diff([]string{"v1", "v2", "v3"}, names); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}

	got, _ = w.VersionsBetween(ctx, vs[2].CreatedAt.Add(time.Minute), vs[2].CreatedAt.Add(time.Hour))
	if len(got) != 0 {
		t.Fatalf("empty window returned %d records", len(got))
	}
}

func TestPreviousNextNavigation(t *testing.T) {
	f := newFixture(t, Options{}, ModelOptions{})
	ctx := NewContext(context.Background())
	w, _ := history(t, f, ctx)

	if next, err := w.NextVersion(ctx); err != nil || next != nil {
		t.Fatalf("live record next=%s err=%v, want nil", nameOf(next), err)
	}

	prev, err := w.PreviousVersion(ctx)
	if err != nil || nameOf(prev) != "v2" {
		t.Fatalf("previous of live=%s err=%v, want v2", nameOf(prev), err)
	}
	prev2, _ := prev.PreviousVersion(ctx)
	if nameOf(prev2) != "v1" {
		t.Fatalf("previous of v2=%s, want v1", nameOf(prev2))
	}
	if prev3, _ := prev2.PreviousVersion(ctx); prev3 != nil {
		t.Fatalf("previous of v1 should be nil (create version), got %s", nameOf(prev3))
	}

	back, _ := prev2.NextVersion(ctx)
	if nameOf(back) != "v2" {
		t.Fatalf("next of v1=%s, want v2", nameOf(back))
	}
	a, _ := back.Attributes(ctx)
	b, _ := prev.Attributes(ctx)
	if diff := cmp.Diff(b, a); diff != "" {
		t.Fatalf("next(previous(x)) differs from x (-want +got):\n%s", diff)
	}

	latest, _ := prev.NextVersion(ctx)
	if nameOf(latest) != "v3" || !latest.Live() {
		t.Fatalf("next of newest reified=%s live=%v, want live v3", nameOf(latest), latest != nil && latest.Live())
	}
}

func TestReifyCreateVersionIsNil(t *testing.T) {
	f := newFixture(t, Options{}, ModelOptions{})
	ctx := NewContext(context.Background())
	_, vs := history(t, f, ctx)
	if got := f.reify(vs[0]); got != nil {
		t.Fatalf("create version reified to %+v", got)
	}
}

func TestRevertByReifiedSave(t *testing.T) {
	f := newFixture(t, Options{}, ModelOptions{})
	ctx := NewContext(context.Background())
	w, vs := history(t, f, ctx)

	old, err := f.widgets.Reify(ctx, &vs[1])
	if err != nil || nameOf(old) != "v1" {
		t.Fatalf("reify=%s err=%v", nameOf(old), err)
	}
	if old.NewRecord() {
		t.Fatalf("reified record must not be new")
	}
	f.save(ctx, old)
	if !old.Live() || old.SourceVersion() != nil {
		t.Fatalf("saved reified record should become live")
	}

	vs = f.versions(w.ID())
	if len(vs) != 4 || vs[3].Event != schema.EventUpdate {
		t.Fatalf("revert should record an update, got %d versions", len(vs))
	}
	if got := f.changes(vs[3])["name"]; got != [2]any{"v3", "v1"} {
		t.Fatalf("revert changes=%v", got)
	}
	var stored Widget
	f.db.First(&stored, w.ID())
	if stored.Name != "v1" {
		t.Fatalf("stored name=%q", stored.Name)
	}
}

func TestRestoreDestroyed(t *testing.T) {
	f := newFixture(t, Options{}, ModelOptions{})
	ctx := NewContext(context.Background())
	w, _ := history(t, f, ctx)
	id := w.ID()
	if err := w.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	restored, err := f.widgets.Reify(ctx, w.SourceVersion())
	if err != nil || nameOf(restored) != "v3" {
		t.Fatalf("reify destroy version=%s err=%v", nameOf(restored), err)
	}
	f.save(ctx, restored)
	if restored.ID() != id {
		t.Fatalf("restored id=%d, want %d", restored.ID(), id)
	}
	vs := f.versions(id)
	if last := vs[len(vs)-1]; last.Event != schema.EventCreate {
		t.Fatalf("restore recorded %q, want create", last.Event)
	}
	found, err := f.widgets.Find(ctx, id)
	if err != nil || nameOf(found) != "v3" {
		t.Fatalf("Find=%s err=%v", nameOf(found), err)
	}
}

func TestReifySkipsUnknownAttributes(t *testing.T) {
	f := newFixture(t, Options{}, ModelOptions{})
	ctx := context.Background()
	obj := `{"id":5,"name":"legacy","retired_column":"x"}`
	v := &schema.Version{ItemType: "Widget", ItemID: 5, Event: schema.EventUpdate, Object: &obj, CreatedAt: time.Now().UTC()}
	if err := f.db.Create(v).Error; err != nil {
		t.Fatalf("seed version: %v", err)
	}
	r, err := f.widgets.Reify(ctx, v)
	if err != nil {
		t.Fatalf("Reify: %v", err)
	}
	if r.Item().Name != "legacy" || r.ID() != 5 {
		t.Fatalf("reified %+v", r.Item())
	}
}

func TestReifyYAMLSerializer(t *testing.T) {
	f := newFixture(t, Options{Serializer: YAMLSerializer{}}, ModelOptions{})
	ctx := NewContext(context.Background())
	w := f.create(ctx, &Widget{Name: "a", Price: 1.25, Active: true, Payload: []byte{1, 2}})
	w.Item().Name = "b"
	f.save(ctx, w)
	vs := f.versions(w.ID())
	got := f.reify(vs[1])
	if got.Name != "a" || got.Price != 1.25 || !got.Active || string(got.Payload) != "\x01\x02" {
		t.Fatalf("yaml reify mismatch: %+v", got)
	}
}

func TestVersionAtWithoutAnyVersion(t *testing.T) {
	f := newFixture(t, Options{}, ModelOptions{})
	ctx := NewContext(context.Background())
	f.widgets.Disable()
	w := f.create(ctx, &Widget{Name: "quiet"})

	got, err := w.VersionAt(ctx, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil || got != w {
		t.Fatalf("VersionAt=%s err=%v, want live record", nameOf(got), err)
	}

	if err := w.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	got, err = w.VersionAt(ctx, time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil || got != nil {
		t.Fatalf("VersionAt after destroy=%s err=%v, want nil", nameOf(got), err)
	}
}

func TestReifyUnregisteredType(t *testing.T) {
	f := newFixture(t, Options{}, ModelOptions{})
	obj := `{"id":1,"body":"x"}`
	v := &schema.Version{ID: 7, ItemType: "Invoice", ItemID: 1, Event: schema.EventUpdate, Object: &obj}
	if _, err := f.widgets.Reify(context.Background(), v); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("err=%v, want ErrNotRegistered", err)
	}

	if _, err := Register[Comment](f.trail, ModelOptions{}); err != nil {
		t.Fatalf("Register Comment: %v", err)
	}
	v.ItemType = "Comment"
	_, err := f.widgets.Reify(context.Background(), v)
	if err == nil || errors.Is(err, ErrNotRegistered) {
		t.Fatalf("err=%v, want type mismatch", err)
	}
}

func TestTimePrecision(t *testing.T) {
	cases := []struct {
		dialect string
		want    time.Duration
	}{
		{"mysql", time.Millisecond},
		{"postgres", time.Microsecond},
		{"sqlite", time.Microsecond},
	}
	for _, tc := range cases {
		if got := timePrecision(tc.dialect); got != tc.want {
			t.Errorf("timePrecision(%q)=%v, want %v", tc.dialect, got, tc.want)
		}
	}
}

func TestCreatedAtTruncatedToColumnPrecision(t *testing.T) {
	f := newFixture(t, Options{}, ModelOptions{})
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	step := 0
	f.trail.now = func() time.Time {
		step++
		return base.Add(time.Duration(step)*time.Minute + 123456789*time.Nanosecond)
	}
	ctx := NewContext(context.Background())
	w, _ := history(t, f, ctx)
	if err := w.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	src := w.SourceVersion()
	if src == nil || src.CreatedAt.Nanosecond()%int(time.Microsecond) != 0 {
		t.Fatalf("destroy version created_at not truncated: %+v", src)
	}
	vs := f.versions(w.ID())
	if last := vs[len(vs)-1]; !last.CreatedAt.Equal(src.CreatedAt) {
		t.Fatalf("stored created_at=%v, in memory %v", last.CreatedAt, src.CreatedAt)
	}

	prev, err := w.PreviousVersion(ctx)
	if err != nil || nameOf(prev) != "v2" {
		t.Fatalf("previous of destroyed=%s err=%v, want v2", nameOf(prev), err)
	}
	back, err := prev.NextVersion(ctx)
	if err != nil || nameOf(back) != "v3" {
		t.Fatalf("next of v2=%s err=%v, want v3", nameOf(back), err)
	}
}
