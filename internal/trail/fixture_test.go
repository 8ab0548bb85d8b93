package trail

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/yuqie6/WorkTrail/internal/schema"
	"github.com/yuqie6/WorkTrail/internal/testutil"
	"gorm.io/gorm"
)

type Author struct {
	ID   int64 `gorm:"primaryKey"`
	Name string
}

type Tag struct {
	ID    int64 `gorm:"primaryKey"`
	Label string
}

type Widget struct {
	ID        int64 `gorm:"primaryKey"`
	Name      string
	Color     string
	Price     float64
	Active    bool
	Secret    string
	Payload   []byte
	AuthorID  *int64
	Author    *Author
	Tags      []Tag `gorm:"many2many:widget_tags"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Comment struct {
	ID          int64 `gorm:"primaryKey"`
	Body        string
	SubjectID   int64
	SubjectType string
}

// testClock 每次读取前进一分钟
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

func (c *testClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fixture struct {
	t       *testing.T
	db      *gorm.DB
	trail   *Trail
	clock   *testClock
	widgets *Model[Widget]
}

func newFixture(t *testing.T, opts Options, widgetOpts ModelOptions) *fixture {
	t.Helper()
	db := testutil.OpenTestDB(t, &Widget{}, &Author{}, &Tag{}, &Comment{})
	return newFixtureOn(t, db, opts, widgetOpts)
}

func newFixtureOn(t *testing.T, db *gorm.DB, opts Options, widgetOpts ModelOptions) *fixture {
	t.Helper()
	clock := newTestClock()
	opts.Now = clock.Now
	tr, err := New(db, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	widgets, err := Register[Widget](tr, widgetOpts)
	if err != nil {
		t.Fatalf("Register Widget: %v", err)
	}
	return &fixture{t: t, db: db, trail: tr, clock: clock, widgets: widgets}
}

func (f *fixture) versions(id int64) []schema.Version {
	f.t.Helper()
	vs, err := f.widgets.Versions(context.Background(), id)
	if err != nil {
		f.t.Fatalf("Versions: %v", err)
	}
	return vs
}

func (f *fixture) create(ctx context.Context, w *Widget) *RecordTrail[Widget] {
	f.t.Helper()
	r := f.widgets.New(w)
	if err := r.Save(ctx); err != nil {
		f.t.Fatalf("Save: %v", err)
	}
	return r
}

func (f *fixture) save(ctx context.Context, r *RecordTrail[Widget]) {
	f.t.Helper()
	if err := r.Save(ctx); err != nil {
		f.t.Fatalf("Save: %v", err)
	}
}

func (f *fixture) changes(v schema.Version) map[string][2]any {
	f.t.Helper()
	c, err := f.widgets.Changes(&v)
	if err != nil {
		f.t.Fatalf("Changes: %v", err)
	}
	return c
}

func (f *fixture) reify(v schema.Version) *Widget {
	f.t.Helper()
	r, err := f.widgets.Reify(context.Background(), &v)
	if err != nil {
		f.t.Fatalf("Reify: %v", err)
	}
	if r == nil {
		return nil
	}
	return r.Item()
}
