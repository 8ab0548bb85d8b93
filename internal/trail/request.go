package trail

import (
	"context"
	"sync"
)

type requestKey struct{}

// Request 单个执行上下文（一次 HTTP 请求、一个任务）内的版本状态
type Request struct {
	mu             sync.Mutex
	whodunnit      string
	disabled       bool
	suppressed     int
	controllerInfo map[string]any

	// 按类型的临时关闭层数
	suppressedTypes map[string]int
	pending         pendingStore
}

type pendingKey struct {
	itemType string
	itemID   int64
}

// pendingChange 尚未保存的多对多成员变更
type pendingChange struct {
	added   []int64
	removed []int64
}

// pendingSet 按关联名索引
type pendingSet map[string]pendingChange

// NewContext 返回携带全新 Request 的上下文
func NewContext(parent context.Context) context.Context {
	return context.WithValue(parent, requestKey{}, &Request{})
}

// FromContext 取出上下文中的 Request，没有时返回 nil
func FromContext(ctx context.Context) *Request {
	if ctx == nil {
		return nil
	}
	req, _ := ctx.Value(requestKey{}).(*Request)
	return req
}

// ensureRequest 上下文中没有 Request 时创建一个
func ensureRequest(ctx context.Context) (context.Context, *Request) {
	if req := FromContext(ctx); req != nil {
		return ctx, req
	}
	ctx = NewContext(ctx)
	return ctx, FromContext(ctx)
}

// Whodunnit 当前操作者
func (r *Request) Whodunnit() string {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.whodunnit
}

// SetWhodunnit 设置当前操作者
func (r *Request) SetWhodunnit(actor string) {
	r.mu.Lock()
	r.whodunnit = actor
	r.mu.Unlock()
}

// Enabled 本上下文是否记录版本，默认开启
func (r *Request) Enabled() bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.disabled && r.suppressed == 0
}

// SetEnabled 开关本上下文的版本记录；WithoutRequestVersioning 的临时关闭另行计数
func (r *Request) SetEnabled(enabled bool) {
	r.mu.Lock()
	r.disabled = !enabled
	r.mu.Unlock()
}

// ControllerInfo 合并进每个版本元数据的上下文信息（副本）
func (r *Request) ControllerInfo() map[string]any {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.controllerInfo))
	for k, v := range r.controllerInfo {
		out[k] = v
	}
	return out
}

// SetControllerInfo 替换上下文信息
func (r *Request) SetControllerInfo(info map[string]any) {
	r.mu.Lock()
	r.controllerInfo = info
	r.mu.Unlock()
}

// suppress 进入一层临时关闭，返回的函数退出该层；各层互不覆盖
func (r *Request) suppress() func() {
	r.mu.Lock()
	r.suppressed++
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.suppressed--
		r.mu.Unlock()
	}
}

func (r *Request) typeEnabled(itemType string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suppressedTypes[itemType] == 0
}

func (r *Request) suppressType(itemType string) func() {
	r.mu.Lock()
	if r.suppressedTypes == nil {
		r.suppressedTypes = make(map[string]int)
	}
	r.suppressedTypes[itemType]++
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.suppressedTypes[itemType]--; r.suppressedTypes[itemType] <= 0 {
			delete(r.suppressedTypes, itemType)
		}
	}
}

func (r *Request) staged() *pendingStore {
	if r == nil {
		return nil
	}
	return &r.pending
}

// pendingStore 按实体暂存尚未写进版本的多对多成员变更
type pendingStore struct {
	mu sync.Mutex
	m  map[pendingKey]pendingSet
}

func (s *pendingStore) stage(key pendingKey, assoc string, added, removed []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[pendingKey]pendingSet)
	}
	set := s.m[key]
	if set == nil {
		set = make(pendingSet)
		s.m[key] = set
	}
	set[assoc] = set[assoc].merge(added, removed)
}

func (s *pendingStore) get(key pendingKey) pendingSet {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[key].clone()
}

func (s *pendingStore) clear(key pendingKey) {
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}

// absorb 把 from 中的全部变更合并进来，from 随后清空
func (s *pendingStore) absorb(from *pendingStore) {
	if s == nil || from == nil {
		return
	}
	from.mu.Lock()
	taken := from.m
	from.m = nil
	from.mu.Unlock()
	for key, set := range taken {
		for assoc, c := range set {
			s.stage(key, assoc, c.added, c.removed)
		}
	}
}

// merge 合并新的增删；同一 id 先加后删（或反之）互相抵消
func (c pendingChange) merge(added, removed []int64) pendingChange {
	for _, id := range added {
		if i := indexOf(c.removed, id); i >= 0 {
			c.removed = append(c.removed[:i:i], c.removed[i+1:]...)
			continue
		}
		if indexOf(c.added, id) < 0 {
			c.added = append(c.added, id)
		}
	}
	for _, id := range removed {
		if i := indexOf(c.added, id); i >= 0 {
			c.added = append(c.added[:i:i], c.added[i+1:]...)
			continue
		}
		if indexOf(c.removed, id) < 0 {
			c.removed = append(c.removed, id)
		}
	}
	return c
}

func (s pendingSet) clone() pendingSet {
	if s == nil {
		return nil
	}
	out := make(pendingSet, len(s))
	for k, v := range s {
		out[k] = pendingChange{
			added:   append([]int64(nil), v.added...),
			removed: append([]int64(nil), v.removed...),
		}
	}
	return out
}

func indexOf(ids []int64, id int64) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

// WithActor 在 fn 执行期间替换操作者，任何退出路径都会恢复
func WithActor(ctx context.Context, actor string, fn func(ctx context.Context) error) error {
	if fn == nil {
		return ErrNoBlock
	}
	ctx, req := ensureRequest(ctx)
	prev := req.Whodunnit()
	req.SetWhodunnit(actor)
	defer req.SetWhodunnit(prev)
	return fn(ctx)
}

// WithoutRequestVersioning 在 fn 执行期间关闭本上下文的版本记录
func WithoutRequestVersioning(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return ErrNoBlock
	}
	ctx, req := ensureRequest(ctx)
	defer req.suppress()()
	return fn(ctx)
}
