package trail

import (
	"context"
	"sync"
)

type unitKey struct{}

// unit 一次 Transaction 的工作单元，只存在于该次调用派生出的上下文里。
// 嵌套单元共享最外层的关联 id，各自暂存成员变更，提交后并入外层。
type unit struct {
	parent *unit

	mu            sync.Mutex
	transactionID *int64
	pending       pendingStore
}

func unitFrom(ctx context.Context) *unit {
	if ctx == nil {
		return nil
	}
	u, _ := ctx.Value(unitKey{}).(*unit)
	return u
}

func (u *unit) root() *unit {
	for u.parent != nil {
		u = u.parent
	}
	return u
}

// TransactionID 单元内已发布的关联 id，单元外为 nil
func (u *unit) TransactionID() *int64 {
	if u == nil {
		return nil
	}
	r := u.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transactionID == nil {
		return nil
	}
	id := *r.transactionID
	return &id
}

// adopt 单元内第一个版本发布自己的 id，之后的调用不生效
func (u *unit) adopt(id int64) {
	if u == nil {
		return
	}
	r := u.root()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transactionID == nil {
		r.transactionID = &id
	}
}

func (u *unit) staged() *pendingStore {
	if u == nil {
		return nil
	}
	return &u.pending
}

// chain 从最外层到 u 的单元序列
func (u *unit) chain() []*unit {
	var out []*unit
	for ; u != nil; u = u.parent {
		out = append([]*unit{u}, out...)
	}
	return out
}
