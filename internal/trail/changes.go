package trail

// ChangeSet 一次保存相对基线的属性差异
type ChangeSet struct {
	Changed  []string // 所有变化列，按描述符顺序
	Notable  []string // 去掉 ignore/skip 并按 only 过滤后的变化列
	Previous Attributes
	Current  Attributes

	notably bool
}

// ChangedNotably 是否存在值得记录版本的变化
func (c ChangeSet) ChangedNotably() bool { return c.notably }

// Diff 值得记录的变化，值为 [旧值, 新值]
func (c ChangeSet) Diff() map[string][2]any {
	out := make(map[string][2]any, len(c.Notable))
	for _, name := range c.Notable {
		out[name] = [2]any{c.Previous[name], c.Current[name]}
	}
	return out
}

func (c ChangeSet) changedSet() map[string]struct{} {
	out := make(map[string]struct{}, len(c.Changed))
	for _, name := range c.Changed {
		out[name] = struct{}{}
	}
	return out
}

type detector struct {
	ignore     []Rule
	only       []Rule
	skip       map[string]struct{}
	timestamps map[string]struct{}
}

// detect 比较基线与当前快照。
// 只有时间戳列变化时不算值得记录，强制记录除外。
func (d detector) detect(desc *Descriptor, previous, current Attributes) ChangeSet {
	cs := ChangeSet{Previous: previous, Current: current}
	for _, name := range desc.Names() {
		if !equalValues(previous[name], current[name]) {
			cs.Changed = append(cs.Changed, name)
		}
	}

	snapshot := current.Clone()
	ignored := effective(d.ignore, snapshot)
	only := effective(d.only, snapshot)
	for _, name := range cs.Changed {
		if _, ok := ignored[name]; ok {
			continue
		}
		if _, ok := d.skip[name]; ok {
			continue
		}
		if len(only) > 0 {
			if _, ok := only[name]; !ok {
				continue
			}
		}
		cs.Notable = append(cs.Notable, name)
		if _, ok := d.timestamps[name]; !ok {
			cs.notably = true
		}
	}
	return cs
}
