package trail

// Predicate 对属性快照求值的条件
type Predicate func(Attributes) bool

// Rule ignore/only 规则：静态列集合，或仅在条件成立时生效的单列
type Rule struct {
	attrs []string
	cond  Predicate
}

// Always 始终生效的列集合
func Always(attrs ...string) Rule {
	return Rule{attrs: attrs}
}

// When 条件成立时才生效的列
func When(attr string, cond Predicate) Rule {
	return Rule{attrs: []string{attr}, cond: cond}
}

func (r Rule) conditional() bool { return r.cond != nil }

// effective 计算规则在当前快照下生效的列集合
func effective(rules []Rule, snapshot Attributes) map[string]struct{} {
	out := make(map[string]struct{})
	for _, r := range rules {
		if r.cond != nil && !r.cond(snapshot) {
			continue
		}
		for _, name := range r.attrs {
			out[name] = struct{}{}
		}
	}
	return out
}

func staticNames(rules []Rule) map[string]struct{} {
	out := make(map[string]struct{})
	for _, r := range rules {
		if r.conditional() {
			continue
		}
		for _, name := range r.attrs {
			out[name] = struct{}{}
		}
	}
	return out
}

// Meta 附加到版本的元数据来源
type Meta interface {
	resolve(src metaSource) any
}

// MetaFunc 以当前属性快照计算元数据
type MetaFunc func(Attributes) any

func (f MetaFunc) resolve(src metaSource) any { return f(src.current.Clone()) }

// MetaAttr 取实体某列；本次保存改动过该列时取改动前的值（创建除外）
type MetaAttr string

func (a MetaAttr) resolve(src metaSource) any {
	name := string(a)
	if _, changed := src.changed[name]; changed && src.event != EventCreate && src.previous != nil {
		return src.previous[name]
	}
	return src.current[name]
}

type metaLiteral struct{ value any }

func (m metaLiteral) resolve(metaSource) any { return m.value }

// MetaValue 固定值元数据
func MetaValue(v any) Meta { return metaLiteral{value: v} }

type metaSource struct {
	current  Attributes
	previous Attributes
	changed  map[string]struct{}
	event    string
}
