package trail

import (
	"bytes"
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// Attributes 实体某一时刻的属性快照，键为列名
type Attributes map[string]any

// Clone 浅拷贝
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

func (a Attributes) without(drop map[string]struct{}) Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		if _, ok := drop[k]; ok {
			continue
		}
		out[k] = v
	}
	return out
}

// AttrType 属性的语义类型，决定比较与序列化方式
type AttrType string

const (
	TypeString  AttrType = "string"
	TypeInteger AttrType = "integer"
	TypeFloat   AttrType = "float"
	TypeBoolean AttrType = "boolean"
	TypeTime    AttrType = "time"
	TypeBytes   AttrType = "bytes"
	TypeValue   AttrType = "value" // 自定义 Valuer/Scanner 类型，按驱动值保存
)

// Attribute 描述符中的一列
type Attribute struct {
	Name string
	Type AttrType
}

// Descriptor 实体类型的有序列描述，注册时生成
type Descriptor struct {
	Attributes []Attribute
	PrimaryKey string
	Timestamps []string // 自动维护的更新时间列

	index map[string]int
}

// NewDescriptor 构造描述符
func NewDescriptor(primaryKey string, attrs []Attribute, timestamps ...string) *Descriptor {
	d := &Descriptor{
		Attributes: attrs,
		PrimaryKey: primaryKey,
		Timestamps: timestamps,
		index:      make(map[string]int, len(attrs)),
	}
	for i, a := range attrs {
		d.index[a.Name] = i
	}
	return d
}

// Has 是否包含列
func (d *Descriptor) Has(name string) bool {
	_, ok := d.index[name]
	return ok
}

// TypeOf 返回列的语义类型
func (d *Descriptor) TypeOf(name string) (AttrType, bool) {
	i, ok := d.index[name]
	if !ok {
		return "", false
	}
	return d.Attributes[i].Type, true
}

// Names 按声明顺序返回列名
func (d *Descriptor) Names() []string {
	out := make([]string, len(d.Attributes))
	for i, a := range d.Attributes {
		out[i] = a.Name
	}
	return out
}

// canonical 把宿主字段值或反序列化结果统一成可比较的规范形式：
// 整数 int64、浮点 float64、时间 UTC time.Time、二进制 []byte，空指针为 nil
func canonical(typ AttrType, v any) (any, error) {
	v, err := unwrap(v)
	if err != nil || v == nil {
		return nil, err
	}

	switch typ {
	case TypeInteger:
		return toInt64(v)
	case TypeFloat:
		return toFloat64(v)
	case TypeBoolean:
		return toBool(v)
	case TypeString:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}
		if rv := reflect.ValueOf(v); rv.Kind() == reflect.String {
			return rv.String(), nil
		}
		return nil, fmt.Errorf("无法将 %T 转为字符串", v)
	case TypeTime:
		return toTime(v)
	case TypeBytes:
		switch b := v.(type) {
		case []byte:
			return append([]byte{}, b...), nil
		case string:
			decoded, err := base64.StdEncoding.DecodeString(b)
			if err != nil {
				return nil, fmt.Errorf("解析二进制属性失败: %w", err)
			}
			return decoded, nil
		}
		return nil, fmt.Errorf("无法将 %T 转为二进制", v)
	default:
		switch x := v.(type) {
		case []byte:
			return string(x), nil
		case json.Number:
			if i, err := x.Int64(); err == nil {
				return i, nil
			}
			return x.Float64()
		case int, int8, int16, int32, uint, uint8, uint16, uint32, uint64:
			return toInt64(x)
		case float32:
			return float64(x), nil
		case time.Time:
			return x.UTC(), nil
		}
		return v, nil
	}
}

// unwrap 解引用指针并展开 driver.Valuer
func unwrap(v any) (any, error) {
	for v != nil {
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Ptr && rv.IsNil() {
			return nil, nil
		}
		if _, ok := v.(time.Time); ok {
			return v, nil
		}
		if valuer, ok := v.(driver.Valuer); ok {
			out, err := valuer.Value()
			if err != nil {
				return nil, fmt.Errorf("读取字段值失败: %w", err)
			}
			return out, nil
		}
		if rv.Kind() != reflect.Ptr {
			return v, nil
		}
		v = rv.Elem().Interface()
	}
	return nil, nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		return int64(f), err
	case string:
		return strconv.ParseInt(x, 10, 64)
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return int64(rv.Float()), nil
	}
	return 0, fmt.Errorf("无法将 %T 转为整数", v)
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(x, 64)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	}
	return 0, fmt.Errorf("无法将 %T 转为浮点数", v)
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(x)
	}
	i, err := toInt64(v)
	if err != nil {
		return false, fmt.Errorf("无法将 %T 转为布尔值", v)
	}
	return i != 0, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("无法解析时间: %q", x)
	}
	// 以整数保存的时间戳按秒解释
	if i, err := toInt64(v); err == nil {
		return time.Unix(i, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("无法将 %T 转为时间", v)
}

// storable 转换为序列化器可以无损表达的值
func storable(typ AttrType, v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case []byte:
		if typ == TypeBytes {
			return base64.StdEncoding.EncodeToString(x)
		}
		return string(x)
	}
	return v
}

func equalValues(a, b any) bool {
	switch x := a.(type) {
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	}
	return reflect.DeepEqual(a, b)
}
