package trail

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"go.yaml.in/yaml/v3"
)

// Serializer 版本快照的编码方式，需满足 Load(Dump(v)) 与 v 等价
type Serializer interface {
	Dump(value map[string]any) ([]byte, error)
	Load(data []byte) (map[string]any, error)
}

// JSONSerializer JSON 编码，数字按 json.Number 读回以免精度丢失
type JSONSerializer struct{}

func (JSONSerializer) Dump(value map[string]any) ([]byte, error) {
	return json.Marshal(value)
}

func (JSONSerializer) Load(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// YAMLSerializer YAML 编码
type YAMLSerializer struct{}

func (YAMLSerializer) Dump(value map[string]any) ([]byte, error) {
	return yaml.Marshal(value)
}

func (YAMLSerializer) Load(data []byte) (map[string]any, error) {
	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SerializerByName 按配置名选择序列化器
func SerializerByName(name string) (Serializer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONSerializer{}, nil
	case "yaml", "yml":
		return YAMLSerializer{}, nil
	default:
		return nil, fmt.Errorf("不支持的序列化器: %s", name)
	}
}

// encodeObject 编码属性快照
func encodeObject(s Serializer, desc *Descriptor, attrs Attributes) (string, error) {
	value := make(map[string]any, len(attrs))
	for name, v := range attrs {
		typ, _ := desc.TypeOf(name)
		value[name] = storable(typ, v)
	}
	data, err := s.Dump(value)
	if err != nil {
		return "", fmt.Errorf("序列化对象失败: %w", err)
	}
	return string(data), nil
}

// decodeObject 解码属性快照，返回无法识别的列名供调用方记录
func decodeObject(s Serializer, desc *Descriptor, data string) (Attributes, []string, error) {
	raw, err := s.Load([]byte(data))
	if err != nil {
		return nil, nil, fmt.Errorf("反序列化对象失败: %w", err)
	}
	out := make(Attributes, len(raw))
	var unknown []string
	for name, v := range raw {
		typ, ok := desc.TypeOf(name)
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		cv, err := canonical(typ, v)
		if err != nil {
			return nil, nil, fmt.Errorf("解析属性 %s 失败: %w", name, err)
		}
		out[name] = cv
	}
	return out, unknown, nil
}

// encodeChanges 编码变化集合，每列为 [旧值, 新值]
func encodeChanges(s Serializer, desc *Descriptor, diff map[string][2]any) (string, error) {
	value := make(map[string]any, len(diff))
	for name, pair := range diff {
		typ, _ := desc.TypeOf(name)
		value[name] = []any{storable(typ, pair[0]), storable(typ, pair[1])}
	}
	data, err := s.Dump(value)
	if err != nil {
		return "", fmt.Errorf("序列化变化失败: %w", err)
	}
	return string(data), nil
}

// decodeChanges 解码 object_changes
func decodeChanges(s Serializer, desc *Descriptor, data string) (map[string][2]any, error) {
	raw, err := s.Load([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("反序列化变化失败: %w", err)
	}
	out := make(map[string][2]any, len(raw))
	for name, v := range raw {
		pair, ok := v.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("属性 %s 的变化格式无效", name)
		}
		typ, known := desc.TypeOf(name)
		if !known {
			typ = TypeValue
		}
		var converted [2]any
		for i := range pair {
			cv, err := canonical(typ, pair[i])
			if err != nil {
				return nil, fmt.Errorf("解析属性 %s 失败: %w", name, err)
			}
			converted[i] = cv
		}
		out[name] = converted
	}
	return out, nil
}
