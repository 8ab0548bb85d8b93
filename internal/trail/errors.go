package trail

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotPersisted 对尚未持久化的记录执行只对已存在记录有意义的操作
	ErrNotPersisted = errors.New("trail: 记录尚未持久化")
	// ErrNotRegistered 模型未注册版本跟踪
	ErrNotRegistered = errors.New("trail: 模型未注册版本跟踪")
	// ErrNoBlock 作用域操作缺少要执行的函数
	ErrNoBlock = errors.New("trail: 缺少要执行的函数")
)

// ConfigError 模型跟踪配置自相矛盾或不完整，注册时返回
type ConfigError struct {
	Model    string
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("trail: %s 的版本跟踪配置无效: %s", e.Model, strings.Join(e.Problems, "; "))
}
