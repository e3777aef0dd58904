package taxonomy

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyJobDescription = errors.New("岗位描述为空")
	ErrEmptyResponse       = errors.New("模型返回内容为空")
	ErrNoJSONObject        = errors.New("模型返回内容中没有JSON对象")
	ErrInvalidJSON         = errors.New("模型返回的JSON无法解析")
	ErrNonConforming       = errors.New("模型返回的结构不符合关键词分类格式")
)

// ErrorKind 抽取失败的类别
type ErrorKind string

const (
	KindInvalidInput    ErrorKind = "invalid_input"
	KindUnreachable     ErrorKind = "unreachable"
	KindTimeout         ErrorKind = "timeout"
	KindInvalidResponse ErrorKind = "invalid_response"
)

// ExtractionError 关键词分类抽取失败。调用方应将其视为请求失败，不能退化为空分类。
type ExtractionError struct {
	Kind     ErrorKind
	Attempts int
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("关键词抽取失败 (类型:%s, 尝试次数:%d): %v", e.Kind, e.Attempts, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// IsExtractionError 判断错误链中是否包含 ExtractionError
func IsExtractionError(err error) bool {
	var ee *ExtractionError
	return errors.As(err, &ee)
}
