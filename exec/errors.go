package exec

import (
	"errors"
	"fmt"
)

// ErrorClass 执行错误分类，决定 OMS 的重试策略
type ErrorClass int

const (
	// ClassValidation 请求本身非法，立即拒绝不重试
	ClassValidation ErrorClass = iota
	// ClassTransient 临时故障（超时、限流、5xx），有限重试
	ClassTransient
	// ClassPermanent 确定性失败（资金不足、无效 symbol），不重试
	ClassPermanent
)

func (c ErrorClass) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ExecError 带分类的执行错误
type ExecError struct {
	Class ErrorClass
	Code  string // 经纪商错误码（可为空）
	Err   error
}

func (e *ExecError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Class, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Validation 构造校验类错误
func Validation(format string, args ...interface{}) error {
	return &ExecError{Class: ClassValidation, Err: fmt.Errorf(format, args...)}
}

// Transient 构造临时类错误
func Transient(code string, err error) error {
	return &ExecError{Class: ClassTransient, Code: code, Err: err}
}

// Permanent 构造确定性失败错误
func Permanent(code string, err error) error {
	return &ExecError{Class: ClassPermanent, Code: code, Err: err}
}

// Classify 返回错误分类。未包装的普通错误按临时故障处理，
// 交给有限重试兜底。
func Classify(err error) ErrorClass {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Class
	}
	return ClassTransient
}

// IsRetryable 是否允许重试
func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}
