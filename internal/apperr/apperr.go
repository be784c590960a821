// Package apperr 定义工具调用对外暴露的错误分类。
//
// 每个 Error 都有一个 Kind；网关只根据 Kind 决定对外的 error 形状，
// 因此各层在边界处把底层错误归类后再向上返回。
package apperr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind 错误类别
type Kind string

const (
	KindValidation       Kind = "ValidationError"
	KindNoCredential     Kind = "NoCredential"
	KindIdentityExpired  Kind = "IdentityExpired"
	KindRejected         Kind = "Rejected"
	KindTimeout          Kind = "Timeout"
	KindTransientNetwork Kind = "TransientNetwork"
	KindStaleData        Kind = "StaleData"
	KindInternal         Kind = "Internal"
)

// Retryable 该类别的错误是否可以直接重试
func Retryable(k Kind) bool {
	return k == KindTransientNetwork || k == KindStaleData
}

// Error 带分类的错误
type Error struct {
	Kind     Kind
	Message  string
	Symbol   string
	IntentID string
	// NotSubmitted 为 true 表示请求从未离开本进程（例如排队超时），
	// 此时 Timeout 不是“结果不确定”。
	NotSubmitted bool

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Cause 兼容 pkg/errors 的 Cause 链
func (e *Error) Cause() error { return e.cause }

// WithSymbol 附加交易对上下文
func (e *Error) WithSymbol(symbol string) *Error {
	e.Symbol = symbol
	return e
}

// WithIntent 附加意图标识（cloid 或内部 key）
func (e *Error) WithIntent(id string) *Error {
	e.IntentID = id
	return e
}

// New 创建一个指定类别的错误
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap 把底层错误归入指定类别；err 为 nil 时返回 nil
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, cause: errors.WithStack(err)}
}

// Wrapf 同 Wrap，带格式化消息
func Wrapf(err error, kind Kind, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: errors.WithStack(err)}
}

// As 在错误链上查找 *Error
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf 返回错误链上第一个 *Error 的类别；未分类的错误视为 Internal
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Is 判断错误链是否属于某个类别
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Validation 是最常用的构造函数的简写
func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}
