package errors

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

const (
	CodeMalformedFrame ErrorCode = "MALFORMED_FRAME"
	CodeTransient      ErrorCode = "TRANSIENT"
	CodeFatal          ErrorCode = "FATAL"
	CodeConflict       ErrorCode = "CONFLICT"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeSchemaMismatch ErrorCode = "SCHEMA_MISMATCH"
	CodeInvalidInput   ErrorCode = "INVALID_INPUT"
	CodeInternal       ErrorCode = "INTERNAL_ERROR"
)

// AppError 应用错误
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// New 创建指定错误码的错误
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap 包装底层错误并指定错误码
func Wrap(cause error, code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: cause}
}

// NewMalformedFrame 创建帧解析错误
func NewMalformedFrame(message string) *AppError {
	return &AppError{Code: CodeMalformedFrame, Message: message}
}

// NewTransient 创建可重试错误
func NewTransient(message string, cause error) *AppError {
	return &AppError{Code: CodeTransient, Message: message, Err: cause}
}

// NewFatal 创建不可恢复错误
func NewFatal(message string, cause error) *AppError {
	return &AppError{Code: CodeFatal, Message: message, Err: cause}
}

// NewConflict 创建状态冲突错误
func NewConflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message}
}

// NewNotFound 创建未找到错误
func NewNotFound(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message}
}

// NewSchemaMismatch 创建向量维度/载荷形状错误
func NewSchemaMismatch(message string) *AppError {
	return &AppError{Code: CodeSchemaMismatch, Message: message}
}

// NewInvalidInput 创建无效输入错误
func NewInvalidInput(message string) *AppError {
	return &AppError{Code: CodeInvalidInput, Message: message}
}

// NewInternal 创建内部错误
func NewInternal(message string) *AppError {
	return &AppError{Code: CodeInternal, Message: message}
}

// CodeOf 返回错误的错误码, 非 AppError 归为 INTERNAL_ERROR
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

func is(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsMalformedFrame 判断是否为帧解析错误
func IsMalformedFrame(err error) bool { return is(err, CodeMalformedFrame) }

// IsTransient 判断是否为可重试错误
func IsTransient(err error) bool { return is(err, CodeTransient) }

// IsFatal 判断是否为不可恢复错误
func IsFatal(err error) bool { return is(err, CodeFatal) }

// IsConflict 判断是否为状态冲突错误
func IsConflict(err error) bool { return is(err, CodeConflict) }

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool { return is(err, CodeNotFound) }

// IsSchemaMismatch 判断是否为向量维度错误
func IsSchemaMismatch(err error) bool { return is(err, CodeSchemaMismatch) }

// IsInvalidInput 判断是否为无效输入错误
func IsInvalidInput(err error) bool { return is(err, CodeInvalidInput) }
