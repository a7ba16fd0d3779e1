package services

import (
	"errors"
	"fmt"
)

// ErrorKind 错误分类，handler 据此映射 HTTP 状态码
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation_error"
	KindAuthorization ErrorKind = "authorization_error"
	KindConflict      ErrorKind = "conflict"
	KindNotFound      ErrorKind = "not_found"
	KindInternal      ErrorKind = "internal_error"
)

var (
	// 校验类错误 (400)
	ErrInvalidStatus       = errors.New("invalid change status")
	ErrIllegalTransition   = errors.New("illegal status transition")
	ErrLinkConflict        = errors.New("problemId and incidentId are mutually exclusive")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrApprovalAlreadyOpen = errors.New("change already has an open approval")

	// 权限类错误 (403)
	ErrForbiddenTransition = errors.New("caller is not allowed to perform this transition")

	// 并发冲突 (409)，调用方可重新读取后重试
	ErrStatusConflict = errors.New("change status changed concurrently")

	// 不存在 (404)
	ErrChangeNotFound = errors.New("change not found")
)

// ChangeError 携带分类与操作上下文的业务错误
type ChangeError struct {
	Kind    ErrorKind
	Op      string // 操作名，例如 change.approve
	Message string // 可直接返回给调用方的描述
	Err     error
}

func (e *ChangeError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ChangeError) Unwrap() error {
	return e.Err
}

func newChangeError(kind ErrorKind, op string, err error, format string, args ...interface{}) *ChangeError {
	msg := ""
	if format != "" {
		msg = fmt.Sprintf(format, args...)
	}
	return &ChangeError{Kind: kind, Op: op, Message: msg, Err: err}
}

func validationError(op string, err error, format string, args ...interface{}) error {
	return newChangeError(KindValidation, op, err, format, args...)
}

func authorizationError(op string, format string, args ...interface{}) error {
	return newChangeError(KindAuthorization, op, ErrForbiddenTransition, format, args...)
}

func conflictError(op string, format string, args ...interface{}) error {
	return newChangeError(KindConflict, op, ErrStatusConflict, format, args...)
}

func notFoundError(op, id string) error {
	return newChangeError(KindNotFound, op, ErrChangeNotFound, "change %s not found", id)
}

// KindOf 返回错误分类；无法识别的错误视为内部错误
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *ChangeError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrStatusConflict):
		return KindConflict
	case errors.Is(err, ErrChangeNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbiddenTransition):
		return KindAuthorization
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrIllegalTransition),
		errors.Is(err, ErrLinkConflict), errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrApprovalAlreadyOpen):
		return KindValidation
	}
	return KindInternal
}

func IsValidationError(err error) bool    { return KindOf(err) == KindValidation }
func IsAuthorizationError(err error) bool { return KindOf(err) == KindAuthorization }
func IsNotFoundError(err error) bool      { return KindOf(err) == KindNotFound }

// IsConflictError 并发冲突可重试
func IsConflictError(err error) bool { return KindOf(err) == KindConflict }

// SafeMessage 返回可以暴露给客户端的描述；内部错误只返回通用文案
func SafeMessage(err error) string {
	if KindOf(err) == KindInternal {
		return "internal error"
	}
	var ce *ChangeError
	if errors.As(err, &ce) && ce.Message != "" {
		return ce.Message
	}
	return err.Error()
}
