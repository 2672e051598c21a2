package service

import (
	"errors"
	"fmt"
)

// 服务层公共错误，handler 通过 errors.Is / errors.As 映射为 HTTP 状态码。
var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// ValidationError 表示写入前被拒绝的非法输入。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

func notFound(what string) error {
	return fmt.Errorf("%s %w", what, ErrNotFound)
}

func forbidden(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrForbidden)
}

// IsValidation 判断 err 是否为（或包装了）ValidationError。
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
