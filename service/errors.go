package service

import "fmt"

// RejectError 业务校验未通过，Message可直接展示给用户
type RejectError struct {
	Message string
}

func (e *RejectError) Error() string {
	return e.Message
}

func reject(format string, args ...any) error {
	return &RejectError{Message: fmt.Sprintf(format, args...)}
}
