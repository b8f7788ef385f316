package domain

import (
	"errors"
	"fmt"
)

// 错误分类
var (
	// ErrSkipped 邮件主题没有工单标记，不处理（不是错误）
	ErrSkipped = errors.New("mail skipped: missing ticket marker")
	// ErrValidation 输入校验失败
	ErrValidation = errors.New("validation failed")
	// ErrNotFound 引用的资源不存在
	ErrNotFound = errors.New("not found")
	// ErrDependency 依赖（存储、附件、通知）调用失败
	ErrDependency = errors.New("dependency failure")
	// ErrConsistency 并发修改导致更新丢失
	ErrConsistency = errors.New("consistency conflict")
)

// ValidationError 校验错误
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError 创建校验错误
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError 资源不存在
type NotFoundError struct {
	Resource string
	ID       string
}

// NewNotFoundError 创建资源不存在错误
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// DependencyError 依赖调用失败
type DependencyError struct {
	Op        string
	Retryable bool
	Err       error
}

// NewDependencyError 包装依赖错误
func NewDependencyError(op string, retryable bool, err error) *DependencyError {
	return &DependencyError{Op: op, Retryable: retryable, Err: err}
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

func (e *DependencyError) Is(target error) bool { return target == ErrDependency }

// ConsistencyError 条件更新未命中
type ConsistencyError struct {
	Key string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("concurrent modification of %s", e.Key)
}

func (e *ConsistencyError) Is(target error) bool { return target == ErrConsistency }

// IsRetryable 判断错误是否可以重试
func IsRetryable(err error) bool {
	var dep *DependencyError
	if errors.As(err, &dep) {
		return dep.Retryable
	}
	return errors.Is(err, ErrConsistency)
}
