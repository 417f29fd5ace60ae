package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrQueueFull  = errors.New("task queue is full")
	ErrStopped    = errors.New("task queue stopped")
)

// ValidationError 创建类请求的输入错误，同步返回给调用方，不落库
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, k := range sortedKeys(e.Fields) {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "参数校验失败: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func newValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = msg
	}
}

// orNil 没有收集到错误时返回 nil（避免返回 typed nil）
func (e *ValidationError) orNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// CoercionError 模型回复无法解析成声明的答案类型
type CoercionError struct {
	AnswerType string
	Reason     string
	Cause      error
}

func (e *CoercionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("coerce %s: %s: %v", e.AnswerType, e.Reason, e.Cause)
	}
	return fmt.Sprintf("coerce %s: %s", e.AnswerType, e.Reason)
}

func (e *CoercionError) Unwrap() error {
	return e.Cause
}

// FatalExecutorError 逃出单题处理的错误（如持久化失败），会把实验置为 failed
type FatalExecutorError struct {
	ExperimentID uint
	RunIndex     int
	Cause        error
}

func (e *FatalExecutorError) Error() string {
	if e.RunIndex > 0 {
		return fmt.Sprintf("experiment %d run %d: %v", e.ExperimentID, e.RunIndex, e.Cause)
	}
	return fmt.Sprintf("experiment %d: %v", e.ExperimentID, e.Cause)
}

func (e *FatalExecutorError) Unwrap() error {
	return e.Cause
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
