package model

import (
	"errors"
	"fmt"
)

// ErrorKind 引擎错误分类
type ErrorKind string

const (
	// 前置条件不满足，调用方错误，不可重试
	ErrNotParticipant      ErrorKind = "NOT_A_PARTICIPANT"
	ErrCellNotVoting       ErrorKind = "CELL_NOT_VOTING"
	ErrIdeaNotInCell       ErrorKind = "IDEA_NOT_IN_CELL"
	ErrDeadlinePassed      ErrorKind = "DEADLINE_PASSED"
	ErrRoundAlreadyStarted ErrorKind = "ROUND_ALREADY_STARTED"
	ErrBadWeightAllocation ErrorKind = "INSUFFICIENT_WEIGHT_ALLOCATION"
	ErrWrongPhase          ErrorKind = "WRONG_PHASE"

	// 并发冲突，可重试
	ErrConflict ErrorKind = "CONFLICT"

	// 实体不存在
	ErrNotFound ErrorKind = "NOT_FOUND"

	// 不变量被破坏，不自动恢复，只上报
	ErrInvariant ErrorKind = "INVARIANT_FAILURE"
)

// EngineError 携带分类的引擎错误
type EngineError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError 创建分类错误
func NewError(kind ErrorKind, format string, args ...interface{}) *EngineError {
	return &EngineError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError 包装底层错误并附加分类
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *EngineError {
	return &EngineError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf 提取错误分类，未分类的底层错误视为不变量层面的未知错误
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ErrInvariant
}

// IsKind 判断错误是否属于指定分类
func IsKind(err error, kind ErrorKind) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind == kind
	}
	return false
}

// IsRetryable 冲突类错误可以原样重试
func IsRetryable(err error) bool {
	return IsKind(err, ErrConflict)
}
