package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrappedError(t *testing.T) {
	base := NewError(ErrDeadlinePassed, "小组 %s 的投票截止时间已过", "cell-1")
	wrapped := fmt.Errorf("投票失败: %w", base)

	if KindOf(wrapped) != ErrDeadlinePassed {
		t.Fatalf("包装后应保留错误分类, 实际: %s", KindOf(wrapped))
	}
	if !IsKind(wrapped, ErrDeadlinePassed) {
		t.Fatalf("IsKind应穿透包装")
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if KindOf(errors.New("底层错误")) != ErrInvariant {
		t.Fatalf("未分类错误应视为不变量层面的未知错误")
	}
}

func TestIsRetryable(t *testing.T) {
	conflict := WrapError(ErrConflict, errors.New("Deadlock found"), "投票遇到并发事务冲突")
	if !IsRetryable(conflict) {
		t.Fatalf("冲突错误应可重试")
	}
	if IsRetryable(NewError(ErrNotParticipant, "不是成员")) {
		t.Fatalf("前置条件错误不可重试")
	}
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := errors.New("连接断开")
	err := WrapError(ErrConflict, cause, "提交事务失败")
	if !errors.Is(err, cause) {
		t.Fatalf("应能解包到底层错误")
	}
}
