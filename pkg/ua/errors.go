package ua

import (
	"fmt"

	"github.com/pkg/errors"
)

// Ошибки программного уровня: неверные аргументы или вызов операции в
// недопустимом состоянии. Не имеют побочных эффектов и не эмитят событий.
var (
	// ErrTerminated - операция над уже завершённой сущностью.
	ErrTerminated = errors.New("entity is terminated")

	// ErrNotConfirmed - операция требует подтверждённой сессии.
	ErrNotConfirmed = errors.New("session is not confirmed")

	// ErrPendingModifier - предыдущий re-INVITE/UPDATE ещё не завершён.
	ErrPendingModifier = errors.New("previous in-dialog modifier still in progress")

	// ErrAlreadyAnswered - MESSAGE уже принят или отклонён.
	ErrAlreadyAnswered = errors.New("request already answered")

	// ErrSubscriptionInactive - NOTIFY по неактивной подписке.
	ErrSubscriptionInactive = errors.New("subscription is not active")
)

// InvalidStateError возвращается, когда операция не разрешена в текущем
// состоянии state машины сущности.
type InvalidStateError struct {
	Op    string
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state for %s: %s", e.Op, e.State)
}

// InvalidArgError возвращается на границе API при неверном аргументе
// (кривой URI, код вне диапазона, неизвестный тон DTMF).
type InvalidArgError struct {
	Arg    string
	Reason string
}

func (e *InvalidArgError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Arg, e.Reason)
}

func invalidState(op, state string) error { return &InvalidStateError{Op: op, State: state} }

func invalidArg(arg, reason string) error { return &InvalidArgError{Arg: arg, Reason: reason} }
