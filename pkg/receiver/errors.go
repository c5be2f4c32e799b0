package receiver

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrEmptyAllowList список разрешённых абонентов пуст
	ErrEmptyAllowList = errors.New("allow list must contain at least one caller")
	// ErrCallerNotAllowed абонент не входит в список разрешённых
	ErrCallerNotAllowed = errors.New("caller not allowed")
	// ErrSessionBusy слот вызова занят
	ErrSessionBusy = errors.New("call session busy")
	// ErrInvalidTransition недопустимый переход машины состояний
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrWorkersBusy пул исполнителей исчерпан
	ErrWorkersBusy = errors.New("worker pool exhausted")
)

// AdmissionReason причина отказа в приёме приглашения
type AdmissionReason string

const (
	ReasonCallerNotAllowed AdmissionReason = "CALLER_NOT_ALLOWED"
	ReasonSessionBusy      AdmissionReason = "SESSION_BUSY"
)

// AdmissionError ошибка допуска приглашения
type AdmissionError struct {
	Reason   AdmissionReason
	CallerID string
}

// Error реализует интерфейс error
func (e *AdmissionError) Error() string {
	return fmt.Sprintf("[ADMISSION:%s] invitation from %q refused", e.Reason, e.CallerID)
}

// Unwrap позволяет использовать errors.Is с ErrCallerNotAllowed и ErrSessionBusy
func (e *AdmissionError) Unwrap() error {
	switch e.Reason {
	case ReasonCallerNotAllowed:
		return ErrCallerNotAllowed
	case ReasonSessionBusy:
		return ErrSessionBusy
	}
	return nil
}

// StateError недопустимый переход; при соблюдении предусловий не возникает
type StateError struct {
	Machine string
	From    string
	Event   string
	Cause   error
}

// Error реализует интерфейс error
func (e *StateError) Error() string {
	return fmt.Sprintf("[STATE:%s] event %q not allowed in state %s", e.Machine, e.Event, e.From)
}

// Unwrap возвращает ErrInvalidTransition
func (e *StateError) Unwrap() error {
	return ErrInvalidTransition
}

// truncate обрезает текст ошибки для строки статуса
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
