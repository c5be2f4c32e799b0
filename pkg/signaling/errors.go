package signaling

import (
	"context"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// ErrorKind категория ошибки транспорта
type ErrorKind string

const (
	KindTimeout     ErrorKind = "TIMEOUT"
	KindUnreachable ErrorKind = "UNREACHABLE"
	KindServerError ErrorKind = "SERVER_ERROR"
)

// String возвращает строковое представление категории
func (k ErrorKind) String() string {
	return string(k)
}

// TransportError ошибка обращения к сигнальному серверу
type TransportError struct {
	Kind   ErrorKind
	Op     string // probe, register, poll, status, check, invite, hangup
	Detail string
	Err    error
}

// Error реализует интерфейс error
func (e *TransportError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Op, e.Detail)
	}
	return fmt.Sprintf("[%s:%s]", e.Kind, e.Op)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsKind проверяет, что err является TransportError указанной категории
func IsKind(err error, kind ErrorKind) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// errEmptyResponse сервер ответил успехом без тела там, где ожидались данные
var errEmptyResponse = errors.New("empty response")

func emptyResponse(op string) *TransportError {
	return &TransportError{Kind: KindServerError, Op: op, Detail: errEmptyResponse.Error(), Err: errEmptyResponse}
}

func serverError(op, detail string) *TransportError {
	return &TransportError{Kind: KindServerError, Op: op, Detail: detail}
}

// classify переводит ошибку сети или контекста в TransportError
func classify(op string, err error) *TransportError {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	return &TransportError{Kind: kindOf(err), Op: op, Detail: err.Error(), Err: err}
}

func kindOf(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ETIMEDOUT:
			return KindTimeout
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED,
			syscall.EPIPE, syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ENETDOWN:
			return KindUnreachable
		}
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return KindUnreachable
	}

	// Проверяем по тексту ошибки (для обёрнутых ошибок без типа)
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "deadline exceeded"} {
		if strings.Contains(msg, pattern) {
			return KindTimeout
		}
	}
	for _, pattern := range []string{"connection refused", "connection reset", "no such host", "broken pipe", "eof"} {
		if strings.Contains(msg, pattern) {
			return KindUnreachable
		}
	}
	return KindServerError
}
