package receiver

import (
	"fmt"
	"time"
)

// ConnectionState состояние подключения к сигнальному серверу.
// Изменяется только супервизором переподключения.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

// String возвращает строковое представление состояния
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

func parseConnectionState(name string) ConnectionState {
	switch name {
	case "Connecting":
		return Connecting
	case "Connected":
		return Connected
	default:
		return Disconnected
	}
}

// CallState состояние слота вызова. CallNone означает отсутствие сессии (Idle).
type CallState int32

const (
	CallNone CallState = iota
	CallAccepting
	CallActive
	CallEnding
)

// String возвращает строковое представление состояния
func (s CallState) String() string {
	switch s {
	case CallNone:
		return "Idle"
	case CallAccepting:
		return "Accepting"
	case CallActive:
		return "Active"
	case CallEnding:
		return "Ending"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

func parseCallState(name string) CallState {
	switch name {
	case "Accepting":
		return CallAccepting
	case "Active":
		return CallActive
	case "Ending":
		return CallEnding
	default:
		return CallNone
	}
}

// CallSession единственная сессия вызова.
// Создаётся при принятии приглашения и уничтожается при завершении или ошибке принятия.
type CallSession struct {
	ID        string
	CallerID  string
	State     CallState
	StartedAt time.Time
}
