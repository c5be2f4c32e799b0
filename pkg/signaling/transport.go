// Package signaling реализует клиентскую часть протокола обмена с сигнальным сервером:
// проверку доступности, регистрацию устройства, опрос приглашений и обмен статусами вызова.
//
// Пакет не содержит политики: повторы, таймеры и состояние принадлежат вызывающей стороне.
package signaling

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Role роль устройства на сигнальном сервере
type Role string

const (
	RoleReceiver Role = "receiver"
	RoleCaller   Role = "caller"
)

// CallStatus статус вызова, сообщаемый серверу
type CallStatus string

const (
	StatusAccepted CallStatus = "accepted"
	StatusEnded    CallStatus = "ended"
)

const (
	// DefaultProbeTimeout таймаут проверки доступности сервера
	DefaultProbeTimeout = 5 * time.Second
	// DefaultRequestTimeout таймаут остальных запросов
	DefaultRequestTimeout = 5 * time.Second
)

// Registration данные регистрации устройства
type Registration struct {
	DeviceID  string   `json:"device_id"`
	Role      Role     `json:"role"`
	AllowFrom []string `json:"allow_from"`
}

// Invitation приглашение к вызову, полученное от сервера
type Invitation struct {
	CallerID   string    `json:"caller_id"`
	ReceivedAt time.Time `json:"created_at"`
}

// CallStatusUpdate сообщение о смене статуса вызова
type CallStatusUpdate struct {
	ReceiverID string     `json:"receiver_id"`
	CallerID   string     `json:"caller_id"`
	Status     CallStatus `json:"status"`
}

// Transport синхронный клиент сигнального сервера.
//
// Каждый вызов ограничен таймаутом и при неудаче возвращает *TransportError.
// Повторов внутри нет.
type Transport interface {
	// Probe проверяет доступность сервера
	Probe(ctx context.Context) error
	// Register регистрирует устройство вместе со списком разрешённых абонентов
	Register(ctx context.Context, reg Registration) error
	// PollInvitations возвращает ожидающее приглашение или nil, если его нет
	PollInvitations(ctx context.Context, deviceID string) (*Invitation, error)
	// SendCallStatus сообщает серверу статус вызова
	SendCallStatus(ctx context.Context, update CallStatusUpdate) error
	// CheckCall проверяет, что удалённая сторона всё ещё в вызове
	CheckCall(ctx context.Context, receiverID, callerID string) (bool, error)
	// Close освобождает ресурсы транспорта
	Close() error
}

// Options общие настройки транспортов
type Options struct {
	ProbeTimeout   time.Duration
	RequestTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	return o
}

// New создаёт транспорт по схеме URL: http(s) - HTTPTransport, ws(s) - WSTransport.
func New(serverURL string, opts Options) (Transport, error) {
	switch {
	case strings.HasPrefix(serverURL, "http://"), strings.HasPrefix(serverURL, "https://"):
		return NewHTTPTransport(serverURL, opts)
	case strings.HasPrefix(serverURL, "ws://"), strings.HasPrefix(serverURL, "wss://"):
		return NewWSTransport(serverURL, opts)
	default:
		return nil, errors.Errorf("unsupported signaling url scheme: %q", serverURL)
	}
}
