package signaling

import "encoding/json"

// Op операция в WebSocket протоколе
type Op string

const (
	OpProbe    Op = "probe"
	OpRegister Op = "register"
	OpPoll     Op = "poll"
	OpStatus   Op = "status"
	OpCheck    Op = "check"
)

// Пути HTTP протокола
const (
	PathProbe       = "/"
	PathRegister    = "/register"
	PathInvitations = "/invitations"
	PathCallStatus  = "/call-status"
	PathInvite      = "/invite"
	PathHangup      = "/hangup"
	PathWS          = "/ws"
)

// Request кадр запроса WebSocket протокола
type Request struct {
	ID      string          `json:"id"`
	Op      Op              `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response кадр ответа, ID совпадает с ID запроса
type Response struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PollRequest тело операции poll
type PollRequest struct {
	DeviceID string `json:"device_id"`
}

// CheckRequest тело операции check
type CheckRequest struct {
	ReceiverID string `json:"receiver_id"`
	CallerID   string `json:"caller_id"`
}

// CheckResult результат операции check
type CheckResult struct {
	Active bool `json:"active"`
}

// CallRequest тело запросов /invite и /hangup со стороны звонящего
type CallRequest struct {
	CallerID   string `json:"caller_id"`
	ReceiverID string `json:"receiver_id"`
}
