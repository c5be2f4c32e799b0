package receiver

// EventSink внешний получатель событий ядра (UI, консоль, тесты).
//
// Методы вызываются из горутины цикла событий и не должны блокировать.
// Для завершения вызова из обработчика используйте Service.RequestEndCall.
type EventSink interface {
	// OnStatusChanged новый текст строки статуса
	OnStatusChanged(text string)
	// OnConnectionError ошибка подключения к сигнальному серверу
	OnConnectionError(detail string)
	// OnAccepting начат автоматический приём вызова
	OnAccepting(callerID string)
	// OnRejected отклонено приглашение от абонента не из списка
	OnRejected(callerID string)
	// OnCallActive вызов установлен
	OnCallActive(callerID string)
	// OnCallError ошибка при приёме вызова
	OnCallError(detail string)
	// OnCallEnded вызов завершён
	OnCallEnded()
	// OnMediaChanged включение или выключение локального захвата медиа
	OnMediaChanged(enabled bool)
}

// NopSink игнорирует все события; удобно встраивать, чтобы переопределить часть методов
type NopSink struct{}

var _ EventSink = NopSink{}

func (NopSink) OnStatusChanged(string)   {}
func (NopSink) OnConnectionError(string) {}
func (NopSink) OnAccepting(string)       {}
func (NopSink) OnRejected(string)        {}
func (NopSink) OnCallActive(string)      {}
func (NopSink) OnCallError(string)       {}
func (NopSink) OnCallEnded()             {}
func (NopSink) OnMediaChanged(bool)      {}

const (
	statusInitializing = "Status: Initializing..."
	statusConnecting   = "Status: Connecting to server..."
	statusErrorLimit   = 40
)

func statusReady(allow AllowList) string {
	return "Status: Ready - Waiting for calls from " + allow.String()
}

func statusConnectionError(detail string) string {
	return "Connection Error: " + truncate(detail, statusErrorLimit)
}

func statusRejected(callerID string) string {
	return "Status: Rejected call from unauthorized device: " + callerID
}

func statusAccepting(callerID string) string {
	return "Status: Auto-accepting call from " + callerID + "..."
}

func statusActive(callerID string) string {
	return "Status: Call Active with " + callerID
}

func statusCallError(detail string) string {
	return "Call Error: " + truncate(detail, statusErrorLimit)
}
