package main

import (
	"github.com/pterm/pterm"

	"github.com/arzzra/soft_receiver/pkg/receiver"
)

// consoleSink выводит события приёмника в терминал
type consoleSink struct{}

var _ receiver.EventSink = consoleSink{}

func newConsoleSink() consoleSink {
	return consoleSink{}
}

func (consoleSink) OnStatusChanged(text string) {
	pterm.Description.Println(text)
}

func (consoleSink) OnConnectionError(detail string) {
	pterm.Warning.Printfln("Сервер недоступен: %s", detail)
}

func (consoleSink) OnAccepting(callerID string) {
	pterm.Info.Printfln("Входящий вызов от %s, принимаем...", callerID)
}

func (consoleSink) OnRejected(callerID string) {
	pterm.Warning.Printfln("Отклонён вызов от неразрешённого абонента %s", callerID)
}

func (consoleSink) OnCallActive(callerID string) {
	pterm.Success.Printfln("Вызов с %s установлен (end - завершить)", callerID)
}

func (consoleSink) OnCallError(detail string) {
	pterm.Error.Printfln("Ошибка приёма вызова: %s", detail)
}

func (consoleSink) OnCallEnded() {
	pterm.Info.Println("Вызов завершён")
}

func (consoleSink) OnMediaChanged(enabled bool) {
	if enabled {
		pterm.Info.Println("Камера и микрофон включены")
		return
	}
	pterm.Info.Println("Камера и микрофон выключены")
}
