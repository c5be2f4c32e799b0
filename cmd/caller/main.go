// Сторона звонящего: отправляет приглашение приёмнику или завершает вызов.
//
//	caller -server http://127.0.0.1:8080 -mode invite
//	caller -server http://127.0.0.1:8080 -mode hangup
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/pterm/pterm"

	"github.com/arzzra/soft_receiver/pkg/receiver"
	"github.com/arzzra/soft_receiver/pkg/signaling"
)

func main() {
	var (
		serverURL = flag.String("server", "http://127.0.0.1:8080", "Signaling server HTTP URL")
		caller    = flag.String("caller", receiver.DefaultAllowedCaller, "Caller device ID")
		target    = flag.String("target", receiver.DefaultDeviceID, "Receiver device ID")
		mode      = flag.String("mode", "invite", "Mode: invite, hangup, status")
		timeout   = flag.Duration("timeout", 5*time.Second, "Request timeout")
	)
	flag.Parse()

	tr, err := signaling.NewHTTPTransport(*serverURL, signaling.Options{
		ProbeTimeout:   *timeout,
		RequestTimeout: *timeout,
	})
	if err != nil {
		pterm.Error.Printfln("Некорректный адрес сервера: %v", err)
		os.Exit(1)
	}
	defer tr.Close()

	ctx := context.Background()

	switch *mode {
	case "invite":
		err = tr.Invite(ctx, *caller, *target)
		if err == nil {
			pterm.Success.Printfln("Приглашение %s -> %s поставлено в очередь", *caller, *target)
		}
	case "hangup":
		err = tr.Hangup(ctx, *caller, *target)
		if err == nil {
			pterm.Success.Printfln("Вызов %s -> %s завершён", *caller, *target)
		}
	case "status":
		var active bool
		active, err = tr.CheckCall(ctx, *target, *caller)
		if err == nil {
			pterm.Info.Printfln("Вызов активен: %v", active)
		}
	default:
		pterm.Error.Printfln("Неизвестный режим: %s (invite, hangup, status)", *mode)
		os.Exit(1)
	}

	if err != nil {
		pterm.Error.Println(err.Error())
		tr.Close()
		os.Exit(1)
	}
}
