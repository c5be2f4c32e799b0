// Сигнальный сервер с хранением в памяти для приёмника и звонящего.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/arzzra/soft_receiver/pkg/signalserver"
)

func main() {
	var (
		listenAddr = flag.String("listen", ":8080", "Listen address")
		debug      = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pterm.Info.Printfln("Сигнальный сервер на %s (HTTP и WebSocket /ws)", *listenAddr)

	srv := signalserver.New(signalserver.WithLogger(logger))
	if err := srv.ListenAndServe(ctx, *listenAddr); err != nil {
		pterm.Error.Printfln("Ошибка сервера: %v", err)
		os.Exit(1)
	}
	pterm.Info.Println("Сервер остановлен")
}
