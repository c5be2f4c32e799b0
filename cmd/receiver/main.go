// Приёмник вызовов: подключается к сигнальному серверу, ждёт приглашение от
// разрешённого абонента и автоматически принимает вызов.
//
// Команды в stdin: "end" завершает текущий вызов, "quit" останавливает приёмник.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/soft_receiver/pkg/receiver"
	"github.com/arzzra/soft_receiver/pkg/signaling"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config")
		serverURL   = flag.String("server", "", "Signaling server URL (http://, ws://)")
		deviceID    = flag.String("device", "", "Device ID of this receiver")
		allow       = flag.String("allow", "", "Comma separated list of allowed caller IDs")
		metricsAddr = flag.String("metrics", "", "Address for Prometheus /metrics (empty = disabled)")
		debug       = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := receiver.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = receiver.LoadConfig(*configPath); err != nil {
			pterm.Error.Printfln("Ошибка загрузки конфигурации: %v", err)
			os.Exit(1)
		}
	}
	if *serverURL != "" {
		cfg.SignalingServerURL = *serverURL
	}
	if *deviceID != "" {
		cfg.DeviceID = *deviceID
	}
	if *allow != "" {
		cfg.AllowedCallers = strings.Split(*allow, ",")
	}
	if err := cfg.Validate(); err != nil {
		pterm.Error.Printfln("Некорректная конфигурация: %v", err)
		os.Exit(1)
	}

	transport, err := signaling.New(cfg.SignalingServerURL, cfg.TransportOptions())
	if err != nil {
		pterm.Error.Printfln("Ошибка создания транспорта: %v", err)
		os.Exit(1)
	}

	svc, err := receiver.New(cfg, transport, newConsoleSink(),
		receiver.WithLogger(logger),
		receiver.WithRegisterer(prometheus.DefaultRegisterer))
	if err != nil {
		pterm.Error.Printfln("Ошибка создания приёмника: %v", err)
		os.Exit(1)
	}

	pterm.DefaultSection.Println("Receiver " + svc.Identity().String())
	pterm.Info.Printfln("Сервер: %s", cfg.SignalingServerURL)
	pterm.Info.Printfln("Разрешённые абоненты: %s", svc.AllowList().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := svc.Start(ctx); err != nil {
			return err
		}
		<-svc.Done()
		return nil
	})

	if *metricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, *metricsAddr)
		})
	}

	go readCommands(svc, stop)

	if err := g.Wait(); err != nil {
		logger.Error("receiver failed", slog.String("error", err.Error()))
		svc.Stop()
		os.Exit(1)
	}
	svc.Stop()
	pterm.Info.Println("Приёмник остановлен")
}

// serveMetrics отдаёт /metrics до отмены ctx
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics endpoint listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func readCommands(svc *receiver.Service, quit func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "end", "e":
			svc.RequestEndCall()
		case "quit", "q":
			quit()
			return
		case "":
		default:
			pterm.Warning.Println("Команды: end, quit")
		}
	}
}
