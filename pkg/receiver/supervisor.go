package receiver

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/looplab/fsm"

	"github.com/arzzra/soft_receiver/pkg/signaling"
)

/*
Машина состояний подключения

	[Disconnected] → [Connecting] → [Connected]
	[Connecting] → [Disconnected]    (неудачная попытка, повтор через backoff)
	[Connected] → [Disconnected]     (обнаружена потеря соединения, повтор через backoff)

Терминального состояния нет: попытки повторяются до остановки сервиса.
*/
type supervisor struct {
	loop      *loop
	workers   *workers
	transport signaling.Transport
	identity  DeviceIdentity
	allow     AllowList
	backoff   backoffPolicy
	sink      EventSink
	metrics   *metrics
	logger    *slog.Logger

	fsm   *fsm.FSM
	state atomic.Int32

	// число неудачных попыток подряд, для расчёта задержки
	failures int
	retry    *timer

	onConnected    func()
	onDisconnected func()
}

func newSupervisor(s *Service) *supervisor {
	sv := &supervisor{
		loop:      s.loop,
		workers:   s.workers,
		transport: s.transport,
		identity:  s.identity,
		allow:     s.allow,
		backoff:   newBackoffPolicy(s.cfg),
		sink:      s.sink,
		metrics:   s.metrics,
		logger:    s.logger.With("component", "supervisor"),
	}
	sv.initFSM()
	return sv
}

func (s *supervisor) initFSM() {
	s.fsm = fsm.NewFSM(
		Disconnected.String(),
		fsm.Events{
			{Name: formEventName(Disconnected, Connecting), Src: []string{Disconnected.String()}, Dst: Connecting.String()},
			{Name: formEventName(Connecting, Connected), Src: []string{Connecting.String()}, Dst: Connected.String()},
			{Name: formEventName(Connecting, Disconnected), Src: []string{Connecting.String()}, Dst: Disconnected.String()},
			{Name: formEventName(Connected, Disconnected), Src: []string{Connected.String()}, Dst: Disconnected.String()},
		},
		fsm.Callbacks{
			"after_event": s.afterStateChange,
		},
	)
	s.metrics.setConnectionState(Disconnected)
}

func (s *supervisor) afterStateChange(_ context.Context, e *fsm.Event) {
	dst := parseConnectionState(e.Dst)
	s.state.Store(int32(dst))
	s.metrics.setConnectionState(dst)

	s.logger.Debug("connection state changed",
		slog.String("from", e.Src),
		slog.String("to", e.Dst))
}

// State возвращает текущее состояние; безопасно вызывать из любой горутины
func (s *supervisor) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

func (s *supervisor) setState(to ConnectionState) bool {
	if err := transition(s.fsm, "connection", to); err != nil {
		s.logger.Error("connection transition rejected", slog.String("error", err.Error()))
		return false
	}
	return true
}

// start начинает попытку подключения; в Connecting и Connected ничего не делает
func (s *supervisor) start() {
	if s.State() != Disconnected {
		return
	}
	s.retry.cancel()
	s.retry = nil

	if !s.setState(Connecting) {
		return
	}
	s.sink.OnStatusChanged(statusConnecting)
	s.logger.Info("connecting to signaling server", slog.String("device", s.identity.String()))

	reg := signaling.Registration{
		DeviceID:  s.identity.DeviceID,
		Role:      s.identity.Role,
		AllowFrom: s.allow.IDs(),
	}
	dispatch(s.loop, s.workers,
		func(ctx context.Context) (struct{}, error) {
			if err := s.transport.Probe(ctx); err != nil {
				return struct{}{}, err
			}
			return struct{}{}, s.transport.Register(ctx, reg)
		},
		func(_ struct{}, err error) {
			s.onAttemptResult(err)
		})
}

func (s *supervisor) onAttemptResult(err error) {
	if s.State() != Connecting {
		return
	}

	if err != nil {
		s.metrics.connectionAttempts.WithLabelValues("failure").Inc()
		if s.setState(Disconnected) {
			s.scheduleRetry(err)
		}
		return
	}

	s.metrics.connectionAttempts.WithLabelValues("success").Inc()
	if !s.setState(Connected) {
		return
	}
	s.failures = 0

	s.logger.Info("connected to signaling server", slog.String("allowFrom", s.allow.String()))
	s.sink.OnStatusChanged(statusReady(s.allow))
	if s.onConnected != nil {
		s.onConnected()
	}
}

// connectionLost переводит Connected в Disconnected и планирует переподключение
func (s *supervisor) connectionLost(err error) {
	if s.State() != Connected {
		return
	}
	if !s.setState(Disconnected) {
		return
	}
	if s.onDisconnected != nil {
		s.onDisconnected()
	}
	s.scheduleRetry(err)
}

func (s *supervisor) scheduleRetry(err error) {
	s.failures++
	delay := s.backoff.delay(s.failures)
	detail := err.Error()

	s.logger.Warn("signaling server unavailable, retry scheduled",
		slog.String("error", detail),
		slog.Int("attempt", s.failures),
		slog.Duration("delay", delay))

	s.sink.OnConnectionError(detail)
	s.sink.OnStatusChanged(statusConnectionError(detail))
	s.retry = s.loop.after(delay, s.start)
}

func (s *supervisor) stop() {
	s.retry.cancel()
	s.retry = nil
}
