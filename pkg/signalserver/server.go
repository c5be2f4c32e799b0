// Package signalserver содержит сигнальный сервер с хранением в памяти.
//
// Сервер говорит на том же протоколе, что и клиенты пакета signaling (JSON/HTTP и
// WebSocket): регистрирует устройства, ставит приглашения в очередь получателя и
// отслеживает статус вызова для проверки живости.
package signalserver

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/arzzra/soft_receiver/pkg/signaling"
)

var (
	ErrUnknownDevice = errors.New("device not registered")
	ErrUnknownCall   = errors.New("call not found")
	ErrBadRequest    = errors.New("bad request")
	ErrCallActive    = errors.New("call already active")
)

// DefaultRingTimeout время жизни неотвеченного приглашения
const DefaultRingTimeout = 60 * time.Second

// callState состояние вызова на стороне сервера
type callState string

const (
	callRinging  callState = "ringing"
	callAccepted callState = "accepted"
)

// call вызов от одного абонента; since - время постановки в очередь или выдачи получателю
type call struct {
	state callState
	since time.Time
}

type device struct {
	reg          signaling.Registration
	registeredAt time.Time
	queue        []signaling.Invitation
	calls        map[string]*call // callerID -> вызов
}

func (d *device) queued(callerID string) bool {
	for _, inv := range d.queue {
		if inv.CallerID == callerID {
			return true
		}
	}
	return false
}

// dropQueued убирает из очереди приглашения от callerID
func (d *device) dropQueued(callerID string) {
	queue := d.queue[:0]
	for _, inv := range d.queue {
		if inv.CallerID != callerID {
			queue = append(queue, inv)
		}
	}
	d.queue = queue
}

// Server сигнальный сервер
type Server struct {
	mu      sync.Mutex
	devices map[string]*device

	upgrader    websocket.Upgrader
	logger      *slog.Logger
	now         func() time.Time
	ringTimeout time.Duration

	// WebSocket соединения не закрываются http.Server.Shutdown
	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}
}

// Option настройка сервера
type Option func(*Server)

// WithLogger задаёт логгер сервера
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRingTimeout задаёт время, после которого неотвеченное приглашение забывается
func WithRingTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.ringTimeout = d
		}
	}
}

// New создаёт пустой сервер
func New(opts ...Option) *Server {
	s := &Server{
		devices: make(map[string]*device),
		conns:   make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:      slog.Default(),
		now:         time.Now,
		ringTimeout: DefaultRingTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "signalserver")
	return s
}

// ListenAndServe обслуживает addr до отмены ctx
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "failed to start signaling server")
	}
	return s.Serve(ctx, ln)
}

// Serve обслуживает ln до отмены ctx
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv.RegisterOnShutdown(s.closeConns)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("signaling server listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	}
}

func (s *Server) track(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

func (s *Server) closeConns() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}

// Register регистрирует или обновляет устройство. Очередь приглашений сохраняется.
func (s *Server) Register(reg signaling.Registration) error {
	if reg.DeviceID == "" {
		return errors.Wrap(ErrBadRequest, "device_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[reg.DeviceID]
	if !ok {
		d = &device{calls: make(map[string]*call)}
		s.devices[reg.DeviceID] = d
	}
	d.reg = reg
	d.registeredAt = s.now()

	s.logger.Info("device registered",
		slog.String("deviceID", reg.DeviceID),
		slog.String("role", string(reg.Role)),
		slog.Any("allowFrom", reg.AllowFrom))
	return nil
}

// Invite ставит приглашение от callerID в очередь receiverID.
// Пока вызов от callerID принят, повторное приглашение отклоняется с ErrCallActive;
// ожидающее в очереди приглашение не дублируется.
func (s *Server) Invite(callerID, receiverID string) error {
	if callerID == "" || receiverID == "" {
		return errors.Wrap(ErrBadRequest, "caller_id and receiver_id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[receiverID]
	if !ok {
		return errors.Wrapf(ErrUnknownDevice, "receiver %s", receiverID)
	}
	s.expire(receiverID, d)

	now := s.now()
	if c, ok := d.calls[callerID]; ok {
		if c.state == callAccepted {
			return errors.Wrapf(ErrCallActive, "caller %s", callerID)
		}
		if d.queued(callerID) {
			c.since = now
			s.logger.Debug("invitation already pending",
				slog.String("callerID", callerID),
				slog.String("receiverID", receiverID))
			return nil
		}
	}
	d.queue = append(d.queue, signaling.Invitation{CallerID: callerID, ReceivedAt: now})
	d.calls[callerID] = &call{state: callRinging, since: now}

	s.logger.Info("invitation queued",
		slog.String("callerID", callerID),
		slog.String("receiverID", receiverID))
	return nil
}

// Poll извлекает первое ожидающее приглашение устройства
func (s *Server) Poll(deviceID string) (*signaling.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDevice, "device %s", deviceID)
	}
	s.expire(deviceID, d)
	if len(d.queue) == 0 {
		return nil, nil
	}
	inv := d.queue[0]
	d.queue = d.queue[1:]
	// получатель должен ответить accepted до истечения ringTimeout
	if c, ok := d.calls[inv.CallerID]; ok && c.state == callRinging {
		c.since = s.now()
	}
	return &inv, nil
}

// UpdateStatus применяет статус вызова, присланный получателем
func (s *Server) UpdateStatus(update signaling.CallStatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[update.ReceiverID]
	if !ok {
		return errors.Wrapf(ErrUnknownDevice, "receiver %s", update.ReceiverID)
	}

	s.expire(update.ReceiverID, d)

	switch update.Status {
	case signaling.StatusAccepted:
		c, ok := d.calls[update.CallerID]
		if !ok {
			return errors.Wrapf(ErrUnknownCall, "caller %s", update.CallerID)
		}
		c.state = callAccepted
		c.since = s.now()
		// приглашения, пришедшие до принятия, обслужены этим вызовом
		d.dropQueued(update.CallerID)
	case signaling.StatusEnded:
		delete(d.calls, update.CallerID)
	default:
		return errors.Wrapf(ErrBadRequest, "unknown status %q", update.Status)
	}

	s.logger.Info("call status updated",
		slog.String("receiverID", update.ReceiverID),
		slog.String("callerID", update.CallerID),
		slog.String("status", string(update.Status)))
	return nil
}

// CheckCall сообщает, что вызов принят и звонящий его не завершил
func (s *Server) CheckCall(receiverID, callerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[receiverID]
	if !ok {
		return false, errors.Wrapf(ErrUnknownDevice, "receiver %s", receiverID)
	}
	s.expire(receiverID, d)
	c, ok := d.calls[callerID]
	return ok && c.state == callAccepted, nil
}

// Hangup завершает вызов со стороны звонящего
func (s *Server) Hangup(callerID, receiverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[receiverID]
	if !ok {
		return errors.Wrapf(ErrUnknownDevice, "receiver %s", receiverID)
	}
	if _, ok := d.calls[callerID]; !ok {
		return errors.Wrapf(ErrUnknownCall, "caller %s", callerID)
	}
	delete(d.calls, callerID)
	// Неполученные приглашения от этого абонента больше не актуальны
	d.dropQueued(callerID)

	s.logger.Info("call hung up by caller",
		slog.String("callerID", callerID),
		slog.String("receiverID", receiverID))
	return nil
}

// Registration возвращает регистрацию устройства
func (s *Server) Registration(deviceID string) (signaling.Registration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return signaling.Registration{}, false
	}
	return d.reg, true
}

// expire забывает приглашения, на которые не ответили за ringTimeout. Вызывается под s.mu.
func (s *Server) expire(deviceID string, d *device) {
	now := s.now()
	for callerID, c := range d.calls {
		if c.state != callRinging || now.Sub(c.since) < s.ringTimeout {
			continue
		}
		delete(d.calls, callerID)
		d.dropQueued(callerID)
		s.logger.Info("invitation expired",
			slog.String("callerID", callerID),
			slog.String("receiverID", deviceID))
	}
}
