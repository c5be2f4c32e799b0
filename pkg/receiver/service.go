package receiver

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/soft_receiver/pkg/signaling"
)

// Option настраивает Service
type Option func(*Service)

// WithLogger задаёт логгер; по умолчанию slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRegisterer задаёт реестр метрик; по умолчанию отдельный реестр
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) {
		s.registerer = reg
	}
}

// Service приёмник вызовов: подключается к сигнальному серверу, опрашивает
// приглашения и автоматически принимает вызов от разрешённого абонента.
//
// Все переходы состояний выполняются в одном цикле событий. Методы Service
// безопасны для вызова из любой горутины, кроме Stop из обработчиков EventSink.
type Service struct {
	cfg        Config
	transport  signaling.Transport
	identity   DeviceIdentity
	allow      AllowList
	sink       EventSink
	logger     *slog.Logger
	registerer prometheus.Registerer
	metrics    *metrics

	loop    *loop
	workers *workers

	supervisor *supervisor
	poller     *poller
	admission  *admission

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

// New создаёт сервис. sink может быть nil.
func New(cfg Config, tr signaling.Transport, sink EventSink, opts ...Option) (*Service, error) {
	if tr == nil {
		return nil, errors.New("transport is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	allow, err := NewAllowList(cfg.AllowedCallers...)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = NopSink{}
	}

	s := &Service{
		cfg:       cfg,
		transport: tr,
		identity:  DeviceIdentity{DeviceID: cfg.DeviceID, Role: signaling.RoleReceiver},
		allow:     allow,
		sink:      sink,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("device", s.identity.DeviceID)
	s.metrics = newMetrics(s.registerer)
	s.loop = newLoop(s.logger.With("component", "loop"))
	s.workers = newWorkers(context.Background(), cfg.MaxWorkers)

	s.supervisor = newSupervisor(s)
	s.admission = newAdmission(s)
	s.poller = newPoller(s, s.supervisor, s.admission)

	s.supervisor.onConnected = s.poller.start
	s.supervisor.onDisconnected = s.poller.stop
	s.poller.onLost = s.supervisor.connectionLost
	s.poller.onInvitation = s.admission.onInvitationReceived

	return s, nil
}

// Start запускает цикл событий. Первая попытка подключения выполняется через StartupDelay.
// Отмена ctx эквивалентна Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("service already started")
	}
	if s.loop.isStopped() {
		s.mu.Unlock()
		return errors.New("service stopped")
	}
	s.started = true
	s.mu.Unlock()

	go s.loop.run()

	s.logger.Info("receiver starting",
		slog.String("server", s.cfg.SignalingServerURL),
		slog.String("allowFrom", s.allow.String()),
		slog.Duration("startupDelay", s.cfg.StartupDelay))

	s.loop.post(func() {
		s.sink.OnStatusChanged(statusInitializing)
		s.loop.after(s.cfg.StartupDelay, s.supervisor.start)
	})

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.loop.done:
		}
	}()
	return nil
}

// Stop останавливает таймеры и цикл, отменяет сетевые операции и ждёт их завершения.
// Повторный вызов ничего не делает. После Stop события в EventSink не поступают.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.loop.stop()

		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if started {
			<-s.loop.done
		}

		// цикл завершён, состояние компонентов больше никто не трогает
		s.supervisor.stop()
		s.poller.stop()
		s.admission.stop()

		s.workers.shutdown()
		if err := s.transport.Close(); err != nil {
			s.logger.Debug("transport close failed", slog.String("error", err.Error()))
		}
		s.logger.Info("receiver stopped")
	})
}

// Done закрывается после остановки цикла событий; до Start не закрывается
func (s *Service) Done() <-chan struct{} {
	return s.loop.done
}

// RequestEndCall завершает текущий вызов; без вызова ничего не делает
func (s *Service) RequestEndCall() {
	s.loop.post(func() {
		s.admission.endCall("requested by user")
	})
}

// ConnectionState текущее состояние подключения
func (s *Service) ConnectionState() ConnectionState {
	return s.supervisor.State()
}

// CallState текущее состояние слота вызова
func (s *Service) CallState() CallState {
	return s.admission.State()
}

// Session копия текущей сессии вызова, если она есть
func (s *Service) Session() (CallSession, bool) {
	return s.admission.Session()
}

// Identity идентичность устройства
func (s *Service) Identity() DeviceIdentity {
	return s.identity
}

// AllowList список разрешённых абонентов
func (s *Service) AllowList() AllowList {
	return s.allow
}
