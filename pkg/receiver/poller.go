package receiver

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/soft_receiver/pkg/signaling"
)

type connectionView interface {
	State() ConnectionState
}

type callView interface {
	State() CallState
}

// poller периодически опрашивает сервер о приглашениях.
// Не держит собственного состояния кроме флага запроса в полёте и счётчика ошибок.
type poller struct {
	loop      *loop
	workers   *workers
	transport signaling.Transport
	deviceID  string
	interval  time.Duration
	threshold int
	metrics   *metrics
	logger    *slog.Logger

	conn  connectionView
	calls callView

	onInvitation func(signaling.Invitation)
	onLost       func(error)

	ticker   *timer
	inFlight bool
	failures int
}

func newPoller(s *Service, conn connectionView, calls callView) *poller {
	return &poller{
		loop:      s.loop,
		workers:   s.workers,
		transport: s.transport,
		deviceID:  s.identity.DeviceID,
		interval:  s.cfg.PollInterval,
		threshold: s.cfg.PollFailureThreshold,
		metrics:   s.metrics,
		logger:    s.logger.With("component", "poller"),
		conn:      conn,
		calls:     calls,
	}
}

// start запускает периодический опрос; повторный вызов ничего не делает
func (p *poller) start() {
	if p.ticker != nil {
		return
	}
	p.failures = 0
	p.ticker = p.loop.every(p.interval, p.tick)
	p.logger.Debug("polling started", slog.Duration("interval", p.interval))
}

func (p *poller) stop() {
	if p.ticker == nil {
		return
	}
	p.ticker.cancel()
	p.ticker = nil
	p.logger.Debug("polling stopped")
}

// tick выполняет один опрос, если подключены, слот вызова свободен и предыдущий запрос завершён
func (p *poller) tick() {
	if p.conn.State() != Connected || p.calls.State() != CallNone || p.inFlight {
		return
	}
	p.inFlight = true

	dispatch(p.loop, p.workers,
		func(ctx context.Context) (*signaling.Invitation, error) {
			return p.transport.PollInvitations(ctx, p.deviceID)
		},
		p.onPollResult)
}

func (p *poller) onPollResult(inv *signaling.Invitation, err error) {
	p.inFlight = false

	if err != nil {
		p.metrics.polls.WithLabelValues("failure").Inc()
		if errors.Is(err, ErrWorkersBusy) {
			return
		}
		p.failures++
		p.logger.Debug("poll failed, retry on next tick",
			slog.String("error", err.Error()),
			slog.Int("failures", p.failures))

		if p.threshold > 0 && p.failures >= p.threshold && p.conn.State() == Connected {
			p.failures = 0
			p.logger.Warn("too many failed polls, connection considered lost",
				slog.Int("threshold", p.threshold))
			if p.onLost != nil {
				p.onLost(err)
			}
		}
		return
	}

	p.failures = 0
	if inv == nil {
		p.metrics.polls.WithLabelValues("empty").Inc()
		return
	}

	// ответ пришёл после потери соединения: принимать вызов не через что
	if p.conn.State() != Connected {
		p.metrics.polls.WithLabelValues("dropped").Inc()
		p.logger.Warn("invitation dropped, connection lost",
			slog.String("callerID", inv.CallerID),
			slog.String("connection", p.conn.State().String()))
		return
	}

	p.metrics.polls.WithLabelValues("invitation").Inc()
	p.logger.Info("invitation received", slog.String("callerID", inv.CallerID))
	if p.onInvitation != nil {
		p.onInvitation(*inv)
	}
}
