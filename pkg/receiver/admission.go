package receiver

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/arzzra/soft_receiver/pkg/signaling"
)

/*
Машина состояний слота вызова

	[Idle] → [Accepting] → [Active] → [Ending] → [Idle]
	[Accepting] → [Idle]      (сервер не подтвердил приём)
	[Accepting] → [Ending]    (завершение до подтверждения)

Слот один: приглашение вне Idle отбрасывается, в очередь не ставится.
*/
type admission struct {
	loop      *loop
	workers   *workers
	transport signaling.Transport
	identity  DeviceIdentity
	allow     AllowList
	sink      EventSink
	metrics   *metrics
	logger    *slog.Logger
	now       func() time.Time

	heartbeatInterval time.Duration
	maxHeartbeatFails int

	fsm      *fsm.FSM
	state    atomic.Int32
	session  *CallSession
	snapshot atomic.Pointer[CallSession]

	heartbeat         *timer
	heartbeatInFlight string // ID сессии, для которой запрос в полёте
	heartbeatFailures int
}

func newAdmission(s *Service) *admission {
	a := &admission{
		loop:              s.loop,
		workers:           s.workers,
		transport:         s.transport,
		identity:          s.identity,
		allow:             s.allow,
		sink:              s.sink,
		metrics:           s.metrics,
		logger:            s.logger.With("component", "admission"),
		now:               time.Now,
		heartbeatInterval: s.cfg.HeartbeatInterval,
		maxHeartbeatFails: s.cfg.HeartbeatMaxFailures,
	}
	a.initFSM()
	return a
}

func (a *admission) initFSM() {
	a.fsm = fsm.NewFSM(
		CallNone.String(),
		fsm.Events{
			{Name: formEventName(CallNone, CallAccepting), Src: []string{CallNone.String()}, Dst: CallAccepting.String()},
			{Name: formEventName(CallAccepting, CallActive), Src: []string{CallAccepting.String()}, Dst: CallActive.String()},
			{Name: formEventName(CallAccepting, CallNone), Src: []string{CallAccepting.String()}, Dst: CallNone.String()},
			{Name: formEventName(CallAccepting, CallEnding), Src: []string{CallAccepting.String()}, Dst: CallEnding.String()},
			{Name: formEventName(CallActive, CallEnding), Src: []string{CallActive.String()}, Dst: CallEnding.String()},
			{Name: formEventName(CallEnding, CallNone), Src: []string{CallEnding.String()}, Dst: CallNone.String()},
		},
		fsm.Callbacks{
			"after_event": a.afterStateChange,
		},
	)
}

func (a *admission) afterStateChange(_ context.Context, e *fsm.Event) {
	a.state.Store(int32(parseCallState(e.Dst)))
	a.logger.Debug("call state changed",
		slog.String("from", e.Src),
		slog.String("to", e.Dst))
}

// State возвращает текущее состояние; безопасно вызывать из любой горутины
func (a *admission) State() CallState {
	return CallState(a.state.Load())
}

// Session возвращает копию текущей сессии
func (a *admission) Session() (CallSession, bool) {
	if s := a.snapshot.Load(); s != nil {
		return *s, true
	}
	return CallSession{}, false
}

func (a *admission) setState(to CallState) bool {
	if err := transition(a.fsm, "call", to); err != nil {
		a.logger.Error("call transition rejected", slog.String("error", err.Error()))
		return false
	}
	if a.session != nil {
		a.session.State = to
	}
	a.publish()
	return true
}

func (a *admission) setSession(s *CallSession) {
	a.session = s
	a.publish()
}

func (a *admission) publish() {
	if a.session == nil {
		a.snapshot.Store(nil)
		return
	}
	cp := *a.session
	a.snapshot.Store(&cp)
}

// onInvitationReceived проверяет приглашение и при допуске начинает приём вызова
func (a *admission) onInvitationReceived(inv signaling.Invitation) {
	if a.State() != CallNone {
		a.metrics.invitations.WithLabelValues("busy").Inc()
		a.logger.Info("invitation dropped",
			slog.String("error", (&AdmissionError{Reason: ReasonSessionBusy, CallerID: inv.CallerID}).Error()),
			slog.String("state", a.State().String()))
		return
	}

	if !a.allow.Contains(inv.CallerID) {
		a.metrics.invitations.WithLabelValues("rejected").Inc()
		a.logger.Warn("invitation rejected",
			slog.String("error", (&AdmissionError{Reason: ReasonCallerNotAllowed, CallerID: inv.CallerID}).Error()))
		a.sink.OnRejected(inv.CallerID)
		a.sink.OnStatusChanged(statusRejected(inv.CallerID))
		return
	}

	session := &CallSession{
		ID:       uuid.NewString(),
		CallerID: inv.CallerID,
		State:    CallNone,
	}
	a.setSession(session)
	if !a.setState(CallAccepting) {
		a.setSession(nil)
		return
	}
	a.metrics.invitations.WithLabelValues("accepted").Inc()

	a.logger.Info("auto-accepting call",
		slog.String("callerID", session.CallerID),
		slog.String("sessionID", session.ID))
	a.sink.OnAccepting(session.CallerID)
	a.sink.OnStatusChanged(statusAccepting(session.CallerID))

	id := session.ID
	update := signaling.CallStatusUpdate{
		ReceiverID: a.identity.DeviceID,
		CallerID:   session.CallerID,
		Status:     signaling.StatusAccepted,
	}
	dispatch(a.loop, a.workers,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, a.transport.SendCallStatus(ctx, update)
		},
		func(_ struct{}, err error) {
			a.onAcceptResult(id, err)
		})
}

func (a *admission) current(id string) bool {
	return a.session != nil && a.session.ID == id
}

func (a *admission) onAcceptResult(id string, err error) {
	if !a.current(id) || a.State() != CallAccepting {
		a.logger.Debug("stale accept result dropped", slog.String("sessionID", id))
		return
	}
	callerID := a.session.CallerID

	if err != nil {
		detail := err.Error()
		a.logger.Error("call accept failed",
			slog.String("callerID", callerID),
			slog.String("error", detail))
		a.setState(CallNone)
		a.setSession(nil)
		a.sink.OnCallError(detail)
		a.sink.OnStatusChanged(statusCallError(detail))
		return
	}

	a.session.StartedAt = a.now()
	if !a.setState(CallActive) {
		return
	}
	a.metrics.callsActive.Set(1)

	a.logger.Info("call active", slog.String("callerID", callerID))
	a.sink.OnCallActive(callerID)
	a.sink.OnMediaChanged(true)
	a.sink.OnStatusChanged(statusActive(callerID))

	a.heartbeatFailures = 0
	a.scheduleHeartbeat()
}

func (a *admission) scheduleHeartbeat() {
	a.heartbeat.cancel()
	a.heartbeat = a.loop.after(a.heartbeatInterval, a.checkCallStatus)
}

// checkCallStatus проверяет у сервера, что звонящий всё ещё в вызове
func (a *admission) checkCallStatus() {
	a.heartbeat = nil
	if a.State() != CallActive || a.session == nil {
		return
	}
	id, callerID := a.session.ID, a.session.CallerID
	if a.heartbeatInFlight == id {
		a.scheduleHeartbeat()
		return
	}
	a.heartbeatInFlight = id

	dispatch(a.loop, a.workers,
		func(ctx context.Context) (bool, error) {
			return a.transport.CheckCall(ctx, a.identity.DeviceID, callerID)
		},
		func(alive bool, err error) {
			a.onHeartbeatResult(id, alive, err)
		})
}

func (a *admission) onHeartbeatResult(id string, alive bool, err error) {
	if a.heartbeatInFlight == id {
		a.heartbeatInFlight = ""
	}
	if !a.current(id) || a.State() != CallActive {
		return
	}

	if err != nil {
		a.metrics.heartbeats.WithLabelValues("failure").Inc()
		a.heartbeatFailures++
		a.logger.Warn("call status check failed",
			slog.String("error", err.Error()),
			slog.Int("failures", a.heartbeatFailures))
		if a.heartbeatFailures >= a.maxHeartbeatFails {
			a.endCall("heartbeat failed: " + err.Error())
			return
		}
		a.scheduleHeartbeat()
		return
	}

	a.heartbeatFailures = 0
	if !alive {
		a.metrics.heartbeats.WithLabelValues("peer_gone").Inc()
		a.endCall("peer disconnected")
		return
	}
	a.metrics.heartbeats.WithLabelValues("alive").Inc()
	a.scheduleHeartbeat()
}

// endCall завершает вызов в Accepting или Active; в Idle ничего не делает
func (a *admission) endCall(reason string) {
	from := a.State()
	if from != CallAccepting && from != CallActive {
		return
	}
	session := a.session

	a.heartbeat.cancel()
	a.heartbeat = nil

	if !a.setState(CallEnding) {
		return
	}
	a.setState(CallNone)
	a.setSession(nil)

	if from == CallActive && session != nil {
		a.metrics.callEnded(session.StartedAt)
	}

	var callerID string
	if session != nil {
		callerID = session.CallerID
	}
	a.logger.Info("call ended",
		slog.String("callerID", callerID),
		slog.String("reason", reason))

	a.sink.OnMediaChanged(false)
	a.sink.OnCallEnded()
	a.sink.OnStatusChanged(statusReady(a.allow))

	if callerID == "" {
		return
	}
	update := signaling.CallStatusUpdate{
		ReceiverID: a.identity.DeviceID,
		CallerID:   callerID,
		Status:     signaling.StatusEnded,
	}
	dispatch(a.loop, a.workers,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, a.transport.SendCallStatus(ctx, update)
		},
		func(_ struct{}, err error) {
			if err != nil {
				a.logger.Debug("failed to report call end", slog.String("error", err.Error()))
			}
		})
}

func (a *admission) stop() {
	a.heartbeat.cancel()
	a.heartbeat = nil
}
