package receiver

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/arzzra/soft_receiver/pkg/signaling"
)

var errProbe = &signaling.TransportError{
	Kind:   signaling.KindUnreachable,
	Op:     "probe",
	Detail: "connection refused",
}

// fakeTransport управляемая реализация signaling.Transport для тестов
type fakeTransport struct {
	mu sync.Mutex

	probeErr    error
	probeFails  int // число первых Probe, завершающихся ошибкой
	registerErr error
	pollErr     error
	acceptErr   error
	checkErr    error
	active      bool
	invitations []signaling.Invitation

	// acceptGate блокирует SendCallStatus(accepted) до закрытия
	acceptGate chan struct{}

	probes      int
	registers   int
	polls       int
	checks      int
	statuses    []signaling.CallStatusUpdate
	registered  []signaling.Registration
	closed      bool
	concurrent  int
	maxParallel int

	// значение probes на момент первого опроса
	probesAtFirstPoll int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{active: true}
}

var _ signaling.Transport = (*fakeTransport)(nil)

func (f *fakeTransport) enter() {
	f.mu.Lock()
	f.concurrent++
	if f.concurrent > f.maxParallel {
		f.maxParallel = f.concurrent
	}
	f.mu.Unlock()
}

func (f *fakeTransport) leave() {
	f.mu.Lock()
	f.concurrent--
	f.mu.Unlock()
}

func (f *fakeTransport) Probe(ctx context.Context) error {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.probeFails > 0 {
		f.probeFails--
		return errProbe
	}
	return f.probeErr
}

func (f *fakeTransport) Register(ctx context.Context, reg signaling.Registration) error {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers++
	f.registered = append(f.registered, reg)
	return f.registerErr
}

func (f *fakeTransport) PollInvitations(ctx context.Context, deviceID string) (*signaling.Invitation, error) {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls == 1 {
		f.probesAtFirstPoll = f.probes
	}
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if len(f.invitations) == 0 {
		return nil, nil
	}
	inv := f.invitations[0]
	f.invitations = f.invitations[1:]
	return &inv, nil
}

func (f *fakeTransport) SendCallStatus(ctx context.Context, update signaling.CallStatusUpdate) error {
	f.enter()
	defer f.leave()

	f.mu.Lock()
	gate := f.acceptGate
	f.mu.Unlock()
	if gate != nil && update.Status == signaling.StatusAccepted {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, update)
	if update.Status == signaling.StatusAccepted {
		return f.acceptErr
	}
	return nil
}

func (f *fakeTransport) CheckCall(ctx context.Context, receiverID, callerID string) (bool, error) {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.active, f.checkErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) set(fn func(f *fakeTransport)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeTransport) invite(callerID string) {
	f.set(func(f *fakeTransport) {
		f.invitations = append(f.invitations, signaling.Invitation{CallerID: callerID, ReceivedAt: time.Now()})
	})
}

func (f *fakeTransport) counts() (probes, registers, polls, checks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes, f.registers, f.polls, f.checks
}

func (f *fakeTransport) statusesFor(status signaling.CallStatus) []signaling.CallStatusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signaling.CallStatusUpdate
	for _, u := range f.statuses {
		if u.Status == status {
			out = append(out, u)
		}
	}
	return out
}

// testEvent событие, полученное recordingSink
type testEvent struct {
	Time      time.Time
	EventType string
	Details   string
}

// recordingSink собирает события EventSink для проверки в тестах
type recordingSink struct {
	mu     sync.RWMutex
	events []testEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{events: make([]testEvent, 0)}
}

var _ EventSink = (*recordingSink)(nil)

func (r *recordingSink) add(eventType, details string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, testEvent{Time: time.Now(), EventType: eventType, Details: details})
}

func (r *recordingSink) OnStatusChanged(text string)     { r.add("status", text) }
func (r *recordingSink) OnConnectionError(detail string) { r.add("connection_error", detail) }
func (r *recordingSink) OnAccepting(callerID string)     { r.add("accepting", callerID) }
func (r *recordingSink) OnRejected(callerID string)      { r.add("rejected", callerID) }
func (r *recordingSink) OnCallActive(callerID string)    { r.add("call_active", callerID) }
func (r *recordingSink) OnCallError(detail string)       { r.add("call_error", detail) }
func (r *recordingSink) OnCallEnded()                    { r.add("call_ended", "") }
func (r *recordingSink) OnMediaChanged(enabled bool) {
	if enabled {
		r.add("media", "on")
		return
	}
	r.add("media", "off")
}

// count число событий данного типа
func (r *recordingSink) count(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

// statuses все строки статуса по порядку
func (r *recordingSink) statuses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, e := range r.events {
		if e.EventType == "status" {
			out = append(out, e.Details)
		}
	}
	return out
}

func (r *recordingSink) hasStatusPrefix(prefix string) bool {
	for _, s := range r.statuses() {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

func (r *recordingSink) lastStatus() string {
	st := r.statuses()
	if len(st) == 0 {
		return ""
	}
	return st[len(st)-1]
}

func (r *recordingSink) total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

func (r *recordingSink) types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastConfig конфигурация с короткими интервалами для тестов
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.AllowedCallers = []string{"caller_device_001"}
	cfg.ReconnectBackoff = 30 * time.Millisecond
	cfg.MaxReconnectBackoff = 30 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.StartupDelay = 0
	return cfg
}
