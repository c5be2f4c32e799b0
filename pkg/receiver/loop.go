package receiver

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// loop однопоточный цикл событий ядра.
//
// Все переходы состояний выполняются в горутине run строго в порядке поступления.
// Сетевые результаты и срабатывания таймеров попадают сюда через post.
// После stop новые события отбрасываются, а отложенные не выполняются.
type loop struct {
	mu      sync.Mutex
	queue   []func()
	timers  map[*timer]struct{}
	stopped bool

	wake   chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

func newLoop(logger *slog.Logger) *loop {
	return &loop{
		timers: make(map[*timer]struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// run обрабатывает очередь до вызова stop
func (l *loop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		if l.stopped {
			l.queue = nil
			l.mu.Unlock()
			return
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			<-l.wake
			continue
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.exec(fn)
	}
}

// exec выполняет событие; паника в обработчике не останавливает цикл
func (l *loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic recovered in event loop",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}

// post ставит fn в конец очереди. Никогда не блокирует, в том числе из самого цикла.
// Возвращает false, если цикл уже остановлен.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// stop отменяет все таймеры и завершает цикл после текущего события
func (l *loop) stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	for t := range l.timers {
		t.cancelled = true
		if t.t != nil {
			t.t.Stop()
		}
	}
	l.timers = make(map[*timer]struct{})
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// after выполняет fn в цикле через d
func (l *loop) after(d time.Duration, fn func()) *timer {
	t := &timer{l: l, fn: fn}
	l.schedule(t, d)
	return t
}

// every выполняет fn в цикле каждые d, отсчитывая от окончания предыдущего запуска
func (l *loop) every(d time.Duration, fn func()) *timer {
	t := &timer{l: l, fn: fn, period: d}
	l.schedule(t, d)
	return t
}

func (l *loop) schedule(t *timer, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped || t.cancelled {
		return
	}
	l.timers[t] = struct{}{}
	t.t = time.AfterFunc(d, func() {
		l.post(t.fire)
	})
}

// timer отложенный или периодический вызов, принадлежащий циклу
type timer struct {
	l         *loop
	t         *time.Timer
	fn        func()
	period    time.Duration
	cancelled bool // под l.mu
}

// fire выполняется в цикле
func (t *timer) fire() {
	l := t.l

	l.mu.Lock()
	if t.cancelled || l.stopped {
		l.mu.Unlock()
		return
	}
	if t.period == 0 {
		t.cancelled = true
		delete(l.timers, t)
	}
	l.mu.Unlock()

	// периодический таймер переназначается и после паники в fn
	if t.period > 0 {
		defer l.schedule(t, t.period)
	}
	t.fn()
}

// cancel отменяет таймер; безопасно для nil и повторного вызова
func (t *timer) cancel() {
	if t == nil {
		return
	}
	l := t.l

	l.mu.Lock()
	t.cancelled = true
	if t.t != nil {
		t.t.Stop()
	}
	delete(l.timers, t)
	l.mu.Unlock()
}
