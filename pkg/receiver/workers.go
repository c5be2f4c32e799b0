package receiver

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// workers ограниченный пул для сетевых операций.
// Задачи не блокируют цикл: если пул заполнен, задача отклоняется.
type workers struct {
	ctx    context.Context
	cancel context.CancelFunc
	g      errgroup.Group
}

func newWorkers(parent context.Context, limit int) *workers {
	ctx, cancel := context.WithCancel(parent)
	w := &workers{ctx: ctx, cancel: cancel}
	w.g.SetLimit(limit)
	return w
}

func (w *workers) try(job func(ctx context.Context)) bool {
	if w.ctx.Err() != nil {
		return false
	}
	return w.g.TryGo(func() error {
		job(w.ctx)
		return nil
	})
}

// shutdown отменяет контекст задач и ждёт их завершения
func (w *workers) shutdown() {
	w.cancel()
	_ = w.g.Wait()
}

// dispatch выполняет job в пуле и возвращает результат в цикл через onResult.
// Если пул заполнен, onResult получает ErrWorkersBusy (тоже через цикл).
// После остановки цикла результат отбрасывается.
func dispatch[T any](l *loop, w *workers, job func(ctx context.Context) (T, error), onResult func(T, error)) {
	ok := w.try(func(ctx context.Context) {
		v, err := job(ctx)
		l.post(func() { onResult(v, err) })
	})
	if !ok {
		var zero T
		l.post(func() { onResult(zero, ErrWorkersBusy) })
	}
}
