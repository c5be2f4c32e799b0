package receiver

import (
	"math"
	"math/rand"
	"time"
)

// backoffPolicy задержка между попытками подключения
type backoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // от 0.0 до 1.0
}

func newBackoffPolicy(cfg Config) backoffPolicy {
	return backoffPolicy{
		Initial:    cfg.ReconnectBackoff,
		Max:        cfg.MaxReconnectBackoff,
		Multiplier: 2.0,
		Jitter:     cfg.BackoffJitter,
	}
}

// delay вычисляет задержку перед попыткой attempt (начиная с 1).
// При Max == Initial задержка фиксированная.
func (p backoffPolicy) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// Экспоненциальная задержка
	d := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt-1))

	// Ограничиваем максимальной задержкой
	if limit := float64(p.Max); limit > 0 && d > limit {
		d = limit
	}
	if d < float64(p.Initial) {
		d = float64(p.Initial)
	}

	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1) // от -jitter до +jitter
		if d < 0 {
			d = 0
		}
	}

	return time.Duration(d)
}
