// Пакет ratelimit — ограничитель частоты вызовов с отбрасыванием.
//
// Limiter пропускает не более limit вызовов за окно window; лишние
// вызовы отбрасываются (не откладываются). Счётчик атомарный и
// сбрасывается таймером, который запускается первым вызовом и
// перевзводится каждое окно до Stop.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// Limiter — ограничитель N вызовов за окно.
type Limiter struct {
	limit  int64
	window time.Duration
	count  atomic.Int64

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// New создаёт ограничитель. limit <= 0 означает «отбрасывать всё».
func New(limit int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{limit: int64(limit), window: window}
}

// Allow засчитывает вызов и сообщает, укладывается ли он в лимит окна.
func (l *Limiter) Allow() bool {
	n := l.count.Add(1)
	l.arm()
	return n <= l.limit
}

// arm запускает таймер сброса при первом вызове.
func (l *Limiter) arm() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil || l.stopped {
		return
	}
	l.timer = time.AfterFunc(l.window, l.reset)
}

// reset обнуляет счётчик и перевзводит таймер.
func (l *Limiter) reset() {
	l.count.Store(0)

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.stopped {
		l.timer.Reset(l.window)
	}
}

// Stop останавливает таймер. После Stop счётчик больше не сбрасывается.
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	if l.timer != nil {
		l.timer.Stop()
	}
}

// Wrap возвращает обёртку над fn, вызывающую её только в пределах лимита.
func Wrap[T any](l *Limiter, fn func(T)) func(T) {
	return func(v T) {
		if l.Allow() {
			fn(v)
		}
	}
}
