// Пакет queue — очередь задач скачивания с ограничением параллелизма.
//
// Задача проходит состояния Waiting → Downloading → Downloaded | Error.
// Допуск выполняет отдельная горутина-диспетчер: по сигналу она
// переводит в Downloading не более одной задачи Waiting за вызов
// admit, пока число активных задач меньше лимита. Каждое завершение
// снова будит диспетчер. Завершённые задачи остаются в очереди
// и автоматически не перезапускаются.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/fetch-module/internal/domain/model"
	"github.com/bigkaa/goartstore/fetch-module/internal/domain/taskstate"
	"github.com/bigkaa/goartstore/fetch-module/internal/ratelimit"
)

// Ошибки очереди.
var (
	// ErrAlreadyActive — задача с таким ID сейчас скачивается
	ErrAlreadyActive = errors.New("задача с таким ID уже выполняется")
	// ErrEmptyID — у задачи нет ID
	ErrEmptyID = errors.New("у задачи не указан ID")
	// ErrStopped — очередь остановлена
	ErrStopped = errors.New("очередь остановлена")
)

// Runner выполняет одну задачу. progress получает процент 0..100,
// вызовы могут приходить из разных горутин.
type Runner interface {
	Run(ctx context.Context, task *model.VideoTask, progress func(float64)) error
}

// RunnerFunc — адаптер функции к Runner.
type RunnerFunc func(ctx context.Context, task *model.VideoTask, progress func(float64)) error

// Run вызывает f.
func (f RunnerFunc) Run(ctx context.Context, task *model.VideoTask, progress func(float64)) error {
	return f(ctx, task, progress)
}

// Options — параметры очереди.
type Options struct {
	// Limit — максимум одновременных скачиваний (≥1)
	Limit int
	// ProgressLimit / ProgressWindow — лимит записей о прогрессе в лог
	ProgressLimit  int
	ProgressWindow time.Duration
}

// Snapshot — состояние задачи на момент запроса.
type Snapshot struct {
	State    taskstate.State `json:"state"`
	Progress float64         `json:"progress"`
	Video    *model.Video    `json:"video"`
	Error    string          `json:"error,omitempty"`
}

type entry struct {
	task      *model.VideoTask
	sm        *taskstate.StateMachine
	progress  float64
	err       error
	startedAt time.Time
}

// Queue — очередь задач скачивания.
type Queue struct {
	runner Runner
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	active  int
	stopped bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New создаёт очередь. Диспетчер запускается методом Start.
func New(runner Runner, opts Options, logger *slog.Logger) *Queue {
	if opts.Limit < 1 {
		opts.Limit = 1
	}
	return &Queue{
		runner:  runner,
		opts:    opts,
		logger:  logger.With(slog.String("component", "queue")),
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start запускает диспетчер. Задачи, поставленные до Start, будут допущены сразу.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
	go q.dispatch()
	q.signal()

	q.logger.Info("Очередь запущена", slog.Int("limit", q.opts.Limit))
}

// Stop отменяет выполняющиеся задачи и ждёт их завершения.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
	q.wg.Wait()
	q.logger.Info("Очередь остановлена")
}

// Submit ставит задачу в Waiting. Задача с тем же ID заменяется,
// если она не выполняется в данный момент.
func (q *Queue) Submit(task *model.VideoTask) error {
	if task.ID == "" {
		return ErrEmptyID
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	if old, ok := q.entries[task.ID]; ok {
		if old.sm.Current() == taskstate.Downloading {
			q.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAlreadyActive, task.ID)
		}
		q.order = slices.DeleteFunc(q.order, func(id string) bool { return id == task.ID })
	}
	t := *task
	q.entries[task.ID] = &entry{task: &t, sm: taskstate.NewStateMachine()}
	q.order = append(q.order, task.ID)
	q.updateGaugesLocked()
	q.mu.Unlock()

	q.logger.Info("Задача поставлена в очередь",
		slog.String("task_id", task.ID),
		slog.String("source", task.Source),
	)
	q.signal()
	return nil
}

// Get возвращает состояние задачи.
func (q *Queue) Get(id string) (Snapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// State возвращает состояние всех задач.
func (q *Queue) State() map[string]Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]Snapshot, len(q.entries))
	for id, e := range q.entries {
		out[id] = e.snapshot()
	}
	return out
}

// Active — число задач в Downloading.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatch — цикл диспетчера.
func (q *Queue) dispatch() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
			for q.admit() {
			}
		}
	}
}

// admit переводит в Downloading первую задачу Waiting, если есть
// свободный слот. Возвращает true, если задача была запущена.
func (q *Queue) admit() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || q.active >= q.opts.Limit {
		return false
	}
	for _, id := range q.order {
		e := q.entries[id]
		if e.sm.Current() != taskstate.Waiting {
			continue
		}
		if err := e.sm.TransitionTo(taskstate.Downloading); err != nil {
			q.logger.Error("Ошибка перехода состояния", slog.String("task_id", id), slog.String("error", err.Error()))
			continue
		}
		e.startedAt = time.Now()
		q.active++
		q.updateGaugesLocked()

		q.wg.Add(1)
		go q.work(id, e)
		return true
	}
	return false
}

// work выполняет задачу и фиксирует результат.
func (q *Queue) work(id string, e *entry) {
	defer q.wg.Done()

	logger := q.logger.With(slog.String("task_id", id))
	logger.Info("Скачивание начато", slog.String("url", e.task.DownloadURL))

	limiter := ratelimit.New(q.opts.ProgressLimit, q.opts.ProgressWindow)
	defer limiter.Stop()
	logProgress := ratelimit.Wrap(limiter, func(p float64) {
		logger.Info("Прогресс скачивания", slog.Float64("progress", math.Round(p*100)/100))
	})

	progress := func(p float64) {
		q.mu.Lock()
		p = clampProgress(p)
		if e.sm.Current() != taskstate.Downloading || p <= e.progress {
			q.mu.Unlock()
			return
		}
		e.progress = p
		q.mu.Unlock()
		logProgress(p)
	}

	task := *e.task
	err := q.run(&task, progress)

	q.mu.Lock()
	target := taskstate.Downloaded
	if err != nil {
		target = taskstate.Error
		e.err = err
	} else {
		e.progress = 100
	}
	if terr := e.sm.TransitionTo(target); terr != nil {
		logger.Error("Ошибка перехода состояния", slog.String("error", terr.Error()))
	}
	q.active--
	elapsed := time.Since(e.startedAt)
	q.updateGaugesLocked()
	q.mu.Unlock()

	taskDuration.Observe(elapsed.Seconds())
	if err != nil {
		tasksTotal.WithLabelValues("error").Inc()
		logger.Error("Скачивание завершилось ошибкой",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", elapsed),
		)
	} else {
		tasksTotal.WithLabelValues("ok").Inc()
		logger.Info("Скачивание завершено", slog.Duration("elapsed", elapsed))
	}

	q.signal()
}

// run вызывает Runner, превращая панику в ошибку.
func (q *Queue) run(task *model.VideoTask, progress func(float64)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("паника при выполнении задачи: %v", r)
		}
	}()
	return q.runner.Run(q.ctx, task, progress)
}

func (q *Queue) updateGaugesLocked() {
	counts := make(map[taskstate.State]int, len(taskstate.All))
	for _, e := range q.entries {
		counts[e.sm.Current()]++
	}
	for _, s := range taskstate.All {
		queueEntries.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	activeDownloads.Set(float64(q.active))
}

func (e *entry) snapshot() Snapshot {
	v := e.task.Video.Clone()
	s := Snapshot{
		State:    e.sm.Current(),
		Progress: e.progress,
		Video:    v,
	}
	if e.err != nil {
		s.Error = e.err.Error()
	}
	return s
}

func clampProgress(p float64) float64 {
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
