// Пакет taskstate — конечный автомат состояний задачи скачивания.
//
// Жизненный цикл: Waiting → Downloading → Downloaded | Error.
// Downloaded и Error — конечные состояния; повторная постановка задачи
// создаёт новый автомат.
//
// Потокобезопасен через sync.RWMutex.
package taskstate

import (
	"fmt"
	"sync"
	"time"
)

// State — состояние задачи скачивания.
type State string

const (
	// Waiting — задача в очереди, ожидает свободного слота
	Waiting State = "Waiting"
	// Downloading — задача выполняется
	Downloading State = "Downloading"
	// Downloaded — файл скачан, запись добавлена в каталог
	Downloaded State = "Downloaded"
	// Error — скачивание завершилось неудачей
	Error State = "Error"
)

// All — все состояния в порядке жизненного цикла.
var All = []State{Waiting, Downloading, Downloaded, Error}

// TransitionRecord — запись о переходе между состояниями.
type TransitionRecord struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// StateMachine — автомат состояний одной задачи.
type StateMachine struct {
	mu      sync.RWMutex
	current State
	history []TransitionRecord
}

// validTransitions — матрица допустимых переходов.
var validTransitions = map[State]map[State]bool{
	Waiting:     {Downloading: true},
	Downloading: {Downloaded: true, Error: true},
	Downloaded:  {},
	Error:       {},
}

// NewStateMachine создаёт автомат в состоянии Waiting.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		current: Waiting,
		history: make([]TransitionRecord, 0, 2),
	}
}

// Current возвращает текущее состояние.
func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// CanTransitionTo проверяет, допустим ли переход.
func (sm *StateMachine) CanTransitionTo(target State) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return validTransitions[sm.current][target]
}

// TransitionTo выполняет переход в указанное состояние.
//
// Ошибки:
//   - INVALID_STATE — неизвестное целевое состояние
//   - INVALID_TRANSITION — переход недопустим
func (sm *StateMachine) TransitionTo(target State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !target.Valid() {
		return &TransitionError{
			Code:    "INVALID_STATE",
			Message: fmt.Sprintf("недопустимое состояние: %q", target),
		}
	}
	if !validTransitions[sm.current][target] {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("переход %s → %s недопустим", sm.current, target),
		}
	}

	sm.history = append(sm.history, TransitionRecord{
		From:      sm.current,
		To:        target,
		Timestamp: time.Now().UTC(),
	})
	sm.current = target
	return nil
}

// History возвращает историю переходов (копия).
func (sm *StateMachine) History() []TransitionRecord {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	result := make([]TransitionRecord, len(sm.history))
	copy(result, sm.history)
	return result
}

// TransitionError — ошибка перехода между состояниями.
type TransitionError struct {
	Code    string // INVALID_STATE, INVALID_TRANSITION
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Valid проверяет, что состояние известно.
func (s State) Valid() bool {
	switch s {
	case Waiting, Downloading, Downloaded, Error:
		return true
	default:
		return false
	}
}

// Terminal — задача завершена (успешно или с ошибкой).
func (s State) Terminal() bool {
	return s == Downloaded || s == Error
}

// ParseState преобразует строку в State.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("недопустимое состояние: %q, допустимые: Waiting, Downloading, Downloaded, Error", s)
	}
	return st, nil
}
