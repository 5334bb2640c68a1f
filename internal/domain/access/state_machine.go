// Пакет access — конечный автомат портальной сессии Magic Link.
//
// Жизненный цикл:
//
//	loading → pin_required → list ⇄ detail
//	loading → no_pin_pending → list ⇄ detail
//	loading | pin_required | no_pin_pending → error (терминальное)
//
// В каждый момент времени активна ровно одна стадия. Snapshot принадлежит
// автомату и заменяется только целиком (ReplaceSnapshot).
// Потокобезопасен через sync.RWMutex.
package access

import (
	"fmt"
	"sync"

	"github.com/snaglist/portal-module/internal/domain/model"
)

// Stage — стадия портальной сессии.
type Stage string

const (
	// StageLoading — начальная стадия: валидация ссылки выполняется
	StageLoading Stage = "loading"
	// StagePinRequired — ссылка валидна, ожидается ввод PIN
	StagePinRequired Stage = "pin_required"
	// StageNoPinPending — ссылка без PIN, ожидается первый снимок
	StageNoPinPending Stage = "no_pin_pending"
	// StageList — аутентифицировано, список snag
	StageList Stage = "list"
	// StageDetail — аутентифицировано, просмотр одной записи
	StageDetail Stage = "detail"
	// StageError — терминальная стадия (невалидная/истёкшая ссылка, lockout)
	StageError Stage = "error"
)

// validTransitions — матрица допустимых переходов.
// Ключ — текущая стадия, значение — набор допустимых целевых стадий.
// Переход в error допустим из любой стадии и в матрице не перечисляется
// (см. Fail). Из error переходов нет.
var validTransitions = map[Stage]map[Stage]bool{
	StageLoading:      {StagePinRequired: true, StageNoPinPending: true},
	StagePinRequired:  {StageList: true},
	StageNoPinPending: {StageList: true},
	StageList:         {StageDetail: true},
	StageDetail:       {StageList: true},
	StageError:        {},
}

// Failure — описание терминальной ошибки сессии.
type Failure struct {
	// Message — человекочитаемое сообщение (reason backend или fallback)
	Message string
	// Expired — эвристика «ссылка истекла» (substring match по reason)
	Expired bool
	// Locked — lockout после исчерпания попыток PIN
	Locked bool
}

// TransitionError — ошибка недопустимого перехода или операции.
type TransitionError struct {
	Code    string // INVALID_TRANSITION, UNKNOWN_SNAG
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// StateMachine — конечный автомат портальной сессии.
// Владеет авторитетной in-memory копией Snapshot и текущим выбором detail.
type StateMachine struct {
	mu       sync.RWMutex
	stage    Stage
	link     *model.LinkInfo
	snapshot *model.Snapshot
	// selectedID — id выбранной записи в detail (пустая строка в остальных стадиях)
	selectedID string
	// attemptsRemaining — остаток попыток PIN (nil — backend не сообщал)
	attemptsRemaining *int
	// pinError — сообщение последней отклонённой попытки PIN
	pinError string
	failure  *Failure
}

// NewStateMachine создаёт автомат в стадии loading.
func NewStateMachine() *StateMachine {
	return &StateMachine{stage: StageLoading}
}

// Stage возвращает текущую стадию.
func (sm *StateMachine) Stage() Stage {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stage
}

// Link возвращает метаданные ссылки (nil до успешной валидации).
func (sm *StateMachine) Link() *model.LinkInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.link
}

// Snapshot возвращает текущий снимок (nil до аутентификации).
// Возвращается указатель на целиком заменяемый снимок: сравнение
// указателей — корректный признак «снимок не менялся».
func (sm *StateMachine) Snapshot() *model.Snapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.snapshot
}

// Selected возвращает выбранную в detail запись.
// ok=false в стадиях, отличных от detail.
func (sm *StateMachine) Selected() (*model.Snag, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.stage != StageDetail || sm.snapshot == nil {
		return nil, false
	}
	return sm.snapshot.Find(sm.selectedID)
}

// PinState возвращает остаток попыток и сообщение последней отклонённой
// попытки PIN (для стадии pin_required).
func (sm *StateMachine) PinState() (attemptsRemaining *int, pinError string) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.attemptsRemaining, sm.pinError
}

// Failure возвращает описание терминальной ошибки (nil вне стадии error).
func (sm *StateMachine) Failure() *Failure {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.failure
}

// RequirePin переводит loading → pin_required после валидации ссылки с PIN.
func (sm *StateMachine) RequirePin(link *model.LinkInfo) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if err := sm.checkTransition(StagePinRequired); err != nil {
		return err
	}
	sm.stage = StagePinRequired
	sm.link = link
	return nil
}

// AwaitSnapshot переводит loading → no_pin_pending для ссылок без PIN:
// ожидается немедленная загрузка полного снимка.
func (sm *StateMachine) AwaitSnapshot(link *model.LinkInfo) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if err := sm.checkTransition(StageNoPinPending); err != nil {
		return err
	}
	sm.stage = StageNoPinPending
	sm.link = link
	return nil
}

// Authenticate переводит pin_required | no_pin_pending → list
// с начальным снимком.
func (sm *StateMachine) Authenticate(snap *model.Snapshot) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if err := sm.checkTransition(StageList); err != nil {
		return err
	}
	sm.stage = StageList
	sm.snapshot = snap
	sm.attemptsRemaining = nil
	sm.pinError = ""
	return nil
}

// PinRejected фиксирует отклонённую попытку PIN.
// Стадия не меняется: автомат остаётся в pin_required с обновлённым
// счётчиком попыток. Lockout (attemptsRemaining == 0) решает вызывающий
// код через Fail.
func (sm *StateMachine) PinRejected(message string, attemptsRemaining *int) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.stage != StagePinRequired {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("попытка PIN в стадии %s", sm.stage),
		}
	}
	sm.pinError = message
	sm.attemptsRemaining = attemptsRemaining
	return nil
}

// SelectSnag переводит list → detail. Идентификатор обязан присутствовать
// в текущем снимке.
func (sm *StateMachine) SelectSnag(id string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if err := sm.checkTransition(StageDetail); err != nil {
		return err
	}
	if sm.snapshot == nil {
		return &TransitionError{Code: "UNKNOWN_SNAG", Message: "снимок ещё не загружен"}
	}
	if _, ok := sm.snapshot.Find(id); !ok {
		return &TransitionError{
			Code:    "UNKNOWN_SNAG",
			Message: fmt.Sprintf("snag %q отсутствует в текущем снимке", id),
		}
	}
	sm.stage = StageDetail
	sm.selectedID = id
	return nil
}

// Back переводит detail → list и сбрасывает выбор.
func (sm *StateMachine) Back() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if err := sm.checkTransition(StageList); err != nil {
		return err
	}
	sm.stage = StageList
	sm.selectedID = ""
	return nil
}

// ReplaceSnapshot заменяет снимок целиком (poller или явный refresh).
// Допустим только в стадиях list и detail; стадия при замене не меняется,
// кроме fallback: если выбранная в detail запись исчезла из нового снимка
// (например, отозван доступ к ней), автомат возвращается в list и
// сбрасывает выбор. Возвращает true, если fallback произошёл.
func (sm *StateMachine) ReplaceSnapshot(snap *model.Snapshot) (fellBack bool, err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.stage != StageList && sm.stage != StageDetail {
		return false, &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("замена снимка в стадии %s", sm.stage),
		}
	}
	sm.snapshot = snap
	if sm.stage == StageDetail {
		if _, ok := snap.Find(sm.selectedID); !ok {
			sm.stage = StageList
			sm.selectedID = ""
			return true, nil
		}
	}
	return false, nil
}

// Fail переводит автомат в терминальную стадию error из любой стадии.
// Повторный Fail в стадии error игнорируется: первая ошибка сохраняется.
func (sm *StateMachine) Fail(f Failure) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.stage == StageError {
		return
	}
	sm.stage = StageError
	sm.failure = &f
	sm.selectedID = ""
}

// checkTransition проверяет допустимость перехода по матрице.
// Вызывается под мьютексом.
func (sm *StateMachine) checkTransition(target Stage) error {
	transitions, ok := validTransitions[sm.stage]
	if !ok || !transitions[target] {
		return &TransitionError{
			Code:    "INVALID_TRANSITION",
			Message: fmt.Sprintf("переход %s → %s недопустим", sm.stage, target),
		}
	}
	return nil
}
