package access

import (
	"errors"
	"testing"
	"time"

	"github.com/snaglist/portal-module/internal/domain/model"
)

// testLink создаёт LinkInfo для тестов.
func testLink(requiresPin bool) *model.LinkInfo {
	return &model.LinkInfo{
		ID:          "link-1",
		Label:       "Shared Snags",
		AccessLevel: model.AccessUpdate,
		RequiresPin: requiresPin,
		SnagIDs:     []string{"snag-1", "snag-2"},
	}
}

// testSnapshot создаёт снимок с указанными id записей.
func testSnapshot(ids ...string) *model.Snapshot {
	snap := &model.Snapshot{TotalCount: len(ids)}
	for _, id := range ids {
		snap.Snags = append(snap.Snags, model.Snag{
			ID:        id,
			Title:     "Запись " + id,
			Status:    model.StatusOpen,
			UpdatedAt: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
		})
	}
	return snap
}

// authenticated создаёт автомат в стадии list с указанным снимком.
func authenticated(t *testing.T, snap *model.Snapshot) *StateMachine {
	t.Helper()
	sm := NewStateMachine()
	if err := sm.RequirePin(testLink(true)); err != nil {
		t.Fatalf("RequirePin: %v", err)
	}
	if err := sm.Authenticate(snap); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	return sm
}

// TestStateMachine_InitialStage проверяет начальную стадию loading.
func TestStateMachine_InitialStage(t *testing.T) {
	sm := NewStateMachine()
	if sm.Stage() != StageLoading {
		t.Errorf("Stage = %q, ожидалась %q", sm.Stage(), StageLoading)
	}
	if sm.Link() != nil {
		t.Error("Link должен быть nil до валидации")
	}
	if sm.Snapshot() != nil {
		t.Error("Snapshot должен быть nil до аутентификации")
	}
}

// TestStateMachine_PinFlow проверяет путь loading → pin_required → list.
func TestStateMachine_PinFlow(t *testing.T) {
	sm := NewStateMachine()

	if err := sm.RequirePin(testLink(true)); err != nil {
		t.Fatalf("RequirePin: %v", err)
	}
	if sm.Stage() != StagePinRequired {
		t.Fatalf("Stage = %q, ожидалась %q", sm.Stage(), StagePinRequired)
	}
	if sm.Link() == nil || sm.Link().ID != "link-1" {
		t.Error("Link должен быть сохранён после RequirePin")
	}

	if err := sm.Authenticate(testSnapshot("snag-1")); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if sm.Stage() != StageList {
		t.Errorf("Stage = %q, ожидалась %q", sm.Stage(), StageList)
	}
}

// TestStateMachine_NoPinFlow проверяет путь loading → no_pin_pending → list:
// стадия pin_required для ссылок без PIN не посещается.
func TestStateMachine_NoPinFlow(t *testing.T) {
	sm := NewStateMachine()

	if err := sm.AwaitSnapshot(testLink(false)); err != nil {
		t.Fatalf("AwaitSnapshot: %v", err)
	}
	if sm.Stage() != StageNoPinPending {
		t.Fatalf("Stage = %q, ожидалась %q", sm.Stage(), StageNoPinPending)
	}

	if err := sm.Authenticate(testSnapshot("snag-1")); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if sm.Stage() != StageList {
		t.Errorf("Stage = %q, ожидалась %q", sm.Stage(), StageList)
	}
}

// TestStateMachine_InvalidTransitions проверяет отклонение недопустимых переходов.
func TestStateMachine_InvalidTransitions(t *testing.T) {
	sm := NewStateMachine()

	// loading → list напрямую недопустим
	if err := sm.Authenticate(testSnapshot()); err == nil {
		t.Fatal("ожидалась ошибка перехода loading → list")
	}

	// loading → detail недопустим
	err := sm.SelectSnag("snag-1")
	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("ожидался *TransitionError, получено %v", err)
	}
	if terr.Code != "INVALID_TRANSITION" {
		t.Errorf("Code = %q, ожидался INVALID_TRANSITION", terr.Code)
	}

	// После RequirePin повторный RequirePin недопустим
	if err := sm.RequirePin(testLink(true)); err != nil {
		t.Fatalf("RequirePin: %v", err)
	}
	if err := sm.RequirePin(testLink(true)); err == nil {
		t.Error("ожидалась ошибка повторного RequirePin")
	}
}

// TestStateMachine_PinRejected проверяет фиксацию отклонённой попытки PIN:
// стадия не меняется, счётчик попыток обновляется.
func TestStateMachine_PinRejected(t *testing.T) {
	sm := NewStateMachine()
	if err := sm.RequirePin(testLink(true)); err != nil {
		t.Fatalf("RequirePin: %v", err)
	}

	remaining := 2
	if err := sm.PinRejected("Incorrect PIN", &remaining); err != nil {
		t.Fatalf("PinRejected: %v", err)
	}

	if sm.Stage() != StagePinRequired {
		t.Errorf("Stage = %q, стадия не должна меняться при отклонённом PIN", sm.Stage())
	}
	attempts, pinErr := sm.PinState()
	if attempts == nil || *attempts != 2 {
		t.Errorf("attemptsRemaining = %v, ожидалось 2", attempts)
	}
	if pinErr != "Incorrect PIN" {
		t.Errorf("pinError = %q, ожидалось %q", pinErr, "Incorrect PIN")
	}
}

// TestStateMachine_PinRejectedOutsidePinStage проверяет отклонение попытки PIN
// вне стадии pin_required.
func TestStateMachine_PinRejectedOutsidePinStage(t *testing.T) {
	sm := NewStateMachine()
	if err := sm.PinRejected("whatever", nil); err == nil {
		t.Error("ожидалась ошибка попытки PIN в стадии loading")
	}
}

// TestStateMachine_SelectAndBack проверяет list ⇄ detail.
func TestStateMachine_SelectAndBack(t *testing.T) {
	sm := authenticated(t, testSnapshot("snag-1", "snag-2"))

	if err := sm.SelectSnag("snag-2"); err != nil {
		t.Fatalf("SelectSnag: %v", err)
	}
	if sm.Stage() != StageDetail {
		t.Fatalf("Stage = %q, ожидалась %q", sm.Stage(), StageDetail)
	}
	snag, ok := sm.Selected()
	if !ok || snag.ID != "snag-2" {
		t.Errorf("Selected = %v (%v), ожидалась запись snag-2", snag, ok)
	}

	if err := sm.Back(); err != nil {
		t.Fatalf("Back: %v", err)
	}
	if sm.Stage() != StageList {
		t.Errorf("Stage = %q, ожидалась %q", sm.Stage(), StageList)
	}
	if _, ok := sm.Selected(); ok {
		t.Error("Selected должен быть пуст после Back")
	}
}

// TestStateMachine_SelectUnknownSnag проверяет выбор записи вне снимка.
func TestStateMachine_SelectUnknownSnag(t *testing.T) {
	sm := authenticated(t, testSnapshot("snag-1"))

	err := sm.SelectSnag("missing")
	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("ожидался *TransitionError, получено %v", err)
	}
	if terr.Code != "UNKNOWN_SNAG" {
		t.Errorf("Code = %q, ожидался UNKNOWN_SNAG", terr.Code)
	}
	if sm.Stage() != StageList {
		t.Errorf("Stage = %q, стадия не должна меняться", sm.Stage())
	}
}

// TestStateMachine_ReplaceSnapshot проверяет замену снимка целиком в list.
func TestStateMachine_ReplaceSnapshot(t *testing.T) {
	sm := authenticated(t, testSnapshot("snag-1"))
	next := testSnapshot("snag-1", "snag-2")

	fellBack, err := sm.ReplaceSnapshot(next)
	if err != nil {
		t.Fatalf("ReplaceSnapshot: %v", err)
	}
	if fellBack {
		t.Error("fallback не ожидался в стадии list")
	}
	if sm.Snapshot() != next {
		t.Error("снимок должен быть заменён на новый указатель")
	}
}

// TestStateMachine_ReplaceSnapshotDetailFallback проверяет fallback detail → list
// при исчезновении выбранной записи из нового снимка.
func TestStateMachine_ReplaceSnapshotDetailFallback(t *testing.T) {
	sm := authenticated(t, testSnapshot("snag-1", "snag-2"))
	if err := sm.SelectSnag("snag-2"); err != nil {
		t.Fatalf("SelectSnag: %v", err)
	}

	// snag-2 исчез из нового снимка
	fellBack, err := sm.ReplaceSnapshot(testSnapshot("snag-1"))
	if err != nil {
		t.Fatalf("ReplaceSnapshot: %v", err)
	}
	if !fellBack {
		t.Fatal("ожидался fallback в list")
	}
	if sm.Stage() != StageList {
		t.Errorf("Stage = %q, ожидалась %q", sm.Stage(), StageList)
	}
	if _, ok := sm.Selected(); ok {
		t.Error("выбор должен быть сброшен при fallback")
	}
}

// TestStateMachine_ReplaceSnapshotDetailKeepsSelection проверяет, что замена
// снимка в detail сохраняет выбор, если запись присутствует в новом снимке.
func TestStateMachine_ReplaceSnapshotDetailKeepsSelection(t *testing.T) {
	sm := authenticated(t, testSnapshot("snag-1", "snag-2"))
	if err := sm.SelectSnag("snag-2"); err != nil {
		t.Fatalf("SelectSnag: %v", err)
	}

	fellBack, err := sm.ReplaceSnapshot(testSnapshot("snag-2", "snag-3"))
	if err != nil {
		t.Fatalf("ReplaceSnapshot: %v", err)
	}
	if fellBack {
		t.Error("fallback не ожидался: запись присутствует в новом снимке")
	}
	if sm.Stage() != StageDetail {
		t.Errorf("Stage = %q, ожидалась %q", sm.Stage(), StageDetail)
	}
	snag, ok := sm.Selected()
	if !ok || snag.ID != "snag-2" {
		t.Error("выбор должен сохраниться после замены снимка")
	}
}

// TestStateMachine_ReplaceSnapshotBeforeAuth проверяет отклонение замены
// снимка до аутентификации.
func TestStateMachine_ReplaceSnapshotBeforeAuth(t *testing.T) {
	sm := NewStateMachine()
	if _, err := sm.ReplaceSnapshot(testSnapshot("snag-1")); err == nil {
		t.Error("ожидалась ошибка замены снимка в стадии loading")
	}
}

// TestStateMachine_Fail проверяет терминальную стадию error.
func TestStateMachine_Fail(t *testing.T) {
	sm := NewStateMachine()
	sm.Fail(Failure{Message: "This link is invalid or has expired", Expired: true})

	if sm.Stage() != StageError {
		t.Fatalf("Stage = %q, ожидалась %q", sm.Stage(), StageError)
	}
	f := sm.Failure()
	if f == nil || !f.Expired {
		t.Fatal("Failure должен быть сохранён с флагом Expired")
	}

	// Из error переходов нет
	if err := sm.RequirePin(testLink(true)); err == nil {
		t.Error("ожидалась ошибка перехода из error")
	}
}

// TestStateMachine_FailKeepsFirstFailure проверяет идемпотентность Fail:
// первая ошибка сохраняется, повторный Fail игнорируется.
func TestStateMachine_FailKeepsFirstFailure(t *testing.T) {
	sm := NewStateMachine()
	sm.Fail(Failure{Message: "first"})
	sm.Fail(Failure{Message: "second", Locked: true})

	f := sm.Failure()
	if f.Message != "first" {
		t.Errorf("Message = %q, ожидалось сохранение первой ошибки", f.Message)
	}
	if f.Locked {
		t.Error("повторный Fail не должен перезаписывать ошибку")
	}
}

// TestStateMachine_FailFromAuthenticated проверяет переход в error из list.
func TestStateMachine_FailFromAuthenticated(t *testing.T) {
	sm := authenticated(t, testSnapshot("snag-1"))
	if err := sm.SelectSnag("snag-1"); err != nil {
		t.Fatalf("SelectSnag: %v", err)
	}

	sm.Fail(Failure{Message: "Too many failed attempts. This link has been temporarily locked.", Locked: true})
	if sm.Stage() != StageError {
		t.Errorf("Stage = %q, ожидалась %q", sm.Stage(), StageError)
	}
	if _, ok := sm.Selected(); ok {
		t.Error("выбор должен быть сброшен при переходе в error")
	}
}
