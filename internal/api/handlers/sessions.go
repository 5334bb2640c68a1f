// sessions.go — жизненный цикл портальной сессии.
// POST /portal/v1/sessions — открытие сессии по Magic Link token
// GET  /portal/v1/session — текущее состояние сессии
// POST /portal/v1/session/pin — верификация PIN
// POST /portal/v1/session/selection — выбор записи (detail)
// DELETE /portal/v1/session/selection — возврат в список
// DELETE /portal/v1/session — явное закрытие сессии
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/snaglist/portal-module/internal/api/errors"
	"github.com/snaglist/portal-module/internal/api/middleware"
	"github.com/snaglist/portal-module/internal/domain/access"
	"github.com/snaglist/portal-module/internal/service"
)

// openSessionRequest — тело запроса открытия сессии.
type openSessionRequest struct {
	// Token — Magic Link token из URL ссылки.
	// Браузеру он обратно не возвращается: дальше используется
	// только портальный сессионный токен.
	Token string `json:"token"`
}

// openSessionResponse — ответ открытия сессии.
type openSessionResponse struct {
	SessionToken string     `json:"sessionToken"`
	State        *stateView `json:"state"`
}

// handleOpenSession — POST /portal/v1/sessions.
// Валидирует ссылку у backend и создаёт портальную сессию.
// Сессия создаётся и для невалидной ссылки: клиент рендерит
// стадию error из состояния, а не из HTTP-ошибки.
func (h *PortalHandler) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Invalid request body")
		return
	}
	if req.Token == "" {
		apierrors.ValidationError(w, "Missing token")
		return
	}

	sess := service.NewPortalSession(req.Token, h.backendClient, h.pollInterval, h.logger)
	sess.Open(r.Context())

	token, err := h.auth.IssueToken(sess.ID)
	if err != nil {
		sess.Close()
		h.logger.Error("Выдача портального токена не удалась",
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Failed to open session")
		return
	}

	h.registry.Add(sess)

	writeJSON(w, http.StatusCreated, openSessionResponse{
		SessionToken: token,
		State:        renderState(sess),
	})
}

// handleGetState — GET /portal/v1/session.
// Возвращает текущее состояние; снимок обновляется фоновым poller,
// поэтому запрос не ходит к backend.
func (h *PortalHandler) handleGetState(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, renderState(sess))
}

// verifyPinRequest — тело запроса верификации PIN.
type verifyPinRequest struct {
	Pin string `json:"pin"`
}

// verifyPinResponse — результат попытки PIN.
// Отклонённая попытка — ожидаемый доменный исход, а не HTTP-ошибка:
// клиент читает ok/reason/attemptsRemaining и рендерит форму заново.
type verifyPinResponse struct {
	OK                bool       `json:"ok"`
	Reason            string     `json:"reason,omitempty"`
	AttemptsRemaining *int       `json:"attemptsRemaining,omitempty"`
	Locked            bool       `json:"locked,omitempty"`
	State             *stateView `json:"state"`
}

// handleVerifyPin — POST /portal/v1/session/pin.
func (h *PortalHandler) handleVerifyPin(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())

	var req verifyPinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Invalid request body")
		return
	}

	outcome, err := sess.VerifyPin(r.Context(), req.Pin)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidPin):
			apierrors.ValidationError(w, "PIN must be exactly 4 digits")
		case errors.Is(err, service.ErrPinNotAwaited):
			h.writeStageError(w, sess)
		default:
			h.logger.Error("Верификация PIN не выполнена", slog.String("error", err.Error()))
			apierrors.InternalError(w, "PIN verification failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, verifyPinResponse{
		OK:                outcome.OK,
		Reason:            outcome.Reason,
		AttemptsRemaining: outcome.AttemptsRemaining,
		Locked:            outcome.Locked,
		State:             renderState(sess),
	})
}

// selectRequest — тело запроса выбора записи.
type selectRequest struct {
	SnagID string `json:"snagId"`
}

// handleSelect — POST /portal/v1/session/selection.
// Переводит сессию в detail-просмотр записи из текущего снимка.
func (h *PortalHandler) handleSelect(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())

	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Invalid request body")
		return
	}
	if req.SnagID == "" {
		apierrors.ValidationError(w, "Missing snagId")
		return
	}

	if err := sess.Select(req.SnagID); err != nil {
		writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderState(sess))
}

// handleDeselect — DELETE /portal/v1/session/selection.
// Возврат из detail в список.
func (h *PortalHandler) handleDeselect(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())

	if err := sess.Back(); err != nil {
		writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderState(sess))
}

// handleCloseSession — DELETE /portal/v1/session.
// Явное закрытие: вытеснение из реестра останавливает poller.
func (h *PortalHandler) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	h.registry.Remove(sess.ID)
	w.WriteHeader(http.StatusNoContent)
}

// writeStageError отображает операцию в недопустимой стадии на HTTP-ответ.
// Для терминальной стадии различаем lockout (423) и невалидную
// ссылку (410); остальное — конфликт стадий (409).
func (h *PortalHandler) writeStageError(w http.ResponseWriter, sess *service.PortalSession) {
	sm := sess.State()
	if sm.Stage() == access.StageError {
		if f := sm.Failure(); f != nil {
			if f.Locked {
				apierrors.LinkLocked(w, f.Message)
				return
			}
			apierrors.LinkInvalid(w, f.Message)
			return
		}
	}
	apierrors.InvalidState(w, "Operation not allowed in current session stage")
}

// writeTransitionError отображает ошибку конечного автомата на HTTP-ответ.
func writeTransitionError(w http.ResponseWriter, err error) {
	var terr *access.TransitionError
	if errors.As(err, &terr) {
		if terr.Code == "UNKNOWN_SNAG" {
			apierrors.NotFound(w, "Snag not found in current snapshot")
			return
		}
		apierrors.InvalidState(w, "Operation not allowed in current session stage")
		return
	}
	apierrors.InternalError(w, "Internal error")
}
