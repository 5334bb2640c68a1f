// snags.go — обработчики записей портальной сессии.
// GET  /portal/v1/session/snags — явный refresh и текущий снимок
// GET  /portal/v1/session/snags/{snagId} — одна запись от backend
// POST /portal/v1/session/snags/{snagId}/complete — completion workflow (multipart)
// GET  /portal/v1/session/report — streaming passthrough отчёта
package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/snaglist/portal-module/internal/api/errors"
	"github.com/snaglist/portal-module/internal/api/middleware"
	"github.com/snaglist/portal-module/internal/backend"
	"github.com/snaglist/portal-module/internal/service"
)

// handleListSnags — GET /portal/v1/session/snags.
// Выполняет явный refresh снимка (ручное обновление на клиенте) и
// возвращает состояние. Между refresh снимок обновляет фоновый poller.
func (h *PortalHandler) handleListSnags(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())

	if err := sess.Refresh(r.Context()); err != nil {
		if errors.Is(err, service.ErrNotAuthenticated) {
			h.writeStageError(w, sess)
			return
		}
		h.writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderState(sess))
}

// handleGetSnag — GET /portal/v1/session/snags/{snagId}.
// Запрашивает одну запись напрямую у backend: detail-просмотр получает
// свежие данные (фото, описание), не дожидаясь тика poller.
func (h *PortalHandler) handleGetSnag(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	snagID := chi.URLParam(r, "snagId")

	snag, err := sess.GetSnag(r.Context(), snagID)
	if err != nil {
		h.writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snag)
}

// completeResponse — ответ completion workflow.
type completeResponse struct {
	Message      string     `json:"message"`
	CompletionID string     `json:"completionId,omitempty"`
	NewStatus    string     `json:"newStatus,omitempty"`
	State        *stateView `json:"state"`
}

// handleComplete — POST /portal/v1/session/snags/{snagId}/complete.
// Multipart-форма: contractorName (обязательно), notes, photos (0..N файлов).
// Фото загружаются последовательно; сбой любой загрузки прерывает workflow
// до отправки completion.
func (h *PortalHandler) handleComplete(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())
	snagID := chi.URLParam(r, "snagId")

	// Крупные фото spill'ятся во временные файлы, в памяти держится
	// только небольшой буфер
	r.Body = http.MaxBytesReader(w, r.Body, h.uploadMaxBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var mbErr *http.MaxBytesError
		if errors.As(err, &mbErr) {
			apierrors.FileTooLarge(w, fmt.Sprintf("Upload exceeds limit of %d bytes", h.uploadMaxBytes))
			return
		}
		apierrors.ValidationError(w, "Expected multipart/form-data body")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	contractorName := r.FormValue("contractorName")
	notes := r.FormValue("notes")

	// Порядок фото в форме сохраняется: загрузка строго последовательная
	var photos []service.Photo
	var opened []io.Closer
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	for _, fh := range r.MultipartForm.File["photos"] {
		f, err := fh.Open()
		if err != nil {
			apierrors.ValidationError(w, "Malformed multipart body")
			return
		}
		opened = append(opened, f)
		photos = append(photos, service.Photo{
			Filename: fh.Filename,
			Data:     f,
		})
	}

	result, err := h.completion.Submit(r.Context(), sess, snagID, contractorName, notes, photos)
	if err != nil {
		h.writeCompletionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, completeResponse{
		Message:      result.Message,
		CompletionID: result.CompletionID,
		NewStatus:    string(result.NewStatus),
		State:        renderState(sess),
	})
}

// handleDownloadReport — GET /portal/v1/session/report.
// Streaming passthrough отчёта от backend без буферизации в памяти.
func (h *PortalHandler) handleDownloadReport(w http.ResponseWriter, r *http.Request) {
	sess := middleware.SessionFromContext(r.Context())

	report, err := sess.DownloadReport(r.Context())
	if err != nil {
		h.writeBackendError(w, err)
		return
	}
	defer report.Body.Close()

	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": report.Filename}))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, report.Body); err != nil {
		// Заголовки уже отправлены: только логируем обрыв
		h.logger.Warn("Отдача отчёта прервана",
			slog.String("error", err.Error()),
		)
	}
}

// writeCompletionError отображает ошибки completion workflow на HTTP-ответы.
func (h *PortalHandler) writeCompletionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNameRequired):
		apierrors.ValidationError(w, "Contractor name is required")
	case errors.Is(err, service.ErrCompletionNotAllowed):
		apierrors.Forbidden(w, "This link does not allow marking snags as complete")
	case errors.Is(err, service.ErrSubmissionInFlight):
		apierrors.SubmissionInFlight(w, "A submission is already in progress")
	case errors.Is(err, service.ErrUnknownSnag):
		apierrors.NotFound(w, "Snag not found in current snapshot")
	default:
		h.writeBackendError(w, err)
	}
}

// writeBackendError отображает ошибки backend на HTTP-ответы.
// Reason из *APIError отдаётся клиенту как есть — backend формулирует
// сообщения для контрактора; сетевые сбои сворачиваются в 502.
func (h *PortalHandler) writeBackendError(w http.ResponseWriter, err error) {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusNotFound:
			apierrors.NotFound(w, apiErr.Reason)
		case http.StatusUnauthorized, http.StatusForbidden:
			apierrors.Forbidden(w, apiErr.Reason)
		default:
			apierrors.BackendUnavailable(w, apiErr.Reason)
		}
		return
	}

	h.logger.Warn("Запрос к backend не выполнен", slog.String("error", err.Error()))
	apierrors.BackendUnavailable(w, backend.FallbackReason)
}
