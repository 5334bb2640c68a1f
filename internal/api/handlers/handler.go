// handler.go — основной обработчик портального API.
// Объединяет health и портальные обработчики, монтирует маршруты.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snaglist/portal-module/internal/api/middleware"
	"github.com/snaglist/portal-module/internal/backend"
	"github.com/snaglist/portal-module/internal/domain/access"
	"github.com/snaglist/portal-module/internal/domain/model"
	"github.com/snaglist/portal-module/internal/service"
)

// PortalHandler — обработчик портального API.
// Открывает сессии по Magic Link token и обслуживает аутентифицированные
// запросы браузера: состояние, PIN, снимки, completion, отчёт.
type PortalHandler struct {
	health         *HealthHandler
	registry       *service.SessionRegistry
	auth           *middleware.SessionAuth
	completion     *service.CompletionService
	backendClient  *backend.Client
	pollInterval   time.Duration
	uploadMaxBytes int64
	logger         *slog.Logger
}

// NewPortalHandler создаёт обработчик портального API.
func NewPortalHandler(
	health *HealthHandler,
	registry *service.SessionRegistry,
	auth *middleware.SessionAuth,
	completion *service.CompletionService,
	backendClient *backend.Client,
	pollInterval time.Duration,
	uploadMaxBytes int64,
	logger *slog.Logger,
) *PortalHandler {
	return &PortalHandler{
		health:         health,
		registry:       registry,
		auth:           auth,
		completion:     completion,
		backendClient:  backendClient,
		pollInterval:   pollInterval,
		uploadMaxBytes: uploadMaxBytes,
		logger:         logger.With(slog.String("component", "portal_handler")),
	}
}

// Routes монтирует маршруты портального API.
// Открытие сессии (POST /portal/v1/sessions) и health endpoints не требуют
// портального токена; всё остальное — за SessionAuth middleware.
func (h *PortalHandler) Routes(r chi.Router) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Get("/metrics", h.health.GetMetrics)

	r.Post("/portal/v1/sessions", h.handleOpenSession)

	r.Route("/portal/v1/session", func(r chi.Router) {
		r.Use(h.auth.Middleware())

		r.Get("/", h.handleGetState)
		r.Delete("/", h.handleCloseSession)
		r.Post("/pin", h.handleVerifyPin)
		r.Post("/selection", h.handleSelect)
		r.Delete("/selection", h.handleDeselect)
		r.Get("/snags", h.handleListSnags)
		r.Get("/snags/{snagId}", h.handleGetSnag)
		r.Post("/snags/{snagId}/complete", h.handleComplete)
		r.Get("/report", h.handleDownloadReport)
	})
}

// --- Рендеринг состояния сессии ---

// failureView — терминальная ошибка сессии в ответе API.
type failureView struct {
	Message string `json:"message"`
	Expired bool   `json:"expired"`
	Locked  bool   `json:"locked"`
}

// stateView — сериализованное состояние портальной сессии.
// Набор полей зависит от стадии: в pin_required присутствуют
// attemptsRemaining/pinError, в list/detail — snapshot, в error — failure.
type stateView struct {
	Stage             access.Stage    `json:"stage"`
	LinkInfo          *model.LinkInfo `json:"linkInfo,omitempty"`
	Snapshot          *model.Snapshot `json:"snapshot,omitempty"`
	Selected          *model.Snag     `json:"selected,omitempty"`
	AttemptsRemaining *int            `json:"attemptsRemaining,omitempty"`
	PinError          string          `json:"pinError,omitempty"`
	Failure           *failureView    `json:"failure,omitempty"`
	LastUpdated       *time.Time      `json:"lastUpdated,omitempty"`
}

// renderState собирает stateView из текущего состояния сессии.
func renderState(sess *service.PortalSession) *stateView {
	sm := sess.State()
	view := &stateView{
		Stage:    sm.Stage(),
		LinkInfo: sm.Link(),
	}

	switch view.Stage {
	case access.StagePinRequired:
		view.AttemptsRemaining, view.PinError = sm.PinState()

	case access.StageList, access.StageDetail:
		view.Snapshot = sm.Snapshot()
		if snag, ok := sm.Selected(); ok {
			view.Selected = snag
		}
		if t := sess.LastUpdated(); !t.IsZero() {
			view.LastUpdated = &t
		}

	case access.StageError:
		if f := sm.Failure(); f != nil {
			view.Failure = &failureView{
				Message: f.Message,
				Expired: f.Expired,
				Locked:  f.Locked,
			}
		}
	}

	return view
}

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
