// session.go — портальная сессия Magic Link.
//
// PortalSession владеет конечным автоматом доступа, credential backend
// (single-writer семантика: пишет только поток аутентификации) и poller'ом
// синхронизации. Остановка poller гарантируется на каждом пути завершения:
// явное закрытие, вытеснение из реестра, shutdown сервиса.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/snaglist/portal-module/internal/backend"
	"github.com/snaglist/portal-module/internal/domain/access"
	"github.com/snaglist/portal-module/internal/domain/model"
)

// Prometheus-метрики сессий.
var (
	pinFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_pin_failures_total",
		Help: "Количество отклонённых попыток PIN.",
	})
	lockoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_lockouts_total",
		Help: "Количество сессий, завершившихся lockout после исчерпания попыток PIN.",
	})
)

// Сообщения, видимые контрактору. Backend — англоязычный продукт,
// поэтому подставляемые вместо его reason строки тоже английские.
const (
	// invalidLinkMessage — fallback при отказе валидации без reason
	invalidLinkMessage = "This link is invalid or has expired"
	// lockoutMessage — терминальное сообщение после исчерпания попыток PIN
	lockoutMessage = "Too many failed attempts. This link has been temporarily locked."
)

var (
	// ErrInvalidPin — PIN не состоит ровно из 4 цифр (локальная валидация,
	// запрос к backend не выполняется)
	ErrInvalidPin = errors.New("PIN должен состоять ровно из 4 цифр")
	// ErrPinNotAwaited — попытка PIN вне стадии pin_required
	ErrPinNotAwaited = errors.New("сессия не ожидает ввода PIN")
	// ErrNotAuthenticated — операция требует аутентифицированной стадии
	ErrNotAuthenticated = errors.New("сессия не аутентифицирована")
)

// PortalSession — одна портальная сессия: один открытый Magic Link.
type PortalSession struct {
	// ID — идентификатор сессии в реестре (uuid)
	ID string

	token   string
	backend *backend.Client
	sm      *access.StateMachine
	poller  *SyncPoller
	logger  *slog.Logger

	// mu защищает cred и lastUpdated.
	// cred — единственное разделяемое изменяемое состояние сессии;
	// пишет его только завершившийся шаг аутентификации (§ single-writer).
	mu          sync.Mutex
	cred        backend.Credential
	lastUpdated time.Time

	// submitting — re-entrancy guard completion-workflow
	submitting atomic.Bool

	closeOnce sync.Once
}

// NewPortalSession создаёт сессию в стадии loading.
// pollInterval — интервал синхронизации снимка.
func NewPortalSession(token string, client *backend.Client, pollInterval time.Duration, logger *slog.Logger) *PortalSession {
	s := &PortalSession{
		ID:      uuid.NewString(),
		token:   token,
		backend: client,
		sm:      access.NewStateMachine(),
		logger:  logger.With(slog.String("component", "portal_session")),
	}
	s.poller = NewSyncPoller(s.fetchSnapshot, s.sm, pollInterval, s.markUpdated, logger)
	return s
}

// State возвращает конечный автомат сессии (только чтение для handlers).
func (s *PortalSession) State() *access.StateMachine {
	return s.sm
}

// Token возвращает Magic Link token сессии.
func (s *PortalSession) Token() string {
	return s.token
}

// Credential возвращает текущий credential backend.
func (s *PortalSession) Credential() backend.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

// LastUpdated возвращает время последнего обновления снимка.
func (s *PortalSession) LastUpdated() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdated
}

// Open выполняет валидацию ссылки и начальные переходы автомата:
// loading → pin_required | no_pin_pending → list | error.
// Сетевые сбои и отказы backend не возвращаются ошибкой — они
// фиксируются терминальной стадией error (дальше рендерится состояние).
func (s *PortalSession) Open(ctx context.Context) {
	result, err := s.backend.ValidateLink(ctx, s.token)
	if err != nil {
		// Сетевой сбой на этапе валидации — терминальная ошибка
		s.logger.Warn("Валидация ссылки не выполнена",
			slog.String("error", err.Error()),
		)
		s.sm.Fail(access.Failure{Message: backend.FallbackReason})
		return
	}

	if !result.Valid {
		// Expired классифицируется только по reason backend: fallback-текст
		// сам содержит слово "expired" и сигналом не является
		expired := isExpiredReason(result.Reason)
		reason := result.Reason
		if reason == "" {
			reason = invalidLinkMessage
		}
		s.sm.Fail(access.Failure{
			Message: reason,
			Expired: expired,
		})
		return
	}

	// Backend может выдать credential уже на этапе валидации
	// (ссылки без PIN) — сохраняем до первого списочного вызова.
	if result.Credential != "" {
		s.setCredential(result.Credential)
	}

	if result.RequiresPin {
		if err := s.sm.RequirePin(result.Link); err != nil {
			s.logger.Error("Недопустимый переход при валидации", slog.String("error", err.Error()))
		}
		return
	}

	// Ссылка без PIN: стадия ввода PIN не посещается, сразу полный снимок
	if err := s.sm.AwaitSnapshot(result.Link); err != nil {
		s.logger.Error("Недопустимый переход при валидации", slog.String("error", err.Error()))
		return
	}
	s.authenticate(ctx, nil)
}

// PinOutcome — результат одной попытки PIN.
type PinOutcome struct {
	OK bool
	// Reason — причина отказа (reason backend или fallback)
	Reason string
	// AttemptsRemaining — остаток попыток по данным backend
	AttemptsRemaining *int
	// Locked — попытки исчерпаны, сессия в терминальной стадии error
	Locked bool
}

// VerifyPin отправляет PIN на верификацию.
//
// Локальные ошибки (ErrInvalidPin, ErrPinNotAwaited) возвращаются без
// сетевого вызова. Отказ backend фиксируется в автомате: PinRejected при
// наличии оставшихся попыток, терминальный lockout при attemptsRemaining
// ровно 0 — дальнейшие попытки PIN на клиенте невозможны (источник истины
// по фактическому lockout — backend).
func (s *PortalSession) VerifyPin(ctx context.Context, pin string) (*PinOutcome, error) {
	if s.sm.Stage() != access.StagePinRequired {
		return nil, ErrPinNotAwaited
	}
	if !isValidPin(pin) {
		return nil, ErrInvalidPin
	}

	result, err := s.backend.VerifyPin(ctx, s.token, pin)
	if err != nil {
		var apiErr *backend.APIError
		if !errors.As(err, &apiErr) {
			// Сетевой сбой: стадия не меняется, попытка не засчитывается
			_ = s.sm.PinRejected(backend.FallbackReason, nil)
			return &PinOutcome{OK: false, Reason: backend.FallbackReason}, nil
		}

		pinFailuresTotal.Inc()

		if apiErr.AttemptsRemaining != nil && *apiErr.AttemptsRemaining == 0 {
			// Попытки исчерпаны — терминальный lockout
			lockoutsTotal.Inc()
			s.sm.Fail(access.Failure{Message: lockoutMessage, Locked: true})
			return &PinOutcome{
				OK:                false,
				Reason:            lockoutMessage,
				AttemptsRemaining: apiErr.AttemptsRemaining,
				Locked:            true,
			}, nil
		}

		_ = s.sm.PinRejected(apiErr.Reason, apiErr.AttemptsRemaining)
		return &PinOutcome{
			OK:                false,
			Reason:            apiErr.Reason,
			AttemptsRemaining: apiErr.AttemptsRemaining,
		}, nil
	}

	// Успех: новый credential перезаписывает предыдущий (single writer)
	s.setCredential(result.Credential)
	s.authenticate(ctx, result.Snags)
	return &PinOutcome{OK: true}, nil
}

// authenticate завершает аутентификацию: строит начальный снимок
// (inline-список verify-pin либо полный fetch), переводит автомат в list
// и запускает poller. Ошибка начального fetch после аутентификации —
// терминальная (§ вход в error).
func (s *PortalSession) authenticate(ctx context.Context, inline []model.Snag) {
	var snap *model.Snapshot

	if len(inline) > 0 {
		// Inline-снимок из verify-pin: повторный fetch не нужен
		snap = model.BuildSnapshot(s.sm.Link(), inline)
	} else {
		fetched, err := s.fetchSnapshot(ctx)
		if err != nil {
			s.logger.Warn("Начальный снимок не загружен",
				slog.String("error", err.Error()),
			)
			s.sm.Fail(access.Failure{Message: reasonFromError(err)})
			return
		}
		snap = fetched
	}

	if err := s.sm.Authenticate(snap); err != nil {
		s.logger.Error("Недопустимый переход при аутентификации", slog.String("error", err.Error()))
		return
	}
	s.markUpdated()

	// Poller живёт до закрытия сессии; стадийный guard внутри тика
	s.poller.Start(context.Background())
}

// Refresh выполняет явный fetch снимка (ручное обновление, post-completion).
// Снимок заменяется целиком; при гонке с poller побеждает последняя запись.
func (s *PortalSession) Refresh(ctx context.Context) error {
	stage := s.sm.Stage()
	if stage != access.StageList && stage != access.StageDetail {
		return ErrNotAuthenticated
	}

	snap, err := s.fetchSnapshot(ctx)
	if err != nil {
		return err
	}
	if _, err := s.sm.ReplaceSnapshot(snap); err != nil {
		return err
	}
	s.markUpdated()
	return nil
}

// Select переводит сессию в detail-просмотр записи.
func (s *PortalSession) Select(id string) error {
	return s.sm.SelectSnag(id)
}

// Back возвращает сессию из detail в список.
func (s *PortalSession) Back() error {
	return s.sm.Back()
}

// GetSnag запрашивает одну запись у backend (detail-просмотр мимо снимка).
func (s *PortalSession) GetSnag(ctx context.Context, id string) (*model.Snag, error) {
	return s.backend.GetSnag(ctx, s.token, s.Credential(), id)
}

// DownloadReport запрашивает отчёт по ссылке. Вызывающий код закрывает Body.
func (s *PortalSession) DownloadReport(ctx context.Context) (*backend.Report, error) {
	return s.backend.DownloadReport(ctx, s.token, s.Credential())
}

// Close останавливает poller сессии. Идемпотентен; вызывается при явном
// закрытии, вытеснении из реестра и shutdown.
func (s *PortalSession) Close() {
	s.closeOnce.Do(func() {
		s.poller.Stop()
		s.logger.Debug("Портальная сессия закрыта",
			slog.String("session_id", s.ID),
		)
	})
}

// fetchSnapshot — SnapshotFetcher сессии для poller и явных fetch.
func (s *PortalSession) fetchSnapshot(ctx context.Context) (*model.Snapshot, error) {
	return s.backend.ListSnags(ctx, s.token, s.Credential())
}

func (s *PortalSession) setCredential(cred backend.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = cred
}

func (s *PortalSession) markUpdated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUpdated = time.Now().UTC()
}

// isValidPin проверяет формат PIN: ровно 4 цифры.
func isValidPin(pin string) bool {
	if len(pin) != 4 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// isExpiredReason — эвристика «ссылка истекла»: case-insensitive substring
// match по слову "expired" в reason. Backend не возвращает структурный код,
// различающий expiry от прочей невалидности; эвристика изолирована здесь
// до появления такого кода в контракте.
func isExpiredReason(reason string) bool {
	return strings.Contains(strings.ToLower(reason), "expired")
}

// reasonFromError извлекает человекочитаемую причину из ошибки backend.
// Контрактор никогда не видит сырой технический текст.
func reasonFromError(err error) string {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Reason
	}
	return backend.FallbackReason
}
