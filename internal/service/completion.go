// completion.go — многошаговый workflow отправки completion.
//
// Последовательность строго синхронная (шаги не параллелятся):
//  1. локальная валидация имени (без сетевых вызовов при отказе);
//  2. последовательная загрузка фото — прерывание на первом сбое;
//  3. отправка completion payload;
//  4. post-success refresh снимка (исчезнувший выбор откатывает в list).
//
// Последовательные загрузки дают детерминированный прогресс; повторный
// вход на время workflow блокируется per-session guard'ом.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/snaglist/portal-module/internal/domain/model"
)

var completionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pm_completions_total",
	Help: "Количество завершённых completion-workflow по результату.",
}, []string{"result"})

var (
	// ErrNameRequired — имя контрактора пустое после trim (локальная
	// валидация, ни одного сетевого вызова не выполняется)
	ErrNameRequired = errors.New("имя контрактора обязательно")
	// ErrCompletionNotAllowed — уровень доступа ссылки не допускает completion
	ErrCompletionNotAllowed = errors.New("уровень доступа не допускает отправку completion")
	// ErrSubmissionInFlight — completion уже выполняется (re-entrancy guard)
	ErrSubmissionInFlight = errors.New("отправка completion уже выполняется")
	// ErrUnknownSnag — запись отсутствует в текущем снимке
	ErrUnknownSnag = errors.New("запись отсутствует в текущем снимке")
)

// Photo — одно прикреплённое фото для загрузки.
type Photo struct {
	Filename string
	Data     io.Reader
}

// CompletionService — отправка completion для одной записи.
type CompletionService struct {
	logger *slog.Logger
}

// NewCompletionService создаёт сервис completion.
func NewCompletionService(logger *slog.Logger) *CompletionService {
	return &CompletionService{
		logger: logger.With(slog.String("component", "completion")),
	}
}

// Submit выполняет полный workflow completion для записи snagID сессии sess.
//
// Гарантии:
//   - статус записи продвигается только при accessLevel update|full;
//   - фото загружаются строго последовательно, первый сбой прерывает
//     весь workflow с его причиной;
//   - на время workflow повторные Submit той же сессии отклоняются.
func (c *CompletionService) Submit(
	ctx context.Context,
	sess *PortalSession,
	snagID string,
	contractorName string,
	notes string,
	photos []Photo,
) (*model.CompletionResult, error) {
	// Шаг 1: локальная валидация — fail fast без сети
	contractorName = strings.TrimSpace(contractorName)
	if contractorName == "" {
		return nil, ErrNameRequired
	}

	if !sess.submitting.CompareAndSwap(false, true) {
		return nil, ErrSubmissionInFlight
	}
	defer sess.submitting.Store(false)

	link := sess.State().Link()
	if link == nil || !link.AccessLevel.CanSubmitCompletion() {
		return nil, ErrCompletionNotAllowed
	}

	snap := sess.State().Snapshot()
	if snap == nil {
		return nil, ErrUnknownSnag
	}
	if _, ok := snap.Find(snagID); !ok {
		return nil, ErrUnknownSnag
	}

	// Шаг 2: последовательная загрузка фото
	var photoURLs []string
	for i, photo := range photos {
		url, err := sess.backend.UploadPhoto(ctx, sess.Credential(), photo.Filename, photo.Data)
		if err != nil {
			completionsTotal.WithLabelValues("upload_failed").Inc()
			return nil, fmt.Errorf("загрузка фото %d из %d: %w", i+1, len(photos), err)
		}
		photoURLs = append(photoURLs, url)
	}

	// Шаг 3: отправка completion payload
	sub := &model.CompletionSubmission{
		ContractorName: contractorName,
		Notes:          strings.TrimSpace(notes),
		PhotoURLs:      photoURLs,
	}
	result, err := sess.backend.SubmitCompletion(ctx, sess.Token(), sess.Credential(), snagID, sub)
	if err != nil {
		completionsTotal.WithLabelValues("submit_failed").Inc()
		return nil, err
	}

	completionsTotal.WithLabelValues("ok").Inc()
	c.logger.Info("Completion отправлен",
		slog.String("snag_id", snagID),
		slog.Int("photos", len(photoURLs)),
		slog.String("new_status", string(result.NewStatus)),
	)

	// Шаг 4: post-success refresh — обновлённый статус записи попадает
	// в снимок сразу, не дожидаясь следующего polling-тика.
	// Сбой refresh не отменяет успешный completion.
	if err := sess.Refresh(ctx); err != nil {
		c.logger.Debug("Refresh после completion не выполнен",
			slog.String("error", err.Error()),
		)
	}

	return result, nil
}
