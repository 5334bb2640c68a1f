// poller.go — периодическая синхронизация снимка портальной сессии.
//
// SyncPoller выполняет на каждом тике полный fetch снимка и change-detection
// pass: снимок заменяется целиком только при существенном изменении
// (model.SnapshotChanged). Неудачный тик поглощается — логируется и не
// всплывает к пользователю, polling продолжается со следующего тика без
// backoff: одиночный сетевой сбой не должен прерывать сессию.
//
// Интервал задаётся через PM_POLL_INTERVAL (по умолчанию 30s).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/snaglist/portal-module/internal/domain/access"
	"github.com/snaglist/portal-module/internal/domain/model"
)

// Prometheus-метрики poller.
var (
	pollTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_poll_ticks_total",
		Help: "Общее количество тиков polling-синхронизации.",
	})
	pollErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_poll_errors_total",
		Help: "Количество поглощённых ошибок polling-синхронизации.",
	})
	snapshotReplacementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pm_snapshot_replacements_total",
		Help: "Количество замен снимка по результатам change-detection.",
	})
)

// SnapshotFetcher — функция получения полного снимка от backend.
type SnapshotFetcher func(ctx context.Context) (*model.Snapshot, error)

// SyncPoller — фоновый poller одной портальной сессии.
type SyncPoller struct {
	fetch    SnapshotFetcher
	sm       *access.StateMachine
	interval time.Duration
	logger   *slog.Logger
	// onChange вызывается после каждой замены снимка (опционально)
	onChange func()

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSyncPoller создаёт poller для сессии.
// onChange может быть nil.
func NewSyncPoller(fetch SnapshotFetcher, sm *access.StateMachine, interval time.Duration, onChange func(), logger *slog.Logger) *SyncPoller {
	return &SyncPoller{
		fetch:    fetch,
		sm:       sm,
		interval: interval,
		onChange: onChange,
		logger:   logger.With(slog.String("component", "sync_poller")),
	}
}

// Start запускает фоновую горутину синхронизации.
// Повторный Start уже запущенного poller игнорируется.
// Первый тик — через interval: начальный снимок получен при аутентификации.
func (p *SyncPoller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	go p.run(pollCtx)

	p.logger.Debug("SyncPoller запущен",
		slog.String("interval", p.interval.String()),
	)
}

// Stop останавливает poller. Отмена безусловная и синхронная: in-flight
// запрос не ожидается, его результат отбрасывается через контекст.
// Идемпотентен.
func (p *SyncPoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
		p.logger.Debug("SyncPoller остановлен")
	}
}

// run — основной цикл фоновой горутины.
func (p *SyncPoller) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick выполняет одно обновление: fetch + change-detection + замена.
func (p *SyncPoller) tick(ctx context.Context) {
	// Polling активен только в аутентифицированных стадиях
	stage := p.sm.Stage()
	if stage != access.StageList && stage != access.StageDetail {
		return
	}

	pollTicksTotal.Inc()

	next, err := p.fetch(ctx)
	if err != nil {
		// Ошибка тика поглощается: следующий тик по расписанию
		pollErrorsTotal.Inc()
		p.logger.Debug("Ошибка polling-тика (поглощена)",
			slog.String("error", err.Error()),
		)
		return
	}

	old := p.sm.Snapshot()
	if !model.SnapshotChanged(old, next) {
		// Нет существенных изменений — снимок и ссылка на него не трогаются
		return
	}

	fellBack, err := p.sm.ReplaceSnapshot(next)
	if err != nil {
		// Стадия сменилась между проверкой и заменой — результат отбрасывается
		p.logger.Debug("Замена снимка отклонена автоматом",
			slog.String("error", err.Error()),
		)
		return
	}

	snapshotReplacementsTotal.Inc()
	p.logger.Info("Снимок обновлён по результатам polling",
		slog.Int("snags", len(next.Snags)),
		slog.Bool("detail_fallback", fellBack),
	)

	if p.onChange != nil {
		p.onChange()
	}
}
