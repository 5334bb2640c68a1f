// Пакет model — доменные модели Portal Module.
// Snag, LinkInfo, Snapshot — данные, получаемые от snag backend по Magic Link.
// Portal Module использует эти модели только для чтения: единственная мутация
// (completion) выполняется на стороне backend.
package model

import "time"

// Status — статус жизненного цикла snag.
// Прогрессия нециклическая: open → in_progress → resolved → verified → closed.
// Backend — источник истины; клиент обязан переживать неизвестные значения
// без ошибок (см. IsKnown).
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusVerified   Status = "verified"
	StatusClosed     Status = "closed"
)

// IsKnown сообщает, входит ли статус в известный набор.
// Неизвестные статусы не являются ошибкой — backend может добавить новые.
func (s Status) IsKnown() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved, StatusVerified, StatusClosed:
		return true
	default:
		return false
	}
}

// IsCompleted сообщает, относится ли статус к категории «завершённые»
// в агрегатных счётчиках backend (completedCount).
func (s Status) IsCompleted() bool {
	switch s {
	case StatusResolved, StatusVerified, StatusClosed:
		return true
	default:
		return false
	}
}

// Priority — приоритет snag.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// AccessLevel — уровень доступа Magic Link.
// Определяет доступность completion-формы на клиенте, но не является
// границей безопасности — enforcement выполняет backend.
type AccessLevel string

const (
	// AccessView — только просмотр
	AccessView AccessLevel = "view"
	// AccessUpdate — просмотр + отправка completion
	AccessUpdate AccessLevel = "update"
	// AccessFull — update + дополнительные привилегии backend
	AccessFull AccessLevel = "full"
)

// CanSubmitCompletion сообщает, допускает ли уровень доступа отправку completion.
func (a AccessLevel) CanSubmitCompletion() bool {
	return a == AccessUpdate || a == AccessFull
}

// SnagPhoto — фотография, прикреплённая к snag.
type SnagPhoto struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	Caption      string    `json:"caption,omitempty"`
	IsBefore     bool      `json:"isBefore"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Snag — один дефект (work item), видимый по Magic Link.
type Snag struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority"`
	// Location — свободный текст расположения (опционально)
	Location string `json:"location,omitempty"`
	// Привязка к плану этажа (опционально). PinX/PinY — нормализованные
	// координаты в диапазоне [0,1].
	FloorPlanID       string      `json:"floorPlanId,omitempty"`
	FloorPlanName     string      `json:"floorPlanName,omitempty"`
	FloorPlanImageURL string      `json:"floorPlanImageURL,omitempty"`
	PinX              *float64    `json:"pinX,omitempty"`
	PinY              *float64    `json:"pinY,omitempty"`
	AssignedTo        string      `json:"assignedTo,omitempty"`
	DueDate           string      `json:"dueDate,omitempty"`
	Photos            []SnagPhoto `json:"photos"`
	CreatedAt         time.Time   `json:"createdAt"`
	// UpdatedAt — основной сигнал изменения при polling.
	// С точки зрения клиента монотонно не убывает.
	UpdatedAt     time.Time `json:"updatedAt"`
	CreatedByName string    `json:"createdByName,omitempty"`
}

// LinkInfo — метаданные выданного Magic Link.
// Получаются один раз при валидации и неизменны до конца сессии.
// AccessLevel после выдачи не эскалируется — клиент считает его read-only.
type LinkInfo struct {
	ID          string      `json:"linkId"`
	Label       string      `json:"label"`
	AccessLevel AccessLevel `json:"accessLevel"`
	RequiresPin bool        `json:"requiresPin"`
	// ExpiresAt — срок действия ссылки (nil — бессрочная)
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	// SnagIDs — идентификаторы snag, к которым ссылка даёт доступ
	SnagIDs []string `json:"snagIds"`
	// Денормализованные поля для отображения
	ProjectName    string `json:"projectName,omitempty"`
	ProjectAddress string `json:"projectAddress,omitempty"`
	ContractorName string `json:"contractorName,omitempty"`
	CreatedByName  string `json:"createdByName,omitempty"`
	// Short URL / QR
	Slug      string `json:"slug,omitempty"`
	ShortURL  string `json:"shortUrl,omitempty"`
	QRCodeURL string `json:"qrCodeUrl,omitempty"`
}

// Snapshot — кэшируемая клиентом копия списка snag с агрегатами.
// Заменяется целиком (не мержится пополено) при каждом обнаруженном
// изменении — защита от partial-update багов.
type Snapshot struct {
	Snags      []Snag `json:"snags"`
	TotalCount int    `json:"totalCount"`

	ProjectID      string      `json:"projectId,omitempty"`
	ProjectName    string      `json:"projectName"`
	ProjectAddress string      `json:"projectAddress,omitempty"`
	ContractorName string      `json:"contractorName"`
	AccessLevel    AccessLevel `json:"accessLevel"`

	OpenCount       int `json:"openCount"`
	InProgressCount int `json:"inProgressCount"`
	CompletedCount  int `json:"completedCount"`
}

// Find возвращает snag по идентификатору.
func (s *Snapshot) Find(id string) (*Snag, bool) {
	for i := range s.Snags {
		if s.Snags[i].ID == id {
			return &s.Snags[i], true
		}
	}
	return nil, false
}

// BuildSnapshot собирает Snapshot из inline-списка snag (ответ verify-pin).
// Verify-pin не возвращает агрегатные счётчики — считаем их на клиенте
// по тем же категориям, что и list endpoint (completed = resolved|verified|closed).
func BuildSnapshot(link *LinkInfo, snags []Snag) *Snapshot {
	snap := &Snapshot{
		Snags:      snags,
		TotalCount: len(snags),
	}
	if link != nil {
		snap.ProjectName = link.ProjectName
		snap.ProjectAddress = link.ProjectAddress
		snap.ContractorName = link.ContractorName
		snap.AccessLevel = link.AccessLevel
	}
	for i := range snags {
		switch {
		case snags[i].Status == StatusOpen:
			snap.OpenCount++
		case snags[i].Status == StatusInProgress:
			snap.InProgressCount++
		case snags[i].Status.IsCompleted():
			snap.CompletedCount++
		}
	}
	return snap
}

// SnapshotChanged выполняет change-detection между старым и новым Snapshot.
// Снимки считаются существенно различными, если:
//   - различается количество записей;
//   - какой-либо id из старого снимка отсутствует в новом;
//   - у какой-либо записи различаются status или updatedAt.
//
// Прочие поля (описание, фото, приоритет) сигналом не являются:
// updatedAt покрывает любые серверные мутации.
func SnapshotChanged(old, next *Snapshot) bool {
	if old == nil || next == nil {
		return old != next
	}
	if len(old.Snags) != len(next.Snags) {
		return true
	}
	for i := range old.Snags {
		prev := &old.Snags[i]
		cur, ok := next.Find(prev.ID)
		if !ok {
			return true
		}
		if prev.Status != cur.Status {
			return true
		}
		if !prev.UpdatedAt.Equal(cur.UpdatedAt) {
			return true
		}
	}
	return false
}

// CompletionSubmission — write-only payload отправки completion.
// Конструируется, отправляется один раз и отбрасывается.
type CompletionSubmission struct {
	ContractorName string   `json:"contractorName"`
	Notes          string   `json:"notes,omitempty"`
	PhotoURLs      []string `json:"photoUrls,omitempty"`
}

// CompletionResult — ответ backend на отправку completion.
type CompletionResult struct {
	Message      string `json:"message"`
	CompletionID string `json:"completionId,omitempty"`
	NewStatus    Status `json:"newStatus,omitempty"`
}
