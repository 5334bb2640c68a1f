// Пакет backend — HTTP-клиент snag backend для Magic Link API.
// Все вызовы JSON-over-HTTPS против фиксированного базового URL.
// Ошибки нормализуются в *APIError: reason извлекается из поля "reason"
// тела ответа, при его отсутствии — generic fallback.
// Поддерживает TLS с кастомным CA (PM_BACKEND_CA_CERT_PATH).
package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/snaglist/portal-module/internal/domain/model"
)

// Credential — opaque bearer-токен сессии, выданный backend после
// верификации PIN (или неявно при валидации ссылки без PIN).
// Пустое значение — credential отсутствует, заголовок не выставляется.
// Владелец — портальная сессия: единственный писатель, передаёт
// credential явно в каждый вызов.
type Credential string

// FallbackReason — generic сообщение, когда backend не прислал reason.
// Контрактор никогда не видит сырой технический текст ошибки.
const FallbackReason = "Network error. Please check your connection."

// ErrUnavailable — сетевая ошибка: backend недоступен или ответ не разобран.
var ErrUnavailable = errors.New("snag backend недоступен")

// APIError — нормализованная ошибка backend (non-2xx ответ).
type APIError struct {
	// Status — HTTP статус-код ответа
	Status int
	// Reason — человекочитаемая причина из поля "reason", либо FallbackReason
	Reason string
	// AttemptsRemaining — остаток попыток PIN (только verify-pin)
	AttemptsRemaining *int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend вернул статус %d: %s", e.Status, e.Reason)
}

// Client — HTTP-клиент snag backend.
// Не хранит credential: он передаётся явно в каждый вызов (single-writer
// семантика на стороне сессии).
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// New создаёт клиент snag backend.
// baseURL — базовый URL backend (например, https://snaglist-backend.fly.dev).
// caCertPath — путь к CA-сертификату для TLS (пустая строка — стандартный пул).
// timeout — таймаут HTTP-запросов (из конфигурации PM_BACKEND_TIMEOUT).
func New(baseURL, caCertPath string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	httpClient := &http.Client{Timeout: timeout}

	if caCertPath != "" {
		tlsConfig, err := buildTLSConfig(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата backend: %w", err)
		}
		httpClient.Transport = &http.Transport{
			TLSClientConfig: tlsConfig,
		}
		logger.Info("CA-сертификат backend добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger.With(slog.String("component", "backend_client")),
	}, nil
}

// ValidateResult — результат валидации Magic Link.
type ValidateResult struct {
	Valid       bool
	RequiresPin bool
	// Link — метаданные ссылки (nil при Valid=false)
	Link *model.LinkInfo
	// Reason — причина отказа backend (при Valid=false)
	Reason string
	// Credential — сессионный токен, если backend выдал его уже на
	// этапе валидации (ссылки без PIN)
	Credential Credential
}

// validateResponse — плоский ответ validate endpoint.
type validateResponse struct {
	Valid          bool       `json:"valid"`
	RequiresPin    bool       `json:"requiresPin"`
	LinkID         string     `json:"linkId"`
	Label          string     `json:"label"`
	AccessLevel    string     `json:"accessLevel"`
	ExpiresAt      *time.Time `json:"expiresAt"`
	SnagIDs        []string   `json:"snagIds"`
	ProjectName    string     `json:"projectName"`
	ProjectAddress string     `json:"projectAddress"`
	ContractorName string     `json:"contractorName"`
	CreatedByName  string     `json:"createdByName"`
	Slug           string     `json:"slug"`
	ShortURL       string     `json:"shortUrl"`
	QRCodeURL      string     `json:"qrCodeUrl"`
	// SessionToken — опциональный pre-issued credential для ссылок без PIN
	SessionToken string `json:"sessionToken"`
	// Reason / ErrorMessage — причина отказа при valid=false.
	// Backend использует оба варианта имени поля.
	Reason       string `json:"reason"`
	ErrorMessage string `json:"error"`
}

// ValidateLink проверяет пригодность Magic Link.
// GET /api/v1/magic-links/{token}/validate
// Отказ backend (истёкшая/отозванная/некорректная ссылка) — не ошибка
// транспорта: возвращается ValidateResult{Valid:false, Reason}.
func (c *Client) ValidateLink(ctx context.Context, token string) (*ValidateResult, error) {
	var resp validateResponse
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/api/v1/magic-links/%s/validate", token), "", nil, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return &ValidateResult{Valid: false, Reason: apiErr.Reason}, nil
		}
		return nil, err
	}

	if !resp.Valid {
		reason := resp.Reason
		if reason == "" {
			reason = resp.ErrorMessage
		}
		return &ValidateResult{Valid: false, Reason: reason}, nil
	}

	label := resp.Label
	if label == "" {
		label = "Shared Snags"
	}
	level := model.AccessLevel(resp.AccessLevel)
	if level == "" {
		level = model.AccessView
	}

	return &ValidateResult{
		Valid:       true,
		RequiresPin: resp.RequiresPin,
		Credential:  Credential(resp.SessionToken),
		Link: &model.LinkInfo{
			ID:             resp.LinkID,
			Label:          label,
			AccessLevel:    level,
			RequiresPin:    resp.RequiresPin,
			ExpiresAt:      resp.ExpiresAt,
			SnagIDs:        resp.SnagIDs,
			ProjectName:    resp.ProjectName,
			ProjectAddress: resp.ProjectAddress,
			ContractorName: resp.ContractorName,
			CreatedByName:  resp.CreatedByName,
			Slug:           resp.Slug,
			ShortURL:       resp.ShortURL,
			QRCodeURL:      resp.QRCodeURL,
		},
	}, nil
}

// VerifyResult — результат успешной верификации PIN.
type VerifyResult struct {
	// Credential — сессионный токен для последующих вызовов
	Credential Credential
	// Snags — inline-снимок записей (избегает повторного fetch)
	Snags []model.Snag
}

// VerifyPin отправляет PIN на верификацию.
// POST /api/v1/magic-links/{token}/verify-pin
// При отказе возвращается *APIError с AttemptsRemaining из тела ответа.
func (c *Client) VerifyPin(ctx context.Context, token, pin string) (*VerifyResult, error) {
	var resp struct {
		SessionToken string       `json:"sessionToken"`
		Snags        []model.Snag `json:"snags"`
	}
	body := map[string]string{"pin": pin}
	if err := c.call(ctx, http.MethodPost, fmt.Sprintf("/api/v1/magic-links/%s/verify-pin", token), "", body, &resp); err != nil {
		return nil, err
	}
	return &VerifyResult{
		Credential: Credential(resp.SessionToken),
		Snags:      resp.Snags,
	}, nil
}

// ListSnags запрашивает полный снимок записей по ссылке.
// GET /api/v1/magic-links/{token}/snags (bearer credential)
func (c *Client) ListSnags(ctx context.Context, token string, cred Credential) (*model.Snapshot, error) {
	snap := &model.Snapshot{}
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/api/v1/magic-links/%s/snags", token), cred, nil, snap); err != nil {
		return nil, err
	}
	if snap.Snags == nil {
		snap.Snags = []model.Snag{}
	}
	return snap, nil
}

// GetSnag запрашивает одну запись.
// GET /api/v1/magic-links/{token}/snags/{id} (bearer credential)
func (c *Client) GetSnag(ctx context.Context, token string, cred Credential, snagID string) (*model.Snag, error) {
	snag := &model.Snag{}
	if err := c.call(ctx, http.MethodGet, fmt.Sprintf("/api/v1/magic-links/%s/snags/%s", token, snagID), cred, nil, snag); err != nil {
		return nil, err
	}
	return snag, nil
}

// SubmitCompletion отправляет completion payload для одной записи.
// POST /api/v1/magic-links/{token}/snags/{id}/complete (bearer credential)
func (c *Client) SubmitCompletion(ctx context.Context, token string, cred Credential, snagID string, sub *model.CompletionSubmission) (*model.CompletionResult, error) {
	result := &model.CompletionResult{}
	path := fmt.Sprintf("/api/v1/magic-links/%s/snags/%s/complete", token, snagID)
	if err := c.call(ctx, http.MethodPost, path, cred, sub, result); err != nil {
		return nil, err
	}
	return result, nil
}

// UploadPhoto загружает одно фото (multipart form, поле file) и
// возвращает URL загруженного файла.
// POST /api/v1/uploads/photo (bearer credential)
func (c *Client) UploadPhoto(ctx context.Context, cred Credential, filename string, file io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("создание multipart части: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("чтение файла %s: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("закрытие multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/uploads/photo", &buf)
	if err != nil {
		return "", fmt.Errorf("создание запроса UploadPhoto: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	setCredential(req, cred)

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: URL из конфигурации
	if err != nil {
		return "", fmt.Errorf("запрос UploadPhoto: %w (%w)", err, ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apiErrorFromResponse(resp)
	}

	var uploadResp struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploadResp); err != nil {
		return "", fmt.Errorf("декодирование ответа UploadPhoto: %w (%w)", err, ErrUnavailable)
	}
	if uploadResp.URL == "" {
		return "", fmt.Errorf("пустой url в ответе UploadPhoto (%w)", ErrUnavailable)
	}
	return uploadResp.URL, nil
}

// Report — поток отчёта по ссылке. Вызывающий код ОБЯЗАН закрыть Body.
type Report struct {
	Body        io.ReadCloser
	Filename    string
	ContentType string
}

// reportDefaultFilename — имя файла при отсутствии Content-Disposition.
const reportDefaultFilename = "snag-report.html"

// DownloadReport выполняет streaming-загрузку отчёта.
// GET /api/v1/magic-links/{token}/pdf (bearer credential)
// Имя файла берётся из Content-Disposition, по умолчанию snag-report.html.
func (c *Client) DownloadReport(ctx context.Context, token string, cred Credential) (*Report, error) {
	reqURL := fmt.Sprintf("%s/api/v1/magic-links/%s/pdf", c.baseURL, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса DownloadReport: %w", err)
	}
	setCredential(req, cred)

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: URL из конфигурации
	if err != nil {
		return nil, fmt.Errorf("запрос DownloadReport: %w (%w)", err, ErrUnavailable)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, apiErrorFromResponse(resp)
	}

	filename := reportDefaultFilename
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				filename = name
			}
		}
	}

	// Body не закрываем — streaming, ответственность вызывающего кода
	return &Report{
		Body:        resp.Body,
		Filename:    filename,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// call выполняет один JSON-запрос к backend.
// body != nil сериализуется в JSON; out != nil — декодируется из ответа.
// Non-2xx ответы превращаются в *APIError, сетевые сбои и ошибки
// декодирования — в ошибку, оборачивающую ErrUnavailable. За границу
// клиента не уходит ни одной «сырой» ошибки транспорта.
func (c *Client) call(ctx context.Context, method, path string, cred Credential, body, out any) error {
	var reqBody io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("сериализация тела %s %s: %w", method, path, err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("создание запроса %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	setCredential(req, cred)

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: URL из конфигурации
	if err != nil {
		c.logger.Debug("сетевая ошибка запроса к backend",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("запрос %s %s: %w (%w)", method, path, err, ErrUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiErrorFromResponse(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("декодирование ответа %s %s: %w (%w)", method, path, err, ErrUnavailable)
		}
	}
	return nil
}

// apiErrorFromResponse строит *APIError из non-2xx ответа.
// Тело ожидается вида {"reason": "...", "attemptsRemaining": N};
// нечитаемое или пустое тело даёт FallbackReason.
func apiErrorFromResponse(resp *http.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode, Reason: FallbackReason}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return apiErr
	}

	var body struct {
		Reason            string `json:"reason"`
		AttemptsRemaining *int   `json:"attemptsRemaining"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return apiErr
	}
	if body.Reason != "" {
		apiErr.Reason = body.Reason
	}
	apiErr.AttemptsRemaining = body.AttemptsRemaining
	return apiErr
}

// setCredential выставляет заголовок Authorization при наличии credential.
func setCredential(req *http.Request, cred Credential) {
	if cred != "" {
		req.Header.Set("Authorization", "Bearer "+string(cred))
	}
}

// CheckReady проверяет доступность backend через его health endpoint.
// Используется readiness probe Portal Module.
func (c *Client) CheckReady() (status, message string) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, c.baseURL+"/health/ready", http.NoBody)
	if err != nil {
		return "fail", "ошибка создания запроса: " + err.Error()
	}
	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: URL из конфигурации backend
	if err != nil {
		return "fail", fmt.Sprintf("backend недоступен: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "fail", fmt.Sprintf("backend вернул статус %d", resp.StatusCode)
	}
	return "ok", "backend доступен"
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA-сертификатом.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &tls.Config{
		RootCAs: caCertPool,
	}, nil
}
