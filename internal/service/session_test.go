package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snaglist/portal-module/internal/backend"
	"github.com/snaglist/portal-module/internal/domain/access"
)

// newTestSession создаёт сессию против mock backend.
// Интервал polling — час: фоновые тики в тестах не происходят.
func newTestSession(t *testing.T, handler http.HandlerFunc) *PortalSession {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := backend.New(server.URL, "", 5*time.Second, testLogger())
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}

	sess := NewPortalSession("tok-1", client, time.Hour, testLogger())
	t.Cleanup(sess.Close)
	return sess
}

// validateJSON — типовой ответ validate endpoint.
func validateJSON(valid, requiresPin bool, extra map[string]any) map[string]any {
	resp := map[string]any{
		"valid":       valid,
		"requiresPin": requiresPin,
		"linkId":      "link-1",
		"label":       "Kitchen snags",
		"accessLevel": "update",
	}
	for k, v := range extra {
		resp[k] = v
	}
	return resp
}

// snagsJSON — типовой ответ list endpoint.
func snagsJSON(ids ...string) map[string]any {
	snags := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		snags = append(snags, map[string]any{
			"id":        id,
			"status":    "open",
			"updatedAt": "2026-02-01T09:00:00Z",
		})
	}
	return map[string]any{"snags": snags, "totalCount": len(ids)}
}

// TestPortalSession_OpenNoPinLink проверяет открытие ссылки без PIN:
// стадия pin_required не посещается, сессия сразу в list со снимком.
func TestPortalSession_OpenNoPinLink(t *testing.T) {
	var pinCalls atomic.Int32
	sess := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/magic-links/tok-1/validate":
			json.NewEncoder(w).Encode(validateJSON(true, false, nil))
		case "/api/v1/magic-links/tok-1/verify-pin":
			pinCalls.Add(1)
		case "/api/v1/magic-links/tok-1/snags":
			json.NewEncoder(w).Encode(snagsJSON("s1", "s2"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	sess.Open(context.Background())

	if sess.State().Stage() != access.StageList {
		t.Fatalf("Stage = %q, ожидалась list", sess.State().Stage())
	}
	// Стадия pin_required не посещалась, verify-pin не вызывался
	if pinCalls.Load() != 0 {
		t.Error("ссылка без PIN не должна обращаться к verify-pin")
	}
	snap := sess.State().Snapshot()
	if snap == nil || len(snap.Snags) != 2 {
		t.Errorf("Snapshot = %v, ожидались 2 записи", snap)
	}
	if sess.LastUpdated().IsZero() {
		t.Error("LastUpdated должен быть выставлен после аутентификации")
	}
}

// TestPortalSession_OpenPinLink проверяет открытие ссылки с PIN:
// сессия останавливается в pin_required, снимок не запрашивается.
func TestPortalSession_OpenPinLink(t *testing.T) {
	var listCalls atomic.Int32
	sess := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/magic-links/tok-1/validate":
			json.NewEncoder(w).Encode(validateJSON(true, true, nil))
		case r.URL.Path == "/api/v1/magic-links/tok-1/snags":
			listCalls.Add(1)
			json.NewEncoder(w).Encode(snagsJSON())
		}
	})

	sess.Open(context.Background())

	if sess.State().Stage() != access.StagePinRequired {
		t.Fatalf("Stage = %q, ожидалась pin_required", sess.State().Stage())
	}
	if listCalls.Load() != 0 {
		t.Error("снимок не должен запрашиваться до верификации PIN")
	}
}

// TestPortalSession_OpenInvalidLink проверяет невалидную ссылку:
// терминальная стадия error с reason backend.
func TestPortalSession_OpenInvalidLink(t *testing.T) {
	sess := newTestSession(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
		json.NewEncoder(w).Encode(map[string]string{"reason": "This link has been revoked"})
	})

	sess.Open(context.Background())

	if sess.State().Stage() != access.StageError {
		t.Fatalf("Stage = %q, ожидалась error", sess.State().Stage())
	}
	f := sess.State().Failure()
	if f == nil || f.Message != "This link has been revoked" {
		t.Errorf("Failure = %v, ожидался reason backend", f)
	}
	if f.Expired {
		t.Error("Expired не должен выставляться без слова expired в reason")
	}
}

// TestPortalSession_OpenExpiredLink проверяет эвристику expiry:
// слово expired в reason (без учёта регистра) выставляет флаг Expired.
func TestPortalSession_OpenExpiredLink(t *testing.T) {
	sess := newTestSession(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
		json.NewEncoder(w).Encode(map[string]string{"reason": "This link has EXPIRED on 01/03/2026"})
	})

	sess.Open(context.Background())

	f := sess.State().Failure()
	if f == nil || !f.Expired {
		t.Errorf("Failure = %v, ожидался флаг Expired", f)
	}
}

// TestPortalSession_OpenNetworkError проверяет сетевой сбой валидации:
// терминальная ошибка с generic сообщением, не сырой текст транспорта.
func TestPortalSession_OpenNetworkError(t *testing.T) {
	client, err := backend.New("http://127.0.0.1:1", "", 200*time.Millisecond, testLogger())
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	sess := NewPortalSession("tok-1", client, time.Hour, testLogger())
	t.Cleanup(sess.Close)

	sess.Open(context.Background())

	if sess.State().Stage() != access.StageError {
		t.Fatalf("Stage = %q, ожидалась error", sess.State().Stage())
	}
	if f := sess.State().Failure(); f.Message != backend.FallbackReason {
		t.Errorf("Message = %q, ожидался FallbackReason", f.Message)
	}
}

// TestPortalSession_VerifyPinLocalValidation проверяет локальную валидацию PIN:
// некорректный формат отклоняется без сетевого вызова.
func TestPortalSession_VerifyPinLocalValidation(t *testing.T) {
	var verifyCalls atomic.Int32
	sess := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/magic-links/tok-1/verify-pin" {
			verifyCalls.Add(1)
		}
		json.NewEncoder(w).Encode(validateJSON(true, true, nil))
	})
	sess.Open(context.Background())

	for _, pin := range []string{"", "12", "12345", "12a4", "абвг"} {
		if _, err := sess.VerifyPin(context.Background(), pin); !errors.Is(err, ErrInvalidPin) {
			t.Errorf("VerifyPin(%q) = %v, ожидался ErrInvalidPin", pin, err)
		}
	}
	if verifyCalls.Load() != 0 {
		t.Errorf("verify-pin вызван %d раз, локальная валидация не должна ходить в сеть", verifyCalls.Load())
	}
}

// TestPortalSession_VerifyPinSuccess проверяет успешную верификацию:
// credential сохраняется, inline-снимок становится начальным, стадия list.
func TestPortalSession_VerifyPinSuccess(t *testing.T) {
	var listCalls atomic.Int32
	sess := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/magic-links/tok-1/validate":
			json.NewEncoder(w).Encode(validateJSON(true, true, nil))
		case "/api/v1/magic-links/tok-1/verify-pin":
			json.NewEncoder(w).Encode(map[string]any{
				"sessionToken": "cred-1",
				"snags": []map[string]any{
					{"id": "s1", "status": "open"},
				},
			})
		case "/api/v1/magic-links/tok-1/snags":
			listCalls.Add(1)
			json.NewEncoder(w).Encode(snagsJSON("s1"))
		}
	})
	sess.Open(context.Background())

	outcome, err := sess.VerifyPin(context.Background(), "1234")
	if err != nil {
		t.Fatalf("VerifyPin: %v", err)
	}
	if !outcome.OK {
		t.Fatalf("outcome = %+v, ожидался успех", outcome)
	}
	if sess.State().Stage() != access.StageList {
		t.Errorf("Stage = %q, ожидалась list", sess.State().Stage())
	}
	if sess.Credential() != "cred-1" {
		t.Errorf("Credential = %q, ожидался cred-1", sess.Credential())
	}
	// Inline-снимок из verify-pin: отдельный list-запрос не нужен
	if listCalls.Load() != 0 {
		t.Errorf("list вызван %d раз, inline-снимок должен использоваться напрямую", listCalls.Load())
	}
	if snap := sess.State().Snapshot(); snap == nil || snap.TotalCount != 1 {
		t.Errorf("Snapshot = %v, ожидался inline-снимок из одной записи", snap)
	}
}

// TestPortalSession_VerifyPinRejected проверяет отклонённый PIN:
// стадия остаётся pin_required, attemptsRemaining доступен для отображения.
func TestPortalSession_VerifyPinRejected(t *testing.T) {
	sess := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/magic-links/tok-1/verify-pin" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{
				"reason":            "Incorrect PIN. 2 attempts remaining.",
				"attemptsRemaining": 2,
			})
			return
		}
		json.NewEncoder(w).Encode(validateJSON(true, true, nil))
	})
	sess.Open(context.Background())

	outcome, err := sess.VerifyPin(context.Background(), "0000")
	if err != nil {
		t.Fatalf("VerifyPin: %v", err)
	}
	if outcome.OK {
		t.Fatal("ожидался отказ")
	}
	if outcome.AttemptsRemaining == nil || *outcome.AttemptsRemaining != 2 {
		t.Errorf("AttemptsRemaining = %v, ожидалось 2", outcome.AttemptsRemaining)
	}
	if sess.State().Stage() != access.StagePinRequired {
		t.Errorf("Stage = %q, отклонённый PIN не должен менять стадию", sess.State().Stage())
	}
	attempts, pinErr := sess.State().PinState()
	if attempts == nil || *attempts != 2 || pinErr == "" {
		t.Errorf("PinState = (%v, %q), ожидались счётчик и сообщение", attempts, pinErr)
	}
}

// TestPortalSession_VerifyPinLockout проверяет lockout при исчерпании попыток:
// attemptsRemaining ровно 0 — терминальная стадия error с флагом Locked.
func TestPortalSession_VerifyPinLockout(t *testing.T) {
	sess := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/magic-links/tok-1/verify-pin" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{
				"reason":            "Incorrect PIN",
				"attemptsRemaining": 0,
			})
			return
		}
		json.NewEncoder(w).Encode(validateJSON(true, true, nil))
	})
	sess.Open(context.Background())

	outcome, err := sess.VerifyPin(context.Background(), "0000")
	if err != nil {
		t.Fatalf("VerifyPin: %v", err)
	}
	if !outcome.Locked {
		t.Fatal("ожидался lockout")
	}
	if outcome.Reason != "Too many failed attempts. This link has been temporarily locked." {
		t.Errorf("Reason = %q, ожидалось сообщение lockout", outcome.Reason)
	}
	if sess.State().Stage() != access.StageError {
		t.Fatalf("Stage = %q, ожидалась терминальная error", sess.State().Stage())
	}
	if f := sess.State().Failure(); f == nil || !f.Locked {
		t.Error("Failure должен нести флаг Locked")
	}

	// Дальнейшие попытки PIN невозможны
	if _, err := sess.VerifyPin(context.Background(), "1234"); !errors.Is(err, ErrPinNotAwaited) {
		t.Errorf("VerifyPin после lockout = %v, ожидался ErrPinNotAwaited", err)
	}
}

// TestPortalSession_VerifyPinNetworkError проверяет сетевой сбой верификации:
// попытка не засчитывается, стадия остаётся pin_required.
func TestPortalSession_VerifyPinNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/magic-links/tok-1/validate" {
			json.NewEncoder(w).Encode(validateJSON(true, true, nil))
			return
		}
		// Обрываем соединение на verify-pin
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("httptest server не поддерживает hijack")
		}
		conn, _, _ := hj.Hijack()
		conn.Close()
	}))
	t.Cleanup(server.Close)

	client, err := backend.New(server.URL, "", 5*time.Second, testLogger())
	if err != nil {
		t.Fatalf("backend.New: %v", err)
	}
	sess := NewPortalSession("tok-1", client, time.Hour, testLogger())
	t.Cleanup(sess.Close)
	sess.Open(context.Background())

	outcome, err := sess.VerifyPin(context.Background(), "1234")
	if err != nil {
		t.Fatalf("VerifyPin: %v", err)
	}
	if outcome.OK {
		t.Fatal("ожидался отказ при сетевом сбое")
	}
	if outcome.Reason != backend.FallbackReason {
		t.Errorf("Reason = %q, ожидался FallbackReason", outcome.Reason)
	}
	if sess.State().Stage() != access.StagePinRequired {
		t.Errorf("Stage = %q, сетевой сбой не должен менять стадию", sess.State().Stage())
	}
}

// TestPortalSession_Refresh проверяет явный refresh снимка.
func TestPortalSession_Refresh(t *testing.T) {
	var listCalls atomic.Int32
	sess := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/magic-links/tok-1/validate":
			json.NewEncoder(w).Encode(validateJSON(true, false, nil))
		case "/api/v1/magic-links/tok-1/snags":
			n := listCalls.Add(1)
			if n == 1 {
				json.NewEncoder(w).Encode(snagsJSON("s1"))
			} else {
				json.NewEncoder(w).Encode(snagsJSON("s1", "s2"))
			}
		}
	})
	sess.Open(context.Background())

	if err := sess.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	snap := sess.State().Snapshot()
	if snap == nil || snap.TotalCount != 2 {
		t.Errorf("Snapshot = %v, ожидались 2 записи после refresh", snap)
	}
	if sess.LastUpdated().IsZero() {
		t.Error("LastUpdated должен быть выставлен после refresh")
	}
}

// TestPortalSession_RefreshBeforeAuth проверяет refresh до аутентификации.
func TestPortalSession_RefreshBeforeAuth(t *testing.T) {
	sess := newTestSession(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(validateJSON(true, true, nil))
	})
	sess.Open(context.Background())

	if err := sess.Refresh(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Refresh = %v, ожидался ErrNotAuthenticated", err)
	}
}

// TestPortalSession_SelectAndBack проверяет навигацию list ⇄ detail через сессию.
func TestPortalSession_SelectAndBack(t *testing.T) {
	sess := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/magic-links/tok-1/validate":
			json.NewEncoder(w).Encode(validateJSON(true, false, nil))
		case "/api/v1/magic-links/tok-1/snags":
			json.NewEncoder(w).Encode(snagsJSON("s1"))
		}
	})
	sess.Open(context.Background())

	if err := sess.Select("s1"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sess.State().Stage() != access.StageDetail {
		t.Errorf("Stage = %q, ожидалась detail", sess.State().Stage())
	}
	if err := sess.Back(); err != nil {
		t.Fatalf("Back: %v", err)
	}
	if sess.State().Stage() != access.StageList {
		t.Errorf("Stage = %q, ожидалась list", sess.State().Stage())
	}
}

// TestPortalSession_CloseIdempotent проверяет идемпотентность Close.
func TestPortalSession_CloseIdempotent(t *testing.T) {
	sess := newTestSession(t, func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(validateJSON(true, true, nil))
	})
	sess.Open(context.Background())

	sess.Close()
	sess.Close()
}
