// auth.go — middleware портальных сессионных токенов.
// Portal Module выдаёт собственный короткоживущий HS256 JWT при открытии
// портальной сессии; токен несёт только идентификатор сессии (sid).
// Middleware валидирует подпись, находит сессию в реестре и помещает её
// в контекст запроса. Токен magic link браузеру не возвращается —
// он остаётся на стороне Portal Module внутри сессии.
package middleware

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/snaglist/portal-module/internal/api/errors"
	"github.com/snaglist/portal-module/internal/service"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

const (
	// ContextKeySession — портальная сессия в контексте запроса.
	ContextKeySession contextKey = "portal_session"
)

// sessionClaims — claims портального токена.
// Только registered claims + sid: токен не несёт ни magic link token,
// ни backend credential.
type sessionClaims struct {
	jwt.RegisteredClaims
	// SessionID — идентификатор портальной сессии в реестре.
	SessionID string `json:"sid"`
}

// SessionAuth — выдача и проверка портальных сессионных токенов.
type SessionAuth struct {
	secret   []byte
	ttl      time.Duration
	registry *service.SessionRegistry
	logger   *slog.Logger
}

// NewSessionAuth создаёт middleware портальных токенов.
// secret — ключ подписи HS256 (PM_SESSION_SECRET); при пустом значении
// генерируется случайный ключ — токены не переживут рестарт, что
// допустимо: сессии и так живут только в памяти экземпляра.
// ttl — срок жизни токена, совпадает с TTL сессии в реестре.
func NewSessionAuth(secret string, ttl time.Duration, registry *service.SessionRegistry, logger *slog.Logger) (*SessionAuth, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("генерация сессионного ключа: %w", err)
		}
		logger.Warn("PM_SESSION_SECRET не задан, используется случайный ключ: токены не переживут рестарт")
	}

	return &SessionAuth{
		secret:   key,
		ttl:      ttl,
		registry: registry,
		logger:   logger.With(slog.String("component", "session_auth")),
	}, nil
}

// IssueToken выдаёт подписанный токен для сессии.
func (a *SessionAuth) IssueToken(sessionID string) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "portal-module",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		SessionID: sessionID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("подпись сессионного токена: %w", err)
	}
	return signed, nil
}

// Middleware возвращает HTTP middleware портальной аутентификации.
// Извлекает Bearer token, валидирует подпись (HS256), находит сессию
// в реестре и помещает её в контекст. Сессия, вытесненная из реестра
// (TTL или ёмкость), даёт 401 даже при валидном токене.
func (a *SessionAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				apierrors.Unauthorized(w, "Invalid Authorization format: expected Bearer <token>")
				return
			}

			tokenString := parts[1]
			if tokenString == "" {
				apierrors.Unauthorized(w, "Empty bearer token")
				return
			}

			claims := &sessionClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims,
				func(_ *jwt.Token) (any, error) { return a.secret, nil },
				jwt.WithValidMethods([]string{"HS256"}),
				jwt.WithExpirationRequired(),
			)
			if err != nil || !token.Valid {
				a.logger.Debug("Валидация портального токена не пройдена",
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Invalid or expired session token")
				return
			}

			if claims.SessionID == "" {
				apierrors.Unauthorized(w, "Missing session id in token")
				return
			}

			sess, ok := a.registry.Get(claims.SessionID)
			if !ok {
				// Реестр мог вытеснить сессию раньше истечения токена
				apierrors.Unauthorized(w, "Session expired")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeySession, sess)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionFromContext извлекает портальную сессию из контекста запроса.
// Возвращает nil, если сессия не найдена.
func SessionFromContext(ctx context.Context) *service.PortalSession {
	sess, _ := ctx.Value(ContextKeySession).(*service.PortalSession)
	return sess
}
