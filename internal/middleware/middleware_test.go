package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/coachhub/chat-realtime/internal/model"
	"github.com/coachhub/chat-realtime/pkg/logger"
)

const secret = "test-secret"

func identityEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := GetIdentity(r.Context())
		w.Write([]byte(id.UserID + "|" + id.UserName))
	})
}

func TestAuthFromHeader(t *testing.T) {
	token, err := IssueToken(secret, model.Identity{UserID: "coach", UserName: "Coach Kim"}, nil, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	Auth(secret, false)(identityEcho()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "coach|Coach Kim", rec.Body.String())
}

func TestAuthQueryTokenOnlyWhenAllowed(t *testing.T) {
	token, err := IssueToken(secret, model.Identity{UserID: "coach"}, nil, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/realtime/ws?token="+token, nil)
	rec := httptest.NewRecorder()
	Auth(secret, false)(identityEcho()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	Auth(secret, true)(identityEcho()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "coach|coach", rec.Body.String(), "name falls back to subject")
}

func TestAuthRejectsBadTokens(t *testing.T) {
	expired, err := IssueToken(secret, model.Identity{UserID: "coach"}, nil, -time.Minute)
	require.NoError(t, err)
	foreign, err := IssueToken("other-secret", model.Identity{UserID: "coach"}, nil, time.Hour)
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing":   "",
		"malformed": "Token abc",
		"expired":   "Bearer " + expired,
		"foreign":   "Bearer " + foreign,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			Auth(secret, false)(identityEcho()).ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestRequireScope(t *testing.T) {
	admin, err := IssueToken(secret, model.Identity{UserID: "ops"}, []string{ScopeAdmin}, time.Hour)
	require.NoError(t, err)
	user, err := IssueToken(secret, model.Identity{UserID: "coach"}, nil, time.Hour)
	require.NoError(t, err)

	h := Auth(secret, false)(RequireScope(ScopeAdmin)(identityEcho()))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+user)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req.Header.Set("Authorization", "Bearer "+admin)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoggingSetsCorrelationID(t *testing.T) {
	var seen string
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Correlation-ID"))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestLoggingNamesCorrelationAndUser(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	token, err := IssueToken(secret, model.Identity{UserID: "coach"}, nil, time.Hour)
	require.NoError(t, err)

	h := Logging(&logger.Logger{Logger: zap.New(core)})(Auth(secret, false)(identityEcho()))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "abc-123", fields["correlation_id"])
	assert.Equal(t, "coach", fields["user_id"])
	assert.EqualValues(t, http.StatusOK, fields["status"])
}

func TestUserRateLimit(t *testing.T) {
	token, err := IssueToken(secret, model.Identity{UserID: "coach"}, nil, time.Hour)
	require.NoError(t, err)

	h := Auth(secret, false)(UserRateLimit(2, time.Minute)(identityEcho()))
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestValidation(t *testing.T) {
	assert.NoError(t, ValidateConversationID("0190b6a2-7c3e-7d4f-8a1b-2c3d4e5f6a7b"))
	assert.Error(t, ValidateConversationID("temp-1"))
	assert.Error(t, ValidateMessageID(""))
	assert.NoError(t, ValidateMessageContent(""))
	assert.Error(t, ValidateMessageContent(string([]byte{0xff, 0xfe})))
	assert.Error(t, ValidateUserID(""))
	assert.Error(t, ValidateName(string(make([]byte, 300))))
}
