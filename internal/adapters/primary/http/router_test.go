package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	stdhttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dattmumas/lnked-realtime/internal/auth"
	"github.com/dattmumas/lnked-realtime/internal/core/domain"
	"github.com/dattmumas/lnked-realtime/internal/core/mocks"
	"github.com/dattmumas/lnked-realtime/internal/core/services"
	"github.com/dattmumas/lnked-realtime/internal/infrastructure/clock"
)

type stubMonitor struct {
	conns []domain.ConnectionInfo
	stats services.ManagerStats
}

func (s *stubMonitor) Connections() []domain.ConnectionInfo { return s.conns }
func (s *stubMonitor) Stats() services.ManagerStats         { return s.stats }

type stubSessions int

func (s stubSessions) GetClientCount() int { return int(s) }

type stubFlusher struct{ n int }

func (s *stubFlusher) Flush() int { return s.n }

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type routerFixture struct {
	router  stdhttp.Handler
	tm      *auth.TokenManager
	creds   *mocks.MockCredentialController
	monitor *stubMonitor
}

func newRouterFixture(t *testing.T, db HealthChecker) *routerFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tm := auth.NewTokenManager("test-secret-test-secret-test-secret", time.Hour, "lnked", clock.Real())
	monitor := &stubMonitor{
		conns: []domain.ConnectionInfo{
			{Topic: domain.MustTopicKey(domain.TopicPost, "p-1"), State: domain.StateJoined, RefCount: 2},
			{Topic: domain.MustTopicKey(domain.TopicConversation, "c-2"), State: domain.StateErrored, Failures: 3},
			{Topic: domain.MustTopicKey(domain.TopicConversation, "c-1"), State: domain.StateJoined, RefCount: 1},
		},
		stats: services.ManagerStats{ProtocolErrors: 4},
	}
	creds := &mocks.MockCredentialController{}
	errorHandler := NewErrorHandler(logger)

	router := NewRouter(RouterDeps{
		Logger:       logger,
		TokenManager: tm,
		AdminRole:    "admin",
		Health:       NewHealthHandler(db, monitor, "test"),
		WebSocket:    stdhttp.NotFoundHandler(),
		Realtime:     NewRealtimeHandler(monitor, stubSessions(5), errorHandler, logger),
		Admin:        NewAdminHandler(creds, &stubFlusher{n: 7}, errorHandler, logger),
	})
	return &routerFixture{router: router, tm: tm, creds: creds, monitor: monitor}
}

func (f *routerFixture) do(t *testing.T, method, path, role string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if role != "" {
		token, _, err := f.tm.GenerateToken("user-1", role)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestRouter_RequiresAuthentication(t *testing.T) {
	f := newRouterFixture(t, stubPinger{})

	rec := f.do(t, stdhttp.MethodGet, "/api/v1/realtime/connections", "")
	assert.Equal(t, stdhttp.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(stdhttp.MethodGet, "/api/v1/realtime/stats", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, stdhttp.StatusUnauthorized, rec.Code)
}

func TestRealtimeHandler_ListConnections(t *testing.T) {
	f := newRouterFixture(t, stubPinger{})

	tests := []struct {
		name   string
		query  string
		topics []string
		total  int64
	}{
		{"all sorted by topic", "", []string{"conversation:c-1", "conversation:c-2", "post:p-1"}, 3},
		{"by kind", "?kind=conversation", []string{"conversation:c-1", "conversation:c-2"}, 2},
		{"by state", "?state=ERRORED", []string{"conversation:c-2"}, 1},
		{"paged", "?limit=1&offset=1", []string{"conversation:c-2"}, 3},
		{"offset past end", "?offset=10", []string{}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, stdhttp.MethodGet, "/api/v1/realtime/connections"+tt.query, "member")
			require.Equal(t, stdhttp.StatusOK, rec.Code)

			var body struct {
				Data []struct {
					Topic string `json:"topic"`
					State string `json:"state"`
				} `json:"data"`
				Pagination PaginationMetadata `json:"pagination"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			topics := []string{}
			for _, c := range body.Data {
				topics = append(topics, c.Topic)
			}
			assert.Equal(t, tt.topics, topics)
			assert.Equal(t, tt.total, body.Pagination.TotalCount)
		})
	}
}

func TestRealtimeHandler_ListConnectionsRejectsBadFilters(t *testing.T) {
	f := newRouterFixture(t, stubPinger{})

	rec := f.do(t, stdhttp.MethodGet, "/api/v1/realtime/connections?kind=channel&state=OPEN", "member")
	require.Equal(t, stdhttp.StatusUnprocessableEntity, rec.Code)

	var body ValidationErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body.Fields, "kind")
	assert.Contains(t, body.Fields, "state")
}

func TestRealtimeHandler_GetConnection(t *testing.T) {
	f := newRouterFixture(t, stubPinger{})

	rec := f.do(t, stdhttp.MethodGet, "/api/v1/realtime/connections/post/p-1", "member")
	require.Equal(t, stdhttp.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"JOINED"`)
	assert.Contains(t, rec.Body.String(), `"refCount":2`)

	rec = f.do(t, stdhttp.MethodGet, "/api/v1/realtime/connections/post/p-9", "member")
	assert.Equal(t, stdhttp.StatusNotFound, rec.Code)

	rec = f.do(t, stdhttp.MethodGet, "/api/v1/realtime/connections/channel/p-1", "member")
	assert.Equal(t, stdhttp.StatusBadRequest, rec.Code)
}

func TestRealtimeHandler_Stats(t *testing.T) {
	f := newRouterFixture(t, stubPinger{})

	rec := f.do(t, stdhttp.MethodGet, "/api/v1/realtime/stats", "member")
	require.Equal(t, stdhttp.StatusOK, rec.Code)

	var body struct {
		Data StatsResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 5, body.Data.Sessions)
	assert.Equal(t, uint64(4), body.Data.ProtocolErrors)
}

func TestAdminHandler_RequiresAdminRole(t *testing.T) {
	f := newRouterFixture(t, stubPinger{})

	rec := f.do(t, stdhttp.MethodPost, "/api/v1/admin/credentials/rotate", "member")
	assert.Equal(t, stdhttp.StatusForbidden, rec.Code)
	f.creds.AssertNotCalled(t, "Rotate")
}

func TestAdminHandler_Credentials(t *testing.T) {
	f := newRouterFixture(t, stubPinger{})
	f.creds.On("Rotate").Return(nil).Once()
	f.creds.On("SignOut").Return().Once()

	rec := f.do(t, stdhttp.MethodPost, "/api/v1/admin/credentials/rotate", "admin")
	assert.Equal(t, stdhttp.StatusAccepted, rec.Code)

	rec = f.do(t, stdhttp.MethodPost, "/api/v1/admin/credentials/sign-out", "admin")
	assert.Equal(t, stdhttp.StatusAccepted, rec.Code)

	f.creds.AssertExpectations(t)
}

func TestAdminHandler_RotateFailure(t *testing.T) {
	f := newRouterFixture(t, stubPinger{})
	f.creds.On("Rotate").Return(errors.New("credential manager closed")).Once()

	rec := f.do(t, stdhttp.MethodPost, "/api/v1/admin/credentials/rotate", "admin")
	assert.Equal(t, stdhttp.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
}

func TestAdminHandler_Flush(t *testing.T) {
	f := newRouterFixture(t, stubPinger{})

	rec := f.do(t, stdhttp.MethodPost, "/api/v1/admin/realtime/flush", "admin")
	require.Equal(t, stdhttp.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"flushed":7}}`, rec.Body.String())
}

func TestHealthHandler(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		f := newRouterFixture(t, stubPinger{})
		rec := f.do(t, stdhttp.MethodGet, "/health/ready", "")
		assert.Equal(t, stdhttp.StatusOK, rec.Code)
	})

	t.Run("database down", func(t *testing.T) {
		f := newRouterFixture(t, stubPinger{err: errors.New("connection refused")})
		rec := f.do(t, stdhttp.MethodGet, "/health/ready", "")
		assert.Equal(t, stdhttp.StatusServiceUnavailable, rec.Code)
	})

	t.Run("detailed includes realtime", func(t *testing.T) {
		f := newRouterFixture(t, stubPinger{})
		rec := f.do(t, stdhttp.MethodGet, "/health", "")
		require.Equal(t, stdhttp.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "3 topics, 1 errored")
	})
}

func TestRouter_CORSPreflight(t *testing.T) {
	f := newRouterFixture(t, stubPinger{})

	req := httptest.NewRequest(stdhttp.MethodOptions, "/api/v1/realtime/stats", nil)
	req.Header.Set("Origin", "https://app.lnked.test")
	req.Header.Set("Access-Control-Request-Method", "GET")
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
