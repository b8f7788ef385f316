package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"helpdesk/backend/internal/domain"
	"helpdesk/backend/internal/monitoring"
)

type fakeAuthenticator struct {
	users map[string]*domain.User
}

func (f *fakeAuthenticator) Authenticate(_ context.Context, token string) (*domain.User, error) {
	if u, ok := f.users[token]; ok {
		return u, nil
	}
	return nil, errors.New("invalid token")
}

func init() {
	gin.SetMode(gin.TestMode)
}

func TestJWTAuth_RequireAuth(t *testing.T) {
	alice := &domain.User{ID: "u-1", Email: "alice@y.com"}
	auth := NewJWTAuth(&fakeAuthenticator{users: map[string]*domain.User{"good": alice}}, "helpdesk_token", zap.NewNop())

	r := gin.New()
	r.GET("/me", auth.RequireAuth(), func(c *gin.Context) {
		user, ok := CurrentUser(c)
		require.True(t, ok)
		c.String(http.StatusOK, user.Email+" "+CurrentToken(c))
	})

	testCases := []struct {
		name   string
		setup  func(req *http.Request)
		path   string
		status int
		body   string
	}{
		{name: "Bearer 头", path: "/me", setup: func(req *http.Request) { req.Header.Set("Authorization", "Bearer good") }, status: 200, body: "alice@y.com good"},
		{name: "Cookie", path: "/me", setup: func(req *http.Request) { req.AddCookie(&http.Cookie{Name: "helpdesk_token", Value: "good"}) }, status: 200},
		{name: "查询参数", path: "/me?token=good", status: 200},
		{name: "缺少令牌", path: "/me", status: 401},
		{name: "无效令牌", path: "/me", setup: func(req *http.Request) { req.Header.Set("Authorization", "Bearer bad") }, status: 401},
		{name: "非 Bearer", path: "/me", setup: func(req *http.Request) { req.Header.Set("Authorization", "Basic good") }, status: 401},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.setup != nil {
				tc.setup(req)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, w.Body.String())
			}
			if tc.status == 401 {
				assert.Contains(t, w.Body.String(), `"success":false`)
			}
		})
	}
}

func TestCurrentUser_Missing(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	_, ok := CurrentUser(c)
	assert.False(t, ok)
	assert.Empty(t, CurrentToken(c))
}

func TestBodyLimit(t *testing.T) {
	r := gin.New()
	r.Use(BodyLimit(BodyLimits{Default: 4, Routes: map[string]int64{"/upload": 16}}, nil))
	handler := func(c *gin.Context) {
		buf := make([]byte, 64)
		n, _ := c.Request.Body.Read(buf)
		c.String(http.StatusOK, "%d", n)
	}
	r.POST("/upload", handler)
	r.POST("/json", handler)

	send := func(path, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
		return w
	}

	assert.Equal(t, http.StatusOK, send("/upload", "0123456789").Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge, send("/json", "0123456789").Code)
	w := send("/json", "abc")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "4", w.Header().Get("X-Max-Body-Size"))
}

func TestHelpdeskBodyLimits(t *testing.T) {
	limits := HelpdeskBodyLimits()
	assert.Equal(t, int64(ReplyBodyLimit), limits.For("/ticket/reply-ticket"))
	assert.Equal(t, int64(UploadBodyLimit), limits.For("/attachment/upload"))
	assert.Equal(t, int64(DefaultBodyLimit), limits.For("/ticket/create"))
}

func TestRequestIDAndHeaders(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), SecurityHeaders("/swagger/"))
	r.GET("/ticket/load/all", func(c *gin.Context) { c.String(http.StatusOK, CurrentRequestID(c)) })
	r.GET("/swagger/index.html", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ticket/load/all", nil))
	id := w.Header().Get(RequestIDHeader)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")

	req := httptest.NewRequest(http.MethodGet, "/swagger/index.html", nil)
	req.Header.Set(RequestIDHeader, "trace-123")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "trace-123", w.Header().Get(RequestIDHeader))
	assert.Empty(t, w.Header().Get("Content-Security-Policy"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestMonitoring(t *testing.T) {
	metrics := monitoring.NewMetrics()

	r := gin.New()
	r.Use(RequestID(), Recovery(metrics, zap.NewNop()), HTTPMetrics(metrics), SecurityHeaders(), RequestLogger(zap.NewNop()))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal server error")

	rec := httptest.NewRecorder()
	metrics.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `endpoint="/ok"`)
	assert.Contains(t, rec.Body.String(), "panics_total")
}
