package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helpdesk/backend/internal/auth"
	"helpdesk/backend/internal/cache"
	"helpdesk/backend/internal/config"
	"helpdesk/backend/internal/domain"
	"helpdesk/backend/internal/health"
	"helpdesk/backend/internal/mailer"
	"helpdesk/backend/internal/monitoring"
	"helpdesk/backend/internal/security"
	"helpdesk/backend/internal/service"
	"helpdesk/backend/internal/storage/filesystem"
	"helpdesk/backend/internal/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeGateway struct {
	mu   sync.Mutex
	sent []*mailer.OutboundMail
}

func (g *fakeGateway) Send(_ context.Context, m *mailer.OutboundMail) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, m)
	return nil
}

type testServer struct {
	router *gin.Engine
	store  *memory.Store
	mail   *fakeGateway
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{
		Helpdesk: config.HelpdeskConfig{
			EnvID:             "env1",
			TicketMarker:      "Ticket:",
			SupportRecipients: []string{"l1@y.com"},
			BaseURL:           "http://desk.test",
			EmailUserName:     "Helpdesk",
			WatcherEmail:      "helpdesk@y.com",
			IOTimeout:         time.Second,
		},
		CORS: config.CORSConfig{AllowedOrigins: []string{"*"}},
		JWT: config.JWTConfig{
			Secret:       strings.Repeat("s", 32),
			Issuer:       "helpdesk-test",
			AccessExpiry: 15 * time.Minute,
		},
	}

	store := memory.NewStore()
	drive, err := filesystem.NewStore(t.TempDir())
	require.NoError(t, err)
	gateway := &fakeGateway{}

	revocations := cache.NewRevocationList(time.Minute)
	t.Cleanup(revocations.Close)
	authService := auth.NewService(store, auth.NewTokenService(cfg.JWT, revocations), gateway, nil)
	_, err = authService.CreateWithPassword(context.Background(), auth.CreateUserInput{
		FirstName: "Root",
		Email:     "root@y.com",
		Role:      domain.RoleAdmin,
	}, "admin-password", "test")
	require.NoError(t, err)

	attachments := service.NewAttachmentService(store, drive, cfg.Helpdesk, nil, nil)
	notifier := service.NewNotifier(gateway, nil, cfg.Helpdesk, nil, nil)
	composer := service.NewComposerService(cfg.Helpdesk, service.ComposerDeps{
		Tickets:     store,
		Emails:      store,
		Attachments: attachments,
		Notifier:    notifier,
		Locks:       service.NewKeyLock(),
	}, nil)

	checker := health.NewHealthChecker(nil)
	checker.AddStore(store, cfg.Helpdesk.EnvID)

	router := NewRouter(RouterDependencies{
		Config:            cfg,
		AuthService:       authService,
		TicketService:     service.NewTicketService(cfg.Helpdesk, store, store, nil, nil),
		ComposerService:   composer,
		AttachmentService: attachments,
		UploadPolicy:      security.NewUploadPolicy(1024),
		Health:            checker,
		Metrics:           monitoring.NewMetrics(),
	})
	return &testServer{router: router, store: store, mail: gateway}
}

func (s *testServer) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) login(t *testing.T) string {
	t.Helper()
	w := s.do(http.MethodPost, "/auth/login", "", gin.H{"email": "root@y.com", "password": "admin-password"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data auth.LoginResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.Token)
	return resp.Data.Token
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data interface{}) Response {
	t.Helper()
	resp := Response{Data: data}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func TestAuthRoutes(t *testing.T) {
	s := newTestServer(t)

	t.Run("错误密码", func(t *testing.T) {
		w := s.do(http.MethodPost, "/auth/login", "", gin.H{"email": "root@y.com", "password": "wrong-password"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		resp := decode(t, w, nil)
		assert.False(t, resp.Success)
		assert.Equal(t, MsgInvalidCredentials, resp.Message)
	})

	t.Run("缺少字段", func(t *testing.T) {
		w := s.do(http.MethodPost, "/auth/login", "", gin.H{"email": "root@y.com"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("登录写入 cookie", func(t *testing.T) {
		w := s.do(http.MethodPost, "/auth/login", "", gin.H{"email": "ROOT@y.com", "password": "admin-password"})
		require.Equal(t, http.StatusOK, w.Code)
		cookie := w.Header().Get("Set-Cookie")
		assert.Contains(t, cookie, "access_token=")
		assert.Contains(t, cookie, "HttpOnly")
	})

	token := s.login(t)

	t.Run("当前用户", func(t *testing.T) {
		var user domain.User
		w := s.do(http.MethodGet, "/auth/user", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		decode(t, w, &user)
		assert.Equal(t, "root@y.com", user.Email)
		assert.NotContains(t, w.Body.String(), "passwordHash")
	})

	t.Run("创建用户并发送密码邮件", func(t *testing.T) {
		w := s.do(http.MethodPost, "/auth/create", token, gin.H{"firstName": "Alice", "email": "alice@y.com"})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		require.Len(t, s.mail.sent, 1)
		assert.Equal(t, mailer.TemplateNewUser, s.mail.sent[0].Template)

		var users []domain.User
		w = s.do(http.MethodGet, "/auth/load/all/users", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		decode(t, w, &users)
		assert.Len(t, users, 2)
	})

	t.Run("管理员不能删除自己", func(t *testing.T) {
		w := s.do(http.MethodDelete, "/auth/delete/root@y.com", token, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("注销后令牌失效", func(t *testing.T) {
		w := s.do(http.MethodGet, "/auth/logout", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Set-Cookie"), "Max-Age=0")

		w = s.do(http.MethodGet, "/auth/user", token, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestTicketRoutes(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t)

	w := s.do(http.MethodGet, "/ticket/load/all", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var ticket domain.Ticket
	w = s.do(http.MethodPost, "/ticket/create", token, gin.H{
		"subject":      "Printer jam",
		"contactEmail": "alice@x.com",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	decode(t, w, &ticket)
	assert.Equal(t, int64(1), ticket.TicketNumber)
	assert.Equal(t, 1, ticket.ThreadCount)
	assert.Equal(t, "root@y.com", ticket.CreatedBy)

	t.Run("列表和详情", func(t *testing.T) {
		var tickets []domain.Ticket
		w := s.do(http.MethodGet, "/ticket/load/all", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		decode(t, w, &tickets)
		assert.Len(t, tickets, 1)

		w = s.do(http.MethodGet, "/ticket/load/ticket/"+ticket.ID, token, nil)
		assert.Equal(t, http.StatusOK, w.Code)

		w = s.do(http.MethodGet, "/ticket/load/ticket/missing", token, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("更新忽略 threadCount", func(t *testing.T) {
		var updated domain.Ticket
		w := s.do(http.MethodPut, "/ticket/update/"+ticket.ID, token, gin.H{"status": "Open", "threadCount": 9})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		decode(t, w, &updated)
		assert.Equal(t, "Open", updated.Status)
		assert.Equal(t, 1, updated.ThreadCount)
	})

	t.Run("筛选", func(t *testing.T) {
		var tickets []domain.Ticket
		w := s.do(http.MethodGet, "/ticket/load/filter?status=Open&condition=AND", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		decode(t, w, &tickets)
		assert.Len(t, tickets, 1)

		w = s.do(http.MethodGet, "/ticket/load/filter?search=1", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		decode(t, w, &tickets)
		assert.Len(t, tickets, 1)

		w = s.do(http.MethodGet, "/ticket/load/filter?password=x", token, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("草稿", func(t *testing.T) {
		var draft domain.TicketEmail
		w := s.do(http.MethodPost, "/ticket/reply-ticket", token, gin.H{
			"ticketId":        ticket.ID,
			"ticketEmailType": "Reply",
			"to":              []string{"alice@x.com"},
			"emailHtml":       "<p>working on it</p>",
			"draft":           true,
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		resp := decode(t, w, &draft)
		assert.Equal(t, "draft saved", resp.Message)
		assert.True(t, draft.Draft)
		assert.Empty(t, s.mail.sent)

		var byType domain.TicketEmail
		w = s.do(http.MethodGet, "/ticket/load/draft/ticket-email/"+ticket.ID+"/Reply", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		decode(t, w, &byType)
		assert.Equal(t, draft.ID, byType.ID)

		w = s.do(http.MethodGet, "/ticket/load/draft/ticket-email/"+draft.ID, token, nil)
		assert.Equal(t, http.StatusOK, w.Code)

		w = s.do(http.MethodGet, "/ticket/load/draft/ticket-email/"+ticket.ID+"/Bogus", token, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("回复校验", func(t *testing.T) {
		w := s.do(http.MethodPost, "/ticket/reply-ticket", token, gin.H{
			"ticketId":        ticket.ID,
			"ticketEmailType": "Reply",
			"to":              []string{"not-an-address"},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("按会话位置", func(t *testing.T) {
		w := s.do(http.MethodGet, "/ticket/load/ticket-email/by/thread/"+ticket.ID+"/abc", token, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = s.do(http.MethodGet, "/ticket/load/ticket-email/by/thread/"+ticket.ID+"/5", token, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)

		var emails []domain.TicketEmail
		w = s.do(http.MethodGet, "/ticket/load/ticket-email-threads/"+ticket.ID, token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		decode(t, w, &emails)
		assert.Len(t, emails, 1)
	})
}

func upload(s *testServer, token, name string, content []byte, fields map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	part, _ := mw.CreateFormFile("file", name)
	_, _ = part.Write(content)
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/attachment/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestAttachmentRoutes(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t)

	t.Run("需要认证", func(t *testing.T) {
		w := upload(s, "", "notes.txt", []byte("hello"), nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("上传并公开下载", func(t *testing.T) {
		var uploaded uploadResponse
		w := upload(s, token, "notes.txt", []byte("hello"), map[string]string{"contentDisposition": "inline", "contentId": "cid1"})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		decode(t, w, &uploaded)
		assert.Equal(t, "cid1", uploaded.ContentID)
		assert.Equal(t, domain.DispositionInline, uploaded.ContentDisposition)
		assert.Equal(t, "http://desk.test/attachment/download/"+uploaded.ID, uploaded.URL)
		assert.Contains(t, uploaded.Location, service.OrphanTicketRef)

		w = s.do(http.MethodGet, "/attachment/download/"+uploaded.ID, "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "hello", w.Body.String())
		assert.Equal(t, `inline; filename=notes.txt`, w.Header().Get("Content-Disposition"))
	})

	t.Run("拒绝可执行文件", func(t *testing.T) {
		w := upload(s, token, "setup.exe", []byte("MZ..."), nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "dangerous file extension")
	})

	t.Run("超过大小", func(t *testing.T) {
		w := upload(s, token, "big.txt", bytes.Repeat([]byte("a"), 2048), nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("缺少文件", func(t *testing.T) {
		w := s.do(http.MethodPost, "/attachment/upload", token, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("附件不存在", func(t *testing.T) {
		w := s.do(http.MethodGet, "/attachment/download/missing", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestOperationalRoutes(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	s.do(http.MethodGet, "/ticket/load/all", "", nil)
	w = s.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `endpoint="/ticket/load/all"`)

	w = s.do(http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, decode(t, w, nil).Success)
}

func TestStatusFor(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want int
	}{
		{"校验", domain.NewValidationError("x", "bad"), http.StatusBadRequest},
		{"不存在", domain.NewNotFoundError("ticket", "1"), http.StatusNotFound},
		{"凭证", auth.ErrInvalidCredentials, http.StatusUnauthorized},
		{"权限", auth.ErrForbidden, http.StatusForbidden},
		{"并发", &domain.ConsistencyError{Key: "k"}, http.StatusConflict},
		{"可重试依赖", domain.NewDependencyError("x", true, assert.AnError), http.StatusServiceUnavailable},
		{"不可重试依赖", domain.NewDependencyError("x", false, assert.AnError), http.StatusInternalServerError},
		{"附件被拒绝", &security.Rejection{Reason: "x"}, http.StatusBadRequest},
		{"未知", assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := statusFor(tc.err)
			assert.Equal(t, tc.want, got)
		})
	}
}
