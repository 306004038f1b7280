package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/quizbank/internal/auth"
	"github.com/hitoshi/quizbank/internal/metrics"
	"github.com/hitoshi/quizbank/internal/middleware"
	"github.com/hitoshi/quizbank/internal/model"
)

// トークンごとのユーザー
const (
	userToken  = "0192f0a6-0001-4c4b-9b8a-3f2e1d0c9b8a"
	adminToken = "0192f0a6-0002-4c4b-9b8a-3f2e1d0c9b8a"
	suToken    = "0192f0a6-0003-4c4b-9b8a-3f2e1d0c9b8a"
)

// fakeValidator はトークンとセッションの対応表で検証する。
type fakeValidator struct {
	sessions map[string]*model.LoginSession
}

func (v *fakeValidator) Validate(ctx context.Context, token string) (*model.LoginSession, error) {
	if s, ok := v.sessions[token]; ok {
		return s, nil
	}
	return nil, model.NewSessionInvalidError()
}

// fakeRoles はユーザーIDごとの権限表。
type fakeRoles map[string]model.Role

func (f fakeRoles) Role(ctx context.Context, userID string) (model.Role, error) {
	if role, ok := f[userID]; ok {
		return role, nil
	}
	return model.RoleUser, model.NewUserNotFoundError()
}

// fakePinger はHealthCheckerのテスト実装。
type fakePinger struct {
	err error
}

func (p fakePinger) PingContext(ctx context.Context) error {
	return p.err
}

type routerFixture struct {
	router  http.Handler
	session *mockSessionService
	logBuf  *bytes.Buffer
}

func newRouterFixture(t *testing.T, pinger HealthChecker) *routerFixture {
	t.Helper()

	validator := &fakeValidator{sessions: map[string]*model.LoginSession{
		userToken:  {ID: "s-user", UserID: "u-user", Status: model.SessionActive},
		adminToken: {ID: "s-admin", UserID: "u-admin", Status: model.SessionActive},
		suToken:    {ID: "s-su", UserID: "u-su", Status: model.SessionActive},
	}}
	roles := fakeRoles{"u-user": model.RoleUser, "u-admin": model.RoleAdmin, "u-su": model.RoleSU}

	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		SensitiveLimit:  6,
		SensitiveWindow: time.Minute,
		LookupLimit:     30,
		GeneralRate:     100,
		GeneralBurst:    100,
		CleanupInterval: time.Minute,
	}, nil)
	t.Cleanup(rl.Stop)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	session := &mockSessionService{
		loginFn: func(ctx context.Context, req auth.LoginRequest) (*auth.TokenPair, error) {
			if req.Password != "0d000721" {
				return nil, model.NewInvalidCredentialError()
			}
			return &auth.TokenPair{AccessToken: userToken, RefreshToken: "refresh"}, nil
		},
	}

	var logBuf bytes.Buffer
	router := NewRouter(&RouterDeps{
		SessionValidator:  validator,
		RoleLookup:        roles,
		RateLimiter:       rl,
		CORSAllowedOrigin: "http://localhost:3000",
		StorageTimeout:    time.Second,
		HealthChecker:     pinger,
		Gatherer:          reg,
		Metrics:           collector,
		Logger:            slog.New(slog.NewJSONHandler(&logBuf, nil)),
		SessionService:    session,
		UserService: &mockUserService{
			getFn: func(ctx context.Context, userID string) (*model.User, error) {
				return &model.User{ID: userID, Username: "someone"}, nil
			},
		},
		ProblemService: &mockProblemService{},
		StatService:    &mockStatService{},
	})

	return &routerFixture{router: router, session: session, logBuf: &logBuf}
}

func (f *routerFixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "192.0.2.10:5000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestRouter_Health(t *testing.T) {
	f := newRouterFixture(t, fakePinger{})
	if w := f.do(http.MethodGet, "/health", "", ""); w.Code != http.StatusOK {
		t.Errorf("healthy: status = %d, want 200", w.Code)
	}

	f = newRouterFixture(t, fakePinger{err: errors.New("connection refused")})
	if w := f.do(http.MethodGet, "/health", "", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("db down: status = %d, want 503", w.Code)
	}
}

func TestRouter_Metrics(t *testing.T) {
	f := newRouterFixture(t, fakePinger{})
	f.do(http.MethodGet, "/api/v1/user/me", "", "")

	w := f.do(http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `status_code="401"`) {
		t.Errorf("metrics should include the 401 response:\n%s", w.Body.String())
	}
}

// Authorizationヘッダーなしは401、形式不正のトークンも400ではなく401になること
func TestRouter_MeRequiresBearer(t *testing.T) {
	f := newRouterFixture(t, fakePinger{})

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"garbage", "garbage", http.StatusUnauthorized},
		{"unknown uuid", "0192f0a6-9999-4c4b-9b8a-3f2e1d0c9b8a", http.StatusUnauthorized},
		{"valid", userToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := f.do(http.MethodGet, "/api/v1/user/me", tt.token, ""); w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestRouter_LoginWithBearerIsConflict(t *testing.T) {
	f := newRouterFixture(t, fakePinger{})

	w := f.do(http.MethodPost, "/api/v1/session/login", userToken, `{"username":"commonuser","password":"0d000721"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

// 同一アドレスからの7回目のログイン試行は、認証情報の正誤にかかわらず429になること
func TestRouter_SeventhLoginAttemptIsRateLimited(t *testing.T) {
	f := newRouterFixture(t, fakePinger{})

	for i := 1; i <= 6; i++ {
		password := "wrong"
		if i%2 == 0 {
			password = "0d000721"
		}
		w := f.do(http.MethodPost, "/api/v1/session/login", "", `{"username":"commonuser","password":"`+password+`"}`)
		if w.Code == http.StatusTooManyRequests {
			t.Fatalf("attempt %d: unexpected 429", i)
		}
	}

	w := f.do(http.MethodPost, "/api/v1/session/login", "", `{"username":"commonuser","password":"0d000721"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("7th attempt: status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

// 入力中の使用可否確認はログインの枠を消費しないこと
func TestRouter_CheckFieldHasOwnBudget(t *testing.T) {
	f := newRouterFixture(t, fakePinger{})

	for i := 0; i < 10; i++ {
		if w := f.do(http.MethodGet, "/api/v1/user/check_field?field=username&value=alice", "", ""); w.Code != http.StatusOK {
			t.Fatalf("check %d: status = %d, want 200", i, w.Code)
		}
	}
	w := f.do(http.MethodPost, "/api/v1/session/login", "", `{"username":"commonuser","password":"0d000721"}`)
	if w.Code != http.StatusOK {
		t.Errorf("login after checks: status = %d, want 200", w.Code)
	}
}

func TestRouter_RoleGates(t *testing.T) {
	f := newRouterFixture(t, fakePinger{})

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		body       string
		wantStatus int
	}{
		{"user creates set", http.MethodPost, "/api/v1/problem/create_set", userToken, `{"name":"n"}`, http.StatusForbidden},
		{"admin creates set", http.MethodPost, "/api/v1/problem/create_set", adminToken, `{"name":"n"}`, http.StatusCreated},
		{"user lists sets", http.MethodGet, "/api/v1/problem/list_set", userToken, "", http.StatusOK},
		{"user deletes", http.MethodPost, "/api/v1/problem/delete", userToken, `["x"]`, http.StatusForbidden},
		{"user kicks", http.MethodPost, "/api/v1/session/kick", userToken, `{"user_id":"u"}`, http.StatusForbidden},
		{"admin kicks", http.MethodPost, "/api/v1/session/kick", adminToken, `{"user_id":"u"}`, http.StatusOK},
		{"admin sets role", http.MethodPut, "/api/v1/user/role", adminToken, `{"user_id":"u","role":"admin"}`, http.StatusForbidden},
		{"su sets role", http.MethodPut, "/api/v1/user/role", suToken, `{"user_id":"u","role":"admin"}`, http.StatusOK},
		{"anonymous problem search", http.MethodGet, "/api/v1/problem/search", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := f.do(tt.method, tt.path, tt.token, tt.body); w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestRouter_RefreshRequiresValidSession(t *testing.T) {
	f := newRouterFixture(t, fakePinger{})
	f.session.refreshFn = func(ctx context.Context, accessToken, refreshToken string) (*auth.TokenPair, error) {
		return &auth.TokenPair{AccessToken: "rotated"}, nil
	}

	if w := f.do(http.MethodPost, "/api/v1/session/refresh", "", `{"refresh_token":"r"}`); w.Code != http.StatusUnauthorized {
		t.Errorf("no bearer: status = %d, want 401", w.Code)
	}
	if w := f.do(http.MethodPost, "/api/v1/session/refresh", userToken, `{"refresh_token":"r"}`); w.Code != http.StatusOK {
		t.Errorf("valid: status = %d, want 200", w.Code)
	}
}

func TestRouter_RequestLogCarriesUserID(t *testing.T) {
	f := newRouterFixture(t, fakePinger{})
	f.do(http.MethodGet, "/api/v1/stat/me", adminToken, "")

	if !strings.Contains(f.logBuf.String(), `"user_id":"u-admin"`) {
		t.Errorf("request log should include user_id: %s", f.logBuf.String())
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	f := newRouterFixture(t, fakePinger{})

	w := f.do(http.MethodGet, "/api/v1/unknown", userToken, "")
	// 存在しないルートには404か405が返ること
	if w.Code != http.StatusNotFound && w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 404 or 405", w.Code)
	}
}
