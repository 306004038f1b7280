package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/quizbank/internal/auth"
	"github.com/hitoshi/quizbank/internal/middleware"
	"github.com/hitoshi/quizbank/internal/model"
	"github.com/hitoshi/quizbank/internal/problem"
	"github.com/hitoshi/quizbank/internal/user"
)

// --- モック定義 ---

// mockSessionService はSessionServiceInterfaceのモック実装。
type mockSessionService struct {
	loginFn        func(ctx context.Context, req auth.LoginRequest) (*auth.TokenPair, error)
	refreshFn      func(ctx context.Context, accessToken, refreshToken string) (*auth.TokenPair, error)
	logoutFn       func(ctx context.Context, accessToken string) error
	listSessionsFn func(ctx context.Context, userID string) ([]*model.LoginSession, error)
	kickUserFn     func(ctx context.Context, userID string) (int64, error)
}

func (m *mockSessionService) Login(ctx context.Context, req auth.LoginRequest) (*auth.TokenPair, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, req)
	}
	return nil, model.NewInvalidCredentialError()
}

func (m *mockSessionService) Refresh(ctx context.Context, accessToken, refreshToken string) (*auth.TokenPair, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, accessToken, refreshToken)
	}
	return nil, model.NewRefreshRejectedError()
}

func (m *mockSessionService) Logout(ctx context.Context, accessToken string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, accessToken)
	}
	return nil
}

func (m *mockSessionService) ListSessions(ctx context.Context, userID string) ([]*model.LoginSession, error) {
	if m.listSessionsFn != nil {
		return m.listSessionsFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockSessionService) KickUser(ctx context.Context, userID string) (int64, error) {
	if m.kickUserFn != nil {
		return m.kickUserFn(ctx, userID)
	}
	return 0, nil
}

// mockUserService はUserServiceInterfaceのモック実装。
type mockUserService struct {
	registerFn   func(ctx context.Context, req user.RegisterRequest) (*model.User, error)
	checkFieldFn func(ctx context.Context, fieldName, value string) (model.FieldCheckResult, error)
	getFn        func(ctx context.Context, userID string) (*model.User, error)
	setRoleFn    func(ctx context.Context, userID string, role model.Role) error
}

func (m *mockUserService) Register(ctx context.Context, req user.RegisterRequest) (*model.User, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, req)
	}
	return &model.User{ID: "new-user"}, nil
}

func (m *mockUserService) CheckField(ctx context.Context, fieldName, value string) (model.FieldCheckResult, error) {
	if m.checkFieldFn != nil {
		return m.checkFieldFn(ctx, fieldName, value)
	}
	return model.FieldOK, nil
}

func (m *mockUserService) Get(ctx context.Context, userID string) (*model.User, error) {
	if m.getFn != nil {
		return m.getFn(ctx, userID)
	}
	return nil, model.NewUserNotFoundError()
}

func (m *mockUserService) SetRole(ctx context.Context, userID string, role model.Role) error {
	if m.setRoleFn != nil {
		return m.setRoleFn(ctx, userID, role)
	}
	return nil
}

// mockProblemService はProblemServiceInterfaceのモック実装。
type mockProblemService struct {
	createSetFn func(ctx context.Context, name string) (string, model.ProblemSetCreateStatus, error)
	listSetsFn  func(ctx context.Context) ([]*model.ProblemSet, error)
	addFn       func(ctx context.Context, problemSetID string, problems []problem.NewProblem) ([]string, error)
	searchFn    func(ctx context.Context, q problem.SearchQuery) ([]*model.Problem, error)
	countFn     func(ctx context.Context, problemSetID string) (int, error)
	deleteFn    func(ctx context.Context, ids []string) (int64, error)
	randomFn    func(ctx context.Context, problemSetID string, n int) ([]*model.Problem, error)
}

func (m *mockProblemService) CreateSet(ctx context.Context, name string) (string, model.ProblemSetCreateStatus, error) {
	if m.createSetFn != nil {
		return m.createSetFn(ctx, name)
	}
	return "set-1", model.ProblemSetCreated, nil
}

func (m *mockProblemService) ListSets(ctx context.Context) ([]*model.ProblemSet, error) {
	if m.listSetsFn != nil {
		return m.listSetsFn(ctx)
	}
	return []*model.ProblemSet{}, nil
}

func (m *mockProblemService) Add(ctx context.Context, problemSetID string, problems []problem.NewProblem) ([]string, error) {
	if m.addFn != nil {
		return m.addFn(ctx, problemSetID, problems)
	}
	return []string{}, nil
}

func (m *mockProblemService) Search(ctx context.Context, q problem.SearchQuery) ([]*model.Problem, error) {
	if m.searchFn != nil {
		return m.searchFn(ctx, q)
	}
	return []*model.Problem{}, nil
}

func (m *mockProblemService) Count(ctx context.Context, problemSetID string) (int, error) {
	if m.countFn != nil {
		return m.countFn(ctx, problemSetID)
	}
	return 0, nil
}

func (m *mockProblemService) Delete(ctx context.Context, ids []string) (int64, error) {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, ids)
	}
	return 0, nil
}

func (m *mockProblemService) Random(ctx context.Context, problemSetID string, n int) ([]*model.Problem, error) {
	if m.randomFn != nil {
		return m.randomFn(ctx, problemSetID, n)
	}
	return []*model.Problem{}, nil
}

// mockStatService はStatServiceInterfaceのモック実装。
type mockStatService struct {
	reportFn func(ctx context.Context, userID, problemID string, correct bool, at time.Time) (*model.AnswerRecord, error)
	mineFn   func(ctx context.Context, userID string) ([]*model.AnswerRecord, error)
}

func (m *mockStatService) Report(ctx context.Context, userID, problemID string, correct bool, at time.Time) (*model.AnswerRecord, error) {
	if m.reportFn != nil {
		return m.reportFn(ctx, userID, problemID, correct, at)
	}
	return &model.AnswerRecord{UserID: userID, ProblemID: problemID}, nil
}

func (m *mockStatService) Mine(ctx context.Context, userID string) ([]*model.AnswerRecord, error) {
	if m.mineFn != nil {
		return m.mineFn(ctx, userID)
	}
	return []*model.AnswerRecord{}, nil
}

// --- テストヘルパー ---

// withUserID はテスト用にリクエストコンテキストにユーザーIDを注入するヘルパー。
func withUserID(r *http.Request, userID string) *http.Request {
	ctx := middleware.ContextWithUserID(r.Context(), userID)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

// decodeBody はレスポンスボディをvにデコードするヘルパー。
func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v\nraw: %s", err, w.Body.String())
	}
}
