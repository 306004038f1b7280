package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/quizbank/internal/middleware"
	"github.com/hitoshi/quizbank/internal/model"
	"github.com/hitoshi/quizbank/internal/user"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	Register(ctx context.Context, req user.RegisterRequest) (*model.User, error)
	CheckField(ctx context.Context, fieldName, value string) (model.FieldCheckResult, error)
	Get(ctx context.Context, userID string) (*model.User, error)
	SetRole(ctx context.Context, userID string, role model.Role) error
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Nickname string `json:"nickname"`
	Password string `json:"password"`
}

type registerResponse struct {
	UserID string `json:"user_id"`
}

type checkFieldResponse struct {
	Result model.FieldCheckResult `json:"result"`
}

// userResponse は本人向けのプロフィール。パスワードのダイジェストは含めない。
type userResponse struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Username  string     `json:"username"`
	Nickname  string     `json:"nickname"`
	Role      model.Role `json:"role"`
	CreatedAt time.Time  `json:"created_at"`
}

// publicUserResponse は他ユーザー向けの公開プロフィール。
type publicUserResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
}

type setRoleRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Register はユーザーを登録する。
// POST /api/v1/user/register
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	u, err := h.service.Register(r.Context(), user.RegisterRequest{
		Email:    req.Email,
		Username: req.Username,
		Nickname: req.Nickname,
		Password: req.Password,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{UserID: u.ID})
}

// CheckField は登録前に属性値が使えるかを返す。
// GET /api/v1/user/check_field?field=username&value=xxx
func (h *UserHandler) CheckField(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := h.service.CheckField(r.Context(), q.Get("field"), q.Get("value"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkFieldResponse{Result: result})
}

// Me はログインユーザー本人のプロフィールを返す。
// GET /api/v1/user/me
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	u, err := h.service.Get(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, userResponse{
		ID:        u.ID,
		Email:     u.Email,
		Username:  u.Username,
		Nickname:  u.Nickname,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
	})
}

// Info は指定ユーザーの公開プロフィールを返す。
// GET /api/v1/user/info?user_id=xxx
func (h *UserHandler) Info(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		middleware.WriteAPIError(w, model.NewValidationError("user_idは必須です"))
		return
	}

	u, err := h.service.Get(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, publicUserResponse{
		ID:       u.ID,
		Username: u.Username,
		Nickname: u.Nickname,
	})
}

// SetRole はユーザーの権限を変更する。
// PUT /api/v1/user/role
func (h *UserHandler) SetRole(w http.ResponseWriter, r *http.Request) {
	var req setRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if req.UserID == "" {
		middleware.WriteAPIError(w, model.NewValidationError("user_idは必須です"))
		return
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		middleware.WriteAPIError(w, model.NewValidationError("roleはuser、admin、suのいずれかを指定してください"))
		return
	}

	if err := h.service.SetRole(r.Context(), req.UserID, role); err != nil {
		handleServiceError(w, err)
		return
	}
	writeOK(w)
}
