package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/quizbank/internal/auth"
	"github.com/hitoshi/quizbank/internal/middleware"
	"github.com/hitoshi/quizbank/internal/model"
)

// maxDeviceInfoLength はdevice_infoとして保存する最大文字数。
const maxDeviceInfoLength = 256

// SessionServiceInterface はセッションハンドラーが必要とするサービスインターフェース。
type SessionServiceInterface interface {
	Login(ctx context.Context, req auth.LoginRequest) (*auth.TokenPair, error)
	Refresh(ctx context.Context, accessToken, refreshToken string) (*auth.TokenPair, error)
	Logout(ctx context.Context, accessToken string) error
	ListSessions(ctx context.Context, userID string) ([]*model.LoginSession, error)
	KickUser(ctx context.Context, userID string) (int64, error)
}

// SessionHandler はログインセッション関連のHTTPハンドラー。
type SessionHandler struct {
	service SessionServiceInterface
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(service SessionServiceInterface) *SessionHandler {
	return &SessionHandler{service: service}
}

// loginRequest はログインリクエストのボディ。
// user_id、username、emailのいずれか1つとpasswordを指定する。
type loginRequest struct {
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	DeviceInfo string `json:"device_info"`
}

type loginResponse struct {
	AccessToken           string    `json:"access_token"`
	RefreshToken          string    `json:"refresh_token"`
	ExpiresAt             time.Time `json:"expires_at"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type kickRequest struct {
	UserID string `json:"user_id"`
}

type kickResponse struct {
	Kicked int64 `json:"kicked"`
}

// sessionResponse はセッション一覧の1件。トークンとダイジェストは含めない。
type sessionResponse struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Current     bool      `json:"current"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
	LastRenewal time.Time `json:"last_renewal"`
	ExpiresAt   time.Time `json:"expires_at"`
	DeviceInfo  string    `json:"device_info"`
}

// Login は識別子とパスワードでログインする。
// POST /api/v1/session/login
//
// Authorizationヘッダーを付けたリクエストはログイン済みとみなし409を返す。
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.BearerToken(r); ok {
		middleware.WriteAPIError(w, model.NewAlreadyLoggedInError())
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	deviceInfo := req.DeviceInfo
	if deviceInfo == "" {
		deviceInfo = r.UserAgent()
	}
	if runes := []rune(deviceInfo); len(runes) > maxDeviceInfoLength {
		deviceInfo = string(runes[:maxDeviceInfoLength])
	}

	pair, err := h.service.Login(r.Context(), auth.LoginRequest{
		UserID:     req.UserID,
		Username:   req.Username,
		Email:      req.Email,
		Password:   req.Password,
		DeviceInfo: deviceInfo,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:           pair.AccessToken,
		RefreshToken:          pair.RefreshToken,
		ExpiresAt:             pair.ExpiresAt,
		RefreshTokenExpiresAt: pair.RefreshExpiresAt,
	})
}

// Refresh はリフレッシュトークンでアクセストークンを更新する。
// POST /api/v1/session/refresh
func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	accessToken, ok := middleware.BearerToken(r)
	if !ok {
		middleware.WriteAPIError(w, model.NewLoginRequiredError())
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	pair, err := h.service.Refresh(r.Context(), accessToken, req.RefreshToken)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{
		AccessToken: pair.AccessToken,
		ExpiresAt:   pair.ExpiresAt,
	})
}

// Logout は現在のセッションを失効させる。
// POST /api/v1/session/logout
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	accessToken, ok := middleware.BearerToken(r)
	if !ok {
		middleware.WriteAPIError(w, model.NewLoginRequiredError())
		return
	}

	if err := h.service.Logout(r.Context(), accessToken); err != nil {
		handleServiceError(w, err)
		return
	}
	writeOK(w)
}

// List はログインユーザーのセッション一覧を返す。
// POST /api/v1/session/list
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	sessions, err := h.service.ListSessions(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	var currentID string
	if current, ok := middleware.SessionFromContext(r.Context()); ok {
		currentID = current.ID
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, sessionResponse{
			ID:          s.ID,
			Status:      string(s.Status),
			Current:     s.ID == currentID,
			CreatedAt:   s.CreatedAt,
			LastActive:  s.LastActive,
			LastRenewal: s.LastRenewal,
			ExpiresAt:   s.ExpiresAt,
			DeviceInfo:  s.DeviceInfo,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Kick は指定ユーザーの有効なセッションをすべて強制終了する。
// POST /api/v1/session/kick
func (h *SessionHandler) Kick(w http.ResponseWriter, r *http.Request) {
	var req kickRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if req.UserID == "" {
		middleware.WriteAPIError(w, model.NewValidationError("user_idは必須です"))
		return
	}

	n, err := h.service.KickUser(r.Context(), req.UserID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kickResponse{Kicked: n})
}
