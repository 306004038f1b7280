// Package auth はログインセッションのライフサイクル（ログイン・検証・更新・ログアウト）を管理する。
//
// セッションの状態はACTIVEからREVOKED・KICKED・EXPIREDへ一方向にのみ遷移する。
// 有効期限はバックグラウンドで掃除せず、読み出した時点で判定して保存する（遅延失効）。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/quizbank/internal/metrics"
	"github.com/hitoshi/quizbank/internal/model"
	"github.com/hitoshi/quizbank/internal/repository"
	"github.com/hitoshi/quizbank/internal/security"
)

// デフォルトのトークン有効期間
const (
	DefaultAccessTokenTTL  = 14 * 24 * time.Hour
	DefaultRefreshTokenTTL = 120 * 24 * time.Hour
)

// ユーザー不在時の照合に使うダミーのパスワード
const dummyPassword = "quizbank-timing-equalizer"

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	AccessTokenTTL  time.Duration // アクセストークンの有効期間
	RefreshTokenTTL time.Duration // リフレッシュトークンの有効期間（セッションの最長寿命）
}

// LoginRequest はログイン要求。UserID・Username・Emailのうちちょうど1つを指定する。
type LoginRequest struct {
	UserID     string
	Username   string
	Email      string
	Password   string
	DeviceInfo string
}

// TokenPair はクライアントへ返すトークン。
// RefreshTokenはログイン時にのみ設定され、サーバーには平文で残らない。
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
}

// Service はセッションのライフサイクルに関するビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	verifier    security.CredentialVerifier
	metrics     metrics.MetricsCollector
	config      ServiceConfig

	now      func() time.Time
	newToken func() string

	dummyOnce   sync.Once
	dummyDigest string
}

// NewService はServiceを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	verifier security.CredentialVerifier,
	collector metrics.MetricsCollector,
	config ServiceConfig,
) *Service {
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		verifier:    verifier,
		metrics:     collector,
		config:      config,
		now:         time.Now,
		newToken:    security.NewOpaqueToken,
	}
}

// Login は識別子とパスワードを検証し、新しいセッションを発行する。
// ユーザーが存在しない場合とパスワード不一致の場合は同じエラーを返す。
// 同一ユーザーの複数セッションは併存できる。
func (s *Service) Login(ctx context.Context, req LoginRequest) (*TokenPair, error) {
	if n := countNonEmpty(req.UserID, req.Username, req.Email); n != 1 {
		return nil, model.NewValidationError("user_id、username、emailのいずれか1つを指定してください")
	}
	if req.Password == "" {
		return nil, model.NewValidationError("passwordは必須です")
	}

	user, err := s.findLoginUser(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	start := time.Now()
	var ok bool
	if user == nil {
		// 応答時間からユーザーの存在を推測されないよう、同じコストの照合を行う
		s.verifier.Verify(ctx, s.dummy(ctx), req.Password)
	} else {
		ok = s.verifier.Verify(ctx, user.PasswordHash, req.Password)
	}
	s.metrics.RecordHashLatency(time.Since(start))

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("login aborted: %w", err)
	}
	if !ok {
		s.metrics.RecordLogin("rejected")
		return nil, model.NewInvalidCredentialError()
	}

	now := s.now()
	sessionID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}
	accessToken := s.newToken()
	refreshToken := s.newToken()

	session := &model.LoginSession{
		ID:                    sessionID.String(),
		AccessToken:           accessToken,
		UserID:                user.ID,
		Status:                model.SessionActive,
		ExpiresAt:             now.Add(s.config.AccessTokenTTL),
		CreatedAt:             now,
		LastRenewal:           now,
		LastActive:            now,
		RefreshTokenHash:      security.DigestToken(refreshToken),
		RefreshTokenExpiresAt: now.Add(s.config.RefreshTokenTTL),
		DeviceInfo:            req.DeviceInfo,
	}
	if session.ExpiresAt.After(session.RefreshTokenExpiresAt) {
		session.ExpiresAt = session.RefreshTokenExpiresAt
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	s.metrics.RecordLogin("success")
	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("session_id", session.ID),
	)

	return &TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		ExpiresAt:        session.ExpiresAt,
		RefreshExpiresAt: session.RefreshTokenExpiresAt,
	}, nil
}

// Validate はアクセストークンに対応するセッションを検証する。
//   - 該当なし: SESSION_INVALID
//   - EXPIRED、または期限切れのACTIVE: EXPIREDを保存した上でSESSION_EXPIRED
//   - REVOKED・KICKED: SESSION_INVALID
//   - 有効なACTIVE: last_activeを更新してセッションを返す
func (s *Service) Validate(ctx context.Context, accessToken string) (*model.LoginSession, error) {
	now := s.now()

	session, err := s.sessionRepo.MutateByAccessToken(ctx, accessToken, func(ls *model.LoginSession) (bool, error) {
		status, changed := ls.Evaluate(now)
		switch status {
		case model.SessionActive:
			ls.LastActive = now
			return true, nil
		case model.SessionExpired:
			ls.Status = model.SessionExpired
			return changed, model.NewSessionExpiredError()
		default:
			return false, model.NewSessionInvalidError()
		}
	})
	if err != nil {
		if code := model.CodeOf(err); code != "" {
			s.metrics.RecordSessionValidation(validationLabel(code))
			return nil, err
		}
		return nil, fmt.Errorf("failed to validate session: %w", err)
	}
	if session == nil {
		s.metrics.RecordSessionValidation(string(model.SessionInvalid))
		return nil, model.NewSessionInvalidError()
	}

	s.metrics.RecordSessionValidation(string(model.SessionActive))
	return session, nil
}

// Refresh はリフレッシュトークンを検証し、同じセッションのアクセストークンを差し替える。
// セッションIDとユーザーIDは変わらず、リフレッシュトークンとその期限も維持する。
// ダイジェストが一致しない場合はセッションを一切変更しない。
func (s *Service) Refresh(ctx context.Context, accessToken, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, model.NewValidationError("refresh_tokenは必須です")
	}

	now := s.now()
	newAccessToken := s.newToken()

	session, err := s.sessionRepo.MutateByAccessToken(ctx, accessToken, func(ls *model.LoginSession) (bool, error) {
		if !security.DigestMatches(ls.RefreshTokenHash, refreshToken) {
			return false, model.NewRefreshRejectedError()
		}
		status, changed := ls.Evaluate(now)
		if status == model.SessionExpired && changed {
			ls.Status = model.SessionExpired
			return true, model.NewSessionExpiredError()
		}
		if !ls.CanRefresh(now) {
			return false, model.NewRefreshRejectedError()
		}

		ls.AccessToken = newAccessToken
		ls.LastRenewal = now
		ls.LastActive = now
		ls.ExpiresAt = now.Add(s.config.AccessTokenTTL)
		if ls.ExpiresAt.After(ls.RefreshTokenExpiresAt) {
			ls.ExpiresAt = ls.RefreshTokenExpiresAt
		}
		return true, nil
	})
	if err != nil {
		if model.CodeOf(err) != "" {
			s.metrics.RecordRefresh("rejected")
			return nil, err
		}
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}
	if session == nil {
		s.metrics.RecordRefresh("rejected")
		return nil, model.NewRefreshRejectedError()
	}

	s.metrics.RecordRefresh("success")
	slog.Info("session refreshed",
		slog.String("user_id", session.UserID),
		slog.String("session_id", session.ID),
	)

	return &TokenPair{
		AccessToken:      session.AccessToken,
		ExpiresAt:        session.ExpiresAt,
		RefreshExpiresAt: session.RefreshTokenExpiresAt,
	}, nil
}

// Logout はACTIVEなセッションをREVOKEDにする。
// ACTIVEでない（ログアウト済み・期限切れ等）場合や該当なしの場合はSESSION_NOT_FOUNDを返し、
// 2回目のログアウトは失敗として扱う。
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	now := s.now()

	session, err := s.sessionRepo.MutateByAccessToken(ctx, accessToken, func(ls *model.LoginSession) (bool, error) {
		status, changed := ls.Evaluate(now)
		if status != model.SessionActive {
			if changed {
				ls.Status = status
			}
			return changed, model.NewSessionNotFoundError()
		}
		ls.Status = model.SessionRevoked
		return true, nil
	})
	if err != nil {
		if model.CodeOf(err) != "" {
			s.metrics.RecordLogout("not_found")
			return err
		}
		return fmt.Errorf("failed to logout: %w", err)
	}
	if session == nil {
		s.metrics.RecordLogout("not_found")
		return model.NewSessionNotFoundError()
	}

	s.metrics.RecordLogout("success")
	slog.Info("user logged out",
		slog.String("user_id", session.UserID),
		slog.String("session_id", session.ID),
	)
	return nil
}

// ListSessions はユーザーのセッション一覧を返す。
// 期限切れのACTIVEセッションは検証時と同じ規則でEXPIREDとして保存・表示する。
func (s *Service) ListSessions(ctx context.Context, userID string) ([]*model.LoginSession, error) {
	sessions, err := s.sessionRepo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	now := s.now()
	var stale []string
	for _, ls := range sessions {
		if status, changed := ls.Evaluate(now); changed {
			ls.Status = status
			stale = append(stale, ls.ID)
		}
	}
	if err := s.sessionRepo.ExpireStale(ctx, stale, now); err != nil {
		return nil, fmt.Errorf("failed to persist expired sessions: %w", err)
	}

	return sessions, nil
}

// KickUser は指定ユーザーの有効なセッションをすべて強制終了する。
func (s *Service) KickUser(ctx context.Context, userID string) (int64, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return 0, model.NewUserNotFoundError()
	}
	userID = id.String()
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return 0, model.NewUserNotFoundError()
	}

	n, err := s.sessionRepo.KickByUserID(ctx, userID, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to kick sessions: %w", err)
	}

	slog.Info("user sessions kicked",
		slog.String("user_id", userID),
		slog.Int64("count", n),
	)
	return n, nil
}

// findLoginUser は指定された識別子でユーザーを検索する。見つからない場合はnilを返す。
func (s *Service) findLoginUser(ctx context.Context, req LoginRequest) (*model.User, error) {
	switch {
	case req.UserID != "":
		// urn:uuid: 形式なども受け付けるが、保存層には正規形で渡す
		id, err := uuid.Parse(req.UserID)
		if err != nil {
			return nil, nil
		}
		return s.userRepo.FindByID(ctx, id.String())
	case req.Username != "":
		return s.userRepo.FindByUsername(ctx, req.Username)
	default:
		return s.userRepo.FindByEmail(ctx, req.Email)
	}
}

// dummy は照合用のダミーダイジェストを返す。初回呼び出し時に一度だけ計算する。
func (s *Service) dummy(ctx context.Context) string {
	s.dummyOnce.Do(func() {
		digest, err := s.verifier.Hash(context.WithoutCancel(ctx), dummyPassword)
		if err != nil {
			slog.Error("failed to prepare dummy digest", slog.String("error", err.Error()))
			return
		}
		s.dummyDigest = digest
	})
	return s.dummyDigest
}

func validationLabel(code string) string {
	if code == model.ErrCodeSessionExpired {
		return string(model.SessionExpired)
	}
	return string(model.SessionInvalid)
}

func countNonEmpty(values ...string) int {
	n := 0
	for _, v := range values {
		if v != "" {
			n++
		}
	}
	return n
}
