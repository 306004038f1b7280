// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/quizbank/internal/model"
	"github.com/hitoshi/quizbank/internal/repository"
	"github.com/hitoshi/quizbank/internal/security"
)

// RegisterRequest はユーザー登録の入力。
type RegisterRequest struct {
	Email    string
	Username string
	Nickname string
	Password string
}

// Service はユーザー管理のサービス層。
// 登録・属性の重複確認・プロフィール参照・権限変更を提供する。
type Service struct {
	userRepo repository.UserRepository
	hasher   security.CredentialVerifier
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository, hasher security.CredentialVerifier) *Service {
	return &Service{
		userRepo: userRepo,
		hasher:   hasher,
		now:      time.Now,
	}
}

// Register はユーザーを登録する。権限は常にUSERで作成される。
// 形式不正はVALIDATION_ERROR、既存ユーザーとの重複はCONFLICTを返す。
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*model.User, error) {
	user := &model.User{
		Email:    req.Email,
		Username: req.Username,
		Nickname: req.Nickname,
		Role:     model.RoleUser,
	}

	for _, field := range model.UserFields {
		if !field.Valid(field.Of(user)) {
			return nil, model.NewValidationError(field.String() + "の形式が正しくありません")
		}
	}
	if !model.ValidPassword(req.Password) {
		return nil, model.NewValidationError(fmt.Sprintf(
			"passwordは%d文字以上%d文字以下で指定してください", model.MinPasswordLength, model.MaxPasswordLength))
	}

	// 事前確認で重複を検出する。同時登録による競合はCreateの一意制約で検出される。
	for _, field := range model.UserFields {
		taken, err := s.userRepo.ExistsByField(ctx, field, field.Of(user))
		if err != nil {
			return nil, fmt.Errorf("failed to check %s: %w", field, err)
		}
		if taken {
			return nil, model.NewConflictError(field.String())
		}
	}

	digest, err := s.hasher.Hash(ctx, req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate user ID: %w", err)
	}
	user.ID = id.String()
	user.PasswordHash = digest
	user.CreatedAt = s.now()

	if err := s.userRepo.Create(ctx, user); err != nil {
		if model.CodeOf(err) == model.ErrCodeConflict {
			return nil, err
		}
		return nil, fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}

	slog.Info("ユーザーを登録しました",
		slog.String("user_id", user.ID),
		slog.String("username", user.Username),
	)
	return user, nil
}

// CheckField は登録前に属性値が使用可能かを判定する。
// 形式不正はinvalid、既存ユーザーと重複していればconflict、それ以外はokを返す。
func (s *Service) CheckField(ctx context.Context, fieldName, value string) (model.FieldCheckResult, error) {
	field, ok := model.ParseUserField(fieldName)
	if !ok {
		return "", model.NewValidationError("fieldはusername、email、nicknameのいずれかを指定してください")
	}
	if !field.Valid(value) {
		return model.FieldInvalid, nil
	}

	taken, err := s.userRepo.ExistsByField(ctx, field, value)
	if err != nil {
		return "", fmt.Errorf("failed to check %s: %w", field, err)
	}
	if taken {
		return model.FieldConflict, nil
	}
	return model.FieldOK, nil
}

// Get は指定IDのユーザーを返す。存在しない場合はUSER_NOT_FOUNDを返す。
func (s *Service) Get(ctx context.Context, userID string) (*model.User, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return nil, model.NewUserNotFoundError()
	}
	user, err := s.userRepo.FindByID(ctx, id.String())
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// Role はユーザーの現在の権限を返す。権限チェックはリクエストごとにこの値を参照する。
func (s *Service) Role(ctx context.Context, userID string) (model.Role, error) {
	user, err := s.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	return user.Role, nil
}

// SetRole はユーザーの権限を変更する。
func (s *Service) SetRole(ctx context.Context, userID string, role model.Role) error {
	id, err := uuid.Parse(userID)
	if err != nil {
		return model.NewUserNotFoundError()
	}
	userID = id.String()
	updated, err := s.userRepo.UpdateRole(ctx, userID, role)
	if err != nil {
		return fmt.Errorf("権限の更新に失敗しました: %w", err)
	}
	if !updated {
		return model.NewUserNotFoundError()
	}

	slog.Info("ユーザーの権限を変更しました",
		slog.String("user_id", userID),
		slog.String("role", role.String()),
	)
	return nil
}
