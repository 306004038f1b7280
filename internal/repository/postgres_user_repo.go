package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/quizbank/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolation = "23505"

// 一意制約名と属性の対応
var userConstraintFields = map[string]model.UserField{
	"users_email_lower_key":    model.FieldEmail,
	"users_username_lower_key": model.FieldUsername,
	"users_nickname_key":       model.FieldNickname,
}

const userColumns = `id, email, username, nickname, password_hash, role, created_at`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByUsername はユーザー名で検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	user, err := r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE lower(username) = lower($1)`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by username: %w", err)
	}
	return user, nil
}

// FindByEmail はメールアドレスで検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

func (r *PostgresUserRepo) findOne(ctx context.Context, query string, arg string) (*model.User, error) {
	user := &model.User{}
	var role string
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.Email, &user.Username, &user.Nickname,
		&user.PasswordHash, &role, &user.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	user.Role, err = model.ParseRole(role)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// ExistsByField は指定属性の値が既に使われているかを返す。
// 比較規則は一意インデックスと揃える。
func (r *PostgresUserRepo) ExistsByField(ctx context.Context, field model.UserField, value string) (bool, error) {
	var query string
	switch field {
	case model.FieldUsername:
		query = `SELECT EXISTS (SELECT 1 FROM users WHERE lower(username) = lower($1))`
	case model.FieldEmail:
		query = `SELECT EXISTS (SELECT 1 FROM users WHERE lower(email) = lower($1))`
	case model.FieldNickname:
		query = `SELECT EXISTS (SELECT 1 FROM users WHERE nickname = $1)`
	default:
		return false, fmt.Errorf("unsupported user field: %v", field)
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, value).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check %s availability: %w", field, err)
	}
	return exists, nil
}

// Create はユーザーを作成する。
// 事前チェックをすり抜けた同時登録は一意制約違反としてここで検出する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, username, nickname, password_hash, role, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.Email, user.Username, user.Nickname,
		user.PasswordHash, user.Role.String(), user.CreatedAt,
	)
	if err != nil {
		if field, ok := conflictingUserField(err); ok {
			return model.NewConflictError(field.String())
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// UpdateRole はユーザーの権限を変更する。
func (r *PostgresUserRepo) UpdateRole(ctx context.Context, id string, role model.Role) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET role = $2 WHERE id = $1`,
		id, role.String(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update user role: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// conflictingUserField は一意制約違反エラーから衝突した属性を特定する。
func conflictingUserField(err error) (model.UserField, bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return 0, false
	}
	field, ok := userConstraintFields[pqErr.Constraint]
	return field, ok
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
