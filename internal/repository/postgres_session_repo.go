package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/quizbank/internal/model"
)

const sessionColumns = `id, access_token, user_id, status, expires_at, created_at,
	last_renewal, last_active, refresh_token_hash, refresh_token_expires_at, device_info`

// rowScanner は*sql.Rowと*sql.Rowsの共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresSessionRepo はPostgreSQLを使用したログインセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, s *model.LoginSession) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO login_sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.AccessToken, s.UserID, string(s.Status), s.ExpiresAt, s.CreatedAt,
		s.LastRenewal, s.LastActive, s.RefreshTokenHash, s.RefreshTokenExpiresAt,
		sql.NullString{String: s.DeviceInfo, Valid: s.DeviceInfo != ""},
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// MutateByAccessToken はアクセストークンに一致するセッションをSELECT ... FOR UPDATEで
// ロックし、fnを適用する。同一セッションへの遷移はこのロックで直列化される。
func (r *PostgresSessionRepo) MutateByAccessToken(ctx context.Context, accessToken string, fn SessionMutator) (*model.LoginSession, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM login_sessions WHERE access_token = $1 FOR UPDATE`,
		accessToken,
	)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}

	persist, fnErr := fn(session)
	if persist {
		_, err := tx.ExecContext(ctx,
			`UPDATE login_sessions
			 SET access_token = $2, status = $3, expires_at = $4, last_renewal = $5, last_active = $6
			 WHERE id = $1`,
			session.ID, session.AccessToken, string(session.Status),
			session.ExpiresAt, session.LastRenewal, session.LastActive,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to update session: %w", err)
		}
	}

	// fnErrがあっても確定する（期限切れの記録は拒否結果と独立して残す）
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return session, fnErr
}

// ListByUserID はユーザーの全セッションを作成日時の降順で返す。
func (r *PostgresSessionRepo) ListByUserID(ctx context.Context, userID string) ([]*model.LoginSession, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM login_sessions WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.LoginSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// ExpireStale は期限切れのACTIVEセッションをEXPIREDにする。
// 条件付きUPDATEのため、同時にリフレッシュされた行は対象外になる。
func (r *PostgresSessionRepo) ExpireStale(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE login_sessions SET status = 'expired'
		 WHERE id = ANY($1::uuid[]) AND status = 'active' AND expires_at <= $2`,
		pq.Array(ids), now,
	)
	if err != nil {
		return fmt.Errorf("failed to expire sessions: %w", err)
	}
	return nil
}

// KickByUserID はユーザーの有効なセッションをすべてKICKEDにする。
// 既に期限切れのセッションは遅延失効に任せる。
func (r *PostgresSessionRepo) KickByUserID(ctx context.Context, userID string, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE login_sessions SET status = 'kicked'
		 WHERE user_id = $1 AND status = 'active' AND expires_at > $2`,
		userID, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to kick sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// PurgeInactive は終了済みかつリフレッシュ期限をbefore以前に過ぎたセッションを削除する。
func (r *PostgresSessionRepo) PurgeInactive(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM login_sessions WHERE status <> 'active' AND refresh_token_expires_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func scanSession(row rowScanner) (*model.LoginSession, error) {
	s := &model.LoginSession{}
	var status string
	var deviceInfo sql.NullString
	err := row.Scan(
		&s.ID, &s.AccessToken, &s.UserID, &status, &s.ExpiresAt, &s.CreatedAt,
		&s.LastRenewal, &s.LastActive, &s.RefreshTokenHash, &s.RefreshTokenExpiresAt,
		&deviceInfo,
	)
	if err != nil {
		return nil, err
	}
	s.Status = model.SessionStatus(status)
	s.DeviceInfo = deviceInfo.String
	return s, nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
