package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/quizbank/internal/model"
)

// PostgresAnswerRecordRepo はPostgreSQLを使用した回答集計リポジトリ。
type PostgresAnswerRecordRepo struct {
	db *sql.DB
}

// NewPostgresAnswerRecordRepo はPostgresAnswerRecordRepoを生成する。
func NewPostgresAnswerRecordRepo(db *sql.DB) *PostgresAnswerRecordRepo {
	return &PostgresAnswerRecordRepo{db: db}
}

// Record は回答1回分を集計に加算する。
// (user_id, problem_id)の主キーを利用したINSERT ON CONFLICTで冪等に作成・加算する。
func (r *PostgresAnswerRecordRepo) Record(ctx context.Context, userID, problemID string, correct bool, at time.Time) (*model.AnswerRecord, error) {
	correctInc := 0
	if correct {
		correctInc = 1
	}

	rec := &model.AnswerRecord{}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO answer_records (user_id, problem_id, correct_count, total_count, last_attempt)
		 VALUES ($1, $2, $3, 1, $4)
		 ON CONFLICT (user_id, problem_id) DO UPDATE
		 SET correct_count = answer_records.correct_count + EXCLUDED.correct_count,
		     total_count = answer_records.total_count + 1,
		     last_attempt = GREATEST(answer_records.last_attempt, EXCLUDED.last_attempt)
		 RETURNING user_id, problem_id, correct_count, total_count, last_attempt`,
		userID, problemID, correctInc, at,
	).Scan(&rec.UserID, &rec.ProblemID, &rec.CorrectCount, &rec.TotalCount, &rec.LastAttempt)
	if err != nil {
		return nil, fmt.Errorf("回答記録の更新に失敗しました: %w", err)
	}
	return rec, nil
}

// ListByUserID はユーザーの回答集計を最終回答日時の降順で返す。
func (r *PostgresAnswerRecordRepo) ListByUserID(ctx context.Context, userID string) ([]*model.AnswerRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, problem_id, correct_count, total_count, last_attempt
		 FROM answer_records WHERE user_id = $1
		 ORDER BY last_attempt DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("回答記録の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var records []*model.AnswerRecord
	for rows.Next() {
		rec := &model.AnswerRecord{}
		if err := rows.Scan(&rec.UserID, &rec.ProblemID, &rec.CorrectCount, &rec.TotalCount, &rec.LastAttempt); err != nil {
			return nil, fmt.Errorf("回答記録の読み取りに失敗しました: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("回答記録の走査に失敗しました: %w", err)
	}
	return records, nil
}

// compile-time interface check
var _ AnswerRecordRepository = (*PostgresAnswerRecordRepo)(nil)
