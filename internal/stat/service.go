// Package stat はユーザーごとの回答集計を扱う。
package stat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/quizbank/internal/model"
	"github.com/hitoshi/quizbank/internal/repository"
)

// ProblemChecker は問題の存在確認インターフェース。
type ProblemChecker interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Service は回答集計のサービス層。
type Service struct {
	records  repository.AnswerRecordRepository
	problems ProblemChecker
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(records repository.AnswerRecordRepository, problems ProblemChecker) *Service {
	return &Service{
		records:  records,
		problems: problems,
		now:      time.Now,
	}
}

// Report は回答1回分を記録し、更新後の集計を返す。
// atがゼロ値または未来の場合は現在時刻を回答日時とする。
func (s *Service) Report(ctx context.Context, userID, problemID string, correct bool, at time.Time) (*model.AnswerRecord, error) {
	id, err := uuid.Parse(problemID)
	if err != nil {
		return nil, model.NewProblemNotFoundError(problemID)
	}
	problemID = id.String()
	exists, err := s.problems.Exists(ctx, problemID)
	if err != nil {
		return nil, fmt.Errorf("failed to check problem: %w", err)
	}
	if !exists {
		return nil, model.NewProblemNotFoundError(problemID)
	}

	now := s.now()
	if at.IsZero() || at.After(now) {
		at = now
	}

	rec, err := s.records.Record(ctx, userID, problemID, correct, at)
	if err != nil {
		return nil, fmt.Errorf("回答の記録に失敗しました: %w", err)
	}
	return rec, nil
}

// Mine はユーザーの回答集計を返す。
func (s *Service) Mine(ctx context.Context, userID string) ([]*model.AnswerRecord, error) {
	records, err := s.records.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list answer records: %w", err)
	}
	if records == nil {
		records = []*model.AnswerRecord{}
	}
	return records, nil
}
