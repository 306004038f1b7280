// Package problem は問題集・問題・選択肢を扱う問題バンクのドメインロジックを提供する。
package problem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/quizbank/internal/model"
	"github.com/hitoshi/quizbank/internal/repository"
	"github.com/hitoshi/quizbank/internal/security"
)

// 検索・取得件数の制限
const (
	DefaultPageSize    = 20
	MaxPageSize        = 100
	DefaultRandomCount = 20
	MaxRandomCount     = 100
	MaxProblemsPerAdd  = 100
	MaxOptions         = 10
	maxSetNameLength   = 128
)

// NewProblem は追加する問題の入力。
type NewProblem struct {
	Content string
	Type    model.ProblemType
	Options []NewOption
}

// NewOption は追加する選択肢の入力。Orderが0の場合は入力順で採番する。
type NewOption struct {
	Content   string
	Order     int
	IsCorrect bool
}

// SearchQuery は問題検索の入力。PageとPageSizeは範囲外なら丸められる。
type SearchQuery struct {
	Keyword      string
	ProblemSetID string
	Page         int
	PageSize     int
}

// Service は問題バンクのサービス層。
type Service struct {
	repo      repository.ProblemRepository
	sanitizer security.ContentSanitizerService
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(repo repository.ProblemRepository, sanitizer security.ContentSanitizerService) *Service {
	return &Service{
		repo:      repo,
		sanitizer: sanitizer,
		now:       time.Now,
	}
}

// CreateSet は問題集を作成する。同名の問題集が既にある場合はそのIDとalready_existsを返す。
func (s *Service) CreateSet(ctx context.Context, name string) (string, model.ProblemSetCreateStatus, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", model.NewValidationError("nameは必須です")
	}
	if utf8.RuneCountInString(name) > maxSetNameLength {
		return "", "", model.NewValidationError(fmt.Sprintf("nameは%d文字以内で指定してください", maxSetNameLength))
	}

	id, created, err := s.repo.CreateSet(ctx, name)
	if err != nil {
		return "", "", fmt.Errorf("問題集の作成に失敗しました: %w", err)
	}
	if !created {
		return id, model.ProblemSetAlreadyExists, nil
	}

	slog.Info("問題集を作成しました",
		slog.String("problemset_id", id),
		slog.String("name", name),
	)
	return id, model.ProblemSetCreated, nil
}

// ListSets は全問題集を問題数付きで返す。
func (s *Service) ListSets(ctx context.Context) ([]*model.ProblemSet, error) {
	sets, err := s.repo.ListSets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list problem sets: %w", err)
	}
	if sets == nil {
		sets = []*model.ProblemSet{}
	}
	return sets, nil
}

// Add は問題集に問題を追加し、作成した問題のIDを入力順に返す。
// 問題文と選択肢はHTMLサニタイズしてから保存する。
func (s *Service) Add(ctx context.Context, problemSetID string, inputs []NewProblem) ([]string, error) {
	setID, err := uuid.Parse(problemSetID)
	if err != nil {
		return nil, model.NewProblemSetNotFoundError(problemSetID)
	}
	problemSetID = setID.String()
	if len(inputs) == 0 {
		return nil, model.NewValidationError("problemsは1件以上指定してください")
	}
	if len(inputs) > MaxProblemsPerAdd {
		return nil, model.NewValidationError(fmt.Sprintf("problemsは%d件以内で指定してください", MaxProblemsPerAdd))
	}

	exists, err := s.repo.SetExists(ctx, problemSetID)
	if err != nil {
		return nil, fmt.Errorf("failed to check problem set: %w", err)
	}
	if !exists {
		return nil, model.NewProblemSetNotFoundError(problemSetID)
	}

	now := s.now()
	problems := make([]*model.Problem, 0, len(inputs))
	ids := make([]string, 0, len(inputs))
	for i, in := range inputs {
		p, err := s.buildProblem(problemSetID, in, now)
		if err != nil {
			return nil, model.NewValidationError(fmt.Sprintf("problems[%d]: %s", i, err.Error()))
		}
		problems = append(problems, p)
		ids = append(ids, p.ID)
	}

	if err := s.repo.CreateProblems(ctx, problems); err != nil {
		return nil, fmt.Errorf("問題の追加に失敗しました: %w", err)
	}

	slog.Info("問題を追加しました",
		slog.String("problemset_id", problemSetID),
		slog.Int("count", len(problems)),
	)
	return ids, nil
}

// buildProblem は入力を検証し、サニタイズ済みの問題を組み立てる。
// 返すエラーはクライアント向けの理由文のみを持つ。
func (s *Service) buildProblem(problemSetID string, in NewProblem, now time.Time) (*model.Problem, error) {
	if !in.Type.Valid() {
		return nil, errors.New("typeはsingle_selectまたはmulti_selectを指定してください")
	}
	content := s.sanitizer.Sanitize(in.Content)
	if content == "" {
		return nil, errors.New("contentは必須です")
	}
	if len(in.Options) < 2 || len(in.Options) > MaxOptions {
		return nil, fmt.Errorf("optionsは2件以上%d件以内で指定してください", MaxOptions)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.New("IDを生成できませんでした")
	}

	p := &model.Problem{
		ID:           id.String(),
		ProblemSetID: problemSetID,
		Content:      content,
		Type:         in.Type,
		Options:      make([]model.Option, 0, len(in.Options)),
		CreatedAt:    now,
	}

	correct := 0
	for i, o := range in.Options {
		optContent := s.sanitizer.Sanitize(o.Content)
		if optContent == "" {
			return nil, fmt.Errorf("options[%d].contentは必須です", i)
		}
		order := o.Order
		if order == 0 {
			order = i + 1
		}
		if o.IsCorrect {
			correct++
		}
		p.Options = append(p.Options, model.Option{
			ID:        uuid.NewString(),
			ProblemID: p.ID,
			Order:     order,
			Content:   optContent,
			IsCorrect: o.IsCorrect,
		})
	}

	switch in.Type {
	case model.ProblemSingleSelect:
		if correct != 1 {
			return nil, errors.New("single_selectの正解はちょうど1つにしてください")
		}
	case model.ProblemMultiSelect:
		if correct < 1 {
			return nil, errors.New("multi_selectの正解は1つ以上にしてください")
		}
	}
	return p, nil
}

// Search は条件に一致する問題を選択肢付きで返す。
func (s *Service) Search(ctx context.Context, q SearchQuery) ([]*model.Problem, error) {
	setID, err := canonicalSetFilter(q.ProblemSetID)
	if err != nil {
		return nil, err
	}
	page, size := ClampPage(q.Page, q.PageSize)

	problems, err := s.repo.Search(ctx, repository.ProblemQuery{
		Keyword:      strings.TrimSpace(q.Keyword),
		ProblemSetID: setID,
		Offset:       (page - 1) * size,
		Limit:        size,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search problems: %w", err)
	}
	if problems == nil {
		problems = []*model.Problem{}
	}
	return problems, nil
}

// Count は問題数を返す。problemSetIDが空なら全件を数える。
func (s *Service) Count(ctx context.Context, problemSetID string) (int, error) {
	setID, err := canonicalSetFilter(problemSetID)
	if err != nil {
		return 0, err
	}
	n, err := s.repo.Count(ctx, setID)
	if err != nil {
		return 0, fmt.Errorf("failed to count problems: %w", err)
	}
	return n, nil
}

// Delete は指定IDの問題を削除し、削除件数を返す。存在しないIDは無視する。
func (s *Service) Delete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, model.NewValidationError("idsは1件以上指定してください")
	}
	canonical := make([]string, 0, len(ids))
	for _, id := range ids {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return 0, model.NewValidationError("idsに不正なIDが含まれています")
		}
		canonical = append(canonical, parsed.String())
	}

	n, err := s.repo.Delete(ctx, canonical)
	if err != nil {
		return 0, fmt.Errorf("問題の削除に失敗しました: %w", err)
	}

	slog.Info("問題を削除しました", slog.Int64("count", n))
	return n, nil
}

// Random は問題をランダムにn件返す。nは1以上MaxRandomCount以下に丸められ、0以下なら既定値を使う。
func (s *Service) Random(ctx context.Context, problemSetID string, n int) ([]*model.Problem, error) {
	setID, err := canonicalSetFilter(problemSetID)
	if err != nil {
		return nil, err
	}
	switch {
	case n <= 0:
		n = DefaultRandomCount
	case n > MaxRandomCount:
		n = MaxRandomCount
	}

	problems, err := s.repo.Random(ctx, setID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to sample problems: %w", err)
	}
	if problems == nil {
		problems = []*model.Problem{}
	}
	return problems, nil
}

// ClampPage はページ番号とページサイズを有効な範囲（1以上、サイズはMaxPageSize以下）に丸める。
func ClampPage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case size < 1:
		size = 1
	case size > MaxPageSize:
		size = MaxPageSize
	}
	return page, size
}

// canonicalSetFilter は問題集IDの絞り込み条件を正規形にする。空文字は絞り込みなしとしてそのまま返す。
func canonicalSetFilter(problemSetID string) (string, error) {
	if problemSetID == "" {
		return "", nil
	}
	id, err := uuid.Parse(problemSetID)
	if err != nil {
		return "", model.NewValidationError("problemset_idの形式が正しくありません")
	}
	return id.String(), nil
}
