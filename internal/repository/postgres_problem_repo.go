package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/hitoshi/quizbank/internal/model"
)

// PostgresProblemRepo はPostgreSQLを使用した問題リポジトリ。
type PostgresProblemRepo struct {
	db *sql.DB
}

// NewPostgresProblemRepo はPostgresProblemRepoを生成する。
func NewPostgresProblemRepo(db *sql.DB) *PostgresProblemRepo {
	return &PostgresProblemRepo{db: db}
}

// CreateSet は問題集を作成する。同名の問題集がある場合は既存のIDを返す。
func (r *PostgresProblemRepo) CreateSet(ctx context.Context, name string) (string, bool, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO problemsets (name) VALUES ($1)
		 ON CONFLICT (name) DO NOTHING
		 RETURNING id`,
		name,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("failed to create problem set: %w", err)
	}

	err = r.db.QueryRowContext(ctx, `SELECT id FROM problemsets WHERE name = $1`, name).Scan(&id)
	if err != nil {
		return "", false, fmt.Errorf("failed to find existing problem set: %w", err)
	}
	return id, false, nil
}

// ListSets は全問題集を所属問題数付きで返す。
func (r *PostgresProblemRepo) ListSets(ctx context.Context) ([]*model.ProblemSet, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.id, s.name, s.created_at, count(p.id)
		 FROM problemsets s
		 LEFT JOIN problems p ON p.problemset_id = s.id
		 GROUP BY s.id
		 ORDER BY s.created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("問題集一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var sets []*model.ProblemSet
	for rows.Next() {
		s := &model.ProblemSet{}
		if err := rows.Scan(&s.ID, &s.Name, &s.CreatedAt, &s.Count); err != nil {
			return nil, fmt.Errorf("問題集の読み取りに失敗しました: %w", err)
		}
		sets = append(sets, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("問題集の走査に失敗しました: %w", err)
	}
	return sets, nil
}

// SetExists は問題集が存在するかを返す。
func (r *PostgresProblemRepo) SetExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM problemsets WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check problem set: %w", err)
	}
	return exists, nil
}

// CreateProblems は問題と選択肢を同一トランザクションで作成する。
func (r *PostgresProblemRepo) CreateProblems(ctx context.Context, problems []*model.Problem) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range problems {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO problems (id, problemset_id, content, type, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			p.ID, p.ProblemSetID, p.Content, string(p.Type), p.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert problem: %w", err)
		}

		for _, o := range p.Options {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO options (id, problem_id, sort_order, content, is_correct)
				 VALUES ($1, $2, $3, $4, $5)`,
				o.ID, p.ID, o.Order, o.Content, o.IsCorrect,
			)
			if err != nil {
				return fmt.Errorf("failed to insert option: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Exists は問題が存在するかを返す。
func (r *PostgresProblemRepo) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM problems WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check problem: %w", err)
	}
	return exists, nil
}

// Search は条件に一致する問題を作成日時順に返す。
// キーワードは問題文または選択肢のいずれかに大文字小文字を区別せず部分一致すればよい。
func (r *PostgresProblemRepo) Search(ctx context.Context, q ProblemQuery) ([]*model.Problem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT p.id, p.problemset_id, p.content, p.type, p.created_at
		 FROM problems p
		 WHERE ($1 = '' OR p.problemset_id = NULLIF($1, '')::uuid)
		   AND ($2 = '' OR p.content ILIKE '%' || $2 || '%'
		        OR EXISTS (SELECT 1 FROM options o WHERE o.problem_id = p.id AND o.content ILIKE '%' || $2 || '%'))
		 ORDER BY p.created_at ASC, p.id ASC
		 LIMIT $3 OFFSET $4`,
		q.ProblemSetID, escapeLike(q.Keyword), q.Limit, q.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("問題の検索に失敗しました: %w", err)
	}
	return r.collectProblems(ctx, rows)
}

// Count は問題数を返す。
func (r *PostgresProblemRepo) Count(ctx context.Context, problemSetID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM problems WHERE ($1 = '' OR problemset_id = NULLIF($1, '')::uuid)`,
		problemSetID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count problems: %w", err)
	}
	return count, nil
}

// Delete は指定IDの問題を削除する。
func (r *PostgresProblemRepo) Delete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM problems WHERE id = ANY($1::uuid[])`,
		pq.Array(ids),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete problems: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// Random は問題をランダムにn件返す。
func (r *PostgresProblemRepo) Random(ctx context.Context, problemSetID string, n int) ([]*model.Problem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT p.id, p.problemset_id, p.content, p.type, p.created_at
		 FROM problems p
		 WHERE ($1 = '' OR p.problemset_id = NULLIF($1, '')::uuid)
		 ORDER BY random()
		 LIMIT $2`,
		problemSetID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("問題のランダム取得に失敗しました: %w", err)
	}
	return r.collectProblems(ctx, rows)
}

// collectProblems は問題行を読み取り、選択肢をまとめて付与する。rowsはここで閉じる。
func (r *PostgresProblemRepo) collectProblems(ctx context.Context, rows *sql.Rows) ([]*model.Problem, error) {
	defer rows.Close()

	var problems []*model.Problem
	byID := make(map[string]*model.Problem)
	for rows.Next() {
		p := &model.Problem{}
		var typ string
		if err := rows.Scan(&p.ID, &p.ProblemSetID, &p.Content, &typ, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("問題の読み取りに失敗しました: %w", err)
		}
		p.Type = model.ProblemType(typ)
		p.Options = []model.Option{}
		problems = append(problems, p)
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("問題の走査に失敗しました: %w", err)
	}
	rows.Close()

	if len(problems) == 0 {
		return problems, nil
	}

	ids := make([]string, 0, len(problems))
	for _, p := range problems {
		ids = append(ids, p.ID)
	}

	optRows, err := r.db.QueryContext(ctx,
		`SELECT id, problem_id, sort_order, content, is_correct
		 FROM options WHERE problem_id = ANY($1::uuid[])
		 ORDER BY problem_id, sort_order`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("選択肢の取得に失敗しました: %w", err)
	}
	defer optRows.Close()

	for optRows.Next() {
		var o model.Option
		if err := optRows.Scan(&o.ID, &o.ProblemID, &o.Order, &o.Content, &o.IsCorrect); err != nil {
			return nil, fmt.Errorf("選択肢の読み取りに失敗しました: %w", err)
		}
		if p, ok := byID[o.ProblemID]; ok {
			p.Options = append(p.Options, o)
		}
	}
	if err := optRows.Err(); err != nil {
		return nil, fmt.Errorf("選択肢の走査に失敗しました: %w", err)
	}

	return problems, nil
}

// escapeLike はLIKEパターンの特殊文字をエスケープする。
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// compile-time interface check
var _ ProblemRepository = (*PostgresProblemRepo)(nil)
