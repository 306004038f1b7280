// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/quizbank/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByUsername はユーザー名（大文字小文字を区別しない）で検索する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.User, error)

	// FindByEmail はメールアドレス（大文字小文字を区別しない）で検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// ExistsByField は指定属性の値が既に使われているかを返す。
	ExistsByField(ctx context.Context, field model.UserField, value string) (bool, error)

	// Create はユーザーを作成する。
	// 一意制約に違反した場合は該当属性を示す*model.APIError（CONFLICT）を返す。
	Create(ctx context.Context, user *model.User) error

	// UpdateRole はユーザーの権限を変更する。対象が存在しない場合はfalseを返す。
	UpdateRole(ctx context.Context, id string, role model.Role) (bool, error)
}

// SessionMutator はロック取得済みのセッションに対して状態遷移を適用する関数。
// persistがtrueの場合、変更後のセッションが保存される。
type SessionMutator func(session *model.LoginSession) (persist bool, err error)

// SessionRepository はログインセッションの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.LoginSession) error

	// MutateByAccessToken はアクセストークンに一致するセッションを行ロックした上でfnを適用する。
	// 該当セッションがない場合はfnを呼ばずにnilを返す。
	// fnがエラーを返した場合でも、persistがtrueであれば変更を確定してからそのエラーを返す。
	MutateByAccessToken(ctx context.Context, accessToken string, fn SessionMutator) (*model.LoginSession, error)

	// ListByUserID はユーザーの全セッションを作成日時の降順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.LoginSession, error)

	// ExpireStale は指定IDのうち、now時点で期限切れのACTIVEセッションをEXPIREDにする。
	ExpireStale(ctx context.Context, ids []string, now time.Time) error

	// KickByUserID はユーザーの有効なセッションをすべてKICKEDにし、件数を返す。
	KickByUserID(ctx context.Context, userID string, now time.Time) (int64, error)

	// PurgeInactive はACTIVE以外で、リフレッシュ期限がbeforeより前のセッションを削除する。
	PurgeInactive(ctx context.Context, before time.Time) (int64, error)
}

// ProblemQuery は問題検索の条件。
type ProblemQuery struct {
	Keyword      string // 問題文・選択肢の部分一致（空なら条件なし）
	ProblemSetID string // 空なら全問題集
	Offset       int
	Limit        int
}

// ProblemRepository は問題集・問題・選択肢の永続化インターフェース。
type ProblemRepository interface {
	// CreateSet は問題集を作成する。同名の問題集が既にある場合はそのIDとfalseを返す。
	CreateSet(ctx context.Context, name string) (id string, created bool, err error)

	// ListSets は全問題集を所属問題数付きで返す。
	ListSets(ctx context.Context) ([]*model.ProblemSet, error)

	// SetExists は問題集が存在するかを返す。
	SetExists(ctx context.Context, id string) (bool, error)

	// CreateProblems は問題と選択肢を同一トランザクションで作成する。
	CreateProblems(ctx context.Context, problems []*model.Problem) error

	// Exists は問題が存在するかを返す。
	Exists(ctx context.Context, id string) (bool, error)

	// Search は条件に一致する問題を選択肢付きで返す。
	Search(ctx context.Context, q ProblemQuery) ([]*model.Problem, error)

	// Count は問題数を返す。problemSetIDが空なら全件。
	Count(ctx context.Context, problemSetID string) (int, error)

	// Delete は指定IDの問題を削除し、削除件数を返す。選択肢はCASCADE削除される。
	Delete(ctx context.Context, ids []string) (int64, error)

	// Random は問題をランダムにn件返す。problemSetIDが空なら全問題集から選ぶ。
	Random(ctx context.Context, problemSetID string, n int) ([]*model.Problem, error)
}

// AnswerRecordRepository は回答集計の永続化インターフェース。
type AnswerRecordRepository interface {
	// Record は回答1回分を集計に加算する。記録がなければ作成する。
	Record(ctx context.Context, userID, problemID string, correct bool, at time.Time) (*model.AnswerRecord, error)

	// ListByUserID はユーザーの回答集計を最終回答日時の降順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.AnswerRecord, error)
}
