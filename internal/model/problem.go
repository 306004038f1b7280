package model

import "time"

// ProblemType は問題の回答形式を表す。
type ProblemType string

const (
	// ProblemSingleSelect は単一選択問題。
	ProblemSingleSelect ProblemType = "single_select"
	// ProblemMultiSelect は複数選択問題。
	ProblemMultiSelect ProblemType = "multi_select"
)

// Valid は定義済みの回答形式かを返す。
func (t ProblemType) Valid() bool {
	return t == ProblemSingleSelect || t == ProblemMultiSelect
}

// ProblemSet は問題集を表す。
type ProblemSet struct {
	ID        string
	Name      string
	Count     int // 所属する問題数（一覧取得時のみ）
	CreatedAt time.Time
}

// Problem は選択式の問題を表す。
type Problem struct {
	ID           string
	ProblemSetID string
	Content      string
	Type         ProblemType
	Options      []Option
	CreatedAt    time.Time
}

// Option は問題の選択肢を表す。
type Option struct {
	ID        string
	ProblemID string
	Order     int
	Content   string
	IsCorrect bool
}

// ProblemSetCreateStatus は問題集作成の結果。
type ProblemSetCreateStatus string

const (
	ProblemSetCreated       ProblemSetCreateStatus = "success"
	ProblemSetAlreadyExists ProblemSetCreateStatus = "already_exists"
)

// AnswerRecord はユーザーごと・問題ごとの回答集計を表す。
type AnswerRecord struct {
	UserID       string
	ProblemID    string
	CorrectCount int
	TotalCount   int
	LastAttempt  time.Time
}
