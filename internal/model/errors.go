// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, problem, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeLoginRequired      = "LOGIN_REQUIRED"
	ErrCodeInvalidCredential  = "INVALID_CREDENTIAL"
	ErrCodeSessionInvalid     = "SESSION_INVALID"
	ErrCodeSessionExpired     = "SESSION_EXPIRED"
	ErrCodeSessionNotFound    = "SESSION_NOT_FOUND"
	ErrCodeRefreshRejected    = "REFRESH_REJECTED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeAlreadyLoggedIn    = "ALREADY_LOGGED_IN"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeProblemSetNotFound = "PROBLEMSET_NOT_FOUND"
	ErrCodeProblemNotFound    = "PROBLEM_NOT_FOUND"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// CodeOf はerrがAPIErrorであればそのコードを返す。それ以外は空文字を返す。
func CodeOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// NewValidationError は入力形式の不備を表すエラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力内容が正しくありません: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewLoginRequiredError は認証情報が提示されていない場合のエラーを生成する。
func NewLoginRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeLoginRequired,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidCredentialError は認証失敗エラーを生成する。
// ユーザーが存在しない場合とパスワード不一致の場合で同一の内容を返す。
func NewInvalidCredentialError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredential,
		Message:  "ユーザー名またはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度ログインしてください。",
	}
}

// NewSessionInvalidError は無効なセッションのエラーを生成する。
func NewSessionInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionInvalid,
		Message:  "セッションが無効です。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewSessionExpiredError は期限切れセッションのエラーを生成する。
func NewSessionExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionExpired,
		Message:  "セッションの有効期限が切れています。",
		Category: "auth",
		Action:   "トークンを更新するか、ログインし直してください。",
	}
}

// NewSessionNotFoundError はログアウト対象のセッションが存在しない場合のエラーを生成する。
func NewSessionNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotFound,
		Message:  "有効なセッションが見つかりません。",
		Category: "auth",
		Action:   "既にログアウトしている可能性があります。",
	}
}

// NewRefreshRejectedError はリフレッシュトークンが受理されなかった場合のエラーを生成する。
func NewRefreshRejectedError() *APIError {
	return &APIError{
		Code:     ErrCodeRefreshRejected,
		Message:  "リフレッシュトークンが無効です。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "管理者に権限の付与を依頼してください。",
	}
}

// NewConflictError は一意制約違反エラーを生成する。
func NewConflictError(field string) *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  fmt.Sprintf("既に使用されています: %s", field),
		Category: "validation",
		Action:   "別の値を指定してください。",
	}
}

// NewAlreadyLoggedInError はログイン済みの状態でログインしようとした場合のエラーを生成する。
func NewAlreadyLoggedInError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyLoggedIn,
		Message:  "既にログインしています。",
		Category: "auth",
		Action:   "先にログアウトしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ユーザーIDを確認してください。",
	}
}

// NewProblemSetNotFoundError は問題集が見つからない場合のエラーを生成する。
func NewProblemSetNotFoundError(problemSetID string) *APIError {
	return &APIError{
		Code:     ErrCodeProblemSetNotFound,
		Message:  fmt.Sprintf("指定された問題集が見つかりません: %s", problemSetID),
		Category: "problem",
		Action:   "問題集IDを確認してください。",
	}
}

// NewProblemNotFoundError は問題が見つからない場合のエラーを生成する。
func NewProblemNotFoundError(problemID string) *APIError {
	return &APIError{
		Code:     ErrCodeProblemNotFound,
		Message:  fmt.Sprintf("指定された問題が見つかりません: %s", problemID),
		Category: "problem",
		Action:   "問題IDを確認してください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエスト数が制限を超えました。しばらく待ってから再度お試しください。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
