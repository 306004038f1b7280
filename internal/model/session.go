package model

import "time"

// SessionStatus はログインセッションの状態を表す。
// ACTIVEからREVOKED・KICKED・EXPIREDのいずれかへ一方向にのみ遷移する。
type SessionStatus string

const (
	// SessionActive は有効なセッション。
	SessionActive SessionStatus = "active"
	// SessionRevoked はログアウト済みのセッション。
	SessionRevoked SessionStatus = "revoked"
	// SessionKicked は管理者により強制終了されたセッション。
	SessionKicked SessionStatus = "kicked"
	// SessionExpired は有効期限切れのセッション。
	SessionExpired SessionStatus = "expired"
	// SessionInvalid は該当セッションが存在しないことを表す。DBには保存しない。
	SessionInvalid SessionStatus = "invalid"
)

// LoginSession は1端末分のログインセッションを表す。
// リフレッシュトークンは平文で保持せず、ダイジェストのみを持つ。
type LoginSession struct {
	ID                    string
	AccessToken           string
	UserID                string
	Status                SessionStatus
	ExpiresAt             time.Time
	CreatedAt             time.Time
	LastRenewal           time.Time
	LastActive            time.Time
	RefreshTokenHash      string
	RefreshTokenExpiresAt time.Time
	DeviceInfo            string
}

// Evaluate はnow時点での状態を判定する。
// 有効期限を過ぎたACTIVEセッションはEXPIREDとなり、changedがtrueになる。
// 判定のみを行い、セッション自体は変更しない。
func (s *LoginSession) Evaluate(now time.Time) (status SessionStatus, changed bool) {
	if s.Status == SessionActive && !now.Before(s.ExpiresAt) {
		return SessionExpired, true
	}
	return s.Status, false
}

// CanRefresh はnow時点でリフレッシュトークンが使用可能かを返す。
func (s *LoginSession) CanRefresh(now time.Time) bool {
	return s.Status == SessionActive && now.Before(s.RefreshTokenExpiresAt)
}
