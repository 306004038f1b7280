// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"net/mail"
	"regexp"
	"time"
	"unicode/utf8"
)

// User はサービス利用ユーザーを表す。
// PasswordHashは外部へ出力しない。
type User struct {
	ID           string
	Email        string
	Username     string
	Nickname     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
}

// Role は権限の段階を表す。値の大小がそのまま権限の強さになる。
type Role int

const (
	// RoleUser は一般ユーザー。
	RoleUser Role = iota
	// RoleAdmin は問題の管理ができる管理者。
	RoleAdmin
	// RoleSU は権限変更ができるスーパーユーザー。
	RoleSU
)

// String はDBやJSONで使う文字列表現を返す。
func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAdmin:
		return "admin"
	case RoleSU:
		return "su"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// AtLeast はrがmin以上の権限を持つかを返す。
func (r Role) AtLeast(min Role) bool {
	return r >= min
}

// MarshalText はencoding.TextMarshalerを実装する。
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText はencoding.TextUnmarshalerを実装する。
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRole は文字列表現からRoleを得る。
func ParseRole(s string) (Role, error) {
	switch s {
	case "user":
		return RoleUser, nil
	case "admin":
		return RoleAdmin, nil
	case "su":
		return RoleSU, nil
	}
	return RoleUser, fmt.Errorf("unknown role: %q", s)
}

// UserField は一意性を持つユーザー属性の種類を表す。
type UserField int

const (
	FieldUsername UserField = iota + 1
	FieldEmail
	FieldNickname
)

// UserFields は登録時に検証する属性の一覧。
var UserFields = []UserField{FieldEmail, FieldUsername, FieldNickname}

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{3,16}$`)
	nicknamePattern = regexp.MustCompile(
		`^[\x{3040}-\x{30FF}\x{3400}-\x{4DBF}\x{4E00}-\x{9FFF}\x{AC00}-\x{D7AF}a-zA-Z0-9\x{00C0}-\x{00FF}_-]{2,16}$`,
	)
)

const maxEmailLength = 254

// ParseUserField はクエリ文字列の属性名からUserFieldを得る。
func ParseUserField(s string) (UserField, bool) {
	switch s {
	case "username":
		return FieldUsername, true
	case "email":
		return FieldEmail, true
	case "nickname":
		return FieldNickname, true
	}
	return 0, false
}

// String は属性名を返す。
func (f UserField) String() string {
	switch f {
	case FieldUsername:
		return "username"
	case FieldEmail:
		return "email"
	case FieldNickname:
		return "nickname"
	}
	return "unknown"
}

// Valid は値が属性ごとの形式を満たすかを返す。
func (f UserField) Valid(value string) bool {
	switch f {
	case FieldUsername:
		return usernamePattern.MatchString(value)
	case FieldEmail:
		return validEmail(value)
	case FieldNickname:
		return nicknamePattern.MatchString(value)
	}
	return false
}

// Of はユーザーから該当属性の値を取り出す。
func (f UserField) Of(u *User) string {
	switch f {
	case FieldUsername:
		return u.Username
	case FieldEmail:
		return u.Email
	case FieldNickname:
		return u.Nickname
	}
	return ""
}

// validEmail は表示名や山括弧を含まない素のアドレスのみ受け付ける。
func validEmail(value string) bool {
	if value == "" || len(value) > maxEmailLength {
		return false
	}
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return false
	}
	return addr.Address == value
}

// パスワード長の制限（文字数）
const (
	MinPasswordLength = 8
	MaxPasswordLength = 128
)

// ValidPassword はパスワード長が許容範囲内かを返す。
func ValidPassword(password string) bool {
	n := utf8.RuneCountInString(password)
	return n >= MinPasswordLength && n <= MaxPasswordLength
}

// FieldCheckResult は属性の利用可否判定結果。
type FieldCheckResult string

const (
	FieldOK       FieldCheckResult = "ok"
	FieldConflict FieldCheckResult = "conflict"
	FieldInvalid  FieldCheckResult = "invalid"
)
