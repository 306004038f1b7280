package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewOpaqueToken はUUID形式の推測不能なトークンを生成する。
// UUIDv4は122ビットの乱数を含む。
func NewOpaqueToken() string {
	return uuid.NewString()
}

// IsTokenShaped はトークンがUUIDとして解釈できるかを返す。
func IsTokenShaped(token string) bool {
	return uuid.Validate(token) == nil
}

// DigestToken はトークンのSHA-256ダイジェスト（16進数）を返す。
func DigestToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// DigestMatches はトークンのダイジェストが保存済みの値と一致するかを定数時間で判定する。
func DigestMatches(storedDigest, token string) bool {
	return subtle.ConstantTimeCompare([]byte(storedDigest), []byte(DigestToken(token))) == 1
}
