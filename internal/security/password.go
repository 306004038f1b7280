package security

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2Params はArgon2idのコストパラメータ。
type Argon2Params struct {
	Time    uint32 // 反復回数
	Memory  uint32 // メモリ量（KiB）
	Threads uint8
	KeyLen  uint32
	SaltLen uint32
}

// DefaultArgon2Params はRFC 9106の低メモリ推奨値（t=3, m=64MiB, p=4）。
var DefaultArgon2Params = Argon2Params{
	Time:    3,
	Memory:  64 * 1024,
	Threads: 4,
	KeyLen:  32,
	SaltLen: 16,
}

// 保存済みダイジェストから読み取るパラメータの上限。
// 破損した値で過大な計算をしないための制限。
const (
	maxDigestMemory = 1024 * 1024
	maxDigestTime   = 16
	maxDigestKeyLen = 128
)

// CredentialVerifier はパスワードのハッシュ化と照合のインターフェース。
type CredentialVerifier interface {
	// Hash はパスワードのダイジェストをPHC形式で返す。
	Hash(ctx context.Context, secret string) (string, error)
	// Verify はダイジェストとパスワードが一致すればtrueを返す。
	// ダイジェストが不正な形式の場合やctxが終了した場合もfalseを返す。
	Verify(ctx context.Context, digest, secret string) bool
}

// Argon2Hasher はArgon2idによるCredentialVerifierの実装。
// 計算は呼び出し元とは別のgoroutineで行い、同時実行数をセマフォで制限する。
type Argon2Hasher struct {
	params Argon2Params
	sem    chan struct{}
}

// NewArgon2Hasher はArgon2Hasherを生成する。maxConcurrentが1未満の場合は1とする。
func NewArgon2Hasher(params Argon2Params, maxConcurrent int) *Argon2Hasher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Argon2Hasher{
		params: params,
		sem:    make(chan struct{}, maxConcurrent),
	}
}

// Hash はパスワードのダイジェストを返す。
// 形式: $argon2id$v=19$m=65536,t=3,p=4$<base64 salt>$<base64 hash>
func (h *Argon2Hasher) Hash(ctx context.Context, secret string) (string, error) {
	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	var key []byte
	err := h.offload(ctx, func() {
		key = argon2.IDKey([]byte(secret), salt, h.params.Time, h.params.Memory, h.params.Threads, h.params.KeyLen)
	})
	if err != nil {
		return "", fmt.Errorf("password hashing aborted: %w", err)
	}

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory, h.params.Time, h.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify はダイジェストに記録されたパラメータで再計算し、定数時間で比較する。
// パラメータ変更前に作られたダイジェストも照合できる。
func (h *Argon2Hasher) Verify(ctx context.Context, digest, secret string) bool {
	d, ok := parseDigest(digest)
	if !ok {
		return false
	}

	var key []byte
	err := h.offload(ctx, func() {
		key = argon2.IDKey([]byte(secret), d.salt, d.time, d.memory, d.threads, uint32(len(d.key)))
	})
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(key, d.key) == 1
}

// offload はfnを別goroutineで実行し、完了かctxの終了まで待つ。
// ctx終了後もfnは最後まで実行され、その時点でセマフォを解放する。
func (h *Argon2Hasher) offload(ctx context.Context, fn func()) error {
	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		defer func() { <-h.sem }()
		defer close(done)
		fn()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type argon2Digest struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	key     []byte
}

// parseDigest はPHC形式のArgon2idダイジェストを分解する。
func parseDigest(digest string) (argon2Digest, bool) {
	var d argon2Digest

	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return d, false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return d, false
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &d.memory, &d.time, &d.threads); err != nil {
		return d, false
	}
	if d.memory == 0 || d.memory > maxDigestMemory || d.time == 0 || d.time > maxDigestTime || d.threads == 0 {
		return d, false
	}

	var err error
	if d.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(d.salt) == 0 {
		return d, false
	}
	if d.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(d.key) == 0 || len(d.key) > maxDigestKeyLen {
		return d, false
	}

	return d, true
}

// compile-time interface check
var _ CredentialVerifier = (*Argon2Hasher)(nil)
