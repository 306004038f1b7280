package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/quizbank/internal/model"
	"github.com/hitoshi/quizbank/internal/repository"
	"github.com/hitoshi/quizbank/internal/security"
)

// --- モック定義 ---

type mockUserRepo struct {
	findByIDFn       func(ctx context.Context, id string) (*model.User, error)
	findByUsernameFn func(ctx context.Context, username string) (*model.User, error)
	findByEmailFn    func(ctx context.Context, email string) (*model.User, error)
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	if m.findByUsernameFn != nil {
		return m.findByUsernameFn(ctx, username)
	}
	return nil, nil
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	return nil, nil
}

func (m *mockUserRepo) ExistsByField(_ context.Context, _ model.UserField, _ string) (bool, error) {
	return false, nil
}

func (m *mockUserRepo) Create(_ context.Context, _ *model.User) error {
	return nil
}

func (m *mockUserRepo) UpdateRole(_ context.Context, _ string, _ model.Role) (bool, error) {
	return false, nil
}

// memSessionRepo はミューテックスで行ロックを模したインメモリのセッションリポジトリ。
type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.LoginSession
	writes   int
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: map[string]*model.LoginSession{}}
}

func (m *memSessionRepo) Create(_ context.Context, s *model.LoginSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *memSessionRepo) MutateByAccessToken(_ context.Context, token string, fn repository.SessionMutator) (*model.LoginSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stored := range m.sessions {
		if stored.AccessToken != token {
			continue
		}
		cp := *stored
		persist, err := fn(&cp)
		if persist {
			*stored = cp
			m.writes++
		}
		return &cp, err
	}
	return nil, nil
}

func (m *memSessionRepo) ListByUserID(_ context.Context, userID string) ([]*model.LoginSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.LoginSession
	for _, s := range m.sessions {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memSessionRepo) ExpireStale(_ context.Context, ids []string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if s, ok := m.sessions[id]; ok && s.Status == model.SessionActive && !now.Before(s.ExpiresAt) {
			s.Status = model.SessionExpired
			m.writes++
		}
	}
	return nil
}

func (m *memSessionRepo) KickByUserID(_ context.Context, userID string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.sessions {
		if s.UserID == userID && s.Status == model.SessionActive && now.Before(s.ExpiresAt) {
			s.Status = model.SessionKicked
			n++
		}
	}
	return n, nil
}

func (m *memSessionRepo) PurgeInactive(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (m *memSessionRepo) get(id string) model.LoginSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.sessions[id]
}

func (m *memSessionRepo) only(t *testing.T) model.LoginSession {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(m.sessions))
	}
	for _, s := range m.sessions {
		return *s
	}
	return model.LoginSession{}
}

// plainVerifier はテスト用の照合器。ダミー照合の呼び出し回数を数える。
type plainVerifier struct {
	mu       sync.Mutex
	verifies int
}

func (v *plainVerifier) Hash(_ context.Context, secret string) (string, error) {
	return "plain:" + secret, nil
}

func (v *plainVerifier) Verify(_ context.Context, digest, secret string) bool {
	v.mu.Lock()
	v.verifies++
	v.mu.Unlock()
	return digest == "plain:"+secret
}

// --- compile-time interface checks ---
var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ repository.SessionRepository = (*memSessionRepo)(nil)
var _ security.CredentialVerifier = (*plainVerifier)(nil)

// --- ヘルパー ---

const testUserID = "0192f0a6-7d7e-7c4b-9b8a-3f2e1d0c9b8a"

type fixture struct {
	svc      *Service
	sessions *memSessionRepo
	verifier *plainVerifier
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	alice := &model.User{
		ID:           testUserID,
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: "plain:correct-horse",
		Role:         model.RoleUser,
	}
	users := &mockUserRepo{
		findByIDFn: func(_ context.Context, id string) (*model.User, error) {
			if id == alice.ID {
				return alice, nil
			}
			return nil, nil
		},
		findByUsernameFn: func(_ context.Context, username string) (*model.User, error) {
			if username == alice.Username {
				return alice, nil
			}
			return nil, nil
		},
		findByEmailFn: func(_ context.Context, email string) (*model.User, error) {
			if email == alice.Email {
				return alice, nil
			}
			return nil, nil
		},
	}

	f := &fixture{
		sessions: newMemSessionRepo(),
		verifier: &plainVerifier{},
		clock:    time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(users, f.sessions, f.verifier, nil, ServiceConfig{
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
	})
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) login(t *testing.T) *TokenPair {
	t.Helper()
	pair, err := f.svc.Login(context.Background(), LoginRequest{Username: "alice", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	return pair
}

func assertCode(t *testing.T, err error, want string) {
	t.Helper()
	if got := model.CodeOf(err); got != want {
		t.Fatalf("error code = %q, want %q (err=%v)", got, want, err)
	}
}

// --- テスト ---

func TestLogin_IssuesActiveSession(t *testing.T) {
	f := newFixture(t)
	pair := f.login(t)

	if !security.IsTokenShaped(pair.AccessToken) || !security.IsTokenShaped(pair.RefreshToken) {
		t.Fatalf("tokens are not UUID shaped: %+v", pair)
	}
	if pair.AccessToken == pair.RefreshToken {
		t.Error("access and refresh tokens must differ")
	}

	s := f.sessions.only(t)
	if s.Status != model.SessionActive {
		t.Errorf("status = %s, want active", s.Status)
	}
	if s.UserID != testUserID {
		t.Errorf("user_id = %s, want %s", s.UserID, testUserID)
	}
	if !s.ExpiresAt.Equal(f.clock.Add(time.Hour)) {
		t.Errorf("expires_at = %v, want now+1h", s.ExpiresAt)
	}
	if !s.RefreshTokenExpiresAt.Equal(f.clock.Add(24 * time.Hour)) {
		t.Errorf("refresh_token_expires_at = %v, want now+24h", s.RefreshTokenExpiresAt)
	}
	if s.RefreshTokenHash == pair.RefreshToken {
		t.Error("refresh token must not be stored in plaintext")
	}
	if !security.DigestMatches(s.RefreshTokenHash, pair.RefreshToken) {
		t.Error("stored refresh digest does not match issued token")
	}
	if id, err := uuid.Parse(s.ID); err != nil || id.Version() != 7 {
		t.Errorf("session id = %s, want UUIDv7", s.ID)
	}
}

func TestLogin_ByEachIdentifier(t *testing.T) {
	tests := []struct {
		name string
		req  LoginRequest
	}{
		{"user_id", LoginRequest{UserID: testUserID, Password: "correct-horse"}},
		{"username", LoginRequest{Username: "alice", Password: "correct-horse"}},
		{"email", LoginRequest{Email: "alice@example.com", Password: "correct-horse"}},
		{"urn user_id", LoginRequest{UserID: "urn:uuid:" + testUserID, Password: "correct-horse"}},
		{"braced user_id", LoginRequest{UserID: "{" + testUserID + "}", Password: "correct-horse"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if _, err := f.svc.Login(context.Background(), tt.req); err != nil {
				t.Fatalf("Login() error = %v", err)
			}
		})
	}
}

func TestLogin_RequiresExactlyOneIdentifier(t *testing.T) {
	f := newFixture(t)
	cases := []LoginRequest{
		{Password: "correct-horse"},
		{Username: "alice", Email: "alice@example.com", Password: "correct-horse"},
	}
	for _, req := range cases {
		_, err := f.svc.Login(context.Background(), req)
		assertCode(t, err, model.ErrCodeValidation)
	}
}

// 未登録ユーザーとパスワード不一致は同じエラーになり、どちらも照合が実行されること
func TestLogin_UnknownUserAndWrongPasswordAreIndistinguishable(t *testing.T) {
	f := newFixture(t)

	_, errWrong := f.svc.Login(context.Background(), LoginRequest{Username: "alice", Password: "wrong"})
	_, errUnknown := f.svc.Login(context.Background(), LoginRequest{Username: "mallory", Password: "wrong"})
	_, errBadID := f.svc.Login(context.Background(), LoginRequest{UserID: "not-a-uuid", Password: "wrong"})

	assertCode(t, errWrong, model.ErrCodeInvalidCredential)
	assertCode(t, errUnknown, model.ErrCodeInvalidCredential)
	assertCode(t, errBadID, model.ErrCodeInvalidCredential)
	if errWrong.Error() != errUnknown.Error() {
		t.Errorf("messages differ: %q vs %q", errWrong, errUnknown)
	}
	if f.verifier.verifies != 3 {
		t.Errorf("verifies = %d, want 3", f.verifier.verifies)
	}
	if len(f.sessions.sessions) != 0 {
		t.Error("no session should be created on failure")
	}
}

func TestLogin_AllowsConcurrentSessions(t *testing.T) {
	f := newFixture(t)
	a := f.login(t)
	b := f.login(t)

	for _, tok := range []string{a.AccessToken, b.AccessToken} {
		if _, err := f.svc.Validate(context.Background(), tok); err != nil {
			t.Errorf("Validate(%s) error = %v", tok, err)
		}
	}
}

func TestValidate_ActiveUpdatesLastActive(t *testing.T) {
	f := newFixture(t)
	pair := f.login(t)

	f.clock = f.clock.Add(10 * time.Minute)
	s, err := f.svc.Validate(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if s.UserID != testUserID {
		t.Errorf("user_id = %s", s.UserID)
	}
	if got := f.sessions.get(s.ID).LastActive; !got.Equal(f.clock) {
		t.Errorf("last_active = %v, want %v", got, f.clock)
	}
}

func TestValidate_UnknownToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Validate(context.Background(), uuid.NewString())
	assertCode(t, err, model.ErrCodeSessionInvalid)
}

// 期限切れは初回検証でEXPIREDとして保存され、以降も同じ結果になること
func TestValidate_ExpiryIsPersistedOnceAndIdempotent(t *testing.T) {
	f := newFixture(t)
	pair := f.login(t)
	id := f.sessions.only(t).ID

	f.clock = f.clock.Add(time.Hour)
	_, err := f.svc.Validate(context.Background(), pair.AccessToken)
	assertCode(t, err, model.ErrCodeSessionExpired)
	if got := f.sessions.get(id).Status; got != model.SessionExpired {
		t.Fatalf("status = %s, want expired", got)
	}
	writes := f.sessions.writes

	_, err = f.svc.Validate(context.Background(), pair.AccessToken)
	assertCode(t, err, model.ErrCodeSessionExpired)
	if f.sessions.writes != writes {
		t.Error("second evaluation must not write")
	}
}

func TestRefresh_RotatesAccessTokenInPlace(t *testing.T) {
	f := newFixture(t)
	pair := f.login(t)
	before := f.sessions.only(t)

	f.clock = f.clock.Add(30 * time.Minute)
	refreshed, err := f.svc.Refresh(context.Background(), pair.AccessToken, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if refreshed.AccessToken == pair.AccessToken {
		t.Fatal("access token was not rotated")
	}
	if refreshed.RefreshToken != "" {
		t.Error("refresh token must not be re-issued")
	}

	after := f.sessions.get(before.ID)
	if after.UserID != before.UserID || after.RefreshTokenHash != before.RefreshTokenHash {
		t.Error("session identity or refresh digest changed")
	}
	if !after.LastRenewal.Equal(f.clock) {
		t.Errorf("last_renewal = %v, want %v", after.LastRenewal, f.clock)
	}
	if !after.ExpiresAt.Equal(f.clock.Add(time.Hour)) {
		t.Errorf("expires_at = %v, want now+1h", after.ExpiresAt)
	}

	_, err = f.svc.Validate(context.Background(), pair.AccessToken)
	assertCode(t, err, model.ErrCodeSessionInvalid)
	if _, err := f.svc.Validate(context.Background(), refreshed.AccessToken); err != nil {
		t.Errorf("Validate(new token) error = %v", err)
	}
}

// リフレッシュトークン不一致ではセッションが変更されないこと
func TestRefresh_MismatchLeavesSessionUntouched(t *testing.T) {
	f := newFixture(t)
	pair := f.login(t)
	before := f.sessions.only(t)
	writes := f.sessions.writes

	_, err := f.svc.Refresh(context.Background(), pair.AccessToken, uuid.NewString())
	assertCode(t, err, model.ErrCodeRefreshRejected)

	if f.sessions.writes != writes {
		t.Error("mismatched refresh must not write")
	}
	if after := f.sessions.get(before.ID); after != before {
		t.Errorf("session changed: %+v -> %+v", before, after)
	}
}

func TestRefresh_RejectsAfterLogoutOrUnknown(t *testing.T) {
	f := newFixture(t)
	pair := f.login(t)
	if err := f.svc.Logout(context.Background(), pair.AccessToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	_, err := f.svc.Refresh(context.Background(), pair.AccessToken, pair.RefreshToken)
	assertCode(t, err, model.ErrCodeRefreshRejected)

	_, err = f.svc.Refresh(context.Background(), uuid.NewString(), pair.RefreshToken)
	assertCode(t, err, model.ErrCodeRefreshRejected)

	_, err = f.svc.Refresh(context.Background(), pair.AccessToken, "")
	assertCode(t, err, model.ErrCodeValidation)
}

// アクセストークンの延長はリフレッシュ期限を超えないこと
func TestRefresh_ExpiryCappedByRefreshDeadline(t *testing.T) {
	f := newFixture(t)
	pair := f.login(t)
	id := f.sessions.only(t).ID

	tok := pair.AccessToken
	for i := 0; i < 24; i++ {
		f.clock = f.clock.Add(59 * time.Minute)
		next, err := f.svc.Refresh(context.Background(), tok, pair.RefreshToken)
		if err != nil {
			break
		}
		tok = next.AccessToken
	}

	s := f.sessions.get(id)
	if s.ExpiresAt.After(s.RefreshTokenExpiresAt) {
		t.Errorf("expires_at %v exceeds refresh deadline %v", s.ExpiresAt, s.RefreshTokenExpiresAt)
	}
}

// 並行したリフレッシュは一方だけが成功すること
func TestRefresh_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	pair := f.login(t)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Refresh(context.Background(), pair.AccessToken, pair.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("successful refreshes = %d, want 1", wins)
	}
}

func TestLogout_RevokesAndSecondLogoutFails(t *testing.T) {
	f := newFixture(t)
	pair := f.login(t)
	id := f.sessions.only(t).ID

	if err := f.svc.Logout(context.Background(), pair.AccessToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if got := f.sessions.get(id).Status; got != model.SessionRevoked {
		t.Fatalf("status = %s, want revoked", got)
	}

	_, err := f.svc.Validate(context.Background(), pair.AccessToken)
	assertCode(t, err, model.ErrCodeSessionInvalid)

	writes := f.sessions.writes
	err = f.svc.Logout(context.Background(), pair.AccessToken)
	assertCode(t, err, model.ErrCodeSessionNotFound)
	if f.sessions.writes != writes {
		t.Error("second logout must not write")
	}
}

func TestLogout_UnknownToken(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Logout(context.Background(), uuid.NewString())
	assertCode(t, err, model.ErrCodeSessionNotFound)
}

func TestListSessions_PersistsStaleExpiry(t *testing.T) {
	f := newFixture(t)
	old := f.login(t)
	f.clock = f.clock.Add(50 * time.Minute)
	f.login(t)
	f.clock = f.clock.Add(20 * time.Minute)

	sessions, err := f.svc.ListSessions(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	for _, s := range sessions {
		want := model.SessionActive
		if s.AccessToken == old.AccessToken {
			want = model.SessionExpired
		}
		if s.Status != want {
			t.Errorf("session %s status = %s, want %s", s.ID, s.Status, want)
		}
		if got := f.sessions.get(s.ID).Status; got != want {
			t.Errorf("stored status = %s, want %s", got, want)
		}
	}
}

func TestKickUser(t *testing.T) {
	f := newFixture(t)
	a := f.login(t)
	b := f.login(t)

	n, err := f.svc.KickUser(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("KickUser() error = %v", err)
	}
	if n != 2 {
		t.Errorf("kicked = %d, want 2", n)
	}
	for _, tok := range []string{a.AccessToken, b.AccessToken} {
		_, err := f.svc.Validate(context.Background(), tok)
		assertCode(t, err, model.ErrCodeSessionInvalid)
	}

	_, err = f.svc.KickUser(context.Background(), uuid.NewString())
	assertCode(t, err, model.ErrCodeUserNotFound)

	if _, err := f.svc.KickUser(context.Background(), "urn:uuid:"+testUserID); err != nil {
		t.Errorf("KickUser(urn form) error = %v", err)
	}
}

// ストレージのエラーはAPIErrorにならずラップされて返ること
func TestValidate_StorageErrorIsWrapped(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("connection reset")
	f.svc.sessionRepo = &failingSessionRepo{memSessionRepo: newMemSessionRepo(), err: boom}

	_, err := f.svc.Validate(context.Background(), uuid.NewString())
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want wrapping %v", err, boom)
	}
	if model.CodeOf(err) != "" {
		t.Errorf("storage error must not carry an API code, got %q", model.CodeOf(err))
	}
}

type failingSessionRepo struct {
	*memSessionRepo
	err error
}

func (r *failingSessionRepo) MutateByAccessToken(_ context.Context, _ string, _ repository.SessionMutator) (*model.LoginSession, error) {
	return nil, r.err
}

// 実際のArgon2idハッシャーでもログインできること
func TestLogin_WithArgon2Hasher(t *testing.T) {
	hasher := security.NewArgon2Hasher(security.Argon2Params{Time: 1, Memory: 64, Threads: 1, KeyLen: 32, SaltLen: 16}, 2)
	digest, err := hasher.Hash(context.Background(), "correct-horse")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	users := &mockUserRepo{
		findByUsernameFn: func(_ context.Context, username string) (*model.User, error) {
			if username == "alice" {
				return &model.User{ID: testUserID, Username: "alice", PasswordHash: digest}, nil
			}
			return nil, nil
		},
	}
	svc := NewService(users, newMemSessionRepo(), hasher, nil, ServiceConfig{})

	if _, err := svc.Login(context.Background(), LoginRequest{Username: "alice", Password: "correct-horse"}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	_, err = svc.Login(context.Background(), LoginRequest{Username: "bob", Password: "correct-horse"})
	assertCode(t, err, model.ErrCodeInvalidCredential)
	if svc.dummyDigest == "" {
		t.Error("dummy digest should be prepared after an unknown-user login")
	}
}
