package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/incidentdesk/internal/model"
	"github.com/hitoshi/incidentdesk/internal/notify"
	"github.com/hitoshi/incidentdesk/internal/repository"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var errStoreDown = errors.New("store down")

// --- 時計 ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- ユーザーリポジトリ ---

// fakeUserRepo は1つのミューテックスで行ロックを模したインメモリのユーザーストア。
// attemptsはUpdateLockedWithAttemptsでトランザクション内の試行ログとして使う。
type fakeUserRepo struct {
	mu        sync.Mutex
	users     map[string]*model.User
	attempts  *fakeAttemptRepo
	failWith  error
	lockCalls int

	// failUpdateWith はfnの実行後、保存の段階で返すエラー。変更はロールバックされる。
	failUpdateWith error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*model.User)}
}

func (r *fakeUserRepo) put(u *model.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *u
	r.users[u.ID] = &cp
}

func (r *fakeUserRepo) get(id string) *model.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

func (r *fakeUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	if r.failWith != nil {
		return nil, r.failWith
	}
	return r.get(id), nil
}

func (r *fakeUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	if r.failWith != nil {
		return nil, r.failWith
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeUserRepo) FindByUsername(_ context.Context, username string) (*model.User, error) {
	if r.failWith != nil {
		return nil, r.failWith
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Username, username) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeUserRepo) UpdateLocked(_ context.Context, id string, fn func(u *model.User) error) (*model.User, error) {
	return r.updateLocked(id, func(u *model.User, _ *stagedAttemptRepo) error {
		return fn(u)
	})
}

func (r *fakeUserRepo) UpdateLockedWithAttempts(_ context.Context, id string, fn func(u *model.User, attempts repository.LoginAttemptRepository) error) (*model.User, error) {
	return r.updateLocked(id, func(u *model.User, tx *stagedAttemptRepo) error {
		return fn(u, tx)
	})
}

func (r *fakeUserRepo) updateLocked(id string, fn func(u *model.User, tx *stagedAttemptRepo) error) (*model.User, error) {
	if r.failWith != nil {
		return nil, r.failWith
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lockCalls++

	current, ok := r.users[id]
	if !ok {
		return nil, nil
	}
	base := r.attempts
	if base == nil {
		base = &fakeAttemptRepo{}
	}
	tx := &stagedAttemptRepo{base: base}
	working := *current
	if err := fn(&working, tx); err != nil {
		return nil, err
	}
	if r.failUpdateWith != nil {
		return nil, r.failUpdateWith
	}
	tx.commit()
	r.users[id] = &working
	out := working
	return &out, nil
}

// --- セッションリポジトリ ---

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	failWith error
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*model.Session)}
}

func (r *fakeSessionRepo) Create(_ context.Context, s *model.Session) error {
	if r.failWith != nil {
		return r.failWith
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *fakeSessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	if r.failWith != nil {
		return nil, r.failWith
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *fakeSessionRepo) DeleteByID(_ context.Context, id string) error {
	if r.failWith != nil {
		return r.failWith
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *fakeSessionRepo) DeleteByUserID(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if s.UserID == userID {
			delete(r.sessions, id)
		}
	}
	return nil
}

func (r *fakeSessionRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// --- 試行ログ ---

type fakeAttemptRepo struct {
	mu       sync.Mutex
	entries  []model.LoginAttempt
	failWith error
}

func (r *fakeAttemptRepo) Create(_ context.Context, a *model.LoginAttempt) error {
	if r.failWith != nil {
		return r.failWith
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *a)
	return nil
}

func (r *fakeAttemptRepo) CountSince(_ context.Context, email string, reason model.AttemptReason, since time.Time) (int, error) {
	if r.failWith != nil {
		return 0, r.failWith
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if strings.EqualFold(e.Email, email) && e.Reason == reason && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// stagedAttemptRepo はトランザクション内の試行ログ。commitされるまでbaseに反映しない。
type stagedAttemptRepo struct {
	base   *fakeAttemptRepo
	staged []model.LoginAttempt
}

func (r *stagedAttemptRepo) Create(_ context.Context, a *model.LoginAttempt) error {
	if r.base.failWith != nil {
		return r.base.failWith
	}
	r.staged = append(r.staged, *a)
	return nil
}

func (r *stagedAttemptRepo) CountSince(ctx context.Context, email string, reason model.AttemptReason, since time.Time) (int, error) {
	n, err := r.base.CountSince(ctx, email, reason, since)
	if err != nil {
		return 0, err
	}
	for _, e := range r.staged {
		if strings.EqualFold(e.Email, email) && e.Reason == reason && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *stagedAttemptRepo) commit() {
	r.base.mu.Lock()
	defer r.base.mu.Unlock()
	r.base.entries = append(r.base.entries, r.staged...)
}

func (r *fakeAttemptRepo) all() []model.LoginAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.LoginAttempt(nil), r.entries...)
}

func (r *fakeAttemptRepo) last() model.LoginAttempt {
	all := r.all()
	if len(all) == 0 {
		return model.LoginAttempt{}
	}
	return all[len(all)-1]
}

func (r *fakeAttemptRepo) reasons() []model.AttemptReason {
	var out []model.AttemptReason
	for _, e := range r.all() {
		out = append(out, e.Reason)
	}
	return out
}

// --- 通知 ---

type fakeNotifier struct {
	mu       sync.Mutex
	messages []notify.TwoFactorCodeMessage
	failWith error
}

func (n *fakeNotifier) SendTwoFactorCode(_ context.Context, msg notify.TwoFactorCodeMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failWith != nil {
		return n.failWith
	}
	n.messages = append(n.messages, msg)
	return nil
}

func (n *fakeNotifier) lastCode(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.messages, "no code was dispatched")
	return n.messages[len(n.messages)-1].Code
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

// --- 組み立て ---

const testPassword = "correct horse battery staple"

var testPasswordHash = func() string {
	h, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return string(h)
}()

type testEnv struct {
	svc      *Service
	users    *fakeUserRepo
	sessions *fakeSessionRepo
	attempts *fakeAttemptRepo
	pending  *repository.MemoryPendingStore
	notifier *fakeNotifier
	clock    *fakeClock
}

func newTestEnv(t *testing.T, mutate ...func(*ServiceConfig)) *testEnv {
	t.Helper()

	verifier, err := NewPasswordVerifier(bcrypt.MinCost)
	require.NoError(t, err)

	env := &testEnv{
		users:    newFakeUserRepo(),
		sessions: newFakeSessionRepo(),
		attempts: &fakeAttemptRepo{},
		pending:  repository.NewMemoryPendingStore(),
		notifier: &fakeNotifier{},
		clock:    newFakeClock(),
	}
	env.users.attempts = env.attempts

	cfg := DefaultServiceConfig()
	cfg.CodeSecret = []byte("test-secret")
	for _, m := range mutate {
		m(&cfg)
	}

	env.svc = NewService(ServiceDeps{
		Users:     env.users,
		Sessions:  env.sessions,
		Attempts:  env.attempts,
		Pending:   env.pending,
		Notifier:  env.notifier,
		Passwords: verifier,
		Now:       env.clock.Now,
	}, cfg)

	return env
}

// addUser は確認済み・有効なユーザーを登録する。
func (e *testEnv) addUser(id, email, username string, opts ...func(*model.User)) *model.User {
	verified := e.clock.Now().Add(-24 * time.Hour)
	u := &model.User{
		ID:              id,
		Email:           email,
		Username:        username,
		PasswordHash:    testPasswordHash,
		Role:            "responder",
		IsActive:        true,
		EmailVerifiedAt: &verified,
	}
	for _, o := range opts {
		o(u)
	}
	e.users.put(u)
	return u
}

func unverified(u *model.User) { u.EmailVerifiedAt = nil }
func inactive(u *model.User)   { u.IsActive = false }

var testClient = ClientInfo{IPAddress: "203.0.113.7", UserAgent: "test-agent"}

func (e *testEnv) login(t *testing.T, identifier, password string, remember bool) *LoginResult {
	t.Helper()
	res, err := e.svc.Login(context.Background(), LoginRequest{
		Identifier: identifier,
		Password:   password,
		Remember:   remember,
		Client:     testClient,
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) verify(t *testing.T, token, code string) *VerifyResult {
	t.Helper()
	res, err := e.svc.VerifyTwoFactor(context.Background(), VerifyRequest{
		PendingToken: token,
		Code:         code,
		Client:       testClient,
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) resend(t *testing.T, token string) *ResendResult {
	t.Helper()
	res, err := e.svc.ResendTwoFactor(context.Background(), token, testClient)
	require.NoError(t, err)
	return res
}
