// Package auth はログインセッションとジョブ所有者の判定を提供します。
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/heic-forge/internal/config"
)

const (
	SessionCookieName    = "hf_session"
	sessionKeyUser       = "auth_user"
	sessionKeyIssuedAt   = "issued_at"
	sessionKeyLastActive = "last_activity"
	sessionKeyCSRF       = "csrf_token"

	csrfHeader = "X-CSRF-Token"
)

var (
	maxSessionLifetime = 12 * time.Hour
	idleTimeout        = 30 * time.Minute
	loginWindow        = 15 * time.Minute
	lockDuration       = 10 * time.Minute
	maxLoginAttempts   = 5
)

// SessionMaxAgeSeconds はクッキーの MaxAge に利用する秒数を返します。
func SessionMaxAgeSeconds() int {
	return int(maxSessionLifetime.Seconds())
}

// ContextUserKey は、ハンドラー間でログイン済みユーザー名を共有するためのキーです。
// ジョブの所有者IDとしてもこの値を使います。
const ContextUserKey = "auth.user"

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Manager は認証処理と状態をまとめた構造体です。
type Manager struct {
	cfg      *config.Config
	users    map[string]string
	usersErr error

	lock     sync.Mutex
	attempts map[string]*attemptState
	now      func() time.Time
}

// NewManager は認証マネージャーを作成します。
// APP_USERS の書式が不正な場合でも起動は続け、ログイン時に SERVER_MISCONFIGURATION を返します。
func NewManager(cfg *config.Config) *Manager {
	users, err := ParseUsers(cfg.AppUsers, cfg.AppUsername, cfg.AppPasswordHash)
	return &Manager{
		cfg:      cfg,
		users:    users,
		usersErr: err,
		attempts: make(map[string]*attemptState),
		now:      time.Now,
	}
}

// ParseUsers は "name:hash,name2:hash" 形式のユーザー一覧を読み込みます。
// 単一ユーザー構成の APP_USERNAME / APP_PASSWORD_HASH も併せて登録します。
func ParseUsers(list, username, passwordHash string) (map[string]string, error) {
	users := make(map[string]string)
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, hash, ok := strings.Cut(entry, ":")
		name = strings.TrimSpace(name)
		hash = strings.TrimSpace(hash)
		if !ok || name == "" || hash == "" {
			return nil, fmt.Errorf("APP_USERS の形式が正しくありません: %q", entry)
		}
		if _, dup := users[name]; dup {
			return nil, fmt.Errorf("APP_USERS にユーザー %q が重複しています", name)
		}
		users[name] = hash
	}
	if username != "" && passwordHash != "" {
		if _, dup := users[username]; !dup {
			users[username] = passwordHash
		}
	}
	return users, nil
}

func (m *Manager) ensureCredentials() error {
	if m.usersErr != nil {
		return m.usersErr
	}
	if len(m.users) == 0 {
		return errors.New("APP_USERS または APP_USERNAME/APP_PASSWORD_HASH が設定されていません")
	}
	if m.cfg.SessionSecret == "" {
		return errors.New("SESSION_SECRET が設定されていません")
	}
	return nil
}

// verify はユーザー名とパスワードを照合します。
// 未登録ユーザーでもダミーのハッシュと比較します。
func (m *Manager) verify(username, password string) bool {
	hash, ok := m.users[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

var (
	dummyOnce sync.Once
	dummy     []byte
)

func dummyHash() []byte {
	dummyOnce.Do(func() {
		dummy, _ = bcrypt.GenerateFromPassword([]byte("heic-forge"), bcrypt.DefaultCost)
	})
	return dummy
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := m.now()
	if now.After(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

func (m *Manager) recordFailure(ip string) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > loginWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxLoginAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxLoginAttempts
	}

	remaining := maxLoginAttempts - state.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func readUnix(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	case float64:
		return time.Unix(int64(t), 0)
	default:
		return time.Time{}
	}
}
