package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"storefront/internal/apiclient"
	"storefront/internal/authtoken"
	"storefront/internal/models"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// AuthTokenCookie is the cookie holding the bearer token
const AuthTokenCookie = "auth_token"

// ErrUnauthenticated means the session has no usable identity
var ErrUnauthenticated = errors.New("please log in to continue")

// CookieStorage is the browser cookie area, scoped by session id
type CookieStorage interface {
	GetCookie(ctx context.Context, sid, name string) (string, bool, error)
	SetCookie(ctx context.Context, sid, name, value string, ttl time.Duration) error
	DeleteCookie(ctx context.Context, sid, name string) error
}

// AuthAPI is the part of the storefront API the session store needs
type AuthAPI interface {
	PrimeCSRF(ctx context.Context) error
	Login(ctx context.Context, email, password string) (*apiclient.AuthResult, error)
	Register(ctx context.Context, req *apiclient.RegisterRequest) (*apiclient.AuthResult, error)
	Logout(ctx context.Context) error
	CurrentUser(ctx context.Context) (*models.User, error)
}

// Session is the auth state of one browser
type Session struct {
	ID       string       `json:"-"`
	User     *models.User `json:"user"`
	LoggedIn bool         `json:"is_logged_in"`

	expires time.Time
}

// SessionManager owns every browser session. Users are held in memory only;
// tokens live in cookie storage.
type SessionManager struct {
	cookies  CookieStorage
	api      AuthAPI
	tokenTTL time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates a new session manager
func NewSessionManager(cookies CookieStorage, api AuthAPI, tokenTTL time.Duration) *SessionManager {
	return &SessionManager{
		cookies:  cookies,
		api:      api,
		tokenTTL: tokenTTL,
		logger:   util.GetLogger(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Token implements apiclient.TokenSource for the session carried by ctx
func (m *SessionManager) Token(ctx context.Context) (string, error) {
	sid, ok := util.SessionID(ctx)
	if !ok {
		return "", nil
	}
	token, _, err := m.cookies.GetCookie(ctx, sid, AuthTokenCookie)
	return token, err
}

// Current returns the session, restoring it from the token cookie the first
// time a browser is seen or after the cookie disappeared.
func (m *SessionManager) Current(ctx context.Context, sid string) (*Session, error) {
	m.mu.RLock()
	sess, known := m.sessions[sid]
	m.mu.RUnlock()

	if known && sess.expired(m.now()) {
		m.reset(sid)
		known = false
	}
	if !known {
		return m.Restore(ctx, sid)
	}

	_, ok, err := m.cookies.GetCookie(ctx, sid, AuthTokenCookie)
	if err != nil {
		return nil, fmt.Errorf("failed to read token cookie: %w", err)
	}
	if !ok {
		return m.reset(sid), nil
	}
	return sess.snapshot(), nil
}

// Restore re-fetches the user for a token cookie. An invalid or expired token
// clears the cookie and leaves the session logged out.
func (m *SessionManager) Restore(ctx context.Context, sid string) (*Session, error) {
	ctx = util.WithSessionID(ctx, sid)
	ctx, span := util.StartSpan(ctx, "SessionManager.Restore")
	defer span.End()

	_, ok, err := m.cookies.GetCookie(ctx, sid, AuthTokenCookie)
	if err != nil {
		return nil, fmt.Errorf("failed to read token cookie: %w", err)
	}
	if !ok {
		util.SessionsRestoredTotal.WithLabelValues("anonymous").Inc()
		return m.reset(sid), nil
	}

	user, err := m.api.CurrentUser(ctx)
	if err != nil {
		if errors.Is(err, apiclient.ErrUnauthorized) {
			util.SessionsRestoredTotal.WithLabelValues("expired").Inc()
			m.logger.Info("Stored token rejected, clearing session", zap.String("sid", sid))
			return m.Invalidate(ctx, sid)
		}
		util.SessionsRestoredTotal.WithLabelValues("error").Inc()
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}

	util.SessionsRestoredTotal.WithLabelValues("restored").Inc()
	return m.set(sid, user), nil
}

// Login authenticates and stores the returned token
func (m *SessionManager) Login(ctx context.Context, sid, email, password string) (*Session, error) {
	ctx = util.WithSessionID(ctx, sid)
	ctx, span := util.StartSpan(ctx, "SessionManager.Login")
	defer span.End()

	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, &ValidationError{Fields: map[string]string{"email": "Email and password are required"}}
	}

	if err := m.api.PrimeCSRF(ctx); err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to prime csrf: %w", err)
	}

	res, err := m.api.Login(ctx, email, password)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return m.establish(ctx, sid, res)
}

// Register creates an account and logs it in
func (m *SessionManager) Register(ctx context.Context, sid string, req *apiclient.RegisterRequest) (*Session, error) {
	ctx = util.WithSessionID(ctx, sid)
	ctx, span := util.StartSpan(ctx, "SessionManager.Register")
	defer span.End()

	if err := m.api.PrimeCSRF(ctx); err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to prime csrf: %w", err)
	}

	res, err := m.api.Register(ctx, req)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return m.establish(ctx, sid, res)
}

// Logout revokes the token upstream and always clears local state
func (m *SessionManager) Logout(ctx context.Context, sid string) error {
	ctx = util.WithSessionID(ctx, sid)
	ctx, span := util.StartSpan(ctx, "SessionManager.Logout")
	defer span.End()

	if err := m.api.Logout(ctx); err != nil {
		m.logger.Warn("Logout request failed, clearing session anyway",
			zap.String("sid", sid),
			zap.Error(err))
	}

	_, err := m.Invalidate(ctx, sid)
	return err
}

// Invalidate drops the token cookie and resets the session to logged out
func (m *SessionManager) Invalidate(ctx context.Context, sid string) (*Session, error) {
	sess := m.reset(sid)
	if err := m.cookies.DeleteCookie(ctx, sid, AuthTokenCookie); err != nil {
		return sess, fmt.Errorf("failed to clear token cookie: %w", err)
	}
	return sess, nil
}

// UserID identifies the user placing an order: the restored profile first,
// then the token payload. Anything else is unauthenticated.
func (m *SessionManager) UserID(ctx context.Context, sid string) (int64, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sid]
	m.mu.RUnlock()
	if ok && !sess.expired(m.now()) && sess.LoggedIn && sess.User != nil && sess.User.ID != 0 {
		return sess.User.ID, nil
	}

	token, found, err := m.cookies.GetCookie(ctx, sid, AuthTokenCookie)
	if err != nil {
		return 0, fmt.Errorf("failed to read token cookie: %w", err)
	}
	if !found {
		return 0, ErrUnauthenticated
	}

	claims, err := authtoken.Decode(token)
	if err != nil {
		m.logger.Debug("Token payload unusable", zap.String("sid", sid), zap.Error(err))
		return 0, ErrUnauthenticated
	}
	return claims.UserID, nil
}

func (m *SessionManager) establish(ctx context.Context, sid string, res *apiclient.AuthResult) (*Session, error) {
	if err := m.cookies.SetCookie(ctx, sid, AuthTokenCookie, res.BearerToken(), m.tokenTTL); err != nil {
		return nil, fmt.Errorf("failed to store token cookie: %w", err)
	}

	user := res.User
	if user == nil {
		fetched, err := m.api.CurrentUser(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load profile: %w", err)
		}
		user = fetched
	}

	m.logger.Info("Session logged in", zap.String("sid", sid), zap.Int64("user_id", user.ID))
	return m.set(sid, user), nil
}

func (m *SessionManager) set(sid string, user *models.User) *Session {
	sess := &Session{ID: sid, User: user, LoggedIn: true}
	if m.tokenTTL > 0 {
		sess.expires = m.now().Add(m.tokenTTL)
	}
	m.mu.Lock()
	m.sessions[sid] = sess
	m.mu.Unlock()
	return sess.snapshot()
}

// Sweep drops sessions whose token lifetime has passed and returns how many went
func (m *SessionManager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for sid, sess := range m.sessions {
		if sess.expired(now) {
			delete(m.sessions, sid)
			n++
		}
	}
	return n
}

// RunJanitor sweeps expired sessions every interval until ctx is done
func (m *SessionManager) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(m.now()); n > 0 {
				m.logger.Debug("Expired sessions evicted", zap.Int("count", n))
			}
		}
	}
}

// reset forgets the user; anonymous sessions are not kept in memory
func (m *SessionManager) reset(sid string) *Session {
	m.mu.Lock()
	delete(m.sessions, sid)
	m.mu.Unlock()
	return &Session{ID: sid}
}

func (s *Session) expired(now time.Time) bool {
	return !s.expires.IsZero() && !now.Before(s.expires)
}

func (s *Session) snapshot() *Session {
	cp := *s
	if s.User != nil {
		u := *s.User
		cp.User = &u
	}
	return &cp
}
