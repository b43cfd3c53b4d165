// Package session owns the platform login state machine and the single
// authenticated browser context reused across lookups.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/JakeFAU/notewatch/internal/metrics"
	"github.com/JakeFAU/notewatch/internal/tracker"
)

// Config controls login flow timing and persistence.
type Config struct {
	LoginURL string
	// ProbeURL is loaded before checking for the login-required marker.
	ProbeURL      string
	PollInterval  time.Duration
	LoginTimeout  time.Duration
	SessionTTL    time.Duration
	ActionTimeout time.Duration
	StatusKey     string
}

const (
	defaultPollInterval  = time.Second
	defaultLoginTimeout  = 5 * time.Minute
	defaultSessionTTL    = 24 * time.Hour
	defaultActionTimeout = 30 * time.Second
	defaultStatusKey     = "notewatch:login"
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = defaultLoginTimeout
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = defaultSessionTTL
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = defaultActionTimeout
	}
	if c.StatusKey == "" {
		c.StatusKey = defaultStatusKey
	}
	return c
}

// Manager drives Idle → LoggingIn → AwaitingChallengeCode → Authenticated.
// Failed is reachable from every state; Reset returns to Idle.
type Manager struct {
	cfg     Config
	browser tracker.Browser
	store   tracker.ProgressStore
	clock   tracker.Clock
	logger  *zap.Logger

	base       context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	session    tracker.Session
	gen        uint64
	submitting bool
	loginCtx   tracker.BrowserContext
	pollCancel context.CancelFunc
	cookies    []tracker.Cookie

	// poolMu serializes the check-and-recreate path for the pooled context.
	poolMu sync.Mutex
	pooled tracker.BrowserContext

	subMu sync.Mutex
	subs  []chan tracker.Session
}

// New constructs a Manager in the Idle state.
func New(
	browser tracker.Browser,
	store tracker.ProgressStore,
	clock tracker.Clock,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg.withDefaults(),
		browser:    browser,
		store:      store,
		clock:      clock,
		logger:     logger,
		base:       base,
		baseCancel: cancel,
		session:    tracker.Session{State: tracker.LoginIdle, CreatedAt: clock.Now()},
	}
}

// Session returns a copy of the current session.
func (m *Manager) Session() tracker.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// State returns the current login state.
func (m *Manager) State() tracker.LoginState {
	return m.Session().State
}

// Subscribe returns a channel that receives the session each time it becomes
// Authenticated. A signal is dropped if the previous one is still unread.
func (m *Manager) Subscribe() <-chan tracker.Session {
	ch := make(chan tracker.Session, 1)
	m.subMu.Lock()
	m.subs = append(m.subs, ch)
	m.subMu.Unlock()
	return ch
}

// StartLogin begins a new login attempt for phone and leaves the session
// waiting for the challenge code.
func (m *Manager) StartLogin(ctx context.Context, phone string) error {
	phone = strings.TrimSpace(phone)
	if err := validatePhone(phone); err != nil {
		return err
	}

	m.mu.Lock()
	if m.session.State.InProgress() {
		m.mu.Unlock()
		return tracker.ErrAlreadyInProgress
	}
	stale := m.releaseLocked()
	m.gen++
	gen := m.gen
	now := m.clock.Now()
	m.session = tracker.Session{
		State:       tracker.LoginLoggingIn,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.cfg.LoginTimeout),
		PhoneNumber: phone,
	}
	m.mu.Unlock()
	m.closeContexts(stale)
	m.dropPooled()
	m.afterTransition(tracker.LoginLoggingIn)

	bctx, err := m.browser.NewContext(ctx)
	if err != nil {
		m.fail(gen, fmt.Errorf("open browser context: %w", err))
		return fmt.Errorf("open browser context: %w", err)
	}
	if err := m.requestChallenge(ctx, bctx, phone); err != nil {
		m.closeContexts([]tracker.BrowserContext{bctx})
		m.fail(gen, err)
		return err
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.closeContexts([]tracker.BrowserContext{bctx})
		return fmt.Errorf("login attempt superseded")
	}
	m.loginCtx = bctx
	m.session.State = tracker.LoginAwaitingChallenge
	m.mu.Unlock()
	m.afterTransition(tracker.LoginAwaitingChallenge)
	m.logger.Info("challenge code requested", zap.String("phone", MaskPhone(phone)))
	return nil
}

func (m *Manager) requestChallenge(ctx context.Context, bctx tracker.BrowserContext, phone string) error {
	return m.withAction(ctx, "request challenge", func(actx context.Context) error {
		if err := bctx.Navigate(actx, m.cfg.LoginURL); err != nil {
			return fmt.Errorf("open login page: %w", err)
		}
		input, err := bctx.Find(actx, tracker.LocatorPhoneInput)
		if err != nil {
			return fmt.Errorf("locate phone input: %w", err)
		}
		if err := bctx.Type(actx, input, phone); err != nil {
			return fmt.Errorf("enter phone number: %w", err)
		}
		send, err := bctx.Find(actx, tracker.LocatorSendCode)
		if err != nil {
			return fmt.Errorf("locate send-code button: %w", err)
		}
		if err := bctx.Click(actx, send); err != nil {
			return fmt.Errorf("request challenge code: %w", err)
		}
		return nil
	})
}

// SubmitChallenge enters the challenge code and starts polling for login
// success in the background. It returns once the code has been submitted.
func (m *Manager) SubmitChallenge(ctx context.Context, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return &tracker.ValidationError{Field: "code", Reason: "must not be empty"}
	}

	m.mu.Lock()
	if m.session.State != tracker.LoginAwaitingChallenge || m.loginCtx == nil {
		m.mu.Unlock()
		return tracker.ErrNoActiveChallenge
	}
	if m.submitting || m.pollCancel != nil {
		m.mu.Unlock()
		return tracker.ErrAlreadyInProgress
	}
	m.submitting = true
	gen := m.gen
	bctx := m.loginCtx
	m.mu.Unlock()

	err := m.withAction(ctx, "submit challenge", func(actx context.Context) error {
		input, err := bctx.Find(actx, tracker.LocatorCodeInput)
		if err != nil {
			return fmt.Errorf("locate code input: %w", err)
		}
		if err := bctx.Type(actx, input, code); err != nil {
			return fmt.Errorf("enter challenge code: %w", err)
		}
		submit, err := bctx.Find(actx, tracker.LocatorLoginSubmit)
		if err != nil {
			return fmt.Errorf("locate login button: %w", err)
		}
		if err := bctx.Click(actx, submit); err != nil {
			return fmt.Errorf("submit login: %w", err)
		}
		return nil
	})

	m.mu.Lock()
	m.submitting = false
	if err != nil {
		m.mu.Unlock()
		m.fail(gen, err)
		return err
	}
	if gen != m.gen {
		m.mu.Unlock()
		return fmt.Errorf("login attempt superseded")
	}
	pollCtx, cancel := context.WithTimeout(m.base, m.cfg.LoginTimeout)
	m.pollCancel = cancel
	m.mu.Unlock()

	go m.pollLogin(pollCtx, gen, bctx)
	return nil
}

func (m *Manager) pollLogin(ctx context.Context, gen uint64, bctx tracker.BrowserContext) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				m.logger.Warn("login success not observed before timeout", zap.Duration("timeout", m.cfg.LoginTimeout))
				m.fail(gen, tracker.ErrLoginTimeout)
			}
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ActionTimeout)
			ok, err := bctx.ProbeAuthenticated(probeCtx)
			cancel()
			if err != nil {
				m.logger.Debug("login probe failed", zap.Error(err))
				continue
			}
			if ok {
				m.completeLogin(ctx, gen, bctx)
				return
			}
		}
	}
}

func (m *Manager) completeLogin(ctx context.Context, gen uint64, bctx tracker.BrowserContext) {
	cookies, err := bctx.Cookies(ctx)
	if err != nil {
		m.logger.Warn("capture session cookies failed", zap.Error(err))
	}

	m.mu.Lock()
	if gen != m.gen || m.session.State != tracker.LoginAwaitingChallenge {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	m.session.State = tracker.LoginAuthenticated
	m.session.ExpiresAt = now.Add(m.cfg.SessionTTL)
	m.session.Error = ""
	m.cookies = cookies
	m.loginCtx = nil
	if m.pollCancel != nil {
		m.pollCancel()
		m.pollCancel = nil
	}
	snapshot := m.session
	m.mu.Unlock()

	// The logged-in tab becomes the pooled context unless a Reset or Close
	// moved the generation on after the state was committed.
	m.poolMu.Lock()
	if !m.current(gen) {
		m.poolMu.Unlock()
		m.closeContexts([]tracker.BrowserContext{bctx})
		return
	}
	prev := m.pooled
	m.pooled = bctx
	m.poolMu.Unlock()
	if prev != nil && prev != bctx {
		m.closeContexts([]tracker.BrowserContext{prev})
	}

	m.afterTransition(tracker.LoginAuthenticated)
	m.logger.Info("login succeeded", zap.Int("cookies", len(cookies)))
	if m.current(gen) {
		m.broadcast(snapshot)
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

// Reset discards the current session and any browser contexts and returns
// to Idle. An in-flight poll is cancelled.
func (m *Manager) Reset(_ context.Context) {
	m.mu.Lock()
	stale := m.releaseLocked()
	m.gen++
	m.cookies = nil
	m.session = tracker.Session{State: tracker.LoginIdle, CreatedAt: m.clock.Now()}
	m.mu.Unlock()
	m.closeContexts(stale)
	m.dropPooled()
	m.afterTransition(tracker.LoginIdle)
	m.logger.Info("session reset")
}

// AuthenticatedContext returns the pooled context if it still validates,
// otherwise creates, validates, and caches a replacement. Callers are
// serialized on this path so at most one pooled context exists.
func (m *Manager) AuthenticatedContext(ctx context.Context) (tracker.BrowserContext, error) {
	s := m.Session()
	if s.State != tracker.LoginAuthenticated {
		return nil, tracker.ErrNotAuthenticated
	}
	if !s.ExpiresAt.IsZero() && !m.clock.Now().Before(s.ExpiresAt) {
		m.expire(errSessionTTL)
		return nil, tracker.ErrNotAuthenticated
	}
	bctx, expired, err := m.checkout(ctx)
	if expired {
		m.expire(errSessionLoggedOut)
		return nil, tracker.ErrNotAuthenticated
	}
	return bctx, err
}

func (m *Manager) checkout(ctx context.Context) (tracker.BrowserContext, bool, error) {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()

	if m.pooled != nil {
		ok, err := m.validate(ctx, m.pooled)
		if err == nil && ok {
			return m.pooled, false, nil
		}
		m.logger.Info("pooled context no longer authenticated; recreating", zap.Error(err))
		m.closeContexts([]tracker.BrowserContext{m.pooled})
		m.pooled = nil
	}

	bctx, err := m.browser.NewContext(ctx)
	if err != nil {
		return nil, false, tracker.Transient("open browser context", err)
	}
	m.mu.Lock()
	cookies := append([]tracker.Cookie(nil), m.cookies...)
	m.mu.Unlock()
	if len(cookies) > 0 {
		if err := bctx.SetCookies(ctx, cookies); err != nil {
			m.closeContexts([]tracker.BrowserContext{bctx})
			return nil, false, fmt.Errorf("seed session cookies: %w", err)
		}
	}
	ok, err := m.validate(ctx, bctx)
	if err != nil {
		m.closeContexts([]tracker.BrowserContext{bctx})
		return nil, false, tracker.Transient("validate browser context", err)
	}
	if !ok {
		m.closeContexts([]tracker.BrowserContext{bctx})
		return nil, true, nil
	}
	m.pooled = bctx
	return bctx, false, nil
}

func (m *Manager) validate(ctx context.Context, bctx tracker.BrowserContext) (bool, error) {
	var ok bool
	err := m.withAction(ctx, "validate session", func(actx context.Context) error {
		if m.cfg.ProbeURL != "" {
			if err := bctx.Navigate(actx, m.cfg.ProbeURL); err != nil {
				return fmt.Errorf("open probe page: %w", err)
			}
		}
		var err error
		ok, err = bctx.ProbeAuthenticated(actx)
		return err
	})
	return ok, err
}

var (
	errSessionTTL       = errors.New("session ttl elapsed")
	errSessionLoggedOut = errors.New("session expired")
)

// expire moves an Authenticated session to Failed once its TTL has passed or
// a validation probe shows the platform logged us out.
func (m *Manager) expire(cause error) {
	m.mu.Lock()
	if m.session.State != tracker.LoginAuthenticated {
		m.mu.Unlock()
		return
	}
	gen := m.gen
	m.mu.Unlock()
	m.fail(gen, cause)
}

func (m *Manager) fail(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.session.State == tracker.LoginFailed {
		m.mu.Unlock()
		return
	}
	stale := m.releaseLocked()
	m.session.State = tracker.LoginFailed
	m.session.Error = cause.Error()
	m.mu.Unlock()
	m.closeContexts(stale)
	m.dropPooled()
	m.afterTransition(tracker.LoginFailed)
	m.logger.Warn("login failed", zap.Error(cause))
}

// releaseLocked cancels polling and detaches the login context. The caller
// must hold m.mu and close the returned contexts after unlocking.
func (m *Manager) releaseLocked() []tracker.BrowserContext {
	if m.pollCancel != nil {
		m.pollCancel()
		m.pollCancel = nil
	}
	var stale []tracker.BrowserContext
	if m.loginCtx != nil {
		stale = append(stale, m.loginCtx)
		m.loginCtx = nil
	}
	return stale
}

func (m *Manager) dropPooled() {
	m.poolMu.Lock()
	pooled := m.pooled
	m.pooled = nil
	m.poolMu.Unlock()
	if pooled != nil {
		m.closeContexts([]tracker.BrowserContext{pooled})
	}
}

func (m *Manager) closeContexts(ctxs []tracker.BrowserContext) {
	for _, c := range ctxs {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			m.logger.Debug("close browser context", zap.Error(err))
		}
	}
}

func (m *Manager) afterTransition(state tracker.LoginState) {
	metrics.ObserveLoginTransition(string(state))
	m.persist()
}

func (m *Manager) persist() {
	if m.store == nil {
		return
	}
	s := m.Session()
	now := m.clock.Now()
	ctx, cancel := context.WithTimeout(m.base, m.cfg.ActionTimeout)
	defer cancel()
	record := tracker.Progress{
		LoginState:  s.State,
		UpdateState: tracker.UpdateIdle,
		LastUpdate:  &now,
		Error:       s.Error,
	}
	if err := m.store.Set(ctx, m.cfg.StatusKey, record, m.cfg.SessionTTL); err != nil {
		m.logger.Warn("persist login state failed", zap.String("state", string(s.State)), zap.Error(err))
	}
}

func (m *Manager) broadcast(s tracker.Session) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (m *Manager) withAction(ctx context.Context, op string, fn func(context.Context) error) error {
	actx, cancel := context.WithTimeout(ctx, m.cfg.ActionTimeout)
	defer cancel()
	err := fn(actx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return tracker.Transient(op, err)
	}
	return err
}

// Close releases every browser context and stops background polling.
func (m *Manager) Close() {
	m.mu.Lock()
	stale := m.releaseLocked()
	m.gen++
	m.mu.Unlock()
	m.closeContexts(stale)
	m.dropPooled()
	m.baseCancel()
}

func validatePhone(phone string) error {
	if phone == "" {
		return &tracker.ValidationError{Field: "phone", Reason: "must not be empty"}
	}
	digits := strings.TrimPrefix(phone, "+")
	if len(digits) < 5 || len(digits) > 15 {
		return &tracker.ValidationError{Field: "phone", Reason: "must have 5 to 15 digits"}
	}
	for _, r := range digits {
		if !unicode.IsDigit(r) {
			return &tracker.ValidationError{Field: "phone", Reason: "must contain digits only"}
		}
	}
	return nil
}

// MaskPhone hides all but the last four digits of phone.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
