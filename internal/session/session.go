// Package session owns the client session lifecycle: creation against
// the pool, the waiting/running state machine, timeouts, and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vmmaster/vmmaster/internal/domain"
	"github.com/vmmaster/vmmaster/internal/logging"
	"github.com/vmmaster/vmmaster/internal/metrics"
	"github.com/vmmaster/vmmaster/internal/pool"
	"github.com/vmmaster/vmmaster/internal/recorder"
)

// Session is one live client session bound to exactly one clone. All
// mutation goes through the session lock; request forwarding for a
// session is serialized on it as well.
type Session struct {
	mu sync.Mutex

	ID   int64
	rec  domain.SessionRecord
	vm   *domain.VM
	user *domain.User

	seleniumSession string
	lastActivity    time.Time
}

// Record returns a copy of the persisted view.
func (s *Session) Record() domain.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.rec
	rec.SeleniumSession = s.seleniumSession
	return rec
}

// VM returns the bound clone, nil after teardown.
func (s *Session) VM() *domain.VM {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vm
}

// Lock serializes proxied requests for this session.
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// SeleniumSession is the upstream Selenium server's session id.
func (s *Session) SeleniumSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seleniumSession
}

// SetSeleniumSession stores the upstream id and marks the session
// running.
func (s *Session) SetSeleniumSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seleniumSession = id
	if s.rec.Status == domain.StatusWaiting {
		s.rec.Status = domain.StatusRunning
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Status
}

// TakeScreenshot reports whether screenshot capture was requested.
func (s *Session) TakeScreenshot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.TakeScreenshot
}

// Touch resets the inactivity timer.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
	if vm := s.VM(); vm != nil {
		vm.Touch()
	}
}

func (s *Session) idle() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// Config holds the manager's timing knobs.
type Config struct {
	SessionTimeout time.Duration
	GetVMTimeout   time.Duration
}

// Allocator is the pool surface the manager needs.
type Allocator interface {
	HasPlatform(platform string) bool
	Has(platform string) bool
	Get(ctx context.Context, platform string) *domain.VM
	Add(ctx context.Context, platform string) (*domain.VM, error)
	Destroy(ctx context.Context, vm *domain.VM)
}

// Storage is the persistence surface the manager needs.
type Storage interface {
	CreateSession(ctx context.Context, rec *domain.SessionRecord) (int64, error)
	UpdateSession(ctx context.Context, rec *domain.SessionRecord) error
	PurgeStoredSessions(ctx context.Context, userID int64, keep int) ([]int64, error)
}

// Manager tracks live sessions and drives their lifecycle.
type Manager struct {
	pool     Allocator
	store    Storage
	recorder *recorder.Recorder
	cfg      Config
	metrics  *metrics.Metrics

	mu       sync.Mutex
	active   map[int64]*Session
	queue    int
	draining bool
}

func NewManager(pool Allocator, st Storage, rec *recorder.Recorder, cfg Config) *Manager {
	return &Manager{
		pool:     pool,
		store:    st,
		recorder: rec,
		cfg:      cfg,
		metrics:  metrics.Global(),
		active:   make(map[int64]*Session),
	}
}

// Get returns a live session by id.
func (m *Manager) Get(id int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[id]
	return s, ok
}

// Active returns a snapshot of the live sessions.
func (m *Manager) Active() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		out = append(out, s)
	}
	return out
}

// Queue is the number of allocation attempts currently waiting for a
// clone.
func (m *Manager) Queue() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue
}

// Create builds a new session for the capabilities: persists the waiting
// record, then acquires a clone, preferring the ready pool and falling
// back to on-demand creation, retrying until GetVMTimeout elapses.
func (m *Manager) Create(ctx context.Context, dc domain.DesiredCapabilities, rawDC string, user *domain.User) (*Session, error) {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return nil, fmt.Errorf("server is shutting down")
	}
	m.mu.Unlock()

	if !m.pool.HasPlatform(dc.Platform) {
		return nil, fmt.Errorf("platform %s not found in pool", dc.Platform)
	}
	if user != nil && user.AllowedMachines > 0 {
		if n := m.activeFor(user.ID); n >= user.AllowedMachines {
			return nil, fmt.Errorf("user %s is over the machine quota: %d of %d in use",
				user.Username, n, user.AllowedMachines)
		}
	}

	rec := domain.SessionRecord{
		Name:           dc.Name,
		DC:             rawDC,
		TakeScreenshot: dc.TakeScreenshot,
		RunScript:      string(dc.RunScript),
		Status:         domain.StatusWaiting,
	}
	if user != nil {
		rec.UserID = user.ID
	}
	if _, err := m.store.CreateSession(ctx, &rec); err != nil {
		return nil, err
	}
	if rec.Name == "" {
		rec.Name = fmt.Sprintf("Unnamed session %d", rec.ID)
	}

	s := &Session{ID: rec.ID, rec: rec, user: user, lastActivity: time.Now()}
	logging.Session(s.ID).Info("session created", "platform", dc.Platform, "name", rec.Name)
	m.recorder.Step(ctx, s.ID, "SESSION CREATED", dc.Platform)

	vm, err := m.acquireVM(ctx, s, dc.Platform)
	if err != nil {
		m.fail(context.WithoutCancel(ctx), s, "vm not created", err.Error())
		return nil, err
	}

	s.mu.Lock()
	s.vm = vm
	s.rec.EndpointIP = vm.IP()
	s.rec.EndpointName = vm.Name
	s.mu.Unlock()
	m.persist(ctx, s)

	m.mu.Lock()
	m.active[s.ID] = s
	m.metrics.SetActiveSessions(len(m.active))
	m.mu.Unlock()

	logging.Session(s.ID).Info("endpoint bound", "vm", vm.Name, "ip", vm.IP())
	m.recorder.Step(ctx, s.ID, "ENDPOINT BOUND", vm.Name)
	return s, nil
}

// activeFor counts the live sessions owned by the user.
func (m *Manager) activeFor(userID int64) int {
	n := 0
	for _, s := range m.Active() {
		if s.Record().UserID == userID {
			n++
		}
	}
	return n
}

// acquireVM prefers the ready pool and falls back to on-demand Add.
// ErrCapacityExceeded from Add does not abort the wait: a clone may free
// up before the deadline. Any other provider error is final.
func (m *Manager) acquireVM(ctx context.Context, s *Session, platform string) (*domain.VM, error) {
	m.mu.Lock()
	m.queue++
	m.metrics.SetSessionQueue(m.queue)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.queue--
		m.metrics.SetSessionQueue(m.queue)
		m.mu.Unlock()
	}()

	deadline := time.Now().Add(m.cfg.GetVMTimeout)
	for attempt := 1; ; attempt++ {
		if m.pool.Has(platform) {
			if vm := m.pool.Get(ctx, platform); vm != nil {
				return vm, nil
			}
		}

		vm, err := m.pool.Add(ctx, platform)
		if err == nil {
			return vm, nil
		}
		if !errors.Is(err, pool.ErrCapacityExceeded) {
			return nil, err
		}

		m.recorder.SubStep(ctx, s.ID, "WAITING FOR VM",
			fmt.Sprintf("attempt %d: %v", attempt, err))

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("vm not acquired within %s: %w", m.cfg.GetVMTimeout, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// Close finishes the session with the given terminal status and destroys
// its clone. Idempotent: closing a terminal session is a no-op.
func (m *Manager) Close(ctx context.Context, s *Session, status domain.SessionStatus, reason string) {
	s.mu.Lock()
	if s.rec.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.rec.Status = status
	s.rec.Reason = reason
	s.rec.Closed = true
	vm := s.vm
	s.vm = nil
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.active, s.ID)
	m.metrics.SetActiveSessions(len(m.active))
	m.mu.Unlock()

	if vm != nil {
		m.pool.Destroy(ctx, vm)
	}

	m.persist(ctx, s)
	m.metrics.SessionFinished(string(status))
	m.recorder.Step(ctx, s.ID, "SESSION CLOSED", reason)
	m.recorder.Forget(s.ID)
	logging.Session(s.ID).Info("session closed", "status", status, "reason", reason)

	m.purgeStored(ctx, s)
}

// Fail marks the session failed with an error message.
func (m *Manager) Fail(ctx context.Context, s *Session, reason, errMsg string) {
	s.mu.Lock()
	if !s.rec.Status.Terminal() {
		s.rec.Error = errMsg
	}
	s.mu.Unlock()
	m.Close(ctx, s, domain.StatusFailed, reason)
}

// Timeout fails the session and flags it timed out.
func (m *Manager) Timeout(ctx context.Context, s *Session, reason string) {
	s.mu.Lock()
	if !s.rec.Status.Terminal() {
		s.rec.TimedOut = true
	}
	s.mu.Unlock()
	m.Close(ctx, s, domain.StatusFailed, reason)
}

// fail finalizes a session that never made it into the active map.
func (m *Manager) fail(ctx context.Context, s *Session, reason, errMsg string) {
	s.mu.Lock()
	s.rec.Status = domain.StatusFailed
	s.rec.Reason = reason
	s.rec.Error = errMsg
	s.rec.Closed = true
	s.mu.Unlock()
	m.persist(ctx, s)
	m.metrics.SessionFinished(string(domain.StatusFailed))
	m.recorder.Forget(s.ID)
}

// purgeStored trims the owner's stored history to their quota.
func (m *Manager) purgeStored(ctx context.Context, s *Session) {
	s.mu.Lock()
	user := s.user
	s.mu.Unlock()
	if user == nil || user.MaxStoredSessions <= 0 {
		return
	}
	ids, err := m.store.PurgeStoredSessions(ctx, user.ID, user.MaxStoredSessions)
	if err != nil {
		logging.Op().Error("purge stored sessions", "user", user.ID, "error", err)
		return
	}
	for _, id := range ids {
		m.recorder.RemoveScreenshots(id)
	}
}

func (m *Manager) persist(ctx context.Context, s *Session) {
	rec := s.Record()
	if err := m.store.UpdateSession(ctx, &rec); err != nil {
		logging.Session(s.ID).Error("persist session", "error", err)
	}
}

// WaitIdle blocks until no live sessions remain or the context expires.
// Reports whether the sessions drained on their own.
func (m *Manager) WaitIdle(ctx context.Context) bool {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(m.Active()) == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Drain refuses new sessions and fails all live ones. Used on shutdown.
func (m *Manager) Drain(ctx context.Context) {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()

	for _, s := range m.Active() {
		m.Fail(ctx, s, "server shutdown", "vmmaster is shutting down")
	}
}
