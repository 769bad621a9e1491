package server

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SessionManager owns the process-wide session table. It resolves
// cookies to sessions, expires idle sessions in the background, and
// exposes lifecycle callbacks. It has an explicit lifecycle: created at
// startup, swept by a background task, torn down on shutdown.
type SessionManager struct {
	// Sessions map protected by RWMutex
	sessions map[string]*Session
	mu       sync.RWMutex

	// Configuration
	config      *SessionConfig
	maxSessions int
	devMode     bool

	// Cleanup (protected by cleanupMu)
	cleanupInterval time.Duration
	cleanupTicker   *time.Ticker
	cleanupMu       sync.Mutex
	done            chan struct{}
	cleanupDone     chan struct{} // Signals that the sweep goroutine has exited

	// Metrics
	totalCreated atomic.Uint64
	totalClosed  atomic.Uint64
	peakSessions int

	// Callbacks
	onSessionCreate []func(*Session)
	onSessionClose  []func(*Session)

	// Logger
	logger *slog.Logger
}

// ManagerStats contains aggregated session manager statistics.
type ManagerStats struct {
	Active       int
	TotalCreated uint64
	TotalClosed  uint64
	Peak         int
}

// NewSessionManager creates a SessionManager and starts its expiry sweep.
func NewSessionManager(config *SessionConfig, logger *slog.Logger) *SessionManager {
	if config == nil {
		config = DefaultSessionConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	sm := &SessionManager{
		sessions:        make(map[string]*Session),
		config:          config,
		cleanupInterval: 30 * time.Second,
		done:            make(chan struct{}),
		cleanupDone:     make(chan struct{}),
		logger:          logger.With("component", "session_manager"),
	}

	go sm.cleanupLoop()

	return sm
}

// SetMaxSessions caps the tracked session count. Resolve never fails:
// past the cap it hands out untracked throwaway sessions so the request
// still completes.
func (sm *SessionManager) SetMaxSessions(max int) {
	sm.mu.Lock()
	sm.maxSessions = max
	sm.mu.Unlock()
}

// SetDevMode controls whether new sessions participate in reload
// broadcasts.
func (sm *SessionManager) SetDevMode(dev bool) {
	sm.mu.Lock()
	sm.devMode = dev
	sm.mu.Unlock()
}

// Resolve looks up the session named by a cookie value. An empty,
// unknown, or expired value yields a brand-new session and created is
// true, signalling the HTTP layer to set a fresh cookie. Resolve never
// fails; the worst case is always a usable new session.
func (sm *SessionManager) Resolve(cookieValue string) (sess *Session, created bool) {
	if cookieValue != "" {
		sm.mu.RLock()
		sess = sm.sessions[cookieValue]
		sm.mu.RUnlock()

		if sess != nil && !sess.IsClosed() {
			sess.UpdateLastActive()
			return sess, false
		}
		if sess != nil {
			// The named session closed between lookup and use.
			sess = nil
		}
		sm.logger.Debug("session cookie rejected", "error", ErrSessionExpired)
	}

	sm.mu.Lock()
	sess = newSession(sm.config, sm.logger)
	sess.AutoReload = sm.devMode

	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		sess.untracked = true
		sm.mu.Unlock()
		sm.logger.Warn("session table full, issuing untracked session",
			"error", ErrMaxSessionsReached,
			"max_sessions", sm.maxSessions)
		return sess, true
	}

	sm.sessions[sess.ID] = sess
	sm.totalCreated.Add(1)
	if len(sm.sessions) > sm.peakSessions {
		sm.peakSessions = len(sm.sessions)
	}
	onCreate := sm.onSessionCreate
	active := len(sm.sessions)
	sm.mu.Unlock()

	for _, fn := range onCreate {
		fn(sess)
	}

	sm.logger.Info("session created",
		"session_id", sess.ID,
		"active_sessions", active)

	return sess, true
}

// Get retrieves a session by ID.
func (sm *SessionManager) Get(id string) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[id]
}

// Count returns the number of tracked sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Close closes a session by ID and removes it from the manager.
func (sm *SessionManager) Close(id string) {
	sm.mu.Lock()
	sess, exists := sm.sessions[id]
	if exists {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	if sess != nil {
		sess.Close()
		sm.totalClosed.Add(1)
		sm.notifyClosed(sess)
		sm.logger.Info("session closed",
			"session_id", id,
			"active_sessions", sm.Count())
	}
}

// cleanupLoop periodically removes expired sessions.
func (sm *SessionManager) cleanupLoop() {
	defer close(sm.cleanupDone)

	sm.cleanupMu.Lock()
	sm.cleanupTicker = time.NewTicker(sm.cleanupInterval)
	sm.cleanupMu.Unlock()

	defer func() {
		sm.cleanupMu.Lock()
		if sm.cleanupTicker != nil {
			sm.cleanupTicker.Stop()
		}
		sm.cleanupMu.Unlock()
	}()

	for {
		sm.cleanupMu.Lock()
		ticker := sm.cleanupTicker
		sm.cleanupMu.Unlock()

		select {
		case <-ticker.C:
			sm.cleanupExpired()
		case <-sm.done:
			return
		}
	}
}

// cleanupExpired removes sessions idle beyond IdleTimeout with no
// attached channel. A session holding a live channel is never expired
// regardless of HTTP inactivity.
func (sm *SessionManager) cleanupExpired() {
	now := time.Now()

	sm.mu.Lock()
	var expired []*Session
	for id, sess := range sm.sessions {
		sess.mu.Lock()
		idle := now.Sub(sess.LastActive) > sm.config.IdleTimeout
		attached := sess.channel != nil
		sess.mu.Unlock()

		if idle && !attached {
			delete(sm.sessions, id)
			expired = append(expired, sess)
		}
	}
	remaining := len(sm.sessions)
	sm.mu.Unlock()

	for _, sess := range expired {
		sess.Close()
		sm.totalClosed.Add(1)
		sm.notifyClosed(sess)
	}

	if len(expired) > 0 {
		sm.logger.Info("cleaned up expired sessions",
			"count", len(expired),
			"remaining", remaining)
	}
}

// BroadcastReload sends a reload instruction to every session with an
// attached channel. Used by development auto-reload; sessions without a
// channel are skipped, reloads are not buffered.
func (sm *SessionManager) BroadcastReload() int {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	sm.mu.RUnlock()

	sent := 0
	for _, sess := range sessions {
		if !sess.AutoReload {
			continue
		}
		if sess.sendReload() {
			sent++
		}
	}

	if sent > 0 {
		sm.logger.Info("reload broadcast", "sessions", sent)
	}
	return sent
}

// ForEach iterates over all sessions.
// The callback should not perform long-running operations as it holds the read lock.
func (sm *SessionManager) ForEach(fn func(*Session) bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for _, sess := range sm.sessions {
		if !fn(sess) {
			break
		}
	}
}

// OnSessionCreate registers a callback invoked after each tracked
// session is created. Callbacks run outside the manager lock and may
// not block for long; registration is not safe concurrently with
// serving.
func (sm *SessionManager) OnSessionCreate(fn func(*Session)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onSessionCreate = append(sm.onSessionCreate, fn)
}

// OnSessionClose registers a callback invoked after a session closes,
// whether by expiry, eviction, or shutdown.
func (sm *SessionManager) OnSessionClose(fn func(*Session)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onSessionClose = append(sm.onSessionClose, fn)
}

func (sm *SessionManager) notifyClosed(sess *Session) {
	sm.mu.RLock()
	callbacks := sm.onSessionClose
	sm.mu.RUnlock()
	for _, fn := range callbacks {
		fn(sess)
	}
}

// SetCleanupInterval sets the expiry sweep interval.
func (sm *SessionManager) SetCleanupInterval(d time.Duration) {
	sm.cleanupMu.Lock()
	defer sm.cleanupMu.Unlock()
	sm.cleanupInterval = d
	if sm.cleanupTicker != nil {
		sm.cleanupTicker.Reset(d)
	}
}

// Stats returns aggregated session statistics.
func (sm *SessionManager) Stats() ManagerStats {
	sm.mu.RLock()
	active := len(sm.sessions)
	peak := sm.peakSessions
	sm.mu.RUnlock()

	return ManagerStats{
		Active:       active,
		TotalCreated: sm.totalCreated.Load(),
		TotalClosed:  sm.totalClosed.Load(),
		Peak:         peak,
	}
}

// Shutdown gracefully shuts down all sessions.
func (sm *SessionManager) Shutdown() {
	sm.ShutdownWithContext(context.Background())
}

// ShutdownWithContext stops the expiry sweep and closes every session.
func (sm *SessionManager) ShutdownWithContext(ctx context.Context) error {
	// Stop cleanup loop and wait for it to exit
	close(sm.done)
	<-sm.cleanupDone

	sm.mu.Lock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.sessions = make(map[string]*Session)
	sm.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close()
			sm.notifyClosed(s)
		}(sess)
	}

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-ctx.Done():
		sm.logger.Warn("session shutdown cut short", "error", ctx.Err())
		return ctx.Err()
	}

	sm.logger.Info("session manager shutdown",
		"closed_sessions", len(sessions))

	return nil
}
