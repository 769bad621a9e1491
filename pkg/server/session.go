package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Session represents one browser tab's server-side state: its target
// registry, its action table, and the single push channel slot.
// Sessions are created by the SessionManager on first contact and keyed
// by an opaque cookie value.
type Session struct {
	// Identity
	ID         string
	CreatedAt  time.Time
	LastActive time.Time

	// AutoReload marks sessions that receive dev-mode reload broadcasts.
	AutoReload bool

	// mu protects targets, actions, the channel slot, and the pending
	// buffer. The lock is per-session so unrelated sessions never
	// serialize on each other's I/O.
	mu sync.Mutex

	// Target registry: id -> live-target state. A nil entry value means
	// live with no cancellation callback.
	targets map[string]func()

	// Action table: id -> binding, plus route -> ids for clearing a
	// route's bindings when its page re-renders.
	actions        map[string]*actionBinding
	actionsByRoute map[string][]string

	// Push channel slot. At most one live channel at a time; a new
	// attach closes and replaces any prior one.
	channel *pushChannel

	// Patches buffered while no channel is attached. Bounded by
	// MaxPendingPatches with oldest-drop eviction.
	pending []Patch

	targetSeq atomic.Uint64
	actionSeq atomic.Uint64
	closed    atomic.Bool

	config *SessionConfig
	logger *slog.Logger

	// Metrics
	patchCount atomic.Uint64

	// untracked marks throwaway sessions handed out past MaxSessions.
	untracked bool
}

// actionBinding is a stored (handler, swap, target) triple addressable
// by the action id embedded in rendered HTML. Bindings are data, not
// live references: dispatch looks them up by id.
type actionBinding struct {
	id       string
	route    string
	handler  ActionHandler
	swap     Swap
	targetID string
}

// generateSessionID generates a cryptographically random session ID.
func generateSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// SECURITY: Fatal on entropy failure - weak IDs are dangerous
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// newSession creates a session with a fresh random id.
func newSession(config *SessionConfig, logger *slog.Logger) *Session {
	now := time.Now()
	id := generateSessionID()

	return &Session{
		ID:             id,
		CreatedAt:      now,
		LastActive:     now,
		targets:        make(map[string]func()),
		actions:        make(map[string]*actionBinding),
		actionsByRoute: make(map[string][]string),
		config:         config,
		logger:         logger.With("session_id", id),
	}
}

// UpdateLastActive marks the session as recently used. Called on every
// HTTP request and channel message bearing the session cookie.
func (s *Session) UpdateLastActive() {
	s.mu.Lock()
	s.LastActive = time.Now()
	s.mu.Unlock()
}

// IsClosed reports whether the session has been closed.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// =============================================================================
// Target registry
// =============================================================================

// NewTarget allocates a fresh target id, registers it as assumed-live
// with no cancellation callback, and returns its handle. Ids are
// monotonic per session; uniqueness never depends on allocation order
// elsewhere.
func (s *Session) NewTarget() Target {
	id := fmt.Sprintf("t%d-%s", s.targetSeq.Add(1), s.ID[:8])

	s.mu.Lock()
	s.targets[id] = nil
	s.mu.Unlock()

	return Target{ID: id}
}

// RegisterTarget marks an id as assumed-live. Used when freshly
// rendered HTML re-creates a target occupying the same semantic role:
// registering the new id does not cancel the old one; the old id dies
// only via an explicit client report.
func (s *Session) RegisterTarget(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	if _, exists := s.targets[id]; !exists {
		s.targets[id] = nil
	}
	s.mu.Unlock()
}

// TargetLive reports whether the id is still in the live set.
func (s *Session) TargetLive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, live := s.targets[id]
	return live
}

// InvalidateTarget removes the id from the live set and returns its
// cancellation callback, if any, for the caller to invoke exactly once.
// Idempotent: an unknown or already-invalidated id returns (nil, false),
// since the client may report the same missing target more than once.
func (s *Session) InvalidateTarget(id string) (cancel func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancel, ok = s.targets[id]
	if !ok {
		return nil, false
	}
	delete(s.targets, id)
	return cancel, true
}

// setTargetCancel associates a cancellation callback with a live
// target, overwriting any prior callback for that id. A callback for an
// id outside the live set is invoked immediately: the target is already
// confirmed gone.
func (s *Session) setTargetCancel(id string, cancel func()) {
	if cancel == nil {
		return
	}
	s.mu.Lock()
	_, live := s.targets[id]
	if live {
		s.targets[id] = cancel
	}
	s.mu.Unlock()

	if !live {
		cancel()
	}
}

// handleInvalidTarget processes a client invalid-target report.
func (s *Session) handleInvalidTarget(id string) {
	cancel, ok := s.InvalidateTarget(id)
	if !ok {
		return
	}
	s.logger.Debug("target invalidated", "target_id", id, "had_cancel", cancel != nil)
	if cancel != nil {
		cancel()
	}
}

// =============================================================================
// Action table
// =============================================================================

// registerAction stores a binding for the route currently rendering and
// returns the id to embed in the emitted HTML.
func (s *Session) registerAction(route string, handler ActionHandler, swap Swap, targetID string) string {
	id := fmt.Sprintf("a%d-%s", s.actionSeq.Add(1), s.ID[:8])

	binding := &actionBinding{
		id:       id,
		route:    route,
		handler:  handler,
		swap:     swap,
		targetID: targetID,
	}

	s.mu.Lock()
	s.actions[id] = binding
	s.actionsByRoute[route] = append(s.actionsByRoute[route], id)
	s.mu.Unlock()

	return id
}

// lookupAction resolves an action id. Ids are reusable until the page
// that created them re-renders; after that they resolve to nothing.
func (s *Session) lookupAction(id string) (*actionBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	binding, ok := s.actions[id]
	if !ok {
		return nil, ErrActionNotFound
	}
	return binding, nil
}

// clearRouteActions drops every binding the given route registered on
// its previous render, so stale ids from superseded HTML fail with
// ErrActionNotFound.
func (s *Session) clearRouteActions(route string) {
	s.mu.Lock()
	for _, id := range s.actionsByRoute[route] {
		delete(s.actions, id)
	}
	delete(s.actionsByRoute, route)
	s.mu.Unlock()
}

// =============================================================================
// Push channel slot and patch delivery
// =============================================================================

// Attach binds a new transport connection to the session, closing and
// replacing any prior channel, then flushes patches buffered before
// attachment in their original order.
func (s *Session) Attach(conn *websocket.Conn) {
	ch := newPushChannel(conn, s, s.config, s.logger)

	s.mu.Lock()
	old := s.channel
	s.channel = ch
	queued := s.pending
	s.pending = nil
	s.LastActive = time.Now()

	// Enqueue the backlog before releasing the lock so no concurrent
	// Send can slip ahead of it.
	if len(queued) > 0 {
		if !ch.enqueue(pushMessage{Type: messagePatch, Patches: queued}) {
			// Fresh channel with a full queue only happens when the
			// backlog exceeds the queue size; re-buffer what we had.
			s.channel = nil
			s.pending = queued
		}
	}
	s.mu.Unlock()

	if old != nil {
		old.close()
	}
	ch.start()

	s.logger.Debug("channel attached", "flushed_patches", len(queued))
}

// detachChannel clears the channel slot if it still holds ch. Called on
// transport close or error. Buffering resumes; no cancellation
// callbacks fire, since a dropped connection is not a confirmed-absent
// target - the browser may reconnect with the target still present.
func (s *Session) detachChannel(ch *pushChannel) {
	s.mu.Lock()
	if s.channel == ch {
		s.channel = nil
	}
	s.mu.Unlock()
}

// HasChannel reports whether a push channel is currently attached.
func (s *Session) HasChannel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel != nil
}

// SendPatch queues a patch for delivery. With a channel attached the
// patch joins the channel's ordered write queue; otherwise it is
// buffered (bounded, oldest dropped) until a channel attaches. Never
// blocks the caller on network I/O.
func (s *Session) SendPatch(patch Patch) {
	if s.closed.Load() {
		return
	}

	s.mu.Lock()
	ch := s.channel
	if ch == nil {
		s.bufferLocked(patch)
		s.mu.Unlock()
		return
	}
	if !ch.enqueue(pushMessage{Type: messagePatch, Patches: []Patch{patch}}) {
		// Slow consumer: drop the connection, keep the patch.
		s.channel = nil
		s.bufferLocked(patch)
		s.mu.Unlock()
		go ch.close()
		s.logger.Warn("push channel send queue full, dropping connection")
		return
	}
	s.mu.Unlock()

	s.patchCount.Add(1)
}

// sendReload pushes a reload instruction if a channel is attached.
// Reload messages are dev-mode signals and are never buffered.
func (s *Session) sendReload() bool {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()

	if ch == nil {
		return false
	}
	return ch.enqueue(pushMessage{Type: messageReload})
}

// bufferLocked appends a patch to the pending buffer, evicting the
// oldest entry beyond the cap. Caller holds s.mu.
func (s *Session) bufferLocked(patch Patch) {
	limit := s.config.MaxPendingPatches
	if limit <= 0 {
		limit = 64
	}
	if len(s.pending) >= limit {
		dropped := s.pending[0]
		s.pending = append(s.pending[:0], s.pending[1:]...)
		s.logger.Debug("pending patch dropped", "target_id", dropped.TargetID)
	}
	s.pending = append(s.pending, patch)
}

// PendingPatches returns and clears the pending buffer. Used by the
// HTTP poll fallback when no channel is attached.
func (s *Session) PendingPatches() []Patch {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := s.pending
	s.pending = nil
	return queued
}

// PatchCount returns the number of patches delivered over the channel.
func (s *Session) PatchCount() uint64 {
	return s.patchCount.Load()
}

// handleInbound processes a control message from the client.
func (s *Session) handleInbound(msg inboundMessage) {
	s.UpdateLastActive()

	switch msg.Type {
	case inboundInvalid:
		if msg.ID != "" {
			s.handleInvalidTarget(msg.ID)
		}
	case inboundReloadAck:
		s.logger.Debug("reload acknowledged")
	default:
		s.logger.Warn("unknown inbound message", "type", msg.Type)
	}
}

// Close tears down the session: the channel is closed and every
// remaining cancellation callback fires so recurring tasks tied to this
// session's targets stop. Safe to call more than once.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	ch := s.channel
	s.channel = nil
	cancels := make([]func(), 0, len(s.targets))
	for id, cancel := range s.targets {
		if cancel != nil {
			cancels = append(cancels, cancel)
		}
		delete(s.targets, id)
	}
	s.actions = make(map[string]*actionBinding)
	s.actionsByRoute = make(map[string][]string)
	s.pending = nil
	s.mu.Unlock()

	if ch != nil {
		ch.close()
	}
	for _, cancel := range cancels {
		cancel()
	}
}
