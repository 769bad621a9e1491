package server

// Dispatcher is the single entry point handlers use for out-of-band
// updates. It addresses a patch to the owning session's push channel
// and records the cancellation hook invoked if the client later reports
// the target gone.
//
// Patches for one session are delivered in emission order. Delivery
// across a disconnect/reconnect gap is limited to the session's bounded
// pending buffer.
type Dispatcher struct {
	sessions *SessionManager
}

// NewDispatcher creates a Dispatcher over the given session store.
func NewDispatcher(sessions *SessionManager) *Dispatcher {
	return &Dispatcher{sessions: sessions}
}

// Emit addresses content to a target of the named session. The optional
// cancel callback is associated with the target, overwriting any prior
// callback for that id; it fires exactly once when the client reports
// the target absent (or immediately, if the target is already gone).
//
// An unknown session id is a no-op beyond running cancel: there is no
// tab left to patch.
func (d *Dispatcher) Emit(sessionID string, ref Ref, html string, cancel ...func()) {
	var stop func()
	if len(cancel) > 0 {
		stop = cancel[0]
	}

	sess := d.sessions.Get(sessionID)
	if sess == nil || sess.IsClosed() {
		if stop != nil {
			stop()
		}
		return
	}

	d.EmitTo(sess, ref, html, stop)
}

// EmitTo is Emit with a resolved session.
func (d *Dispatcher) EmitTo(sess *Session, ref Ref, html string, cancel func()) {
	if ref.ID == "" {
		if cancel != nil {
			cancel()
		}
		return
	}

	if cancel != nil {
		sess.setTargetCancel(ref.ID, cancel)
	}

	sess.SendPatch(Patch{
		TargetID: ref.ID,
		Swap:     ref.Swap,
		HTML:     html,
	})
}
