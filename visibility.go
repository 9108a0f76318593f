package durablestreams

import "sync"

// VisibilityGate lets a host (a browser tab, a TUI, a mobile app's
// lifecycle callbacks) tell a session when its consumer is not actually
// being watched, so the driver can stop issuing continuation requests
// until the host says otherwise (spec.md §4.6).
//
// Register is called once per session. fn is invoked with hidden=true
// when the host becomes hidden and hidden=false when it becomes visible
// again. The returned unregister func is called exactly once, when the
// session closes.
type VisibilityGate interface {
	Register(fn func(hidden bool)) (unregister func())
}

// staticGate is the default gate used when no WithVisibilityGate option
// is supplied: the session is always visible.
type staticGate struct{}

func (staticGate) Register(func(hidden bool)) func() { return func() {} }

// VisibilityFunc adapts a plain registration function to VisibilityGate.
type VisibilityFunc func(fn func(hidden bool)) func()

func (f VisibilityFunc) Register(fn func(hidden bool)) func() { return f(fn) }

// visibilityState tracks one session's hidden/visible value and routes
// host transitions to the driver's onHidden/onVisible hooks. Only
// genuine transitions fire a hook; repeated reports of the same value
// are ignored.
type visibilityState struct {
	mu         sync.Mutex
	hidden     bool
	onHidden   func()
	onVisible  func()
	unregister func()
}

func newVisibilityState(gate VisibilityGate, initiallyHidden bool, onHidden, onVisible func()) *visibilityState {
	if gate == nil {
		gate = staticGate{}
	}
	vs := &visibilityState{
		hidden:    initiallyHidden,
		onHidden:  onHidden,
		onVisible: onVisible,
	}
	vs.unregister = gate.Register(func(hidden bool) {
		vs.mu.Lock()
		changed := vs.hidden != hidden
		vs.hidden = hidden
		vs.mu.Unlock()
		if !changed {
			return
		}
		if hidden {
			vs.onHidden()
		} else {
			vs.onVisible()
		}
	})
	return vs
}

// isHidden reports the last-known visibility value. The driver consults
// this before issuing a continuation request (spec.md §4.6: "the driver
// MUST NOT issue the continuation request ... until visibility
// returns").
func (vs *visibilityState) isHidden() bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.hidden
}

// close removes the host listener. Always called on session close.
func (vs *visibilityState) close() {
	vs.unregister()
}
