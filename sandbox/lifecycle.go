package sandbox

import (
	"fmt"
	"sync"
)

// State is a session lifecycle state.
//
//	Uninitialized -> Ready -> Executing -> Ready ... -> Destroyed
//	Uninitialized -> Error, Executing -> Error (terminal)
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateExecuting
	StateDestroyed
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateDestroyed:
		return "destroyed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type lifecycle struct {
	mu    sync.Mutex
	state State
}

func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) ready() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateUninitialized {
		l.state = StateReady
	}
}

func (l *lifecycle) fail() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateDestroyed {
		l.state = StateError
	}
}

// check reports why the session cannot be used, if it cannot.
func (l *lifecycle) check() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked()
}

func (l *lifecycle) checkLocked() error {
	switch l.state {
	case StateReady:
		return nil
	case StateExecuting:
		return ErrBusy
	case StateDestroyed:
		return ErrDestroyed
	case StateError:
		return ErrFailed
	default:
		return fmt.Errorf("session not initialized")
	}
}

func (l *lifecycle) begin() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkLocked(); err != nil {
		return err
	}
	l.state = StateExecuting
	return nil
}

func (l *lifecycle) end(transportFailed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateExecuting {
		// destroyed while the execution was in flight
		return
	}
	if transportFailed {
		l.state = StateError
		return
	}
	l.state = StateReady
}

// destroy moves to Destroyed and reports whether it already was.
func (l *lifecycle) destroy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateDestroyed {
		return true
	}
	l.state = StateDestroyed
	return false
}
