// This package defines the data model shared by the archive and liveness
// subsystems: accounts with their connectivity state, conversations with
// their archive bookkeeping, and archive timeline references.
package chat

import (
	"sync"

	"github.com/google/uuid"
)

type State int

const (
	StateOffline State = iota
	StateConnecting
	StateOnline
	StateNoInternet
	StateErrorAuth
	StateErrorProtocol
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateNoInternet:
		return "no internet"
	case StateErrorAuth:
		return "auth error"
	case StateErrorProtocol:
		return "protocol error"
	case StateDisabled:
		return "disabled"
	}
	return "unknown"
}

// AttemptReconnect reports whether the scheduler should keep trying to
// establish a session from this state. Auth errors are terminal and require
// user action; everything else is retryable.
func (s State) AttemptReconnect() bool {
	return s != StateErrorAuth && s != StateDisabled
}

type Account struct {
	ID      uuid.UUID
	Address string

	mu    sync.Mutex
	state State
}

func NewAccount(address string) *Account {
	return &Account{
		ID:      uuid.New(),
		Address: address,
		state:   StateOffline,
	}
}

func (a *Account) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SetState returns the previous state so callers can act on the transition.
func (a *Account) SetState(s State) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.state
	a.state = s
	return prev
}

func (a *Account) Enabled() bool {
	return a.State() != StateDisabled
}
