// Package implements connection liveness monitoring and reconnection
// scheduling: per-account ping cadence, dead-link detection and backed-off
// reconnect attempts, driven entirely by one-shot timers on an injectable
// clock.
package liveness

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/lagoon-im/go-lagoon/chat"
	"github.com/lagoon-im/go-lagoon/clock"
	"github.com/lagoon-im/go-lagoon/config"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

type Signal int

const (
	// ConnectivityGained fires when the OS reports internet reachability.
	ConnectivityGained Signal = iota
	// ConnectivityLost fires when the OS reports loss of reachability.
	ConnectivityLost
	// WakeAlarm is a scheduled OS wake; re-evaluates every account.
	WakeAlarm
	// UIForeground marks the user as actively present, tightening the ping
	// cadence.
	UIForeground
	// UIBackground returns to the passive ping cadence.
	UIBackground
	// PushReceived is an out-of-band hint that the server tried to reach us;
	// the link is probed with an aggressive timeout.
	PushReceived
)

func (s Signal) String() string {
	switch s {
	case ConnectivityGained:
		return "connectivity gained"
	case ConnectivityLost:
		return "connectivity lost"
	case WakeAlarm:
		return "wake alarm"
	case UIForeground:
		return "ui foreground"
	case UIBackground:
		return "ui background"
	case PushReceived:
		return "push received"
	}
	return "unknown"
}

type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionSendPing
	ActionReconnect
	ActionScheduleWakeUp
)

// Action is the decision produced by one evaluation pass. Wake is only
// meaningful for ActionScheduleWakeUp.
type Action struct {
	Kind ActionKind
	Wake time.Duration
}

func (a Action) String() string {
	switch a.Kind {
	case ActionNone:
		return "none"
	case ActionSendPing:
		return "send ping"
	case ActionReconnect:
		return "reconnect"
	case ActionScheduleWakeUp:
		return "wake up in " + a.Wake.String()
	}
	return "unknown"
}

// Hooks are the effects the monitor requests from the layer that owns the
// transport. SendPing transmits a ping on the live session. Reconnect tears
// the session down and establishes a fresh one; the monitor learns about the
// resulting state changes through OnStateChange. OnOnline runs exactly once
// per transition into the online state, before ping scheduling resumes.
type Hooks struct {
	SendPing  func(account *chat.Account) error
	Reconnect func(account *chat.Account)
	OnOnline  func(account *chat.Account)
}

// accountState is the monitor's per-account bookkeeping. Everything in here
// is guarded by mu; evaluation for one account is serialized on it while
// different accounts evaluate concurrently.
type accountState struct {
	mu                 sync.Mutex
	lastPingSentMs     int64
	lastReceivedMs     int64
	lastConnectMs      int64
	lastNotificationMs int64
	lowPingTimeout     bool
	attempt            int
	backoff            *backoff.ExponentialBackOff
	timer              clock.Timer
}

type Monitor struct {
	config *config.Config
	log    *zap.SugaredLogger
	clock  clock.Clock
	hooks  Hooks

	mu         sync.Mutex
	states     map[*chat.Account]*accountState
	internet   bool
	foreground bool
	aggressive bool
	shutdown   bool
}

func NewMonitor(c *config.Config, cl clock.Clock, hooks Hooks) *Monitor {
	return &Monitor{
		config:   c,
		log:      c.Logger("liveness/monitor"),
		clock:    cl,
		hooks:    hooks,
		states:   make(map[*chat.Account]*accountState),
		internet: true,
	}
}

// Register starts tracking an account. Accounts start offline; a reconnect
// attempt is scheduled immediately when internet is available.
func (m *Monitor) Register(account *chat.Account) {
	st := m.state(account)
	if account.State().AttemptReconnect() && account.Enabled() {
		st.mu.Lock()
		m.scheduleReconnectLocked(account, st)
		st.mu.Unlock()
	}
}

func (m *Monitor) Unregister(account *chat.Account) {
	m.mu.Lock()
	st, ok := m.states[account]
	if ok {
		delete(m.states, account)
	}
	m.mu.Unlock()
	if ok {
		st.mu.Lock()
		st.stopTimerLocked()
		st.mu.Unlock()
	}
}

// Shutdown stops every armed timer. Late fires after shutdown are no-ops.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	states := maps.Values(m.states)
	m.mu.Unlock()
	for _, st := range states {
		st.mu.Lock()
		st.stopTimerLocked()
		st.mu.Unlock()
	}
}

// NotePacketReceived records inbound traffic. An answered ping exits the low
// ping-timeout window.
func (m *Monitor) NotePacketReceived(account *chat.Account) {
	st := m.state(account)
	st.mu.Lock()
	st.lastReceivedMs = m.nowMs()
	if st.lowPingTimeout && st.lastReceivedMs >= st.lastPingSentMs {
		m.log.Debugf("%s: leaving low ping timeout mode", account.Address)
		st.lowPingTimeout = false
	}
	st.mu.Unlock()
}

// NoteNotificationActivity records local notification work; reconnects
// triggered by low-priority signals are suppressed for a short grace period
// afterwards so the session carrying the notification is not torn down
// underneath it.
func (m *Monitor) NoteNotificationActivity(account *chat.Account) {
	st := m.state(account)
	st.mu.Lock()
	st.lastNotificationMs = m.nowMs()
	st.mu.Unlock()
}

// SetCallActive tightens the reconnect backoff ceiling while a realtime
// session depends on the connection.
func (m *Monitor) SetCallActive(active bool) {
	m.mu.Lock()
	m.aggressive = active
	m.mu.Unlock()
}

// OnStateChange is invoked after an account transitions state. It resets
// backoff and runs the online hook on entering online, arms the connect
// timeout on entering connecting, and schedules a backed-off reconnect on
// entering a retryable offline state.
func (m *Monitor) OnStateChange(account *chat.Account, previous chat.State) {
	current := account.State()
	if current == previous {
		return
	}
	m.log.Debugf("%s: state %s -> %s", account.Address, previous, current)
	st := m.state(account)
	switch current {
	case chat.StateOnline:
		st.mu.Lock()
		st.attempt = 0
		st.backoff = nil
		st.lastReceivedMs = m.nowMs()
		st.mu.Unlock()
		if m.hooks.OnOnline != nil {
			m.hooks.OnOnline(account)
		}
		m.EvaluateAndApply(account)
	case chat.StateConnecting:
		st.mu.Lock()
		st.lastConnectMs = m.nowMs()
		m.armWakeLocked(account, st, time.Duration(m.config.ConnectTimeoutSec)*time.Second)
		st.mu.Unlock()
	default:
		st.mu.Lock()
		defer st.mu.Unlock()
		st.stopTimerLocked()
		if current.AttemptReconnect() && account.Enabled() {
			m.scheduleReconnectLocked(account, st)
		}
	}
}

// ResetBackoff clears the attempt counter, used for user-initiated retries.
func (m *Monitor) ResetBackoff(account *chat.Account) {
	st := m.state(account)
	st.mu.Lock()
	st.attempt = 0
	st.backoff = nil
	st.mu.Unlock()
}

// OnExternalSignal feeds an out-of-band event into the scheduler for the
// given accounts. Evaluation is serialized per account and concurrent across
// accounts.
func (m *Monitor) OnExternalSignal(sig Signal, accounts ...*chat.Account) {
	m.log.Debugf("external signal: %s", sig)
	switch sig {
	case ConnectivityGained:
		m.mu.Lock()
		m.internet = true
		m.mu.Unlock()
		for _, account := range accounts {
			m.onConnectivityGained(account)
		}
	case ConnectivityLost:
		m.mu.Lock()
		m.internet = false
		m.mu.Unlock()
		for _, account := range accounts {
			if account.State() == chat.StateOffline {
				account.SetState(chat.StateNoInternet)
			}
			st := m.state(account)
			st.mu.Lock()
			st.stopTimerLocked()
			st.mu.Unlock()
		}
	case WakeAlarm:
		for _, account := range accounts {
			m.EvaluateAndApply(account)
		}
	case UIForeground:
		m.mu.Lock()
		m.foreground = true
		m.mu.Unlock()
		for _, account := range accounts {
			m.EvaluateAndApply(account)
		}
	case UIBackground:
		m.mu.Lock()
		m.foreground = false
		m.mu.Unlock()
		for _, account := range accounts {
			m.EvaluateAndApply(account)
		}
	case PushReceived:
		for _, account := range accounts {
			m.onPushReceived(account)
		}
	}
}

// Evaluate is the pure decision step: given the clock and the recorded
// session timestamps, decide what the account needs right now. It performs no
// effects.
func (m *Monitor) Evaluate(account *chat.Account) Action {
	st := m.state(account)
	st.mu.Lock()
	defer st.mu.Unlock()
	return m.evaluateLocked(account, st)
}

func (m *Monitor) evaluateLocked(account *chat.Account, st *accountState) Action {
	now := m.nowMs()
	switch account.State() {
	case chat.StateOnline:
		timeoutMs := m.config.PingTimeoutSec * 1000
		if st.lowPingTimeout {
			timeoutMs = m.config.LowPingTimeoutSec * 1000
		}
		if st.lastPingSentMs > st.lastReceivedMs {
			since := now - st.lastPingSentMs
			if since >= timeoutMs {
				return Action{Kind: ActionReconnect}
			}
			return wake(timeoutMs - since)
		}
		intervalMs := m.config.PingMaxIntervalSec * 1000
		m.mu.Lock()
		if m.foreground {
			intervalMs = m.config.PingMinIntervalSec * 1000
		}
		m.mu.Unlock()
		last := st.lastPingSentMs
		if st.lastReceivedMs > last {
			last = st.lastReceivedMs
		}
		due := last + intervalMs
		if now >= due {
			return Action{Kind: ActionSendPing}
		}
		return wake(due - now)
	case chat.StateConnecting:
		since := now - st.lastConnectMs
		timeoutMs := m.config.ConnectTimeoutSec * 1000
		if since >= timeoutMs {
			return Action{Kind: ActionReconnect}
		}
		return wake(timeoutMs - since)
	default:
		return Action{Kind: ActionNone}
	}
}

// EvaluateAndApply runs one evaluation pass and executes its decision. It is
// the entry point for timer fires; a late fire against changed state simply
// re-evaluates and no-ops.
func (m *Monitor) EvaluateAndApply(account *chat.Account) Action {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return Action{Kind: ActionNone}
	}
	m.mu.Unlock()
	st := m.state(account)
	st.mu.Lock()
	act := m.evaluateLocked(account, st)
	switch act.Kind {
	case ActionSendPing:
		st.lastPingSentMs = m.nowMs()
		timeoutMs := m.config.PingTimeoutSec * 1000
		if st.lowPingTimeout {
			timeoutMs = m.config.LowPingTimeoutSec * 1000
		}
		m.armWakeLocked(account, st, time.Duration(timeoutMs)*time.Millisecond)
		st.mu.Unlock()
		m.log.Debugf("%s: sending ping", account.Address)
		if err := m.hooks.SendPing(account); err != nil {
			m.log.Warnf("%s: error sending ping: %v", account.Address, err)
		}
	case ActionReconnect:
		if account.State() == chat.StateConnecting {
			// A forced reconnect out of connecting keeps the state, so no
			// transition will re-arm the connect timeout. Arm it here.
			st.lastConnectMs = m.nowMs()
			m.armWakeLocked(account, st, time.Duration(m.config.ConnectTimeoutSec)*time.Second)
		} else {
			st.stopTimerLocked()
		}
		st.mu.Unlock()
		m.log.Debugf("%s: link dead, forcing reconnect", account.Address)
		m.hooks.Reconnect(account)
	case ActionScheduleWakeUp:
		m.armWakeLocked(account, st, act.Wake)
		st.mu.Unlock()
	default:
		st.mu.Unlock()
	}
	return act
}

func (m *Monitor) onConnectivityGained(account *chat.Account) {
	if account.State() == chat.StateNoInternet {
		account.SetState(chat.StateOffline)
	}
	switch account.State() {
	case chat.StateOnline:
		// A network flap with a surviving session: within the notification
		// grace period trust the session rather than tearing it down.
		st := m.state(account)
		st.mu.Lock()
		grace := m.config.NotificationGraceSec * 1000
		inGrace := m.nowMs()-st.lastNotificationMs < grace
		st.mu.Unlock()
		if inGrace {
			m.log.Debugf("%s: in grace period, skipping reconnect", account.Address)
			return
		}
		m.EvaluateAndApply(account)
	case chat.StateOffline:
		st := m.state(account)
		st.mu.Lock()
		if account.Enabled() {
			m.scheduleReconnectLocked(account, st)
		}
		st.mu.Unlock()
	default:
		m.EvaluateAndApply(account)
	}
}

func (m *Monitor) onPushReceived(account *chat.Account) {
	if account.State() != chat.StateOnline {
		m.EvaluateAndApply(account)
		return
	}
	st := m.state(account)
	st.mu.Lock()
	st.lowPingTimeout = true
	outstanding := st.lastPingSentMs > st.lastReceivedMs
	if !outstanding {
		st.lastPingSentMs = m.nowMs()
		m.armWakeLocked(account, st, time.Duration(m.config.LowPingTimeoutSec)*time.Second)
	}
	st.mu.Unlock()
	if !outstanding {
		m.log.Debugf("%s: probing link after push hint", account.Address)
		if err := m.hooks.SendPing(account); err != nil {
			m.log.Warnf("%s: error sending ping: %v", account.Address, err)
		}
	}
}

// scheduleReconnectLocked arms the next connect attempt. The first attempt
// after going offline uses a short randomized delay; subsequent attempts
// follow the exponential backoff policy, with a lower ceiling while a call
// is active.
func (m *Monitor) scheduleReconnectLocked(account *chat.Account, st *accountState) {
	m.mu.Lock()
	internet := m.internet
	aggressive := m.aggressive
	shutdown := m.shutdown
	m.mu.Unlock()
	if shutdown || !internet {
		return
	}
	var d time.Duration
	if st.attempt == 0 {
		d = time.Duration(2+rand.Intn(10)) * time.Second
	} else {
		if st.backoff == nil {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Duration(m.config.ReconnectMinDelayMs) * time.Millisecond
			b.MaxInterval = time.Duration(m.config.ReconnectMaxDelayMs) * time.Millisecond
			b.MaxElapsedTime = 0
			st.backoff = b
		}
		d = st.backoff.NextBackOff()
		if maxAggressive := time.Duration(m.config.AggressiveMaxDelayMs) * time.Millisecond; aggressive && d > maxAggressive {
			d = maxAggressive
		}
	}
	st.attempt++
	m.log.Debugf("%s: scheduling reconnect attempt %d in %s", account.Address, st.attempt, d)
	st.stopTimerLocked()
	st.timer = m.clock.AfterFunc(d, func() {
		if !account.State().AttemptReconnect() || !account.Enabled() {
			return
		}
		if account.State() == chat.StateOnline || account.State() == chat.StateConnecting {
			return
		}
		m.mu.Lock()
		ok := m.internet && !m.shutdown
		m.mu.Unlock()
		if !ok {
			return
		}
		m.hooks.Reconnect(account)
	})
}

func (m *Monitor) armWakeLocked(account *chat.Account, st *accountState, d time.Duration) {
	st.stopTimerLocked()
	st.timer = m.clock.AfterFunc(d, func() {
		m.EvaluateAndApply(account)
	})
}

func (st *accountState) stopTimerLocked() {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}

func (m *Monitor) state(account *chat.Account) *accountState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[account]
	if !ok {
		st = &accountState{}
		m.states[account] = st
	}
	return st
}

func (m *Monitor) nowMs() int64 {
	return int64(m.clock.CurrentTimeMs())
}

func wake(ms int64) Action {
	return Action{Kind: ActionScheduleWakeUp, Wake: time.Duration(ms) * time.Millisecond}
}
