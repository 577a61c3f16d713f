package liveness

import (
	"sync"
	"testing"
	"time"

	"github.com/lagoon-im/go-lagoon/chat"
	"github.com/lagoon-im/go-lagoon/clock"
	"github.com/lagoon-im/go-lagoon/config"
	"github.com/stretchr/testify/require"
)

const startTimeMs = int64(1700000000000)

type testTimer struct {
	mu      sync.Mutex
	at      int64
	f       func()
	stopped bool
}

func (t *testTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.stopped
	t.stopped = true
	return !was
}

func (t *testTimer) due(nowMs int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && t.at <= nowMs
}

type testClock struct {
	mu     sync.Mutex
	nowMs  int64
	timers []*testTimer
}

func (tc *testClock) CurrentTimeMicro() uint64 {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return uint64(tc.nowMs) * 1000
}

func (tc *testClock) CurrentTimeMs() uint64 {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return uint64(tc.nowMs)
}

func (tc *testClock) CurrentTimeSec() uint64 {
	return tc.CurrentTimeMs() / 1000
}

func (tc *testClock) Now() time.Time {
	return time.UnixMilli(int64(tc.CurrentTimeMs()))
}

func (tc *testClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	t := &testTimer{at: tc.nowMs + d.Milliseconds(), f: f}
	tc.timers = append(tc.timers, t)
	return t
}

// AdvanceMs moves the clock forward and fires due timers synchronously, in
// arming order. A fired timer may arm new timers; those fire too if already
// due.
func (tc *testClock) AdvanceMs(ms int64) {
	tc.mu.Lock()
	tc.nowMs += ms
	now := tc.nowMs
	tc.mu.Unlock()
	for {
		var due *testTimer
		tc.mu.Lock()
		for i, t := range tc.timers {
			if t.due(now) {
				due = t
				tc.timers = append(tc.timers[:i], tc.timers[i+1:]...)
				break
			}
		}
		tc.mu.Unlock()
		if due == nil {
			return
		}
		due.f()
	}
}

type hookRecorder struct {
	mu         sync.Mutex
	pings      int
	reconnects int
	onlines    int
}

func (r *hookRecorder) hooks() Hooks {
	return Hooks{
		SendPing: func(account *chat.Account) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.pings++
			return nil
		},
		Reconnect: func(account *chat.Account) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.reconnects++
		},
		OnOnline: func(account *chat.Account) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.onlines++
		},
	}
}

func (r *hookRecorder) counts() (pings, reconnects, onlines int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pings, r.reconnects, r.onlines
}

func newTestMonitor(opts ...config.Option) (*Monitor, *testClock, *hookRecorder, *chat.Account) {
	opts = append([]config.Option{config.WithLoggingPrefix("test")}, opts...)
	c := config.NewConfig(opts...)
	tc := &testClock{nowMs: startTimeMs}
	rec := &hookRecorder{}
	m := NewMonitor(c, tc, rec.hooks())
	account := chat.NewAccount("alice@example.net")
	return m, tc, rec, account
}

func goOnline(m *Monitor, account *chat.Account) {
	account.SetState(chat.StateOnline)
	m.OnStateChange(account, chat.StateConnecting)
}

func TestHealthyLinkSchedulesWakeOnly(t *testing.T) {
	require := require.New(t)
	m, _, rec, account := newTestMonitor()
	goOnline(m, account)

	act := m.Evaluate(account)
	require.Equal(ActionScheduleWakeUp, act.Kind)
	require.Equal(300*time.Second, act.Wake)
	pings, reconnects, _ := rec.counts()
	require.Equal(0, pings)
	require.Equal(0, reconnects)
}

func TestPingWhenOverdueThenReconnectOnSilence(t *testing.T) {
	require := require.New(t)
	m, tc, rec, account := newTestMonitor()
	goOnline(m, account)

	tc.AdvanceMs(300_000)
	pings, reconnects, _ := rec.counts()
	require.Equal(1, pings)
	require.Equal(0, reconnects)

	// The ping goes unanswered past the timeout: the link is dead. Exactly
	// one reconnect, and no user-visible error state.
	tc.AdvanceMs(15_000)
	_, reconnects, _ = rec.counts()
	require.Equal(1, reconnects)
	require.Equal(chat.StateOnline, account.State())

	tc.AdvanceMs(60_000)
	_, reconnects, _ = rec.counts()
	require.Equal(1, reconnects)
}

func TestAnsweredPingResumesSchedule(t *testing.T) {
	require := require.New(t)
	m, tc, rec, account := newTestMonitor()
	goOnline(m, account)

	tc.AdvanceMs(300_000)
	pings, _, _ := rec.counts()
	require.Equal(1, pings)

	m.NotePacketReceived(account)
	tc.AdvanceMs(15_000)
	_, reconnects, _ := rec.counts()
	require.Equal(0, reconnects)
}

func TestForegroundTightensInterval(t *testing.T) {
	require := require.New(t)
	m, tc, rec, account := newTestMonitor()
	goOnline(m, account)

	m.OnExternalSignal(UIForeground, account)
	act := m.Evaluate(account)
	require.Equal(ActionScheduleWakeUp, act.Kind)
	require.Equal(30*time.Second, act.Wake)

	tc.AdvanceMs(30_000)
	pings, _, _ := rec.counts()
	require.Equal(1, pings)
}

func TestPushHintProbesWithLowTimeout(t *testing.T) {
	require := require.New(t)
	m, tc, rec, account := newTestMonitor()
	goOnline(m, account)
	tc.AdvanceMs(1)

	m.OnExternalSignal(PushReceived, account)
	pings, reconnects, _ := rec.counts()
	require.Equal(1, pings)
	require.Equal(0, reconnects)

	tc.AdvanceMs(1_000)
	_, reconnects, _ = rec.counts()
	require.Equal(1, reconnects)
}

func TestAnsweredProbeExitsLowTimeoutMode(t *testing.T) {
	require := require.New(t)
	m, tc, rec, account := newTestMonitor()
	goOnline(m, account)
	tc.AdvanceMs(1)

	m.OnExternalSignal(PushReceived, account)
	m.NotePacketReceived(account)

	tc.AdvanceMs(1_000)
	_, reconnects, _ := rec.counts()
	require.Equal(0, reconnects)

	// Back on the normal timeout: a later unanswered ping still takes the
	// full window to trip.
	tc.AdvanceMs(300_000)
	pings, _, _ := rec.counts()
	require.Equal(2, pings)
	tc.AdvanceMs(1_000)
	_, reconnects, _ = rec.counts()
	require.Equal(0, reconnects)
	tc.AdvanceMs(14_000)
	_, reconnects, _ = rec.counts()
	require.Equal(1, reconnects)
}

func TestConnectTimeoutForcesReconnect(t *testing.T) {
	require := require.New(t)
	m, tc, rec, account := newTestMonitor()
	account.SetState(chat.StateConnecting)
	m.OnStateChange(account, chat.StateOffline)

	tc.AdvanceMs(89_000)
	_, reconnects, _ := rec.counts()
	require.Equal(0, reconnects)

	tc.AdvanceMs(1_000)
	_, reconnects, _ = rec.counts()
	require.Equal(1, reconnects)
}

func TestOnlineHookRunsOncePerTransition(t *testing.T) {
	require := require.New(t)
	m, _, rec, account := newTestMonitor()
	goOnline(m, account)
	m.OnStateChange(account, chat.StateOnline)

	_, _, onlines := rec.counts()
	require.Equal(1, onlines)
}

func TestOfflineSchedulesBackedOffReconnects(t *testing.T) {
	require := require.New(t)
	m, tc, rec, account := newTestMonitor()
	account.SetState(chat.StateOffline)
	m.OnStateChange(account, chat.StateOnline)

	// First attempt uses a short randomized delay of at most twelve seconds.
	tc.AdvanceMs(12_000)
	_, reconnects, _ := rec.counts()
	require.Equal(1, reconnects)

	// A failed attempt schedules the next one with exponential backoff.
	m.OnStateChange(account, chat.StateConnecting)
	tc.AdvanceMs(3_001)
	_, reconnects, _ = rec.counts()
	require.Equal(2, reconnects)
}

func TestAuthErrorStopsReconnecting(t *testing.T) {
	require := require.New(t)
	m, tc, rec, account := newTestMonitor()
	account.SetState(chat.StateErrorAuth)
	m.OnStateChange(account, chat.StateConnecting)

	tc.AdvanceMs(24 * 60 * 60 * 1000)
	_, reconnects, _ := rec.counts()
	require.Equal(0, reconnects)
}

func TestDisabledAccountNotScheduled(t *testing.T) {
	require := require.New(t)
	m, tc, rec, account := newTestMonitor()
	account.SetState(chat.StateDisabled)
	m.OnStateChange(account, chat.StateOnline)

	tc.AdvanceMs(24 * 60 * 60 * 1000)
	_, reconnects, _ := rec.counts()
	require.Equal(0, reconnects)
}

func TestConnectivityLossPausesScheduling(t *testing.T) {
	require := require.New(t)
	m, tc, rec, account := newTestMonitor()
	account.SetState(chat.StateOffline)
	m.OnExternalSignal(ConnectivityLost, account)
	require.Equal(chat.StateNoInternet, account.State())

	tc.AdvanceMs(60 * 60 * 1000)
	_, reconnects, _ := rec.counts()
	require.Equal(0, reconnects)

	m.OnExternalSignal(ConnectivityGained, account)
	require.Equal(chat.StateOffline, account.State())
	tc.AdvanceMs(12_000)
	_, reconnects, _ = rec.counts()
	require.Equal(1, reconnects)
}

func TestNotificationGraceSuppressesReconnect(t *testing.T) {
	require := require.New(t)
	m, tc, rec, account := newTestMonitor()
	goOnline(m, account)
	tc.AdvanceMs(299_000)
	m.NoteNotificationActivity(account)

	m.OnExternalSignal(ConnectivityGained, account)
	pings, reconnects, _ := rec.counts()
	require.Equal(0, pings)
	require.Equal(0, reconnects)
}

func TestResetBackoffStartsFresh(t *testing.T) {
	require := require.New(t)
	m, tc, rec, account := newTestMonitor()
	account.SetState(chat.StateOffline)
	m.OnStateChange(account, chat.StateOnline)
	tc.AdvanceMs(12_000)
	m.OnStateChange(account, chat.StateConnecting)
	tc.AdvanceMs(3_001)
	_, reconnects, _ := rec.counts()
	require.Equal(2, reconnects)

	m.ResetBackoff(account)
	m.OnStateChange(account, chat.StateConnecting)
	tc.AdvanceMs(12_000)
	_, reconnects, _ = rec.counts()
	require.Equal(3, reconnects)
}

func TestShutdownStopsTimers(t *testing.T) {
	require := require.New(t)
	m, tc, rec, account := newTestMonitor()
	goOnline(m, account)
	m.Shutdown()

	tc.AdvanceMs(24 * 60 * 60 * 1000)
	pings, reconnects, _ := rec.counts()
	require.Equal(0, pings)
	require.Equal(0, reconnects)
}
