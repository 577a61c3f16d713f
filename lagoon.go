// This package provides a high-level interface to the Lagoon chat core. It
// owns the encrypted database, the archive synchronization engine and the
// connection liveness monitor, and wires per-account transport sessions into
// both. The transport itself is injected through a SessionFactory.
package lagoon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/lagoon-im/go-lagoon/archive"
	"github.com/lagoon-im/go-lagoon/chat"
	"github.com/lagoon-im/go-lagoon/clock"
	"github.com/lagoon-im/go-lagoon/config"
	"github.com/lagoon-im/go-lagoon/ids"
	"github.com/lagoon-im/go-lagoon/internal/db"
	"github.com/lagoon-im/go-lagoon/liveness"
	"github.com/lagoon-im/go-lagoon/store"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
)

// ErrAuthFailure marks a connect error as a credential problem. Sessions
// wrap their authentication failures with it; the scheduler stops retrying
// until the user intervenes.
var ErrAuthFailure = errors.New("authentication failed")

// An event indicating a change in the state of Lagoon.
type AppState struct {
	State int
}

// An event indicating an account changed connection state.
type AccountStateUpdate struct {
	AccountID uuid.UUID
	Previous  chat.State
	State     chat.State
}

// An event indicating conversations for an account changed and should be
// re-read.
type ConversationUpdate struct {
	AccountID uuid.UUID
}

// An event indicating a catch-up finished with new messages.
type CatchupFinished struct {
	AccountID uuid.UUID
	Count     int
}

// Session is one live connection for an account. Connect blocks until the
// session is established or fails; archive traffic flows back through the
// Handle methods on Lagoon.
type Session interface {
	Connect() error
	Close() error
	SendPing() error
	SendQuery(spec *archive.QuerySpec) error
	SendReceipt(address, remoteID string) error
}

// SessionFactory builds a session for an account. The returned session
// reports inbound traffic and archive results back through the Lagoon
// instance it was built from.
type SessionFactory func(account *chat.Account) Session

type Lagoon struct {
	DB *db.Database

	config         *config.Config
	log            *zap.SugaredLogger
	state          int
	clock          clock.Clock
	store          *store.Store
	engine         *archive.Engine
	monitor        *liveness.Monitor
	sessionFactory SessionFactory
	updates        chan interface{}
	cancelFunc     context.CancelFunc
	finished       sync.WaitGroup

	sessionLock sync.Mutex
	sessions    map[uuid.UUID]Session
}

// Create a lagoon instance.
func NewLagoon(c *config.Config, sessionFactory SessionFactory) (*Lagoon, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making lagoon, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}

	l := &Lagoon{
		DB:             database,
		log:            log,
		config:         c,
		clock:          clock.NewSystemClock(),
		state:          state,
		sessionFactory: sessionFactory,
		updates:        make(chan interface{}, 100),
		sessions:       make(map[uuid.UUID]Session),
	}
	return l, nil
}

// Makes a key from a password.
func (l *Lagoon) NewKey(password string) ([]byte, error) {
	return newKey(password, l.config.RootDir, "salt")
}

// Gets various updates which must be dealt with. This will produce
// *AppState, *AccountStateUpdate, *ConversationUpdate or *CatchupFinished.
func (l *Lagoon) Updates() chan interface{} {
	return l.updates
}

// Returns true if lagoon is in NEW state.
func (l *Lagoon) New() bool {
	return l.state == StateNew
}

// Returns true if lagoon is in INITIALIZED state.
func (l *Lagoon) Initialized() bool {
	return l.state == StateInitialized
}

// Returns true if lagoon is in RUNNING state.
func (l *Lagoon) Running() bool {
	return l.state == StateRunning
}

// Initialize lagoon with a given key.
func (l *Lagoon) Initialize(key []byte) error {
	if l.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if err := l.DB.Initialize(key); err != nil {
		return err
	}
	l.setState(StateInitialized)
	return l.Open(key)
}

// Open an existing lagoon with a given key.
func (l *Lagoon) Open(key []byte) error {
	if l.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}
	if err := l.DB.Open(key); err != nil {
		return err
	}

	if err := l.DB.Lock("initializing subsystems", func() error {
		chatStore, err := store.NewStore(l.config, l.DB, l.clock)
		if err != nil {
			return err
		}
		l.store = chatStore
		l.engine = archive.NewEngine(l.config, l.clock, chatStore, l.session, l.sendReceipt)
		l.monitor = liveness.NewMonitor(l.config, l.clock, liveness.Hooks{
			SendPing:  l.sendPing,
			Reconnect: l.reconnect,
			OnOnline:  l.onAccountOnline,
		})
		return nil
	}); err != nil {
		return err
	}

	if err := l.store.Restore(); err != nil {
		return err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	l.cancelFunc = cancelFunc
	l.setState(StateRunning)
	l.startUpdatePassing(ctx)
	for _, account := range l.store.Accounts() {
		l.monitor.Register(account)
	}
	return nil
}

// Gracefully stop an existing lagoon instance.
func (l *Lagoon) Shutdown() error {
	if l.state != StateRunning {
		return nil
	}

	errs := make([]string, 0)
	l.cancelFunc()
	l.finished.Wait()
	l.monitor.Shutdown()

	l.sessionLock.Lock()
	for id, sess := range l.sessions {
		if err := sess.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		delete(l.sessions, id)
	}
	l.sessionLock.Unlock()

	if err := l.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %v", errs)
	}

	l.cancelFunc = nil
	l.setState(StateInitialized)
	close(l.updates)
	l.updates = make(chan interface{}, 100)
	return nil
}

// Add an account and start scheduling connections for it.
func (l *Lagoon) AddAccount(address string) (*chat.Account, error) {
	if l.state != StateRunning {
		return nil, fmt.Errorf("expected state %d, was %d", StateRunning, l.state)
	}
	account, err := l.store.AddAccount(address)
	if err != nil {
		return nil, err
	}
	l.monitor.Register(account)
	return account, nil
}

func (l *Lagoon) Accounts() []*chat.Account {
	return l.store.Accounts()
}

func (l *Lagoon) Account(id uuid.UUID) *chat.Account {
	return l.store.Account(id)
}

func (l *Lagoon) Conversations(accountID uuid.UUID) []*chat.Conversation {
	return l.store.Conversations(accountID)
}

func (l *Lagoon) ConversationFor(accountID uuid.UUID, address string, mode chat.Mode) (*chat.Conversation, error) {
	return l.store.ConversationFor(accountID, address, mode)
}

// LoadMoreMessages pages older history for a conversation. If a query is
// already running, the callback is attached to it instead of issuing a
// duplicate. Returns false when the query could not be issued.
func (l *Lagoon) LoadMoreMessages(conv *chat.Conversation, callback archive.Callback) bool {
	if l.engine.QueryInProgress(conv, callback) {
		return true
	}
	account := l.store.Account(conv.AccountID)
	if account == nil {
		return false
	}
	end := int64(0)
	if msgs := conv.Messages(); len(msgs) > 0 {
		end = msgs[0].TimestampMs
	}
	lastClear, err := l.store.LastHistoryClear(account.ID)
	if err != nil {
		l.log.Warnf("%s: error loading history clear marker: %v", account.Address, err)
		return false
	}
	q := l.engine.QueryConversation(account, conv, lastClear, end, false)
	if q == nil {
		return false
	}
	q.SetCallback(callback)
	return true
}

// CatchupConversation synchronizes one conversation, typically after joining
// a room.
func (l *Lagoon) CatchupConversation(conv *chat.Conversation) error {
	account := l.store.Account(conv.AccountID)
	if account == nil {
		return fmt.Errorf("lagoon: unknown account %s", conv.AccountID)
	}
	l.engine.CatchupConversation(account, conv)
	return nil
}

// ClearHistory drops local history for a conversation, records the clear
// marker and abandons any query that would repopulate it.
func (l *Lagoon) ClearHistory(conv *chat.Conversation) error {
	l.engine.KillQueries(conv)
	return l.store.ClearHistory(conv)
}

func (l *Lagoon) IsCatchingUp(conv *chat.Conversation) bool {
	return l.engine.IsCatchingUp(conv)
}

func (l *Lagoon) InCatchup(account *chat.Account) bool {
	return l.engine.InCatchup(account)
}

// DisableAccount closes the account's session and stops scheduling
// connections for it. In-flight and pending archive queries are abandoned.
func (l *Lagoon) DisableAccount(account *chat.Account) {
	l.sessionLock.Lock()
	if sess, ok := l.sessions[account.ID]; ok {
		delete(l.sessions, account.ID)
		if err := sess.Close(); err != nil {
			l.log.Debugf("%s: error closing session: %v", account.Address, err)
		}
	}
	l.sessionLock.Unlock()
	l.engine.KillAccount(account)
	l.setAccountState(account, chat.StateDisabled)
	if err := l.store.SetAccountEnabled(account, false); err != nil {
		l.log.Warnf("%s: %v", account.Address, err)
	}
}

// EnableAccount resumes connection scheduling for a disabled account.
func (l *Lagoon) EnableAccount(account *chat.Account) {
	if account.State() != chat.StateDisabled {
		return
	}
	l.setAccountState(account, chat.StateOffline)
	if err := l.store.SetAccountEnabled(account, true); err != nil {
		l.log.Warnf("%s: %v", account.Address, err)
	}
}

// Retry resets the reconnect backoff for a user-initiated attempt.
func (l *Lagoon) Retry(account *chat.Account) {
	if account.State() == chat.StateErrorAuth {
		l.setAccountState(account, chat.StateOffline)
	}
	l.monitor.ResetBackoff(account)
	l.monitor.OnExternalSignal(liveness.WakeAlarm, account)
}

// OnConnectivityChanged feeds OS reachability changes to the scheduler.
func (l *Lagoon) OnConnectivityChanged(online bool) {
	sig := liveness.ConnectivityLost
	if online {
		sig = liveness.ConnectivityGained
	}
	l.monitor.OnExternalSignal(sig, l.store.Accounts()...)
}

// OnWakeAlarm re-evaluates every account after a scheduled OS wake.
func (l *Lagoon) OnWakeAlarm() {
	l.monitor.OnExternalSignal(liveness.WakeAlarm, l.store.Accounts()...)
}

// OnForeground switches between active and passive ping cadence.
func (l *Lagoon) OnForeground(foreground bool) {
	sig := liveness.UIBackground
	if foreground {
		sig = liveness.UIForeground
	}
	l.monitor.OnExternalSignal(sig, l.store.Accounts()...)
}

// OnPushReceived probes the link for an account after an out-of-band push
// hint.
func (l *Lagoon) OnPushReceived(accountID uuid.UUID) {
	account := l.store.Account(accountID)
	if account == nil {
		return
	}
	l.monitor.OnExternalSignal(liveness.PushReceived, account)
}

// SetCallActive tightens reconnect delays while a realtime session is up.
func (l *Lagoon) SetCallActive(active bool) {
	l.monitor.SetCallActive(active)
}

// HandleSessionState is called by the transport when a session changes
// state.
func (l *Lagoon) HandleSessionState(account *chat.Account, state chat.State) {
	l.setAccountState(account, state)
}

// HandlePacketReceived is called by the transport for every inbound packet,
// pings included.
func (l *Lagoon) HandlePacketReceived(account *chat.Account) {
	l.monitor.NotePacketReceived(account)
}

// HandleArchiveItem is called by the transport for each item of an archive
// result page.
func (l *Lagoon) HandleArchiveItem(id ids.ID, from string, msg *chat.Message) {
	l.engine.OnQueryItem(id, from, msg)
}

// HandleArchiveResult is called by the transport with the outcome of an
// archive query.
func (l *Lagoon) HandleArchiveResult(id ids.ID, outcome archive.Outcome) {
	l.engine.OnQueryResult(id, outcome)
}

// HandleNotificationActivity suppresses redundant reconnects while a
// notification for the account is being shown.
func (l *Lagoon) HandleNotificationActivity(account *chat.Account) {
	l.monitor.NoteNotificationActivity(account)
}

func (l *Lagoon) setAccountState(account *chat.Account, state chat.State) {
	prev := account.SetState(state)
	if prev == state {
		return
	}
	l.updates <- &AccountStateUpdate{AccountID: account.ID, Previous: prev, State: state}
	l.monitor.OnStateChange(account, prev)
}

// onAccountOnline runs exactly once per transition into the online state:
// wait out the restore latch, then run the bounded catch-up and replay
// queries that queued up while offline.
func (l *Lagoon) onAccountOnline(account *chat.Account) {
	if err := l.store.WaitRestored(); err != nil {
		l.log.Warnf("%s: %v", account.Address, err)
		return
	}
	l.engine.CatchUpAccount(account)
	l.engine.ExecutePendingQueries(account)
}

func (l *Lagoon) reconnect(account *chat.Account) {
	l.sessionLock.Lock()
	if sess, ok := l.sessions[account.ID]; ok {
		delete(l.sessions, account.ID)
		if err := sess.Close(); err != nil {
			l.log.Debugf("%s: error closing session: %v", account.Address, err)
		}
	}
	l.sessionLock.Unlock()

	l.setAccountState(account, chat.StateConnecting)
	sess := l.sessionFactory(account)
	l.sessionLock.Lock()
	l.sessions[account.ID] = sess
	l.sessionLock.Unlock()

	l.finished.Add(1)
	go func() {
		defer l.finished.Done()
		if err := sess.Connect(); err != nil {
			l.log.Warnf("%s: error connecting: %v", account.Address, err)
			if errors.Is(err, ErrAuthFailure) {
				l.setAccountState(account, chat.StateErrorAuth)
			} else {
				l.setAccountState(account, chat.StateOffline)
			}
			return
		}
		l.setAccountState(account, chat.StateOnline)
	}()
}

func (l *Lagoon) session(account *chat.Account) archive.Session {
	l.sessionLock.Lock()
	defer l.sessionLock.Unlock()
	sess, ok := l.sessions[account.ID]
	if !ok {
		return nil
	}
	return sess
}

func (l *Lagoon) sendPing(account *chat.Account) error {
	l.sessionLock.Lock()
	sess, ok := l.sessions[account.ID]
	l.sessionLock.Unlock()
	if !ok {
		return fmt.Errorf("lagoon: no session for %s", account.Address)
	}
	return sess.SendPing()
}

func (l *Lagoon) sendReceipt(account *chat.Account, rr archive.ReceiptRequest) {
	l.sessionLock.Lock()
	sess, ok := l.sessions[account.ID]
	l.sessionLock.Unlock()
	if !ok {
		return
	}
	if err := sess.SendReceipt(rr.Address, rr.RemoteID); err != nil {
		l.log.Warnf("%s: error sending receipt: %v", account.Address, err)
	}
}

func (l *Lagoon) startUpdatePassing(ctx context.Context) {
	l.finished.Add(1)
	go func() {
		defer l.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-l.engine.Updates():
				switch v := e.(type) {
				case *archive.ConversationsUpdated:
					l.log.Debugf("passing update: conversations updated %#v", v)
					l.updates <- &ConversationUpdate{AccountID: v.AccountID}
				case *archive.CatchupFinished:
					l.log.Debugf("passing update: catchup finished %#v", v)
					l.updates <- &CatchupFinished{AccountID: v.AccountID, Count: v.Count}
				default:
					l.log.Infof("unpassed event %#v", e)
				}
			}
		}
	}()
}

func (l *Lagoon) setState(state int) {
	l.state = state
	l.updates <- &AppState{state}
}
