package lagoon

import (
	crypto_rand "crypto/rand"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lagoon-im/go-lagoon/archive"
	"github.com/lagoon-im/go-lagoon/chat"
	"github.com/lagoon-im/go-lagoon/config"
	"github.com/lagoon-im/go-lagoon/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type stubSession struct {
	mu         sync.Mutex
	connectErr error
	queries    []archive.QuerySpec
	pings      int
	receipts   []string
	closed     bool
}

func (s *stubSession) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectErr
}

func (s *stubSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSession) SendPing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	return nil
}

func (s *stubSession) SendQuery(spec *archive.QuerySpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, *spec)
	return nil
}

func (s *stubSession) SendReceipt(address, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, remoteID)
	return nil
}

func (s *stubSession) queryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

func newTestLagoon(t *testing.T, sess *stubSession) *Lagoon {
	var suffix [8]byte
	if _, err := crypto_rand.Read(suffix[:]); err != nil {
		panic(err)
	}
	c := config.NewConfig(
		config.WithLoggingPrefix("test"),
		config.WithRootDir(fmt.Sprintf("test-%x", suffix[:])),
	)
	l, err := NewLagoon(c, func(account *chat.Account) Session {
		return sess
	})
	require.Nil(t, err)
	t.Cleanup(func() {
		require.Nil(t, l.Shutdown())
	})
	go func() {
		for range l.Updates() {
		}
	}()
	return l
}

func TestLifecycle(t *testing.T) {
	require := require.New(t)
	sess := &stubSession{}
	l := newTestLagoon(t, sess)
	require.True(l.New())

	key, err := l.NewKey("some password")
	require.Nil(err)
	require.Equal(32, len(key))

	require.Nil(l.Initialize(key))
	require.True(l.Running())

	account, err := l.AddAccount("alice@example.net")
	require.Nil(err)
	require.Len(l.Accounts(), 1)
	require.Equal(account, l.Account(account.ID))
	require.Equal(chat.StateOffline, account.State())
}

func TestConnectTriggersCatchup(t *testing.T) {
	require := require.New(t)
	sess := &stubSession{}
	l := newTestLagoon(t, sess)

	key, err := l.NewKey("some password")
	require.Nil(err)
	require.Nil(l.Initialize(key))

	account, err := l.AddAccount("alice@example.net")
	require.Nil(err)
	conv, err := l.ConversationFor(account.ID, "bob@example.net", chat.ModeSingle)
	require.Nil(err)
	_, err = l.store.AppendMessages(conv,
		&chat.Message{RemoteID: "a", From: "bob@example.net", Body: "hi", TimestampMs: time.Now().UnixMilli() - 1000, ArchiveRef: "r1"})
	require.Nil(err)

	l.reconnect(account)
	require.Eventually(func() bool {
		return account.State() == chat.StateOnline && sess.queryCount() > 0
	}, 5*time.Second, 10*time.Millisecond)
	require.True(l.InCatchup(account))
}

func TestAuthFailureSurfacesErrorState(t *testing.T) {
	require := require.New(t)
	sess := &stubSession{connectErr: fmt.Errorf("session: %w", ErrAuthFailure)}
	l := newTestLagoon(t, sess)

	key, err := l.NewKey("some password")
	require.Nil(err)
	require.Nil(l.Initialize(key))

	account, err := l.AddAccount("alice@example.net")
	require.Nil(err)
	l.reconnect(account)
	require.Eventually(func() bool {
		return account.State() == chat.StateErrorAuth
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLoadMoreMessagesAttachesToRunningQuery(t *testing.T) {
	require := require.New(t)
	sess := &stubSession{}
	l := newTestLagoon(t, sess)

	key, err := l.NewKey("some password")
	require.Nil(err)
	require.Nil(l.Initialize(key))

	account, err := l.AddAccount("alice@example.net")
	require.Nil(err)
	conv, err := l.ConversationFor(account.ID, "bob@example.net", chat.ModeSingle)
	require.Nil(err)
	l.reconnect(account)
	require.Eventually(func() bool {
		return account.State() == chat.StateOnline
	}, 5*time.Second, 10*time.Millisecond)

	require.True(l.LoadMoreMessages(conv, nil))
	first := sess.queryCount()
	// A second request while the query runs does not issue a duplicate.
	require.True(l.LoadMoreMessages(conv, func(count int, c *chat.Conversation, exhausted bool) {}))
	require.Equal(first, sess.queryCount())
}

func TestDisableAccountClosesSession(t *testing.T) {
	require := require.New(t)
	sess := &stubSession{}
	l := newTestLagoon(t, sess)

	key, err := l.NewKey("some password")
	require.Nil(err)
	require.Nil(l.Initialize(key))

	account, err := l.AddAccount("alice@example.net")
	require.Nil(err)
	l.reconnect(account)
	require.Eventually(func() bool {
		return account.State() == chat.StateOnline
	}, 5*time.Second, 10*time.Millisecond)

	l.DisableAccount(account)
	require.Equal(chat.StateDisabled, account.State())
	sess.mu.Lock()
	closed := sess.closed
	sess.mu.Unlock()
	require.True(closed)

	l.EnableAccount(account)
	require.Equal(chat.StateOffline, account.State())
}
