package store

import (
	"os"
	"testing"
	"time"

	"github.com/lagoon-im/go-lagoon/chat"
	"github.com/lagoon-im/go-lagoon/clock"
	"github.com/lagoon-im/go-lagoon/config"
	"github.com/lagoon-im/go-lagoon/internal/db"
	"github.com/lagoon-im/go-lagoon/internal/test"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestStore(t *testing.T) (*Store, *db.Database) {
	c := config.NewConfig(config.WithLoggingPrefix("test"))
	d := test.NewTestDatabase(c)
	t.Cleanup(func() {
		if err := d.Shutdown(); err != nil {
			panic(err)
		}
	})
	s, err := NewStore(c, d, clock.NewSystemClock())
	require.Nil(t, err)
	require.Nil(t, s.Restore())
	return s, d
}

func TestAddAccountAndConversation(t *testing.T) {
	require := require.New(t)
	s, _ := newTestStore(t)

	account, err := s.AddAccount("alice@example.net")
	require.Nil(err)
	require.Equal(account, s.Account(account.ID))
	require.Len(s.Accounts(), 1)

	conv, err := s.ConversationFor(account.ID, "bob@example.net", chat.ModeSingle)
	require.Nil(err)
	require.True(conv.HasMessagesLeftOnServer())

	// Same scope resolves to the same conversation; a different mode is a
	// distinct one.
	again, err := s.ConversationFor(account.ID, "bob@example.net", chat.ModeSingle)
	require.Nil(err)
	require.Equal(conv, again)
	room, err := s.ConversationFor(account.ID, "bob@example.net", chat.ModeMulti)
	require.Nil(err)
	require.NotEqual(conv.ID, room.ID)
	require.Len(s.Conversations(account.ID), 2)
}

func TestAppendMessagesAdvancesMarkers(t *testing.T) {
	require := require.New(t)
	s, _ := newTestStore(t)

	account, err := s.AddAccount("alice@example.net")
	require.Nil(err)
	conv, err := s.ConversationFor(account.ID, "bob@example.net", chat.ModeSingle)
	require.Nil(err)

	marker, err := s.LastMessageReceived(account.ID)
	require.Nil(err)
	require.True(marker.Zero())

	added, err := s.AppendMessages(conv,
		&chat.Message{RemoteID: "a", From: "bob@example.net", Body: "hi", TimestampMs: 1000, ArchiveRef: "r1"},
		&chat.Message{RemoteID: "b", From: "bob@example.net", Body: "there", TimestampMs: 2000, ArchiveRef: "r2"},
		&chat.Message{RemoteID: "a", From: "bob@example.net", Body: "hi", TimestampMs: 1000, ArchiveRef: "r1"},
	)
	require.Nil(err)
	require.Equal(2, added)
	require.Equal(2, conv.CountMessages())

	marker, err = s.LastMessageReceived(account.ID)
	require.Nil(err)
	require.Equal(int64(2000), marker.TimestampMs())
	require.Equal("r2", marker.Cursor())
	require.Equal(int64(2000), conv.LastMessageTransmitted().TimestampMs())
}

func TestClearHistoryRecordsMarker(t *testing.T) {
	require := require.New(t)
	s, _ := newTestStore(t)

	account, err := s.AddAccount("alice@example.net")
	require.Nil(err)
	conv, err := s.ConversationFor(account.ID, "bob@example.net", chat.ModeSingle)
	require.Nil(err)
	_, err = s.AppendMessages(conv, &chat.Message{RemoteID: "a", From: "bob@example.net", TimestampMs: 1000, ArchiveRef: "r1"})
	require.Nil(err)

	clearMarker, err := s.LastHistoryClear(account.ID)
	require.Nil(err)
	require.True(clearMarker.Zero())

	require.Nil(s.ClearHistory(conv))
	require.Equal(0, conv.CountMessages())
	require.False(conv.HasMessagesLeftOnServer())

	clearMarker, err = s.LastHistoryClear(account.ID)
	require.Nil(err)
	require.False(clearMarker.Zero())
	require.True(clearMarker.TimestampMs() >= 1000)
}

func TestRestoreRoundTrip(t *testing.T) {
	require := require.New(t)
	c := config.NewConfig(config.WithLoggingPrefix("test"))
	d := test.NewTestDatabase(c)
	defer func() {
		require.Nil(d.Shutdown())
	}()

	s1, err := NewStore(c, d, clock.NewSystemClock())
	require.Nil(err)
	require.Nil(s1.Restore())
	account, err := s1.AddAccount("alice@example.net")
	require.Nil(err)
	conv, err := s1.ConversationFor(account.ID, "bob@example.net", chat.ModeSingle)
	require.Nil(err)
	_, err = s1.AppendMessages(conv,
		&chat.Message{RemoteID: "a", From: "bob@example.net", Body: "hi", TimestampMs: 1000, ArchiveRef: "r1"})
	require.Nil(err)
	conv.SetFirstArchiveReference("f1")
	require.Nil(s1.UpdateConversationState(conv))

	s2, err := NewStore(c, d, clock.NewSystemClock())
	require.Nil(err)
	require.Nil(s2.Restore())

	restored := s2.Account(account.ID)
	require.NotNil(restored)
	require.Equal("alice@example.net", restored.Address)

	convs := s2.Conversations(account.ID)
	require.Len(convs, 1)
	require.Equal(conv.ID, convs[0].ID)
	require.Equal("f1", convs[0].FirstArchiveReference())
	require.Equal(int64(1000), convs[0].LastMessageTransmitted().TimestampMs())
	msgs := convs[0].Messages()
	require.Len(msgs, 1)
	require.Equal("a", msgs[0].RemoteID)
	require.Equal("hi", msgs[0].Body)
}

func TestWaitRestoredTimesOut(t *testing.T) {
	require := require.New(t)
	c := config.NewConfig(config.WithLoggingPrefix("test"), config.WithRestoreWaitTimeoutMs(10))
	d := test.NewTestDatabase(c)
	defer func() {
		require.Nil(d.Shutdown())
	}()
	s, err := NewStore(c, d, clock.NewSystemClock())
	require.Nil(err)

	start := time.Now()
	require.NotNil(s.WaitRestored())
	require.True(time.Since(start) < time.Second)

	require.Nil(s.Restore())
	require.Nil(s.WaitRestored())
}
