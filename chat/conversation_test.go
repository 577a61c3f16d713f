package chat

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestConversationAddDeduplicates(t *testing.T) {
	require := require.New(t)
	conv := NewConversation(uuid.New(), "bob@example.net", ModeSingle)

	added := conv.Add(
		&Message{RemoteID: "a", TimestampMs: 1000},
		&Message{RemoteID: "b", TimestampMs: 2000},
		&Message{RemoteID: "a", TimestampMs: 1000},
	)
	require.Equal(2, added)
	require.Equal(2, conv.CountMessages())

	// Messages without a remote id cannot be deduplicated and always count
	// as new.
	require.Equal(2, conv.Add(&Message{TimestampMs: 1}, &Message{TimestampMs: 2}))
}

func TestConversationSortStable(t *testing.T) {
	require := require.New(t)
	conv := NewConversation(uuid.New(), "bob@example.net", ModeSingle)
	conv.Add(
		&Message{RemoteID: "c", TimestampMs: 3000},
		&Message{RemoteID: "a1", TimestampMs: 1000},
		&Message{RemoteID: "a2", TimestampMs: 1000},
	)
	conv.Sort()
	msgs := conv.Messages()
	require.Equal("a1", msgs[0].RemoteID)
	require.Equal("a2", msgs[1].RemoteID)
	require.Equal("c", msgs[2].RemoteID)
}

func TestLastMessageTransmittedMonotone(t *testing.T) {
	require := require.New(t)
	conv := NewConversation(uuid.New(), "bob@example.net", ModeSingle)

	conv.SetLastMessageTransmitted(NewMamReference(2000))
	conv.SetLastMessageTransmitted(NewMamReference(1000))
	require.Equal(int64(2000), conv.LastMessageTransmitted().TimestampMs())

	conv.SetLastMessageTransmitted(NewMamCursor(2000, "c"))
	require.Equal("c", conv.LastMessageTransmitted().Cursor())
}

func TestClearHistory(t *testing.T) {
	require := require.New(t)
	conv := NewConversation(uuid.New(), "bob@example.net", ModeSingle)
	conv.Add(&Message{RemoteID: "a", TimestampMs: 1000})
	conv.SetFirstArchiveReference("f")
	require.True(conv.HasMessagesLeftOnServer())

	conv.ClearHistory()
	require.Equal(0, conv.CountMessages())
	require.Equal("", conv.FirstArchiveReference())
	require.False(conv.HasMessagesLeftOnServer())
}

func TestStateAttemptReconnect(t *testing.T) {
	require := require.New(t)

	require.True(StateOffline.AttemptReconnect())
	require.True(StateNoInternet.AttemptReconnect())
	require.True(StateErrorProtocol.AttemptReconnect())
	require.False(StateErrorAuth.AttemptReconnect())
	require.False(StateDisabled.AttemptReconnect())
}
