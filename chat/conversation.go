package chat

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/lagoon-im/go-lagoon/ids"
)

type Mode int

const (
	ModeSingle Mode = iota
	ModeMulti
)

type Message struct {
	ID          ids.ID
	RemoteID    string
	From        string
	Body        string
	TimestampMs int64
	ArchiveRef  string
}

type Conversation struct {
	ID        ids.ID
	AccountID uuid.UUID
	Address   string
	Mode      Mode

	mu                   sync.Mutex
	messages             []*Message
	lastTransmitted      MamReference
	firstArchiveRef      string
	messagesLeftOnServer bool
}

func NewConversation(accountID uuid.UUID, address string, mode Mode) *Conversation {
	return &Conversation{
		ID:                   ids.NewID(),
		AccountID:            accountID,
		Address:              address,
		Mode:                 mode,
		messagesLeftOnServer: true,
	}
}

func (c *Conversation) LastMessageTransmitted() MamReference {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTransmitted
}

func (c *Conversation) SetLastMessageTransmitted(r MamReference) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.GreaterThan(c.lastTransmitted) {
		c.lastTransmitted = r
	}
}

func (c *Conversation) FirstArchiveReference() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firstArchiveRef
}

func (c *Conversation) SetFirstArchiveReference(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.firstArchiveRef = ref
}

func (c *Conversation) HasMessagesLeftOnServer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messagesLeftOnServer
}

func (c *Conversation) SetHasMessagesLeftOnServer(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messagesLeftOnServer = v
}

func (c *Conversation) CountMessages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *Conversation) Messages() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Add merges messages into the conversation, returning how many were
// materially new. Duplicates are detected by remote id.
func (c *Conversation) Add(msgs ...*Message) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	added := 0
	for _, m := range msgs {
		if m.RemoteID != "" && c.hasRemoteID(m.RemoteID) {
			continue
		}
		c.messages = append(c.messages, m)
		added++
	}
	return added
}

// Sort restores timestamp order after out-of-order archive pages land.
func (c *Conversation) Sort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	sort.SliceStable(c.messages, func(i, j int) bool {
		return c.messages[i].TimestampMs < c.messages[j].TimestampMs
	})
}

// ClearHistory drops the local message list. The caller is responsible for
// recording the clear marker durably; messagesLeftOnServer turning false here
// is the one non-catch-up path allowed to do so.
func (c *Conversation) ClearHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	c.firstArchiveRef = ""
	c.messagesLeftOnServer = false
}

func (c *Conversation) hasRemoteID(remoteID string) bool {
	for _, m := range c.messages {
		if m.RemoteID == remoteID {
			return true
		}
	}
	return false
}
