// Package implements the persistence gateway: accounts, conversations and
// messages in a sqlcipher database, plus the archive markers the
// synchronization engine keys its catch-up decisions on. Writes of archived
// messages are append/merge-only.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lagoon-im/go-lagoon/chat"
	"github.com/lagoon-im/go-lagoon/clock"
	"github.com/lagoon-im/go-lagoon/config"
	"github.com/lagoon-im/go-lagoon/ids"
	"github.com/lagoon-im/go-lagoon/internal/db"
	"github.com/lagoon-im/go-lagoon/migration"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

type accountRow struct {
	ID              uuid.UUID `db:"id"`
	Address         string    `db:"address"`
	Enabled         bool      `db:"enabled"`
	LastReceivedMs  int64     `db:"last_received_ms"`
	LastReceivedRef string    `db:"last_received_ref"`
}

type conversationRow struct {
	ID                 []byte    `db:"id"`
	AccountID          uuid.UUID `db:"account_id"`
	Address            string    `db:"address"`
	Mode               int       `db:"mode"`
	LastTransmittedMs  int64     `db:"last_transmitted_ms"`
	LastTransmittedRef string    `db:"last_transmitted_ref"`
	FirstArchiveRef    string    `db:"first_archive_ref"`
	MessagesLeft       bool      `db:"messages_left"`
}

type messageRow struct {
	ID             []byte `db:"id"`
	ConversationID []byte `db:"conversation_id"`
	RemoteID       string `db:"remote_id"`
	Sender         string `db:"sender"`
	Body           string `db:"body"`
	TimestampMs    int64  `db:"timestamp_ms"`
	ArchiveRef     string `db:"archive_ref"`
}

type historyClearRow struct {
	AccountID   uuid.UUID `db:"account_id"`
	TimestampMs int64     `db:"timestamp_ms"`
}

type Store struct {
	log    *zap.SugaredLogger
	config *config.Config
	db     *db.Database
	clock  clock.Clock

	restoreOnce sync.Once
	restored    chan struct{}

	mu            sync.Mutex
	accounts      map[uuid.UUID]*chat.Account
	conversations map[ids.ID]*chat.Conversation
}

func NewStore(c *config.Config, d *db.Database, cl clock.Clock) (*Store, error) {
	s := &Store{
		log:           c.Logger("store"),
		config:        c,
		db:            d,
		clock:         cl,
		restored:      make(chan struct{}),
		accounts:      make(map[uuid.UUID]*chat.Account),
		conversations: make(map[ids.ID]*chat.Conversation),
	}

	if err := d.MigrateNoLock("_chat", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _accounts (
						id BLOB PRIMARY KEY,
						address STRING NOT NULL,
						enabled INTEGER NOT NULL,
						last_received_ms INTEGER NOT NULL DEFAULT 0,
						last_received_ref STRING NOT NULL DEFAULT ''
					);
					CREATE UNIQUE INDEX accounts_address_idx on _accounts (address);

					CREATE TABLE _conversations (
						id BLOB PRIMARY KEY,
						account_id BLOB NOT NULL,
						address STRING NOT NULL,
						mode INTEGER NOT NULL,
						last_transmitted_ms INTEGER NOT NULL DEFAULT 0,
						last_transmitted_ref STRING NOT NULL DEFAULT '',
						first_archive_ref STRING NOT NULL DEFAULT '',
						messages_left INTEGER NOT NULL DEFAULT 1,
						FOREIGN KEY(account_id) REFERENCES _accounts(id) ON DELETE CASCADE
					);
					CREATE UNIQUE INDEX conversations_scope_idx on _conversations (account_id, address, mode);

					CREATE TABLE _messages (
						id BLOB PRIMARY KEY,
						conversation_id BLOB NOT NULL,
						remote_id STRING NOT NULL,
						sender STRING NOT NULL,
						body STRING NOT NULL,
						timestamp_ms INTEGER NOT NULL,
						archive_ref STRING NOT NULL DEFAULT '',
						FOREIGN KEY(conversation_id) REFERENCES _conversations(id) ON DELETE CASCADE
					);
					CREATE UNIQUE INDEX messages_remote_idx on _messages (conversation_id, remote_id) WHERE remote_id != '';
					CREATE INDEX messages_conversation_ts_idx on _messages (conversation_id, timestamp_ms);

					CREATE TABLE _history_clears (
						account_id BLOB PRIMARY KEY,
						timestamp_ms INTEGER NOT NULL,
						FOREIGN KEY(account_id) REFERENCES _accounts(id) ON DELETE CASCADE
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Restore loads accounts, conversations and their messages into memory. It
// runs once; the latch it closes unblocks every reader waiting on
// WaitRestored.
func (s *Store) Restore() error {
	var err error
	s.restoreOnce.Do(func() {
		err = s.restore()
		if err == nil {
			close(s.restored)
		}
	})
	return err
}

func (s *Store) restore() error {
	return s.db.Run("restore chat state", func() error {
		var accounts []*accountRow
		if err := s.db.Tx.Select(&accounts, "SELECT * FROM _accounts"); err != nil {
			return fmt.Errorf("store: error loading accounts: %w", err)
		}
		var conversations []*conversationRow
		if err := s.db.Tx.Select(&conversations, "SELECT * FROM _conversations"); err != nil {
			return fmt.Errorf("store: error loading conversations: %w", err)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, row := range accounts {
			account := &chat.Account{ID: row.ID, Address: row.Address}
			if !row.Enabled {
				account.SetState(chat.StateDisabled)
			}
			s.accounts[row.ID] = account
		}
		for _, row := range conversations {
			conv := s.conversationFromRow(row)
			var messages []*messageRow
			if err := s.db.Tx.Select(&messages, "SELECT * FROM _messages WHERE conversation_id = ? ORDER BY timestamp_ms", row.ID); err != nil {
				return fmt.Errorf("store: error loading messages: %w", err)
			}
			for _, mr := range messages {
				conv.Add(&chat.Message{
					ID:          ids.IDFromBytes(mr.ID),
					RemoteID:    mr.RemoteID,
					From:        mr.Sender,
					Body:        mr.Body,
					TimestampMs: mr.TimestampMs,
					ArchiveRef:  mr.ArchiveRef,
				})
			}
			s.conversations[conv.ID] = conv
		}
		s.log.Debugf("restored %d accounts, %d conversations", len(accounts), len(conversations))
		return nil
	})
}

// WaitRestored blocks until the restore latch opens, bounded by the
// configured timeout so a caller can never hang on a restore that failed.
func (s *Store) WaitRestored() error {
	select {
	case <-s.restored:
		return nil
	case <-time.After(time.Duration(s.config.RestoreWaitTimeoutMs) * time.Millisecond):
		return fmt.Errorf("store: timed out waiting for restore")
	}
}

func (s *Store) AddAccount(address string) (*chat.Account, error) {
	account := chat.NewAccount(address)
	if err := s.db.Run("add account", func() error {
		_, err := s.db.Tx.NamedExec(
			"INSERT INTO _accounts (id, address, enabled) VALUES (:id, :address, :enabled)",
			&accountRow{ID: account.ID, Address: account.Address, Enabled: true})
		return err
	}); err != nil {
		return nil, fmt.Errorf("store: error adding account: %w", err)
	}
	s.mu.Lock()
	s.accounts[account.ID] = account
	s.mu.Unlock()
	return account, nil
}

func (s *Store) Accounts() []*chat.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Values(s.accounts)
}

func (s *Store) Account(id uuid.UUID) *chat.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[id]
}

// LastMessageReceived returns the newest archive reference ever stored for
// the account, the primary catch-up marker.
func (s *Store) LastMessageReceived(accountID uuid.UUID) (chat.MamReference, error) {
	var row accountRow
	if err := s.db.RunReadOnly("load last received", func() error {
		return s.db.Tx.Get(&row, "SELECT * FROM _accounts WHERE id = ?", accountID)
	}); err != nil {
		return chat.MamReference{}, fmt.Errorf("store: error loading last received marker: %w", err)
	}
	return chat.NewMamCursor(row.LastReceivedMs, row.LastReceivedRef), nil
}

// LastHistoryClear returns the most recent history clear marker for the
// account, zero when history was never cleared.
func (s *Store) LastHistoryClear(accountID uuid.UUID) (chat.MamReference, error) {
	var row historyClearRow
	err := s.db.RunReadOnly("load history clear", func() error {
		return s.db.Tx.Get(&row, "SELECT * FROM _history_clears WHERE account_id = ?", accountID)
	})
	if err != nil {
		if isNoRows(err) {
			return chat.MamReference{}, nil
		}
		return chat.MamReference{}, fmt.Errorf("store: error loading history clear marker: %w", err)
	}
	return chat.NewMamReference(row.TimestampMs), nil
}

func (s *Store) Conversations(accountID uuid.UUID) []*chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*chat.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		if c.AccountID == accountID {
			out = append(out, c)
		}
	}
	return out
}

// ConversationFor finds or creates the conversation for an address. Creation
// is persisted before the conversation is visible in memory.
func (s *Store) ConversationFor(accountID uuid.UUID, address string, mode chat.Mode) (*chat.Conversation, error) {
	s.mu.Lock()
	for _, c := range s.conversations {
		if c.AccountID == accountID && c.Address == address && c.Mode == mode {
			s.mu.Unlock()
			return c, nil
		}
	}
	s.mu.Unlock()

	conv := chat.NewConversation(accountID, address, mode)
	if err := s.db.Run("add conversation", func() error {
		_, err := s.db.Tx.NamedExec(
			"INSERT INTO _conversations (id, account_id, address, mode, messages_left) VALUES (:id, :account_id, :address, :mode, :messages_left)",
			conversationToRow(conv))
		return err
	}); err != nil {
		return nil, fmt.Errorf("store: error adding conversation: %w", err)
	}
	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()
	return conv, nil
}

// AppendMessages merges archive items into a conversation, returning how
// many were materially new. New items are persisted in one transaction along
// with the advanced last-received marker.
func (s *Store) AppendMessages(conv *chat.Conversation, msgs ...*chat.Message) (int, error) {
	fresh := make([]*chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == (ids.ID{}) {
			m.ID = ids.NewID()
		}
		if conv.Add(m) > 0 {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	if err := s.db.Run("append messages", func() error {
		for _, m := range fresh {
			if _, err := s.db.Tx.NamedExec(
				"INSERT INTO _messages (id, conversation_id, remote_id, sender, body, timestamp_ms, archive_ref) VALUES (:id, :conversation_id, :remote_id, :sender, :body, :timestamp_ms, :archive_ref) ON CONFLICT DO NOTHING",
				messageToRow(conv, m)); err != nil {
				return err
			}
			if _, err := s.db.Tx.Exec(
				"UPDATE _accounts SET last_received_ms = ?, last_received_ref = ? WHERE id = ? AND last_received_ms <= ?",
				m.TimestampMs, m.ArchiveRef, conv.AccountID, m.TimestampMs); err != nil {
				return err
			}
			conv.SetLastMessageTransmitted(chat.NewMamCursor(m.TimestampMs, m.ArchiveRef))
		}
		return nil
	}); err != nil {
		return 0, fmt.Errorf("store: error appending messages: %w", err)
	}
	return len(fresh), nil
}

// SetAccountEnabled persists the enabled flag so a disabled account stays
// disabled across restarts.
func (s *Store) SetAccountEnabled(account *chat.Account, enabled bool) error {
	if err := s.db.Run("set account enabled", func() error {
		_, err := s.db.Tx.Exec("UPDATE _accounts SET enabled = ? WHERE id = ?", enabled, account.ID)
		return err
	}); err != nil {
		return fmt.Errorf("store: error updating account: %w", err)
	}
	return nil
}

// UpdateConversationState persists the archive bookkeeping fields of a
// conversation after a query settles.
func (s *Store) UpdateConversationState(conv *chat.Conversation) error {
	if err := s.db.Run("update conversation state", func() error {
		_, err := s.db.Tx.NamedExec(
			"UPDATE _conversations SET last_transmitted_ms = :last_transmitted_ms, last_transmitted_ref = :last_transmitted_ref, first_archive_ref = :first_archive_ref, messages_left = :messages_left WHERE id = :id",
			conversationToRow(conv))
		return err
	}); err != nil {
		return fmt.Errorf("store: error updating conversation: %w", err)
	}
	return nil
}

// ClearHistory drops a conversation's local messages and records the clear
// marker so the next catch-up does not resurrect them.
func (s *Store) ClearHistory(conv *chat.Conversation) error {
	now := int64(s.clock.CurrentTimeMs())
	if err := s.db.Run("clear history", func() error {
		if _, err := s.db.Tx.Exec("DELETE FROM _messages WHERE conversation_id = ?", conv.ID[:]); err != nil {
			return err
		}
		if _, err := s.db.Tx.NamedExec(
			"INSERT INTO _history_clears (account_id, timestamp_ms) VALUES (:account_id, :timestamp_ms) ON CONFLICT(account_id) DO UPDATE SET timestamp_ms = :timestamp_ms",
			&historyClearRow{AccountID: conv.AccountID, TimestampMs: now}); err != nil {
			return err
		}
		_, err := s.db.Tx.NamedExec(
			"UPDATE _conversations SET first_archive_ref = '', messages_left = 0 WHERE id = :id",
			conversationToRow(conv))
		return err
	}); err != nil {
		return fmt.Errorf("store: error clearing history: %w", err)
	}
	conv.ClearHistory()
	return nil
}

func (s *Store) conversationFromRow(row *conversationRow) *chat.Conversation {
	conv := chat.NewConversation(row.AccountID, row.Address, chat.Mode(row.Mode))
	conv.ID = ids.IDFromBytes(row.ID)
	conv.SetLastMessageTransmitted(chat.NewMamCursor(row.LastTransmittedMs, row.LastTransmittedRef))
	conv.SetFirstArchiveReference(row.FirstArchiveRef)
	conv.SetHasMessagesLeftOnServer(row.MessagesLeft)
	return conv
}

func conversationToRow(conv *chat.Conversation) *conversationRow {
	last := conv.LastMessageTransmitted()
	return &conversationRow{
		ID:                 conv.ID[:],
		AccountID:          conv.AccountID,
		Address:            conv.Address,
		Mode:               int(conv.Mode),
		LastTransmittedMs:  last.TimestampMs(),
		LastTransmittedRef: last.Cursor(),
		FirstArchiveRef:    conv.FirstArchiveReference(),
		MessagesLeft:       conv.HasMessagesLeftOnServer(),
	}
}

func messageToRow(conv *chat.Conversation, m *chat.Message) *messageRow {
	return &messageRow{
		ID:             m.ID[:],
		ConversationID: conv.ID[:],
		RemoteID:       m.RemoteID,
		Sender:         m.From,
		Body:           m.Body,
		TimestampMs:    m.TimestampMs,
		ArchiveRef:     m.ArchiveRef,
	}
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
