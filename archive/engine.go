// Package implements archive synchronization: reconstructing per-account and
// per-conversation message history from a server-side archive through
// cursor-paged queries, bounded by a configurable catch-up window.
package archive

import (
	"github.com/google/uuid"
	"github.com/lagoon-im/go-lagoon/chat"
	"github.com/lagoon-im/go-lagoon/clock"
	"github.com/lagoon-im/go-lagoon/config"
	"github.com/lagoon-im/go-lagoon/ids"
	"go.uber.org/zap"
)

type OutcomeKind int

const (
	// OutcomeTimeout means the transport gave up waiting for a response.
	OutcomeTimeout OutcomeKind = iota
	// OutcomePage is a result page, possibly with more data behind it.
	OutcomePage
	// OutcomeError is a protocol-level error for this query.
	OutcomeError
)

// Outcome is the decoded result of one issued query. For pages, First and
// Last are the paging cursors of the edge items (empty when the page was
// empty) and Count is the server-advertised total, -1 when not advertised.
type Outcome struct {
	Kind     OutcomeKind
	Complete bool
	First    string
	Last     string
	Count    int
	From     string
}

// Gateway is the durable store the engine reads markers from and writes
// paged results through. Writes are append/merge-only.
type Gateway interface {
	LastMessageReceived(accountID uuid.UUID) (chat.MamReference, error)
	LastHistoryClear(accountID uuid.UUID) (chat.MamReference, error)
	Conversations(accountID uuid.UUID) []*chat.Conversation
	ConversationFor(accountID uuid.UUID, address string, mode chat.Mode) (*chat.Conversation, error)
	AppendMessages(conversation *chat.Conversation, msgs ...*chat.Message) (int, error)
	UpdateConversationState(conversation *chat.Conversation) error
}

// Session is the slice of the transport session the engine needs. Sending is
// asynchronous; results come back through OnQueryResult.
type Session interface {
	SendQuery(spec *QuerySpec) error
}

type SessionProvider func(account *chat.Account) Session

// ReceiptSender transmits a delivery receipt once the query that produced it
// has settled.
type ReceiptSender func(account *chat.Account, rr ReceiptRequest)

// ConversationsUpdated is emitted when a finalized query had no dedicated
// callback and the conversation list should be re-read.
type ConversationsUpdated struct {
	AccountID uuid.UUID
}

// CatchupFinished is emitted when a catch-up query settles having loaded at
// least one materially new message.
type CatchupFinished struct {
	AccountID uuid.UUID
	Count     int
}

type Engine struct {
	config        *config.Config
	log           *zap.SugaredLogger
	clock         clock.Clock
	gateway       Gateway
	sessions      SessionProvider
	store         *Store
	updates       chan interface{}
	receiptSender ReceiptSender
}

func NewEngine(c *config.Config, cl clock.Clock, gateway Gateway, sessions SessionProvider, receiptSender ReceiptSender) *Engine {
	return &Engine{
		config:        c,
		log:           c.Logger("archive/engine"),
		clock:         cl,
		gateway:       gateway,
		sessions:      sessions,
		store:         NewStore(),
		updates:       make(chan interface{}, 100),
		receiptSender: receiptSender,
	}
}

func (e *Engine) Updates() chan interface{} {
	return e.updates
}

// CatchUpAccount runs the bounded post-reconnect synchronization for an
// account. It is invoked exactly once per transition to the online state.
// Queries still awaiting a response from before the reconnect are orphaned;
// their late results will no longer match a registered id.
func (e *Engine) CatchUpAccount(account *chat.Account) {
	if orphaned := e.store.Orphan(account.ID); len(orphaned) != 0 {
		e.log.Debugf("%s: orphaned %d stale queries before catchup", account.Address, len(orphaned))
	}
	lastReceived, err := e.gateway.LastMessageReceived(account.ID)
	if err != nil {
		e.log.Warnf("%s: error loading last message marker: %v", account.Address, err)
		return
	}
	lastClear, err := e.gateway.LastHistoryClear(account.ID)
	if err != nil {
		e.log.Warnf("%s: error loading history clear marker: %v", account.Address, err)
		return
	}
	ref := chat.MaxMamReference(lastReceived, lastClear)
	ref = chat.MaxMamReference(ref, e.retentionFloor())
	if ref.Zero() {
		e.log.Debugf("%s: no archive marker, skipping catchup", account.Address)
		return
	}
	now := e.nowMs()
	window := e.config.MaxCatchupWindowMs
	var q *Query
	if now-ref.TimestampMs() >= window {
		start := now - window
		for _, conv := range e.gateway.Conversations(account.ID) {
			if conv.Mode == chat.ModeSingle && start > conv.LastMessageTransmitted().TimestampMs() {
				gap := newQuery(QuerySpec{
					Account:      account,
					Conversation: conv,
					Start:        conv.LastMessageTransmitted(),
					End:          start,
					Order:        Backward,
					Mode:         ModeGapFill,
					PageSize:     e.config.PageSize,
				})
				e.store.Register(gap)
				e.execute(gap)
			}
		}
		q = newQuery(QuerySpec{
			Account:  account,
			Start:    chat.NewMamReference(start),
			Order:    Forward,
			Mode:     ModeCatchup,
			PageSize: e.config.PageSize,
		})
	} else {
		q = newQuery(QuerySpec{
			Account:  account,
			Start:    ref,
			Order:    Forward,
			Mode:     ModeCatchup,
			PageSize: e.config.PageSize,
		})
	}
	e.store.Register(q)
	e.execute(q)
}

// CatchupConversation synchronizes a single conversation, typically a
// freshly joined room: a full backward fetch when nothing is known locally,
// otherwise a forward catch-up from the last transmitted message.
func (e *Engine) CatchupConversation(account *chat.Account, conv *chat.Conversation) {
	if conv.LastMessageTransmitted().Zero() && conv.CountMessages() == 0 {
		e.QueryConversation(account, conv, chat.MamReference{}, 0, true)
	} else {
		e.QueryConversation(account, conv, conv.LastMessageTransmitted(), 0, true)
	}
}

// QueryConversation issues a history query for one conversation. An epoch
// start with no local history pages backward from now; otherwise paging runs
// forward from just after the last locally known message. With allowCatchup
// set and a start older than the catch-up window, a silent backward gap-fill
// covers the old range first so recent history is never starved by old debt.
// A start bound later than the end bound is a caller error and is rejected
// before registration.
func (e *Engine) QueryConversation(account *chat.Account, conv *chat.Conversation, start chat.MamReference, end int64, allowCatchup bool) *Query {
	startActual := chat.MaxMamReference(start, e.retentionFloor())
	if end != 0 && startActual.TimestampMs() > end {
		e.log.Warnf("%s: rejecting query with start %d after end %d", conv.Address, startActual.TimestampMs(), end)
		return nil
	}
	var q *Query
	if start.Zero() && conv.CountMessages() == 0 {
		q = newQuery(QuerySpec{
			Account:      account,
			Conversation: conv,
			Start:        startActual,
			End:          end,
			Order:        Backward,
			Mode:         ModeUserPaging,
			PageSize:     e.config.PageSize,
		})
		if ref := conv.FirstArchiveReference(); ref != "" {
			q.Spec.Start = chat.NewMamCursor(startActual.TimestampMs(), ref)
		}
	} else if allowCatchup {
		maxCatchup := chat.MaxMamReference(startActual, chat.NewMamReference(e.nowMs()-e.config.MaxCatchupWindowMs))
		if maxCatchup.GreaterThan(startActual) {
			gap := newQuery(QuerySpec{
				Account:      account,
				Conversation: conv,
				Start:        startActual,
				End:          maxCatchup.TimestampMs(),
				Order:        Backward,
				Mode:         ModeGapFill,
				PageSize:     e.config.PageSize,
			})
			e.store.Register(gap)
			e.execute(gap)
		}
		q = newQuery(QuerySpec{
			Account:      account,
			Conversation: conv,
			Start:        maxCatchup,
			End:          end,
			Order:        Forward,
			Mode:         ModeCatchup,
			PageSize:     e.config.PageSize,
		})
	} else {
		q = newQuery(QuerySpec{
			Account:      account,
			Conversation: conv,
			Start:        startActual,
			End:          end,
			Order:        Forward,
			Mode:         ModeUserPaging,
			PageSize:     e.config.PageSize,
		})
	}
	e.store.Register(q)
	e.execute(q)
	return q
}

// ExecutePendingQueries replays queries that were issued while the account
// was not online. Nothing queued is ever dropped.
func (e *Engine) ExecutePendingQueries(account *chat.Account) {
	for _, q := range e.store.DrainPending(account.ID) {
		e.store.Register(q)
		e.execute(q)
	}
}

// OnQueryItem routes one archive item to the query identified by id. Items
// from an unexpected sender are rejected without mutating any state.
func (e *Engine) OnQueryItem(id ids.ID, from string, msg *chat.Message) {
	q := e.store.Find(id)
	if q == nil {
		e.log.Debugf("dropping item for unknown query %s", id)
		return
	}
	if !q.ValidFrom(from) {
		e.log.Warnf("%s: rejecting archive item from unexpected sender %s", q.Spec.Account.Address, from)
		return
	}
	conv := q.Spec.Conversation
	if conv == nil {
		var err error
		conv, err = e.gateway.ConversationFor(q.Spec.Account.ID, msg.From, chat.ModeSingle)
		if err != nil {
			e.log.Warnf("%s: error resolving conversation for %s: %v", q.Spec.Account.Address, msg.From, err)
			return
		}
	}
	added, err := e.gateway.AppendMessages(conv, msg)
	if err != nil {
		e.log.Warnf("%s: error storing archive item: %v", q.Spec.Account.Address, err)
		return
	}
	q.countItem(added > 0)
}

// OnQueryResult delivers the single outcome for an issued query. A second
// outcome for an id that has already settled is a no-op.
func (e *Engine) OnQueryResult(id ids.ID, outcome Outcome) {
	q := e.store.Find(id)
	if q == nil {
		e.log.Debugf("dropping outcome for unknown query %s", id)
		return
	}
	switch outcome.Kind {
	case OutcomeTimeout:
		if e.store.Remove(q) {
			q.invokeCallback(false)
		}
	case OutcomePage:
		if outcome.From != "" && !q.ValidFrom(outcome.From) {
			e.log.Warnf("%s: rejecting result from unexpected sender %s", q.Spec.Account.Address, outcome.From)
			return
		}
		e.processPage(q, outcome)
	default:
		e.log.Debugf("%s: error executing archive query %s", q.Spec.Account.Address, q)
		e.finalizeInconclusive(q)
	}
}

// QueryInProgress reports whether a query is already running for the
// conversation, attaching the callback to it instead of letting the caller
// issue a duplicate.
func (e *Engine) QueryInProgress(conv *chat.Conversation, callback Callback) bool {
	for _, q := range e.store.ForAccount(conv.AccountID) {
		if q.Spec.Conversation == conv {
			if callback != nil && !q.hasCallback() {
				q.SetCallback(callback)
			}
			return true
		}
	}
	return false
}

// IsCatchingUp reports whether a catch-up covering this conversation is in
// flight, either conversation-scoped or account-wide.
func (e *Engine) IsCatchingUp(conv *chat.Conversation) bool {
	for _, q := range e.store.ForAccount(conv.AccountID) {
		if !q.IsCatchup() {
			continue
		}
		if q.Spec.Conversation == conv {
			return true
		}
		if q.Spec.Conversation == nil && conv.Mode == chat.ModeSingle {
			return true
		}
	}
	return false
}

// InCatchup reports whether an account-wide catch-up is in flight.
func (e *Engine) InCatchup(account *chat.Account) bool {
	for _, q := range e.store.ForAccount(account.ID) {
		if q.IsCatchup() && q.Spec.Conversation == nil {
			return true
		}
	}
	return false
}

// KillQueries abandons every query scoped to a conversation, finalizing them
// as inconclusive with callbacks suppressed.
func (e *Engine) KillQueries(conv *chat.Conversation) {
	for _, q := range e.store.DrainPending(conv.AccountID) {
		if q.Spec.Conversation != conv {
			e.store.QueuePending(q)
		}
	}
	for _, q := range e.store.ForAccount(conv.AccountID) {
		if q.Spec.Conversation != conv {
			continue
		}
		e.log.Debugf("%s: killing archive query prematurely", q.Spec.Account.Address)
		q.clearCallback()
		if e.store.Remove(q) {
			e.finalizeEffects(q, false)
			if q.IsCatchup() && q.ActualCount() > 0 {
				e.updates <- &CatchupFinished{AccountID: q.Spec.Account.ID, Count: q.ActualCount()}
			}
			e.sendDeferredReceipts(q)
		}
	}
}

// KillAccount abandons every query for an account, in-flight and pending.
// Late results for the abandoned ids are dropped as unknown.
func (e *Engine) KillAccount(account *chat.Account) {
	e.store.Orphan(account.ID)
	e.store.DrainPending(account.ID)
}

func (e *Engine) execute(q *Query) {
	account := q.Spec.Account
	if account.State() != chat.StateOnline {
		e.store.QueuePending(q)
		return
	}
	session := e.sessions(account)
	if session == nil {
		e.store.QueuePending(q)
		return
	}
	e.log.Debugf("%s: running archive query %s", account.Address, q)
	if err := session.SendQuery(&q.Spec); err != nil {
		e.log.Warnf("%s: error sending archive query: %v", account.Address, err)
		if e.store.Remove(q) {
			q.invokeCallback(false)
		}
	}
}

func (e *Engine) processPage(q *Query, o Outcome) {
	q.countPage()
	sh := e.store.shard(q.Spec.Account.ID)
	sh.mu.Lock()
	if _, ok := sh.queries[q.Spec.ID]; !ok {
		sh.mu.Unlock()
		return
	}
	if conv := q.Spec.Conversation; conv != nil {
		conv.SetFirstArchiveReference(o.First)
	}
	relevant := o.Last
	if q.Spec.Order == Backward {
		relevant = o.First
	}
	total := q.TotalCount()
	maxPages := (e.config.MaxTotalMessages+e.config.PageSize-1)/e.config.PageSize + 1
	abort := (!q.IsCatchup() && total >= e.config.PageSize) ||
		total >= e.config.MaxTotalMessages ||
		q.PageCount() >= maxPages
	if o.Complete || relevant == "" || abort {
		delete(sh.queries, q.Spec.ID)
		sh.mu.Unlock()
		var done bool
		if !q.IsCatchup() {
			if o.Count >= 0 {
				done = o.Count <= total
			} else {
				done = total == 0
			}
		}
		done = done || (q.ActualCount() == 0 && !q.IsCatchup())
		e.finalizeEffects(q, done)
		e.log.Debugf("%s: finished archive query after %d(%d) messages. messages left=%t",
			q.Spec.Account.Address, q.TotalCount(), q.ActualCount(), !done)
		if q.IsCatchup() && q.ActualCount() > 0 {
			e.updates <- &CatchupFinished{AccountID: q.Spec.Account.ID, Count: q.ActualCount()}
		}
		e.sendDeferredReceipts(q)
		return
	}
	// The successor is registered inside the same critical section that
	// retires the current page, so no other outcome for this account can
	// observe a gap between them.
	var successor *Query
	if q.Spec.Order == Forward {
		successor = q.next(o.Last)
	} else {
		successor = q.prev(o.First)
	}
	delete(sh.queries, q.Spec.ID)
	sh.queries[successor.Spec.ID] = successor
	sh.mu.Unlock()
	e.finalizeEffects(q, false)
	e.execute(successor)
}

// finalizeEffects applies the settled query to the affected conversations:
// restore sort order, update the messages-left flag and notify either the
// attached callback or the generic conversation list.
func (e *Engine) finalizeEffects(q *Query, done bool) {
	if conv := q.Spec.Conversation; conv != nil {
		conv.Sort()
		conv.SetHasMessagesLeftOnServer(!done)
		if err := e.gateway.UpdateConversationState(conv); err != nil {
			e.log.Warnf("%s: error persisting conversation state: %v", q.Spec.Account.Address, err)
		}
	} else {
		for _, conv := range e.gateway.Conversations(q.Spec.Account.ID) {
			conv.Sort()
		}
	}
	if q.hasCallback() {
		q.invokeCallback(done)
	} else {
		e.updates <- &ConversationsUpdated{AccountID: q.Spec.Account.ID}
	}
}

// finalizeInconclusive settles a query after a protocol error: the archive
// may or may not have more data, so the messages-left flag is left alone.
func (e *Engine) finalizeInconclusive(q *Query) {
	if !e.store.Remove(q) {
		return
	}
	if conv := q.Spec.Conversation; conv != nil {
		conv.Sort()
	}
	if q.hasCallback() {
		q.invokeCallback(false)
	} else {
		e.updates <- &ConversationsUpdated{AccountID: q.Spec.Account.ID}
	}
	e.sendDeferredReceipts(q)
}

func (e *Engine) sendDeferredReceipts(q *Query) {
	receipts := q.drainReceipts()
	if len(receipts) == 0 {
		return
	}
	e.log.Debugf("%s: sending %d deferred receipts", q.Spec.Account.Address, len(receipts))
	if e.receiptSender == nil {
		return
	}
	for _, rr := range receipts {
		e.receiptSender(q.Spec.Account, rr)
	}
}

func (e *Engine) retentionFloor() chat.MamReference {
	if e.config.MessageRetentionMs <= 0 {
		return chat.MamReference{}
	}
	return chat.NewMamReference(e.nowMs() - e.config.MessageRetentionMs)
}

func (e *Engine) nowMs() int64 {
	return int64(e.clock.CurrentTimeMs())
}
