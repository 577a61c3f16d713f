package archive

import (
	"fmt"
	"sync"

	"github.com/lagoon-im/go-lagoon/chat"
	"github.com/lagoon-im/go-lagoon/ids"
)

type PagingOrder int

const (
	// Forward pages oldest to newest, used for catch-up.
	Forward PagingOrder = iota
	// Backward pages newest to oldest, used for user-initiated history loads.
	Backward
)

func (o PagingOrder) String() string {
	if o == Forward {
		return "forward"
	}
	return "backward"
}

type Mode int

const (
	// ModeCatchup is automatic post-reconnect synchronization.
	ModeCatchup Mode = iota
	// ModeUserPaging is on-demand pagination triggered by scrolling.
	ModeUserPaging
	// ModeGapFill silently backfills a range older than the catch-up window.
	ModeGapFill
)

func (m Mode) String() string {
	switch m {
	case ModeCatchup:
		return "catchup"
	case ModeUserPaging:
		return "paging"
	case ModeGapFill:
		return "gapfill"
	}
	return "unknown"
}

// Callback receives the number of materially new messages a query loaded and
// whether the server archive is exhausted for its range.
type Callback func(count int, conversation *chat.Conversation, exhausted bool)

// A ReceiptRequest is a delivery receipt owed to a peer, deferred until the
// query that produced it settles so receipts are not sent for messages the
// local store already had.
type ReceiptRequest struct {
	Address  string
	RemoteID string
}

// QuerySpec is the immutable identity and bounds of a query: everything the
// transport needs to encode it on the wire. Reads require no locking.
type QuerySpec struct {
	ID           ids.ID
	Account      *chat.Account
	Conversation *chat.Conversation // nil means account-wide
	Start        chat.MamReference
	End          int64 // upper bound in ms, 0 means now
	Order        PagingOrder
	Mode         Mode
	PageSize     int
}

// progress is the mutable bookkeeping shared by every page of one logical
// query. Successor pages get fresh specs but the same progress record.
type progress struct {
	mu              sync.Mutex
	total           int
	actual          int
	pages           int
	callback        Callback
	pendingReceipts map[ReceiptRequest]bool
	seenReceipts    map[ReceiptRequest]bool
}

type Query struct {
	Spec     QuerySpec
	progress *progress
}

func newQuery(spec QuerySpec) *Query {
	spec.ID = ids.NewID()
	return &Query{
		Spec: spec,
		progress: &progress{
			pendingReceipts: make(map[ReceiptRequest]bool),
			seenReceipts:    make(map[ReceiptRequest]bool),
		},
	}
}

// page derives the successor query for the next page, carrying the paging
// cursor and sharing accumulated progress.
func (q *Query) page(cursor string, order PagingOrder) *Query {
	spec := q.Spec
	spec.ID = ids.NewID()
	spec.Start = chat.NewMamCursor(q.Spec.Start.TimestampMs(), cursor)
	spec.Order = order
	return &Query{Spec: spec, progress: q.progress}
}

func (q *Query) next(cursor string) *Query {
	return q.page(cursor, Forward)
}

func (q *Query) prev(cursor string) *Query {
	return q.page(cursor, Backward)
}

func (q *Query) IsCatchup() bool {
	return q.Spec.Mode == ModeCatchup
}

func (q *Query) TotalCount() int {
	q.progress.mu.Lock()
	defer q.progress.mu.Unlock()
	return q.progress.total
}

func (q *Query) ActualCount() int {
	q.progress.mu.Lock()
	defer q.progress.mu.Unlock()
	return q.progress.actual
}

func (q *Query) PageCount() int {
	q.progress.mu.Lock()
	defer q.progress.mu.Unlock()
	return q.progress.pages
}

func (q *Query) countItem(materiallyNew bool) {
	q.progress.mu.Lock()
	defer q.progress.mu.Unlock()
	q.progress.total++
	if materiallyNew {
		q.progress.actual++
	}
}

func (q *Query) countPage() {
	q.progress.mu.Lock()
	defer q.progress.mu.Unlock()
	q.progress.pages++
}

func (q *Query) hasCallback() bool {
	q.progress.mu.Lock()
	defer q.progress.mu.Unlock()
	return q.progress.callback != nil
}

// SetCallback attaches the completion callback invoked as pages settle.
func (q *Query) SetCallback(cb Callback) {
	q.progress.mu.Lock()
	defer q.progress.mu.Unlock()
	q.progress.callback = cb
}

func (q *Query) clearCallback() {
	q.progress.mu.Lock()
	defer q.progress.mu.Unlock()
	q.progress.callback = nil
}

func (q *Query) invokeCallback(done bool) {
	q.progress.mu.Lock()
	cb := q.progress.callback
	actual := q.progress.actual
	q.progress.mu.Unlock()
	if cb != nil {
		cb(actual, q.Spec.Conversation, done)
	}
}

// AddPendingReceiptRequest defers a receipt until the query settles.
func (q *Query) AddPendingReceiptRequest(rr ReceiptRequest) {
	q.progress.mu.Lock()
	defer q.progress.mu.Unlock()
	q.progress.pendingReceipts[rr] = true
}

// RemovePendingReceiptRequest marks a receipt as already satisfied.
func (q *Query) RemovePendingReceiptRequest(rr ReceiptRequest) {
	q.progress.mu.Lock()
	defer q.progress.mu.Unlock()
	if q.progress.pendingReceipts[rr] {
		delete(q.progress.pendingReceipts, rr)
	} else {
		q.progress.seenReceipts[rr] = true
	}
}

func (q *Query) drainReceipts() []ReceiptRequest {
	q.progress.mu.Lock()
	defer q.progress.mu.Unlock()
	out := make([]ReceiptRequest, 0, len(q.progress.pendingReceipts))
	for rr := range q.progress.pendingReceipts {
		if q.progress.seenReceipts[rr] {
			continue
		}
		out = append(out, rr)
	}
	q.progress.pendingReceipts = make(map[ReceiptRequest]bool)
	return out
}

// ValidFrom rejects responses whose advertised sender does not match the
// query scope, protecting concurrently open queries from cross-talk.
func (q *Query) ValidFrom(from string) bool {
	if q.Spec.Conversation != nil && q.Spec.Conversation.Mode == chat.ModeMulti {
		return from == q.Spec.Conversation.Address
	}
	return from == "" || from == q.Spec.Account.Address
}

func (q *Query) String() string {
	scope := "*"
	if q.Spec.Conversation != nil {
		scope = q.Spec.Conversation.Address
	}
	return fmt.Sprintf("query id=%s with=%s start=%d end=%d order=%s mode=%s cursor=%q",
		q.Spec.ID, scope, q.Spec.Start.TimestampMs(), q.Spec.End, q.Spec.Order, q.Spec.Mode, q.Spec.Start.Cursor())
}
