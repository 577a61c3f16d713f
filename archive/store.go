package archive

import (
	"sync"

	"github.com/google/uuid"
	"github.com/lagoon-im/go-lagoon/ids"
)

// Store is the registry of in-flight and pending queries, sharded per
// account. Each shard has its own mutex: all mutations for one account's
// queries happen inside that shard's critical section, so finalizing a page
// and registering its successor are atomic with respect to other outcomes
// for the same account.
type Store struct {
	mu     sync.Mutex
	shards map[uuid.UUID]*shard
}

type shard struct {
	mu      sync.Mutex
	queries map[ids.ID]*Query
	pending []*Query
}

func NewStore() *Store {
	return &Store{shards: make(map[uuid.UUID]*shard)}
}

func (s *Store) shard(accountID uuid.UUID) *shard {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shards[accountID]
	if !ok {
		sh = &shard{queries: make(map[ids.ID]*Query)}
		s.shards[accountID] = sh
	}
	return sh
}

// Find locates an in-flight query by id. Late results for ids no longer
// registered return nil and are dropped by the caller.
func (s *Store) Find(id ids.ID) *Query {
	s.mu.Lock()
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.Unlock()
	for _, sh := range shards {
		sh.mu.Lock()
		q, ok := sh.queries[id]
		sh.mu.Unlock()
		if ok {
			return q
		}
	}
	return nil
}

func (s *Store) Register(q *Query) {
	sh := s.shard(q.Spec.Account.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.queries[q.Spec.ID] = q
}

// Remove reports whether the query was still registered; a false return
// means the query already received its one outcome.
func (s *Store) Remove(q *Query) bool {
	sh := s.shard(q.Spec.Account.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.queries[q.Spec.ID]; !ok {
		return false
	}
	delete(sh.queries, q.Spec.ID)
	return true
}

// Orphan drops every in-flight query for an account without finalizing.
// Used when leaving the online state: awaiting queries must not receive a
// second outcome once a fresh catch-up supersedes them.
func (s *Store) Orphan(accountID uuid.UUID) []*Query {
	sh := s.shard(accountID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	orphaned := make([]*Query, 0, len(sh.queries))
	for _, q := range sh.queries {
		orphaned = append(orphaned, q)
	}
	sh.queries = make(map[ids.ID]*Query)
	return orphaned
}

func (s *Store) ForAccount(accountID uuid.UUID) []*Query {
	sh := s.shard(accountID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	out := make([]*Query, 0, len(sh.queries))
	for _, q := range sh.queries {
		out = append(out, q)
	}
	return out
}

func (s *Store) QueuePending(q *Query) {
	sh := s.shard(q.Spec.Account.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.pending = append(sh.pending, q)
}

func (s *Store) DrainPending(accountID uuid.UUID) []*Query {
	sh := s.shard(accountID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	pending := sh.pending
	sh.pending = nil
	return pending
}
