package challenge

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/xerrors"

	"github.com/LICODX/chunkproof/pkg/core"
)

const (
	challengePrefix = "challenge/"
	statsPrefix     = "proofstats/"
	networkKey      = "network_stats"
)

// Registry holds every challenge, per-agent stats and the network counters.
// It is loaded fully into memory on open; LevelDB is the durable copy.
// All access goes through Update, which serializes callers.
type Registry struct {
	db *leveldb.DB
	mu sync.Mutex

	challenges map[string]*core.StorageChallenge
	byAgent    map[string][]string // challenge ids in issue order
	pending    map[string]struct{}
	stats      map[string]*core.ProofStats
	network    core.NetworkStats
}

func OpenRegistry(db *leveldb.DB) (*Registry, error) {
	r := &Registry{
		db:         db,
		challenges: make(map[string]*core.StorageChallenge),
		byAgent:    make(map[string][]string),
		pending:    make(map[string]struct{}),
		stats:      make(map[string]*core.ProofStats),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	iter := r.db.NewIterator(util.BytesPrefix([]byte(challengePrefix)), nil)
	for iter.Next() {
		var c core.StorageChallenge
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			iter.Release()
			return xerrors.Errorf("failed to decode challenge %s: %w", iter.Key(), err)
		}
		r.challenges[c.ID] = &c
		r.byAgent[c.AgentID] = append(r.byAgent[c.AgentID], c.ID)
		if c.Status == core.StatusPending {
			r.pending[c.ID] = struct{}{}
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return xerrors.Errorf("error loading challenges: %w", err)
	}

	for agent, ids := range r.byAgent {
		sort.Slice(ids, func(i, j int) bool {
			a, b := r.challenges[ids[i]], r.challenges[ids[j]]
			if a.IssuedAt.Equal(b.IssuedAt) {
				return a.ID < b.ID
			}
			return a.IssuedAt.Before(b.IssuedAt)
		})
		r.byAgent[agent] = ids
	}

	iter = r.db.NewIterator(util.BytesPrefix([]byte(statsPrefix)), nil)
	for iter.Next() {
		var s core.ProofStats
		if err := json.Unmarshal(iter.Value(), &s); err != nil {
			iter.Release()
			return xerrors.Errorf("failed to decode stats %s: %w", iter.Key(), err)
		}
		r.stats[s.AgentID] = &s
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return xerrors.Errorf("error loading stats: %w", err)
	}

	data, err := r.db.Get([]byte(networkKey), nil)
	switch {
	case err == leveldb.ErrNotFound:
	case err != nil:
		return xerrors.Errorf("failed to read network stats: %w", err)
	default:
		if err := json.Unmarshal(data, &r.network); err != nil {
			return xerrors.Errorf("failed to decode network stats: %w", err)
		}
	}
	r.network.Pending = int64(len(r.pending))
	r.network.Agents = int64(len(r.stats))
	return nil
}

// Update runs fn inside the registry's critical section. Everything fn stages
// is written in one LevelDB batch when it returns nil; in-memory state only
// changes after that write succeeds. A non-nil error discards the staging.
func (r *Registry) Update(fn func(tx *Txn) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &Txn{
		r:          r,
		batch:      new(leveldb.Batch),
		challenges: make(map[string]*core.StorageChallenge),
		deleted:    make(map[string]struct{}),
		stats:      make(map[string]*core.ProofStats),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// Network returns the committed network counters.
func (r *Registry) Network() core.NetworkStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.network
}

// Txn is a staged set of registry changes. It is only valid inside Update.
type Txn struct {
	r          *Registry
	batch      *leveldb.Batch
	challenges map[string]*core.StorageChallenge
	added      []string
	deleted    map[string]struct{}
	stats      map[string]*core.ProofStats
	network    *core.NetworkStats
}

// Challenge returns a copy of the challenge, or nil if it does not exist.
func (tx *Txn) Challenge(id string) *core.StorageChallenge {
	if _, gone := tx.deleted[id]; gone {
		return nil
	}
	if c, ok := tx.challenges[id]; ok {
		return c.Clone()
	}
	if c, ok := tx.r.challenges[id]; ok {
		return c.Clone()
	}
	return nil
}

func (tx *Txn) PutChallenge(c *core.StorageChallenge) error {
	data, err := json.Marshal(c)
	if err != nil {
		return xerrors.Errorf("failed to marshal challenge: %w", err)
	}
	if _, known := tx.r.challenges[c.ID]; !known {
		if _, staged := tx.challenges[c.ID]; !staged {
			tx.added = append(tx.added, c.ID)
		}
	}
	tx.batch.Put([]byte(challengePrefix+c.ID), data)
	tx.challenges[c.ID] = c.Clone()
	delete(tx.deleted, c.ID)
	return nil
}

func (tx *Txn) DeleteChallenge(id string) {
	tx.batch.Delete([]byte(challengePrefix + id))
	delete(tx.challenges, id)
	tx.deleted[id] = struct{}{}
}

// PendingIDs lists every pending challenge as seen by this transaction.
func (tx *Txn) PendingIDs() []string {
	ids := make([]string, 0, len(tx.r.pending))
	for id := range tx.r.pending {
		if _, gone := tx.deleted[id]; gone {
			continue
		}
		if c, ok := tx.challenges[id]; ok && c.Status != core.StatusPending {
			continue
		}
		ids = append(ids, id)
	}
	for id, c := range tx.challenges {
		if _, committed := tx.r.pending[id]; committed {
			continue
		}
		if c.Status == core.StatusPending {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (tx *Txn) PendingCount(agentID string) int {
	n := 0
	for _, id := range tx.PendingIDs() {
		if c := tx.Challenge(id); c != nil && c.AgentID == agentID {
			n++
		}
	}
	return n
}

// AgentChallenges returns copies of agentID's challenges in issue order.
func (tx *Txn) AgentChallenges(agentID string) []*core.StorageChallenge {
	ids := tx.r.byAgent[agentID]
	out := make([]*core.StorageChallenge, 0, len(ids))
	for _, id := range ids {
		if c := tx.Challenge(id); c != nil {
			out = append(out, c)
		}
	}
	for _, id := range tx.added {
		if c, ok := tx.challenges[id]; ok && c.AgentID == agentID {
			out = append(out, c.Clone())
		}
	}
	return out
}

// Stats returns a copy of agentID's stats, zero-valued if the agent is new.
func (tx *Txn) Stats(agentID string) *core.ProofStats {
	if s, ok := tx.stats[agentID]; ok {
		cp := *s
		return &cp
	}
	if s, ok := tx.r.stats[agentID]; ok {
		cp := *s
		return &cp
	}
	return &core.ProofStats{AgentID: agentID}
}

func (tx *Txn) HasStats(agentID string) bool {
	if _, ok := tx.stats[agentID]; ok {
		return true
	}
	_, ok := tx.r.stats[agentID]
	return ok
}

func (tx *Txn) PutStats(s *core.ProofStats) error {
	data, err := json.Marshal(s)
	if err != nil {
		return xerrors.Errorf("failed to marshal stats: %w", err)
	}
	tx.batch.Put([]byte(statsPrefix+s.AgentID), data)
	cp := *s
	tx.stats[s.AgentID] = &cp
	return nil
}

// Agents lists every agent with stats, sorted.
func (tx *Txn) Agents() []string {
	set := make(map[string]struct{}, len(tx.r.stats)+len(tx.stats))
	for a := range tx.r.stats {
		set[a] = struct{}{}
	}
	for a := range tx.stats {
		set[a] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (tx *Txn) Network() core.NetworkStats {
	if tx.network != nil {
		return *tx.network
	}
	return tx.r.network
}

func (tx *Txn) PutNetwork(n core.NetworkStats) error {
	data, err := json.Marshal(&n)
	if err != nil {
		return xerrors.Errorf("failed to marshal network stats: %w", err)
	}
	tx.batch.Put([]byte(networkKey), data)
	tx.network = &n
	return nil
}

func (tx *Txn) commit() error {
	if tx.batch.Len() == 0 {
		return nil
	}
	if err := tx.r.db.Write(tx.batch, nil); err != nil {
		return core.Unavailable(err, "failed to commit challenge registry")
	}

	r := tx.r
	for _, id := range tx.added {
		c, ok := tx.challenges[id]
		if !ok {
			continue
		}
		r.byAgent[c.AgentID] = append(r.byAgent[c.AgentID], id)
	}
	for id, c := range tx.challenges {
		r.challenges[id] = c
		if c.Status == core.StatusPending {
			r.pending[id] = struct{}{}
		} else {
			delete(r.pending, id)
		}
	}
	for id := range tx.deleted {
		c, ok := r.challenges[id]
		if !ok {
			continue
		}
		delete(r.challenges, id)
		delete(r.pending, id)
		r.byAgent[c.AgentID] = removeID(r.byAgent[c.AgentID], id)
		if len(r.byAgent[c.AgentID]) == 0 {
			delete(r.byAgent, c.AgentID)
		}
	}
	for agent, s := range tx.stats {
		r.stats[agent] = s
	}
	if tx.network != nil {
		r.network = *tx.network
	}
	return nil
}

func removeID(ids []string, id string) []string {
	for i, x := range ids {
		if x == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
