package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/xerrors"

	"github.com/LICODX/chunkproof/pkg/cid"
	"github.com/LICODX/chunkproof/pkg/core"
	"github.com/LICODX/chunkproof/pkg/logging"
)

const (
	claimPrefix   = "claim/"
	failurePrefix = "failures/"
)

func claimKey(agentID, c string) []byte {
	return []byte(claimPrefix + agentID + "/" + c)
}

// splitClaimKey relies on CIDs being fixed length to split agent and cid.
func splitClaimKey(key string) (string, string, bool) {
	rest := strings.TrimPrefix(key, claimPrefix)
	if len(rest) < core.CIDLength+2 {
		return "", "", false
	}
	c := rest[len(rest)-core.CIDLength:]
	agent := rest[:len(rest)-core.CIDLength-1]
	return agent, c, true
}

type FailureRecord struct {
	AgentID   string    `json:"agentId"`
	Count     int64     `json:"count"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LevelLedger is a contribution ledger kept in the node's own LevelDB.
type LevelLedger struct {
	db  *leveldb.DB
	mu  sync.Mutex
	log *logging.StructuredLogger
}

func NewLevelLedger(db *leveldb.DB, log *logging.StructuredLogger) *LevelLedger {
	if log == nil {
		log = logging.Component("ledger")
	}
	return &LevelLedger{db: db, log: log}
}

// AddClaims records that agentID stores each of cids. Existing claims are
// left alone; the number of new claims is returned.
func (l *LevelLedger) AddClaims(ctx context.Context, agentID string, cids []string) (int, error) {
	if err := ValidateAgentID(agentID); err != nil {
		return 0, err
	}
	for _, c := range cids {
		if err := cid.Validate(c); err != nil {
			return 0, err
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	batch := new(leveldb.Batch)
	stamp := []byte(time.Now().UTC().Format(time.RFC3339))
	added := 0
	seen := make(map[string]struct{}, len(cids))
	for _, c := range cids {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		ok, err := l.db.Has(claimKey(agentID, c), nil)
		if err != nil {
			return 0, core.Unavailable(err, "ledger unavailable")
		}
		if ok {
			continue
		}
		batch.Put(claimKey(agentID, c), stamp)
		added++
	}
	if added == 0 {
		return 0, nil
	}
	if err := l.db.Write(batch, nil); err != nil {
		return 0, core.Unavailable(err, "failed to record claims")
	}
	l.log.DebugWithFields("claims added", map[string]interface{}{"agent": agentID, "added": added})
	return added, nil
}

func (l *LevelLedger) RemoveClaims(ctx context.Context, agentID string, cids []string) (int, error) {
	if err := ValidateAgentID(agentID); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	batch := new(leveldb.Batch)
	removed := 0
	for _, c := range cids {
		ok, err := l.db.Has(claimKey(agentID, c), nil)
		if err != nil {
			return 0, core.Unavailable(err, "ledger unavailable")
		}
		if !ok {
			continue
		}
		batch.Delete(claimKey(agentID, c))
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	if err := l.db.Write(batch, nil); err != nil {
		return 0, core.Unavailable(err, "failed to remove claims")
	}
	return removed, nil
}

func (l *LevelLedger) ClaimedCIDs(ctx context.Context, agentID string) ([]string, error) {
	if err := ValidateAgentID(agentID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	iter := l.db.NewIterator(util.BytesPrefix([]byte(claimPrefix+agentID+"/")), nil)
	defer iter.Release()

	var out []string
	for iter.Next() {
		agent, c, ok := splitClaimKey(string(iter.Key()))
		if !ok || agent != agentID {
			continue
		}
		out = append(out, c)
	}
	if err := iter.Error(); err != nil {
		return nil, core.Unavailable(err, "failed to list claims for %s", agentID)
	}
	return out, nil
}

func (l *LevelLedger) AgentsWithClaims(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	iter := l.db.NewIterator(util.BytesPrefix([]byte(claimPrefix)), nil)
	defer iter.Release()

	set := make(map[string]struct{})
	for iter.Next() {
		agent, _, ok := splitClaimKey(string(iter.Key()))
		if !ok {
			continue
		}
		set[agent] = struct{}{}
	}
	if err := iter.Error(); err != nil {
		return nil, core.Unavailable(err, "failed to list agents")
	}

	agents := make([]string, 0, len(set))
	for a := range set {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	return agents, nil
}

func (l *LevelLedger) ReportVerificationFailures(ctx context.Context, agentID string, count int64) error {
	if err := ValidateAgentID(agentID); err != nil {
		return err
	}
	if count < 0 {
		return core.Validation("failure count must not be negative")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rec := FailureRecord{AgentID: agentID, Count: count, UpdatedAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Errorf("failed to marshal failure record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.db.Put([]byte(failurePrefix+agentID), data, nil); err != nil {
		return core.Unavailable(err, "failed to record verification failures")
	}
	l.log.InfoWithFields("verification failures reported", map[string]interface{}{"agent": agentID, "count": count})
	return nil
}

// Failures returns the last failure count reported for agentID.
func (l *LevelLedger) Failures(ctx context.Context, agentID string) (FailureRecord, error) {
	if err := ctx.Err(); err != nil {
		return FailureRecord{}, err
	}
	data, err := l.db.Get([]byte(failurePrefix+agentID), nil)
	if err == leveldb.ErrNotFound {
		return FailureRecord{AgentID: agentID}, nil
	}
	if err != nil {
		return FailureRecord{}, core.Unavailable(err, "ledger unavailable")
	}
	var rec FailureRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return FailureRecord{}, xerrors.Errorf("failed to decode failure record: %w", err)
	}
	return rec, nil
}
